package steps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/me/pipelinecore/pkg/chunk"
	"github.com/me/pipelinecore/pkg/step"
)

// FileReader reads one line per invocation from a file and routes it to
// Target. It is ordered and contends for the I/O slot, the way a file read
// step must: reading out of order would scramble line order, and two reads
// must never interleave on the same underlying descriptor pool.
type FileReader struct {
	step.NopFinalizer
	Target int

	f       *os.File
	scanner *bufio.Scanner
	done    bool
}

// NewFileReader opens path for reading. Each Process call reads one line.
func NewFileReader(target int, path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &FileReader{Target: target, f: f, scanner: bufio.NewScanner(f)}, nil
}

func (r *FileReader) Ordering() step.Ordering { return step.Ordered }
func (r *FileReader) FileIO() bool            { return true }

func (r *FileReader) Process(ctx context.Context, _ chunk.Chunk) ([]step.Output, error) {
	if r.done {
		return []step.Output{{Target: r.Target, Payload: nil}}, nil
	}
	if r.scanner.Scan() {
		return []step.Output{{Target: r.Target, Payload: r.scanner.Text()}}, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read line: %w", err)
	}
	r.done = true
	return []step.Output{{Target: r.Target, Payload: nil}}, nil
}

func (r *FileReader) Finalize(ctx context.Context) error {
	return r.f.Close()
}

// FileWriter appends each consumed chunk (a string line; any other payload
// type is an error) to a file, one line per invocation, and forwards a sentinel
// downstream so an ordered consumer can advance. It is ordered and
// contends for the I/O slot.
type FileWriter struct {
	Target int

	f *os.File
	w *bufio.Writer
}

// NewFileWriter creates or truncates path for writing.
func NewFileWriter(target int, path string) (*FileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return &FileWriter{Target: target, f: f, w: bufio.NewWriter(f)}, nil
}

func (w *FileWriter) Ordering() step.Ordering { return step.Ordered }
func (w *FileWriter) FileIO() bool            { return true }

func (w *FileWriter) Process(ctx context.Context, payload chunk.Chunk) ([]step.Output, error) {
	line, ok := payload.(string)
	if !ok {
		return nil, fmt.Errorf("steps.FileWriter: expected string payload, got %T", payload)
	}
	if _, err := io.WriteString(w.w, line+"\n"); err != nil {
		return nil, fmt.Errorf("write line: %w", err)
	}
	return []step.Output{{Target: w.Target, Payload: nil}}, nil
}

func (w *FileWriter) Finalize(ctx context.Context) error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Close()
}
