// Package runmetrics collects per-step duration and chunk-count statistics
// using the statistics-reduction sink pattern, and formats them into a
// human-readable summary once a run completes.
package runmetrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/me/pipelinecore/pkg/statsink"
)

// StepTally accumulates per-step counters. Workers acquire one from a
// Collector's sink, mutate it without further locking (each worker holds its
// own instance), and release it back when done with a chunk.
type StepTally struct {
	StepID        int
	Invocations   uint64
	TotalDuration time.Duration
	Failures      uint64
}

// Combine folds other's counts into the receiver, satisfying
// statsink.Combinable.
func (t *StepTally) Combine(other *StepTally) {
	t.Invocations += other.Invocations
	t.TotalDuration += other.TotalDuration
	t.Failures += other.Failures
}

// Collector tracks one StatisticsSink per step ID, keyed under a mutex
// guarding the map itself (not the tallies, which are only ever touched by
// the worker currently holding them).
type Collector struct {
	mu    sync.Mutex
	sinks map[int]*statsink.Sink[*StepTally]
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{sinks: make(map[int]*statsink.Sink[*StepTally])}
}

func (c *Collector) sinkFor(stepID int) *statsink.Sink[*StepTally] {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sinks[stepID]
	if !ok {
		s = statsink.New(func() *StepTally { return &StepTally{StepID: stepID} })
		c.sinks[stepID] = s
	}
	return s
}

// Acquire returns a per-worker tally for stepID, reused from the pool when
// available.
func (c *Collector) Acquire(stepID int) *StepTally {
	return c.sinkFor(stepID).Acquire()
}

// Release records one invocation's outcome into tally and returns it to the
// pool for reuse.
func (c *Collector) Release(stepID int, tally *StepTally, d time.Duration, failed bool) {
	tally.Invocations++
	tally.TotalDuration += d
	if failed {
		tally.Failures++
	}
	c.sinkFor(stepID).Release(tally)
}

// Summary is the reduced, read-only result of one run's collected tallies.
type Summary struct {
	Steps []StepTally
}

// Reduce folds every step's sink into one tally per step. Like
// statsink.Sink.Reduce, callers must ensure no worker still holds an
// acquired tally (i.e. the scheduler has fully drained).
func (c *Collector) Reduce() Summary {
	c.mu.Lock()
	ids := make([]int, 0, len(c.sinks))
	for id := range c.sinks {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Ints(ids)

	summary := Summary{Steps: make([]StepTally, 0, len(ids))}
	for _, id := range ids {
		tally := c.sinkFor(id).Reduce()
		summary.Steps = append(summary.Steps, *tally)
	}
	return summary
}

// PrintSummary writes a formatted table of per-step tallies to w, in the
// teacher's own summary-table style.
func PrintSummary(w io.Writer, s Summary) {
	if len(s.Steps) == 0 {
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Run Summary ===")
	fmt.Fprintf(w, "%-8s  %12s  %18s  %8s\n", "Step", "Invocations", "Total Duration", "Failures")
	fmt.Fprintln(w, strings.Repeat("-", 52))

	var totalInvocations, totalFailures uint64
	for _, step := range s.Steps {
		fmt.Fprintf(w, "%-8d  %12d  %18s  %8d\n",
			step.StepID, step.Invocations, formatDuration(step.TotalDuration), step.Failures)
		totalInvocations += step.Invocations
		totalFailures += step.Failures
	}

	fmt.Fprintln(w, strings.Repeat("-", 52))
	fmt.Fprintf(w, "Total: %d invocations", totalInvocations)
	if totalFailures > 0 {
		fmt.Fprintf(w, ", %d failures", totalFailures)
	}
	fmt.Fprintln(w)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %02ds", m, s)
}
