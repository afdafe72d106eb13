// Package chunk defines the opaque data unit exchanged between pipeline
// steps. The scheduler never inspects a chunk's payload; it only stamps and
// propagates the sequence number that lets ordered steps reassemble the
// stream.
package chunk

// Chunk is the opaque payload a step produces and consumes. The scheduler
// treats it as an erased capability: it is moved, never read.
type Chunk any

// Envelope wraps a Chunk with the sequence number assigned by the source and
// propagated through every downstream hop. Exactly one party owns an
// Envelope at any time: the source's next invocation, a step's input
// buffer, a running worker, or the final consumer.
type Envelope struct {
	// Seq is the ordering identity of this chunk, assigned by the source in
	// emission order and carried unchanged across every step invocation that
	// consumes and re-emits it.
	Seq uint64
	// Payload is the user-supplied, opaque data.
	Payload Chunk
}

// New wraps a payload with the given sequence number.
func New(seq uint64, payload Chunk) *Envelope {
	return &Envelope{Seq: seq, Payload: payload}
}
