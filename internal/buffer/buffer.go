// Package buffer provides pooled, growable byte buffers for reading frame
// batches off a transport and for building outgoing messages, following
// the shape of the teacher's internal/buffer package (a single contiguous
// allocation grown segment by segment) adapted to Fusion's plain []byte
// wire format instead of a fusekernel.InHeader/OutHeader pair.
package buffer

import (
	"io"

	"github.com/fusion-ipc/fusion/internal/freelist"
)

// InBatch holds the bytes of a single transport read, sized up to
// wire.MaxFrameBytes*4 (spec.md §4.1).
type InBatch struct {
	data []byte
	n    int
}

// NewInBatch allocates an InBatch with the given capacity.
func NewInBatch(capacity int) *InBatch {
	return &InBatch{data: make([]byte, capacity)}
}

// Reset truncates the batch to zero length, keeping its backing array.
func (b *InBatch) Reset() {
	b.n = 0
}

// Fill reads once from r into the batch's backing array, recording how many
// bytes were read. It does not loop: callers are responsible for retrying
// on EINTR, per spec.md §4.1's failure semantics.
func (b *InBatch) Fill(r io.Reader) error {
	n, err := r.Read(b.data)
	b.n = n
	return err
}

// FillFrom reads once via recv into the batch's backing array, recording
// how many bytes were read. Used in place of Fill when the source is a
// transport.Endpoint.Recv rather than an io.Reader.
func (b *InBatch) FillFrom(recv func([]byte) (int, error)) error {
	n, err := recv(b.data)
	b.n = n
	return err
}

// Bytes returns the portion of the batch that was actually filled.
func (b *InBatch) Bytes() []byte {
	return b.data[:b.n]
}

// Cap returns the batch's backing capacity.
func (b *InBatch) Cap() int {
	return len(b.data)
}

// InBatchPool recycles InBatch allocations across dispatcher cycles.
type InBatchPool struct {
	list *freelist.List[InBatch]
}

// NewInBatchPool returns a pool that mints batches of the given capacity.
func NewInBatchPool(capacity int) *InBatchPool {
	return &InBatchPool{
		list: freelist.New(
			func() *InBatch { return NewInBatch(capacity) },
			func(b *InBatch) { b.Reset() },
		),
	}
}

// Get returns a batch from the pool, minting one if none are free.
func (p *InBatchPool) Get() *InBatch { return p.list.Get() }

// Put returns a batch to the pool for reuse.
func (p *InBatchPool) Put(b *InBatch) { p.list.Put(b) }

// OutMessage accumulates a single outgoing frame: a header-sized prefix
// followed by however much payload the caller appends. Mirrors the
// teacher's Buffer.Grow idiom (internal/buffer/buffer.go) without the
// unsafe-pointer games, since Fusion's header is a plain encode/decode
// pair rather than a C struct overlay.
type OutMessage struct {
	slice []byte
}

// NewOutMessage returns an OutMessage with room for headerSize bytes of
// header plus extra bytes of anticipated payload.
func NewOutMessage(headerSize, extra int) *OutMessage {
	return &OutMessage{slice: make([]byte, headerSize, headerSize+extra)}
}

// Reset truncates the message back to headerSize bytes so it can be
// reused for the next frame without reallocating.
func (m *OutMessage) Reset(headerSize int) {
	if cap(m.slice) < headerSize {
		m.slice = make([]byte, headerSize)
		return
	}
	m.slice = m.slice[:headerSize]
}

// Grow appends size zeroed bytes to the message and returns the slice of
// newly appended bytes for the caller to fill in.
func (m *OutMessage) Grow(size int) []byte {
	start := len(m.slice)
	m.slice = append(m.slice, make([]byte, size)...)
	return m.slice[start : start+size]
}

// Bytes returns the full contents of the message built so far.
func (m *OutMessage) Bytes() []byte {
	return m.slice
}

// OutMessagePool recycles OutMessage allocations.
type OutMessagePool struct {
	headerSize int
	list       *freelist.List[OutMessage]
}

// NewOutMessagePool returns a pool whose messages reserve headerSize bytes
// up front.
func NewOutMessagePool(headerSize int) *OutMessagePool {
	p := &OutMessagePool{headerSize: headerSize}
	p.list = freelist.New(
		func() *OutMessage { return NewOutMessage(headerSize, 256) },
		func(m *OutMessage) { m.Reset(headerSize) },
	)
	return p
}

// Get returns a message from the pool, minting one if none are free.
func (p *OutMessagePool) Get() *OutMessage { return p.list.Get() }

// Put returns a message to the pool for reuse.
func (p *OutMessagePool) Put(m *OutMessage) { p.list.Put(m) }
