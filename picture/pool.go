// Package picture manages the pool of DMA-backed output buffers that
// decoded frames land in. Each pool buffer owns one DMA block and one
// hardware picture descriptor; the pool is the sole arbiter of the
// descriptor-to-buffer association, so no raw back-pointers cross the
// hardware boundary.
package picture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dv1/vmeta/dma"
	"github.com/dv1/vmeta/engine"
)

// DMAAlign is the physical alignment the hardware requires for picture
// buffers.
const DMAAlign = 4096

var (
	// ErrNoGeometry means Acquire was called before SetOutputGeometry.
	// This is a configuration-ordering error on the caller's side.
	ErrNoGeometry = errors.New("picture: output geometry not set")
	// ErrUnknownDescriptor means a picture popped from the hardware does
	// not belong to this pool - hardware and pool bookkeeping have
	// diverged.
	ErrUnknownDescriptor = errors.New("picture: descriptor not associated with a pool buffer")
)

// Geometry fixes the size, stride and dimensions of the buffers the pool
// hands out. It comes from the hardware's sequence info once the stream
// headers have been parsed.
type Geometry struct {
	BufferSize uint32
	Stride     uint32
	Width      uint32
	Height     uint32
}

// Pool allocates and recycles picture buffers. Released buffers return to
// the pool rather than being freed, unless the pool is draining.
type Pool struct {
	log   *slog.Logger
	alloc dma.Allocator

	mu          sync.Mutex
	geom        Geometry
	hasGeom     bool
	nextHandle  uint64
	byHandle    map[uint64]*Buffer
	idle        []*Buffer
	outstanding int
	draining    bool
}

// NewPool creates a pool backed by the given allocator. If log is nil,
// slog.Default() is used.
func NewPool(alloc dma.Allocator, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		log:        log.With("component", "picture-pool"),
		alloc:      alloc,
		nextHandle: 1,
		byHandle:   make(map[uint64]*Buffer),
	}
}

// SetOutputGeometry configures the buffer size and stride for subsequent
// acquires. Must be called before the first Acquire; zero size or stride
// is rejected.
func (p *Pool) SetOutputGeometry(g Geometry) error {
	if g.BufferSize == 0 || g.Stride == 0 {
		return fmt.Errorf("picture: invalid geometry (buffer size %d, stride %d)", g.BufferSize, g.Stride)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// A geometry change invalidates recycled buffers of the old size.
	if p.hasGeom && g != p.geom {
		p.freeIdleLocked()
	}
	p.geom = g
	p.hasGeom = true
	p.log.Info("output geometry set",
		"buffer_size", g.BufferSize, "stride", g.Stride,
		"width", g.Width, "height", g.Height)
	return nil
}

// Geometry returns the configured geometry. The second result is false
// until SetOutputGeometry has succeeded; allocation-negotiation callers
// use this to answer size/stride/alignment queries deterministically.
func (p *Pool) Geometry() (Geometry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.geom, p.hasGeom
}

// Acquire returns a buffer stamped with the current geometry, recycling a
// released one when possible. The caller holds one reference and must
// Release it.
func (p *Pool) Acquire() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.hasGeom {
		return nil, ErrNoGeometry
	}

	if n := len(p.idle); n > 0 {
		b := p.idle[n-1]
		p.idle = p.idle[:n-1]
		b.refs.Store(1)
		b.desc.DataLen = 0
		b.desc.Offset = 0
		p.outstanding++
		return b, nil
	}

	block, err := p.alloc.Alloc(int(p.geom.BufferSize), DMAAlign, dma.ClassCacheable)
	if err != nil {
		return nil, fmt.Errorf("picture: allocating %d byte output buffer: %w", p.geom.BufferSize, err)
	}

	b := &Buffer{
		pool:  p,
		block: block,
		geom:  p.geom,
	}
	b.desc = engine.Picture{
		Handle:  p.nextHandle,
		Phys:    block.Phys(),
		Buf:     block.Bytes(),
		BufSize: p.geom.BufferSize,
	}
	p.byHandle[p.nextHandle] = b
	p.nextHandle++
	b.refs.Store(1)
	p.outstanding++

	p.log.Debug("allocated picture buffer", "handle", b.desc.Handle, "phys", block.Phys())
	return b, nil
}

// Resolve maps a descriptor handle reported by the hardware back to its
// pool buffer. Failure indicates a hardware/bookkeeping desync.
func (p *Pool) Resolve(handle uint64) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.byHandle[handle]
	if !ok {
		return nil, fmt.Errorf("%w (handle %d)", ErrUnknownDescriptor, handle)
	}
	return b, nil
}

// Outstanding returns the number of acquired buffers not yet released.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Drain frees all idle buffers and switches the pool into draining mode:
// buffers released from now on are freed instead of recycled. Safe to
// call more than once.
func (p *Pool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.draining = true
	p.freeIdleLocked()
	p.log.Debug("pool draining", "outstanding", p.outstanding)
}

func (p *Pool) freeIdleLocked() {
	for _, b := range p.idle {
		p.destroyLocked(b)
	}
	p.idle = nil
}

func (p *Pool) destroyLocked(b *Buffer) {
	delete(p.byHandle, b.desc.Handle)
	if err := b.block.Free(); err != nil {
		p.log.Warn("freeing picture buffer block", "handle", b.desc.Handle, "error", err)
	}
}

// release is called by Buffer.Release when the refcount reaches zero.
// A buffer stamped with a superseded geometry is freed rather than
// recycled; Acquire must never hand out a buffer sized for a previous
// sequence.
func (p *Pool) release(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding--
	if p.draining || b.geom != p.geom {
		p.destroyLocked(b)
		return
	}
	p.idle = append(p.idle, b)
}

// Buffer is one application-visible decoded-frame buffer. It is
// reference-counted: Release drops the caller's reference and the buffer
// returns to its pool once no consumer holds one.
type Buffer struct {
	pool  *Pool
	block *dma.Block
	desc  engine.Picture
	geom  Geometry
	refs  atomic.Int32
}

// Descriptor returns the hardware picture descriptor backing this buffer.
// The pointer stays valid for the life of the buffer; the hardware fills
// in the completion fields.
func (b *Buffer) Descriptor() *engine.Picture { return &b.desc }

// Geometry returns the video geometry stamped at acquire time.
func (b *Buffer) Geometry() Geometry { return b.geom }

// Bytes returns the decoded bytes the hardware reported for this picture.
func (b *Buffer) Bytes() []byte {
	start := int(b.desc.Offset)
	end := start + int(b.desc.DataLen)
	buf := b.block.Bytes()
	if end > len(buf) {
		end = len(buf)
	}
	if start > end {
		start = end
	}
	return buf[start:end]
}

// Ref adds a reference, for handing the buffer to an additional consumer.
func (b *Buffer) Ref() { b.refs.Add(1) }

// Release drops one reference. At zero the buffer returns to the pool,
// or is freed if the pool is draining.
func (b *Buffer) Release() {
	if n := b.refs.Add(-1); n == 0 {
		b.pool.release(b)
	} else if n < 0 {
		panic("picture: buffer released more often than referenced")
	}
}
