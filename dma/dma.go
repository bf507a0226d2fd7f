// Package dma manages the hardware-addressable memory blocks that carry
// encoded and decoded video data between the CPU and the vMeta engine.
// Every block is identified by a matched virtual/physical address pair;
// the physical address is what gets handed to the hardware, the virtual
// mapping is what the CPU reads and writes.
package dma

import (
	"errors"
	"fmt"
)

// Class selects the cacheability attributes of an allocated block.
type Class int

const (
	// ClassNormal is uncached, unbuffered memory.
	ClassNormal Class = iota
	// ClassCacheable memory must be cache-flushed before the hardware
	// reads it.
	ClassCacheable
	// ClassWriteCombine is for buffers the CPU writes and the hardware
	// reads, such as stream buffers.
	ClassWriteCombine
)

func (c Class) String() string {
	switch c {
	case ClassNormal:
		return "normal"
	case ClassCacheable:
		return "cacheable"
	case ClassWriteCombine:
		return "writecombine"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// PaddingByte fills the region between a block's logical size and its
// capacity. The vMeta engine consumes memory in fixed-size units and must
// never read uninitialized bytes past the logical end of the data.
const PaddingByte = 0x88

// poisonByte overwrites freed blocks so stale access is caught early.
const poisonByte = 0xDD

var (
	// ErrAllocFailed is returned when the underlying memory provider
	// cannot satisfy an allocation. Fatal to the operation in progress,
	// not to the process.
	ErrAllocFailed = errors.New("dma: allocation failed")
	// ErrFreed indicates a block was used or freed after its memory was
	// already released.
	ErrFreed = errors.New("dma: block already freed")
)

// Allocator provides DMA-capable memory. Implementations include the
// vdec_os_api-backed allocator of the real hardware library and the
// host-memory allocator used for tests and simulation.
type Allocator interface {
	// Alloc returns a block with capacity of at least size bytes whose
	// physical address is aligned to align. The tail between size and
	// capacity is filled with PaddingByte.
	Alloc(size, align int, class Class) (*Block, error)
	// Free releases a block exactly once. The block is poisoned and must
	// not be used afterwards.
	Free(b *Block) error
}

// Block is one contiguous hardware-addressable memory region.
type Block struct {
	virt  []byte
	phys  uint64
	size  int
	class Class

	alloc  Allocator
	parent *Block // non-nil for shared sub-views
	freed  bool
}

// NewBlock wraps an existing mapping into a Block. Intended for Allocator
// implementations; ordinary callers obtain blocks via Alloc.
func NewBlock(virt []byte, phys uint64, size int, class Class, alloc Allocator) *Block {
	return &Block{virt: virt, phys: phys, size: size, class: class, alloc: alloc}
}

// Bytes returns the host mapping of the whole block capacity. DMA memory
// is always host-mapped, so this never fails.
func (b *Block) Bytes() []byte { return b.virt }

// Phys returns the physical address the hardware uses to reach the block.
func (b *Block) Phys() uint64 { return b.phys }

// Size returns the logical size requested at allocation (or the view size
// for shared blocks).
func (b *Block) Size() int { return b.size }

// Cap returns the full capacity of the backing region.
func (b *Block) Cap() int { return len(b.virt) }

// Class returns the cacheability class the block was allocated with.
func (b *Block) Class() Class { return b.class }

// Shared reports whether the block is a non-owning sub-view.
func (b *Block) Shared() bool { return b.parent != nil }

// Free releases the block through its owning allocator. Freeing a shared
// view is a no-op: the parent owns the memory.
func (b *Block) Free() error {
	if b.parent != nil {
		b.freed = true
		return nil
	}
	if b.alloc == nil {
		return errors.New("dma: block has no owning allocator")
	}
	return b.alloc.Free(b)
}

// Copy allocates a fresh block of the same class and duplicates size bytes
// starting at offset.
func (b *Block) Copy(offset, size int) (*Block, error) {
	if b.freed {
		return nil, ErrFreed
	}
	if offset < 0 || size < 0 || offset+size > len(b.virt) {
		return nil, fmt.Errorf("dma: copy range [%d:%d] outside block capacity %d", offset, offset+size, len(b.virt))
	}
	if b.alloc == nil {
		return nil, errors.New("dma: block has no owning allocator")
	}
	dup, err := b.alloc.Alloc(size, 1, b.class)
	if err != nil {
		return nil, err
	}
	copy(dup.virt, b.virt[offset:offset+size])
	return dup, nil
}

// Share creates a read-only, non-owning view over a sub-range of the
// block. The view aliases the same virtual and physical addresses and has
// no separate free; the parent block must outlive it.
func (b *Block) Share(offset, size int) (*Block, error) {
	if b.freed {
		return nil, ErrFreed
	}
	if offset < 0 || size < 0 || offset+size > len(b.virt) {
		return nil, fmt.Errorf("dma: share range [%d:%d] outside block capacity %d", offset, offset+size, len(b.virt))
	}
	parent := b
	if b.parent != nil {
		parent = b.parent
	}
	return &Block{
		virt:   b.virt[offset : offset+size : offset+size],
		phys:   b.phys + uint64(offset),
		size:   size,
		class:  b.class,
		parent: parent,
	}, nil
}

// IsSpan reports whether other begins exactly where b ends, i.e. the two
// views cover adjacent ranges of the same physical memory.
func (b *Block) IsSpan(other *Block) bool {
	return b.phys+uint64(len(b.virt)) == other.phys
}

// Freed reports whether the block's memory has been released.
func (b *Block) Freed() bool { return b.freed }

// Poison overwrites the block contents with a fixed pattern and marks it
// freed. Allocator implementations call this from their Free methods so
// stale reads of released DMA memory are caught instead of returning
// plausible data.
func (b *Block) Poison() {
	for i := range b.virt {
		b.virt[i] = poisonByte
	}
	b.freed = true
	b.phys = 0xDDDDDDDD
}

// AlignUp rounds n up to the next multiple of align. align must be a
// power of two or any positive integer.
func AlignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}

// PadTail fills the region between from and the block capacity with
// PaddingByte.
func PadTail(b *Block, from int) {
	buf := b.Bytes()
	for i := from; i < len(buf); i++ {
		buf[i] = PaddingByte
	}
}
