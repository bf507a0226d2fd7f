package dma

import (
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// HostAllocator satisfies DMA allocations from ordinary host memory. It
// exists for tests and for running the decode path against a simulated
// engine: physical addresses are synthesized from a monotonic counter, and
// pages are best-effort pinned with mlock to mimic DMA memory that never
// gets paged out. It is not usable with real hardware.
type HostAllocator struct {
	log *slog.Logger

	mu       sync.Mutex
	nextPhys uint64
	live     map[*Block]struct{}
}

// NewHostAllocator creates a host-memory allocator. If log is nil,
// slog.Default() is used.
func NewHostAllocator(log *slog.Logger) *HostAllocator {
	if log == nil {
		log = slog.Default()
	}
	return &HostAllocator{
		log:      log.With("component", "dma-host"),
		nextPhys: 0x1000,
		live:     make(map[*Block]struct{}),
	}
}

// Alloc implements Allocator. Capacity is rounded up to a 128-byte
// boundary and the tail beyond size is filled with PaddingByte.
func (a *HostAllocator) Alloc(size, align int, class Class) (*Block, error) {
	if size <= 0 {
		return nil, ErrAllocFailed
	}
	if align < 1 {
		align = 1
	}

	capN := AlignUp(size, 128)
	buf := make([]byte, capN)
	if err := unix.Mlock(buf); err != nil {
		// Pinning is a fidelity nicety here, not a correctness
		// requirement; RLIMIT_MEMLOCK commonly forbids it.
		a.log.Debug("mlock failed, continuing unpinned", "size", capN, "error", err)
	}

	a.mu.Lock()
	phys := AlignUp(int(a.nextPhys), align)
	a.nextPhys = uint64(phys + capN)
	b := NewBlock(buf, uint64(phys), size, class, a)
	a.live[b] = struct{}{}
	a.mu.Unlock()

	PadTail(b, size)

	a.log.Debug("allocated block", "phys", phys, "size", size, "cap", capN, "class", class.String())
	return b, nil
}

// Free implements Allocator. Freeing a block twice is an error.
func (a *HostAllocator) Free(b *Block) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.live[b]; !ok {
		return ErrFreed
	}
	delete(a.live, b)

	if err := unix.Munlock(b.Bytes()); err != nil {
		a.log.Debug("munlock failed", "error", err)
	}
	b.Poison()
	return nil
}

// Live returns the number of blocks allocated and not yet freed.
func (a *HostAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
