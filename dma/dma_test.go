package dma

import (
	"errors"
	"testing"
)

func TestHostAllocPairInvariant(t *testing.T) {
	t.Parallel()
	a := NewHostAllocator(nil)

	b, err := a.Alloc(100, 1024, ClassWriteCombine)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b.Phys()%1024 != 0 {
		t.Errorf("phys %#x not aligned to 1024", b.Phys())
	}
	if b.Size() != 100 {
		t.Errorf("size: got %d, want 100", b.Size())
	}
	if b.Cap() < b.Size() {
		t.Errorf("cap %d smaller than size %d", b.Cap(), b.Size())
	}
	if b.Cap()%128 != 0 {
		t.Errorf("cap %d not a multiple of 128", b.Cap())
	}
	if err := a.Free(b); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestHostAllocSentinelPadding(t *testing.T) {
	t.Parallel()
	a := NewHostAllocator(nil)

	b, err := a.Alloc(10, 1, ClassNormal)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	buf := b.Bytes()
	for i := b.Size(); i < b.Cap(); i++ {
		if buf[i] != PaddingByte {
			t.Fatalf("byte %d: got %#x, want padding byte %#x", i, buf[i], PaddingByte)
		}
	}
}

func TestShareAliasesParent(t *testing.T) {
	t.Parallel()
	a := NewHostAllocator(nil)

	b, err := a.Alloc(256, 1, ClassNormal)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	sub, err := b.Share(16, 64)
	if err != nil {
		t.Fatalf("Share: %v", err)
	}
	if !sub.Shared() {
		t.Error("sub-view not marked shared")
	}
	if sub.Phys() != b.Phys()+16 {
		t.Errorf("sub phys: got %#x, want %#x", sub.Phys(), b.Phys()+16)
	}

	b.Bytes()[16] = 0xAB
	if sub.Bytes()[0] != 0xAB {
		t.Error("write to parent not visible through shared view")
	}

	// Shared views have no separate free.
	if err := sub.Free(); err != nil {
		t.Fatalf("Free on shared view: %v", err)
	}
	if a.Live() != 1 {
		t.Errorf("live blocks: got %d, want 1", a.Live())
	}
}

func TestShareOutOfRange(t *testing.T) {
	t.Parallel()
	a := NewHostAllocator(nil)

	b, _ := a.Alloc(64, 1, ClassNormal)
	if _, err := b.Share(32, 1000); err == nil {
		t.Error("expected error for out-of-range share")
	}
}

func TestCopyIsIndependent(t *testing.T) {
	t.Parallel()
	a := NewHostAllocator(nil)

	b, _ := a.Alloc(32, 1, ClassCacheable)
	copy(b.Bytes(), []byte("hello dma"))

	dup, err := b.Copy(0, 9)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if got := string(dup.Bytes()[:9]); got != "hello dma" {
		t.Errorf("copied data: got %q", got)
	}
	if dup.Class() != ClassCacheable {
		t.Errorf("copied class: got %v, want cacheable", dup.Class())
	}

	b.Bytes()[0] = 'X'
	if dup.Bytes()[0] != 'h' {
		t.Error("copy aliases the source block")
	}
}

func TestFreePoisons(t *testing.T) {
	t.Parallel()
	a := NewHostAllocator(nil)

	b, _ := a.Alloc(16, 1, ClassNormal)
	buf := b.Bytes()
	if err := a.Free(b); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if !b.Freed() {
		t.Error("block not marked freed")
	}
	for i, v := range buf {
		if v != 0xDD {
			t.Fatalf("byte %d not poisoned: %#x", i, v)
		}
	}
}

func TestDoubleFree(t *testing.T) {
	t.Parallel()
	a := NewHostAllocator(nil)

	b, _ := a.Alloc(16, 1, ClassNormal)
	if err := a.Free(b); err != nil {
		t.Fatalf("first Free: %v", err)
	}
	if err := a.Free(b); !errors.Is(err, ErrFreed) {
		t.Errorf("second Free: got %v, want ErrFreed", err)
	}
}

func TestIsSpan(t *testing.T) {
	t.Parallel()
	a := NewHostAllocator(nil)

	b, _ := a.Alloc(256, 1, ClassNormal)
	first, _ := b.Share(0, 128)
	second, _ := b.Share(128, 128)

	if !first.IsSpan(second) {
		t.Error("adjacent views should span")
	}
	if second.IsSpan(first) {
		t.Error("reversed views should not span")
	}
}

func TestAlignUp(t *testing.T) {
	t.Parallel()
	cases := []struct {
		n, align, want int
	}{
		{0, 128, 0},
		{1, 128, 128},
		{128, 128, 128},
		{129, 128, 256},
		{65537, 65536, 131072},
		{10, 1, 10},
	}
	for _, tc := range cases {
		if got := AlignUp(tc.n, tc.align); got != tc.want {
			t.Errorf("AlignUp(%d, %d): got %d, want %d", tc.n, tc.align, got, tc.want)
		}
	}
}
