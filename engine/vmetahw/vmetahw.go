//go:build linux

// Package vmetahw binds the Marvell vMeta decoder libraries
// (libcodecvmetadec, libmiscgen) over purego and exposes them as an
// engine.Engine plus a dma.Allocator backed by the vdec_os_api DMA
// calls. Nothing here is safe for concurrent use; the decoder package
// serializes all access.
package vmetahw

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"unsafe"

	"github.com/dv1/vmeta/dma"
	"github.com/dv1/vmeta/engine"
)

// HW is a hardware decode session. The zero value is not usable; create
// sessions with New and free them with Close.
type HW struct {
	log     *slog.Logger
	cbTable uintptr
	state   uintptr
	parSet  *cDecParSet
	info    *cDecInfo

	// heap-allocated out-param: stack variables can move during the C
	// call, heap objects cannot
	popOut *uintptr

	streams  map[*engine.Stream]*cBitstream
	streamBy map[uintptr]*engine.Stream
	pics     map[*engine.Picture]*cPicture
	picBy    map[uintptr]*engine.Picture
}

var _ engine.Engine = (*HW)(nil)
var _ engine.Suspender = (*HW)(nil)

// New loads the vMeta libraries and prepares a session object. The
// hardware session itself is created by Init once the stream format is
// known.
func New(log *slog.Logger) (*HW, error) {
	if err := Load(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	h := &HW{
		log:      log.With("component", "vmetahw"),
		info:     &cDecInfo{},
		popOut:   new(uintptr),
		streams:  make(map[*engine.Stream]*cBitstream),
		streamBy: make(map[uintptr]*engine.Stream),
		pics:     make(map[*engine.Picture]*cPicture),
		picBy:    make(map[uintptr]*engine.Picture),
	}
	if rc := miscInitCallbackTable(uintptr(unsafe.Pointer(&h.cbTable))); rc != 0 {
		return nil, fmt.Errorf("vmetahw: callback table init failed (%d)", rc)
	}
	return h, nil
}

func (h *HW) Init(p engine.Params) error {
	fmtCode := cStreamFormat(p.StreamFormat)
	if fmtCode < 0 {
		return fmt.Errorf("vmetahw: no hardware format for %s", p.StreamFormat)
	}
	h.parSet = &cDecParSet{
		strmFmt: fmtCode,
		optFmt:  optFmtYCbCr422I,
	}
	if p.NoReordering {
		h.parSet.noReordering = 1
	}
	if p.MultiInstance {
		h.parSet.bMultiIns = 1
	}
	if p.FirstUser {
		h.parSet.bFirstUser = 1
	}

	rc := decoderInitAlloc(
		uintptr(unsafe.Pointer(h.parSet)),
		h.cbTable,
		uintptr(unsafe.Pointer(&h.state)),
	)
	runtime.KeepAlive(h.parSet)
	if st := statusFromC(rc); st != engine.StatusNoErr {
		return &engine.StatusError{Op: "init", Status: st}
	}
	h.log.Debug("hardware session created", "format", p.StreamFormat)
	return nil
}

func (h *HW) DecodeStep() (engine.Status, error) {
	if h.state == 0 {
		return engine.StatusErr, errors.New("vmetahw: session not initialized")
	}
	rc := decodeFrame(uintptr(unsafe.Pointer(h.info)), h.state)
	runtime.KeepAlive(h.info)
	return statusFromC(rc), nil
}

func (h *HW) SequenceInfo() engine.SequenceInfo {
	return engine.SequenceInfo{
		DisplayBufferSize: h.info.seqInfo.disBufSize,
		DisplayStride:     h.info.seqInfo.disStride,
		Width:             h.info.seqInfo.disWidth,
		Height:            h.info.seqInfo.disHeight,
	}
}

func (h *HW) PushStream(s *engine.Stream) error {
	if len(s.Buf) == 0 {
		return errors.New("vmetahw: stream descriptor has no buffer")
	}
	cb := h.streams[s]
	if cb == nil {
		cb = &cBitstream{}
		h.streams[s] = cb
		h.streamBy[uintptr(unsafe.Pointer(cb))] = s
	}
	// The buffer may have been reallocated since the last push, so
	// refresh the mapping every time.
	cb.pBuf = uintptr(unsafe.Pointer(&s.Buf[0]))
	cb.nPhyAddr = uint32(s.Phys)
	cb.nBufSize = uint32(len(s.Buf))
	cb.nDataLen = s.DataLen
	cb.nOffset = 0
	cb.nFlag = 0
	if s.EndOfUnit {
		cb.nFlag = strmBufEndOfUnit
	}

	rc := decoderPush(bufTypeStrm, uintptr(unsafe.Pointer(cb)), h.state)
	runtime.KeepAlive(cb)
	if st := statusFromC(rc); st != engine.StatusNoErr {
		return &engine.StatusError{Op: "push stream", Status: st}
	}
	return nil
}

func (h *HW) PopStream() (*engine.Stream, error) {
	*h.popOut = 0
	rc := decoderPop(bufTypeStrm, uintptr(unsafe.Pointer(h.popOut)), h.state)
	runtime.KeepAlive(h.popOut)
	if st := statusFromC(rc); st != engine.StatusNoErr {
		return nil, &engine.StatusError{Op: "pop stream", Status: st}
	}
	if *h.popOut == 0 {
		return nil, nil
	}
	s, ok := h.streamBy[*h.popOut]
	if !ok {
		return nil, fmt.Errorf("vmetahw: popped unknown stream %#x", *h.popOut)
	}
	return s, nil
}

func (h *HW) PushPicture(p *engine.Picture) error {
	if len(p.Buf) == 0 {
		return errors.New("vmetahw: picture descriptor has no buffer")
	}
	cp := h.pics[p]
	if cp == nil {
		cp = &cPicture{}
		h.pics[p] = cp
		h.picBy[uintptr(unsafe.Pointer(cp))] = p
	}
	cp.pBuf = uintptr(unsafe.Pointer(&p.Buf[0]))
	cp.nPhyAddr = uint32(p.Phys)
	cp.nBufSize = p.BufSize
	cp.nDataLen = 0
	cp.nOffset = 0

	rc := decoderPush(bufTypePic, uintptr(unsafe.Pointer(cp)), h.state)
	runtime.KeepAlive(cp)
	if st := statusFromC(rc); st != engine.StatusNoErr {
		return &engine.StatusError{Op: "push picture", Status: st}
	}
	return nil
}

func (h *HW) PopPicture() (*engine.Picture, error) {
	*h.popOut = 0
	rc := decoderPop(bufTypePic, uintptr(unsafe.Pointer(h.popOut)), h.state)
	runtime.KeepAlive(h.popOut)
	if st := statusFromC(rc); st != engine.StatusNoErr {
		return nil, &engine.StatusError{Op: "pop picture", Status: st}
	}
	if *h.popOut == 0 {
		return nil, nil
	}
	p, ok := h.picBy[*h.popOut]
	if !ok {
		return nil, fmt.Errorf("vmetahw: popped unknown picture %#x", *h.popOut)
	}
	cp := h.pics[p]
	p.DataLen = cp.nDataLen
	p.Offset = cp.nOffset
	p.PicType = cp.picInfo.picType
	p.POC = cp.picInfo.poc
	p.CodedTyp = cp.picInfo.codedType
	return p, nil
}

func (h *HW) SendCommand(cmd engine.Command, payload []byte) error {
	code := cCommand(cmd)
	if code < 0 {
		return fmt.Errorf("vmetahw: no hardware opcode for %s", cmd)
	}
	var param uintptr
	if len(payload) > 0 {
		param = uintptr(unsafe.Pointer(&payload[0]))
	}
	rc := decodeSendCmd(code, param, 0, h.state)
	runtime.KeepAlive(payload)
	if st := statusFromC(rc); st != engine.StatusNoErr {
		return &engine.StatusError{Op: cmd.String(), Status: st}
	}
	return nil
}

func (h *HW) Close() error {
	var err error
	if h.state != 0 {
		rc := decoderFree(uintptr(unsafe.Pointer(&h.state)))
		if st := statusFromC(rc); st != engine.StatusNoErr {
			err = &engine.StatusError{Op: "free", Status: st}
		}
		h.state = 0
	}
	if h.cbTable != 0 {
		miscFreeCallbackTable(uintptr(unsafe.Pointer(&h.cbTable)))
		h.cbTable = 0
	}
	h.streams = nil
	h.streamBy = nil
	h.pics = nil
	h.picBy = nil
	return err
}

// SuspendPending reports whether the power management layer is waiting
// for the decoder to acknowledge a suspend.
func (h *HW) SuspendPending() bool { return vdecSuspendCheck() != 0 }

// SuspendReady acknowledges a pending suspend. Must be called between
// the pause and resume commands.
func (h *HW) SuspendReady() { vdecSuspendReady() }

// Allocator provides DMA memory through the vdec_os_api calls of the
// codec library.
type Allocator struct {
	log *slog.Logger
}

var _ dma.Allocator = (*Allocator)(nil)

// NewAllocator returns a DMA allocator backed by the hardware library.
func NewAllocator(log *slog.Logger) (*Allocator, error) {
	if err := Load(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Allocator{log: log.With("component", "vmeta-dma")}, nil
}

func (a *Allocator) Alloc(size, align int, class dma.Class) (*dma.Block, error) {
	phys := new(uint32)
	var virt uintptr
	switch class {
	case dma.ClassCacheable:
		virt = vdecDMACached(uint32(size), uint32(align), uintptr(unsafe.Pointer(phys)))
	case dma.ClassWriteCombine:
		virt = vdecDMAWC(uint32(size), uint32(align), uintptr(unsafe.Pointer(phys)))
	default:
		virt = vdecDMAAlloc(uint32(size), uint32(align), uintptr(unsafe.Pointer(phys)))
	}
	runtime.KeepAlive(phys)
	if virt == 0 {
		return nil, fmt.Errorf("%w: %d bytes of %s DMA", dma.ErrAllocFailed, size, class)
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(virt)), size)
	a.log.Debug("dma alloc", "size", size, "align", align, "class", class, "phys", fmt.Sprintf("%#x", *phys))
	return dma.NewBlock(buf, uint64(*phys), size, class, a), nil
}

func (a *Allocator) Free(b *dma.Block) error {
	if b.Freed() {
		return dma.ErrFreed
	}
	virt := uintptr(unsafe.Pointer(&b.Bytes()[0]))
	// Poison while the mapping is still valid, then release it.
	b.Poison()
	vdecDMAFree(virt)
	return nil
}

// FlushCache writes back the CPU cache for a cacheable block before the
// hardware reads it.
func FlushCache(b *dma.Block) {
	if b.Class() != dma.ClassCacheable || b.Freed() || len(b.Bytes()) == 0 {
		return
	}
	vdecFlushCache(uintptr(unsafe.Pointer(&b.Bytes()[0])), uint32(b.Cap()), 0)
}
