package decoder

import (
	"fmt"
	"log/slog"

	"github.com/dv1/vmeta/dma"
	"github.com/dv1/vmeta/engine"
)

const (
	// numStreamBuffers is the fixed depth of the input ring. The
	// hardware pipelines several compressed units, so a handful of
	// in-flight buffers keeps it busy without unbounded DMA use.
	numStreamBuffers = 7

	// initialStreamBufSize is the DMA size each ring slot starts with.
	// Buffers grow on demand in reallocGranularity steps.
	initialStreamBufSize = 512 * 1024

	// padGranularity is the tail padding unit required by the decoder
	// front end. The padding bytes carry dma.PaddingByte so the
	// hardware parser stops cleanly.
	padGranularity = 128

	// reallocGranularity rounds grown buffers up to a 64 KiB multiple,
	// plus one extra granule of headroom.
	reallocGranularity = 64 * 1024

	// streamBufAlign is the DMA alignment for stream buffers.
	streamBufAlign = 1024
)

// vc1FrameStartCode is prepended to VC-1 advanced-profile frames whose
// payload does not already begin with an Annex-B style start code.
var vc1FrameStartCode = [4]byte{0x00, 0x00, 0x01, 0x0d}

// bufState tags which list owns a stream buffer. Membership is the tag,
// not list presence, so every transition can assert the state it expects.
type bufState int

const (
	stateAvailable bufState = iota // on the available list
	stateReady                     // filled, on the ready list
	stateInFlight                  // borrowed: being filled or inside the hardware
)

func (s bufState) String() string {
	switch s {
	case stateAvailable:
		return "available"
	case stateReady:
		return "ready"
	case stateInFlight:
		return "in-flight"
	default:
		return "invalid"
	}
}

// streamBuffer is one slot of the input ring: a DMA block plus the
// descriptor handed to the hardware. The descriptor is reused across
// refills; its pointer identity is how pushed buffers are matched when
// the hardware hands them back.
type streamBuffer struct {
	block *dma.Block
	desc  engine.Stream
	used  int
	state bufState
}

func (sb *streamBuffer) syncDesc() {
	if sb.block == nil {
		sb.desc.Phys = 0
		sb.desc.Buf = nil
		return
	}
	sb.desc.Phys = sb.block.Phys()
	sb.desc.Buf = sb.block.Bytes()
}

// streamRing owns the fixed set of stream buffers and tracks which are
// available for filling and which are filled and ready to push. Every
// buffer is on exactly one of the two lists or in flight inside the
// hardware; a pop that finds an empty list, or a returned descriptor
// the ring does not know, is a protocol violation.
type streamRing struct {
	alloc     dma.Allocator
	log       *slog.Logger
	all       []*streamBuffer
	available []*streamBuffer
	ready     []*streamBuffer
	byDesc    map[*engine.Stream]*streamBuffer
}

func newStreamRing(alloc dma.Allocator, log *slog.Logger) (*streamRing, error) {
	r := &streamRing{
		alloc:  alloc,
		log:    log,
		byDesc: make(map[*engine.Stream]*streamBuffer, numStreamBuffers),
	}
	for i := 0; i < numStreamBuffers; i++ {
		block, err := alloc.Alloc(initialStreamBufSize, streamBufAlign, dma.ClassWriteCombine)
		if err != nil {
			r.close()
			return nil, fmt.Errorf("%w: stream buffer %d: %v", ErrResourceExhausted, i, err)
		}
		sb := &streamBuffer{block: block}
		sb.syncDesc()
		r.all = append(r.all, sb)
		r.available = append(r.available, sb)
		r.byDesc[&sb.desc] = sb
	}
	return r, nil
}

func (r *streamRing) popAvailable() (*streamBuffer, error) {
	if len(r.available) == 0 {
		return nil, fmt.Errorf("%w: no available stream buffer", ErrProtocolViolation)
	}
	sb := r.available[0]
	if sb.state != stateAvailable {
		return nil, fmt.Errorf("%w: buffer on available list is %s", ErrProtocolViolation, sb.state)
	}
	r.available = r.available[1:]
	sb.state = stateInFlight
	return sb, nil
}

func (r *streamRing) pushAvailable(sb *streamBuffer) error {
	if sb.state != stateInFlight {
		return fmt.Errorf("%w: %s buffer pushed to available list", ErrProtocolViolation, sb.state)
	}
	sb.state = stateAvailable
	r.available = append(r.available, sb)
	return nil
}

func (r *streamRing) popReady() (*streamBuffer, error) {
	if len(r.ready) == 0 {
		return nil, fmt.Errorf("%w: no ready stream buffer", ErrProtocolViolation)
	}
	sb := r.ready[0]
	if sb.state != stateReady {
		return nil, fmt.Errorf("%w: buffer on ready list is %s", ErrProtocolViolation, sb.state)
	}
	r.ready = r.ready[1:]
	sb.state = stateInFlight
	return sb, nil
}

func (r *streamRing) pushReady(sb *streamBuffer) error {
	if sb.state != stateInFlight {
		return fmt.Errorf("%w: %s buffer pushed to ready list", ErrProtocolViolation, sb.state)
	}
	sb.state = stateReady
	r.ready = append(r.ready, sb)
	return nil
}

// reclaim matches a descriptor handed back by the hardware to its ring
// slot and returns the slot to the available list. The slot must be in
// flight: a descriptor the hardware returns twice, or one it never
// received, is a protocol desync.
func (r *streamRing) reclaim(desc *engine.Stream) error {
	sb, ok := r.byDesc[desc]
	if !ok {
		return fmt.Errorf("%w: unknown stream descriptor returned", ErrProtocolViolation)
	}
	if sb.state != stateInFlight {
		return fmt.Errorf("%w: %s stream buffer returned by hardware", ErrProtocolViolation, sb.state)
	}
	sb.desc.DataLen = 0
	sb.used = 0
	return r.pushAvailable(sb)
}

// drainReady moves every filled-but-unpushed buffer back to available.
// Used on flush.
func (r *streamRing) drainReady() {
	for _, sb := range r.ready {
		sb.state = stateAvailable
		r.available = append(r.available, sb)
	}
	r.ready = r.ready[:0]
}

func (r *streamRing) close() {
	for _, sb := range r.all {
		if sb.block != nil {
			if err := r.alloc.Free(sb.block); err != nil && r.log != nil {
				r.log.Warn("stream buffer free failed", "error", err)
			}
			sb.block = nil
			sb.syncDesc()
		}
	}
	r.all = nil
	r.available = nil
	r.ready = nil
}

// fill copies one compressed unit into sb, growing the DMA block when it
// does not fit. header, if non-nil, is out-of-band codec data emitted
// once ahead of the first unit. startCode requests a VC-1 frame start
// code between header and payload when the payload lacks one.
//
// On allocation failure the slot is left empty (block nil, used zero)
// and the caller must return it to the available list; the old block is
// already freed at that point.
func (r *streamRing) fill(sb *streamBuffer, data, header []byte, startCode bool) error {
	needCode := startCode && !hasStartCodePrefix(data)
	total := len(data) + len(header)
	if needCode {
		total += len(vc1FrameStartCode)
	}
	padded := dma.AlignUp(total, padGranularity)

	if sb.block == nil || padded > sb.block.Cap() {
		if sb.block != nil {
			if err := r.alloc.Free(sb.block); err != nil && r.log != nil {
				r.log.Warn("stream buffer free failed during grow", "error", err)
			}
			sb.block = nil
			sb.used = 0
			sb.syncDesc()
		}
		size := dma.AlignUp(padded, reallocGranularity) + reallocGranularity
		block, err := r.alloc.Alloc(size, streamBufAlign, dma.ClassWriteCombine)
		if err != nil {
			return fmt.Errorf("%w: stream buffer grow to %d: %v", ErrResourceExhausted, size, err)
		}
		sb.block = block
		sb.syncDesc()
		if r.log != nil {
			r.log.Debug("stream buffer grown", "size", size)
		}
	}

	buf := sb.block.Bytes()
	n := 0
	n += copy(buf[n:], header)
	if needCode {
		n += copy(buf[n:], vc1FrameStartCode[:])
	}
	n += copy(buf[n:], data)
	sb.used = n
	for i := n; i < padded; i++ {
		buf[i] = dma.PaddingByte
	}

	sb.desc.DataLen = uint32(n)
	sb.desc.EndOfUnit = true
	return nil
}

func hasStartCodePrefix(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}
