// Package format maps an externally negotiated compressed-stream
// description onto the fixed set of parameters the vMeta engine
// understands. Unsupported combinations fail closed: the resolver never
// guesses a default codec.
package format

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dv1/vmeta/engine"
)

// ErrUnsupported is wrapped by every rejection so callers can test for
// the whole class with errors.Is.
var ErrUnsupported = errors.New("format: unsupported stream format")

// Family is the negotiated codec family, before version/profile
// resolution.
type Family int

const (
	FamilyUnknown Family = iota // nothing negotiated
	FamilyH264                  // parsed byte-stream, access-unit aligned
	FamilyMPEG                  // MPEG-1/2 elementary or MPEG-4 part 2
	FamilyWMV                   // WMV3 / WVC1 (VC-1)
	FamilyJPEG                  // motion JPEG
)

func (f Family) String() string {
	switch f {
	case FamilyH264:
		return "h264"
	case FamilyMPEG:
		return "mpeg"
	case FamilyWMV:
		return "wmv"
	case FamilyJPEG:
		return "jpeg"
	default:
		return "unknown"
	}
}

// Descriptor is the negotiated stream description supplied by the
// upstream collaborator.
type Descriptor struct {
	Family Family

	// MPEG fields (FamilyMPEG).
	MPEGVersion  int
	SystemStream bool

	// WMV fields (FamilyWMV). WMVFormat is "WMV3" or "WVC1"; empty
	// defaults to WMV3 as the original caps negotiation did.
	WMVVersion int
	WMVFormat  string

	// CodecData is the out-of-band setup blob (MPEG-4 config, VC-1
	// sequence header bytes). Required for MPEG and WMV families.
	CodecData []byte

	// Output geometry from negotiation.
	Width  int
	Height int
}

// Resolved is the outcome of a successful resolution: the hardware
// session parameters plus the side-band data the decode session needs.
type Resolved struct {
	Params engine.Params

	// CodecData, when non-nil, must be prefixed into the first stream
	// buffer of the session and consumed exactly once.
	CodecData []byte

	// SeqHeader, when non-nil, must be sent to the engine once via
	// CmdSetVC1MSeqInfo before ordinary decoding begins. When it is set,
	// CodecData is nil: the setup bytes were consumed into the header
	// and must not also travel the per-unit path.
	SeqHeader []byte

	// NeedsStartCode marks formats (VC-1 advanced) whose access units
	// must begin with a frame start code; the stream filler inserts one
	// when the input lacks it.
	NeedsStartCode bool
}

// maxSeqExtHeader bounds the setup bytes embedded in the synthesized
// VC-1 simple/main sequence header record.
const maxSeqExtHeader = 32

// vc1mSeqHeader is the fixed-size record sent to the hardware for VC-1
// simple/main profile streams, serialized little-endian.
type vc1mSeqHeader struct {
	NumFrames  uint32
	VertSize   uint32
	HorizSize  uint32
	Level      uint32
	CBR        uint32
	HRDBuffer  uint32
	HRDRate    uint32
	FrameRate  uint32
	ExtHdr     [maxSeqExtHeader]byte
	ExtHdrSize uint32
}

// Resolve maps a negotiated descriptor to hardware parameters. It is a
// pure function: resolving the same descriptor twice yields identical
// results.
func Resolve(d Descriptor) (Resolved, error) {
	var res Resolved
	res.Params.OutputFormat = engine.OutputUYVY

	needsCodecData := false

	switch d.Family {
	case FamilyH264:
		res.Params.StreamFormat = engine.FormatH264

	case FamilyMPEG:
		switch d.MPEGVersion {
		case 1, 2:
			if d.SystemStream {
				return Resolved{}, fmt.Errorf("%w: MPEG-%d system stream", ErrUnsupported, d.MPEGVersion)
			}
			if d.MPEGVersion == 1 {
				res.Params.StreamFormat = engine.FormatMPEG1
			} else {
				res.Params.StreamFormat = engine.FormatMPEG2
			}
		case 4:
			res.Params.StreamFormat = engine.FormatMPEG4
		default:
			return Resolved{}, fmt.Errorf("%w: MPEG version %d", ErrUnsupported, d.MPEGVersion)
		}
		needsCodecData = true

	case FamilyWMV:
		if d.WMVVersion != 3 {
			return Resolved{}, fmt.Errorf("%w: WMV version %d (only version 3 is supported)", ErrUnsupported, d.WMVVersion)
		}
		switch d.WMVFormat {
		case "", "WMV3":
			res.Params.StreamFormat = engine.FormatVC1M
		case "WVC1":
			res.Params.StreamFormat = engine.FormatVC1
			res.NeedsStartCode = true
		default:
			return Resolved{}, fmt.Errorf("%w: WMV format %q", ErrUnsupported, d.WMVFormat)
		}
		needsCodecData = true

	case FamilyJPEG:
		res.Params.StreamFormat = engine.FormatMJPEG

	default:
		return Resolved{}, fmt.Errorf("%w: family %s", ErrUnsupported, d.Family)
	}

	if needsCodecData {
		if len(d.CodecData) == 0 {
			return Resolved{}, fmt.Errorf("%w: %s stream without required codec data", ErrUnsupported, res.Params.StreamFormat)
		}
		res.CodecData = bytes.Clone(d.CodecData)
	}

	// VC-1 simple/main needs a synthesized sequence header sent through
	// the side channel instead of the per-unit codec data path.
	if res.Params.StreamFormat == engine.FormatVC1M {
		hdr, err := buildVC1MSeqHeader(d)
		if err != nil {
			return Resolved{}, err
		}
		res.SeqHeader = hdr
		res.CodecData = nil
	}

	return res, nil
}

// buildVC1MSeqHeader synthesizes the sequence-header record for VC-1
// simple/main streams from the negotiated geometry and the first codec
// data byte.
func buildVC1MSeqHeader(d Descriptor) ([]byte, error) {
	if len(d.CodecData) > maxSeqExtHeader {
		return nil, fmt.Errorf("%w: VC1M codec data of %d bytes exceeds sequence header capacity %d",
			ErrUnsupported, len(d.CodecData), maxSeqExtHeader)
	}
	if d.Width <= 0 || d.Height <= 0 {
		return nil, fmt.Errorf("%w: VC1M stream without geometry (%dx%d)", ErrUnsupported, d.Width, d.Height)
	}

	level := uint32(2)
	if d.CodecData[0]>>4 == 4 {
		level = 4
	}

	hdr := vc1mSeqHeader{
		NumFrames:  0xffffff,
		VertSize:   uint32(d.Height),
		HorizSize:  uint32(d.Width),
		Level:      level,
		CBR:        1,
		HRDBuffer:  0x007fff,
		HRDRate:    0x00007fff,
		FrameRate:  0xffffffff,
		ExtHdrSize: uint32(len(d.CodecData)),
	}
	copy(hdr.ExtHdr[:], d.CodecData)

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("format: serializing VC1M sequence header: %w", err)
	}
	return buf.Bytes(), nil
}
