// Package engine defines the boundary to the vMeta hardware video engine:
// a narrow command/status primitive set over DMA-backed stream and picture
// buffers. The engine is opaque; decoding is a pull-based loop in which
// the hardware demands input, requests output buffers, and emits completed
// pictures, one status code per step.
package engine

import "fmt"

// StreamFormat enumerates the compressed bitstream formats the hardware
// understands. There is no default: an unresolved format stays
// FormatUnknown and must be rejected before a session is created.
type StreamFormat int

const (
	FormatUnknown StreamFormat = iota
	FormatH264
	FormatMPEG1
	FormatMPEG2
	FormatMPEG4
	FormatVC1  // VC-1 advanced profile (WVC1)
	FormatVC1M // VC-1 simple/main profile (WMV3)
	FormatMJPEG
)

func (f StreamFormat) String() string {
	switch f {
	case FormatH264:
		return "h264"
	case FormatMPEG1:
		return "mpeg1"
	case FormatMPEG2:
		return "mpeg2"
	case FormatMPEG4:
		return "mpeg4"
	case FormatVC1:
		return "vc1"
	case FormatVC1M:
		return "vc1m"
	case FormatMJPEG:
		return "mjpeg"
	default:
		return "unknown"
	}
}

// OutputFormat enumerates raw picture formats the engine can emit.
type OutputFormat int

// OutputUYVY is the packed 4:2:2 format this decoder always uses.
const OutputUYVY OutputFormat = 0

// Command is an out-of-band opcode for SendCommand.
type Command int

const (
	// CmdStopDecodeStream tells the engine to abandon the current
	// bitstream. Sent before session teardown.
	CmdStopDecodeStream Command = iota
	// CmdPause and CmdResume bracket the post-frame power-state
	// handshake required on platforms with the suspend erratum.
	CmdPause
	CmdResume
	// CmdSetVC1MSeqInfo delivers the synthesized VC-1 simple/main
	// sequence header before ordinary decoding begins.
	CmdSetVC1MSeqInfo
)

func (c Command) String() string {
	switch c {
	case CmdStopDecodeStream:
		return "stop decode stream"
	case CmdPause:
		return "pause"
	case CmdResume:
		return "resume"
	case CmdSetVC1MSeqInfo:
		return "set vc1m sequence info"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// Params carries the session initialization parameters resolved from the
// negotiated stream description.
type Params struct {
	StreamFormat  StreamFormat
	OutputFormat  OutputFormat
	NoReordering  bool
	MultiInstance bool
	FirstUser     bool
}

// SequenceInfo is the hardware's report of the current video sequence:
// the output buffer size and stride it requires, plus the coded geometry.
// Both DisplayBufferSize and DisplayStride must be nonzero before output
// buffers can be allocated.
type SequenceInfo struct {
	DisplayBufferSize uint32
	DisplayStride     uint32
	Width             uint32
	Height            uint32
}

// Stream describes one stream (input) buffer as the hardware sees it.
// The same *Stream handed to PushStream comes back from PopStream when
// the hardware is done consuming it.
type Stream struct {
	Phys      uint64
	Buf       []byte // host mapping of the full DMA block capacity
	DataLen   uint32 // valid bytes; the tail up to the next 128-byte boundary carries padding
	EndOfUnit bool   // delimits one access unit within the buffer
}

// Picture describes one picture (output) buffer. Handle is an opaque
// cross-reference slot owned by the picture pool; the engine carries it
// untouched so a popped picture can be resolved back to its pool buffer.
// The remaining fields below Phys/Buf/BufSize are filled in by the
// hardware when the picture completes.
type Picture struct {
	Handle  uint64
	Phys    uint64
	Buf     []byte
	BufSize uint32

	DataLen  uint32
	Offset   uint32
	PicType  uint32
	POC      [2]int32
	CodedTyp [2]int32
}

// Engine is the command/status primitive set of the hardware video
// engine. Implementations are not safe for concurrent use; the decoder
// serializes all calls. All calls are blocking round-trips.
type Engine interface {
	// Init creates the hardware decode session for the given format.
	Init(p Params) error

	// DecodeStep runs the hardware's single-step decode primitive and
	// returns its status. The returned error is non-nil only for
	// transport-level failures; protocol outcomes (need input, frame
	// complete, ...) arrive as the status.
	DecodeStep() (Status, error)

	// SequenceInfo returns the geometry and buffer requirements of the
	// current sequence. Valid once the hardware has parsed the headers.
	SequenceInfo() SequenceInfo

	// PushStream hands a filled stream buffer to the hardware.
	PushStream(s *Stream) error
	// PopStream retrieves a stream buffer the hardware has finished
	// consuming, or nil if none is pending.
	PopStream() (*Stream, error)

	// PushPicture hands an empty picture buffer to the hardware.
	PushPicture(p *Picture) error
	// PopPicture retrieves a completed (or flushed) picture, or nil if
	// none is pending. A nil picture directly after a frame-complete
	// status is a known benign quirk of the hardware.
	PopPicture() (*Picture, error)

	// SendCommand issues an out-of-band command with an optional
	// payload.
	SendCommand(cmd Command, payload []byte) error

	// Close frees the hardware session. The session's DMA buffers must
	// be freed only after Close returns.
	Close() error
}

// Suspender is implemented by engines on platforms with the power-state
// erratum: after every completed frame the driver must be asked whether a
// suspend is pending and, if so, acknowledged between a pause and a
// resume command. Engines without the erratum simply do not implement it.
type Suspender interface {
	SuspendPending() bool
	SuspendReady()
}

// StatusError reports a hardware call that returned a non-success status.
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine: %s: %s", e.Op, e.Status)
}
