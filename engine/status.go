package engine

// Status is a code returned by the hardware's decode-step primitive and
// by its push/pop/command entry points. Only a handful drive the decode
// orchestration; the rest are kept so diagnostics can name every code the
// codec API defines instead of printing raw numbers.
type Status int

const (
	StatusNoErr Status = iota
	StatusErr
	StatusInitErr
	StatusInitOK
	StatusBufferUnderrun
	StatusFrameComplete
	StatusBitstreamEnd
	StatusFrameErr
	StatusFrameHeaderInvalid
	StatusFrameUnderrun
	StatusReadEvent
	StatusTimeout
	StatusStreamFlushErr
	StatusBufferOverflow
	StatusNotSupported
	StatusMisalignment
	StatusBitstreamErr
	StatusInputErr
	StatusSyncNotFound
	StatusBadArg
	StatusNoMem
	StatusOutputData
	StatusNeedInput
	StatusNewVideoSeq
	StatusBufferFull
	StatusFatalErr
	StatusFieldPictureTop
	StatusFieldPictureBottom
	StatusNeedOutputBuf
	StatusReturnInputBuf
	StatusEndOfStream
	StatusWaitForEvent
	StatusEndOfPicture
)

func (s Status) String() string {
	switch s {
	case StatusNoErr:
		return "no error"
	case StatusErr:
		return "unspecified error"
	case StatusInitErr:
		return "initialization error"
	case StatusInitOK:
		return "initialization ok"
	case StatusBufferUnderrun:
		return "buffer underrun"
	case StatusFrameComplete:
		return "frame complete"
	case StatusBitstreamEnd:
		return "bitstream end"
	case StatusFrameErr:
		return "frame error"
	case StatusFrameHeaderInvalid:
		return "frame header invalid"
	case StatusFrameUnderrun:
		return "frame underrun"
	case StatusReadEvent:
		return "read event"
	case StatusTimeout:
		return "timeout"
	case StatusStreamFlushErr:
		return "stream flush error"
	case StatusBufferOverflow:
		return "buffer overflow"
	case StatusNotSupported:
		return "not supported"
	case StatusMisalignment:
		return "misalignment"
	case StatusBitstreamErr:
		return "bitstream error"
	case StatusInputErr:
		return "input error"
	case StatusSyncNotFound:
		return "sync not found"
	case StatusBadArg:
		return "bad argument"
	case StatusNoMem:
		return "no memory"
	case StatusOutputData:
		return "output data"
	case StatusNeedInput:
		return "need input"
	case StatusNewVideoSeq:
		return "new video sequence"
	case StatusBufferFull:
		return "buffer full"
	case StatusFatalErr:
		return "fatal error"
	case StatusFieldPictureTop:
		return "field picture top"
	case StatusFieldPictureBottom:
		return "field picture bottom"
	case StatusNeedOutputBuf:
		return "need output buffer"
	case StatusReturnInputBuf:
		return "return input buffer"
	case StatusEndOfStream:
		return "end of stream"
	case StatusWaitForEvent:
		return "wait for event"
	case StatusEndOfPicture:
		return "end of picture"
	default:
		return "<unknown>"
	}
}
