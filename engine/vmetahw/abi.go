//go:build linux

package vmetahw

import "github.com/dv1/vmeta/engine"

// Numeric values and struct layouts in this file mirror the codecVC.h /
// vdec_os_api.h headers of the Marvell vMeta SDK for 32-bit ARM. They
// must stay in sync with the SDK the target system ships.

// Buffer types for DecoderPushBuffer_Vmeta / DecoderPopBuffer_Vmeta.
const (
	bufTypePic  int32 = 0
	bufTypeStrm int32 = 1
)

// Out-of-band command opcodes for DecodeSendCmd_Vmeta.
const (
	cmdStopDecodeStream int32 = 2
	cmdPause            int32 = 5
	cmdResume           int32 = 6
	cmdSetVC1MSeqInfo   int32 = 9
)

// Bitstream format codes for the strm_fmt parameter.
const (
	strmFmtMPG1 int32 = 1
	strmFmtMPG2 int32 = 2
	strmFmtMPG4 int32 = 3
	strmFmtH264 int32 = 5
	strmFmtVC1  int32 = 7
	strmFmtVC1M int32 = 8
	strmFmtMJPG int32 = 9
)

// Output pixel format code for opt_fmt.
const optFmtYCbCr422I int32 = 6

// Flag set on stream buffers to delimit one access unit.
const strmBufEndOfUnit uint32 = 1

func cStreamFormat(f engine.StreamFormat) int32 {
	switch f {
	case engine.FormatH264:
		return strmFmtH264
	case engine.FormatMPEG1:
		return strmFmtMPG1
	case engine.FormatMPEG2:
		return strmFmtMPG2
	case engine.FormatMPEG4:
		return strmFmtMPG4
	case engine.FormatVC1:
		return strmFmtVC1
	case engine.FormatVC1M:
		return strmFmtVC1M
	case engine.FormatMJPEG:
		return strmFmtMJPG
	default:
		return -1
	}
}

func cCommand(cmd engine.Command) int32 {
	switch cmd {
	case engine.CmdStopDecodeStream:
		return cmdStopDecodeStream
	case engine.CmdPause:
		return cmdPause
	case engine.CmdResume:
		return cmdResume
	case engine.CmdSetVC1MSeqInfo:
		return cmdSetVC1MSeqInfo
	default:
		return -1
	}
}

// statusFromC maps the library's status enum onto engine.Status. The
// engine enum follows the header's ordering, so in-range values map
// one to one.
func statusFromC(v int32) engine.Status {
	if v < int32(engine.StatusNoErr) || v > int32(engine.StatusEndOfPicture) {
		return engine.StatusErr
	}
	return engine.Status(v)
}

// cDecParSet mirrors IppVmetaDecParSet.
type cDecParSet struct {
	strmFmt      int32
	optFmt       int32
	noReordering int32
	bMultiIns    int32
	bFirstUser   int32
	_            [8]uint32 // tail the decoder does not use
}

// cSeqInfo mirrors the seq_info member of IppVmetaDecInfo.
type cSeqInfo struct {
	disBufSize uint32
	disStride  uint32
	disWidth   uint32
	disHeight  uint32
	_          [8]uint32
}

// cDecInfo mirrors IppVmetaDecInfo.
type cDecInfo struct {
	seqInfo cSeqInfo
	_       [16]uint32
}

// cBitstream mirrors IppVmetaBitstream.
type cBitstream struct {
	pBuf     uintptr
	nPhyAddr uint32
	nBufSize uint32
	nDataLen uint32
	nFlag    uint32
	nOffset  uint32
	pUsrData [4]uintptr
}

// cPicDataInfo mirrors the PicDataInfo member of IppVmetaPicture.
type cPicDataInfo struct {
	picType   uint32
	poc       [2]int32
	codedType [2]int32
	_         [4]uint32
}

// cPicture mirrors IppVmetaPicture.
type cPicture struct {
	pBuf     uintptr
	nPhyAddr uint32
	nBufSize uint32
	nDataLen uint32
	nOffset  uint32
	picInfo  cPicDataInfo
	pUsrData [4]uintptr
}

// cVC1MSeqHeader mirrors the vc1m_seq_header record sent with the set
// VC1M sequence info command.
type cVC1MSeqHeader struct {
	numFrames  uint32
	vertSize   uint32
	horizSize  uint32
	level      uint32
	cbr        uint32
	hrdBuffer  uint32
	hrdRate    uint32
	frameRate  uint32
	extHdr     [32]byte
	extHdrSize uint32
}
