package decoder

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dv1/vmeta/dma"
	"github.com/dv1/vmeta/engine"
	"github.com/dv1/vmeta/format"
	"github.com/dv1/vmeta/picture"
)

// fakeEngine is a scripted engine: DecodeStep consumes statuses from the
// front of a script, push/pop mirror the real hardware's FIFO buffer
// ownership. An exhausted script fails the decode step, so tests fail
// loudly instead of spinning.
type fakeEngine struct {
	script []engine.Status
	seq    engine.SequenceInfo

	initParams  *engine.Params
	initErr     error
	pushStrmErr error
	pushPicErr  error
	cmdErr      error
	closed      bool

	heldStreams  []*engine.Stream
	heldPictures []*engine.Picture
	popOverride  []*engine.Picture

	streamLens []uint32
	streamData [][]byte

	cmds     []engine.Command
	payloads [][]byte

	pendingSuspends int
	readied         int

	picDataLen uint32
}

func (f *fakeEngine) Init(p engine.Params) error {
	f.initParams = &p
	return f.initErr
}

func (f *fakeEngine) DecodeStep() (engine.Status, error) {
	if len(f.script) == 0 {
		return engine.StatusErr, errors.New("status script exhausted")
	}
	st := f.script[0]
	f.script = f.script[1:]
	return st, nil
}

func (f *fakeEngine) SequenceInfo() engine.SequenceInfo { return f.seq }

func (f *fakeEngine) PushStream(s *engine.Stream) error {
	if f.pushStrmErr != nil {
		return f.pushStrmErr
	}
	f.heldStreams = append(f.heldStreams, s)
	f.streamLens = append(f.streamLens, s.DataLen)
	f.streamData = append(f.streamData, append([]byte(nil), s.Buf[:s.DataLen]...))
	return nil
}

func (f *fakeEngine) PopStream() (*engine.Stream, error) {
	if len(f.heldStreams) == 0 {
		return nil, nil
	}
	s := f.heldStreams[0]
	f.heldStreams = f.heldStreams[1:]
	return s, nil
}

func (f *fakeEngine) PushPicture(p *engine.Picture) error {
	if f.pushPicErr != nil {
		return f.pushPicErr
	}
	f.heldPictures = append(f.heldPictures, p)
	return nil
}

func (f *fakeEngine) PopPicture() (*engine.Picture, error) {
	if len(f.popOverride) > 0 {
		p := f.popOverride[0]
		f.popOverride = f.popOverride[1:]
		return p, nil
	}
	if len(f.heldPictures) == 0 {
		return nil, nil
	}
	p := f.heldPictures[0]
	f.heldPictures = f.heldPictures[1:]
	p.DataLen = f.picDataLen
	return p, nil
}

func (f *fakeEngine) SendCommand(cmd engine.Command, payload []byte) error {
	if f.cmdErr != nil {
		return f.cmdErr
	}
	f.cmds = append(f.cmds, cmd)
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeEngine) Close() error {
	f.closed = true
	return nil
}

func (f *fakeEngine) SuspendPending() bool {
	if f.pendingSuspends > 0 {
		f.pendingSuspends--
		return true
	}
	return false
}

func (f *fakeEngine) SuspendReady() { f.readied++ }

func newTestDecoder(t *testing.T, eng *fakeEngine) (*Decoder, *picture.Pool, *dma.HostAllocator) {
	t.Helper()
	alloc := dma.NewHostAllocator(nil)
	pool := picture.NewPool(alloc, nil)
	d, err := New(Config{
		Engine:    eng,
		Allocator: alloc,
		Pictures:  pool,
		Format:    format.Descriptor{Family: format.FamilyH264},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, pool, alloc
}

var testSeq = engine.SequenceInfo{
	DisplayBufferSize: 64 * 1024,
	DisplayStride:     1280,
	Width:             640,
	Height:            480,
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	if err == nil {
		t.Fatal("New accepted a config without engine, allocator and pool")
	}
}

func TestNewInitFailure(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{initErr: errors.New("no such device")}
	alloc := dma.NewHostAllocator(nil)
	_, err := New(Config{
		Engine:    eng,
		Allocator: alloc,
		Pictures:  picture.NewPool(alloc, nil),
		Format:    format.Descriptor{Family: format.FamilyH264},
	})
	if !errors.Is(err, ErrHardwareCommand) {
		t.Fatalf("err = %v, want ErrHardwareCommand", err)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	alloc := dma.NewHostAllocator(nil)
	_, err := New(Config{
		Engine:    &fakeEngine{},
		Allocator: alloc,
		Pictures:  picture.NewPool(alloc, nil),
	})
	if !errors.Is(err, format.ErrUnsupported) {
		t.Fatalf("err = %v, want format.ErrUnsupported", err)
	}
}

func TestNewVC1MSendsSeqHeader(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	alloc := dma.NewHostAllocator(nil)
	_, err := New(Config{
		Engine:    eng,
		Allocator: alloc,
		Pictures:  picture.NewPool(alloc, nil),
		Format: format.Descriptor{
			Family:     format.FamilyWMV,
			WMVVersion: 3,
			WMVFormat:  "WMV3",
			CodecData:  []byte{0x4e, 0x79, 0x1a, 0x01},
			Width:      320,
			Height:     240,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(eng.cmds) != 1 || eng.cmds[0] != engine.CmdSetVC1MSeqInfo {
		t.Fatalf("cmds = %v, want a single set vc1m sequence info", eng.cmds)
	}
	if len(eng.payloads[0]) == 0 {
		t.Error("sequence header payload is empty")
	}
}

func TestDecodeSingleFrame(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		script: []engine.Status{
			engine.StatusNeedInput,
			engine.StatusNewVideoSeq,
			engine.StatusNeedOutputBuf,
			engine.StatusFrameComplete,
			engine.StatusNeedInput,
		},
		seq:        testSeq,
		picDataLen: testSeq.DisplayBufferSize,
	}
	d, pool, _ := newTestDecoder(t, eng)

	au := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84}
	res, err := d.Decode(au)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.EOS {
		t.Error("unexpected EOS")
	}
	if len(res.Pictures) != 1 {
		t.Fatalf("got %d pictures, want 1", len(res.Pictures))
	}
	pic := res.Pictures[0]
	if pic.Descriptor().DataLen != testSeq.DisplayBufferSize {
		t.Errorf("picture DataLen = %d, want %d", pic.Descriptor().DataLen, testSeq.DisplayBufferSize)
	}

	if g, ok := pool.Geometry(); !ok || g.Width != testSeq.Width || g.Stride != testSeq.DisplayStride {
		t.Errorf("pool geometry = %+v (set %v), want from sequence info", g, ok)
	}
	if len(eng.streamLens) != 1 || eng.streamLens[0] != uint32(len(au)) {
		t.Errorf("pushed stream lengths = %v, want [%d]", eng.streamLens, len(au))
	}
	if !bytes.Equal(eng.streamData[0], au) {
		t.Error("pushed stream payload differs from input")
	}
	// Frame completion reclaimed the consumed stream buffer.
	if len(eng.heldStreams) != 0 || len(d.ring.available) != numStreamBuffers {
		t.Errorf("streams not reclaimed: held %d, available %d", len(eng.heldStreams), len(d.ring.available))
	}
	if !d.pendingInput {
		t.Error("second need-input did not latch pending input")
	}
	if pool.Outstanding() != 1 {
		t.Errorf("pool outstanding = %d, want 1", pool.Outstanding())
	}
	pic.Release()
	if pool.Outstanding() != 0 {
		t.Errorf("pool outstanding after release = %d, want 0", pool.Outstanding())
	}
}

func TestDecodePendingInputDeliveredBeforeStep(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		script: []engine.Status{engine.StatusNeedInput, engine.StatusNeedInput},
	}
	d, _, _ := newTestDecoder(t, eng)

	if _, err := d.Decode([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Decode 1: %v", err)
	}
	if !d.pendingInput {
		t.Fatal("pending input not latched after first cycle")
	}

	// Second cycle: the staged unit must reach the engine before any
	// decode step, and the single remaining need-input re-latches.
	eng.script = []engine.Status{engine.StatusNeedInput}
	if _, err := d.Decode([]byte{4, 5, 6}); err != nil {
		t.Fatalf("Decode 2: %v", err)
	}
	if len(eng.streamLens) != 2 {
		t.Fatalf("engine saw %d stream pushes, want 2", len(eng.streamLens))
	}
	if !d.pendingInput {
		t.Error("pending input not latched after second cycle")
	}
}

func TestDecodeEOSOnNilInput(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{script: []engine.Status{engine.StatusNeedInput}}
	d, _, _ := newTestDecoder(t, eng)

	res, err := d.Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil): %v", err)
	}
	if !res.EOS {
		t.Error("nil input did not report EOS")
	}

	// With pending input latched, nil input reports EOS without
	// stepping the engine at all.
	eng2 := &fakeEngine{script: []engine.Status{engine.StatusNeedInput, engine.StatusNeedInput}}
	d2, _, _ := newTestDecoder(t, eng2)
	if _, err := d2.Decode([]byte{1}); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	res, err = d2.Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil): %v", err)
	}
	if !res.EOS {
		t.Error("nil input with pending input did not report EOS")
	}
}

func TestDecodeEndOfStreamStatus(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		script: []engine.Status{engine.StatusNeedInput, engine.StatusEndOfStream},
	}
	d, _, _ := newTestDecoder(t, eng)

	res, err := d.Decode([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !res.EOS {
		t.Error("end-of-stream status did not set EOS")
	}
}

func TestDecodeBenignNilPicture(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		script: []engine.Status{
			engine.StatusNeedInput,
			engine.StatusFrameComplete,
			engine.StatusNeedInput,
		},
	}
	d, _, _ := newTestDecoder(t, eng)

	res, err := d.Decode([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(res.Pictures) != 0 {
		t.Errorf("got %d pictures from an empty picture queue, want 0", len(res.Pictures))
	}
}

func TestDecodeDropsExtraPictures(t *testing.T) {
	t.Parallel()

	script := []engine.Status{
		engine.StatusNeedInput,
		engine.StatusNewVideoSeq,
		engine.StatusNeedOutputBuf,
		engine.StatusNeedOutputBuf,
		engine.StatusFrameComplete,
		engine.StatusFrameComplete,
		engine.StatusNeedInput,
	}

	eng := &fakeEngine{script: append([]engine.Status(nil), script...), seq: testSeq}
	d, pool, _ := newTestDecoder(t, eng)
	res, err := d.Decode([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(res.Pictures) != 1 {
		t.Fatalf("got %d pictures, want 1 (extras dropped)", len(res.Pictures))
	}
	if pool.Outstanding() != 1 {
		t.Errorf("pool outstanding = %d, want 1 (extra released)", pool.Outstanding())
	}

	// With ForwardAllPictures every completed frame comes back.
	eng2 := &fakeEngine{script: append([]engine.Status(nil), script...), seq: testSeq}
	alloc := dma.NewHostAllocator(nil)
	pool2 := picture.NewPool(alloc, nil)
	d2, err := New(Config{
		Engine:             eng2,
		Allocator:          alloc,
		Pictures:           pool2,
		Format:             format.Descriptor{Family: format.FamilyH264},
		ForwardAllPictures: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err = d2.Decode([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(res.Pictures) != 2 {
		t.Fatalf("got %d pictures with forwarding, want 2", len(res.Pictures))
	}
}

func TestDecodeNewSequenceReclaimsQueuedPictures(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		script: []engine.Status{
			engine.StatusNeedInput,
			engine.StatusNewVideoSeq,
			engine.StatusNeedOutputBuf,
			engine.StatusNewVideoSeq,
			engine.StatusNeedInput,
		},
		seq: testSeq,
	}
	d, pool, _ := newTestDecoder(t, eng)

	if _, err := d.Decode([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if pool.Outstanding() != 0 {
		t.Errorf("pool outstanding = %d after sequence restart, want 0", pool.Outstanding())
	}
	if len(eng.heldPictures) != 0 {
		t.Errorf("engine still holds %d pictures", len(eng.heldPictures))
	}
}

func TestDecodeOutputBeforeGeometryIsFatal(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		script: []engine.Status{engine.StatusNeedInput, engine.StatusNeedOutputBuf},
	}
	d, _, _ := newTestDecoder(t, eng)

	_, err := d.Decode([]byte{1, 2, 3})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("err = %v, want ErrProtocolViolation", err)
	}
	// The violation is latched.
	if _, err2 := d.Decode([]byte{4, 5, 6}); !errors.Is(err2, ErrProtocolViolation) {
		t.Fatalf("err after violation = %v, want latched ErrProtocolViolation", err2)
	}
}

func TestDecodeUnknownPictureHandleIsFatal(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		script:      []engine.Status{engine.StatusNeedInput, engine.StatusFrameComplete},
		popOverride: []*engine.Picture{{Handle: 0xdead}},
	}
	d, _, _ := newTestDecoder(t, eng)

	_, err := d.Decode([]byte{1, 2, 3})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("err = %v, want ErrProtocolViolation", err)
	}
}

func TestDecodePushFailure(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		script:      []engine.Status{engine.StatusNeedInput},
		pushStrmErr: errors.New("busy"),
	}
	d, _, _ := newTestDecoder(t, eng)

	_, err := d.Decode([]byte{1, 2, 3})
	if !errors.Is(err, ErrHardwareCommand) {
		t.Fatalf("err = %v, want ErrHardwareCommand", err)
	}
	var hw *HardwareError
	if !errors.As(err, &hw) || hw.Op != "push stream" {
		t.Errorf("err = %v, want HardwareError for push stream", err)
	}
	// The failed unit's buffer went back to the free list.
	if len(d.ring.available) != numStreamBuffers {
		t.Errorf("available = %d after push failure, want %d", len(d.ring.available), numStreamBuffers)
	}

	// Command failures are not latched: once the hardware recovers the
	// session decodes again.
	eng.pushStrmErr = nil
	eng.script = []engine.Status{engine.StatusNeedInput, engine.StatusNeedInput}
	if _, err := d.Decode([]byte{4, 5, 6}); err != nil {
		t.Fatalf("Decode after push failure: %v", err)
	}
	if len(eng.streamLens) != 1 || eng.streamLens[0] != 3 {
		t.Errorf("pushed stream lengths = %v, want [3]", eng.streamLens)
	}
}

func TestDecodeIgnoresInformationalStatus(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		script: []engine.Status{
			engine.StatusNeedInput,
			engine.StatusNoErr,
			engine.StatusTimeout,
			engine.StatusFrameErr,
			engine.StatusNeedInput,
		},
	}
	d, _, _ := newTestDecoder(t, eng)

	res, err := d.Decode([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.EOS || len(res.Pictures) != 0 {
		t.Errorf("res = %+v, want empty cycle result", res)
	}
	if !d.pendingInput {
		t.Error("cycle did not run through to the second need-input")
	}
}

func TestDecodeWaitForEvent(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		script: []engine.Status{
			engine.StatusNeedInput,
			engine.StatusWaitForEvent,
			engine.StatusWaitForEvent,
			engine.StatusNeedInput,
		},
	}
	d, _, _ := newTestDecoder(t, eng)

	if _, err := d.Decode([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !d.pendingInput {
		t.Error("cycle did not end on the post-wait need-input")
	}
}

func TestDecodeSuspendHandshake(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		script: []engine.Status{
			engine.StatusNeedInput,
			engine.StatusNewVideoSeq,
			engine.StatusNeedOutputBuf,
			engine.StatusFrameComplete,
			engine.StatusNeedInput,
		},
		seq:             testSeq,
		pendingSuspends: 1,
	}
	d, _, _ := newTestDecoder(t, eng)

	if _, err := d.Decode([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if eng.readied != 1 {
		t.Errorf("suspend readied %d times, want 1", eng.readied)
	}
	var pauseAt, resumeAt = -1, -1
	for i, c := range eng.cmds {
		switch c {
		case engine.CmdPause:
			pauseAt = i
		case engine.CmdResume:
			resumeAt = i
		}
	}
	if pauseAt == -1 || resumeAt == -1 || resumeAt < pauseAt {
		t.Errorf("cmds = %v, want pause before resume", eng.cmds)
	}
}

func TestDecodeCodecDataPrefixedOnce(t *testing.T) {
	t.Parallel()

	cd := []byte{0xde, 0xad, 0xbe, 0xef}
	eng := &fakeEngine{
		script: []engine.Status{engine.StatusNeedInput, engine.StatusNeedInput},
	}
	alloc := dma.NewHostAllocator(nil)
	d, err := New(Config{
		Engine:    eng,
		Allocator: alloc,
		Pictures:  picture.NewPool(alloc, nil),
		Format: format.Descriptor{
			Family:      format.FamilyMPEG,
			MPEGVersion: 4,
			CodecData:   cd,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	au1 := []byte{1, 2, 3}
	if _, err := d.Decode(au1); err != nil {
		t.Fatalf("Decode 1: %v", err)
	}
	want := append(append([]byte(nil), cd...), au1...)
	if !bytes.Equal(eng.streamData[0], want) {
		t.Errorf("first unit = % x, want codec data then payload", eng.streamData[0])
	}

	eng.script = []engine.Status{engine.StatusNeedInput}
	au2 := []byte{4, 5, 6}
	if _, err := d.Decode(au2); err != nil {
		t.Fatalf("Decode 2: %v", err)
	}
	if !bytes.Equal(eng.streamData[1], au2) {
		t.Errorf("second unit = % x, want bare payload", eng.streamData[1])
	}
}

func TestFlush(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		script: []engine.Status{
			engine.StatusNeedInput,
			engine.StatusNewVideoSeq,
			engine.StatusNeedOutputBuf,
			engine.StatusNeedInput,
		},
		seq: testSeq,
	}
	d, pool, _ := newTestDecoder(t, eng)

	if _, err := d.Decode([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if pool.Outstanding() != 1 || !d.pendingInput {
		t.Fatalf("precondition: outstanding %d, pending %v", pool.Outstanding(), d.pendingInput)
	}

	if err := d.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if pool.Outstanding() != 0 {
		t.Errorf("pool outstanding = %d after flush, want 0", pool.Outstanding())
	}
	if len(d.ring.available) != numStreamBuffers {
		t.Errorf("available = %d after flush, want %d", len(d.ring.available), numStreamBuffers)
	}
	if d.pendingInput {
		t.Error("pending input survived flush")
	}

	// The session stays usable.
	eng.script = []engine.Status{engine.StatusNeedInput, engine.StatusNeedInput}
	if _, err := d.Decode([]byte{4, 5, 6}); err != nil {
		t.Fatalf("Decode after flush: %v", err)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{script: []engine.Status{engine.StatusNeedInput, engine.StatusNeedInput}}
	d, _, alloc := newTestDecoder(t, eng)

	if _, err := d.Decode([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !eng.closed {
		t.Error("engine not closed")
	}
	found := false
	for _, c := range eng.cmds {
		if c == engine.CmdStopDecodeStream {
			found = true
		}
	}
	if !found {
		t.Error("stop decode stream not sent on close")
	}
	if alloc.Live() != 0 {
		t.Errorf("%d DMA blocks still live after close", alloc.Live())
	}

	if err := d.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := d.Decode([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Decode after close: err = %v, want ErrClosed", err)
	}
}
