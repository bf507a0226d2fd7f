// Package decoder drives a vMeta hardware decode session: it owns the
// fixed ring of DMA stream buffers, feeds compressed access units to the
// engine, services the engine's pull-based status loop, and hands
// completed pictures back to the caller as reference-counted pool
// buffers.
//
// All methods on Decoder are serialized with an internal mutex; the
// engine primitive set is never entered concurrently.
package decoder

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/dv1/vmeta/dma"
	"github.com/dv1/vmeta/engine"
	"github.com/dv1/vmeta/format"
	"github.com/dv1/vmeta/picture"
)

// maxWaitSpins bounds the number of consecutive wait-for-event statuses
// before the cycle is abandoned as stalled.
const maxWaitSpins = 1 << 16

// Config assembles a decode session.
type Config struct {
	Engine    engine.Engine
	Allocator dma.Allocator
	Pictures  *picture.Pool
	Format    format.Descriptor
	Logger    *slog.Logger

	// ForwardAllPictures returns every picture completed within one
	// decode cycle. By default only the first is returned and the rest
	// are dropped, matching the one-output-per-cycle downstream model.
	ForwardAllPictures bool
}

// Result is the outcome of one Decode call.
type Result struct {
	// Pictures are completed frames in decode order. The caller owns
	// one reference on each and must Release it.
	Pictures []*picture.Buffer

	// EOS is set once the engine has drained after nil input.
	EOS bool
}

// Decoder orchestrates one hardware decode session.
type Decoder struct {
	mu   sync.Mutex
	eng  engine.Engine
	pics *picture.Pool
	log  *slog.Logger
	ring *streamRing

	header         []byte // codec data, emitted once ahead of the first unit
	needsStartCode bool
	pendingInput   bool // engine asked for input after the last unit was consumed
	forwardAll     bool
	closed         bool
	fatal          error
}

// New resolves the stream description, creates the hardware session and
// allocates the input ring. The returned decoder owns the engine and
// closes it on Close; the picture pool stays caller-owned.
func New(cfg Config) (*Decoder, error) {
	if cfg.Engine == nil || cfg.Allocator == nil || cfg.Pictures == nil {
		return nil, errors.New("decoder: engine, allocator and picture pool are required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "decoder")

	res, err := format.Resolve(cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}

	if err := cfg.Engine.Init(res.Params); err != nil {
		return nil, hwErr("init", err)
	}
	if res.SeqHeader != nil {
		if err := cfg.Engine.SendCommand(engine.CmdSetVC1MSeqInfo, res.SeqHeader); err != nil {
			cfg.Engine.Close()
			return nil, hwErr("set vc1m sequence info", err)
		}
	}

	ring, err := newStreamRing(cfg.Allocator, log)
	if err != nil {
		cfg.Engine.Close()
		return nil, err
	}

	log.Debug("session created",
		"format", res.Params.StreamFormat,
		"codec_data", len(res.CodecData),
		"start_code", res.NeedsStartCode)

	return &Decoder{
		eng:            cfg.Engine,
		pics:           cfg.Pictures,
		log:            log,
		ring:           ring,
		header:         res.CodecData,
		needsStartCode: res.NeedsStartCode,
		forwardAll:     cfg.ForwardAllPictures,
	}, nil
}

// Decode feeds one compressed access unit and runs the engine's status
// loop until it demands the next unit or reaches end of stream. A nil au
// signals end of input: any remaining work is serviced and the cycle
// reports EOS the moment the engine asks for data that will never come.
//
// The cycle ends in one of three ways: the engine wants the next unit
// (empty or partial Result), one or more frames completed (Result
// carries them), or the stream ended (Result.EOS).
func (d *Decoder) Decode(au []byte) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Result{}, ErrClosed
	}
	if d.fatal != nil {
		return Result{}, d.fatal
	}

	// Stage the unit up front; the engine receives it whenever it next
	// asks for input.
	if au != nil {
		if err := d.stage(au); err != nil {
			return Result{}, err
		}
	}

	consumed := false
	if d.pendingInput {
		// The engine already asked for input at the end of the last
		// cycle. Deliver before stepping to save a round-trip.
		if au == nil {
			return Result{EOS: true}, nil
		}
		if err := d.pushStaged(); err != nil {
			return Result{}, err
		}
		d.pendingInput = false
		consumed = true
	}

	var out Result
	spins := 0
	for {
		st, err := d.eng.DecodeStep()
		if err != nil {
			return Result{}, hwErr("decode step", err)
		}
		if st != engine.StatusWaitForEvent {
			spins = 0
		}

		switch st {
		case engine.StatusNeedInput:
			if consumed {
				// The unit is in the pipeline and the engine wants
				// the next one. Remember to deliver first thing next
				// call, before stepping.
				d.pendingInput = true
				return out, nil
			}
			if au == nil {
				out.EOS = true
				return out, nil
			}
			if err := d.pushStaged(); err != nil {
				return Result{}, err
			}
			consumed = true

		case engine.StatusReturnInputBuf:
			if err := d.reclaimStreams(); err != nil {
				return Result{}, err
			}

		case engine.StatusNewVideoSeq:
			if err := d.newSequence(); err != nil {
				return Result{}, err
			}

		case engine.StatusNeedOutputBuf:
			if err := d.provideOutput(); err != nil {
				return Result{}, err
			}

		case engine.StatusFrameComplete:
			if err := d.frameComplete(&out); err != nil {
				return Result{}, err
			}

		case engine.StatusFieldPictureTop, engine.StatusFieldPictureBottom:
			d.log.Debug("field picture", "status", st)

		case engine.StatusEndOfStream:
			if err := d.reclaimStreams(); err != nil {
				return Result{}, err
			}
			out.EOS = true
			return out, nil

		case engine.StatusWaitForEvent:
			spins++
			if spins > maxWaitSpins {
				return Result{}, hwErr("decode step",
					&engine.StatusError{Op: "decode step", Status: st})
			}
			runtime.Gosched()

		default:
			// Informational and per-frame error codes the loop does not
			// act on. The hardware keeps going, so does the cycle.
			d.log.Debug("ignoring decode status", "status", st)
		}
	}
}

// Flush abandons all in-flight work: stream buffers are pulled back from
// the engine, queued pictures are popped and released, and staged but
// unpushed input is returned to the free list. The session stays usable.
func (d *Decoder) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if d.fatal != nil {
		return d.fatal
	}
	if err := d.reclaimStreams(); err != nil {
		return err
	}
	if err := d.reclaimPictures(); err != nil {
		return err
	}
	d.ring.drainReady()
	d.pendingInput = false
	return nil
}

// Close stops the stream, tears down the hardware session and frees the
// input ring. Idempotent.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if err := d.eng.SendCommand(engine.CmdStopDecodeStream, nil); err != nil {
		d.log.Warn("stop command failed during close", "error", err)
	}
	err := d.eng.Close()
	// DMA blocks outlive the session; free them only after Close.
	d.ring.close()
	d.pics.Drain()
	if err != nil {
		return hwErr("close", err)
	}
	return nil
}

// die latches an unrecoverable session error. Only protocol desyncs are
// latched; hardware command failures fail their cycle and leave the
// session usable for a retry, Flush or Close.
func (d *Decoder) die(err error) error {
	d.fatal = err
	return err
}

// stage fills an available stream buffer with the unit and queues it on
// the ready list. Fill failures return the slot to the available list
// and are not fatal to the session.
func (d *Decoder) stage(au []byte) error {
	sb, err := d.ring.popAvailable()
	if err != nil {
		return d.die(err)
	}
	if err := d.ring.fill(sb, au, d.header, d.needsStartCode); err != nil {
		if perr := d.ring.pushAvailable(sb); perr != nil {
			return d.die(perr)
		}
		return err
	}
	d.header = nil
	if err := d.ring.pushReady(sb); err != nil {
		return d.die(err)
	}
	return nil
}

// pushStaged hands the oldest ready buffer to the engine.
func (d *Decoder) pushStaged() error {
	sb, err := d.ring.popReady()
	if err != nil {
		return d.die(err)
	}
	if err := d.eng.PushStream(&sb.desc); err != nil {
		sb.desc.DataLen = 0
		if perr := d.ring.pushAvailable(sb); perr != nil {
			return d.die(perr)
		}
		return hwErr("push stream", err)
	}
	return nil
}

// reclaimStreams pops every consumed stream buffer out of the engine and
// returns it to the available list.
func (d *Decoder) reclaimStreams() error {
	for {
		desc, err := d.eng.PopStream()
		if err != nil {
			return hwErr("pop stream", err)
		}
		if desc == nil {
			return nil
		}
		if err := d.ring.reclaim(desc); err != nil {
			return d.die(err)
		}
	}
}

// reclaimPictures pops every queued picture out of the engine and
// releases its pool reference. Descriptors the pool no longer knows are
// logged and skipped.
func (d *Decoder) reclaimPictures() error {
	for {
		pic, err := d.eng.PopPicture()
		if err != nil {
			return hwErr("pop picture", err)
		}
		if pic == nil {
			return nil
		}
		buf, err := d.pics.Resolve(pic.Handle)
		if err != nil {
			d.log.Warn("reclaimed picture not in pool", "handle", pic.Handle)
			continue
		}
		buf.Release()
	}
}

// newSequence reads the fresh sequence geometry, retires pictures sized
// for the previous sequence and retargets the pool.
func (d *Decoder) newSequence() error {
	si := d.eng.SequenceInfo()
	d.log.Info("new video sequence",
		"width", si.Width, "height", si.Height,
		"stride", si.DisplayStride, "buffer_size", si.DisplayBufferSize)

	if err := d.reclaimPictures(); err != nil {
		return err
	}
	err := d.pics.SetOutputGeometry(picture.Geometry{
		BufferSize: si.DisplayBufferSize,
		Stride:     si.DisplayStride,
		Width:      si.Width,
		Height:     si.Height,
	})
	if err != nil {
		return d.die(fmt.Errorf("%w: sequence geometry rejected: %v", ErrProtocolViolation, err))
	}
	return nil
}

// provideOutput acquires a fresh picture buffer and hands it to the
// engine.
func (d *Decoder) provideOutput() error {
	buf, err := d.pics.Acquire()
	if err != nil {
		if errors.Is(err, picture.ErrNoGeometry) {
			return d.die(fmt.Errorf("%w: output requested before sequence geometry", ErrProtocolViolation))
		}
		return fmt.Errorf("%w: acquire picture: %v", ErrResourceExhausted, err)
	}
	if err := d.eng.PushPicture(buf.Descriptor()); err != nil {
		buf.Release()
		return hwErr("push picture", err)
	}
	return nil
}

// frameComplete pops the finished picture, resolves it to its pool
// buffer and attaches it to the result, then reclaims consumed input and
// runs the post-frame power handshake.
func (d *Decoder) frameComplete(out *Result) error {
	pic, err := d.eng.PopPicture()
	if err != nil {
		return hwErr("pop picture", err)
	}
	if pic == nil {
		// The hardware occasionally reports a completed frame with an
		// empty picture queue. Harmless, skip it.
		d.log.Debug("frame complete with empty picture queue")
	} else {
		buf, err := d.pics.Resolve(pic.Handle)
		if err != nil {
			return d.die(fmt.Errorf("%w: completed picture %d not in pool", ErrProtocolViolation, pic.Handle))
		}
		if len(out.Pictures) == 0 || d.forwardAll {
			out.Pictures = append(out.Pictures, buf)
		} else {
			d.log.Debug("dropping extra picture in cycle", "handle", pic.Handle)
			buf.Release()
		}
	}

	if err := d.reclaimStreams(); err != nil {
		return err
	}
	return d.suspendResume()
}

// suspendResume performs the post-frame pause/acknowledge/resume
// handshake on platforms whose engine reports pending suspends.
func (d *Decoder) suspendResume() error {
	s, ok := d.eng.(engine.Suspender)
	if !ok || !s.SuspendPending() {
		return nil
	}
	d.log.Debug("suspend pending, pausing")
	if err := d.eng.SendCommand(engine.CmdPause, nil); err != nil {
		return hwErr("pause", err)
	}
	s.SuspendReady()
	if err := d.eng.SendCommand(engine.CmdResume, nil); err != nil {
		return hwErr("resume", err)
	}
	return nil
}
