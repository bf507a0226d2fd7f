package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dv1/vmeta/decoder"
	"github.com/dv1/vmeta/engine/vmetahw"
	"github.com/dv1/vmeta/picture"
)

var version = "dev"

func main() {
	var (
		inPath  = flag.String("i", "", "input file (MP4 or raw Annex B H.264)")
		outPath = flag.String("o", "", "write decoded UYVY frames to this file")
		all     = flag.Bool("all", false, "forward every completed picture instead of one per decode cycle")
	)
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *inPath == "" {
		fmt.Fprintln(os.Stderr, "usage: vmetaplay -i input.mp4 [-o frames.uyvy] [-all]")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, *inPath, *outPath, *all); err != nil {
		slog.Error("playback failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, inPath, outPath string, forwardAll bool) error {
	src, err := openSource(inPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer src.Close()

	slog.Info("vmetaplay starting",
		"version", version,
		"input", inPath,
		"codec", src.codec,
		"width", src.desc.Width,
		"height", src.desc.Height,
		"frames", src.frames,
	)

	eng, err := vmetahw.New(nil)
	if err != nil {
		return fmt.Errorf("vmeta engine: %w", err)
	}
	alloc, err := vmetahw.NewAllocator(nil)
	if err != nil {
		eng.Close()
		return fmt.Errorf("vmeta allocator: %w", err)
	}

	dec, err := decoder.New(decoder.Config{
		Engine:             eng,
		Allocator:          alloc,
		Pictures:           picture.NewPool(alloc, nil),
		Format:             src.desc,
		ForwardAllPictures: forwardAll,
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	defer dec.Close()

	var sink io.Writer
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		sink = f
	}

	g, ctx := errgroup.WithContext(ctx)
	units := make(chan []byte, 4)

	g.Go(func() error {
		defer close(units)
		return src.Stream(ctx, units)
	})

	g.Go(func() error {
		decoded := 0
		for au := range units {
			res, err := dec.Decode(au)
			if err != nil {
				return fmt.Errorf("decode: %w", err)
			}
			n, err := consumePictures(res.Pictures, sink)
			decoded += n
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		res, err := dec.Decode(nil)
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		n, err := consumePictures(res.Pictures, sink)
		decoded += n
		if err != nil {
			return err
		}
		if !res.EOS {
			slog.Warn("engine did not report end of stream")
		}

		slog.Info("playback complete", "pictures", decoded)
		return nil
	})

	return g.Wait()
}

// consumePictures writes each completed picture to sink, if any, and
// releases it back to the pool. It returns the number of pictures handled
// even when the write fails partway.
func consumePictures(pics []*picture.Buffer, sink io.Writer) (int, error) {
	var writeErr error
	for _, pic := range pics {
		if sink != nil && writeErr == nil {
			if _, err := sink.Write(pic.Bytes()); err != nil {
				writeErr = fmt.Errorf("write frame: %w", err)
			}
		}
		pic.Release()
	}
	if writeErr != nil {
		return len(pics), writeErr
	}
	return len(pics), nil
}
