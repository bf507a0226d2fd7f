//go:build linux

package vmetahw

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ebitengine/purego"
)

var (
	vmetaOnce    sync.Once
	vmetaInitErr error

	codecHandle uintptr
	miscHandle  uintptr
)

// libcodecvmetadec entry points.
var (
	decoderInitAlloc func(parSet, cbTable, stateOut uintptr) int32
	decoderFree      func(stateInOut uintptr) int32
	decodeFrame      func(info, state uintptr) int32
	decoderPush      func(bufType int32, buf, state uintptr) int32
	decoderPop       func(bufType int32, bufOut, state uintptr) int32
	decodeSendCmd    func(cmd int32, param, param2, state uintptr) int32

	vdecDMAAlloc   func(size, align uint32, physOut uintptr) uintptr
	vdecDMACached  func(size, align uint32, physOut uintptr) uintptr
	vdecDMAWC      func(size, align uint32, physOut uintptr) uintptr
	vdecDMAFree    func(virt uintptr)
	vdecFlushCache func(virt uintptr, size uint32, dir int32)

	vdecSuspendCheck func() int32
	vdecSuspendReady func()
)

// libmiscgen entry points.
var (
	miscInitCallbackTable func(tableOut uintptr) int32
	miscFreeCallbackTable func(tableInOut uintptr) int32
)

// Load makes sure the vMeta codec libraries are loaded and their symbols
// resolved. Safe to call repeatedly; the first error is sticky.
func Load() error {
	vmetaOnce.Do(func() {
		vmetaInitErr = loadLibs()
	})
	return vmetaInitErr
}

// Available reports whether the vMeta libraries could be loaded on this
// system.
func Available() bool { return Load() == nil }

func loadLibs() error {
	var err error
	codecHandle, err = dlopenFirst(codecLibPaths())
	if err != nil {
		return fmt.Errorf("vmetahw: load codec library: %w", err)
	}
	miscHandle, err = dlopenFirst(miscLibPaths())
	if err != nil {
		purego.Dlclose(codecHandle)
		codecHandle = 0
		return fmt.Errorf("vmetahw: load misc library: %w", err)
	}
	registerSymbols()
	return nil
}

func dlopenFirst(paths []string) (uintptr, error) {
	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			return handle, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return 0, lastErr
	}
	return 0, errors.New("no candidate paths")
}

func codecLibPaths() []string {
	var paths []string
	if env := os.Getenv("VMETA_CODEC_LIB"); env != "" {
		paths = append(paths, env)
	}
	if env := os.Getenv("VMETA_LIB_PATH"); env != "" {
		paths = append(paths, filepath.Join(env, "libcodecvmetadec.so"))
	}
	return append(paths,
		"libcodecvmetadec.so",
		"/usr/local/lib/libcodecvmetadec.so",
		"/usr/lib/libcodecvmetadec.so",
	)
}

func miscLibPaths() []string {
	var paths []string
	if env := os.Getenv("VMETA_MISC_LIB"); env != "" {
		paths = append(paths, env)
	}
	if env := os.Getenv("VMETA_LIB_PATH"); env != "" {
		paths = append(paths, filepath.Join(env, "libmiscgen.so"))
	}
	return append(paths,
		"libmiscgen.so",
		"/usr/local/lib/libmiscgen.so",
		"/usr/lib/libmiscgen.so",
	)
}

func registerSymbols() {
	purego.RegisterLibFunc(&decoderInitAlloc, codecHandle, "DecoderInitAlloc_Vmeta")
	purego.RegisterLibFunc(&decoderFree, codecHandle, "DecoderFree_Vmeta")
	purego.RegisterLibFunc(&decodeFrame, codecHandle, "DecodeFrame_Vmeta")
	purego.RegisterLibFunc(&decoderPush, codecHandle, "DecoderPushBuffer_Vmeta")
	purego.RegisterLibFunc(&decoderPop, codecHandle, "DecoderPopBuffer_Vmeta")
	purego.RegisterLibFunc(&decodeSendCmd, codecHandle, "DecodeSendCmd_Vmeta")

	purego.RegisterLibFunc(&vdecDMAAlloc, codecHandle, "vdec_os_api_dma_alloc")
	purego.RegisterLibFunc(&vdecDMACached, codecHandle, "vdec_os_api_dma_alloc_cached")
	purego.RegisterLibFunc(&vdecDMAWC, codecHandle, "vdec_os_api_dma_alloc_writecombine")
	purego.RegisterLibFunc(&vdecDMAFree, codecHandle, "vdec_os_api_dma_free")
	purego.RegisterLibFunc(&vdecFlushCache, codecHandle, "vdec_os_api_flush_cache")

	purego.RegisterLibFunc(&vdecSuspendCheck, codecHandle, "vdec_os_api_suspend_check")
	purego.RegisterLibFunc(&vdecSuspendReady, codecHandle, "vdec_os_api_suspend_ready")

	purego.RegisterLibFunc(&miscInitCallbackTable, miscHandle, "miscInitGeneralCallbackTable")
	purego.RegisterLibFunc(&miscFreeCallbackTable, miscHandle, "miscFreeGeneralCallbackTable")
}
