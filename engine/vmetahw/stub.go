//go:build !linux

// The vMeta decoder exists only on Linux-based Marvell platforms. On
// other systems the package compiles but every entry point reports the
// hardware as unavailable.
package vmetahw

import (
	"errors"
	"log/slog"

	"github.com/dv1/vmeta/dma"
	"github.com/dv1/vmeta/engine"
)

// ErrUnavailable is returned on platforms without the vMeta libraries.
var ErrUnavailable = errors.New("vmetahw: hardware decoder requires linux")

// HW is unavailable on this platform.
type HW struct{}

var _ engine.Engine = (*HW)(nil)

// Load reports the hardware as unavailable.
func Load() error { return ErrUnavailable }

// Available always returns false.
func Available() bool { return false }

// New always fails.
func New(log *slog.Logger) (*HW, error) { return nil, ErrUnavailable }

func (h *HW) Init(p engine.Params) error                   { return ErrUnavailable }
func (h *HW) DecodeStep() (engine.Status, error)           { return engine.StatusErr, ErrUnavailable }
func (h *HW) SequenceInfo() engine.SequenceInfo            { return engine.SequenceInfo{} }
func (h *HW) PushStream(s *engine.Stream) error            { return ErrUnavailable }
func (h *HW) PopStream() (*engine.Stream, error)           { return nil, ErrUnavailable }
func (h *HW) PushPicture(p *engine.Picture) error          { return ErrUnavailable }
func (h *HW) PopPicture() (*engine.Picture, error)         { return nil, ErrUnavailable }
func (h *HW) SendCommand(c engine.Command, b []byte) error { return ErrUnavailable }
func (h *HW) Close() error                                 { return nil }

// Allocator is unavailable on this platform.
type Allocator struct{}

var _ dma.Allocator = (*Allocator)(nil)

// NewAllocator always fails.
func NewAllocator(log *slog.Logger) (*Allocator, error) { return nil, ErrUnavailable }

func (a *Allocator) Alloc(size, align int, class dma.Class) (*dma.Block, error) {
	return nil, ErrUnavailable
}
func (a *Allocator) Free(b *dma.Block) error { return ErrUnavailable }
