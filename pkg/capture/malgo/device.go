// Package malgo captures from the default microphone through miniaudio.
package malgo

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/harunnryd/dengar/pkg/capture"
	"github.com/harunnryd/dengar/pkg/frames"
)

var errDeviceStopped = errors.New("malgo: capture device stopped")

// DefaultBacklog is the number of blocks buffered between the audio callback
// and ReadBlock.
const DefaultBacklog = 32

type Device struct {
	Backlog int
	Logger  *slog.Logger
}

func New() *Device { return &Device{Backlog: DefaultBacklog} }

func (d *Device) Name() string { return "mic" }

func (d *Device) Open(format frames.Format, blockSamples int) (capture.Stream, error) {
	format = format.WithDefaults()
	if format.BitDepth != 16 {
		return nil, fmt.Errorf("malgo: only 16-bit capture is supported, got %d", format.BitDepth)
	}
	backlog := d.Backlog
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}

	s := &stream{
		mctx:       mctx,
		blockBytes: format.BlockBytes(blockSamples),
		blocks:     make(chan []byte, backlog),
		closed:     make(chan struct{}),
		stopped:    make(chan struct{}),
		logger:     logger.With("component", "capture.malgo"),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInFrames = uint32(blockSamples)

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: s.onData,
		Stop: s.onStop,
	})
	if err != nil {
		s.freeContext()
		return nil, fmt.Errorf("malgo: init device: %w", err)
	}
	s.device = device
	if err := device.Start(); err != nil {
		device.Uninit()
		s.freeContext()
		return nil, fmt.Errorf("malgo: start device: %w", err)
	}
	return s, nil
}

type stream struct {
	mctx       *malgo.AllocatedContext
	device     *malgo.Device
	blockBytes int
	logger     *slog.Logger

	// pending is only touched by the audio callback.
	pending []byte
	blocks  chan []byte
	overrun atomic.Int64

	stopped  chan struct{}
	stopOnce sync.Once

	closed chan struct{}
	once   sync.Once
}

// onData runs on the audio thread and must never block.
func (s *stream) onData(_, input []byte, _ uint32) {
	s.pending = append(s.pending, input...)
	for len(s.pending) >= s.blockBytes {
		block := make([]byte, s.blockBytes)
		copy(block, s.pending[:s.blockBytes])
		s.pending = s.pending[s.blockBytes:]
		select {
		case s.blocks <- block:
		default:
			s.overrun.Add(1)
		}
	}
}

func (s *stream) onStop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *stream) ReadBlock() ([]byte, error) {
	select {
	case block := <-s.blocks:
		return block, nil
	case <-s.closed:
		return nil, capture.ErrStreamClosed
	case <-s.stopped:
		select {
		case <-s.closed:
			return nil, capture.ErrStreamClosed
		default:
		}
		return nil, errDeviceStopped
	}
}

func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		if s.device != nil {
			s.device.Uninit()
		}
		s.freeContext()
		if n := s.overrun.Load(); n > 0 {
			s.logger.Warn("capture_overrun", "blocks", n)
		}
	})
	return nil
}

func (s *stream) freeContext() {
	_ = s.mctx.Uninit()
	s.mctx.Free()
}

// Overruns counts blocks lost because ReadBlock fell behind the device.
func (s *stream) Overruns() int64 { return s.overrun.Load() }
