package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/metrics"
	"github.com/harunnryd/dengar/pkg/queue"
)

// DefaultBlock is the capture block length.
const DefaultBlock = 100 * time.Millisecond

// Queue is the producer side of a frame queue.
type Queue interface {
	Push(ctx context.Context, f frames.AudioFrame) error
	Close()
}

// DropHandler is called once for every frame lost to queue overflow. The
// frame payload is only valid for the duration of the call.
type DropHandler func(frame frames.AudioFrame, err error)

type Config struct {
	Format frames.Format
	// BlockSamples defaults to DefaultBlock worth of samples.
	BlockSamples int
	StreamID     string
	SessionID    string
	Logger       *slog.Logger
	Observer     metrics.Observer
	OnDrop       DropHandler
}

// Source runs one capture loop. Sequence numbers start at 1 and strictly
// increase for the lifetime of the Source.
type Source struct {
	device Device
	queue  Queue
	cfg    Config
	logger *slog.Logger

	seq      uint64
	captured atomic.Int64
	dropped  atomic.Int64
	running  atomic.Bool
}

func NewSource(device Device, q Queue, cfg Config) *Source {
	cfg.Format = cfg.Format.WithDefaults()
	if cfg.BlockSamples <= 0 {
		cfg.BlockSamples = cfg.Format.SamplesFor(DefaultBlock)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		device: device,
		queue:  q,
		cfg:    cfg,
		logger: logger.With("component", "capture", "device", device.Name()),
	}
}

// Run captures until the device ends, fails, or ctx is cancelled. The queue
// is closed on every exit path. A finite device reaching io.EOF returns nil;
// a device failure returns an error with reason device.
func (s *Source) Run(ctx context.Context) error {
	defer s.queue.Close()
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("capture source already running")
	}

	stream, err := s.device.Open(s.cfg.Format, s.cfg.BlockSamples)
	if err != nil {
		err = errorsx.Wrap(fmt.Errorf("open %s: %w", s.device.Name(), err), errorsx.ReasonDevice)
		s.logger.Error("capture_open_failed", "error", err)
		return err
	}

	var closeOnce sync.Once
	closeStream := func() {
		closeOnce.Do(func() {
			if err := stream.Close(); err != nil {
				s.logger.Debug("capture_close_failed", "error", err)
			}
		})
	}
	defer closeStream()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			closeStream()
		case <-stop:
		}
	}()

	s.logger.Info("capture_started", "sample_rate", s.cfg.Format.SampleRate, "channels", s.cfg.Format.Channels, "block_samples", s.cfg.BlockSamples)
	for {
		if err := ctx.Err(); err != nil {
			return s.cancelled(err)
		}
		data, err := stream.ReadBlock()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return s.cancelled(ctxErr)
			}
			if errors.Is(err, io.EOF) || errors.Is(err, ErrStreamClosed) {
				s.logger.Info("capture_ended", "frames", s.captured.Load(), "dropped", s.dropped.Load())
				return nil
			}
			err = errorsx.Wrap(fmt.Errorf("read %s: %w", s.device.Name(), err), errorsx.ReasonDevice)
			s.logger.Error("capture_failed", "error", err)
			return err
		}
		if len(data) == 0 {
			continue
		}

		s.seq++
		frame := frames.NewAudioFrameFromPool(s.cfg.StreamID, s.seq, time.Now(), data, s.cfg.Format, map[string]string{
			frames.MetaSource:    "capture",
			frames.MetaDevice:    s.device.Name(),
			frames.MetaSessionID: s.cfg.SessionID,
		})
		s.captured.Add(1)
		metrics.Record(s.cfg.Observer, metrics.MetricsEvent{
			Name:  metrics.EventFrameCaptured,
			Value: float64(frame.Len()),
			Tags:  map[string]string{"device": s.device.Name()},
		})

		if err := s.queue.Push(ctx, frame); err != nil {
			if errors.Is(err, queue.ErrQueueOverflow) {
				s.reportDrop(frame, err)
			}
			frames.ReleaseAudioFrame(frame)
			switch {
			case errors.Is(err, queue.ErrQueueOverflow):
			case errors.Is(err, queue.ErrQueueClosed):
				s.logger.Info("capture_queue_closed", "seq", frame.Seq())
				return nil
			default:
				return s.cancelled(err)
			}
		}
	}
}

func (s *Source) reportDrop(frame frames.AudioFrame, err error) {
	s.dropped.Add(1)
	s.logger.Warn("frame_dropped", "seq", frame.Seq(), "error", err)
	metrics.Record(s.cfg.Observer, metrics.MetricsEvent{
		Name: metrics.EventFrameDropped,
		Tags: map[string]string{"device": s.device.Name(), "reason": string(errorsx.ReasonQueueOverflow)},
	})
	if s.cfg.OnDrop != nil {
		s.cfg.OnDrop(frame, err)
	}
}

func (s *Source) cancelled(err error) error {
	s.logger.Info("capture_cancelled", "frames", s.captured.Load(), "dropped", s.dropped.Load())
	return errorsx.Wrap(err, errorsx.ReasonCancelled)
}

// Captured counts frames produced by the device.
func (s *Source) Captured() int64 { return s.captured.Load() }

// Dropped counts frames lost to queue overflow.
func (s *Source) Dropped() int64 { return s.dropped.Load() }
