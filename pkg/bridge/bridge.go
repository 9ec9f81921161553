// Package bridge runs one capture-to-transcript session end to end: capture
// feeds the queue, the uplink drains it into the provider session, and the
// downlink routes provider messages to the sink.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/metrics"
	"github.com/harunnryd/dengar/pkg/queue"
	"github.com/harunnryd/dengar/pkg/router"
	"github.com/harunnryd/dengar/pkg/session"
	"github.com/harunnryd/dengar/pkg/sink"
	"github.com/harunnryd/dengar/pkg/transcript"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultGracePeriod    = 2 * time.Second
)

// Session is the provider connection driven by the bridge.
type Session interface {
	ID() string
	Connect(ctx context.Context) error
	Ready() <-chan struct{}
	Done() <-chan struct{}
	Send(frame frames.AudioFrame) error
	Messages() <-chan session.Message
	Finalize(ctx context.Context) error
	Close() error
	State() session.State
	Err() error
}

// Producer fills the queue and closes it when it stops.
type Producer interface {
	Run(ctx context.Context) error
	Captured() int64
	Dropped() int64
}

// Queue is the consumer side of the frame queue.
type Queue interface {
	Pop(ctx context.Context) (frames.AudioFrame, error)
	Close()
}

// Recorder taps every frame that was sent.
type Recorder interface {
	Write(frame frames.AudioFrame) error
}

type Config struct {
	ConnectTimeout time.Duration
	GracePeriod    time.Duration
	Logger         *slog.Logger
	Observer       metrics.Observer
}

type Deps struct {
	Session  Session
	Producer Producer
	Queue    Queue
	Router   *router.Router
	Sink     sink.Sink
	Recorder Recorder
}

// Controller is single-use: Run may be called once.
type Controller struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	started   atomic.Bool
	sent      atomic.Int64
	abandoned atomic.Int64
	events    atomic.Int64

	captureDone chan struct{}
	captureErr  error

	recorderOnce sync.Once
}

var errAlreadyRun = errors.New("bridge: controller already ran")

func New(cfg Config, deps Deps) (*Controller, error) {
	switch {
	case deps.Session == nil:
		return nil, errors.New("bridge: session is required")
	case deps.Producer == nil:
		return nil, errors.New("bridge: producer is required")
	case deps.Queue == nil:
		return nil, errors.New("bridge: queue is required")
	case deps.Router == nil:
		return nil, errors.New("bridge: router is required")
	case deps.Sink == nil:
		return nil, errors.New("bridge: sink is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:         cfg,
		deps:        deps,
		logger:      logger.With("component", "bridge", "session_id", deps.Session.ID()),
		captureDone: make(chan struct{}),
	}, nil
}

// Run blocks until the session completes, fails, or ctx is cancelled and the
// grace period has elapsed. It returns exactly one Outcome, which is also
// handed to the sink.
func (c *Controller) Run(ctx context.Context) transcript.Outcome {
	start := time.Now()
	if !c.started.CompareAndSwap(false, true) {
		return transcript.Outcome{Status: transcript.StatusFailed, Reason: string(errorsx.ReasonUnknown), Err: errAlreadyRun}
	}
	sess := c.deps.Session

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// The downlink outlives runCtx so results for audio already sent can
	// still be delivered while finalizing.
	downCtx, cancelDown := context.WithCancel(context.Background())
	defer cancelDown()
	downDone := make(chan struct{})
	events := c.deps.Router.Run(downCtx, sess.Messages())
	go func() {
		defer close(downDone)
		for ev := range events {
			c.deps.Sink.OnEvent(ev)
			c.events.Add(1)
		}
	}()

	go func() {
		c.captureErr = c.deps.Producer.Run(runCtx)
		close(c.captureDone)
	}()
	go func() {
		if err := sess.Connect(runCtx); err != nil {
			c.logger.Debug("connect_returned", "error", err)
		}
	}()
	upDone := make(chan error, 1)
	go func() { upDone <- c.uplink(runCtx) }()

	var (
		cause       error
		cancelled   bool
		upFinished  bool
		captureDone = c.captureDone
		sessDone    = sess.Done()
	)
loop:
	for {
		select {
		case <-ctx.Done():
			cancelled = true
			break loop
		case <-captureDone:
			captureDone = nil
			if ctx.Err() != nil {
				cancelled = true
				break loop
			}
			if errorsx.IsFatal(c.captureErr) {
				cause = c.captureErr
				break loop
			}
		case err := <-upDone:
			upFinished = true
			if ctx.Err() != nil {
				cancelled = true
			} else if err != nil {
				cause = err
				if sErr := sess.Err(); sErr != nil && errors.Is(err, session.ErrNotOpen) {
					cause = sErr
				}
			}
			break loop
		case <-sessDone:
			sessDone = nil
			if ctx.Err() != nil {
				cancelled = true
				break loop
			}
			if sess.State() == session.StateFailed {
				cause = sess.Err()
				if cause == nil {
					cause = errorsx.New(errorsx.ReasonTransport, "session failed")
				}
				break loop
			}
		}
	}

	c.shutdown(cancelRun, cancelDown, upDone, upFinished, downDone, cancelled, cause)

	out := c.outcome(start, cancelled, cause)
	metrics.Record(c.cfg.Observer, metrics.MetricsEvent{
		Name:  metrics.EventBridgeOutcome,
		Value: out.Duration.Seconds(),
		Tags: map[string]string{
			"status":     out.Status.String(),
			"reason":     out.Reason,
			"session_id": out.SessionID,
		},
	})
	if out.Status == transcript.StatusFailed {
		c.logger.Error("bridge_failed", "reason", out.Reason, "error", out.Err, "sent", out.Summary.FramesSent)
	} else {
		c.logger.Info("bridge_finished", "status", out.Status.String(), "sent", out.Summary.FramesSent,
			"dropped", out.Summary.FramesDropped, "events", out.Summary.Events)
	}
	c.deps.Sink.OnTerminal(out)
	return out
}

func (c *Controller) shutdown(cancelRun, cancelDown context.CancelFunc, upDone <-chan error, upFinished bool, downDone <-chan struct{}, cancelled bool, cause error) {
	sess := c.deps.Session
	graceCtx, cancel := context.WithTimeout(context.Background(), c.cfg.GracePeriod)
	defer cancel()

	// Stop capture, close the queue, then stop the uplink. What is left in
	// the queue is abandoned.
	cancelRun()
	select {
	case <-c.captureDone:
	case <-graceCtx.Done():
		c.logger.Warn("capture_stop_timeout")
	}
	c.deps.Queue.Close()
	if !upFinished {
		select {
		case <-upDone:
		case <-graceCtx.Done():
			c.logger.Warn("uplink_stop_timeout")
		}
	}

	switch {
	case cancelled:
		if err := sess.Finalize(graceCtx); err != nil && !errors.Is(err, session.ErrNotOpen) {
			c.logger.Debug("finalize_on_cancel", "error", err)
		}
	case cause != nil:
		_ = sess.Close()
	}

	select {
	case <-downDone:
	case <-graceCtx.Done():
		c.logger.Warn("downlink_drain_timeout")
	}
	_ = sess.Close()
	cancelDown()
	<-downDone

	for {
		f, err := c.deps.Queue.Pop(context.Background())
		if err != nil {
			break
		}
		c.abandoned.Add(1)
		frames.ReleaseAudioFrame(f)
	}
}

// uplink forwards frames in capture order once the session is open. It
// finalizes the session when capture ends normally.
func (c *Controller) uplink(ctx context.Context) error {
	sess := c.deps.Session
	timer := time.NewTimer(c.cfg.ConnectTimeout)
	select {
	case <-sess.Ready():
		timer.Stop()
	case <-sess.Done():
		timer.Stop()
		if err := sess.Err(); err != nil {
			return err
		}
		return session.ErrNotOpen
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return errorsx.Wrap(fmt.Errorf("session not open after %s", c.cfg.ConnectTimeout), errorsx.ReasonConnect)
	}

	for {
		f, err := c.deps.Queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrQueueClosed) {
				return err
			}
			select {
			case <-c.captureDone:
			case <-ctx.Done():
				return ctx.Err()
			}
			if errorsx.IsFatal(c.captureErr) {
				return c.captureErr
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			c.logger.Info("capture_drained", "sent", c.sent.Load())
			return sess.Finalize(context.WithoutCancel(ctx))
		}
		if ctx.Err() != nil {
			c.abandoned.Add(1)
			frames.ReleaseAudioFrame(f)
			return ctx.Err()
		}
		if err := sess.Send(f); err != nil {
			c.abandoned.Add(1)
			frames.ReleaseAudioFrame(f)
			return err
		}
		c.sent.Add(1)
		metrics.Record(c.cfg.Observer, metrics.MetricsEvent{
			Name:  metrics.EventFrameSent,
			Value: float64(f.Len()),
			Tags:  map[string]string{"session_id": sess.ID()},
		})
		c.record(f)
		frames.ReleaseAudioFrame(f)
	}
}

func (c *Controller) record(f frames.AudioFrame) {
	if c.deps.Recorder == nil {
		return
	}
	if err := c.deps.Recorder.Write(f); err != nil {
		c.recorderOnce.Do(func() {
			c.logger.Warn("recorder_write_failed", "error", err)
		})
	}
}

func (c *Controller) outcome(start time.Time, cancelled bool, cause error) transcript.Outcome {
	out := transcript.Outcome{
		SessionID: c.deps.Session.ID(),
		Duration:  time.Since(start),
		Summary: transcript.Summary{
			FramesCaptured:  c.deps.Producer.Captured(),
			FramesSent:      c.sent.Load(),
			FramesDropped:   c.deps.Producer.Dropped(),
			FramesAbandoned: c.abandoned.Load(),
			Events:          c.events.Load(),
			ProtocolErrors:  c.deps.Router.ProtocolErrors(),
			ProviderErrors:  c.deps.Router.ProviderErrors(),
		},
	}
	switch {
	case cancelled:
		out.Status = transcript.StatusCancelled
	case cause != nil:
		out.Status = transcript.StatusFailed
		out.Reason = string(errorsx.Reason(cause))
		out.Err = cause
	default:
		out.Status = transcript.StatusCompleted
	}
	return out
}
