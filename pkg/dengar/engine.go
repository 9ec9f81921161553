package dengar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/harunnryd/dengar/pkg/bridge"
	"github.com/harunnryd/dengar/pkg/capture"
	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/logging"
	"github.com/harunnryd/dengar/pkg/metrics"
	"github.com/harunnryd/dengar/pkg/observers"
	"github.com/harunnryd/dengar/pkg/queue"
	"github.com/harunnryd/dengar/pkg/recorder"
	"github.com/harunnryd/dengar/pkg/redact"
	"github.com/harunnryd/dengar/pkg/resilience"
	"github.com/harunnryd/dengar/pkg/router"
	"github.com/harunnryd/dengar/pkg/session"
	"github.com/harunnryd/dengar/pkg/sink"
	"github.com/harunnryd/dengar/pkg/transcript"
)

type EngineOptions struct {
	Config   Config
	Registry *Registry
	Logger   *slog.Logger
	// Observer receives every metrics event in addition to the built-in
	// logger, latency and timeline observers.
	Observer metrics.Observer
	// Sinks receive transcript events next to the configured console and
	// JSONL sinks.
	Sinks []sink.Sink
	// Stdout is where the console sink writes. Defaults to os.Stdout.
	Stdout io.Writer
}

// Engine builds one bridge per RunSession call from a Config.
type Engine struct {
	cfg      Config
	registry *Registry
	base     *slog.Logger
	logger   *slog.Logger
	redactor *redact.Redactor
	latency  *observers.LatencyObserver
	timeline *observers.TimelineObserver
	asyncObs *metrics.AsyncObserver
	sinks    []sink.Sink
	stdout   io.Writer
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	e := &Engine{
		cfg:      cfg,
		registry: registry,
		base:     logger,
		logger:   logging.NewComponentLogger(logger, "engine"),
		redactor: redact.New(cfg.Privacy.RedactPII),
		latency:  observers.NewLatencyObserver(logger),
		sinks:    opts.Sinks,
		stdout:   stdout,
	}
	// Debug logs carry one in a hundred per-frame events.
	logObs := observers.NewLoggerObserver(logger)
	logObs.Verbose = true
	list := []metrics.Observer{
		metrics.NewSamplingObserver(logObs, 0.01, metrics.EventFrameCaptured, metrics.EventFrameSent),
		e.latency,
	}
	if dir := cfg.Observability.ArtifactsDir; dir != "" {
		e.timeline = observers.NewTimelineObserver(dir, e.redactor)
		list = append(list, e.timeline)
	}
	if opts.Observer != nil {
		list = append(list, opts.Observer)
	}
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(list...), 1024)

	e.logger.Info("dengar_init",
		slog.String("provider", cfg.Provider.Name),
		slog.String("device", cfg.Audio.Device),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("channels", cfg.Audio.Channels),
		slog.Bool("redact_pii", cfg.Privacy.RedactPII))
	return e, nil
}

// Observer is the engine's shared metrics pipeline.
func (e *Engine) Observer() metrics.Observer { return e.asyncObs }

// Latency returns the timings gathered for a finished or running session.
func (e *Engine) Latency(sessionID string) (observers.LatencyReport, bool) {
	return e.latency.Report(sessionID)
}

// connectRetryError carries a session that failed to connect before any audio
// was sent, which is safe to start over.
type connectRetryError struct{ out transcript.Outcome }

func (e connectRetryError) Error() string { return "connect failed: " + e.out.String() }

// Run calls RunSession and starts a fresh session when one fails to connect
// before sending audio, up to retry.max_attempts sessions in total.
func (e *Engine) Run(ctx context.Context) (transcript.Outcome, error) {
	policy := resilience.NewRetryPolicy(e.cfg.Retry.MaxAttempts-1, ms(e.cfg.Retry.BackoffMS))
	policy.Retryable = func(err error) bool {
		var r connectRetryError
		return errors.As(err, &r)
	}

	var last transcript.Outcome
	ran := false
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		out, err := e.RunSession(ctx)
		if err != nil {
			return err
		}
		last, ran = out, true
		if out.Status == transcript.StatusFailed &&
			out.Reason == string(errorsx.ReasonConnect) &&
			out.Summary.FramesSent == 0 {
			e.logger.Warn("session_connect_retry",
				slog.String("session_id", out.SessionID),
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", e.cfg.Retry.MaxAttempts))
			return connectRetryError{out: out}
		}
		return nil
	})
	if ran {
		// Cancelled while waiting to retry: the caller asked to stop.
		if last.Status == transcript.StatusFailed && ctx.Err() != nil {
			last.Status = transcript.StatusCancelled
			last.Reason = ""
			last.Err = nil
		}
		return last, nil
	}
	return transcript.Outcome{}, err
}

// RunSession captures from the configured device and streams to the
// configured provider until the device ends, the session fails or ctx is
// cancelled. The error is non-nil only when the bridge could not be built.
func (e *Engine) RunSession(ctx context.Context) (transcript.Outcome, error) {
	cfg := e.cfg
	protocol, err := e.registry.BuildProtocol(cfg)
	if err != nil {
		return transcript.Outcome{}, err
	}
	device, err := e.registry.BuildDevice(cfg)
	if err != nil {
		return transcript.Outcome{}, err
	}

	sess, err := session.New(session.Config{
		Protocol:          protocol,
		Session:           cfg.SessionConfig(),
		Endpoint:          cfg.Provider.Endpoint,
		APIKey:            cfg.Provider.APIKey,
		ConnectTimeout:    ms(cfg.Bridge.ConnectTimeoutMS),
		FinalizeTimeout:   ms(cfg.Bridge.FinalizeTimeoutMS),
		KeepAliveInterval: ms(cfg.Bridge.KeepAliveMS),
		Logger:            e.base,
		Observer:          e.asyncObs,
	})
	if err != nil {
		return transcript.Outcome{}, err
	}
	id := sess.ID()

	pushTimeout := ms(cfg.Bridge.PushTimeoutMS)
	if cfg.Bridge.PushTimeoutMS == 0 {
		pushTimeout = -1
	}
	q := queue.New(queue.Config{Capacity: cfg.Bridge.QueueCapacity, PushTimeout: pushTimeout})
	src := capture.NewSource(device, q, capture.Config{
		Format:       cfg.Format(),
		BlockSamples: cfg.BlockSamples(),
		StreamID:     id,
		SessionID:    id,
		Logger:       e.base,
		Observer:     e.asyncObs,
	})
	rt := router.New(protocol, router.Options{
		Interim:   cfg.Session.InterimResults,
		SessionID: id,
		Logger:    e.base,
		Observer:  e.asyncObs,
	})

	sinks, closeSinks, err := e.buildSinks()
	if err != nil {
		return transcript.Outcome{}, err
	}
	defer closeSinks()

	deps := bridge.Deps{Session: sess, Producer: src, Queue: q, Router: rt, Sink: sinks}
	if cfg.Observability.RecordAudio && cfg.Observability.ArtifactsDir != "" {
		rec, err := recorder.Open(RecordingPath(cfg.Observability.ArtifactsDir, id), cfg.Format())
		if err != nil {
			return transcript.Outcome{}, err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				e.logger.Warn("recording_close_failed", slog.String("session_id", id), slog.String("error", err.Error()))
			}
		}()
		deps.Recorder = rec
	}

	ctrl, err := bridge.New(bridge.Config{
		ConnectTimeout: ms(cfg.Bridge.ConnectTimeoutMS),
		GracePeriod:    ms(cfg.Bridge.GracePeriodMS),
		Logger:         e.base,
		Observer:       e.asyncObs,
	}, deps)
	if err != nil {
		return transcript.Outcome{}, err
	}

	e.logger.Info("session_start",
		slog.String("session_id", id),
		slog.String("provider", protocol.Name()),
		slog.String("device", device.Name()))
	out := ctrl.Run(ctx)
	e.logger.Info("session_end",
		slog.String("session_id", id),
		slog.String("status", out.Status.String()),
		slog.String("reason", out.Reason),
		slog.Int64("frames_sent", out.Summary.FramesSent),
		slog.Int64("frames_dropped", out.Summary.FramesDropped))
	return out, nil
}

func (e *Engine) buildSinks() (sink.Multi, func(), error) {
	var out sink.Multi
	var closers []io.Closer
	if e.cfg.Sink.Console {
		out = append(out, sink.NewConsole(e.stdout, e.cfg.Sink.Interim))
	}
	if path := e.cfg.Sink.JSONLPath; path != "" {
		j, err := sink.OpenJSONL(path, e.redactor, e.base)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, j)
		closers = append(closers, j)
	}
	out = append(out, e.sinks...)
	closeAll := func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				e.logger.Warn("sink_close_failed", slog.String("error", err.Error()))
			}
		}
	}
	return out, closeAll, nil
}

// RecordingPath is where the sent audio of a session is written.
func RecordingPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".wav")
}

// Close flushes pending metrics events and closes timeline files.
func (e *Engine) Close() error {
	e.asyncObs.Close()
	if e.timeline != nil {
		if err := e.timeline.Close(); err != nil {
			return fmt.Errorf("close timeline: %w", err)
		}
	}
	return nil
}

// Format reports the capture format the engine was configured with.
func (e *Engine) Format() frames.Format { return e.cfg.Format() }
