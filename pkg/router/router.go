// Package router turns raw provider messages into transcript events.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harunnryd/dengar/pkg/adapters/stt"
	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/metrics"
	"github.com/harunnryd/dengar/pkg/session"
	"github.com/harunnryd/dengar/pkg/transcript"
)

type Options struct {
	// Interim enables interim events. Finals are always emitted.
	Interim   bool
	Buffer    int
	SessionID string
	Logger    *slog.Logger
	Observer  metrics.Observer
}

// Router is single-consumer: Run must be called at most once.
type Router struct {
	protocol stt.Protocol
	opts     Options
	logger   *slog.Logger

	seq            atomic.Uint64
	events         atomic.Int64
	protocolErrors atomic.Int64
	providerErrors atomic.Int64
}

func New(protocol stt.Protocol, opts Options) *Router {
	if opts.Buffer <= 0 {
		opts.Buffer = 32
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		protocol: protocol,
		opts:     opts,
		logger:   logger.With("component", "router"),
	}
}

// Run routes messages from in until it closes or ctx ends. The returned
// channel preserves input order and is closed when routing stops.
func (r *Router) Run(ctx context.Context, in <-chan session.Message) <-chan transcript.Event {
	out := make(chan transcript.Event, r.opts.Buffer)
	go func() {
		defer close(out)
		for {
			var (
				msg session.Message
				ok  bool
			)
			select {
			case <-ctx.Done():
				return
			case msg, ok = <-in:
				if !ok {
					return
				}
			}
			ev, emit := r.Route(msg)
			if !emit {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Route maps one raw message to at most one event.
func (r *Router) Route(msg session.Message) (transcript.Event, bool) {
	received := msg.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}

	decoded, err := r.protocol.Decode(msg.Data)
	if err != nil {
		r.protocolErrors.Add(1)
		err = errorsx.Wrap(err, errorsx.ReasonProtocol)
		r.logger.Warn("protocol_error", "error", err, "bytes", len(msg.Data))
		metrics.Record(r.opts.Observer, metrics.MetricsEvent{
			Name: metrics.EventProtocolError,
			Tags: r.tags(nil),
		})
		return r.stamp(transcript.Event{
			Kind:       transcript.KindProviderError,
			Message:    err.Error(),
			ReceivedAt: received,
			Err:        err,
		}), true
	}

	switch decoded.Kind {
	case stt.MessageResult:
		return r.routeResult(decoded, received)
	case stt.MessageError:
		r.providerErrors.Add(1)
		text := strings.TrimSpace(decoded.ErrorMessage)
		if decoded.ErrorCode != "" {
			text = decoded.ErrorCode + ": " + text
		}
		r.logger.Warn("provider_error", "code", decoded.ErrorCode, "message", decoded.ErrorMessage)
		metrics.Record(r.opts.Observer, metrics.MetricsEvent{
			Name: metrics.EventProviderError,
			Tags: r.tags(map[string]string{"code": decoded.ErrorCode}),
		})
		return r.stamp(transcript.Event{
			Kind:       transcript.KindProviderError,
			Message:    text,
			ReceivedAt: received,
		}), true
	default:
		r.logger.Debug("provider_signal", "kind", decoded.Kind.String(), "type", decoded.Type, "request_id", decoded.RequestID)
		metrics.Record(r.opts.Observer, metrics.MetricsEvent{
			Name: metrics.EventProviderSignal,
			Tags: r.tags(map[string]string{"kind": decoded.Kind.String()}),
		})
		return transcript.Event{}, false
	}
}

func (r *Router) routeResult(msg stt.Message, received time.Time) (transcript.Event, bool) {
	if len(msg.Alternatives) == 0 {
		return transcript.Event{}, false
	}
	best := msg.Alternatives[0]
	text := strings.TrimSpace(best.Transcript)
	if text == "" {
		return transcript.Event{}, false
	}
	kind := transcript.KindInterim
	name := metrics.EventTranscriptInterim
	if msg.IsFinal || msg.SpeechFinal {
		kind = transcript.KindFinal
		name = metrics.EventTranscriptFinal
	}
	if kind == transcript.KindInterim && !r.opts.Interim {
		return transcript.Event{}, false
	}
	metrics.Record(r.opts.Observer, metrics.MetricsEvent{
		Name:  name,
		Value: float64(len(text)),
		Tags:  r.tags(map[string]string{"kind": kind.String()}),
	})
	return r.stamp(transcript.Event{
		Kind:       kind,
		Text:       text,
		Confidence: best.Confidence,
		Channel:    msg.Channel,
		ReceivedAt: received,
	}), true
}

func (r *Router) stamp(ev transcript.Event) transcript.Event {
	ev.Seq = r.seq.Add(1)
	ev.SessionID = r.opts.SessionID
	r.events.Add(1)
	return ev
}

func (r *Router) tags(extra map[string]string) map[string]string {
	tags := map[string]string{"provider": r.protocol.Name()}
	if r.opts.SessionID != "" {
		tags["session_id"] = r.opts.SessionID
	}
	for k, v := range extra {
		tags[k] = v
	}
	return tags
}

// Events counts emitted events.
func (r *Router) Events() int64 { return r.events.Load() }

// ProtocolErrors counts messages that failed to decode.
func (r *Router) ProtocolErrors() int64 { return r.protocolErrors.Load() }

// ProviderErrors counts error messages sent by the provider.
func (r *Router) ProviderErrors() int64 { return r.providerErrors.Load() }
