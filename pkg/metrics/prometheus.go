package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver turns bridge events into Prometheus series.
type PrometheusObserver struct {
	FramesCaptured prometheus.Counter
	FramesSent     prometheus.Counter
	BytesSent      prometheus.Counter
	FramesDropped  prometheus.Counter
	Transcripts    *prometheus.CounterVec
	ProviderErrors prometheus.Counter
	ProtocolErrors prometheus.Counter
	SessionStates  *prometheus.CounterVec
	Outcomes       *prometheus.CounterVec
	ConnectLatency prometheus.Histogram
}

// NewPrometheusObserver registers the series on reg. A nil reg uses the
// default registerer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusObserver{
		FramesCaptured: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dengar",
			Name:      "frames_captured_total",
			Help:      "Audio frames read from the capture device",
		}),
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dengar",
			Name:      "frames_sent_total",
			Help:      "Audio frames written to the transcription session",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dengar",
			Name:      "audio_bytes_sent_total",
			Help:      "Audio payload bytes written to the transcription session",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dengar",
			Name:      "frames_dropped_total",
			Help:      "Audio frames dropped on queue overflow",
		}),
		Transcripts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dengar",
			Name:      "transcripts_total",
			Help:      "Transcript events delivered to the sink",
		}, []string{"kind"}),
		ProviderErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dengar",
			Name:      "provider_errors_total",
			Help:      "Error messages reported by the provider",
		}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dengar",
			Name:      "protocol_errors_total",
			Help:      "Malformed provider messages skipped by the router",
		}),
		SessionStates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dengar",
			Name:      "session_transitions_total",
			Help:      "Streaming session state transitions by target state",
		}, []string{"state"}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dengar",
			Name:      "bridge_outcomes_total",
			Help:      "Terminal bridge outcomes by status",
		}, []string{"status"}),
		ConnectLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dengar",
			Name:      "session_connect_seconds",
			Help:      "Time from dial to open session",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
	}
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	switch ev.Name {
	case EventFrameCaptured:
		p.FramesCaptured.Inc()
	case EventFrameSent:
		p.FramesSent.Inc()
		if ev.Value > 0 {
			p.BytesSent.Add(ev.Value)
		}
	case EventFrameDropped:
		p.FramesDropped.Inc()
	case EventTranscriptInterim:
		p.Transcripts.WithLabelValues("interim").Inc()
	case EventTranscriptFinal:
		p.Transcripts.WithLabelValues("final").Inc()
	case EventProviderError:
		p.ProviderErrors.Inc()
	case EventProtocolError:
		p.ProtocolErrors.Inc()
	case EventSessionState:
		if to := ev.Tags["to"]; to != "" {
			p.SessionStates.WithLabelValues(to).Inc()
		}
	case EventSessionConnected:
		p.ConnectLatency.Observe(ev.Value)
	case EventBridgeOutcome:
		if status := ev.Tags["status"]; status != "" {
			p.Outcomes.WithLabelValues(status).Inc()
		}
	}
}
