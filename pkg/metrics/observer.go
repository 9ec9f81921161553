package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Event names emitted by the bridge components.
const (
	EventFrameCaptured     = "frame_captured"
	EventFrameDropped      = "frame_dropped"
	EventFrameSent         = "frame_sent"
	EventSessionState      = "session_state"
	EventSessionConnected  = "session_connected"
	EventTranscriptInterim = "transcript_interim"
	EventTranscriptFinal   = "transcript_final"
	EventProviderError     = "provider_error"
	EventProtocolError     = "protocol_error"
	EventProviderSignal    = "provider_signal"
	EventBridgeOutcome     = "bridge_outcome"
)

// Record stamps ev with the current time when unset and forwards it to obs.
// A nil observer is ignored.
func Record(obs Observer, ev MetricsEvent) {
	if obs == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	obs.RecordEvent(ev)
}
