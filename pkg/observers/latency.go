package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/dengar/pkg/metrics"
)

// LatencyObserver tracks, per session, the time from the first uplinked
// frame to the first interim and final transcripts.
type LatencyObserver struct {
	mu       sync.Mutex
	sessions map[string]*latencyTrace
	finished map[string]LatencyReport
	log      *slog.Logger
}

type latencyTrace struct {
	firstSent    time.Time
	firstInterim time.Time
	firstFinal   time.Time
	connectMs    int64
}

// LatencyReport is the summary logged when a session ends.
type LatencyReport struct {
	SessionID    string
	ConnectMs    int64
	FirstInterim int64
	FirstFinal   int64
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		sessions: make(map[string]*latencyTrace),
		finished: make(map[string]LatencyReport),
		log:      log.With("component", "latency"),
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := ev.Tags["session_id"]
	if id == "" {
		return
	}
	o.mu.Lock()
	t := o.sessions[id]
	if t == nil {
		t = &latencyTrace{connectMs: -1}
		o.sessions[id] = t
	}
	switch ev.Name {
	case metrics.EventSessionConnected:
		t.connectMs = int64(ev.Value * 1000)
	case metrics.EventFrameSent:
		if t.firstSent.IsZero() {
			t.firstSent = ev.Time
		}
	case metrics.EventTranscriptInterim:
		if t.firstInterim.IsZero() {
			t.firstInterim = ev.Time
		}
	case metrics.EventTranscriptFinal:
		if t.firstFinal.IsZero() {
			t.firstFinal = ev.Time
		}
	case metrics.EventBridgeOutcome:
		report := reportFor(id, t)
		delete(o.sessions, id)
		o.finished[id] = report
		o.mu.Unlock()
		o.log.Info("latency",
			"session_id", report.SessionID,
			"connect_ms", report.ConnectMs,
			"first_interim_ms", report.FirstInterim,
			"first_final_ms", report.FirstFinal,
		)
		return
	}
	o.mu.Unlock()
}

// Report returns the latency summary of a running or finished session.
func (o *LatencyObserver) Report(sessionID string) (LatencyReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.sessions[sessionID]; ok {
		return reportFor(sessionID, t), true
	}
	r, ok := o.finished[sessionID]
	return r, ok
}

func reportFor(id string, t *latencyTrace) LatencyReport {
	return LatencyReport{
		SessionID:    id,
		ConnectMs:    t.connectMs,
		FirstInterim: durationMs(t.firstSent, t.firstInterim),
		FirstFinal:   durationMs(t.firstSent, t.firstFinal),
	}
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
