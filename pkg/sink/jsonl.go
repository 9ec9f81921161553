package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harunnryd/dengar/pkg/redact"
	"github.com/harunnryd/dengar/pkg/transcript"
)

// JSONL appends one JSON record per event and one for the outcome.
type JSONL struct {
	mu       sync.Mutex
	w        io.Writer
	closer   io.Closer
	redactor *redact.Redactor
	logger   *slog.Logger
}

type jsonlRecord struct {
	Time       time.Time `json:"time"`
	Kind       string    `json:"kind"`
	SessionID  string    `json:"session_id,omitempty"`
	Seq        uint64    `json:"seq,omitempty"`
	Channel    int       `json:"channel,omitempty"`
	Text       string    `json:"text,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Message    string    `json:"message,omitempty"`
	Status     string    `json:"status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`

	Summary *transcript.Summary `json:"summary,omitempty"`
}

// OpenJSONL appends to path, creating its directory.
func OpenJSONL(path string, redactor *redact.Redactor, logger *slog.Logger) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("jsonl sink: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("jsonl sink: %w", err)
	}
	s := NewJSONL(f, redactor, logger)
	s.closer = f
	return s, nil
}

func NewJSONL(w io.Writer, redactor *redact.Redactor, logger *slog.Logger) *JSONL {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONL{w: w, redactor: redactor, logger: logger.With("component", "sink.jsonl")}
}

func (s *JSONL) OnEvent(ev transcript.Event) {
	ev = s.redactor.Event(ev)
	at := ev.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	s.write(jsonlRecord{
		Time:       at.UTC(),
		Kind:       ev.Kind.String(),
		SessionID:  ev.SessionID,
		Seq:        ev.Seq,
		Channel:    ev.Channel,
		Text:       ev.Text,
		Confidence: ev.Confidence,
		Message:    ev.Message,
	})
}

func (s *JSONL) OnTerminal(out transcript.Outcome) {
	summary := out.Summary
	rec := jsonlRecord{
		Time:       time.Now().UTC(),
		Kind:       "outcome",
		SessionID:  out.SessionID,
		Status:     out.Status.String(),
		Reason:     out.Reason,
		DurationMs: out.Duration.Milliseconds(),
		Summary:    &summary,
	}
	if out.Err != nil {
		rec.Message = s.redactor.Text(out.Err.Error())
	}
	s.write(rec)
}

func (s *JSONL) write(rec jsonlRecord) {
	line, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("jsonl_marshal_failed", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		s.logger.Warn("jsonl_write_failed", "error", err)
	}
}

func (s *JSONL) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
