// Package redact masks personal data in transcript artifacts.
package redact

import (
	"regexp"
	"strings"

	"github.com/harunnryd/dengar/pkg/transcript"
)

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	cardRe  = regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
)

// Redactor is safe for concurrent use. A nil Redactor passes text through.
type Redactor struct {
	enabled bool
}

func New(enabled bool) *Redactor {
	return &Redactor{enabled: enabled}
}

func (r *Redactor) Enabled() bool {
	return r != nil && r.enabled
}

// Text redacts emails, card numbers and phone numbers when enabled.
func (r *Redactor) Text(in string) string {
	if !r.Enabled() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = cardRe.ReplaceAllString(out, "[REDACTED_CARD]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Event returns ev with its text fields redacted.
func (r *Redactor) Event(ev transcript.Event) transcript.Event {
	if !r.Enabled() {
		return ev
	}
	ev.Text = r.Text(ev.Text)
	ev.Message = r.Text(ev.Message)
	return ev
}
