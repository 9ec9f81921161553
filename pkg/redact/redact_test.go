package redact

import (
	"strings"
	"testing"

	"github.com/harunnryd/dengar/pkg/transcript"
)

func TestRedactDisabled(t *testing.T) {
	in := "email a@b.com and phone +62 812 3456 7890"
	if got := New(false).Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
	var nilRedactor *Redactor
	if got := nilRedactor.Text(in); got != in {
		t.Fatalf("expected nil redactor to pass through, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	r := New(true)
	got := r.Text("email a@b.com and phone +62 812 3456 7890")
	if want := "[REDACTED_EMAIL]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in %q", want, got)
	}
	if strings.Contains(got, "3456") {
		t.Fatalf("expected phone digits removed, got %q", got)
	}
}

func TestRedactEvent(t *testing.T) {
	ev := New(true).Event(transcript.Event{Kind: transcript.KindFinal, Text: "card 4111 1111 1111 1111 please"})
	if strings.Contains(ev.Text, "4111") {
		t.Fatalf("expected card number removed, got %q", ev.Text)
	}
}
