package sink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/harunnryd/dengar/pkg/redact"
	"github.com/harunnryd/dengar/pkg/transcript"
)

func TestConsoleFormatsEvents(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	c := NewConsole(&buf, true)
	c.OnEvent(transcript.Event{Kind: transcript.KindInterim, Text: "Hel"})
	c.OnEvent(transcript.Event{Kind: transcript.KindInterim, Text: "Hello wor"})
	c.OnEvent(transcript.Event{Kind: transcript.KindFinal, Text: "Hello world"})
	c.OnTerminal(transcript.Outcome{Status: transcript.StatusCompleted})

	out := buf.String()
	want := "\r\x1b[KInterim: Hel\r\x1b[KInterim: Hello wor\r\x1b[KFinal: Hello world\n"
	if !strings.HasPrefix(out, want) {
		t.Fatalf("expected interims redrawn in place, got %q", out)
	}
	if strings.Count(out, "\n") != 2 {
		t.Fatalf("only the final and outcome lines should end with a newline, got %q", out)
	}
	if !strings.Contains(out, "Session completed") {
		t.Fatalf("expected outcome line, got %q", out)
	}
}

func TestConsoleHidesInterim(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	NewConsole(&buf, false).OnEvent(transcript.Event{Kind: transcript.KindInterim, Text: "Hel"})
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
}

func TestJSONLWritesRedactedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "s.jsonl")
	s, err := OpenJSONL(path, redact.New(true), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.OnEvent(transcript.Event{Kind: transcript.KindFinal, Text: "write to a@b.com", SessionID: "s", Seq: 1})
	s.OnTerminal(transcript.Outcome{Status: transcript.StatusFailed, Reason: "connect", Err: errors.New("refused"), SessionID: "s"})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer f.Close()
	var records []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("bad line: %v", err)
		}
		records = append(records, rec)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0]["kind"] != "final" || strings.Contains(records[0]["text"].(string), "a@b.com") {
		t.Fatalf("unexpected event record %v", records[0])
	}
	if records[1]["kind"] != "outcome" || records[1]["status"] != "failed" || records[1]["reason"] != "connect" {
		t.Fatalf("unexpected outcome record %v", records[1])
	}
}

func TestMultiFansOut(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	m := Multi{a, nil, b}
	m.OnEvent(transcript.Event{Kind: transcript.KindFinal, Text: "x"})
	m.OnTerminal(transcript.Outcome{})
	if len(a.Events()) != 1 || len(b.Outcomes()) != 1 {
		t.Fatalf("expected fan-out to every sink")
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("expected memory sink done")
	}
}
