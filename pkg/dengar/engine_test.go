package dengar

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/harunnryd/dengar/pkg/observers"
	"github.com/harunnryd/dengar/pkg/providers/mock"
	"github.com/harunnryd/dengar/pkg/sink"
	"github.com/harunnryd/dengar/pkg/transcript"
)

func writeTone(t *testing.T, dir string, samples int) string {
	t.Helper()
	path := filepath.Join(dir, "in.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	data := make([]int, samples)
	for i := range data {
		data[i] = (i % 200) - 100
	}
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	buf := &audio.IntBuffer{Data: data, Format: &audio.Format{NumChannels: 1, SampleRate: 16000}, SourceBitDepth: 16}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func testConfig(t *testing.T, endpoint string) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Provider.Endpoint = endpoint
	cfg.Provider.APIKey = "test-key"
	cfg.Audio.WAVPath = writeTone(t, dir, 1600)
	cfg.Audio.BlockMS = 10
	cfg.Audio.Realtime = false
	cfg.Sink.JSONLPath = filepath.Join(dir, "out", "transcript.jsonl")
	cfg.Observability.ArtifactsDir = filepath.Join(dir, "artifacts")
	cfg.Observability.RecordAudio = true
	return cfg
}

func TestEngineRunsSessionEndToEnd(t *testing.T) {
	srv := mock.NewServer(mock.Config{Steps: []mock.Step{
		{AfterFrames: 3, Transcript: "hello"},
		{AfterFrames: 8, Transcript: "hello world", IsFinal: true, SpeechFinal: true},
	}})
	hs := httptest.NewServer(srv)
	defer hs.Close()

	cfg := testConfig(t, mock.WSURL(hs.URL))
	mem := sink.NewMemory()
	var stdout bytes.Buffer
	engine, err := NewEngine(EngineOptions{Config: cfg, Sinks: []sink.Sink{mem}, Stdout: &stdout})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	out, err := engine.RunSession(context.Background())
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("close engine: %v", err)
	}

	if out.Status != transcript.StatusCompleted {
		t.Fatalf("expected completed, got %s (%v)", out.Status, out.Err)
	}
	if out.Summary.FramesSent != 10 || out.Summary.FramesDropped != 0 {
		t.Fatalf("unexpected summary %+v", out.Summary)
	}
	if srv.FrameCount() != 10 || !srv.Finalized() {
		t.Fatalf("expected 10 frames and a finalize at the provider, got %d %v", srv.FrameCount(), srv.Finalized())
	}
	if got := srv.Headers()[0].Get("Authorization"); got != "Token test-key" {
		t.Fatalf("unexpected auth header %q", got)
	}

	events := mem.Events()
	if len(events) != 2 || events[0].Kind != transcript.KindInterim || events[1].Kind != transcript.KindFinal {
		t.Fatalf("expected interim then final, got %+v", events)
	}
	if events[1].SessionID != out.SessionID {
		t.Fatalf("event session %q != outcome session %q", events[1].SessionID, out.SessionID)
	}
	if !strings.Contains(stdout.String(), "hello world") {
		t.Fatalf("console output missing final text: %q", stdout.String())
	}

	jsonl, err := os.ReadFile(cfg.Sink.JSONLPath)
	if err != nil || !strings.Contains(string(jsonl), `"text":"hello world"`) {
		t.Fatalf("jsonl missing final record: %v %s", err, jsonl)
	}
	if _, err := os.Stat(RecordingPath(cfg.Observability.ArtifactsDir, out.SessionID)); err != nil {
		t.Fatalf("expected recording: %v", err)
	}
	if _, err := os.Stat(observers.TimelinePath(cfg.Observability.ArtifactsDir, out.SessionID)); err != nil {
		t.Fatalf("expected timeline: %v", err)
	}
	if _, ok := engine.Latency(out.SessionID); !ok {
		t.Fatalf("expected latency report")
	}
}

func TestEngineReportsConnectFailure(t *testing.T) {
	srv := mock.NewServer(mock.Config{RejectStatus: 401})
	hs := httptest.NewServer(srv)
	defer hs.Close()

	cfg := testConfig(t, mock.WSURL(hs.URL))
	cfg.Sink.Console = false
	engine, err := NewEngine(EngineOptions{Config: cfg})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer engine.Close()

	out, err := engine.RunSession(context.Background())
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if out.Status != transcript.StatusFailed || out.Reason != "connect" {
		t.Fatalf("expected connect failure, got %s %q", out.Status, out.Reason)
	}
	if out.Summary.FramesSent != 0 {
		t.Fatalf("expected nothing sent, got %d", out.Summary.FramesSent)
	}
}

func TestEngineBuildErrors(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := NewEngine(EngineOptions{Config: cfg}); err == nil {
		t.Fatalf("expected invalid config error")
	}
	cfg.Audio.WAVPath = "in.wav"
	cfg.Provider.Name = "unknown"
	engine, err := NewEngine(EngineOptions{Config: cfg})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer engine.Close()
	if _, err := engine.RunSession(context.Background()); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestEngineRetriesConnectFailures(t *testing.T) {
	srv := mock.NewServer(mock.Config{RejectStatus: 503})
	var attempts atomic.Int32
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		srv.ServeHTTP(w, r)
	}))
	defer hs.Close()

	cfg := testConfig(t, mock.WSURL(hs.URL))
	cfg.Sink.Console = false
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BackoffMS = 1
	engine, err := NewEngine(EngineOptions{Config: cfg})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer engine.Close()

	out, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != transcript.StatusFailed || out.Reason != "connect" {
		t.Fatalf("expected final connect failure, got %s %q", out.Status, out.Reason)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 connect attempts, got %d", got)
	}
}

func TestEngineCancelDuringRetryBackoff(t *testing.T) {
	srv := mock.NewServer(mock.Config{RejectStatus: 503})
	var attempts atomic.Int32
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		srv.ServeHTTP(w, r)
	}))
	defer hs.Close()

	cfg := testConfig(t, mock.WSURL(hs.URL))
	cfg.Sink.Console = false
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BackoffMS = 5000
	engine, err := NewEngine(EngineOptions{Config: cfg})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for attempts.Load() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	out, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != transcript.StatusCancelled || out.Reason != "" || out.Err != nil {
		t.Fatalf("expected cancelled outcome, got %s %q %v", out.Status, out.Reason, out.Err)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected a single attempt before cancel, got %d", got)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("cancel did not interrupt the backoff")
	}
}
