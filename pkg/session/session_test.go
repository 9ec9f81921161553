package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/providers/deepgram"
	"github.com/harunnryd/dengar/pkg/providers/mock"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) OnStateChange(ev StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, ev.To)
}

func (r *stateRecorder) Snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func newTestSession(t *testing.T, endpoint string, tweak func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		Protocol:        deepgram.New(),
		Endpoint:        endpoint,
		APIKey:          "test-key",
		ConnectTimeout:  2 * time.Second,
		FinalizeTimeout: 500 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testFrame(seq uint64) frames.AudioFrame {
	return frames.NewAudioFrame("test", seq, time.Now(), make([]byte, 320), frames.DefaultFormat(), nil)
}

func drain(ch <-chan Message) [][]byte {
	var out [][]byte
	for msg := range ch {
		out = append(out, msg.Data)
	}
	return out
}

func TestSessionSendAndFinalize(t *testing.T) {
	srv := mock.NewServer(mock.Config{Steps: []mock.Step{
		{AfterFrames: 2, Transcript: "hello", IsFinal: true},
	}})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	rec := &stateRecorder{}
	s := newTestSession(t, mock.WSURL(ts.URL), nil)
	s.AddListener(rec)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case <-s.Ready():
	default:
		t.Fatalf("expected ready after connect")
	}

	got := make(chan [][]byte, 1)
	go func() { got <- drain(s.Messages()) }()

	for i := 0; i < 3; i++ {
		if err := s.Send(testFrame(uint64(i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := s.Finalize(context.Background()); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	if err := s.Send(testFrame(9)); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen after finalize, got %v", err)
	}

	msgs := <-got
	if len(msgs) != 2 {
		t.Fatalf("expected transcript and metadata, got %d messages", len(msgs))
	}
	var first struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(msgs[0], &first)
	if first.Type != "Results" {
		t.Fatalf("expected results first, got %s", first.Type)
	}
	if srv.FrameCount() != 3 || !srv.Finalized() {
		t.Fatalf("server saw %d frames finalized=%v", srv.FrameCount(), srv.Finalized())
	}
	if q := srv.Queries()[0]; q.Get("sample_rate") != "16000" || q.Get("encoding") != "linear16" {
		t.Fatalf("unexpected query %v", q)
	}

	states := rec.Snapshot()
	want := []State{StateConnecting, StateOpen, StateFinalizing, StateClosed}
	if len(states) != len(want) {
		t.Fatalf("unexpected transitions %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], states[i])
		}
	}
}

func TestSessionConnectRejected(t *testing.T) {
	srv := mock.NewServer(mock.Config{RejectStatus: http.StatusUnauthorized})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s := newTestSession(t, mock.WSURL(ts.URL), nil)
	err := s.Connect(context.Background())
	if err == nil {
		t.Fatalf("expected connect error")
	}
	if errorsx.KindOf(err) != errorsx.KindConnection {
		t.Fatalf("expected connection error, got %s (%v)", errorsx.KindOf(err), err)
	}
	if s.State() != StateFailed {
		t.Fatalf("expected failed, got %s", s.State())
	}
	if _, ok := <-s.Messages(); ok {
		t.Fatalf("expected messages channel closed")
	}
	if err := s.Send(testFrame(0)); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestSessionConnectUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	endpoint := mock.WSURL(ts.URL)
	ts.Close()

	s := newTestSession(t, endpoint, nil)
	if err := s.Connect(context.Background()); !errorsx.HasReason(err, errorsx.ReasonConnect) {
		t.Fatalf("expected connect reason, got %v", err)
	}
}

func TestSessionFinalizeTimeout(t *testing.T) {
	srv := mock.NewServer(mock.Config{IgnoreFinalize: true})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s := newTestSession(t, mock.WSURL(ts.URL), func(c *Config) {
		c.FinalizeTimeout = 100 * time.Millisecond
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	go drain(s.Messages())

	start := time.Now()
	err := s.Finalize(context.Background())
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("finalize not bounded: %s", elapsed)
	}
	if s.State() != StateFailed {
		t.Fatalf("expected failed, got %s", s.State())
	}
}

func TestSessionProviderCloseFails(t *testing.T) {
	srv := mock.NewServer(mock.Config{CloseAfterFrames: 1})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s := newTestSession(t, mock.WSURL(ts.URL), nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	go drain(s.Messages())
	if err := s.Send(testFrame(0)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not end after provider close")
	}
	if s.State() != StateFailed || !errors.Is(s.Err(), ErrProviderClosed) {
		t.Fatalf("expected failed with provider close, got %s %v", s.State(), s.Err())
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	srv := mock.NewServer(mock.Config{})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s := newTestSession(t, mock.WSURL(ts.URL), nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = s.Close()
	_ = s.Close()
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	drain(s.Messages())
	if err := s.Connect(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestSessionCloseBeforeConnect(t *testing.T) {
	s := newTestSession(t, "ws://127.0.0.1:1/v1/listen", nil)
	_ = s.Close()
	select {
	case <-s.Done():
	default:
		t.Fatalf("expected done after close")
	}
	if _, ok := <-s.Messages(); ok {
		t.Fatalf("expected messages closed")
	}
}

func TestSessionKeepAlive(t *testing.T) {
	srv := mock.NewServer(mock.Config{})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s := newTestSession(t, mock.WSURL(ts.URL), func(c *Config) {
		c.KeepAliveInterval = 20 * time.Millisecond
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for srv.KeepAlives() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.KeepAlives() == 0 {
		t.Fatalf("expected keepalive messages")
	}
}

func TestTransitionTable(t *testing.T) {
	if transitionValid(StateClosed, StateOpen) || transitionValid(StateFailed, StateClosed) {
		t.Fatalf("terminal states must not transition")
	}
	if !transitionValid(StateOpen, StateFinalizing) || transitionValid(StateFinalizing, StateOpen) {
		t.Fatalf("unexpected finalizing transitions")
	}
}
