// Package mock provides a scripted streaming transcription server that
// speaks the Deepgram live format, for tests and local demos.
package mock

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Step is one scripted server message. It is sent once the server has
// received AfterFrames audio frames; zero sends it right after the upgrade.
type Step struct {
	AfterFrames int
	Raw         string
	Transcript  string
	IsFinal     bool
	SpeechFinal bool
	Channel     int
}

type Config struct {
	Steps []Step
	// RejectStatus fails the upgrade with this HTTP status when non-zero.
	RejectStatus int
	// IgnoreFinalize leaves the socket open after CloseStream.
	IgnoreFinalize bool
	// CloseAfterFrames closes the socket from the server side once this many
	// frames arrived. Zero disables it.
	CloseAfterFrames int
	RequestID        string
	Logger           *slog.Logger
}

type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu         sync.Mutex
	frames     [][]byte
	queries    []url.Values
	headers    []http.Header
	keepAlives int
	finalized  bool
	sessions   int
}

func NewServer(cfg Config) *Server {
	if cfg.RequestID == "" {
		cfg.RequestID = "mock-request"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   logger.With("component", "mock.server"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.RejectStatus != 0 {
		http.Error(w, http.StatusText(s.cfg.RejectStatus), s.cfg.RejectStatus)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.queries = append(s.queries, r.URL.Query())
	s.headers = append(s.headers, r.Header.Clone())
	s.sessions++
	s.mu.Unlock()

	next := 0
	count := 0
	flush := func(upTo int) error {
		for next < len(s.cfg.Steps) && s.cfg.Steps[next].AfterFrames <= upTo {
			if err := conn.WriteMessage(websocket.TextMessage, s.render(s.cfg.Steps[next])); err != nil {
				return err
			}
			next++
		}
		return nil
	}
	if err := flush(0); err != nil {
		return
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			count++
			s.mu.Lock()
			s.frames = append(s.frames, append([]byte(nil), data...))
			s.mu.Unlock()
			if err := flush(count); err != nil {
				return
			}
			if s.cfg.CloseAfterFrames > 0 && count >= s.cfg.CloseAfterFrames {
				s.closeNormal(conn)
				return
			}
		case websocket.TextMessage:
			var ctrl struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(data, &ctrl)
			switch ctrl.Type {
			case "KeepAlive":
				s.mu.Lock()
				s.keepAlives++
				s.mu.Unlock()
			case "CloseStream":
				s.mu.Lock()
				s.finalized = true
				s.mu.Unlock()
				if s.cfg.IgnoreFinalize {
					continue
				}
				if err := flush(int(^uint(0) >> 1)); err != nil {
					return
				}
				md, _ := json.Marshal(map[string]any{"type": "Metadata", "request_id": s.cfg.RequestID})
				if err := conn.WriteMessage(websocket.TextMessage, md); err != nil {
					return
				}
				s.closeNormal(conn)
				return
			}
		}
	}
}

func (s *Server) closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	// Wait briefly for the peer's close reply so the close handshake completes.
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) render(step Step) []byte {
	if step.Raw != "" {
		return []byte(step.Raw)
	}
	payload := map[string]any{
		"type":          "Results",
		"channel_index": []int{step.Channel, 1},
		"is_final":      step.IsFinal,
		"speech_final":  step.SpeechFinal,
		"channel": map[string]any{
			"alternatives": []map[string]any{{"transcript": step.Transcript, "confidence": 0.99}},
		},
	}
	b, _ := json.Marshal(payload)
	return b
}

// Frames returns copies of every audio payload received so far.
func (s *Server) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *Server) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *Server) Queries() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.queries...)
}

func (s *Server) Headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}

func (s *Server) KeepAlives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAlives
}

func (s *Server) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// Listen serves on addr and returns the websocket endpoint plus a stop func.
func (s *Server) Listen(addr string) (string, func() error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("mock listen: %w", err)
	}
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("mock server stopped", "error", err)
		}
	}()
	return "ws://" + ln.Addr().String() + "/v1/listen", srv.Close, nil
}

// WSURL turns an http:// test server URL into its ws:// form.
func WSURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}
