// Package session owns one streaming websocket connection to a transcription
// provider: connect, upstream audio, inbound messages, finalize and close.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/dengar/pkg/adapters/stt"
	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/metrics"
)

var (
	ErrNotOpen        = errorsx.New(errorsx.ReasonNotOpen, "session not open")
	ErrDrainTimeout   = errorsx.New(errorsx.ReasonDrainTimeout, "provider did not close after finalize")
	ErrProviderClosed = errorsx.New(errorsx.ReasonTransport, "provider closed session unexpectedly")
	ErrAlreadyStarted = errors.New("session already started")
)

const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultFinalizeTimeout = 3 * time.Second
	DefaultWriteTimeout    = 2 * time.Second
	DefaultMessageBuffer   = 64
)

type Config struct {
	Protocol          stt.Protocol
	Session           stt.SessionConfig
	Endpoint          string
	APIKey            string
	ConnectTimeout    time.Duration
	FinalizeTimeout   time.Duration
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration
	MessageBuffer     int
	Dialer            *websocket.Dialer
	Logger            *slog.Logger
	Observer          metrics.Observer
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = DefaultFinalizeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MessageBuffer <= 0 {
		c.MessageBuffer = DefaultMessageBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Session = c.Session.WithDefaults()
	return c
}

// Message is one raw inbound provider message.
type Message struct {
	Data       []byte
	ReceivedAt time.Time
}

// Session is safe for concurrent use: one uplink goroutine may Send while the
// downlink consumes Messages and another goroutine calls Finalize or Close.
type Session struct {
	cfg    Config
	id     string
	logger *slog.Logger

	mu            sync.RWMutex
	state         State
	err           error
	listeners     []StateListener
	conn          *websocket.Conn
	readerStarted bool

	// writeMu serializes data and text frames on conn.
	writeMu sync.Mutex

	messages chan Message
	ready    chan struct{}
	done     chan struct{}
	closing  chan struct{}

	readyOnce    sync.Once
	doneOnce     sync.Once
	closeOnce    sync.Once
	messagesOnce sync.Once
}

func New(cfg Config) (*Session, error) {
	if cfg.Protocol == nil {
		return nil, errors.New("session: protocol is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Session.Validate(); err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	id := uuid.NewString()
	return &Session{
		cfg:      cfg,
		id:       id,
		logger:   cfg.Logger.With("component", "session", "session_id", id, "provider", cfg.Protocol.Name()),
		state:    StateIdle,
		messages: make(chan Message, cfg.MessageBuffer),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the error that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Ready is closed once the session reaches Open.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done is closed once the session reaches Closed or Failed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Messages yields inbound provider messages in arrival order. The channel is
// closed after the last message has been delivered.
func (s *Session) Messages() <-chan Message { return s.messages }

func (s *Session) AddListener(l StateListener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Connect dials the provider and blocks until the session is Open or the
// attempt failed. The attempt is bounded by ConnectTimeout and aborted by
// ctx or Close.
func (s *Session) Connect(ctx context.Context) error {
	if !s.setState(StateConnecting, "connect", nil) {
		return ErrAlreadyStarted
	}
	started := time.Now()

	url, header, err := s.cfg.Protocol.Handshake(s.cfg.Endpoint, s.cfg.APIKey, s.cfg.Session)
	if err != nil {
		return s.failConnect(fmt.Errorf("handshake: %w", err))
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-stop:
		}
	}()

	dialer := s.cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: s.cfg.ConnectTimeout}
	}
	conn, resp, err := dialer.DialContext(dialCtx, url, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial %s: status %d: %w", s.cfg.Protocol.Name(), resp.StatusCode, err)
		} else {
			err = fmt.Errorf("dial %s: %w", s.cfg.Protocol.Name(), err)
		}
		return s.failConnect(err)
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrNotOpen
	}
	s.conn = conn
	s.readerStarted = true
	ev, listeners, _ := s.transitionLocked(StateOpen, "connected", nil)
	s.mu.Unlock()
	s.after(ev, listeners)

	metrics.Record(s.cfg.Observer, metrics.MetricsEvent{
		Name:  metrics.EventSessionConnected,
		Value: time.Since(started).Seconds(),
		Tags:  map[string]string{"provider": s.cfg.Protocol.Name(), "session_id": s.id},
	})
	s.logger.Info("session open", "latency_ms", time.Since(started).Milliseconds())

	go s.readLoop(conn)
	if s.cfg.KeepAliveInterval > 0 && len(s.cfg.Protocol.KeepAlive()) > 0 {
		go s.keepAliveLoop(conn)
	}
	return nil
}

func (s *Session) failConnect(err error) error {
	err = errorsx.Wrap(err, errorsx.ReasonConnect)
	s.setState(StateFailed, "connect failed", err)
	s.closeMessages()
	s.logger.Warn("session connect failed", "error", err)
	return err
}

// Send writes one audio frame as a binary message. It fails with ErrNotOpen
// unless the session is Open; a write failure moves the session to Failed.
func (s *Session) Send(frame frames.AudioFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	state, conn := s.state, s.conn
	s.mu.RUnlock()
	if state != StateOpen {
		return ErrNotOpen
	}

	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame.RawPayload()); err != nil {
		err = errorsx.Wrap(fmt.Errorf("send audio: %w", err), errorsx.ReasonTransport)
		s.abort(err, "send failed")
		return err
	}
	return nil
}

// Finalize signals end of audio and waits, bounded by FinalizeTimeout and
// ctx, for the provider to flush results and close. No audio is accepted
// once Finalize has begun.
func (s *Session) Finalize(ctx context.Context) error {
	s.writeMu.Lock()
	s.mu.Lock()
	if s.state != StateOpen {
		state := s.state
		s.mu.Unlock()
		s.writeMu.Unlock()
		switch {
		case state == StateFinalizing:
			return s.awaitDone(ctx)
		case state.Terminal():
			return s.Err()
		default:
			return ErrNotOpen
		}
	}
	conn := s.conn
	ev, listeners, _ := s.transitionLocked(StateFinalizing, "finalize", nil)
	s.mu.Unlock()
	s.after(ev, listeners)

	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	err := conn.WriteMessage(websocket.TextMessage, s.cfg.Protocol.Finalize())
	s.writeMu.Unlock()
	if err != nil {
		err = errorsx.Wrap(fmt.Errorf("send finalize: %w", err), errorsx.ReasonTransport)
		s.abort(err, "finalize failed")
		return err
	}
	return s.awaitDone(ctx)
}

func (s *Session) awaitDone(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.FinalizeTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return s.Err()
	case <-timer.C:
	case <-ctx.Done():
	}
	s.abort(ErrDrainTimeout, "finalize timed out")
	<-s.done
	return s.Err()
}

// Close releases the connection. It is idempotent and safe to call in any
// state; a session that is not yet terminal ends Closed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)

		s.mu.Lock()
		conn, started := s.conn, s.readerStarted
		var (
			ev        StateChange
			listeners []StateListener
			ok        bool
		)
		if !s.state.Terminal() {
			ev, listeners, ok = s.transitionLocked(StateClosed, "closed locally", nil)
		}
		s.mu.Unlock()
		if ok {
			s.after(ev, listeners)
		}

		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = conn.Close()
		}
		if !started {
			s.closeMessages()
		}
	})
	return nil
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.closeMessages()
	defer conn.Close()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		select {
		case s.messages <- Message{Data: data, ReceivedAt: time.Now()}:
		case <-s.closing:
			return
		}
	}
}

func (s *Session) handleReadError(err error) {
	select {
	case <-s.closing:
		return
	default:
	}
	state := s.State()
	switch {
	case state.Terminal():
	case websocket.IsCloseError(err, websocket.CloseNormalClosure) && state == StateFinalizing:
		s.setState(StateClosed, "provider closed after finalize", nil)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		s.setState(StateFailed, "provider closed", ErrProviderClosed)
	default:
		s.setState(StateFailed, "read failed", errorsx.Wrap(fmt.Errorf("read: %w", err), errorsx.ReasonTransport))
	}
}

func (s *Session) keepAliveLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			if s.State() == StateOpen {
				_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, s.cfg.Protocol.KeepAlive()); err != nil {
					s.logger.Debug("keepalive failed", "error", err)
				}
			}
			s.writeMu.Unlock()
		}
	}
}

// abort moves the session to Failed and tears down the connection.
func (s *Session) abort(err error, reason string) {
	s.setState(StateFailed, reason, err)
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) closeMessages() {
	s.messagesOnce.Do(func() { close(s.messages) })
}

func (s *Session) setState(to State, reason string, cause error) bool {
	s.mu.Lock()
	ev, listeners, ok := s.transitionLocked(to, reason, cause)
	s.mu.Unlock()
	if ok {
		s.after(ev, listeners)
	}
	return ok
}

// transitionLocked must be called with mu held.
func (s *Session) transitionLocked(to State, reason string, cause error) (StateChange, []StateListener, bool) {
	from := s.state
	if !transitionValid(from, to) {
		return StateChange{}, nil, false
	}
	s.state = to
	if to == StateFailed && s.err == nil {
		s.err = cause
	}
	listeners := make([]StateListener, len(s.listeners))
	copy(listeners, s.listeners)
	return StateChange{
		SessionID: s.id,
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
		Err:       cause,
	}, listeners, true
}

func (s *Session) after(ev StateChange, listeners []StateListener) {
	switch {
	case ev.To == StateOpen:
		s.readyOnce.Do(func() { close(s.ready) })
	case ev.To.Terminal():
		s.doneOnce.Do(func() { close(s.done) })
	}
	if ev.Err != nil {
		s.logger.Warn("session state", "from", ev.From.String(), "to", ev.To.String(), "reason", ev.Reason, "error", ev.Err)
	} else {
		s.logger.Debug("session state", "from", ev.From.String(), "to", ev.To.String(), "reason", ev.Reason)
	}
	metrics.Record(s.cfg.Observer, metrics.MetricsEvent{
		Name: metrics.EventSessionState,
		Tags: map[string]string{"from": ev.From.String(), "to": ev.To.String(), "session_id": s.id},
	})
	for _, l := range listeners {
		l.OnStateChange(ev)
	}
}
