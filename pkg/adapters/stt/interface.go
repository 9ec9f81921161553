package stt

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/harunnryd/dengar/pkg/errorsx"
)

// Protocol binds the vendor-neutral streaming session to one provider's wire
// format. Implementations are stateless and safe for concurrent use.
type Protocol interface {
	// Name returns the provider name for logging/metrics.
	Name() string
	// Handshake returns the websocket URL and headers that open a session
	// configured by cfg.
	Handshake(endpoint, apiKey string, cfg SessionConfig) (string, http.Header, error)
	// KeepAlive returns the control message that keeps an idle session open,
	// or nil when the provider has none.
	KeepAlive() []byte
	// Finalize returns the control message that signals end of audio.
	Finalize() []byte
	// Decode parses one inbound message. Malformed input returns an error
	// matching ErrMalformed.
	Decode(raw []byte) (Message, error)
}

// ErrMalformed marks an inbound message that is missing required fields or
// cannot be parsed.
var ErrMalformed = errorsx.New(errorsx.ReasonProtocol, "malformed provider message")

// SessionConfig is fixed for the lifetime of one session.
type SessionConfig struct {
	Model          string
	Language       string
	SampleRate     int
	Channels       int
	Encoding       string
	InterimResults bool
	SmartFormat    bool
	Punctuate      bool
	UtteranceEndMS int
}

const (
	EncodingLinear16 = "linear16"
	EncodingMulaw    = "mulaw"
)

func (c SessionConfig) WithDefaults() SessionConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if strings.TrimSpace(c.Encoding) == "" {
		c.Encoding = EncodingLinear16
	}
	return c
}

func (c SessionConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	switch strings.ToLower(strings.TrimSpace(c.Encoding)) {
	case EncodingLinear16, EncodingMulaw:
	default:
		return fmt.Errorf("unsupported encoding %q", c.Encoding)
	}
	if c.UtteranceEndMS < 0 {
		return fmt.Errorf("utterance_end_ms must not be negative")
	}
	return nil
}

// MessageKind classifies a decoded provider message.
type MessageKind int

const (
	MessageUnknown MessageKind = iota
	MessageResult
	MessageError
	MessageMetadata
	MessageSpeechStarted
	MessageUtteranceEnd
)

func (k MessageKind) String() string {
	switch k {
	case MessageResult:
		return "result"
	case MessageError:
		return "error"
	case MessageMetadata:
		return "metadata"
	case MessageSpeechStarted:
		return "speech_started"
	case MessageUtteranceEnd:
		return "utterance_end"
	default:
		return "unknown"
	}
}

// Alternative is one transcription hypothesis, best first.
type Alternative struct {
	Transcript string
	Confidence float64
}

// Message is a provider message in vendor-neutral form.
type Message struct {
	Kind         MessageKind
	Type         string
	Channel      int
	Alternatives []Alternative
	IsFinal      bool
	SpeechFinal  bool
	RequestID    string
	ErrorCode    string
	ErrorMessage string
}
