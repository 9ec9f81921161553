package transcript

import (
	"fmt"
	"time"
)

// Kind tags a transcript event.
type Kind int

const (
	KindInterim Kind = iota
	KindFinal
	KindProviderError
)

func (k Kind) String() string {
	switch k {
	case KindInterim:
		return "interim"
	case KindFinal:
		return "final"
	case KindProviderError:
		return "provider_error"
	default:
		return "unknown"
	}
}

// Event is one normalized transcription event. Within an utterance zero or
// more interim events precede at most one final event.
type Event struct {
	Kind       Kind
	Text       string
	Confidence float64
	Channel    int
	Message    string
	Seq        uint64
	SessionID  string
	ReceivedAt time.Time
	// Err is set on provider error events that come from an undecodable message.
	Err error
}

func (e Event) IsFinal() bool { return e.Kind == KindFinal }

func (e Event) String() string {
	if e.Kind == KindProviderError {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s[%d]: %s", e.Kind, e.Channel, e.Text)
}
