package transcript

import (
	"fmt"
	"time"
)

// Status is the terminal state of one bridge run.
type Status int

const (
	StatusCompleted Status = iota
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Summary counts what happened during a run. Absorbed errors (overflow drops,
// malformed messages) only show up here.
type Summary struct {
	FramesCaptured  int64
	FramesSent      int64
	FramesDropped   int64
	FramesAbandoned int64
	Events          int64
	ProtocolErrors  int64
	ProviderErrors  int64
}

// Outcome is the single terminal result of a bridge run.
type Outcome struct {
	Status    Status
	Reason    string
	Err       error
	SessionID string
	Duration  time.Duration
	Summary   Summary
}

func (o Outcome) String() string {
	s := fmt.Sprintf("%s sent=%d dropped=%d events=%d protocol_errors=%d",
		o.Status, o.Summary.FramesSent, o.Summary.FramesDropped, o.Summary.Events, o.Summary.ProtocolErrors)
	if o.Status == StatusFailed {
		s += " reason=" + o.Reason
	}
	return s
}
