// Package sink delivers transcript events and the run outcome to consumers.
package sink

import (
	"sync"

	"github.com/harunnryd/dengar/pkg/transcript"
)

// Sink receives events in provider order from a single goroutine, then
// exactly one OnTerminal call.
type Sink interface {
	OnEvent(ev transcript.Event)
	OnTerminal(out transcript.Outcome)
}

type Multi []Sink

func (m Multi) OnEvent(ev transcript.Event) {
	for _, s := range m {
		if s != nil {
			s.OnEvent(ev)
		}
	}
}

func (m Multi) OnTerminal(out transcript.Outcome) {
	for _, s := range m {
		if s != nil {
			s.OnTerminal(out)
		}
	}
}

// Memory keeps everything it receives. Safe for concurrent reads.
type Memory struct {
	mu       sync.Mutex
	events   []transcript.Event
	outcomes []transcript.Outcome
	done     chan struct{}
	once     sync.Once
}

func NewMemory() *Memory {
	return &Memory{done: make(chan struct{})}
}

func (m *Memory) OnEvent(ev transcript.Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

func (m *Memory) OnTerminal(out transcript.Outcome) {
	m.mu.Lock()
	m.outcomes = append(m.outcomes, out)
	m.mu.Unlock()
	m.once.Do(func() { close(m.done) })
}

func (m *Memory) Events() []transcript.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transcript.Event(nil), m.events...)
}

func (m *Memory) Outcomes() []transcript.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transcript.Outcome(nil), m.outcomes...)
}

// Done is closed after the first OnTerminal.
func (m *Memory) Done() <-chan struct{} { return m.done }
