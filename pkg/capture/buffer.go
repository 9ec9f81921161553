package capture

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/harunnryd/dengar/pkg/frames"
)

// BufferDevice replays an in-memory PCM buffer. With Realtime set each
// block is released at its playback rate.
type BufferDevice struct {
	name     string
	pcm      []byte
	Realtime bool
}

func NewBufferDevice(name string, pcm []byte, realtime bool) *BufferDevice {
	if name == "" {
		name = "buffer"
	}
	return &BufferDevice{name: name, pcm: pcm, Realtime: realtime}
}

func (d *BufferDevice) Name() string { return d.name }

func (d *BufferDevice) Open(format frames.Format, blockSamples int) (Stream, error) {
	format = format.WithDefaults()
	size := format.BlockBytes(blockSamples)
	if size <= 0 {
		return nil, fmt.Errorf("buffer device: invalid block size %d", blockSamples)
	}
	return NewPacedStream(d.pcm, size, format, d.Realtime), nil
}

// PacedStream splits a byte slice into fixed-size blocks. The final block
// may be short.
type PacedStream struct {
	pcm      []byte
	size     int
	interval time.Duration
	realtime bool

	mu     sync.Mutex
	off    int
	next   time.Time
	closed chan struct{}
	once   sync.Once
}

func NewPacedStream(pcm []byte, blockBytes int, format frames.Format, realtime bool) *PacedStream {
	return &PacedStream{
		pcm:      pcm,
		size:     blockBytes,
		interval: format.Duration(blockBytes),
		realtime: realtime,
		closed:   make(chan struct{}),
	}
}

func (s *PacedStream) ReadBlock() ([]byte, error) {
	select {
	case <-s.closed:
		return nil, ErrStreamClosed
	default:
	}

	s.mu.Lock()
	if s.off >= len(s.pcm) {
		s.mu.Unlock()
		return nil, io.EOF
	}
	end := s.off + s.size
	if end > len(s.pcm) {
		end = len(s.pcm)
	}
	block := s.pcm[s.off:end]
	s.off = end
	wait := time.Duration(0)
	if s.realtime {
		now := time.Now()
		if s.next.IsZero() {
			s.next = now
		}
		wait = s.next.Sub(now)
		s.next = s.next.Add(s.interval)
	}
	s.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.closed:
			return nil, ErrStreamClosed
		}
	}
	return block, nil
}

func (s *PacedStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
