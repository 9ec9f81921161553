// Package recorder writes the audio actually sent upstream to a WAV file.
package recorder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/harunnryd/dengar/pkg/frames"
)

var ErrClosed = errors.New("recorder closed")

type Recorder struct {
	path   string
	format frames.Format

	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	buf    *audio.IntBuffer
	frames int64
	closed bool
}

// Open creates path (and its directory) for 16-bit PCM in format.
func Open(path string, format frames.Format) (*Recorder, error) {
	format = format.WithDefaults()
	if format.BitDepth != 16 {
		return nil, fmt.Errorf("recorder: unsupported bit depth %d", format.BitDepth)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	return &Recorder{
		path:   path,
		format: format,
		file:   f,
		enc:    wav.NewEncoder(f, format.SampleRate, format.BitDepth, format.Channels, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			SourceBitDepth: format.BitDepth,
		},
	}, nil
}

func (r *Recorder) Path() string { return r.path }

// Write appends the frame payload. Frames in a different format are rejected.
func (r *Recorder) Write(f frames.AudioFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if ff := f.Format(); ff.SampleRate != r.format.SampleRate || ff.Channels != r.format.Channels {
		return fmt.Errorf("recorder: frame format %d Hz/%d ch does not match %d Hz/%d ch",
			ff.SampleRate, ff.Channels, r.format.SampleRate, r.format.Channels)
	}
	payload := f.RawPayload()
	n := len(payload) / 2
	if cap(r.buf.Data) < n {
		r.buf.Data = make([]int, n)
	}
	r.buf.Data = r.buf.Data[:n]
	for i := 0; i < n; i++ {
		r.buf.Data[i] = int(int16(binary.LittleEndian.Uint16(payload[i*2:])))
	}
	if err := r.enc.Write(r.buf); err != nil {
		return fmt.Errorf("recorder: write: %w", err)
	}
	r.frames++
	return nil
}

// Frames counts frames written.
func (r *Recorder) Frames() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Close finalizes the WAV header. It is idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return errors.Join(r.enc.Close(), r.file.Close())
}
