// Package wavfile replays a PCM16 WAV file as a capture device.
package wavfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/harunnryd/dengar/pkg/capture"
	"github.com/harunnryd/dengar/pkg/frames"
)

type Device struct {
	path     string
	realtime bool
}

// New returns a device reading path. With realtime set blocks are released
// at playback rate, like a live microphone.
func New(path string, realtime bool) *Device {
	return &Device{path: path, realtime: realtime}
}

func (d *Device) Name() string { return "wav:" + d.path }

func (d *Device) Open(format frames.Format, blockSamples int) (capture.Stream, error) {
	format = format.WithDefaults()
	if blockSamples <= 0 {
		return nil, fmt.Errorf("wavfile: invalid block size %d", blockSamples)
	}
	f, err := os.Open(d.path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: %w", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		_ = f.Close()
		return nil, errors.New("wavfile: invalid wav file")
	}
	if int(dec.SampleRate) != format.SampleRate || int(dec.NumChans) != format.Channels {
		_ = f.Close()
		return nil, fmt.Errorf("wavfile: file is %d Hz/%d ch, session expects %d Hz/%d ch",
			dec.SampleRate, dec.NumChans, format.SampleRate, format.Channels)
	}
	if dec.BitDepth != 16 {
		_ = f.Close()
		return nil, fmt.Errorf("wavfile: unsupported bit depth %d", dec.BitDepth)
	}

	return &stream{
		file:     f,
		dec:      dec,
		format:   format,
		interval: format.Duration(format.BlockBytes(blockSamples)),
		realtime: d.realtime,
		buf: &audio.IntBuffer{
			Data:           make([]int, blockSamples*format.Channels),
			Format:         &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			SourceBitDepth: 16,
		},
		closed: make(chan struct{}),
	}, nil
}

type stream struct {
	file     *os.File
	dec      *wav.Decoder
	format   frames.Format
	buf      *audio.IntBuffer
	interval time.Duration
	realtime bool
	next     time.Time

	closed chan struct{}
	once   sync.Once
}

// ReadBlock is called from a single goroutine.
func (s *stream) ReadBlock() ([]byte, error) {
	select {
	case <-s.closed:
		return nil, capture.ErrStreamClosed
	default:
	}

	if s.realtime {
		now := time.Now()
		if s.next.IsZero() {
			s.next = now
		}
		if wait := s.next.Sub(now); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-s.closed:
				timer.Stop()
				return nil, capture.ErrStreamClosed
			}
		}
		s.next = s.next.Add(s.interval)
	}

	n, err := s.dec.PCMBuffer(s.buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		select {
		case <-s.closed:
			return nil, capture.ErrStreamClosed
		default:
		}
		return nil, fmt.Errorf("wavfile: decode: %w", err)
	}

	out := make([]byte, n*2)
	for i, v := range s.buf.Data[:n] {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out, nil
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.file.Close()
	})
	return err
}
