package frames

import (
	"sync"
	"time"
)

// Format describes interleaved PCM sample layout.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
	DefaultBitDepth   = 16
)

// DefaultFormat is 16 kHz mono linear PCM, 16 bits per sample.
func DefaultFormat() Format {
	return Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels, BitDepth: DefaultBitDepth}
}

func (f Format) WithDefaults() Format {
	if f.SampleRate <= 0 {
		f.SampleRate = DefaultSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = DefaultChannels
	}
	if f.BitDepth <= 0 {
		f.BitDepth = DefaultBitDepth
	}
	return f
}

// BytesPerFrame is the size of one sample across all channels.
func (f Format) BytesPerFrame() int {
	return f.Channels * (f.BitDepth / 8)
}

// BlockBytes returns the byte size of a block holding samples per channel.
func (f Format) BlockBytes(samples int) int {
	return samples * f.BytesPerFrame()
}

// SamplesFor returns the per-channel sample count covering d.
func (f Format) SamplesFor(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// Duration returns the playback length of n bytes.
func (f Format) Duration(n int) time.Duration {
	bpf := f.BytesPerFrame()
	if bpf <= 0 || f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n/bpf) * int64(time.Second) / int64(f.SampleRate))
}

// AudioFrame is one captured block of samples. Frames are immutable once built;
// Data and Meta hand out copies.
type AudioFrame struct {
	seq        uint64
	capturedAt time.Time
	data       []byte
	format     Format
	meta       map[string]string
	pooled     bool
}

func NewAudioFrame(streamID string, seq uint64, capturedAt time.Time, data []byte, format Format, meta map[string]string) AudioFrame {
	return AudioFrame{
		seq:        seq,
		capturedAt: capturedAt,
		data:       data,
		format:     format,
		meta:       mergeMeta(streamID, meta),
	}
}

// NewAudioFrameFromPool copies data into a pooled buffer. Release it with
// ReleaseAudioFrame once the payload has been written out.
func NewAudioFrameFromPool(streamID string, seq uint64, capturedAt time.Time, data []byte, format Format, meta map[string]string) AudioFrame {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{
		seq:        seq,
		capturedAt: capturedAt,
		data:       buf,
		format:     format,
		meta:       mergeMeta(streamID, meta),
		pooled:     true,
	}
}

func (a AudioFrame) Seq() uint64             { return a.seq }
func (a AudioFrame) CapturedAt() time.Time   { return a.capturedAt }
func (a AudioFrame) Format() Format          { return a.format }
func (a AudioFrame) Rate() int               { return a.format.SampleRate }
func (a AudioFrame) Channels() int           { return a.format.Channels }
func (a AudioFrame) Len() int                { return len(a.data) }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Duration() time.Duration { return a.format.Duration(len(a.data)) }
func (a AudioFrame) StreamID() string        { return a.meta[MetaStreamID] }

// ReleaseAudioFrame returns a pooled payload to the pool. It reports whether
// anything was released.
func ReleaseAudioFrame(f AudioFrame) bool {
	if f.pooled {
		ReleaseAudioBuf(f.data)
		return true
	}
	return false
}

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

func mergeMeta(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 1+len(meta))
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
