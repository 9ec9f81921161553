package frames

import (
	"testing"
	"time"
)

func TestFormatBlockMath(t *testing.T) {
	f := DefaultFormat()
	samples := f.SamplesFor(100 * time.Millisecond)
	if samples != 1600 {
		t.Fatalf("expected 1600 samples per 100ms, got %d", samples)
	}
	if f.BlockBytes(samples) != 3200 {
		t.Fatalf("expected 3200 bytes per block, got %d", f.BlockBytes(samples))
	}
	if d := f.Duration(32000); d != time.Second {
		t.Fatalf("expected 1s for 32000 bytes, got %s", d)
	}
}

func TestAudioFrameIsImmutable(t *testing.T) {
	src := []byte{1, 2, 3, 4}
	f := NewAudioFrameFromPool("s1", 7, time.Now(), src, DefaultFormat(), map[string]string{MetaDevice: "mic"})
	src[0] = 9
	if f.RawPayload()[0] != 1 {
		t.Fatalf("pooled frame must copy its payload")
	}
	data := f.Data()
	data[1] = 9
	if f.RawPayload()[1] != 2 {
		t.Fatalf("Data must return a copy")
	}
	meta := f.Meta()
	meta[MetaDevice] = "other"
	if f.Meta()[MetaDevice] != "mic" {
		t.Fatalf("Meta must return a copy")
	}
	if f.Seq() != 7 || f.StreamID() != "s1" {
		t.Fatalf("unexpected seq/stream: %d %q", f.Seq(), f.StreamID())
	}
	if !ReleaseAudioFrame(f) {
		t.Fatalf("expected pooled frame to be released")
	}
}
