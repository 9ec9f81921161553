package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/metrics"
	"github.com/harunnryd/dengar/pkg/queue"
)

var testFormat = frames.Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

func pcm(blocks, blockSamples int) []byte {
	size := testFormat.BlockBytes(blockSamples)
	out := make([]byte, blocks*size)
	for i := 0; i < blocks; i++ {
		out[i*size] = byte(i)
	}
	return out
}

type failingDevice struct {
	openErr   error
	failAfter int
}

func (d *failingDevice) Name() string { return "failing" }

func (d *failingDevice) Open(format frames.Format, blockSamples int) (Stream, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	return &failingStream{left: d.failAfter, size: format.BlockBytes(blockSamples)}, nil
}

type failingStream struct {
	left int
	size int
}

func (s *failingStream) ReadBlock() ([]byte, error) {
	if s.left == 0 {
		return nil, errors.New("device unplugged")
	}
	s.left--
	return make([]byte, s.size), nil
}

func (s *failingStream) Close() error { return nil }

type blockingDevice struct {
	closed atomic.Bool
}

func (d *blockingDevice) Name() string { return "blocking" }

func (d *blockingDevice) Open(frames.Format, int) (Stream, error) {
	return &blockingStream{dev: d, done: make(chan struct{})}, nil
}

type blockingStream struct {
	dev  *blockingDevice
	done chan struct{}
	once sync.Once
}

func (s *blockingStream) ReadBlock() ([]byte, error) {
	<-s.done
	return nil, ErrStreamClosed
}

func (s *blockingStream) Close() error {
	s.once.Do(func() {
		s.dev.closed.Store(true)
		close(s.done)
	})
	return nil
}

func TestSourceCapturesInOrder(t *testing.T) {
	q := queue.New(queue.Config{Capacity: 32})
	src := NewSource(NewBufferDevice("buf", pcm(10, 160), false), q, Config{Format: testFormat, BlockSamples: 160, StreamID: "s"})

	if err := src.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !q.Closed() {
		t.Fatalf("expected queue closed after capture ended")
	}
	for i := 1; i <= 10; i++ {
		f, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if f.Seq() != uint64(i) || f.Len() != 320 || f.RawPayload()[0] != byte(i-1) {
			t.Fatalf("frame %d out of order: seq=%d first=%d", i, f.Seq(), f.RawPayload()[0])
		}
		if f.StreamID() != "s" || f.Meta()[frames.MetaDevice] != "buf" {
			t.Fatalf("unexpected meta %v", f.Meta())
		}
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, queue.ErrQueueClosed) {
		t.Fatalf("expected closed queue, got %v", err)
	}
	if src.Captured() != 10 || src.Dropped() != 0 {
		t.Fatalf("unexpected counters captured=%d dropped=%d", src.Captured(), src.Dropped())
	}
}

func TestSourceReportsEachOverflow(t *testing.T) {
	q := queue.New(queue.Config{Capacity: 2, PushTimeout: time.Millisecond})
	obs := metrics.NewMemoryObserver()
	var hooks atomic.Int64
	src := NewSource(NewBufferDevice("buf", pcm(10, 160), false), q, Config{
		Format:       testFormat,
		BlockSamples: 160,
		Observer:     obs,
		OnDrop: func(f frames.AudioFrame, err error) {
			if errorsx.KindOf(err) != errorsx.KindQueueOverflow {
				t.Errorf("unexpected drop error %v", err)
			}
			hooks.Add(1)
		},
	})

	if err := src.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if src.Dropped() != 8 || hooks.Load() != 8 || obs.Count(metrics.EventFrameDropped) != 8 {
		t.Fatalf("expected 8 drops, got counter=%d hooks=%d metrics=%d", src.Dropped(), hooks.Load(), obs.Count(metrics.EventFrameDropped))
	}
	if q.Stats().Dropped != 8 {
		t.Fatalf("queue stats disagree: %+v", q.Stats())
	}
	for want := uint64(1); want <= 2; want++ {
		f, err := q.Pop(context.Background())
		if err != nil || f.Seq() != want {
			t.Fatalf("expected seq %d, got %d err=%v", want, f.Seq(), err)
		}
	}
}

func TestSourceDeviceOpenFailure(t *testing.T) {
	q := queue.New(queue.Config{})
	src := NewSource(&failingDevice{openErr: errors.New("no device")}, q, Config{})
	err := src.Run(context.Background())
	if errorsx.KindOf(err) != errorsx.KindDevice {
		t.Fatalf("expected device error, got %v", err)
	}
	if !q.Closed() {
		t.Fatalf("expected queue closed")
	}
}

func TestSourceDeviceReadFailure(t *testing.T) {
	q := queue.New(queue.Config{Capacity: 16})
	src := NewSource(&failingDevice{failAfter: 3}, q, Config{})
	err := src.Run(context.Background())
	if !errorsx.HasReason(err, errorsx.ReasonDevice) || !errorsx.IsFatal(err) {
		t.Fatalf("expected fatal device error, got %v", err)
	}
	if q.Len() != 3 || !q.Closed() {
		t.Fatalf("expected 3 queued frames and closed queue, got len=%d closed=%v", q.Len(), q.Closed())
	}
}

func TestSourceCancellation(t *testing.T) {
	q := queue.New(queue.Config{})
	dev := &blockingDevice{}
	src := NewSource(dev, q, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if errorsx.KindOf(err) != errorsx.KindCancellation || errorsx.IsFatal(err) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("capture did not stop on cancel")
	}
	if !dev.closed.Load() || !q.Closed() {
		t.Fatalf("expected stream and queue closed")
	}
}

func TestPacedStreamRealtime(t *testing.T) {
	// 4 blocks of 10ms each.
	stream := NewPacedStream(pcm(4, 160), 320, testFormat, true)
	start := time.Now()
	for i := 0; i < 4; i++ {
		if _, err := stream.ReadBlock(); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("expected paced reads, took %s", elapsed)
	}
	_ = stream.Close()
	if _, err := stream.ReadBlock(); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected closed stream, got %v", err)
	}
}
