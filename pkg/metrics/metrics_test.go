package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusObserverCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewPrometheusObserver(reg)

	Record(obs, MetricsEvent{Name: EventFrameSent, Value: 3200})
	Record(obs, MetricsEvent{Name: EventFrameSent, Value: 3200})
	Record(obs, MetricsEvent{Name: EventFrameDropped})
	Record(obs, MetricsEvent{Name: EventTranscriptFinal})
	Record(obs, MetricsEvent{Name: EventBridgeOutcome, Tags: map[string]string{"status": "completed"}})

	if got := testutil.ToFloat64(obs.FramesSent); got != 2 {
		t.Fatalf("expected 2 frames sent, got %v", got)
	}
	if got := testutil.ToFloat64(obs.BytesSent); got != 6400 {
		t.Fatalf("expected 6400 bytes, got %v", got)
	}
	if got := testutil.ToFloat64(obs.FramesDropped); got != 1 {
		t.Fatalf("expected 1 drop, got %v", got)
	}
	if got := testutil.ToFloat64(obs.Transcripts.WithLabelValues("final")); got != 1 {
		t.Fatalf("expected 1 final transcript, got %v", got)
	}
	if got := testutil.ToFloat64(obs.Outcomes.WithLabelValues("completed")); got != 1 {
		t.Fatalf("expected 1 completed outcome, got %v", got)
	}
}

func TestAsyncObserverDeliversBeforeClose(t *testing.T) {
	mem := NewMemoryObserver()
	async := NewAsyncObserver(mem, 16)
	for i := 0; i < 10; i++ {
		async.RecordEvent(MetricsEvent{Name: EventFrameSent})
	}
	async.Close()
	if got := mem.Count(EventFrameSent); got != 10 {
		t.Fatalf("expected 10 events delivered, got %d", got)
	}
	async.RecordEvent(MetricsEvent{Name: EventFrameSent})
	if got := mem.Count(EventFrameSent); got != 10 {
		t.Fatalf("expected no delivery after close, got %d", got)
	}
}

func TestAsyncObserverConcurrentCloseDoesNotPanic(t *testing.T) {
	async := NewAsyncObserver(NoopObserver{}, 4)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				async.RecordEvent(MetricsEvent{Name: EventFrameSent})
			}
		}()
	}
	async.Close()
	wg.Wait()
}

func TestSamplingObserverOnlySamplesListedNames(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.25, EventFrameSent)
	for i := 0; i < 8; i++ {
		s.RecordEvent(MetricsEvent{Name: EventFrameSent})
		s.RecordEvent(MetricsEvent{Name: EventTranscriptFinal})
	}
	if got := mem.Count(EventFrameSent); got != 2 {
		t.Fatalf("expected 2 sampled frame events, got %d", got)
	}
	if got := mem.Count(EventTranscriptFinal); got != 8 {
		t.Fatalf("expected all transcript events, got %d", got)
	}
}
