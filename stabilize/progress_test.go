package stabilize

import (
	"testing"
	"time"
)

func TestProgress_Fraction(t *testing.T) {
	tests := []struct {
		cur, max int
		want     float64
	}{
		{0, 11, 0},
		{2, 4, 0.5},
		{5, 4, 1},
		{1, 0, 1},
	}
	for _, tt := range tests {
		p := StabilizationProgress{CurrentPass: tt.cur, MaxPasses: tt.max}
		assertNear(t, "Fraction", p.Fraction(), tt.want, 1e-12)
	}
}

func TestMultiSink(t *testing.T) {
	a, b := &progressRecorder{}, &progressRecorder{}
	sink := MultiSink(a, nil, b)
	sink.Report(StabilizationProgress{FrameID: "f1", CurrentPass: 1})

	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Errorf("events = %d, %d", len(a.Events()), len(b.Events()))
	}
	if _, ok := MultiSink(nil, a).(*progressRecorder); !ok {
		t.Error("a single live sink should be returned as is")
	}
	// no sinks at all must still be safe to call
	MultiSink().Report(StabilizationProgress{})
}

func TestAsyncSink_DeliversInOrder(t *testing.T) {
	rec := &progressRecorder{}
	sink := NewAsyncSink(rec, 16)
	for i := 1; i <= 10; i++ {
		sink.Report(StabilizationProgress{FrameID: "f", CurrentPass: i})
	}
	sink.Close()

	events := rec.Events()
	if len(events) != 10 {
		t.Fatalf("delivered %d, want 10", len(events))
	}
	for i, e := range events {
		if e.CurrentPass != i+1 {
			t.Errorf("event %d pass = %d", i, e.CurrentPass)
		}
	}
	if sink.Dropped() != 0 {
		t.Errorf("Dropped = %d", sink.Dropped())
	}
	sink.Close() // idempotent
}

func TestAsyncSink_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	blocked := ProgressFunc(func(StabilizationProgress) { <-release })
	sink := NewAsyncSink(blocked, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			sink.Report(StabilizationProgress{CurrentPass: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Report blocked on a slow consumer")
	}
	if sink.Dropped() == 0 {
		t.Error("expected dropped snapshots")
	}
	close(release)
	sink.Close()
}
