package stabilize

import (
	"log"
	"sync"
	"sync/atomic"
)

// StabilizationProgress is the snapshot emitted after every pass
type StabilizationProgress struct {
	FrameID     string      `json:"frameId"`
	ContentType ContentType `json:"contentType"`
	CurrentPass int         `json:"currentPass"`
	MaxPasses   int         `json:"maxPasses"`
	Stage       Stage       `json:"stage"`
	Score       float64     `json:"score"`
	Mode        Mode        `json:"mode"`
	Accepted    bool        `json:"accepted"`
}

// Fraction is the share of the pass budget used so far
func (p StabilizationProgress) Fraction() float64 {
	if p.MaxPasses <= 0 {
		return 1
	}
	f := float64(p.CurrentPass) / float64(p.MaxPasses)
	if f > 1 {
		return 1
	}
	return f
}

// ProgressSink receives progress snapshots. Report must not block.
type ProgressSink interface {
	Report(p StabilizationProgress)
}

// ProgressFunc adapts a function to ProgressSink
type ProgressFunc func(StabilizationProgress)

func (f ProgressFunc) Report(p StabilizationProgress) { f(p) }

type discardSink struct{}

func (discardSink) Report(StabilizationProgress) {}

// MultiSink fans a snapshot out to every non-nil sink
func MultiSink(sinks ...ProgressSink) ProgressSink {
	var live []ProgressSink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	switch len(live) {
	case 0:
		return discardSink{}
	case 1:
		return live[0]
	}
	return multiSink(live)
}

type multiSink []ProgressSink

func (m multiSink) Report(p StabilizationProgress) {
	for _, s := range m {
		s.Report(p)
	}
}

// AsyncSink delivers snapshots to a wrapped sink from its own goroutine.
// When the buffer is full the snapshot is dropped.
type AsyncSink struct {
	next    ProgressSink
	ch      chan StabilizationProgress
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewAsyncSink starts the delivery goroutine. Close stops it.
func NewAsyncSink(next ProgressSink, buffer int) *AsyncSink {
	if buffer < 1 {
		buffer = 1
	}
	s := &AsyncSink{
		next: next,
		ch:   make(chan StabilizationProgress, buffer),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for p := range s.ch {
		s.next.Report(p)
	}
}

func (s *AsyncSink) Report(p StabilizationProgress) {
	select {
	case s.ch <- p:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("[STAB] Progress buffer full, dropped %d snapshot(s)", n)
		}
	}
}

// Dropped is the number of snapshots discarded on overflow
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

// Close drains buffered snapshots and waits for delivery to finish.
// Report must not be called after Close.
func (s *AsyncSink) Close() {
	s.once.Do(func() { close(s.ch) })
	<-s.done
}
