package stabilize

import (
	"sort"
	"sync"
	"time"
)

// FrameStatus is the live state of one frame in the service
type FrameStatus struct {
	FrameID   string                 `json:"frameId"`
	State     string                 `json:"state"` // running, done, failed, error
	Progress  *StabilizationProgress `json:"progress,omitempty"`
	Score     float64                `json:"score"`
	Error     string                 `json:"error,omitempty"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// Frame states
const (
	FrameRunning = "running"
	FrameDone    = "done"
	FrameFailed  = "failed"
	FrameError   = "error"
)

// StateTracker keeps the latest status per frame for the HTTP API.
// It implements ProgressSink.
type StateTracker struct {
	mu     sync.RWMutex
	frames map[string]*FrameStatus
}

// NewStateTracker creates an empty tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{frames: make(map[string]*FrameStatus)}
}

// Start marks a frame as running
func (st *StateTracker) Start(frameID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.frames[frameID] = &FrameStatus{FrameID: frameID, State: FrameRunning, UpdatedAt: time.Now()}
}

// Report records a progress snapshot
func (st *StateTracker) Report(p StabilizationProgress) {
	st.mu.Lock()
	defer st.mu.Unlock()

	fs, ok := st.frames[p.FrameID]
	if !ok {
		fs = &FrameStatus{FrameID: p.FrameID, State: FrameRunning}
		st.frames[p.FrameID] = fs
	}
	snapshot := p
	fs.Progress = &snapshot
	fs.Score = p.Score
	fs.UpdatedAt = time.Now()
}

// Complete records the outcome of a run
func (st *StateTracker) Complete(result *StabilizationResult) {
	st.mu.Lock()
	defer st.mu.Unlock()

	state := FrameDone
	if result.Failed {
		state = FrameFailed
	}
	fs, ok := st.frames[result.FrameID]
	if !ok {
		fs = &FrameStatus{FrameID: result.FrameID}
		st.frames[result.FrameID] = fs
	}
	fs.State = state
	fs.Score = result.FinalScore.Value
	fs.Error = ""
	fs.UpdatedAt = time.Now()
}

// Fail records a run that returned an error
func (st *StateTracker) Fail(frameID string, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	fs, ok := st.frames[frameID]
	if !ok {
		fs = &FrameStatus{FrameID: frameID}
		st.frames[frameID] = fs
	}
	fs.State = FrameError
	fs.Error = err.Error()
	fs.UpdatedAt = time.Now()
}

// Get returns a copy of one frame's status
func (st *StateTracker) Get(frameID string) (FrameStatus, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	fs, ok := st.frames[frameID]
	if !ok {
		return FrameStatus{}, false
	}
	return copyStatus(fs), true
}

// All returns copies of every frame status ordered by frame id
func (st *StateTracker) All() []FrameStatus {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]FrameStatus, 0, len(st.frames))
	for _, fs := range st.frames {
		out = append(out, copyStatus(fs))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FrameID < out[j].FrameID })
	return out
}

// Counts tallies frames per state
func (st *StateTracker) Counts() map[string]int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	counts := make(map[string]int)
	for _, fs := range st.frames {
		counts[fs.State]++
	}
	return counts
}

func copyStatus(fs *FrameStatus) FrameStatus {
	c := *fs
	if fs.Progress != nil {
		p := *fs.Progress
		c.Progress = &p
	}
	return c
}
