// Package progress tracks what the running pipeline phase is doing so the
// status server can report it without touching pipeline state.
package progress

import (
	"sync"
	"time"
)

// Phase names one pipeline stage.
type Phase string

// Pipeline phases.
const (
	PhaseIdle      Phase = "idle"
	PhaseCrawl     Phase = "crawl"
	PhaseImages    Phase = "images"
	PhaseSecondary Phase = "secondary"
	PhaseLengths   Phase = "lengths"
	PhaseExport    Phase = "export"
)

// Counters accumulate per-phase work.
type Counters struct {
	Titles     int `json:"titles"`
	Records    int `json:"records"`
	Resolved   int `json:"resolved"`
	Downloaded int `json:"downloaded"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Snapshot is a point-in-time copy of the tracker.
type Snapshot struct {
	RunID     string    `json:"runId,omitempty"`
	Phase     Phase     `json:"phase"`
	Step      string    `json:"step,omitempty"`
	Counters  Counters  `json:"counters"`
	Done      bool      `json:"done"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Tracker is safe for concurrent use. A nil *Tracker ignores every call.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker returns an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{snap: Snapshot{Phase: PhaseIdle}, now: time.Now}
}

// Start resets the tracker for a new phase.
func (t *Tracker) Start(phase Phase, runID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now().UTC()
	t.snap = Snapshot{RunID: runID, Phase: phase, StartedAt: now, UpdatedAt: now}
}

// Step records the current sub-step, e.g. a category or a resolution pass.
func (t *Tracker) Step(step string) {
	t.update(func(s *Snapshot) { s.Step = step })
}

// Add applies delta to the counters.
func (t *Tracker) Add(delta Counters) {
	t.update(func(s *Snapshot) {
		s.Counters.Titles += delta.Titles
		s.Counters.Records += delta.Records
		s.Counters.Resolved += delta.Resolved
		s.Counters.Downloaded += delta.Downloaded
		s.Counters.Failed += delta.Failed
		s.Counters.Skipped += delta.Skipped
	})
}

// Finish marks the phase complete, recording err when it failed.
func (t *Tracker) Finish(err error) {
	t.update(func(s *Snapshot) {
		s.Done = true
		if err != nil {
			s.Error = err.Error()
		}
	})
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{Phase: PhaseIdle}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

func (t *Tracker) update(fn func(*Snapshot)) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.snap)
	t.snap.UpdatedAt = t.now().UTC()
}
