package store

import (
	"time"

	"github.com/nekobot-dev/mangaclaw/pkg/bus"
)

// State is the lifecycle state of a download task.
type State string

const (
	StateQueued     State = "queued"
	StateRunning    State = "running"
	StateConverting State = "converting"
	StateReady      State = "ready"
	StateFailed     State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}

// Task is the record for one content identifier. At most one non-terminal
// task exists per identifier at any time; repeated requests attach to the
// existing record's fan-out list instead of scheduling a second job.
type Task struct {
	ID        string       `json:"id"`
	State     State        `json:"state"`
	Attempt   int          `json:"attempt"`
	Error     string       `json:"error,omitempty"`
	Artifacts []string     `json:"artifacts,omitempty"` // converted PDF paths
	FanOut    []bus.Origin `json:"fan_out,omitempty"`   // reply targets, attachment order
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (t *Task) clone() Task {
	c := *t
	c.Artifacts = append([]string(nil), t.Artifacts...)
	c.FanOut = append([]bus.Origin(nil), t.FanOut...)
	return c
}
