package models

import "time"

// Timer session states carried in leader heartbeats.
const (
	TimerRunning = "running"
	TimerPaused  = "paused"
)

// TimerSession is the live countdown state owned by the leader tab and
// adopted verbatim by followers. It is ephemeral; the durable record goes
// through the write queue as an EntityTimerSession operation.
type TimerSession struct {
	ID               string    `json:"id"`
	TaskID           string    `json:"task_id,omitempty"`
	State            string    `json:"state"`
	StartedAt        time.Time `json:"started_at"`
	EndsAt           time.Time `json:"ends_at"`
	RemainingSeconds int       `json:"remaining_seconds"`
}

// LeaderState is the per-tab view of who currently drives the countdown.
// Shared only over the broadcast bus, never persisted.
type LeaderState struct {
	LeaderID      string        `json:"leader_id"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Session       *TimerSession `json:"session,omitempty"`
}
