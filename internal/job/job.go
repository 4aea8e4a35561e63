// Package job holds one schedulable unit per (account, site) pair: its
// due-time, retry state and lifecycle. A timer heap orders jobs by
// next-due time; the registry applies backoff and disablement rules.
package job

import (
	"time"
)

type State int

const (
	StateIdle State = iota
	StateRunning
	StateCooldownWait
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCooldownWait:
		return "cooldown_wait"
	case StateDisabled:
		return "disabled"
	}
	return "unknown"
}

func parseState(s string) State {
	switch s {
	case "running":
		// A job persisted mid-run is due immediately on restart.
		return StateIdle
	case "cooldown_wait":
		return StateCooldownWait
	case "disabled":
		return StateDisabled
	}
	return StateIdle
}

// Job is one schedulable (account, site) unit. All fields are owned by the
// Registry and mutated only under its lock.
type Job struct {
	Account string
	Site    string

	state               State
	nextDueAt           time.Time
	consecutiveFailures int
	lastSuccessAt       time.Time
	backoff             time.Duration

	// interval overrides the registry default claim interval (0 = default).
	interval time.Duration

	heapIdx int // maintained by timerHeap; -1 while not queued
}

func (j *Job) Key() string { return j.Account + "/" + j.Site }

func (j *Job) State() State                { return j.state }
func (j *Job) NextDueAt() time.Time        { return j.nextDueAt }
func (j *Job) ConsecutiveFailures() int    { return j.consecutiveFailures }
func (j *Job) LastSuccessAt() time.Time    { return j.lastSuccessAt }
func (j *Job) RetryBackoff() time.Duration { return j.backoff }

// Record is the persisted form of a job's schedule position.
type Record struct {
	Account             string    `json:"account"`
	Site                string    `json:"site"`
	State               string    `json:"state"`
	NextDueAt           time.Time `json:"next_due_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	BackoffSeconds      int       `json:"backoff_seconds"`
	SavedAt             time.Time `json:"saved_at"`
}
