package sync

import (
	"time"

	"github.com/schaermu/composesyncd/internal/git"
)

// Phase is the lifecycle state of the controller
type Phase int

const (
	// Idle accepts pushes and runs
	Idle Phase = iota
	// LockedSettling holds the lock while waiting for the settle delay
	LockedSettling
	// Synthesizing is applying stacks
	Synthesizing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case LockedSettling:
		return "settling"
	case Synthesizing:
		return "synthesizing"
	default:
		return "unknown"
	}
}

// Trigger names what started a run
type Trigger string

const (
	TriggerPush   Trigger = "push"
	TriggerDrift  Trigger = "drift"
	TriggerManual Trigger = "manual"
	TriggerAPI    Trigger = "api"
)

// RefUpdate is one ref update command of a push.
type RefUpdate struct {
	Old string
	New string
	Ref string
}

// Push describes an incoming push before it is applied to the repository.
type Push struct {
	Repo    string
	Updates []RefUpdate
}

// Run is the outcome of one synthesis cycle.
type Run struct {
	Trigger Trigger
	// Changes are the actionable stack changes, in apply order
	Changes   []git.Change
	Succeeded []string
	// Failed is the descriptor path of the stack that failed
	Failed        string
	FailedContent string
	Output        string
	Err           error
	Reverted      *git.CommitInfo
	RevertErr     error
	Started       time.Time
	Finished      time.Time
}

// NoOp reports whether the run had nothing to apply
func (r *Run) NoOp() bool {
	return r.Err == nil && len(r.Changes) == 0
}
