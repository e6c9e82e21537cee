package task

import "fmt"

// State is the lifecycle state of a task.
type State int32

const (
	// Created tasks have not been submitted yet.
	Created State = iota
	// BlockedOnData tasks wait for their request set to be granted.
	BlockedOnData
	// Ready tasks hold all their data and wait to be pushed.
	Ready
	// Queued tasks sit in a policy queue or are parked in their context.
	Queued
	// Running tasks are executing on a worker.
	Running
	// Done tasks completed; see Status for the outcome.
	Done
	// Cancelled tasks were withdrawn before their data was granted.
	Cancelled

	numStates
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case BlockedOnData:
		return "blocked"
	case Ready:
		return "ready"
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Done:
		return "done"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// transitions lists the allowed edges of the lifecycle.
var transitions = map[State][]State{
	Created:       {BlockedOnData},
	BlockedOnData: {Ready, Cancelled, Done},
	Ready:         {Queued, Done},
	Queued:        {Running, Queued, Done},
	Running:       {Done},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal lifecycle change.
type TransitionError struct {
	Task     string
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.Task, e.From, e.To)
}

// Status is the recorded outcome of a task.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusRunning:
		return "Running"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}
