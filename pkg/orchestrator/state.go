package orchestrator

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// State is the lifecycle state of a worker process.
type State int32

// Lifecycle states in order.
const (
	Idle State = iota
	Initializing
	QueuesReady
	WorkersRunning
	ShuttingDown
	Terminated
)

var stateNames = [...]string{
	Idle:           "idle",
	Initializing:   "initializing",
	QueuesReady:    "queues_ready",
	WorkersRunning: "workers_running",
	ShuttingDown:   "shutting_down",
	Terminated:     "terminated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// ErrIllegalTransition is returned when a lifecycle step runs out of order.
var ErrIllegalTransition = errors.New("illegal state transition")

func (o *Orchestrator) transition(from, to State) error {
	if !o.state.CAS(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s -> %s (state is %s)", ErrIllegalTransition, from, to, o.State())
	}
	o.Log.Info("Worker state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	return nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}
