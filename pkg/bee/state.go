package bee

// State is a bee's lifecycle state.
type State string

const (
	StateCreated      State = "created"       // constructed, nothing on disk yet
	StateFilesWritten State = "files_written" // config and state files materialized
	StateStarted      State = "started"       // process launched, health unknown
	StateHealthy      State = "healthy"       // last probe answered
	StateUnhealthy    State = "unhealthy"     // last probe failed
	StateStopping     State = "stopping"      // kill in progress
	StateStopped      State = "stopped"       // process exit observed
	StateFailed       State = "failed"        // unrecoverable error, see Outcome
)

var transitions = map[State][]State{
	StateCreated:      {StateFilesWritten, StateFailed},
	StateFilesWritten: {StateFilesWritten, StateStarted, StateFailed},
	StateStarted:      {StateHealthy, StateUnhealthy, StateStopping, StateStopped, StateFailed},
	StateHealthy:      {StateUnhealthy, StateStopping, StateStopped, StateFailed},
	StateUnhealthy:    {StateHealthy, StateStopping, StateStopped, StateFailed},
	StateStopping:     {StateStopped, StateFailed},
	StateStopped:      {},
	// a kill that timed out keeps the process handle so Kill can be retried
	StateFailed: {StateStopping, StateStopped},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsActive reports whether a process is supposed to be running in s.
func (s State) IsActive() bool {
	switch s {
	case StateStarted, StateHealthy, StateUnhealthy:
		return true
	default:
		return false
	}
}

// Outcome tells terminal and near-terminal situations apart so tooling can
// react differently to each.
type Outcome string

const (
	OutcomeNone               Outcome = "none"
	OutcomeNeverStarted       Outcome = "never_started"
	OutcomeUnhealthy          Outcome = "unhealthy"
	OutcomeExitedUnexpectedly Outcome = "exited_unexpectedly"
	OutcomeKilled             Outcome = "killed"
	OutcomeKillTimedOut       Outcome = "kill_timed_out"
)
