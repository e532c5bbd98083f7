// Package fsm defines the provisioning state machine: which verbs are
// legal from which states, where they lead, and how background work
// advances or fails a transient state.
package fsm

import (
	"github.com/metalgrid/conductor/internal/model"
)

// Transition is the outcome of applying a verb: the state the node
// flips to immediately and the stable state the operation is driving
// toward. Target is empty for transitions that are terminal themselves
// (abort).
type Transition struct {
	To     string
	Target string
}

// verbTable maps current state -> verb -> transition. Anything absent
// is illegal and yields an InvalidStateError.
var verbTable = map[string]map[string]Transition{
	model.Enroll: {
		model.VerbManage: {To: model.Verifying, Target: model.Manageable},
	},
	model.Manageable: {
		model.VerbProvide: {To: model.Cleaning, Target: model.Available},
		model.VerbClean:   {To: model.Cleaning, Target: model.Manageable},
		model.VerbInspect: {To: model.Inspecting, Target: model.Manageable},
		model.VerbAdopt:   {To: model.Adopting, Target: model.Active},
	},
	model.Available: {
		model.VerbActive: {To: model.Deploying, Target: model.Active},
	},
	model.Active: {
		model.VerbRebuild: {To: model.Deploying, Target: model.Active},
		model.VerbDeleted: {To: model.Deleting, Target: model.Available},
	},
	model.DeployFail: {
		model.VerbActive:  {To: model.Deploying, Target: model.Active},
		model.VerbRebuild: {To: model.Deploying, Target: model.Active},
		model.VerbDeleted: {To: model.Deleting, Target: model.Available},
	},
	model.DeployWait: {
		model.VerbAbort:   {To: model.DeployFail},
		model.VerbDeleted: {To: model.Deleting, Target: model.Available},
	},
	model.CleanWait: {
		model.VerbAbort: {To: model.CleanFailed},
	},
	model.CleanFailed: {
		model.VerbManage: {To: model.Verifying, Target: model.Manageable},
	},
	model.InspectFail: {
		model.VerbManage:  {To: model.Verifying, Target: model.Manageable},
		model.VerbInspect: {To: model.Inspecting, Target: model.Manageable},
	},
	model.AdoptFail: {
		model.VerbManage: {To: model.Verifying, Target: model.Manageable},
		model.VerbAdopt:  {To: model.Adopting, Target: model.Active},
	},
	model.Error: {
		model.VerbRebuild: {To: model.Deploying, Target: model.Active},
		model.VerbDeleted: {To: model.Deleting, Target: model.Available},
	},
}

// waitTable maps an executing transient state to its parked wait state,
// entered when a step hands control to an out-of-band agent.
var waitTable = map[string]string{
	model.Deploying: model.DeployWait,
	model.Cleaning:  model.CleanWait,
}

// resumeTable is the inverse of waitTable.
var resumeTable = map[string]string{
	model.DeployWait: model.Deploying,
	model.CleanWait:  model.Cleaning,
}

// failTable maps a transient state to the state recording its failure.
var failTable = map[string]string{
	model.Verifying:  model.Enroll,
	model.Cleaning:   model.CleanFailed,
	model.CleanWait:  model.CleanFailed,
	model.Deploying:  model.DeployFail,
	model.DeployWait: model.DeployFail,
	model.Inspecting: model.InspectFail,
	model.Adopting:   model.AdoptFail,
	model.Deleting:   model.Error,
}

var stableStates = map[string]bool{
	model.Enroll:      true,
	model.Manageable:  true,
	model.Available:   true,
	model.Active:      true,
	model.Error:       true,
	model.CleanFailed: true,
	model.DeployFail:  true,
	model.InspectFail: true,
	model.AdoptFail:   true,
}

// Process resolves a verb against the current state.
func Process(state, verb string) (Transition, error) {
	if t, ok := verbTable[state][verb]; ok {
		return t, nil
	}
	return Transition{}, &model.InvalidStateError{Verb: verb, State: state}
}

// Wait returns the wait state for an executing transient state.
func Wait(state string) (string, bool) {
	s, ok := waitTable[state]
	return s, ok
}

// Resume returns the executing state a wait state continues into.
func Resume(state string) (string, bool) {
	s, ok := resumeTable[state]
	return s, ok
}

// OnFailure returns the state a failure in the given transient state
// lands in. Unknown states collapse to Error.
func OnFailure(state string) string {
	if s, ok := failTable[state]; ok {
		return s
	}
	return model.Error
}

// OnSuccess returns the state entered when work in the given transient
// state completes. Cleaning completes into the recorded target state,
// since manual cleaning returns to manageable while the provide path
// continues to available. Teardown completes into cleaning: a node is
// always sanitized before it is offered for reuse.
func OnSuccess(state, target string) string {
	switch state {
	case model.Verifying:
		return model.Manageable
	case model.Cleaning, model.CleanWait:
		if target != "" {
			return target
		}
		return model.Manageable
	case model.Deploying, model.DeployWait:
		return model.Active
	case model.Inspecting:
		return model.Manageable
	case model.Adopting:
		return model.Active
	case model.Deleting:
		return model.Cleaning
	default:
		return state
	}
}

// IsStable reports whether a state is stable: no background work is
// associated with it and an exclusive lease is not expected.
func IsStable(state string) bool {
	return stableStates[state]
}

// IsWait reports whether a state is parked waiting for an out-of-band
// callback.
func IsWait(state string) bool {
	_, ok := resumeTable[state]
	return ok
}

// Deletable reports whether a node in this state may be destroyed.
// Active nodes and nodes with work in flight must be torn down first.
func Deletable(state string) bool {
	return IsStable(state) && state != model.Active
}

// Verbs returns the verbs legal from the given state, used by the API
// to report allowed actions.
func Verbs(state string) []string {
	verbs := make([]string, 0, len(verbTable[state]))
	for v := range verbTable[state] {
		verbs = append(verbs, v)
	}
	return verbs
}
