package model

import "fmt"

// ValidationError indicates missing or invalid configuration supplied
// by the caller. It is never retried and is surfaced synchronously.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// NodeLockedError indicates another worker holds the node's exclusive
// lease. Callers must retry later; requests are not queued.
type NodeLockedError struct {
	NodeID string
	Holder string
}

func (e *NodeLockedError) Error() string {
	return fmt.Sprintf("node %s is locked by %s", e.NodeID, e.Holder)
}

// NotFoundError indicates an unknown node, port, driver or method.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// MethodNotAllowedError indicates a vendor passthru method exists but
// does not support the requested HTTP verb.
type MethodNotAllowedError struct {
	Method string
	Verb   string
}

func (e *MethodNotAllowedError) Error() string {
	return fmt.Sprintf("method %q does not support %s", e.Method, e.Verb)
}

// InvalidStateError indicates a provisioning verb that is not legal
// from the node's current state.
type InvalidStateError struct {
	Verb  string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("verb %q is not allowed in state %q", e.Verb, e.State)
}

// TransientError wraps a communication failure with a remote
// management controller. The retry policy may re-attempt it.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient hardware error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// HardwareFaultError is terminal for the current operation: the node
// moves to a failed state and the message lands in LastError.
type HardwareFaultError struct {
	Err error
}

func (e *HardwareFaultError) Error() string {
	return fmt.Sprintf("hardware fault: %v", e.Err)
}

func (e *HardwareFaultError) Unwrap() error { return e.Err }
