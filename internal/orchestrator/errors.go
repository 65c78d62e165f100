package orchestrator

import "fmt"

// StateError reports an illegal approval state transition, e.g. executing an
// approval that was never approved or is already terminal with a different
// payload.
type StateError struct {
	ApprovalID string
	Status     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("approval %s must be approved before execution (status %q)", e.ApprovalID, e.Status)
}

// ConfigError reports an approval that cannot be routed because it lacks a
// module slug or capability name.
type ConfigError struct {
	ApprovalID string
	Missing    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("approval %s has no %s configured", e.ApprovalID, e.Missing)
}
