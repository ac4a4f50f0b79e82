package engine

import (
	"encoding/json"
	"fmt"
)

// Mode selects what a run does with the declared resources.
type Mode string

const (
	// ModeEnsure converges every resource in declaration order.
	ModeEnsure Mode = "ensure"

	// ModeRemove removes every resource in reverse declaration order.
	ModeRemove Mode = "remove"

	// ModeValidate evaluates, cleans and checks policies without touching
	// the target.
	ModeValidate Mode = "validate"
)

// IsMutating reports whether the mode changes the target.
func (m Mode) IsMutating() bool {
	return m == ModeEnsure || m == ModeRemove
}

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeEnsure, ModeRemove, ModeValidate:
		return nil
	default:
		return fmt.Errorf("invalid mode: %s", m)
	}
}

// RunStatus represents the outcome of a run against one target.
type RunStatus string

const (
	// RunStatusSucceeded indicates every resource converged.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run halted on an error.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled before it finished,
	// usually because another target failed.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsFailure returns true for a failed or cancelled run.
func (s RunStatus) IsFailure() bool {
	return s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := RunStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}
