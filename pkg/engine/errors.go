package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/transports"
)

// Error kinds reported in metrics besides the resource.ErrorKind values.
const (
	ErrorKindTransport = "transport"
	ErrorKindCancelled = "cancelled"
	ErrorKindInternal  = "internal"
)

// PhaseError attributes a run failure to the phase it happened in.
type PhaseError struct {
	// Target is the target the run was converging.
	Target string

	// Phase is one of connect, facts, evaluate, clean, policy, ensure, remove.
	Phase string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Target, e.Phase, e.Err)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *PhaseError) Unwrap() error {
	return e.Err
}

// ErrorKind classifies err for metrics and reports.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	if kind := resource.KindOf(err); kind != "" {
		return string(kind)
	}
	var te *transports.Error
	switch {
	case errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	case errors.As(err, &te):
		return ErrorKindTransport
	default:
		return ErrorKindInternal
	}
}

func asResourceError(err error) (*resource.Error, bool) {
	var rerr *resource.Error
	if errors.As(err, &rerr) {
		return rerr, true
	}
	return nil, false
}
