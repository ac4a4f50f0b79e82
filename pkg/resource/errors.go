package resource

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a convergence failure. Every kind is fatal for the run;
// the classification only drives reporting and metrics.
type ErrorKind string

const (
	// ErrorKindConfiguration means a required attribute is unset or an
	// attribute has an invalid type or shape.
	ErrorKindConfiguration ErrorKind = "configuration"

	// ErrorKindTypeMismatch means the declared node type conflicts with the
	// node found on the target.
	ErrorKindTypeMismatch ErrorKind = "type_mismatch"

	// ErrorKindRemoteOperation means a mutating remote command exited non-zero.
	ErrorKindRemoteOperation ErrorKind = "remote_operation"

	// ErrorKindLookup means a user or group name could not be resolved.
	ErrorKindLookup ErrorKind = "lookup"
)

// Error is a fatal, resource-attributed convergence error.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Resource is the composite key of the offending resource, if any.
	Resource Key `json:"resource"`

	// Sites lists every location that declared the resource.
	Sites []Site `json:"sites,omitempty"`

	// Output is captured remote output for remote operation failures.
	Output string `json:"output,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if !e.Resource.IsZero() {
		fmt.Fprintf(&b, "%s: ", e.Resource)
	}
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Output != "" {
		fmt.Fprintf(&b, "\n%s", strings.TrimRight(e.Output, "\n"))
	}
	if len(e.Sites) > 0 {
		b.WriteString("\ndefined in:")
		for _, s := range e.Sites {
			fmt.Fprintf(&b, "\n  %s", s)
		}
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string, err error) *Error {
	return &Error{Kind: ErrorKindConfiguration, Message: message, Err: err}
}

// NewTypeMismatchError creates a type mismatch error.
func NewTypeMismatchError(message string) *Error {
	return &Error{Kind: ErrorKindTypeMismatch, Message: message}
}

// NewRemoteOperationError creates a remote operation error carrying the
// command output.
func NewRemoteOperationError(message, output string) *Error {
	return &Error{Kind: ErrorKindRemoteOperation, Message: message, Output: output}
}

// NewLookupError creates a user or group lookup error.
func NewLookupError(message string, err error) *Error {
	return &Error{Kind: ErrorKindLookup, Message: message, Err: err}
}

// WithResource attributes the error to a resource and its declaration sites.
func (e *Error) WithResource(key Key, sites []Site) *Error {
	e.Resource = key
	e.Sites = append([]Site(nil), sites...)
	return e
}

// WithCause sets the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// WithOutput attaches captured remote output.
func (e *Error) WithOutput(output string) *Error {
	e.Output = output
	return e
}

func kindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// KindOf returns the kind of a convergence error, or "" for other errors.
func KindOf(err error) ErrorKind {
	k, _ := kindOf(err)
	return k
}

// IsConfiguration reports a configuration error.
func IsConfiguration(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindConfiguration
}

// IsTypeMismatch reports a type mismatch error.
func IsTypeMismatch(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindTypeMismatch
}

// IsRemoteOperation reports a remote operation error.
func IsRemoteOperation(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindRemoteOperation
}

// IsLookup reports a lookup error.
func IsLookup(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindLookup
}
