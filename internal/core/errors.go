package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrEmptyQuery        = errors.New("query cannot be empty")
	ErrMissingCredential = errors.New("credential for the text-generation service is not set")
	ErrSessionNotFound   = errors.New("session not found")
	ErrAllBranchesFailed = errors.New("every fan-out branch failed")
)

// TransientRemoteError marks a remote failure that is worth retrying
type TransientRemoteError struct {
	StatusCode int
	Err        error
}

func (e *TransientRemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient remote error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient remote error: %v", e.Err)
}

func (e *TransientRemoteError) Unwrap() error { return e.Err }

// ExhaustedRetriesError is returned once the attempt budget is spent
type ExhaustedRetriesError struct {
	Attempts int
	Cause    error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("remote call failed after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Cause }

// MalformedOutputError reports a response that is not JSON of the expected shape
type MalformedOutputError struct {
	Stage  string
	Reason string
	Raw    string
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("stage %s produced malformed output: %s", e.Stage, e.Reason)
}

// ConfigurationError covers missing credentials, bad settings and templates
// that reference state keys no earlier stage produces
type ConfigurationError struct {
	Component string
	Message   string
	Err       error
}

func (e *ConfigurationError) Error() string {
	msg := e.Message
	if e.Component != "" {
		msg = e.Component + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", msg, e.Err)
	}
	return "configuration error: " + msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// PersistenceError is a degraded, non-fatal write failure (trace, memory, session)
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s of %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// StageError ties a fatal error to the pipeline step that raised it
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// BranchError aggregates fan-out failures under the strict policy
type BranchError struct {
	FanOut   string
	Failures map[string]error // output key -> cause
}

func (e *BranchError) Error() string {
	keys := make([]string, 0, len(e.Failures))
	for k := range e.Failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Failures[k]))
	}
	return fmt.Sprintf("fan-out %s: %d branch(es) failed: %s", e.FanOut, len(keys), strings.Join(parts, "; "))
}

// Unwrap exposes every branch cause to errors.Is / errors.As
func (e *BranchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}

// ErrorKind returns a short label for err that is safe to show API callers
func ErrorKind(err error) string {
	var (
		exhausted *ExhaustedRetriesError
		malformed *MalformedOutputError
		config    *ConfigurationError
		branch    *BranchError
		persist   *PersistenceError
		transient *TransientRemoteError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyQuery):
		return "EmptyQuery"
	case errors.Is(err, ErrMissingCredential):
		return "MissingCredential"
	case errors.As(err, &config):
		return "ConfigurationError"
	case errors.As(err, &malformed):
		return "MalformedOutputError"
	case errors.As(err, &exhausted):
		return "ExhaustedRetriesError"
	case errors.As(err, &transient):
		return "TransientRemoteError"
	case errors.As(err, &branch), errors.Is(err, ErrAllBranchesFailed):
		return "FanOutError"
	case errors.As(err, &persist):
		return "PersistenceError"
	default:
		return "InternalError"
	}
}
