package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"empty query", ErrEmptyQuery, "EmptyQuery"},
		{"wrapped credential", fmt.Errorf("load: %w", ErrMissingCredential), "MissingCredential"},
		{"configuration", &ConfigurationError{Component: "x", Message: "bad"}, "ConfigurationError"},
		{"malformed in stage", &StageError{Stage: "intake", Err: &MalformedOutputError{Stage: "intake"}}, "MalformedOutputError"},
		{"exhausted", &ExhaustedRetriesError{Attempts: 4, Cause: errors.New("503")}, "ExhaustedRetriesError"},
		{"transient", &TransientRemoteError{StatusCode: 429, Err: errors.New("slow down")}, "TransientRemoteError"},
		{"all branches", fmt.Errorf("research: %w", ErrAllBranchesFailed), "FanOutError"},
		{"persistence", &PersistenceError{Op: "save", Key: "s1", Err: errors.New("disk")}, "PersistenceError"},
		{"unknown", errors.New("boom"), "InternalError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorKind(tt.err))
		})
	}
}
