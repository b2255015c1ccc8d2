package pipeline

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/thesayf/deployai-sub003/internal/ai"
	"github.com/thesayf/deployai-sub003/internal/schema"
)

var errEmptyCompletion = eris.New("provider returned an empty completion")

// StageErrorKind classifies why a stage failed.
type StageErrorKind string

const (
	StageErrProvider      StageErrorKind = "provider"
	StageErrEmptyResponse StageErrorKind = "empty_response"
	StageErrParse         StageErrorKind = "parse"
	StageErrSchema        StageErrorKind = "schema"
)

// StageError is a failure of one pipeline stage. Its message is
// stage-qualified so it can be persisted as the report's error detail.
type StageError struct {
	Stage int
	Kind  StageErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the stage could succeed. Parse and
// schema failures are deterministic for a given response, so only transient
// provider failures qualify.
func (e *StageError) Retryable() bool {
	if e.Kind != StageErrProvider {
		return false
	}
	var pe *ai.ProviderError
	if errors.As(e.Err, &pe) {
		return pe.Retryable()
	}
	return false
}

// stageError wraps err with its stage number, classifying parse failures by
// their reason.
func stageError(stage int, err error) *StageError {
	var parseErr *schema.ParseError
	if errors.As(err, &parseErr) {
		kind := StageErrParse
		if parseErr.Reason == schema.ReasonSchemaViolation {
			kind = StageErrSchema
		}
		return &StageError{Stage: stage, Kind: kind, Err: err}
	}
	return &StageError{Stage: stage, Kind: StageErrProvider, Err: err}
}
