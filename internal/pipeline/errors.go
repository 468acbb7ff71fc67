package pipeline

import (
	"errors"
	"fmt"

	"github.com/ppiankov/pepref/internal/compliance"
	"github.com/ppiankov/pepref/internal/model"
	"github.com/ppiankov/pepref/internal/publish"
	"github.com/ppiankov/pepref/internal/synth"
)

// StageError reports which stage failed a run and why
type StageError struct {
	Stage  model.Stage
	Reason string // Short human-readable cause
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage model.Stage, err error) *StageError {
	return &StageError{Stage: stage, Reason: reasonFor(err), Err: err}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientEvidence):
		return "insufficient evidence"
	case errors.Is(err, model.ErrConfig):
		return err.Error()
	case errors.Is(err, synth.ErrContract), errors.Is(err, compliance.ErrBlocked):
		return err.Error()
	case errors.Is(err, publish.ErrRolledBack):
		return "publish failed and was rolled back: " + err.Error()
	case errors.Is(err, publish.ErrRollbackIncomplete):
		return "publish failed and rollback was incomplete: " + err.Error()
	}
	return err.Error()
}
