// Package errs defines the failure taxonomy shared by the pipeline stages.
//
// Every error carries the Kind of failure, the Stage that raised it and the
// identifier (batch, timeslot, sample or epoch index) of the offending item,
// so a caller can report exactly where a run was aborted.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	Unknown Kind = iota
	// ShapeMismatch: a batch's dimensions disagree with the expected shape.
	ShapeMismatch
	// IncompleteAssembly: fewer samples written than allocated.
	IncompleteAssembly
	// Overlap: two batches addressed the same index range.
	Overlap
	// DegeneratePower: zero or non-finite normalization denominator.
	DegeneratePower
	// MissingStatistic: a persisted record or key is absent.
	MissingStatistic
	// NonFiniteLoss: a training or validation loss is NaN or Inf.
	NonFiniteLoss
)

func (k Kind) String() string {
	switch k {
	case ShapeMismatch:
		return "shape mismatch"
	case IncompleteAssembly:
		return "incomplete assembly"
	case Overlap:
		return "overlapping batch"
	case DegeneratePower:
		return "degenerate power"
	case MissingStatistic:
		return "missing statistic"
	case NonFiniteLoss:
		return "non-finite loss"
	default:
		return "unknown"
	}
}

// Stage names the pipeline step in which a failure occurred.
type Stage string

const (
	StageLoad        Stage = "load"
	StageAssembly    Stage = "assembly"
	StageTransform   Stage = "transform"
	StageNormalize   Stage = "normalize"
	StageDenormalize Stage = "denormalize"
	StageScore       Stage = "score"
	StageTrain       Stage = "train"
)

// Error is a classified pipeline failure.
type Error struct {
	Kind  Kind
	Stage Stage
	// ID is the offending identifier, e.g. "batch 3" or "timeslot 1".
	ID  string
	Msg string
	Err error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	if e.ID != "" {
		s += " at " + e.ID
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Cause lets github.com/pkg/errors.Cause stop at the classified error.
func (e *Error) Cause() error { return e.Err }

// New returns a classified error with a formatted message.
func New(kind Kind, stage Stage, id string, format string, args ...any) error {
	return &Error{Kind: kind, Stage: stage, ID: id, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(err error, kind Kind, stage Stage, id string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Stage: stage, ID: id, Err: err}
}

// Is reports whether any error in err's chain is a classified error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Batch formats a batch identifier.
func Batch(i int) string { return fmt.Sprintf("batch %d", i) }

// Timeslot formats a timeslot identifier.
func Timeslot(t int) string { return fmt.Sprintf("timeslot %d", t) }

// Sample formats a sample/timeslot identifier.
func Sample(n, t int) string { return fmt.Sprintf("sample %d timeslot %d", n, t) }

// Epoch formats an epoch identifier.
func Epoch(e int) string { return fmt.Sprintf("epoch %d", e) }
