package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPromotionConflict signals a lost promotion race: the current-model
// pointer moved between the start of the run and its swap attempt. The losing
// run fails with this reason instead of overwriting the winner.
var ErrPromotionConflict = errors.New("concurrent promotion conflict")

// ConfigurationError is a startup-time failure: bad thresholds, paths, or
// spec documents. Nothing runs after it.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// ValidationFailure carries the contract violations that rejected a snapshot.
// Recoverable by fixing the data; never retried automatically.
type ValidationFailure struct {
	SnapshotID string
	Violations []string
}

func (e *ValidationFailure) Error() string {
	return "dataset validation failed: " + strings.Join(e.Violations, ", ")
}

// TrainingError wraps a trainer failure. Terminal for the run: retraining on
// the same inputs is expected to fail identically.
type TrainingError struct {
	Reason string
	Err    error
}

func (e *TrainingError) Error() string {
	if e.Err != nil {
		return "training failed: " + e.Reason + ": " + e.Err.Error()
	}
	return "training failed: " + e.Reason
}

func (e *TrainingError) Unwrap() error { return e.Err }

// EvaluationError wraps a holdout scoring failure.
type EvaluationError struct {
	Reason string
	Err    error
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return "evaluation failed: " + e.Reason + ": " + e.Err.Error()
	}
	return "evaluation failed: " + e.Reason
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// SchemaMismatchError rejects scoring a model against features with a
// different schema fingerprint than it was trained on.
type SchemaMismatchError struct {
	TrainedFingerprint string
	HoldoutFingerprint string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema fingerprint mismatch: trained %s, holdout %s",
		e.TrainedFingerprint, e.HoldoutFingerprint)
}

// GateRejection is a business outcome, not an infrastructure failure: the
// model trained cleanly but did not clear the configured quality bar.
type GateRejection struct {
	RunID   string
	Reasons []string
}

func (e *GateRejection) Error() string {
	return "quality gate rejected model: " + strings.Join(e.Reasons, ", ")
}
