package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Sentinels for the orchestration core. Callers branch with errors.Is; the
// HTTP edge maps them onto statuses.
var (
	// ErrJobAlreadyInFlight means another job for the project is non-terminal.
	ErrJobAlreadyInFlight = errors.New("job already in flight")
	// ErrGenerationTransient tags provider failures worth retrying.
	ErrGenerationTransient = errors.New("generation transient failure")
	// ErrGenerationValidation tags terminal structural-validation failures.
	ErrGenerationValidation = errors.New("generation validation failure")
	// ErrSandboxProvision means provisioning retries were exhausted.
	ErrSandboxProvision = errors.New("sandbox provision failure")
	// ErrSandboxRestore means restore retries were exhausted.
	ErrSandboxRestore = errors.New("sandbox restore failure")
	// ErrModificationConflict means the target file changed under a proposal.
	ErrModificationConflict = errors.New("modification conflict")
	// ErrModificationRejected means apply was attempted on a rejected proposal.
	ErrModificationRejected = errors.New("modification already rejected")
	// ErrVersionConflict means a version_number race lost to a concurrent fold.
	ErrVersionConflict = errors.New("version conflict")
	// ErrStaleVersionReference means a non-latest version where latest-only is required.
	ErrStaleVersionReference = errors.New("stale version reference")

	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRetryable    = errors.New("retryable")
)

// JobInFlight tags an error with the in-flight sentinel.
func JobInFlight(projectID string) error {
	return errors.Join(ErrJobAlreadyInFlight, fmt.Errorf("project %s has a generation in flight", projectID))
}

// Transient tags err as retryable generation failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrGenerationTransient, err)
}

// ValidationIssue pins a structural-validation failure to a file and line.
// Line is 1-based; 0 means the whole file.
type ValidationIssue struct {
	File   string `json:"file"`
	Line   int    `json:"line,omitempty"`
	Detail string `json:"detail"`
}

func (v *ValidationIssue) Error() string {
	if v == nil {
		return "validation issue"
	}
	if v.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", v.File, v.Line, v.Detail)
	}
	if v.File != "" {
		return fmt.Sprintf("%s: %s", v.File, v.Detail)
	}
	return v.Detail
}

// Validation builds a terminal generation-validation error carrying the issue.
func Validation(issue *ValidationIssue) error {
	if issue == nil {
		return ErrGenerationValidation
	}
	return errors.Join(ErrGenerationValidation, issue)
}

// IssueOf extracts the ValidationIssue when err carries one.
func IssueOf(err error) *ValidationIssue {
	var vi *ValidationIssue
	if errors.As(err, &vi) {
		return vi
	}
	return nil
}

// ValidationError tags plain caller-input failures.
func ValidationError(msg string) error {
	return errors.Join(ErrValidation, errors.New(strings.TrimSpace(msg)))
}

// ConflictError tags a modification conflict with context.
func ConflictError(msg string) error {
	return errors.Join(ErrModificationConflict, errors.New(strings.TrimSpace(msg)))
}

// MapError folds infrastructure failures into sentinels. op names the caller
// for the wrapped message.
func MapError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrJobAlreadyInFlight),
		errors.Is(err, ErrGenerationTransient),
		errors.Is(err, ErrGenerationValidation),
		errors.Is(err, ErrSandboxProvision),
		errors.Is(err, ErrSandboxRestore),
		errors.Is(err, ErrModificationConflict),
		errors.Is(err, ErrModificationRejected),
		errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrStaleVersionReference),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrUnauthorized):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errors.Join(ErrNotFound, fmt.Errorf("%s: %w", op, err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errors.Join(ErrRetryable, fmt.Errorf("%s: %w", op, err))
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "23505":
			return errors.Join(ErrVersionConflict, fmt.Errorf("%s: %w", op, err)) // unique_violation
		case "40001", "40P01", "55P03":
			return errors.Join(ErrRetryable, fmt.Errorf("%s: %w", op, err)) // serialization/deadlock/lock_not_available
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
