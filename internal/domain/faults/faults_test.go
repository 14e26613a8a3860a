package faults

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func TestMapError_NotFound(t *testing.T) {
	err := MapError("op", gorm.ErrRecordNotFound)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMapError_UniqueViolation(t *testing.T) {
	err := MapError("append version", &pgconn.PgError{Code: "23505"})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestMapError_SentinelPassthrough(t *testing.T) {
	in := JobInFlight("p1")
	out := MapError("submit", in)
	if !errors.Is(out, ErrJobAlreadyInFlight) {
		t.Fatalf("expected in-flight sentinel preserved, got %v", out)
	}
}

func TestValidationCarriesIssue(t *testing.T) {
	err := Validation(&ValidationIssue{File: "models.py", Line: 12, Detail: "unterminated string"})
	if !errors.Is(err, ErrGenerationValidation) {
		t.Fatalf("expected ErrGenerationValidation, got %v", err)
	}
	issue := IssueOf(err)
	if issue == nil {
		t.Fatalf("expected issue attached")
	}
	if issue.File != "models.py" || issue.Line != 12 {
		t.Fatalf("issue lost location: %+v", issue)
	}
}

func TestTransientNil(t *testing.T) {
	if Transient(nil) != nil {
		t.Fatalf("Transient(nil) must be nil")
	}
	if !errors.Is(Transient(errors.New("rate limited")), ErrGenerationTransient) {
		t.Fatalf("expected transient tag")
	}
}
