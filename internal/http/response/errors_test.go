package response

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/platform/apierr"
)

func TestStatusOf(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"nil", nil, http.StatusInternalServerError, "internal_error"},
		{"in flight", faults.JobInFlight("p1"), http.StatusConflict, "job_in_flight"},
		{"modification conflict", faults.ConflictError("file changed"), http.StatusConflict, "modification_conflict"},
		{"modification rejected", faults.ErrModificationRejected, http.StatusConflict, "modification_rejected"},
		{"version conflict", faults.ErrVersionConflict, http.StatusConflict, "version_conflict"},
		{"stale version", faults.ErrStaleVersionReference, http.StatusConflict, "stale_version"},
		{"generation validation", faults.Validation(&faults.ValidationIssue{File: "main.py", Line: 3, Detail: "bad"}), http.StatusUnprocessableEntity, "generation_validation"},
		{"generation transient", faults.Transient(errors.New("upstream 503")), http.StatusBadGateway, "generation_transient"},
		{"sandbox provision", faults.ErrSandboxProvision, http.StatusBadGateway, "sandbox_provision_failed"},
		{"sandbox restore", faults.ErrSandboxRestore, http.StatusBadGateway, "sandbox_restore_failed"},
		{"not found", faults.ErrNotFound, http.StatusNotFound, "not_found"},
		{"unauthorized", faults.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{"validation", faults.ValidationError("prompt required"), http.StatusBadRequest, "invalid_request"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, code := StatusOf(tc.err)
			if status != tc.wantStatus || code != tc.wantCode {
				t.Fatalf("StatusOf(%v) = (%d, %q), want (%d, %q)", tc.err, status, code, tc.wantStatus, tc.wantCode)
			}
		})
	}
}

func TestStatusOfWrappedSentinel(t *testing.T) {
	err := fmt.Errorf("project lookup: %w", faults.MapError("get project", faults.ErrNotFound))
	status, code := StatusOf(err)
	if status != http.StatusNotFound || code != "not_found" {
		t.Fatalf("wrapped sentinel = (%d, %q)", status, code)
	}
}

func TestStatusOfHonorsAPIError(t *testing.T) {
	err := fmt.Errorf("edge: %w", apierr.New(http.StatusTeapot, "teapot", errors.New("short and stout")))
	status, code := StatusOf(err)
	if status != http.StatusTeapot || code != "teapot" {
		t.Fatalf("apierr = (%d, %q)", status, code)
	}

	status, code = StatusOf(apierr.New(http.StatusForbidden, "", errors.New("nope")))
	if status != http.StatusForbidden || code != "error" {
		t.Fatalf("apierr without code = (%d, %q)", status, code)
	}

	// An apierr wrapping a sentinel still wins: the edge set the status on purpose.
	err = apierr.New(http.StatusGone, "gone", faults.ErrNotFound)
	status, code = StatusOf(err)
	if status != http.StatusGone || code != "gone" {
		t.Fatalf("apierr over sentinel = (%d, %q)", status, code)
	}
}
