package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/platform/apierr"
)

// RespondFault maps a service error onto the HTTP envelope. An apierr.Error
// anywhere in the chain wins; otherwise the fault sentinels decide the status.
func RespondFault(c *gin.Context, err error) {
	status, code := StatusOf(err)
	RespondError(c, status, code, err)
}

// StatusOf resolves the status and machine code for err.
func StatusOf(err error) (int, string) {
	if err == nil {
		return http.StatusInternalServerError, "internal_error"
	}

	var ae *apierr.Error
	if errors.As(err, &ae) && ae.Status != 0 {
		code := ae.Code
		if code == "" {
			code = "error"
		}
		return ae.Status, code
	}

	switch {
	case errors.Is(err, faults.ErrJobAlreadyInFlight):
		return http.StatusConflict, "job_in_flight"
	case errors.Is(err, faults.ErrModificationRejected):
		return http.StatusConflict, "modification_rejected"
	case errors.Is(err, faults.ErrModificationConflict):
		return http.StatusConflict, "modification_conflict"
	case errors.Is(err, faults.ErrVersionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(err, faults.ErrStaleVersionReference):
		return http.StatusConflict, "stale_version"
	case errors.Is(err, faults.ErrGenerationValidation):
		return http.StatusUnprocessableEntity, "generation_validation"
	case errors.Is(err, faults.ErrGenerationTransient):
		return http.StatusBadGateway, "generation_transient"
	case errors.Is(err, faults.ErrSandboxProvision):
		return http.StatusBadGateway, "sandbox_provision_failed"
	case errors.Is(err, faults.ErrSandboxRestore):
		return http.StatusBadGateway, "sandbox_restore_failed"
	case errors.Is(err, faults.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, faults.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, faults.ErrValidation):
		return http.StatusBadRequest, "invalid_request"
	}
	return http.StatusInternalServerError, "internal_error"
}
