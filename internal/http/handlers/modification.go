package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/http/response"
	"github.com/apiforge/apiforge-backend/internal/services"
)

type ModificationHandler struct {
	modifications services.ModificationService
	projects      services.ProjectService
}

func NewModificationHandler(modifications services.ModificationService, projects services.ProjectService) *ModificationHandler {
	return &ModificationHandler{modifications: modifications, projects: projects}
}

// GET /api/projects/:id/modifications?status=pending,applied&limit=200
// Defaults to the pending review queue, grouped by file path.
func (h *ModificationHandler) ListForProject(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	projectID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	statuses, ok := queryModificationStatuses(c)
	if !ok {
		return
	}
	limit, ok := queryLimit(c, 200)
	if !ok {
		return
	}
	// ListForProject is not owner-scoped; resolve the project first.
	if _, err := h.projects.GetForOwner(reqDBC(c), userID, projectID); err != nil {
		response.RespondFault(c, err)
		return
	}
	mods, err := h.modifications.ListForProject(reqDBC(c), projectID, statuses, limit)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"modifications": services.GroupModificationsByFile(mods),
		"total":         len(mods),
	})
}

// POST /api/modifications/:id/apply
func (h *ModificationHandler) Apply(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	modID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	mod, err := h.modifications.Apply(c.Request.Context(), userID, modID)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, gin.H{"modification": mod})
}

// POST /api/modifications/:id/reject
func (h *ModificationHandler) Reject(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	modID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	mod, err := h.modifications.Reject(c.Request.Context(), userID, modID)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, gin.H{"modification": mod})
}

// POST /api/projects/:id/modifications/apply
// body: { "ids": ["...", ...] }
// Applies in order and reports per-id outcomes; one failure does not stop the
// rest.
func (h *ModificationHandler) ApplyMultiple(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	projectID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	if _, err := h.projects.GetForOwner(reqDBC(c), userID, projectID); err != nil {
		response.RespondFault(c, err)
		return
	}
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if len(req.IDs) == 0 {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("no modification ids provided"))
		return
	}
	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_modification_id", err)
			return
		}
		ids = append(ids, id)
	}
	results := h.modifications.ApplyMultiple(c.Request.Context(), userID, ids)
	response.RespondOK(c, gin.H{"results": results})
}

func queryModificationStatuses(c *gin.Context) ([]types.ModificationStatus, bool) {
	raw := strings.TrimSpace(c.Query("status"))
	if raw == "" {
		return []types.ModificationStatus{types.ModificationPending}, true
	}
	if raw == "all" {
		return nil, true
	}
	var statuses []types.ModificationStatus
	for _, part := range strings.Split(raw, ",") {
		switch s := types.ModificationStatus(strings.TrimSpace(part)); s {
		case types.ModificationPending, types.ModificationApplied, types.ModificationRejected, types.ModificationStale:
			statuses = append(statuses, s)
		default:
			response.RespondError(c, http.StatusBadRequest, "invalid_status", fmt.Errorf("unknown modification status %q", part))
			return nil, false
		}
	}
	return statuses, true
}
