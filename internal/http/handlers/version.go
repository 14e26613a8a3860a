package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/apiforge/apiforge-backend/internal/http/response"
	"github.com/apiforge/apiforge-backend/internal/services"
)

type VersionHandler struct {
	versions services.VersionService
	projects services.ProjectService
}

func NewVersionHandler(versions services.VersionService, projects services.ProjectService) *VersionHandler {
	return &VersionHandler{versions: versions, projects: projects}
}

// GET /api/projects/:id/versions
func (h *VersionHandler) ListForProject(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	projectID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	// The list itself is not owner-scoped; resolve the project first so a
	// stranger gets a 404 instead of another owner's history.
	if _, err := h.projects.GetForOwner(reqDBC(c), userID, projectID); err != nil {
		response.RespondFault(c, err)
		return
	}
	versions, err := h.versions.List(reqDBC(c), projectID)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, gin.H{"versions": versions})
}

// GET /api/versions/:id?diff=true
func (h *VersionHandler) Get(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	versionID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	withDiff := c.Query("diff") == "true"
	vwd, err := h.versions.GetByIDForOwner(reqDBC(c), userID, versionID, withDiff)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	payload := gin.H{"version": vwd.Version, "files": vwd.Files}
	if withDiff {
		payload["diff"] = vwd.Diff
	}
	response.RespondOK(c, payload)
}
