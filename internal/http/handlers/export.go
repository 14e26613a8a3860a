package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/apiforge/apiforge-backend/internal/http/response"
	"github.com/apiforge/apiforge-backend/internal/services"
)

type ExportHandler struct {
	exports services.ExportService
}

func NewExportHandler(exports services.ExportService) *ExportHandler {
	return &ExportHandler{exports: exports}
}

// GET /api/projects/:id/export
// Returns the latest completed tree as a flat path -> content map.
func (h *ExportHandler) Snapshot(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	projectID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	files, err := h.exports.Snapshot(reqDBC(c), userID, projectID)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, gin.H{"files": files})
}

// POST /api/projects/:id/export/archive
// Builds a tar.gz in object storage and returns a download URL.
func (h *ExportHandler) Archive(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	projectID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	res, err := h.exports.Archive(c.Request.Context(), userID, projectID)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, gin.H{"key": res.Key, "url": res.URL})
}
