package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/apiforge/apiforge-backend/internal/http/response"
	"github.com/apiforge/apiforge-backend/internal/services"
)

type SandboxHandler struct {
	sandboxes services.SandboxService
}

func NewSandboxHandler(sandboxes services.SandboxService) *SandboxHandler {
	return &SandboxHandler{sandboxes: sandboxes}
}

// GET /api/projects/:id/sandbox
func (h *SandboxHandler) Get(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	projectID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	sb, err := h.sandboxes.Get(reqDBC(c), userID, projectID)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, gin.H{"sandbox": sb})
}

// POST /api/projects/:id/sandbox/ensure
func (h *SandboxHandler) Ensure(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	projectID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	info, err := h.sandboxes.EnsureAlive(c.Request.Context(), userID, projectID)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, info)
}

// POST /api/projects/:id/sandbox/restart
func (h *SandboxHandler) Restart(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	projectID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	info, err := h.sandboxes.ManualRestart(c.Request.Context(), userID, projectID)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, info)
}
