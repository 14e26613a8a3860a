package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/apiforge/apiforge-backend/internal/http/response"
	"github.com/apiforge/apiforge-backend/internal/services"
)

type ProjectHandler struct {
	projectService services.ProjectService
}

func NewProjectHandler(projectService services.ProjectService) *ProjectHandler {
	return &ProjectHandler{projectService: projectService}
}

// POST /projects
// body: { "name": "...", "description": "...", "framework": "fastapi", "prompt": "..." }
func (ph *ProjectHandler) Create(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	var req services.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	res, err := ph.projectService.CreateWithPrompt(reqDBC(c), userID, req)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, gin.H{"project": res.Project, "job": res.Job})
}

// GET /projects
func (ph *ProjectHandler) List(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	projects, err := ph.projectService.List(reqDBC(c), userID)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, gin.H{"projects": projects})
}

// GET /projects/:id
func (ph *ProjectHandler) Get(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	projectID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	project, err := ph.projectService.GetForOwner(reqDBC(c), userID, projectID)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, gin.H{"project": project})
}

// GET /projects/:id/status
func (ph *ProjectHandler) Status(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	projectID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	snap, err := ph.projectService.GetStatus(reqDBC(c), userID, projectID)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, snap)
}

// POST /projects/:id/messages
// body: { "prompt": "..." }
// A non-terminal job on the project makes this a 409.
func (ph *ProjectHandler) SubmitPrompt(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	projectID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	job, err := ph.projectService.SubmitPrompt(reqDBC(c), userID, projectID, req.Prompt)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// GET /projects/:id/messages?limit=50
func (ph *ProjectHandler) ListMessages(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	projectID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	limit, ok := queryLimit(c, 50)
	if !ok {
		return
	}
	messages, err := ph.projectService.ListMessages(reqDBC(c), userID, projectID, limit)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, gin.H{"messages": messages})
}

// DELETE /projects/:id
func (ph *ProjectHandler) Delete(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	projectID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	if err := ph.projectService.Delete(reqDBC(c), userID, projectID); err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, gin.H{"ok": true})
}

func queryLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		response.RespondError(c, http.StatusBadRequest, "invalid_limit", err)
		return 0, false
	}
	return n, true
}
