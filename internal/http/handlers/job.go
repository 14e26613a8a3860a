package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/apiforge/apiforge-backend/internal/http/response"
	"github.com/apiforge/apiforge-backend/internal/services"
)

type JobHandler struct {
	jobs services.JobService
}

func NewJobHandler(jobs services.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	jobID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	job, err := h.jobs.GetByIDForOwner(reqDBC(c), jobID, userID)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// GET /api/projects/:id/jobs?limit=20
func (h *JobHandler) ListForProject(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	projectID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	limit, ok := queryLimit(c, 20)
	if !ok {
		return
	}
	jobs, err := h.jobs.ListForProject(reqDBC(c), userID, projectID, limit)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, gin.H{"jobs": jobs})
}
