package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/http/response"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/ctxutil"
)

// requestUserID pulls the authenticated user out of the request context. The
// auth middleware guarantees it on protected routes; a miss means the route
// was wired outside the protected group.
func requestUserID(c *gin.Context) (uuid.UUID, bool) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", faults.ErrUnauthorized)
		return uuid.Nil, false
	}
	return rd.UserID, true
}

// pathUUID parses the named path parameter as a UUID, responding 400 itself
// on failure.
func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil || id == uuid.Nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_"+name, faults.ValidationError("invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}

func reqDBC(c *gin.Context) dbctx.Context {
	return dbctx.Context{Ctx: c.Request.Context()}
}
