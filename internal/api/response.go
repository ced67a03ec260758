package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/andyy0123/inbox-connector/internal/auth"
	"github.com/andyy0123/inbox-connector/internal/sync"
	"github.com/andyy0123/inbox-connector/internal/tenant"
)

var errMailNotFound = errors.New("mail not found")

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"status": "success", "data": data})
}

func errorBody(code, message string) gin.H {
	return gin.H{"status": "error", "code": code, "message": message}
}

func fail(c *gin.Context, err error) {
	status, code := classify(err)
	c.AbortWithStatusJSON(status, errorBody(code, err.Error()))
}

// classify maps an error to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, tenant.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, tenant.ErrNoUsers):
		return http.StatusBadRequest, "no_users"
	case errors.Is(err, tenant.ErrAlreadyInitialized):
		return http.StatusConflict, "already_initialized"
	case errors.Is(err, tenant.ErrNotFound), errors.Is(err, sync.ErrTenantNotInitialized):
		return http.StatusNotFound, "tenant_not_found"
	case errors.Is(err, errMailNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, sync.ErrSyncInProgress):
		return http.StatusConflict, "sync_in_progress"
	case errors.Is(err, sync.ErrBreakerOpen):
		return http.StatusServiceUnavailable, "sync_suspended"
	case errors.Is(err, auth.ErrForbiddenTenant):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, errors.ErrUnsupported):
		return http.StatusNotImplemented, "unsupported"
	}

	switch sync.KindOf(err) {
	case sync.KindAuthentication:
		return http.StatusBadRequest, "invalid_credentials"
	case sync.KindNotFound:
		return http.StatusNotFound, "not_found"
	case sync.KindTransient:
		return http.StatusServiceUnavailable, "provider_unavailable"
	case sync.KindStoreWrite:
		return http.StatusInternalServerError, "store_error"
	}

	return http.StatusInternalServerError, "internal_error"
}
