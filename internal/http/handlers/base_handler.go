// README: Base handler utilities (JSON helpers, error mapping, id checks).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"emsdispatch/internal/maps"
	"emsdispatch/internal/modules/location"
	"emsdispatch/internal/modules/request"
	"emsdispatch/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Kind  string `json:"kind"`
}

// isValidID accepts uuids and provider uids: up to 128 chars of [A-Za-z0-9_-].
func isValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

// pathID reads the :id param, writing a 400 when it is malformed.
func pathID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, errorResponse{Error: "invalid request id", Code: "bad_request", Kind: string(request.KindInvalid)})
		return "", false
	}
	return types.ID(id), true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, body errorResponse) {
	c.AbortWithStatusJSON(status, body)
}

func writeBadRequest(c *gin.Context, err error) {
	writeError(c, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "bad_request", Kind: string(request.KindInvalid)})
}

// writeServiceError maps domain errors onto HTTP: rule violations are 409, transient
// failures 503 with Retry-After, and anything unclassified is a 500 with no detail.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, location.ErrLocationUnavailable):
		c.Header("Retry-After", "2")
		writeError(c, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "location_unavailable", Kind: string(request.KindTransient)})
		return
	case errors.Is(err, maps.ErrEstimatorUnavailable):
		c.Header("Retry-After", "2")
		writeError(c, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "estimator_unavailable", Kind: string(request.KindTransient)})
		return
	}

	kind := request.KindOf(err)
	body := errorResponse{Error: err.Error(), Code: request.Code(err), Kind: string(kind)}
	switch kind {
	case request.KindRule:
		writeError(c, http.StatusConflict, body)
	case request.KindNotFound:
		writeError(c, http.StatusNotFound, body)
	case request.KindInvalid:
		if errors.Is(err, request.ErrForbidden) {
			writeError(c, http.StatusForbidden, body)
			return
		}
		writeError(c, http.StatusBadRequest, body)
	case request.KindTransient:
		c.Header("Retry-After", "1")
		writeError(c, http.StatusServiceUnavailable, body)
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, errorResponse{Error: "internal error", Kind: string(request.KindInternal)})
	}
}

func forbidden(c *gin.Context, msg string) {
	writeError(c, http.StatusForbidden, errorResponse{Error: msg, Code: "forbidden", Kind: string(request.KindInvalid)})
}
