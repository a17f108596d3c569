// README: Admin handlers for manual assignment and nearby paramedic triage.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"emsdispatch/internal/http/middleware"
	"emsdispatch/internal/modules/assignment"
	"emsdispatch/internal/modules/location"
	"emsdispatch/internal/modules/request"
	"emsdispatch/internal/types"
)

type NearbyFinder interface {
	Nearby(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]location.Position, error)
}

type AdminHandler struct {
	assigner Assigner
	nearby   NearbyFinder
}

func NewAdminHandler(assigner Assigner, nearby NearbyFinder) *AdminHandler {
	return &AdminHandler{assigner: assigner, nearby: nearby}
}

type assignReq struct {
	ParamedicID string      `json:"paramedic_id" binding:"required,max=128"`
	Location    *sampleBody `json:"location"`
}

func (h *AdminHandler) Assign(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req assignReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	if !isValidID(req.ParamedicID) {
		writeError(c, http.StatusBadRequest, errorResponse{Error: "invalid paramedic id", Code: "bad_request", Kind: string(request.KindInvalid)})
		return
	}
	r, err := h.assigner.AssignByAdmin(c.Request.Context(), assignment.AssignCommand{
		RequestID:   id,
		ParamedicID: types.ID(req.ParamedicID),
		Admin:       middleware.Caller(c),
		Position:    toPosition(req.Location),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type nearbyQuery struct {
	Lat      *float64 `form:"lat" binding:"required,lat"`
	Lng      *float64 `form:"lng" binding:"required,lng"`
	RadiusKm float64  `form:"radius_km" binding:"omitempty,radius_km"`
	Limit    int      `form:"limit" binding:"omitempty,min=1,max=100"`
}

func (h *AdminHandler) Nearby(c *gin.Context) {
	if middleware.Caller(c).Role != request.RoleAdmin {
		forbidden(c, "forbidden: admin role required")
		return
	}
	var q nearbyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeBadRequest(c, err)
		return
	}
	if q.RadiusKm == 0 {
		q.RadiusKm = 10
	}
	if q.Limit == 0 {
		q.Limit = 20
	}
	found, err := h.nearby.Nearby(c.Request.Context(), types.Point{Lat: *q.Lat, Lng: *q.Lng}, q.RadiusKm, q.Limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"paramedics": found})
}
