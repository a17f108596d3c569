// README: Paramedic handlers for accept and heartbeat position.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"emsdispatch/internal/http/middleware"
	"emsdispatch/internal/modules/assignment"
	"emsdispatch/internal/modules/location"
	"emsdispatch/internal/modules/request"
	"emsdispatch/internal/types"
)

type Assigner interface {
	Accept(ctx context.Context, cmd assignment.AcceptCommand) (*request.Request, error)
	AssignByAdmin(ctx context.Context, cmd assignment.AssignCommand) (*request.Request, error)
}

type PositionReporter interface {
	ReportPosition(ctx context.Context, paramedicID types.ID, p types.Point, at time.Time) (location.Ack, error)
}

type ParamedicHandler struct {
	assigner  Assigner
	positions PositionReporter
}

func NewParamedicHandler(assigner Assigner, positions PositionReporter) *ParamedicHandler {
	return &ParamedicHandler{assigner: assigner, positions: positions}
}

type acceptReq struct {
	Location *sampleBody `json:"location"`
}

// Accept binds the calling paramedic. Without a location in the body the last-known
// heartbeat position is used.
func (h *ParamedicHandler) Accept(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req acceptReq
	if !bindOptional(c, &req) {
		return
	}
	r, err := h.assigner.Accept(c.Request.Context(), assignment.AcceptCommand{
		RequestID: id,
		Paramedic: middleware.Caller(c),
		Position:  toPosition(req.Location),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *ParamedicHandler) Heartbeat(c *gin.Context) {
	actor := middleware.Caller(c)
	if actor.Role != request.RoleParamedic {
		forbidden(c, "forbidden: paramedic role required")
		return
	}
	var req sampleBody
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	ack, err := h.positions.ReportPosition(c.Request.Context(), actor.ID, req.point(), req.at())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ack)
}

func toPosition(s *sampleBody) *assignment.Position {
	if s == nil {
		return nil
	}
	return &assignment.Position{Point: s.point(), Accuracy: s.Accuracy, Timestamp: s.at()}
}
