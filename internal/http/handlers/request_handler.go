// README: Request handlers for create, reads, lifecycle transitions, details and location reports.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"emsdispatch/internal/http/middleware"
	"emsdispatch/internal/modules/location"
	"emsdispatch/internal/modules/query"
	"emsdispatch/internal/modules/request"
	"emsdispatch/internal/types"
)

type Lifecycle interface {
	Create(ctx context.Context, cmd request.CreateCommand) (*request.Request, error)
	MarkArrived(ctx context.Context, cmd request.ArriveCommand) (*request.Request, error)
	Complete(ctx context.Context, cmd request.CompleteCommand) (*request.Request, error)
	Cancel(ctx context.Context, cmd request.CancelCommand) (*request.Request, error)
	UpdateStatus(ctx context.Context, cmd request.UpdateStatusCommand) (*request.Request, error)
	UpdateDetails(ctx context.Context, cmd request.UpdateDetailsCommand) (*request.Request, error)
}

type Queries interface {
	Active(ctx context.Context, actor request.Actor) ([]*request.Request, error)
	Mine(ctx context.Context, actor request.Actor, activeOnly bool) ([]*request.Request, error)
	ByID(ctx context.Context, actor request.Actor, id types.ID, withETA bool) (*query.View, error)
	History(ctx context.Context, actor request.Actor, id types.ID) ([]request.HistoryEntry, error)
}

type LocationReporter interface {
	ReportLocation(ctx context.Context, s location.Sample) (location.Ack, error)
}

type RequestHandler struct {
	lifecycle Lifecycle
	queries   Queries
	tracker   LocationReporter
}

func NewRequestHandler(lifecycle Lifecycle, queries Queries, tracker LocationReporter) *RequestHandler {
	return &RequestHandler{lifecycle: lifecycle, queries: queries, tracker: tracker}
}

type createRequestReq struct {
	Location      *pointBody `json:"location" binding:"required"`
	EmergencyType string     `json:"emergency_type" binding:"required,max=64"`
	Priority      string     `json:"priority" binding:"omitempty,oneof=low medium high critical"`
	Description   string     `json:"description" binding:"max=2000"`
	ContactNumber string     `json:"contact_number" binding:"max=32"`
}

func (h *RequestHandler) Create(c *gin.Context) {
	actor := middleware.Caller(c)
	if actor.Role != request.RolePatient {
		forbidden(c, "forbidden: patient role required")
		return
	}
	var req createRequestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	r, err := h.lifecycle.Create(c.Request.Context(), request.CreateCommand{
		PatientID:     actor.ID,
		Location:      req.Location.point(),
		EmergencyType: req.EmergencyType,
		Priority:      request.Priority(req.Priority),
		Description:   req.Description,
		ContactNumber: req.ContactNumber,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}

func (h *RequestHandler) Active(c *gin.Context) {
	list, err := h.queries.Active(c.Request.Context(), middleware.Caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"requests": list})
}

func (h *RequestHandler) Mine(c *gin.Context) {
	activeOnly, _ := strconv.ParseBool(c.Query("active"))
	list, err := h.queries.Mine(c.Request.Context(), middleware.Caller(c), activeOnly)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"requests": list})
}

func (h *RequestHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	withETA, _ := strconv.ParseBool(c.Query("eta"))
	v, err := h.queries.ByID(c.Request.Context(), middleware.Caller(c), id, withETA)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, v)
}

func (h *RequestHandler) History(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	history, err := h.queries.History(c.Request.Context(), middleware.Caller(c), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"history": history})
}

type notesReq struct {
	Notes string `json:"notes" binding:"max=2000"`
}

// bindOptional accepts an empty body.
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		writeBadRequest(c, err)
		return false
	}
	return true
}

func (h *RequestHandler) Arrive(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req notesReq
	if !bindOptional(c, &req) {
		return
	}
	r, err := h.lifecycle.MarkArrived(c.Request.Context(), request.ArriveCommand{RequestID: id, Actor: middleware.Caller(c), Notes: req.Notes})
	h.respond(c, r, err)
}

func (h *RequestHandler) Complete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req notesReq
	if !bindOptional(c, &req) {
		return
	}
	r, err := h.lifecycle.Complete(c.Request.Context(), request.CompleteCommand{RequestID: id, Actor: middleware.Caller(c), Notes: req.Notes})
	h.respond(c, r, err)
}

type cancelReq struct {
	Reason string `json:"reason" binding:"max=500"`
}

func (h *RequestHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req cancelReq
	if !bindOptional(c, &req) {
		return
	}
	r, err := h.lifecycle.Cancel(c.Request.Context(), request.CancelCommand{RequestID: id, Actor: middleware.Caller(c), Reason: req.Reason})
	h.respond(c, r, err)
}

type updateStatusReq struct {
	Status string `json:"status" binding:"required"`
	Notes  string `json:"notes" binding:"max=2000"`
}

func (h *RequestHandler) UpdateStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req updateStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	r, err := h.lifecycle.UpdateStatus(c.Request.Context(), request.UpdateStatusCommand{
		RequestID: id,
		Actor:     middleware.Caller(c),
		Target:    request.Status(req.Status),
		Notes:     req.Notes,
	})
	h.respond(c, r, err)
}

type updateDetailsReq struct {
	Description   *string `json:"description" binding:"omitempty,max=2000"`
	ContactNumber *string `json:"contact_number" binding:"omitempty,max=32"`
	Notes         *string `json:"notes" binding:"omitempty,max=2000"`
}

func (h *RequestHandler) UpdateDetails(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req updateDetailsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	r, err := h.lifecycle.UpdateDetails(c.Request.Context(), request.UpdateDetailsCommand{
		RequestID: id,
		Actor:     middleware.Caller(c),
		Details:   request.Details{Description: req.Description, ContactNumber: req.ContactNumber, Notes: req.Notes},
	})
	h.respond(c, r, err)
}

// ReportLocation answers 200 for both applied and stale samples; the body says which.
func (h *RequestHandler) ReportLocation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req sampleBody
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	ack, err := h.tracker.ReportLocation(c.Request.Context(), location.Sample{
		RequestID: id,
		Actor:     middleware.Caller(c),
		Point:     req.point(),
		Accuracy:  req.Accuracy,
		Timestamp: req.at(),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ack)
}

func (h *RequestHandler) respond(c *gin.Context, r *request.Request, err error) {
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}
