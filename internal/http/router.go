// README: HTTP router registration.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"emsdispatch/internal/http/handlers"
	"emsdispatch/internal/http/middleware"
	"emsdispatch/internal/modules/events"
	"emsdispatch/internal/modules/location"
	"emsdispatch/internal/types"
)

type QueryService interface {
	handlers.Queries
	handlers.Snapshots
}

type TrackerService interface {
	handlers.LocationReporter
	handlers.NearbyFinder
	ReportPosition(ctx context.Context, paramedicID types.ID, p types.Point, at time.Time) (location.Ack, error)
}

type RouterDeps struct {
	Lifecycle handlers.Lifecycle
	Queries   QueryService
	Tracker   TrackerService
	Assigner  handlers.Assigner
	Bus       *events.Bus
	// Auth authenticates every /api route, normally middleware.Auth.
	Auth            gin.HandlerFunc
	LocationLimiter *middleware.RateLimiter
	Logger          *zap.Logger
}

func NewRouter(deps RouterDeps) (*gin.Engine, error) {
	if err := handlers.RegisterValidators(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(middleware.Recovery(logger), middleware.Logging(logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", deps.Auth)
	limit := func(c *gin.Context) { c.Next() }
	if deps.LocationLimiter != nil {
		limit = deps.LocationLimiter.Middleware()
	}

	requestHandler := handlers.NewRequestHandler(deps.Lifecycle, deps.Queries, deps.Tracker)
	paramedicHandler := handlers.NewParamedicHandler(deps.Assigner, deps.Tracker)
	adminHandler := handlers.NewAdminHandler(deps.Assigner, deps.Tracker)
	wsHandler := handlers.NewWSHandler(deps.Bus, deps.Queries, logger)

	api.POST("/requests", requestHandler.Create)
	api.GET("/requests/active", requestHandler.Active)
	api.GET("/requests/mine", requestHandler.Mine)
	api.GET("/requests/:id", requestHandler.Get)
	api.GET("/requests/:id/history", requestHandler.History)
	api.PATCH("/requests/:id", requestHandler.UpdateDetails)
	api.PATCH("/requests/:id/status", requestHandler.UpdateStatus)
	api.POST("/requests/:id/accept", paramedicHandler.Accept)
	api.POST("/requests/:id/arrive", requestHandler.Arrive)
	api.POST("/requests/:id/complete", requestHandler.Complete)
	api.POST("/requests/:id/cancel", requestHandler.Cancel)
	api.POST("/requests/:id/location", limit, requestHandler.ReportLocation)

	api.PUT("/paramedics/me/position", limit, paramedicHandler.Heartbeat)

	api.POST("/admin/requests/:id/assign", adminHandler.Assign)
	api.GET("/admin/paramedics/nearby", adminHandler.Nearby)

	api.GET("/ws", wsHandler.Stream)

	return r, nil
}
