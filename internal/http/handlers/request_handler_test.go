// README: Handler tests for authorization checks and error mapping over an in-memory stack.
package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emsdispatch/internal/http/handlers"
	httpmiddleware "emsdispatch/internal/http/middleware"
	"emsdispatch/internal/infra"
	"emsdispatch/internal/maps"
	"emsdispatch/internal/modules/assignment"
	"emsdispatch/internal/modules/events"
	"emsdispatch/internal/modules/location"
	"emsdispatch/internal/modules/query"
	"emsdispatch/internal/modules/request"
)

// stubTokenVerifier maps bearer tokens to users so one router can serve several callers.
type stubTokenVerifier struct {
	users map[string]*infra.FirebaseToken
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.FirebaseToken, error) {
	if tok, ok := s.users[raw]; ok {
		return tok, nil
	}
	return nil, errors.New("unknown token")
}

func user(uid, role string) *infra.FirebaseToken {
	claims := map[string]interface{}{}
	if role != "" {
		claims["role"] = role
	}
	return &infra.FirebaseToken{UID: uid, Claims: claims}
}

type testEnv struct {
	router *gin.Engine
	bus    *events.Bus
}

// buildTestRouter wires the handlers over memory stores with the auth middleware in front.
func buildTestRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, handlers.RegisterValidators())

	bus := events.NewBus(events.Options{}, nil)
	t.Cleanup(bus.Close)
	requests := request.NewService(request.NewMemoryStore(), bus, nil)
	tracker := location.NewTracker(requests, location.NewMemoryGate(), location.NewMemoryPositions(), maps.HaversineEstimator{SpeedKmh: 40}, location.Options{}, nil)
	coordinator := assignment.NewCoordinator(requests, tracker, nil)
	queries := query.NewService(requests, tracker, nil)

	verifier := &stubTokenVerifier{users: map[string]*infra.FirebaseToken{
		"patient1":  user("p1", ""),
		"patient2":  user("p2", ""),
		"medic1":    user("m1", "paramedic"),
		"medic2":    user("m2", "paramedic"),
		"admin":     user("a1", "admin"),
		"sysclaims": user("s1", "system"),
	}}

	r := gin.New()
	api := r.Group("/api", httpmiddleware.Auth(verifier))
	rh := handlers.NewRequestHandler(requests, queries, tracker)
	ph := handlers.NewParamedicHandler(coordinator, tracker)
	ah := handlers.NewAdminHandler(coordinator, tracker)
	api.POST("/requests", rh.Create)
	api.GET("/requests/active", rh.Active)
	api.GET("/requests/mine", rh.Mine)
	api.GET("/requests/:id", rh.Get)
	api.GET("/requests/:id/history", rh.History)
	api.PATCH("/requests/:id", rh.UpdateDetails)
	api.PATCH("/requests/:id/status", rh.UpdateStatus)
	api.POST("/requests/:id/accept", ph.Accept)
	api.POST("/requests/:id/arrive", rh.Arrive)
	api.POST("/requests/:id/complete", rh.Complete)
	api.POST("/requests/:id/cancel", rh.Cancel)
	api.POST("/requests/:id/location", rh.ReportLocation)
	api.PUT("/paramedics/me/position", ph.Heartbeat)
	api.POST("/admin/requests/:id/assign", ah.Assign)
	api.GET("/admin/paramedics/nearby", ah.Nearby)
	return &testEnv{router: r, bus: bus}
}

func doRequest(r *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type errBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Kind  string `json:"kind"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

var createBody = map[string]any{
	"location":       map[string]any{"lat": 25.03, "lng": 121.56},
	"emergency_type": "cardiac",
	"priority":       "critical",
}

func createRequest(t *testing.T, env *testEnv, token string) request.Request {
	t.Helper()
	w := doRequest(env.router, http.MethodPost, "/api/requests", createBody, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[request.Request](t, w)
}

func TestCreate_Unauthenticated(t *testing.T) {
	env := buildTestRouter(t)
	w := doRequest(env.router, http.MethodPost, "/api/requests", createBody, "badtoken")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreate_RequiresPatientRole(t *testing.T) {
	env := buildTestRouter(t)
	w := doRequest(env.router, http.MethodPost, "/api/requests", createBody, "medic1")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreate_Validation(t *testing.T) {
	env := buildTestRouter(t)
	cases := map[string]map[string]any{
		"missing location": {"emergency_type": "fall"},
		"latitude out of range": {
			"location": map[string]any{"lat": 91, "lng": 0}, "emergency_type": "fall",
		},
		"missing lng": {
			"location": map[string]any{"lat": 10}, "emergency_type": "fall",
		},
		"unknown priority": {
			"location": map[string]any{"lat": 0, "lng": 0}, "emergency_type": "fall", "priority": "urgent",
		},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := doRequest(env.router, http.MethodPost, "/api/requests", body, "patient1")
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, "invalid", decode[errBody](t, w).Kind)
		})
	}

	// 0,0 is a real coordinate.
	w := doRequest(env.router, http.MethodPost, "/api/requests", map[string]any{
		"location": map[string]any{"lat": 0, "lng": 0}, "emergency_type": "fall",
	}, "patient1")
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestCreate_DuplicateActiveIsConflict(t *testing.T) {
	env := buildTestRouter(t)
	createRequest(t, env, "patient1")
	w := doRequest(env.router, http.MethodPost, "/api/requests", createBody, "patient1")
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode[errBody](t, w)
	assert.Equal(t, "duplicate_active_request", body.Code)
	assert.Equal(t, "rule", body.Kind)
}

func TestLifecycleOverHTTP(t *testing.T) {
	env := buildTestRouter(t)
	r := createRequest(t, env, "patient1")
	base := "/api/requests/" + string(r.ID)

	w := doRequest(env.router, http.MethodPost, base+"/accept", map[string]any{
		"location": map[string]any{"lat": 25.0, "lng": 121.5},
	}, "medic1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	accepted := decode[request.Request](t, w)
	assert.Equal(t, request.StatusEnroute, accepted.Status)

	w = doRequest(env.router, http.MethodPost, base+"/accept", map[string]any{
		"location": map[string]any{"lat": 25.0, "lng": 121.5},
	}, "medic2")
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "request_unavailable", decode[errBody](t, w).Code)

	w = doRequest(env.router, http.MethodGet, base+"?eta=true", nil, "patient1")
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[query.View](t, w)
	require.NotNil(t, view.ETA)
	assert.Equal(t, maps.SourceHaversine, view.ETA.Source)

	w = doRequest(env.router, http.MethodPost, base+"/arrive", nil, "medic2")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(env.router, http.MethodPost, base+"/arrive", map[string]any{"notes": "on scene"}, "medic1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(env.router, http.MethodPatch, base+"/status", map[string]any{"status": "completed"}, "medic1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, request.StatusCompleted, decode[request.Request](t, w).Status)

	w = doRequest(env.router, http.MethodPost, base+"/cancel", nil, "patient1")
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_terminal", decode[errBody](t, w).Code)

	w = doRequest(env.router, http.MethodGet, base+"/history", nil, "patient1")
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[struct {
		History []request.HistoryEntry `json:"history"`
	}](t, w)
	assert.Len(t, history.History, 4)
}

func TestAccept_WithoutLocationOrHeartbeat(t *testing.T) {
	env := buildTestRouter(t)
	r := createRequest(t, env, "patient1")
	w := doRequest(env.router, http.MethodPost, "/api/requests/"+string(r.ID)+"/accept", nil, "medic1")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	body := decode[errBody](t, w)
	assert.Equal(t, "location_unavailable", body.Code)
	assert.Equal(t, "transient", body.Kind)

	w = doRequest(env.router, http.MethodPut, "/api/paramedics/me/position", map[string]any{"lat": 25.0, "lng": 121.5}, "medic1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = doRequest(env.router, http.MethodPost, "/api/requests/"+string(r.ID)+"/accept", nil, "medic1")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAccept_RequiresParamedicRole(t *testing.T) {
	env := buildTestRouter(t)
	r := createRequest(t, env, "patient1")
	for _, token := range []string{"patient2", "admin", "sysclaims"} {
		w := doRequest(env.router, http.MethodPost, "/api/requests/"+string(r.ID)+"/accept", map[string]any{
			"location": map[string]any{"lat": 25.0, "lng": 121.5},
		}, token)
		assert.Equal(t, http.StatusForbidden, w.Code, token)
	}
}

func TestReportLocation(t *testing.T) {
	env := buildTestRouter(t)
	r := createRequest(t, env, "patient1")
	base := "/api/requests/" + string(r.ID)
	w := doRequest(env.router, http.MethodPost, base+"/accept", map[string]any{
		"location": map[string]any{"lat": 25.0, "lng": 121.5, "timestamp": "2024-05-01T10:00:00Z"},
	}, "medic1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(env.router, http.MethodPost, base+"/location", map[string]any{
		"lat": 25.01, "lng": 121.51, "timestamp": "2024-05-01T10:00:10Z",
	}, "medic1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[location.Ack](t, w).Accepted)

	w = doRequest(env.router, http.MethodPost, base+"/location", map[string]any{
		"lat": 25.02, "lng": 121.52, "timestamp": "2024-05-01T10:00:05Z",
	}, "medic1")
	require.Equal(t, http.StatusOK, w.Code)
	ack := decode[location.Ack](t, w)
	assert.False(t, ack.Accepted)
	assert.Equal(t, location.ReasonStale, ack.Reason)

	w = doRequest(env.router, http.MethodPost, base+"/location", map[string]any{"lat": 25.0, "lng": 121.5}, "medic2")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(env.router, http.MethodPost, base+"/location", map[string]any{"lat": 25.0, "lng": 200}, "medic1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminAssignAndNearby(t *testing.T) {
	env := buildTestRouter(t)
	r := createRequest(t, env, "patient1")

	w := doRequest(env.router, http.MethodPut, "/api/paramedics/me/position", map[string]any{"lat": 25.031, "lng": 121.561}, "medic2")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(env.router, http.MethodGet, "/api/admin/paramedics/nearby?lat=25.03&lng=121.56&radius_km=5", nil, "admin")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	nearby := decode[struct {
		Paramedics []location.Position `json:"paramedics"`
	}](t, w)
	require.Len(t, nearby.Paramedics, 1)
	assert.EqualValues(t, "m2", nearby.Paramedics[0].ParamedicID)

	w = doRequest(env.router, http.MethodGet, "/api/admin/paramedics/nearby?lat=25.03&lng=121.56", nil, "medic1")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(env.router, http.MethodPost, "/api/admin/requests/"+string(r.ID)+"/assign", map[string]any{"paramedic_id": "m2"}, "medic1")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(env.router, http.MethodPost, "/api/admin/requests/"+string(r.ID)+"/assign", map[string]any{"paramedic_id": "m2"}, "admin")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assigned := decode[request.Request](t, w)
	require.NotNil(t, assigned.ParamedicID)
	assert.EqualValues(t, "m2", *assigned.ParamedicID)
}

func TestQueriesVisibility(t *testing.T) {
	env := buildTestRouter(t)
	r := createRequest(t, env, "patient1")

	w := doRequest(env.router, http.MethodGet, "/api/requests/active", nil, "patient1")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = doRequest(env.router, http.MethodGet, "/api/requests/active", nil, "medic1")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(env.router, http.MethodGet, "/api/requests/"+string(r.ID), nil, "patient2")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = doRequest(env.router, http.MethodGet, "/api/requests/not-a-request", nil, "admin")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = doRequest(env.router, http.MethodGet, "/api/requests/bad$id", nil, "admin")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(env.router, http.MethodGet, "/api/requests/mine?active=true", nil, "patient1")
	require.Equal(t, http.StatusOK, w.Code)
	mine := decode[struct {
		Requests []request.Request `json:"requests"`
	}](t, w)
	require.Len(t, mine.Requests, 1)
	assert.Equal(t, r.ID, mine.Requests[0].ID)
}

func TestUpdateDetails(t *testing.T) {
	env := buildTestRouter(t)
	r := createRequest(t, env, "patient1")
	w := doRequest(env.router, http.MethodPatch, "/api/requests/"+string(r.ID), map[string]any{"contact_number": "0912345678"}, "patient1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "0912345678", decode[request.Request](t, w).ContactNumber)

	w = doRequest(env.router, http.MethodPatch, "/api/requests/"+string(r.ID), map[string]any{"notes": "x"}, "patient2")
	assert.Equal(t, http.StatusForbidden, w.Code)
}
