// README: Thin HTTP and websocket client that acts as any caller through the debug auth headers.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type caller struct {
	uid  string
	role string
}

func patient() caller   { return caller{uid: "bench-p-" + uuid.NewString()[:8], role: "patient"} }
func paramedic() caller { return caller{uid: "bench-m-" + uuid.NewString()[:8], role: "paramedic"} }
func admin() caller     { return caller{uid: "bench-admin", role: "admin"} }

type apiRequest struct {
	ID          string  `json:"id"`
	PatientID   string  `json:"patient_id"`
	ParamedicID *string `json:"paramedic_id"`
	Status      string  `json:"status"`
	Version     int     `json:"version"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Kind  string `json:"kind"`
}

type apiEvent struct {
	Type      string     `json:"type"`
	Seq       int        `json:"seq"`
	RequestID string     `json:"request_id"`
	Request   apiRequest `json:"request"`
}

type wsMessage struct {
	Type  string    `json:"type"`
	Event *apiEvent `json:"event"`
	Code  string    `json:"code"`
}

type response struct {
	status  int
	body    []byte
	latency time.Duration
}

func (r response) decode(v any) error {
	return json.Unmarshal(r.body, v)
}

func (r response) code() string {
	var e apiError
	_ = json.Unmarshal(r.body, &e)
	return e.Code
}

func (r *Runner) do(ctx context.Context, as caller, method, path string, body any) (response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return response{}, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Debug-UID", as.uid)
	req.Header.Set("X-Debug-Role", as.role)
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, err
	}
	return response{status: resp.StatusCode, body: b, latency: time.Since(start)}, nil
}

func (r *Runner) create(ctx context.Context, as caller) (apiRequest, error) {
	resp, err := r.do(ctx, as, http.MethodPost, "/api/requests", map[string]any{
		"location":       map[string]any{"lat": 25.033, "lng": 121.565},
		"emergency_type": "bench",
		"priority":       "high",
	})
	if err != nil {
		return apiRequest{}, err
	}
	if resp.status != http.StatusCreated {
		return apiRequest{}, fmt.Errorf("create: status=%d code=%s", resp.status, resp.code())
	}
	var out apiRequest
	return out, resp.decode(&out)
}

func (r *Runner) accept(ctx context.Context, as caller, id string) (response, error) {
	return r.do(ctx, as, http.MethodPost, "/api/requests/"+id+"/accept", map[string]any{
		"location": map[string]any{"lat": 25.04, "lng": 121.56},
	})
}

func (r *Runner) get(ctx context.Context, as caller, id string) (apiRequest, error) {
	resp, err := r.do(ctx, as, http.MethodGet, "/api/requests/"+id, nil)
	if err != nil {
		return apiRequest{}, err
	}
	if resp.status != http.StatusOK {
		return apiRequest{}, fmt.Errorf("get: status=%d", resp.status)
	}
	var out apiRequest
	return out, resp.decode(&out)
}

func (r *Runner) dial(ctx context.Context, as caller) (*websocket.Conn, error) {
	url := "ws" + strings.TrimPrefix(r.cfg.BaseURL, "http") + "/api/ws"
	header := http.Header{}
	header.Set("X-Debug-UID", as.uid)
	header.Set("X-Debug-Role", as.role)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	return conn, err
}
