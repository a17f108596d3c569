// README: Bench cases; environment, lifecycle, race, location and load checks.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func pass(note string, args ...any) Result {
	return Result{Status: statusPass, Note: fmt.Sprintf(note, args...)}
}

func fail(note string, args ...any) Result {
	return Result{Status: statusFail, Note: fmt.Sprintf(note, args...)}
}

func skip(note string) Result {
	return Result{Status: statusSkip, Note: note}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
			defer db.Close()
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
		defer r.redis.Close()
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkPostgres},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Env: migrated tables exist", Run: checkTables},
		{Name: "API: health", Run: checkHealth},
		{Name: "Lifecycle: create, accept, arrive, complete", Run: checkLifecycle},
		{Name: "Lifecycle: duplicate active request rejected", Run: checkDuplicateActive},
		{Name: "Lifecycle: terminal request is immutable", Run: checkTerminalImmutable},
		{Name: "Race: many paramedics accept one request", Run: raceAcceptOneRequest},
		{Name: "Race: one paramedic accepts many requests", Run: raceOneParamedicManyRequests},
		{Name: "Race: cancel vs accept", Run: raceCancelVsAccept},
		{Name: "Location: stale sample ignored", Run: checkStaleSample},
		{Name: "Location: invalid coordinate rejected", Run: checkInvalidCoordinate},
		{Name: "Events: per-request order over websocket", Run: checkEventOrder},
		{Name: "Consistency: at most one active per patient and paramedic", Run: checkStoredInvariants},
		{Name: "Load: location burst", Run: loadLocationBurst},
	}
}

func checkPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return skip("dsn not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return fail("%v", err)
	}
	return pass("")
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return skip("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return fail("%v", err)
	}
	return pass("")
}

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return skip("dsn not configured")
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return fail("%v", err)
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return fail("%v", err)
		}
		if !exists {
			return fail("missing table: %s", t)
		}
	}
	return pass("%d tables", len(tables))
}

func checkHealth(ctx context.Context, r *Runner) Result {
	resp, err := r.do(ctx, caller{}, http.MethodGet, "/health", nil)
	if err != nil {
		return fail("%v", err)
	}
	if resp.status != http.StatusOK {
		return fail("status=%d", resp.status)
	}
	return Result{Status: statusPass, Latency: resp.latency}
}

func checkLifecycle(ctx context.Context, r *Runner) Result {
	p, m := patient(), paramedic()
	req, err := r.create(ctx, p)
	if err != nil {
		return fail("%v", err)
	}
	start := time.Now()
	steps := []struct {
		path   string
		as     caller
		status string
	}{
		{"/accept", m, "enroute"},
		{"/arrive", m, "arrived"},
		{"/complete", m, "completed"},
	}
	for _, s := range steps {
		var resp response
		if s.path == "/accept" {
			resp, err = r.accept(ctx, s.as, req.ID)
		} else {
			resp, err = r.do(ctx, s.as, http.MethodPost, "/api/requests/"+req.ID+s.path, nil)
		}
		if err != nil {
			return fail("%s: %v", s.path, err)
		}
		var got apiRequest
		if resp.status != http.StatusOK || resp.decode(&got) != nil || got.Status != s.status {
			return fail("%s: status=%d code=%s", s.path, resp.status, resp.code())
		}
	}
	return Result{Status: statusPass, Latency: time.Since(start)}
}

func checkDuplicateActive(ctx context.Context, r *Runner) Result {
	p := patient()
	if _, err := r.create(ctx, p); err != nil {
		return fail("%v", err)
	}
	_, err := r.create(ctx, p)
	if err == nil {
		return fail("second create succeeded")
	}
	resp, err := r.do(ctx, p, http.MethodPost, "/api/requests", map[string]any{
		"location": map[string]any{"lat": 25.0, "lng": 121.5}, "emergency_type": "bench",
	})
	if err != nil {
		return fail("%v", err)
	}
	if resp.status != http.StatusConflict || resp.code() != "duplicate_active_request" {
		return fail("status=%d code=%s", resp.status, resp.code())
	}
	return pass("")
}

func checkTerminalImmutable(ctx context.Context, r *Runner) Result {
	p := patient()
	req, err := r.create(ctx, p)
	if err != nil {
		return fail("%v", err)
	}
	resp, err := r.do(ctx, p, http.MethodPost, "/api/requests/"+req.ID+"/cancel", map[string]any{"reason": "bench"})
	if err != nil || resp.status != http.StatusOK {
		return fail("cancel: status=%d err=%v", resp.status, err)
	}
	before, err := r.get(ctx, admin(), req.ID)
	if err != nil {
		return fail("%v", err)
	}
	attempts := []func() (response, error){
		func() (response, error) { return r.accept(ctx, paramedic(), req.ID) },
		func() (response, error) { return r.do(ctx, p, http.MethodPost, "/api/requests/"+req.ID+"/cancel", nil) },
		func() (response, error) {
			return r.do(ctx, admin(), http.MethodPatch, "/api/requests/"+req.ID+"/status", map[string]any{"status": "completed"})
		},
	}
	for i, attempt := range attempts {
		resp, err := attempt()
		if err != nil {
			return fail("attempt %d: %v", i, err)
		}
		if resp.status < 400 {
			return fail("attempt %d succeeded with %d", i, resp.status)
		}
	}
	after, err := r.get(ctx, admin(), req.ID)
	if err != nil {
		return fail("%v", err)
	}
	if before.Status != after.Status || before.Version != after.Version {
		return fail("request changed: %+v -> %+v", before, after)
	}
	return pass("")
}

func raceAcceptOneRequest(ctx context.Context, r *Runner) Result {
	req, err := r.create(ctx, patient())
	if err != nil {
		return fail("%v", err)
	}
	var wins, losses, other atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := r.accept(ctx, paramedic(), req.ID)
			switch {
			case err != nil:
				other.Add(1)
			case resp.status == http.StatusOK:
				wins.Add(1)
			case resp.code() == "request_unavailable":
				losses.Add(1)
			default:
				other.Add(1)
			}
		}()
	}
	wg.Wait()
	res := Result{Latency: time.Since(start), Note: fmt.Sprintf("wins=%d unavailable=%d other=%d", wins.Load(), losses.Load(), other.Load())}
	res.Status = statusFail
	if wins.Load() == 1 && other.Load() == 0 {
		res.Status = statusPass
	}
	return res
}

func raceOneParamedicManyRequests(ctx context.Context, r *Runner) Result {
	m := paramedic()
	n := r.cfg.Concurrency
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		req, err := r.create(ctx, patient())
		if err != nil {
			return fail("%v", err)
		}
		ids = append(ids, req.ID)
	}
	var wins, busy atomic.Int64
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			resp, err := r.accept(ctx, m, id)
			if err != nil {
				return
			}
			if resp.status == http.StatusOK {
				wins.Add(1)
			} else if resp.code() == "paramedic_busy" {
				busy.Add(1)
			}
		}(id)
	}
	wg.Wait()
	if wins.Load() != 1 || busy.Load() != int64(n-1) {
		return fail("wins=%d busy=%d", wins.Load(), busy.Load())
	}
	return pass("wins=1 busy=%d", busy.Load())
}

func raceCancelVsAccept(ctx context.Context, r *Runner) Result {
	rounds := r.cfg.Concurrency
	accepted, cancelledFirst := 0, 0
	for i := 0; i < rounds; i++ {
		p := patient()
		req, err := r.create(ctx, p)
		if err != nil {
			return fail("%v", err)
		}
		var acceptResp, cancelResp response
		var acceptErr, cancelErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			acceptResp, acceptErr = r.accept(ctx, paramedic(), req.ID)
		}()
		go func() {
			defer wg.Done()
			cancelResp, cancelErr = r.do(ctx, p, http.MethodPost, "/api/requests/"+req.ID+"/cancel", nil)
		}()
		wg.Wait()
		if acceptErr != nil || cancelErr != nil {
			return fail("transport: %v %v", acceptErr, cancelErr)
		}
		// Cancel is legal from pending and enroute, so it always wins eventually.
		if cancelResp.status != http.StatusOK {
			return fail("cancel status=%d code=%s", cancelResp.status, cancelResp.code())
		}
		final, err := r.get(ctx, admin(), req.ID)
		if err != nil {
			return fail("%v", err)
		}
		if final.Status != "cancelled" {
			return fail("final status %s", final.Status)
		}
		if acceptResp.status == http.StatusOK {
			accepted++
		} else {
			cancelledFirst++
		}
	}
	return pass("accepted-then-cancelled=%d cancelled-before-accept=%d", accepted, cancelledFirst)
}

func checkStaleSample(ctx context.Context, r *Runner) Result {
	m := paramedic()
	req, err := r.create(ctx, patient())
	if err != nil {
		return fail("%v", err)
	}
	if resp, err := r.accept(ctx, m, req.ID); err != nil || resp.status != http.StatusOK {
		return fail("accept failed")
	}
	now := time.Now().UTC()
	send := func(at time.Time) (bool, error) {
		resp, err := r.do(ctx, m, http.MethodPost, "/api/requests/"+req.ID+"/location", map[string]any{
			"lat": 25.04, "lng": 121.56, "timestamp": at.Format(time.RFC3339Nano),
		})
		if err != nil {
			return false, err
		}
		if resp.status != http.StatusOK {
			return false, fmt.Errorf("status=%d", resp.status)
		}
		var ack struct {
			Accepted bool `json:"accepted"`
		}
		if err := resp.decode(&ack); err != nil {
			return false, err
		}
		return ack.Accepted, nil
	}
	if _, err := send(now.Add(time.Second)); err != nil {
		return fail("%v", err)
	}
	accepted, err := send(now.Add(-time.Minute))
	if err != nil {
		return fail("%v", err)
	}
	if accepted {
		return fail("older sample was applied")
	}
	return pass("")
}

func checkInvalidCoordinate(ctx context.Context, r *Runner) Result {
	resp, err := r.do(ctx, paramedic(), http.MethodPut, "/api/paramedics/me/position", map[string]any{"lat": 123.0, "lng": 456.0})
	if err != nil {
		return fail("%v", err)
	}
	if resp.status != http.StatusBadRequest {
		return fail("status=%d", resp.status)
	}
	return pass("")
}

func checkEventOrder(ctx context.Context, r *Runner) Result {
	p, m := patient(), paramedic()
	req, err := r.create(ctx, p)
	if err != nil {
		return fail("%v", err)
	}
	conn, err := r.dial(ctx, p)
	if err != nil {
		return skip("websocket: " + err.Error())
	}
	defer conn.Close()
	if err := conn.WriteJSON(map[string]any{"action": "subscribe", "topics": []string{"request:" + req.ID}}); err != nil {
		return fail("%v", err)
	}

	if resp, err := r.accept(ctx, m, req.ID); err != nil || resp.status != http.StatusOK {
		return fail("accept failed")
	}
	for _, step := range []string{"/arrive", "/complete"} {
		if resp, err := r.do(ctx, m, http.MethodPost, "/api/requests/"+req.ID+step, nil); err != nil || resp.status != http.StatusOK {
			return fail("%s failed", step)
		}
	}

	lastSeq := -1
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fail("read: %v", err)
		}
		if msg.Type != "event" || msg.Event == nil {
			continue
		}
		if msg.Event.Type != "Snapshot" && msg.Event.Seq <= lastSeq {
			return fail("seq %d after %d", msg.Event.Seq, lastSeq)
		}
		lastSeq = msg.Event.Seq
		if msg.Event.Request.Status == "completed" {
			return pass("last seq=%d", lastSeq)
		}
	}
	return fail("completed event not received")
}

func checkStoredInvariants(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return skip("dsn not configured")
	}
	var patients, paramedics int
	err := r.db.QueryRow(ctx, `
		SELECT
		  (SELECT COUNT(*) FROM (SELECT patient_id FROM ems_requests
		     WHERE status IN ('pending','enroute','arrived') GROUP BY patient_id HAVING COUNT(*) > 1) p),
		  (SELECT COUNT(*) FROM (SELECT paramedic_id FROM ems_requests
		     WHERE status IN ('enroute','arrived') GROUP BY paramedic_id HAVING COUNT(*) > 1) m)`,
	).Scan(&patients, &paramedics)
	if err != nil {
		return fail("%v", err)
	}
	if patients > 0 || paramedics > 0 {
		return fail("patients with >1 active=%d, paramedics with >1 active=%d", patients, paramedics)
	}
	return pass("")
}

func loadLocationBurst(ctx context.Context, r *Runner) Result {
	m := paramedic()
	req, err := r.create(ctx, patient())
	if err != nil {
		return fail("%v", err)
	}
	if resp, err := r.accept(ctx, m, req.ID); err != nil || resp.status != http.StatusOK {
		return fail("accept failed")
	}
	end := time.Now().Add(r.cfg.Duration)
	var sent, limited, errs atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				resp, err := r.do(ctx, m, http.MethodPost, "/api/requests/"+req.ID+"/location", map[string]any{
					"lat": 25.04, "lng": 121.56, "timestamp": time.Now().UTC().Format(time.RFC3339Nano),
				})
				switch {
				case err != nil:
					errs.Add(1)
				case resp.status == http.StatusTooManyRequests:
					limited.Add(1)
				case resp.status == http.StatusOK:
					sent.Add(1)
				default:
					errs.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	if sent.Load() == 0 {
		return fail("no samples accepted")
	}
	rps := float64(sent.Load()) / r.cfg.Duration.Seconds()
	return pass("rps=%.1f rate_limited=%d errors=%d", rps, limited.Load(), errs.Load())
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}
