// README: Scenario checks: environment, ride lifecycle, share pairing, races and throughput.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
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

	// run prefixes every id so repeated runs never collide on active rides.
	run    string
	rideID string
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

type point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

var (
	taipeiPickup  = point{Lat: 25.0330, Lng: 121.5654}
	taipeiDropoff = point{Lat: 25.0478, Lng: 121.5318}
	// The race check runs in its own city so only its driver is in range.
	kaohsiungPickup  = point{Lat: 22.6273, Lng: 120.3014}
	kaohsiungDropoff = point{Lat: 22.6397, Lng: 120.3020}
)

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		run:   uuid.NewString()[:8],
	}
}

func (r *Runner) id(name string) string {
	return r.run + "-" + name
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
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

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

// call sends a JSON request and decodes a JSON response into out when non-nil.
func (r *Runner) call(ctx context.Context, method, path string, body, out any) (int, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	latency := time.Since(start)
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, latency, err
		}
		return resp.StatusCode, latency, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, latency, nil
}

// expect runs one request and passes when the status is one of ok.
func (r *Runner) expect(ctx context.Context, method, path string, body, out any, ok ...int) Result {
	code, latency, err := r.call(ctx, method, path, body, out)
	if err != nil {
		return Result{Status: statusFail, Latency: latency, Note: err.Error()}
	}
	if contains(ok, code) {
		return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("status=%d", code)}
	}
	return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d", code)}
}

func rideRequest(riderID string, fare int64, mode string, pickup, dropoff point) map[string]any {
	return map[string]any{
		"rider_id": riderID,
		"pickup":   pickup,
		"dropoff":  dropoff,
		"fare":     fare,
		"mode":     mode,
	}
}

type rideView struct {
	ID           string  `json:"id"`
	Status       string  `json:"status"`
	DriverID     *string `json:"driver_id"`
	ShareGroupID *string `json:"share_group_id"`
}

type walletView struct {
	Balance   int64 `json:"balance"`
	Held      int64 `json:"held"`
	Available int64 `json:"available"`
}

func (r *Runner) onlineDriver(ctx context.Context, id string, at point) error {
	steps := []struct {
		method, path string
		body         any
		want         int
	}{
		{http.MethodPost, "/api/drivers", map[string]any{"id": id, "name": "bench " + id, "position": at}, http.StatusCreated},
		{http.MethodPut, "/api/drivers/" + id + "/approval", map[string]any{"approval": "APPROVED"}, http.StatusOK},
		{http.MethodPut, "/api/drivers/" + id + "/availability", map[string]any{"online": true}, http.StatusOK},
	}
	for _, s := range steps {
		code, _, err := r.call(ctx, s.method, s.path, s.body, nil)
		if err != nil {
			return err
		}
		if code != s.want {
			return fmt.Errorf("%s %s: status=%d", s.method, s.path, code)
		}
	}
	return nil
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{
			Name: "Env: Postgres connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusSkip, Note: "dsn not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Env: Redis connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: statusSkip, Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Migration: apply (optional)",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: statusSkip, Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
				}
				sql, err := os.ReadFile(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				for _, s := range splitSQL(string(sql)) {
					if _, err := r.db.Exec(ctx, s); err != nil {
						return Result{Status: statusFail, Note: err.Error()}
					}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Migration: tables exist",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusSkip, Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: statusFail, Note: err.Error()}
					}
					if !exists {
						return Result{Status: statusFail, Note: "missing table: " + t}
					}
				}
				return Result{Status: statusPass, Note: fmt.Sprintf("%d tables", len(tables))}
			},
		},
		{
			Name: "API: health",
			Run: func(ctx context.Context, r *Runner) Result {
				return r.expect(ctx, http.MethodGet, "/health", nil, nil, http.StatusOK)
			},
		},
		{
			Name: "Driver: register, approve, go online",
			Run: func(ctx context.Context, r *Runner) Result {
				if err := r.onlineDriver(ctx, r.id("d1"), point{Lat: 25.0340, Lng: 121.5650}); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Wallet: top up rider",
			Run: func(ctx context.Context, r *Runner) Result {
				return r.expect(ctx, http.MethodPost, "/api/wallets/"+r.id("r1")+"/credit",
					map[string]any{"amount": 10000, "reference": "bench"}, nil, http.StatusOK)
			},
		},
		{
			Name: "Ride: request private ride is assigned",
			Run: func(ctx context.Context, r *Runner) Result {
				var v rideView
				res := r.expect(ctx, http.MethodPost, "/api/rides",
					rideRequest(r.id("r1"), 1000, "PRIVATE", taipeiPickup, taipeiDropoff), &v, http.StatusCreated)
				r.rideID = v.ID
				if res.Status == statusPass && v.Status != "ASSIGNED" {
					res.Status = statusFail
					res.Note = "status " + v.Status
				}
				return res
			},
		},
		{
			Name: "Ride: second active ride rejected",
			Run: func(ctx context.Context, r *Runner) Result {
				return r.expect(ctx, http.MethodPost, "/api/rides",
					rideRequest(r.id("r1"), 1000, "PRIVATE", taipeiPickup, taipeiDropoff), nil, http.StatusConflict)
			},
		},
		{
			Name: "Ride: invalid request rejected",
			Run: func(ctx context.Context, r *Runner) Result {
				return r.expect(ctx, http.MethodPost, "/api/rides",
					rideRequest(r.id("r9"), 0, "PRIVATE", taipeiPickup, point{Lat: 123, Lng: 456}), nil, http.StatusBadRequest)
			},
		},
		{
			Name: "Ride: start places hold",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.rideID == "" {
					return Result{Status: statusSkip, Note: "no ride"}
				}
				return r.expect(ctx, http.MethodPost, "/api/rides/"+r.rideID+"/start", nil, nil, http.StatusOK)
			},
		},
		{
			Name: "Ride: complete pays driver fare minus commission",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.rideID == "" {
					return Result{Status: statusSkip, Note: "no ride"}
				}
				res := r.expect(ctx, http.MethodPost, "/api/rides/"+r.rideID+"/complete", nil, nil, http.StatusOK)
				if res.Status != statusPass {
					return res
				}
				var w walletView
				if code, _, err := r.call(ctx, http.MethodGet, "/api/wallets/"+r.id("d1"), nil, &w); err != nil || code != http.StatusOK {
					return Result{Status: statusFail, Note: fmt.Sprintf("driver wallet: status=%d err=%v", code, err)}
				}
				res.Note = fmt.Sprintf("driver balance=%d", w.Balance)
				if w.Balance <= 0 || w.Balance >= 1000 {
					res.Status = statusFail
				}
				return res
			},
		},
		{
			Name: "Cancel: pre-start private cancel is free",
			Run: func(ctx context.Context, r *Runner) Result {
				var v rideView
				// Far from every bench driver so the ride stays REQUESTED.
				far := point{Lat: 24.1477, Lng: 120.6736}
				if code, _, err := r.call(ctx, http.MethodPost, "/api/rides",
					rideRequest(r.id("r2"), 800, "PRIVATE", far, far), &v); err != nil || code != http.StatusCreated {
					return Result{Status: statusFail, Note: fmt.Sprintf("request: status=%d err=%v", code, err)}
				}
				var out struct {
					PenaltyAmount int64 `json:"penalty_amount"`
					RideEnded     bool  `json:"ride_ended"`
				}
				res := r.expect(ctx, http.MethodPost, "/api/rides/"+v.ID+"/cancel",
					map[string]any{"caller_id": r.id("r2"), "reason": "bench"}, &out, http.StatusOK)
				if res.Status == statusPass && (out.PenaltyAmount != 0 || !out.RideEnded) {
					res.Status = statusFail
					res.Note = fmt.Sprintf("penalty=%d ended=%v", out.PenaltyAmount, out.RideEnded)
				}
				return res
			},
		},
		{
			Name: "Share: compatible riders pool onto one ride",
			Run: func(ctx context.Context, r *Runner) Result {
				var a, b rideView
				near := point{Lat: taipeiPickup.Lat + 0.002, Lng: taipeiPickup.Lng}
				if code, _, err := r.call(ctx, http.MethodPost, "/api/rides",
					rideRequest(r.id("s1"), 1500, "SHARE", taipeiPickup, taipeiDropoff), &a); err != nil || code != http.StatusCreated {
					return Result{Status: statusFail, Note: fmt.Sprintf("first: status=%d err=%v", code, err)}
				}
				res := r.expect(ctx, http.MethodPost, "/api/rides",
					rideRequest(r.id("s2"), 1500, "SHARE", near, taipeiDropoff), &b, http.StatusCreated)
				if res.Status != statusPass {
					return res
				}
				if a.ID != b.ID {
					// Another open group nearby may have been older; still a pairing.
					res.Note = "joined a different group"
				}
				if b.Status == "SEARCHING_SHARE" {
					res.Status = statusFail
					res.Note = "second rider left searching"
				}
				return res
			},
		},
		{
			Name: "Concurrency: one driver, many riders",
			Run:  raceOneDriver,
		},
		{
			Name: "Share: open group converts after timeout",
			Run: func(ctx context.Context, r *Runner) Result {
				return Result{Status: statusSkip, Note: "needs RIDEPOOL_SHARE_OPEN_TIMEOUT shorter than the run"}
			},
		},
		{
			Name: "Perf: driver location update throughput",
			Run: func(ctx context.Context, r *Runner) Result {
				return perfLoad(ctx, r, http.MethodPut, "/api/drivers/"+r.id("d1")+"/location", point{Lat: 25.0341, Lng: 121.5651})
			},
		},
	}
}

// raceOneDriver requests rides from many riders at once next to a single
// driver; exactly one may end up ASSIGNED.
func raceOneDriver(ctx context.Context, r *Runner) Result {
	driverID := r.id("race-driver")
	if err := r.onlineDriver(ctx, driverID, kaohsiungPickup); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	var assigned, requested atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			var v rideView
			code, _, err := r.call(ctx, http.MethodPost, "/api/rides",
				rideRequest(r.id(fmt.Sprintf("race-r%d", i)), 500, "PRIVATE", kaohsiungPickup, kaohsiungDropoff), &v)
			if err != nil || code != http.StatusCreated {
				return
			}
			requested.Add(1)
			if v.Status == "ASSIGNED" {
				assigned.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	note := fmt.Sprintf("requested=%d assigned=%d", requested.Load(), assigned.Load())
	if assigned.Load() != 1 {
		return Result{Status: statusFail, Note: note}
	}
	return Result{Status: statusPass, Note: note}
}

func perfLoad(ctx context.Context, r *Runner, method, path string, payload any) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				code, _, err := r.call(ctx, method, path, payload, nil)
				if err != nil || code >= 500 {
					errCount.Add(1)
					continue
				}
				count.Add(1)
			}
		}()
	}
	wg.Wait()

	if count.Load() == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count.Load()) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount.Load())}
}

func contains(list []int, v int) bool {
	for _, i := range list {
		if i == v {
			return true
		}
	}
	return false
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

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
