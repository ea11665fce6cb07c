// Package integration runs the full service stack (HTTP API, retry manager,
// signed HTTP delivery, per-host guard) against real PostgreSQL and Redis.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/menu-planning/retryd/internal/api"
	"github.com/menu-planning/retryd/internal/clock"
	"github.com/menu-planning/retryd/internal/delivery"
	"github.com/menu-planning/retryd/internal/domain"
	"github.com/menu-planning/retryd/internal/observability"
	"github.com/menu-planning/retryd/internal/repository"
	"github.com/menu-planning/retryd/internal/repository/postgres"
	redisstore "github.com/menu-planning/retryd/internal/repository/redis"
	"github.com/menu-planning/retryd/internal/resilience"
	"github.com/menu-planning/retryd/internal/retry"
	"github.com/menu-planning/retryd/internal/testinfra"
)

const signingSecret = "integration-secret"

type testEnv struct {
	handler http.Handler
	clock   *clock.MockClock
}

func setupTestEnv(t *testing.T, store repository.RetryStore, rdb *redis.Client, health *observability.HealthHandler) *testEnv {
	t.Helper()

	cfg := delivery.DefaultConfig()
	cfg.Timeout = 5 * time.Second
	cfg.SigningSecret = signingSecret

	guard := resilience.NewGuard(delivery.NewExecutor(cfg),
		resilience.WithCircuitBreaker(resilience.NewCircuitBreakerManager(resilience.DefaultCircuitBreakerConfig())),
		resilience.WithRateLimit(resilience.NewRedisRateLimiter(rdb, resilience.DefaultRedisRateLimiterConfig(), nil), 100),
	)

	clk := clock.NewMockClock(time.Now().UTC().Truncate(time.Second))
	m, err := retry.NewManager(retry.DefaultPolicy(), store,
		retry.WithExecutor(guard),
		retry.WithClock(clk),
		retry.WithRandom(func() float64 { return 0.5 }),
	)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	if health == nil {
		health = observability.NewHealthHandler()
	}
	health.SetReady(true)

	return &testEnv{
		handler: api.NewRouter(api.RouterConfig{Handler: api.NewHandler(m, nil), HealthHandler: health}),
		clock:   clk,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) record(t *testing.T, id string) domain.RetryRecord {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/retries/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get %s: expected status 200, got %d: %s", id, rec.Code, rec.Body)
	}
	var r domain.RetryRecord
	if err := json.NewDecoder(rec.Body).Decode(&r); err != nil {
		t.Fatalf("failed to decode record: %v", err)
	}
	return r
}

// processWhenDue moves the clock to the record's next retry time and runs a
// queue pass.
func (e *testEnv) processWhenDue(t *testing.T, id string) retry.ProcessingSummary {
	t.Helper()
	r := e.record(t, id)
	if r.NextRetryTime == nil {
		t.Fatalf("%s has no next retry time (status %s)", id, r.Status)
	}
	e.clock.Set(*r.NextRetryTime)

	rec := e.do(t, http.MethodPost, "/retries/process", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("process: expected status 200, got %d: %s", rec.Code, rec.Body)
	}
	var s retry.ProcessingSummary
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatalf("failed to decode summary: %v", err)
	}
	return s
}

// receiver answers with statuses in order, then 200, and records what it got.
type receiver struct {
	mu       sync.Mutex
	statuses []int
	requests []*http.Request
	bodies   [][]byte
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rc.mu.Lock()
	rc.requests = append(rc.requests, r)
	rc.bodies = append(rc.bodies, body)
	code := http.StatusOK
	if len(rc.statuses) > 0 {
		code, rc.statuses = rc.statuses[0], rc.statuses[1:]
	}
	rc.mu.Unlock()
	w.WriteHeader(code)
}

func (rc *receiver) count() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.requests)
}

func setupPostgres(t *testing.T) (*pgxpool.Pool, *postgres.Store) {
	t.Helper()
	pool := testinfra.Postgres(t)
	if err := postgres.Migrate(context.Background(), pool); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return pool, postgres.NewStore(pool)
}

// TestEndToEndRetryUntilDelivered schedules a failed webhook over HTTP and
// drives the queue until the destination accepts it.
func TestEndToEndRetryUntilDelivered(t *testing.T) {
	pool, store := setupPostgres(t)
	env := setupTestEnv(t, store, testinfra.Redis(t), nil)

	rcv := &receiver{statuses: []int{http.StatusServiceUnavailable, http.StatusBadGateway}}
	server := httptest.NewServer(rcv)
	defer server.Close()

	rec := env.do(t, http.MethodPost, "/retries", retry.ScheduleRequest{
		WebhookID:     "wh_e2e",
		FormID:        "form_e2e",
		WebhookURL:    server.URL + "/hook",
		FailureReason: "HTTP 500",
		StatusCode:    http.StatusInternalServerError,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rec.Code, rec.Body)
	}

	for i, want := range []int{1, 1, 1} {
		s := env.processWhenDue(t, "wh_e2e")
		if s.Processed != want {
			t.Fatalf("pass %d: expected %d processed, got %+v", i+1, want, s)
		}
	}

	r := env.record(t, "wh_e2e")
	if r.Status != domain.RetryStatusSuccess {
		t.Fatalf("expected status success, got %s", r.Status)
	}
	if r.TotalAttempts != 3 || r.FailedAttempts != 2 || r.SuccessfulAttempts != 1 {
		t.Errorf("unexpected counters: total=%d failed=%d ok=%d", r.TotalAttempts, r.FailedAttempts, r.SuccessfulAttempts)
	}
	if *r.Attempts[1].ResponseStatusCode != http.StatusBadGateway {
		t.Errorf("expected attempt 2 to record 502, got %d", *r.Attempts[1].ResponseStatusCode)
	}

	if n := rcv.count(); n != 3 {
		t.Fatalf("expected 3 deliveries, got %d", n)
	}
	last := rcv.requests[2]
	if last.Header.Get(delivery.HeaderWebhookID) != "wh_e2e" || last.Header.Get(delivery.HeaderFormID) != "form_e2e" {
		t.Errorf("unexpected headers: %v", last.Header)
	}
	if !delivery.Verify(rcv.bodies[2], signingSecret, last.Header.Get(delivery.HeaderSignature)) {
		t.Error("delivery signature did not verify")
	}

	var status string
	if err := pool.QueryRow(context.Background(),
		`SELECT status FROM retry_records WHERE webhook_id = $1`, "wh_e2e").Scan(&status); err != nil {
		t.Fatalf("failed to query record status: %v", err)
	}
	if status != "success" {
		t.Errorf("expected stored status 'success', got %q", status)
	}

	var queued int
	if err := pool.QueryRow(context.Background(), `SELECT count(*) FROM retry_queue`).Scan(&queued); err != nil {
		t.Fatalf("failed to count queue: %v", err)
	}
	if queued != 0 {
		t.Errorf("expected empty queue, got %d", queued)
	}
}

// TestEndToEndGoneDisablesOnRedis uses the Redis store and checks that a 410
// from the destination ends the campaign after one attempt.
func TestEndToEndGoneDisablesOnRedis(t *testing.T) {
	rdb := testinfra.Redis(t)
	env := setupTestEnv(t, redisstore.NewStore(rdb, "e2e:"), rdb, nil)

	rcv := &receiver{statuses: []int{http.StatusGone}}
	server := httptest.NewServer(rcv)
	defer server.Close()

	env.do(t, http.MethodPost, "/retries", retry.ScheduleRequest{
		WebhookID:  "wh_gone",
		WebhookURL: server.URL,
		StatusCode: http.StatusServiceUnavailable,
	})

	s := env.processWhenDue(t, "wh_gone")
	if s.Disabled != 1 {
		t.Fatalf("expected 1 disabled, got %+v", s)
	}

	r := env.record(t, "wh_gone")
	if r.Status != domain.RetryStatusPermanentlyDisabled || r.PermanentFailureReason != domain.FailureReasonGone {
		t.Errorf("expected permanently disabled (gone), got %s (%s)", r.Status, r.PermanentFailureReason)
	}

	rec := env.do(t, http.MethodGet, "/retries", nil)
	var qs struct {
		QueueSize int `json:"queue_size"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&qs); err != nil {
		t.Fatal(err)
	}
	if qs.QueueSize != 0 {
		t.Errorf("expected empty queue, got %d", qs.QueueSize)
	}

	if rec := env.do(t, http.MethodPost, "/retries/process", nil); rec.Code != http.StatusOK {
		t.Fatalf("process: expected status 200, got %d", rec.Code)
	}
	if n := rcv.count(); n != 1 {
		t.Errorf("expected exactly 1 delivery, got %d", n)
	}
}

func TestHealthEndpoint(t *testing.T) {
	pool, store := setupPostgres(t)
	health := observability.NewHealthHandler()
	health.AddCheck("store", store)
	env := setupTestEnv(t, store, testinfra.Redis(t), health)

	rec := env.do(t, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body)
	}

	pool.Close()
	rec = env.do(t, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 after the pool closed, got %d", rec.Code)
	}
}
