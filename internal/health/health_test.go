package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/escrow/internal/domain"
	"github.com/vladislavdragonenkov/escrow/internal/storage/memory"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type statsFunc func(ctx context.Context) (domain.OutboxStats, error)

func (f statsFunc) Stats(ctx context.Context) (domain.OutboxStats, error) { return f(ctx) }

func serve(t *testing.T, handler *Handler) Response {
	t.Helper()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var response Response
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return response
}

func TestHealthHandler_MemoryLedger(t *testing.T) {
	handler := NewHandler("v1.0.0")
	store := memory.NewLedgerStore()
	handler.RegisterChecker("ledger", NewLedgerChecker(store))
	handler.RegisterChecker("outbox", NewOutboxBacklogChecker(store.Outbox(), 100, time.Minute))

	response := serve(t, handler)
	if response.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s (%+v)", response.Status, response.Checks)
	}
	if response.Version != "v1.0.0" {
		t.Errorf("expected version v1.0.0, got %s", response.Version)
	}
	if len(response.Checks) != 2 {
		t.Errorf("expected 2 checks, got %d", len(response.Checks))
	}
}

func TestHealthHandler_LedgerDown(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("ledger", NewLedgerChecker(pingFunc(func(context.Context) error {
		return errors.New("connection refused")
	})))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}

	var response Response
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Checks["ledger"].Message != "connection refused" {
		t.Errorf("unexpected ledger check: %+v", response.Checks["ledger"])
	}
}

func TestHealthHandler_ChecksGetDeadline(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("ledger", NewLedgerChecker(pingFunc(func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	})))

	if response := serve(t, handler); response.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %+v", response.Checks)
	}
}

func TestOutboxBacklogChecker(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		stats  domain.OutboxStats
		err    error
		status Status
	}{
		{"empty", domain.OutboxStats{}, nil, StatusHealthy},
		{"too many pending", domain.OutboxStats{PendingCount: 11, OldestPendingAt: now}, nil, StatusDegraded},
		{"stale event", domain.OutboxStats{PendingCount: 1, OldestPendingAt: now.Add(-2 * time.Minute)}, nil, StatusDegraded},
		{"stats error", domain.OutboxStats{}, errors.New("db down"), StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewOutboxBacklogChecker(statsFunc(func(context.Context) (domain.OutboxStats, error) {
				return tt.stats, tt.err
			}), 10, time.Minute)
			checker.now = func() time.Time { return now }

			if got := checker.Check(context.Background()); got.Status != tt.status {
				t.Fatalf("expected %s, got %+v", tt.status, got)
			}
		})
	}
}

func TestHealthHandler_DegradedStays200(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("outbox", NewOutboxBacklogChecker(statsFunc(func(context.Context) (domain.OutboxStats, error) {
		return domain.OutboxStats{PendingCount: 50}, nil
	}), 10, 0))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ready" {
		t.Fatalf("degraded service must stay ready, got %d %q", w.Code, w.Body.String())
	}
}

func TestLivenessHandler(t *testing.T) {
	w := httptest.NewRecorder()
	LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Errorf("expected body 'ok', got %s", w.Body.String())
	}
}

func TestReadinessHandler_NotReady(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("ledger", NewSimpleChecker("ledger", func(context.Context) error {
		return errors.New("not ready")
	}))

	w := httptest.NewRecorder()
	handler.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
	if w.Body.String() != "not ready" {
		t.Errorf("expected body 'not ready', got %s", w.Body.String())
	}
}
