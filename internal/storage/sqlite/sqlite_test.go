package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/toolgate/internal/approval"
	"github.com/jkaninda/toolgate/internal/audit"
	"github.com/jkaninda/toolgate/internal/budget"
	"github.com/jkaninda/toolgate/internal/costs"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: MemoryPath}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "toolgate.db")
	s, err := Open(Config{Path: path}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.Driver() != "sqlite" {
		t.Errorf("Driver() = %q", s.Driver())
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Error("expected error for empty path")
	}
}

// --- Audit ---

func TestAudit_AppendAndList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	cost := 0.01
	base := time.Now().UTC().Add(-time.Minute)

	for i, status := range []audit.Status{audit.StatusSuccess, audit.StatusBlocked, audit.StatusSuccess} {
		e := &audit.Entry{
			Timestamp:     base.Add(time.Duration(i) * time.Second),
			ToolID:        "lead_lookup",
			Status:        status,
			SessionID:     "s1",
			RequestID:     "r" + string(rune('0'+i)),
			CorrelationID: "c1",
			Input:         map[string]any{"email": "a@b.co", "token": "[REDACTED]"},
			Cost:          &cost,
			Metadata:      map[string]any{"latencyMs": float64(i)},
		}
		if err := s.Audit().Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if e.ID == "" {
			t.Fatal("Append should assign an id")
		}
	}

	all, err := s.Audit().List(ctx, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].RequestID != "r2" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	in, _ := all[0].Input.(map[string]any)
	if in["token"] != "[REDACTED]" || all[0].Cost == nil || *all[0].Cost != 0.01 {
		t.Errorf("round trip lost data: %+v", all[0])
	}

	blocked, _ := s.Audit().List(ctx, audit.Filter{Status: audit.StatusBlocked})
	if len(blocked) != 1 || blocked[0].RequestID != "r1" {
		t.Errorf("status filter: %+v", blocked)
	}
	page, _ := s.Audit().List(ctx, audit.Filter{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].RequestID != "r1" {
		t.Errorf("pagination: %+v", page)
	}
}

// --- Budgets ---

func TestBudget_ReserveSettle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := budget.Key{Scope: budget.ScopeSession, ID: "s1"}

	b, ok, err := s.Budgets().Reserve(ctx, key, 1000, 600)
	if err != nil || !ok || b.Reserved != 600 || b.Limit != 1000 {
		t.Fatalf("Reserve = %+v, %v, %v", b, ok, err)
	}
	b, ok, _ = s.Budgets().Reserve(ctx, key, 1000, 500)
	if ok || b.Remaining() != 400 {
		t.Errorf("over-reservation should fail, got %+v ok=%v", b, ok)
	}

	if err := s.Budgets().Settle(ctx, key, 1000, 600, 450); err != nil {
		t.Fatal(err)
	}
	b, err = s.Budgets().Get(ctx, key, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if b.Consumed != 450 || b.Reserved != 0 || b.Remaining() != 550 {
		t.Errorf("after settle: %+v", b)
	}
}

func TestBudget_ConcurrentReservations(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := budget.Key{Scope: budget.ScopeTool, ID: "llm_generate"}

	const workers = 20
	var granted atomic.Int32
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := s.Budgets().Reserve(ctx, key, 1000, 100); err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := granted.Load(); got != 10 {
		t.Errorf("granted %d reservations, want 10", got)
	}
	b, _ := s.Budgets().Get(ctx, key, 1000)
	if b.Reserved != 1000 {
		t.Errorf("reserved = %d, want 1000", b.Reserved)
	}
}

func TestBudget_Prune(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	old := budget.Key{Scope: budget.ScopeDaily, ID: "acme", PeriodStart: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	today := budget.Key{Scope: budget.ScopeDaily, ID: "acme", PeriodStart: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)}
	session := budget.Key{Scope: budget.ScopeSession, ID: "s1"}
	for _, k := range []budget.Key{old, today, session} {
		if _, err := s.Budgets().Get(ctx, k, 100); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.Budgets().Prune(ctx, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
}

// --- Cache ---

func TestCache_Lifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	c := s.Cache()

	if err := c.Set(ctx, "cache_routing_abc", "routing", json.RawMessage(`{"content":"hi"}`), time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, "cache_intent_detection_def", "intent_detection", json.RawMessage(`{"content":"x"}`), time.Hour); err != nil {
		t.Fatal(err)
	}

	e, ok, err := c.Get(ctx, "cache_routing_abc")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if e.HitCount != 1 || string(e.Value) != `{"content":"hi"}` {
		t.Errorf("entry = %+v", e)
	}
	e, _, _ = c.Get(ctx, "cache_routing_abc")
	if e.HitCount != 2 {
		t.Errorf("hit count = %d, want 2", e.HitCount)
	}

	// Upsert keeps hits and replaces the value.
	if err := c.Set(ctx, "cache_routing_abc", "routing", json.RawMessage(`{"content":"new"}`), time.Hour); err != nil {
		t.Fatal(err)
	}
	e, _, _ = c.Get(ctx, "cache_routing_abc")
	if string(e.Value) != `{"content":"new"}` || e.HitCount != 3 {
		t.Errorf("after upsert: %+v", e)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalEntries != 2 || stats.TotalHits != 3 {
		t.Errorf("stats = %+v", stats)
	}

	n, _ := c.InvalidateByRole(ctx, "intent_detection")
	if n != 1 {
		t.Errorf("InvalidateByRole removed %d", n)
	}
	n, _ = c.Invalidate(ctx, "routing")
	if n != 1 {
		t.Errorf("Invalidate removed %d", n)
	}
}

func TestCache_ExpiredIsMiss(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := s.Repositories.Cache()

	if err := repo.Set(ctx, "k", "general", json.RawMessage(`1`), time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, ok, _ := repo.Get(ctx, "k"); ok {
		t.Error("expired entry should be a miss")
	}
	stats, _ := repo.Stats(ctx)
	if stats.TotalEntries != 0 {
		t.Errorf("expired entry should be deleted on read, stats = %+v", stats)
	}
}

func TestCache_InvalidateEscapesWildcards(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_ = s.Cache().Set(ctx, "cache_a_b", "", json.RawMessage(`1`), time.Hour)
	_ = s.Cache().Set(ctx, "cacheXaYb", "", json.RawMessage(`1`), time.Hour)

	n, err := s.Cache().Invalidate(ctx, "_a_")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("underscore must match literally, removed %d", n)
	}
}

// --- Costs ---

func TestCosts_AppendQuery(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	recs := []costs.Record{
		{ID: "1", SessionID: "s1", Role: "routing", Model: "gpt-3.5-turbo", TotalTokens: 100, CostUSD: 0.001, CreatedAt: day},
		{ID: "2", SessionID: "s1", Role: "explanation", Model: "gpt-4-turbo-preview", TotalTokens: 500, CostUSD: 0.02, CreatedAt: day.Add(time.Hour), Metadata: map[string]string{"scenario": "x"}},
		{ID: "3", SessionID: "s2", Role: "routing", Model: "gpt-3.5-turbo", TotalTokens: 50, CostUSD: 0.0005, Cached: true, CreatedAt: day.Add(48 * time.Hour)},
	}
	for i := range recs {
		if err := s.Costs().Append(ctx, &recs[i]); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Costs().Query(ctx, costs.Filter{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "1" || got[1].Metadata["scenario"] != "x" {
		t.Errorf("session filter: %+v", got)
	}

	got, _ = s.Costs().Query(ctx, costs.Filter{Start: day, End: day.Add(time.Hour)})
	if len(got) != 2 {
		t.Errorf("range should be inclusive, got %d records", len(got))
	}

	got, _ = s.Costs().Query(ctx, costs.Filter{Role: "routing"})
	if len(got) != 2 || !got[1].Cached {
		t.Errorf("role filter: %+v", got)
	}
}

// --- Reviews ---

func TestReviews_StateMachine(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := s.Reviews()

	id, err := r.Create(ctx, &approval.CreateRequest{
		UserID:    "alice",
		ToolID:    "refund",
		Input:     map[string]any{"amount": 20.0},
		RiskLevel: "high",
	}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	pa, err := r.Get(ctx, id)
	if err != nil || pa.Status != approval.StatusPending || pa.ToolID != "refund" {
		t.Fatalf("Get = %+v, %v", pa, err)
	}

	if err := r.Approve(ctx, id, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := r.Deny(ctx, id, "carol"); !errors.Is(err, approval.ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
	pa, _ = r.Get(ctx, id)
	if pa.Status != approval.StatusApproved || pa.ApprovedBy != "bob" || pa.ResolvedAt == nil {
		t.Errorf("after approve: %+v", pa)
	}

	if _, err := r.Get(ctx, "missing"); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReviews_Expiry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := s.Reviews()

	id, _ := r.Create(ctx, &approval.CreateRequest{UserID: "alice", ToolID: "refund", RiskLevel: "high"}, -time.Minute)
	if err := r.Approve(ctx, id, "bob"); !errors.Is(err, approval.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	pa, _ := r.Get(ctx, id)
	if pa.Status != approval.StatusExpired {
		t.Errorf("status = %s, want expired", pa.Status)
	}

	id2, _ := r.Create(ctx, &approval.CreateRequest{UserID: "alice", ToolID: "refund", RiskLevel: "high"}, -time.Minute)
	n, err := r.ExpireOld(ctx)
	if err != nil || n != 1 {
		t.Errorf("ExpireOld = %d, %v", n, err)
	}
	pa, _ = r.Get(ctx, id2)
	if pa.Status != approval.StatusExpired {
		t.Errorf("status = %s, want expired", pa.Status)
	}

	n, err = r.DeleteResolved(ctx, -time.Minute)
	if err != nil || n != 2 {
		t.Errorf("DeleteResolved = %d, %v", n, err)
	}
}

func TestReviews_DBManager(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	m := approval.NewDBManager(s.Reviews(), time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	input := json.RawMessage(`{"amount":20}`)

	id, err := m.Create(ctx, &approval.CreateRequest{
		UserID: "alice", ToolID: "refund", RiskLevel: "high",
		InputHash: approval.InputHash(input),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := approval.CheckApproved(ctx, m, id, "refund", "alice", input); !errors.Is(err, approval.ErrNotApproved) {
		t.Errorf("expected ErrNotApproved, got %v", err)
	}
	if err := m.Approve(ctx, id, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := approval.CheckApproved(ctx, m, id, "refund", "mallory", input); !errors.Is(err, approval.ErrMismatch) {
		t.Errorf("expected ErrMismatch, got %v", err)
	}
	if err := approval.CheckApproved(ctx, m, id, "refund", "alice", json.RawMessage(`{"amount":20000}`)); !errors.Is(err, approval.ErrMismatch) {
		t.Errorf("changed input: expected ErrMismatch, got %v", err)
	}
	if err := approval.CheckApproved(ctx, m, id, "refund", "alice", input); err != nil {
		t.Errorf("approved review should be usable: %v", err)
	}
	if err := approval.CheckApproved(ctx, m, id, "refund", "alice", input); !errors.Is(err, approval.ErrAlreadyResolved) {
		t.Errorf("second use: expected ErrAlreadyResolved, got %v", err)
	}
	pa, _ := m.Get(ctx, id)
	if pa.Status != approval.StatusConsumed || pa.InputHash != approval.InputHash(input) {
		t.Errorf("after use: %+v", pa)
	}
}

func TestReviews_ConsumeExpired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := s.Reviews()

	id, _ := r.Create(ctx, &approval.CreateRequest{UserID: "alice", ToolID: "refund", RiskLevel: "high"}, 50*time.Millisecond)
	if err := r.Consume(ctx, id); !errors.Is(err, approval.ErrNotApproved) {
		t.Errorf("pending: expected ErrNotApproved, got %v", err)
	}
	if err := r.Approve(ctx, id, "bob"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := r.Consume(ctx, id); !errors.Is(err, approval.ErrExpired) {
		t.Errorf("expired approval: expected ErrExpired, got %v", err)
	}
	if err := r.Consume(ctx, "missing"); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
