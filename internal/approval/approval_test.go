package approval

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jkaninda/toolgate/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var refundInput = json.RawMessage(`{"amount":100}`)

func newReq() *CreateRequest {
	return &CreateRequest{
		UserID:    "alice",
		ToolID:    "refund",
		Input:     map[string]any{"amount": 100},
		InputHash: InputHash(refundInput),
		RiskLevel: "high",
		SessionID: "s1",
	}
}

// --- Manager ---

func TestManager_CreateGet(t *testing.T) {
	m := NewManager(time.Hour, testLogger())
	ctx := context.Background()

	id, err := m.Create(ctx, newReq())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	pa, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pa.Status != StatusPending || pa.ToolID != "refund" || pa.UserID != "alice" {
		t.Errorf("unexpected review: %+v", pa)
	}
	if !pa.ExpiresAt.After(pa.CreatedAt) {
		t.Error("ExpiresAt should be after CreatedAt")
	}
	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_ApproveOnce(t *testing.T) {
	m := NewManager(time.Hour, testLogger())
	ctx := context.Background()
	id, _ := m.Create(ctx, newReq())

	if err := m.Approve(ctx, id, "bob"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	pa, _ := m.Get(ctx, id)
	if pa.Status != StatusApproved || pa.ApprovedBy != "bob" || pa.ResolvedAt == nil {
		t.Errorf("unexpected review after approve: %+v", pa)
	}
	if err := m.Deny(ctx, id, "carol"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestManager_Expired(t *testing.T) {
	m := NewManager(time.Millisecond, testLogger())
	ctx := context.Background()
	id, _ := m.Create(ctx, newReq())
	time.Sleep(5 * time.Millisecond)

	if err := m.Approve(ctx, id, "bob"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	pa, _ := m.Get(ctx, id)
	if pa.Status != StatusExpired {
		t.Errorf("status = %s, want expired", pa.Status)
	}
}

func TestManager_Cleanup(t *testing.T) {
	m := NewManager(time.Millisecond, testLogger())
	ctx := context.Background()
	id, _ := m.Create(ctx, newReq())
	time.Sleep(5 * time.Millisecond)

	if err := m.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := m.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired review should be removed, got %v", err)
	}
}

// --- CheckApproved ---

func TestCheckApproved(t *testing.T) {
	m := NewManager(time.Hour, testLogger())
	ctx := context.Background()
	id, _ := m.Create(ctx, newReq())

	if err := CheckApproved(ctx, m, id, "refund", "alice", refundInput); !errors.Is(err, ErrNotApproved) {
		t.Errorf("pending review: expected ErrNotApproved, got %v", err)
	}
	_ = m.Approve(ctx, id, "bob")

	if err := CheckApproved(ctx, m, id, "delete_user", "alice", refundInput); !errors.Is(err, ErrMismatch) {
		t.Errorf("other tool: expected ErrMismatch, got %v", err)
	}
	if err := CheckApproved(ctx, m, id, "refund", "mallory", refundInput); !errors.Is(err, ErrMismatch) {
		t.Errorf("other user: expected ErrMismatch, got %v", err)
	}
	if err := CheckApproved(ctx, m, id, "refund", "alice", json.RawMessage(`{"amount":999999}`)); !errors.Is(err, ErrMismatch) {
		t.Errorf("other input: expected ErrMismatch, got %v", err)
	}

	// Same input, different formatting.
	if err := CheckApproved(ctx, m, id, "refund", "alice", json.RawMessage(`{ "amount": 100 }`)); err != nil {
		t.Fatalf("approved review should pass: %v", err)
	}
	if err := CheckApproved(ctx, m, id, "refund", "alice", refundInput); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second use: expected ErrAlreadyResolved, got %v", err)
	}
	pa, _ := m.Get(ctx, id)
	if pa.Status != StatusConsumed {
		t.Errorf("status = %s, want consumed", pa.Status)
	}
}

func TestInputHash(t *testing.T) {
	a := InputHash(json.RawMessage(`{"a":1,"b":"x"}`))
	if b := InputHash(json.RawMessage(`{"b":"x",  "a":1}`)); a != b {
		t.Error("key order and whitespace should not change the hash")
	}
	if b := InputHash(json.RawMessage(`{"a":1.0,"b":"x"}`)); a == b {
		t.Error("number text is part of the approved input")
	}
	if b := InputHash(json.RawMessage(`{"a":2,"b":"x"}`)); a == b {
		t.Error("different values must hash differently")
	}
	if InputHash(json.RawMessage(`not json`)) == "" {
		t.Error("invalid JSON still hashes")
	}
}

// --- DBManager ---

type fakeStore struct {
	reviews   map[string]*PendingApproval
	expired   int64
	deleted   int64
	olderThan time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{reviews: make(map[string]*PendingApproval)}
}

func (f *fakeStore) Create(_ context.Context, req *CreateRequest, ttl time.Duration) (string, error) {
	id := "r" + string(rune('0'+len(f.reviews)))
	now := time.Now().UTC()
	f.reviews[id] = &PendingApproval{
		ID: id, UserID: req.UserID, ToolID: req.ToolID, Input: req.Input, InputHash: req.InputHash,
		Status: StatusPending, CreatedAt: now, ExpiresAt: now.Add(ttl),
	}
	return id, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*PendingApproval, error) {
	pa, ok := f.reviews[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pa
	return &cp, nil
}

func (f *fakeStore) Approve(_ context.Context, id, approverID string) error {
	pa, ok := f.reviews[id]
	if !ok {
		return ErrNotFound
	}
	if pa.Status != StatusPending {
		return ErrAlreadyResolved
	}
	pa.Status = StatusApproved
	pa.ApprovedBy = approverID
	return nil
}

func (f *fakeStore) Deny(_ context.Context, id, denierID string) error {
	pa, ok := f.reviews[id]
	if !ok {
		return ErrNotFound
	}
	pa.Status = StatusDenied
	pa.ApprovedBy = denierID
	return nil
}

func (f *fakeStore) Consume(_ context.Context, id string) error {
	pa, ok := f.reviews[id]
	if !ok {
		return ErrNotFound
	}
	if pa.Status != StatusApproved {
		return ErrNotApproved
	}
	pa.Status = StatusConsumed
	return nil
}

func (f *fakeStore) ExpireOld(context.Context) (int64, error) { return f.expired, nil }

func (f *fakeStore) DeleteResolved(_ context.Context, olderThan time.Duration) (int64, error) {
	f.olderThan = olderThan
	return f.deleted, nil
}

func TestDBManager_ApproveFeedsAutoApprover(t *testing.T) {
	store := newFakeStore()
	auto := NewAutoApprover(&config.AutoApprovalConfig{
		AllowedTools:      []string{"refund"},
		RequiredApprovals: 1,
	}, testLogger())
	m := NewDBManager(store, time.Hour, testLogger()).WithAutoApprover(auto)
	ctx := context.Background()

	req := newReq()
	if ok, _ := auto.ShouldAutoApprove(req.UserID, req.ToolID, req.Input); ok {
		t.Fatal("no approvals recorded yet")
	}
	id, err := m.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Approve(ctx, id, "bob"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := CheckApproved(ctx, m, id, "refund", "alice", refundInput); err != nil {
		t.Errorf("CheckApproved: %v", err)
	}
	if store.reviews[id].Status != StatusConsumed {
		t.Errorf("status = %s, want consumed", store.reviews[id].Status)
	}
	if ok, reason := auto.ShouldAutoApprove(req.UserID, req.ToolID, req.Input); !ok || reason == "" {
		t.Error("manual approval should enable auto-approval")
	}
}

func TestDBManager_Cleanup(t *testing.T) {
	store := newFakeStore()
	store.expired, store.deleted = 2, 1
	m := NewDBManager(store, time.Hour, testLogger())
	if err := m.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if store.olderThan != 2*time.Hour {
		t.Errorf("olderThan = %v, want 2h", store.olderThan)
	}
}

// --- AutoApprover ---

func TestAutoApprover_Thresholds(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := NewAutoApprover(&config.AutoApprovalConfig{
		AllowedTools:      []string{"refund"},
		RequiredApprovals: 2,
		MaxPerHour:        1,
		WindowHours:       1,
	}, testLogger())
	a.now = func() time.Time { return now }
	input := map[string]any{"amount": 5}

	a.RecordManualApproval("alice", "refund", input)
	if ok, _ := a.ShouldAutoApprove("alice", "refund", input); ok {
		t.Fatal("one approval is below the threshold")
	}
	a.RecordManualApproval("alice", "refund", input)
	if ok, _ := a.ShouldAutoApprove("alice", "refund", input); !ok {
		t.Fatal("two approvals should meet the threshold")
	}
	if ok, _ := a.ShouldAutoApprove("alice", "refund", input); ok {
		t.Error("hourly cap should block the second auto-approval")
	}
	if ok, _ := a.ShouldAutoApprove("alice", "refund", map[string]any{"amount": 6}); ok {
		t.Error("different input must not match")
	}
	if ok, _ := a.ShouldAutoApprove("alice", "delete_user", input); ok {
		t.Error("tool not in allow list")
	}

	now = now.Add(2 * time.Hour)
	if ok, _ := a.ShouldAutoApprove("alice", "refund", input); ok {
		t.Error("approvals outside the window should not count")
	}
}

func TestAutoApprover_NilDisabled(t *testing.T) {
	a := NewAutoApprover(nil, testLogger())
	if a != nil {
		t.Fatal("nil config should return nil")
	}
	a.RecordManualApproval("alice", "refund", nil)
	if ok, _ := a.ShouldAutoApprove("alice", "refund", nil); ok {
		t.Error("nil approver should never auto-approve")
	}
}
