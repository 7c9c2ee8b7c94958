package approval

import (
	"context"
	"time"
)

// ApprovalStore is the persistence contract for review records.
// Implementations must enforce the state machine:
//   - Pending -> Approved
//   - Pending -> Denied
//   - Pending -> Expired
//   - Approved -> Consumed (once, before ExpiresAt)
//
// Denied, Expired and Consumed are final.
type ApprovalStore interface {
	// Create persists a new pending review and returns its ID.
	Create(ctx context.Context, req *CreateRequest, ttl time.Duration) (id string, err error)
	// Get retrieves a review by ID, marking it expired if past ExpiresAt.
	Get(ctx context.Context, id string) (*PendingApproval, error)
	// Approve transitions a pending review to StatusApproved.
	Approve(ctx context.Context, id, approverID string) error
	// Deny transitions a pending review to StatusDenied.
	Deny(ctx context.Context, id, denierID string) error
	// Consume atomically transitions an approved, unexpired review to StatusConsumed.
	Consume(ctx context.Context, id string) error
	// ExpireOld bulk-updates status to expired for all pending rows where expires_at < now().
	ExpireOld(ctx context.Context) (int64, error)
	// DeleteResolved removes resolved/expired rows older than the given age.
	DeleteResolved(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ApprovalManager is the public contract for the review workflow.
// Both the in-memory *Manager and the database-backed *DBManager satisfy this.
type ApprovalManager interface {
	Create(ctx context.Context, req *CreateRequest) (string, error)
	Get(ctx context.Context, id string) (*PendingApproval, error)
	Approve(ctx context.Context, id, approverID string) error
	Deny(ctx context.Context, id, denierID string) error
	// Consume uses up an approved review.
	Consume(ctx context.Context, id string) error
	// Cleanup expires stale pending reviews and drops old resolved ones.
	Cleanup(ctx context.Context) error
}
