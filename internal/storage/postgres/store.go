package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/jkaninda/toolgate/internal/approval"
	"github.com/jkaninda/toolgate/internal/audit"
	"github.com/jkaninda/toolgate/internal/budget"
	"github.com/jkaninda/toolgate/internal/cache"
	"github.com/jkaninda/toolgate/internal/costs"
	"github.com/jkaninda/toolgate/internal/storage"
)

// Repositories bundles the repositories over one GORM connection. Both the
// PostgreSQL and the SQLite store hand these out.
type Repositories struct {
	audit   *AuditRepository
	budgets *BudgetRepository
	cache   *CacheRepository
	costs   *CostRepository
	reviews *ReviewRepository
}

// NewRepositories builds every repository over db.
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		audit:   NewAuditRepository(db),
		budgets: NewBudgetRepository(db),
		cache:   NewCacheRepository(db),
		costs:   NewCostRepository(db),
		reviews: NewReviewRepository(db),
	}
}

func (r *Repositories) Audit() audit.Store              { return r.audit }
func (r *Repositories) Budgets() budget.Store           { return r.budgets }
func (r *Repositories) Cache() cache.Store              { return r.cache }
func (r *Repositories) Costs() costs.Store              { return r.costs }
func (r *Repositories) Reviews() approval.ApprovalStore { return r.reviews }

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	*Repositories
	pgDB *DB
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{
		Repositories: NewRepositories(pgDB.GormDB()),
		pgDB:         pgDB,
	}
}

// Migrate is a no-op: Open already migrated the schema.
func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(ctx context.Context) error { return s.pgDB.Ping(ctx) }

func (s *Store) Close() error { return s.pgDB.Close() }

func (s *Store) Driver() string { return storage.DriverPostgres }

var _ storage.Store = (*Store)(nil)
