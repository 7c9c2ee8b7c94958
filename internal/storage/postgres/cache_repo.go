package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/toolgate/internal/cache"
)

// CacheRepository implements cache.Store with GORM.
type CacheRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewCacheRepository creates a CacheRepository.
func NewCacheRepository(db *gorm.DB) *CacheRepository {
	return &CacheRepository{db: db, now: time.Now}
}

// Get returns the entry for key and increments its hit count.
func (r *CacheRepository) Get(ctx context.Context, key string) (*cache.Entry, bool, error) {
	var m CacheEntryModel
	err := r.db.WithContext(ctx).First(&m, "cache_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache entry: %w", err)
	}

	if !r.now().UTC().Before(m.ExpiresAt) {
		if err := r.db.WithContext(ctx).Delete(&CacheEntryModel{}, "cache_key = ?", key).Error; err != nil {
			return nil, false, fmt.Errorf("deleting expired cache entry: %w", err)
		}
		return nil, false, nil
	}

	if err := r.db.WithContext(ctx).Model(&CacheEntryModel{}).
		Where("cache_key = ?", key).
		Update("hit_count", gorm.Expr("hit_count + 1")).Error; err != nil {
		return nil, false, fmt.Errorf("counting cache hit: %w", err)
	}
	m.HitCount++
	return toCacheDomain(&m), true, nil
}

// Set upserts an entry and removes expired ones.
func (r *CacheRepository) Set(ctx context.Context, key, role string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	now := r.now().UTC()
	m := CacheEntryModel{
		Key:       key,
		Role:      role,
		Value:     JSON(value),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	db := r.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "value", "expires_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := db.Where("expires_at <= ?", now).Delete(&CacheEntryModel{}).Error; err != nil {
		return fmt.Errorf("sweeping cache: %w", err)
	}
	return nil
}

// Invalidate removes entries whose key contains pattern.
func (r *CacheRepository) Invalidate(ctx context.Context, pattern string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where(`cache_key LIKE ? ESCAPE '\'`, "%"+escapeLike(pattern)+"%").
		Delete(&CacheEntryModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("invalidating cache: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// InvalidateByRole removes entries cached for role.
func (r *CacheRepository) InvalidateByRole(ctx context.Context, role string) (int64, error) {
	res := r.db.WithContext(ctx).Where("role = ?", role).Delete(&CacheEntryModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("invalidating cache role %s: %w", role, res.Error)
	}
	return res.RowsAffected, nil
}

func (r *CacheRepository) Stats(ctx context.Context) (cache.Stats, error) {
	var stats cache.Stats
	db := r.db.WithContext(ctx).Model(&CacheEntryModel{})

	if err := db.Count(&stats.TotalEntries).Error; err != nil {
		return cache.Stats{}, fmt.Errorf("counting cache entries: %w", err)
	}
	if err := r.db.WithContext(ctx).Model(&CacheEntryModel{}).
		Where("expires_at <= ?", r.now().UTC()).
		Count(&stats.ExpiredEntries).Error; err != nil {
		return cache.Stats{}, fmt.Errorf("counting expired cache entries: %w", err)
	}
	if err := r.db.WithContext(ctx).Model(&CacheEntryModel{}).
		Select("COALESCE(SUM(hit_count), 0)").
		Scan(&stats.TotalHits).Error; err != nil {
		return cache.Stats{}, fmt.Errorf("summing cache hits: %w", err)
	}
	return stats, nil
}

// Sweep removes expired entries.
func (r *CacheRepository) Sweep(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at <= ?", r.now().UTC()).
		Delete(&CacheEntryModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweeping cache: %w", res.Error)
	}
	return res.RowsAffected, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

var _ cache.Store = (*CacheRepository)(nil)
