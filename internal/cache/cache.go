package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sokoni/llm-router/internal/database"
)

// DefaultTTL is how long a cached response stays servable.
const DefaultTTL = 24 * time.Hour

// Payload is the cached portion of a response.
type Payload struct {
	Content      string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
	CostLocal    *float64
	Currency     string
}

// Store persists responses keyed by tenant + request fingerprint. Tenant
// entries are private; entries with a NULL tenant are a shared global
// fallback, seeded administratively rather than by the dispatcher.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

func NewStore(db *gorm.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log, now: time.Now}
}

// Get returns the cached payload for (tenant, hash), preferring the
// tenant-scoped entry over a global one. Expired entries are never
// returned. A hit increments the entry's hit counter as a side effect;
// the increment is a single UPDATE so concurrent hits are not lost.
func (s *Store) Get(ctx context.Context, tenantID, hash string) (*Payload, bool, error) {
	now := s.now().UTC()

	var entry database.CacheEntry
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND prompt_hash = ? AND expires_at > ?", tenantID, hash, now).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = s.db.WithContext(ctx).
			Where("tenant_id IS NULL AND prompt_hash = ? AND expires_at > ?", hash, now).
			First(&entry).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache read: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(&database.CacheEntry{}).
		Where("id = ?", entry.ID).
		Update("hit_count", gorm.Expr("hit_count + 1")).Error; err != nil {
		// The payload is still good; losing one hit-count tick is acceptable.
		s.log.Warn("cache hit counter update failed", zap.Error(err))
	}

	return &Payload{
		Content:      entry.Content,
		Provider:     entry.Provider,
		Model:        entry.Model,
		InputTokens:  entry.InputTokens,
		OutputTokens: entry.OutputTokens,
		TotalTokens:  entry.TotalTokens,
		CostUSD:      entry.CostUSD,
		CostLocal:    entry.CostLocal,
		Currency:     entry.Currency,
	}, true, nil
}

// Put writes a tenant-scoped entry. Concurrent writers racing on the same
// key keep the first entry.
func (s *Store) Put(ctx context.Context, tenantID, hash string, p *Payload, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	entry := s.buildEntry(&tenantID, tenantID+":"+hash, hash, p, ttl)
	return s.create(ctx, entry)
}

// PutGlobal seeds a global (NULL tenant) entry. This is the administrative
// override path; the dispatcher never writes global entries itself.
func (s *Store) PutGlobal(ctx context.Context, hash string, p *Payload, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	entry := s.buildEntry(nil, "global:"+hash, hash, p, ttl)
	return s.create(ctx, entry)
}

func (s *Store) buildEntry(tenantID *string, key, hash string, p *Payload, ttl time.Duration) *database.CacheEntry {
	return &database.CacheEntry{
		CacheKey:     key,
		TenantID:     tenantID,
		PromptHash:   hash,
		Content:      p.Content,
		Provider:     p.Provider,
		Model:        p.Model,
		InputTokens:  p.InputTokens,
		OutputTokens: p.OutputTokens,
		TotalTokens:  p.TotalTokens,
		CostUSD:      p.CostUSD,
		CostLocal:    p.CostLocal,
		Currency:     p.Currency,
		ExpiresAt:    s.now().UTC().Add(ttl),
	}
}

func (s *Store) create(ctx context.Context, entry *database.CacheEntry) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "cache_key"}}, DoNothing: true}).
		Create(entry).Error
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

// Sweep deletes expired entries and returns how many were removed. Get
// already excludes expired rows, so the sweep only reclaims space.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.now().UTC()).
		Delete(&database.CacheEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("cache sweep: %w", res.Error)
	}
	return res.RowsAffected, nil
}
