package database

import "time"

// CacheEntry stores one prior response keyed by tenant + request fingerprint.
// A NULL TenantID marks a global entry shared across tenants.
type CacheEntry struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	CacheKey     string    `gorm:"uniqueIndex;not null"` // "<tenant>:<hash>" or "global:<hash>"
	TenantID     *string   `gorm:"index:idx_cache_lookup"`
	PromptHash   string    `gorm:"not null;index:idx_cache_lookup"`
	Content      string    `gorm:"not null"`
	Provider     string    `gorm:"not null"`
	Model        string    `gorm:"not null"`
	InputTokens  int64     `gorm:"not null;default:0"`
	OutputTokens int64     `gorm:"not null;default:0"`
	TotalTokens  int64     `gorm:"not null;default:0"`
	CostUSD      float64   `gorm:"not null;default:0"`
	CostLocal    *float64
	Currency     string    `gorm:"not null;default:USD"`
	HitCount     int64     `gorm:"not null;default:0"`
	ExpiresAt    time.Time `gorm:"not null;index"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

// ProviderHealth keeps rolling success/error statistics per (provider, region).
// ResponseTimeAvg is an exponential moving average in milliseconds; zero means
// no latency sample has been recorded yet.
type ProviderHealth struct {
	ID              uint    `gorm:"primaryKey;autoIncrement"`
	Provider        string  `gorm:"not null;uniqueIndex:idx_provider_region"`
	Region          string  `gorm:"not null;uniqueIndex:idx_provider_region"`
	SuccessCount    int64   `gorm:"not null;default:0"`
	ErrorCount      int64   `gorm:"not null;default:0"`
	ErrorRate       float64 `gorm:"not null;default:0"`
	ResponseTimeAvg int64   `gorm:"not null;default:0"`
	LastSuccess     *time.Time
	LastError       *time.Time
	LastCheck       *time.Time
	IsHealthy       bool      `gorm:"not null;default:true"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

// UsageRecord is the append-only billing trail: one row per completed
// non-cached provider attempt. Rows are never updated or deleted.
type UsageRecord struct {
	ID             uint    `gorm:"primaryKey;autoIncrement"`
	TenantID       string  `gorm:"not null;index"`
	AgentID        *string
	Provider       string  `gorm:"not null;index"`
	Model          string  `gorm:"not null"`
	InputTokens    int64   `gorm:"not null;default:0"`
	OutputTokens   int64   `gorm:"not null;default:0"`
	TotalTokens    int64   `gorm:"not null;default:0"`
	CostUSD        float64 `gorm:"not null;default:0"`
	CostLocal      *float64
	Currency       string    `gorm:"not null;default:USD"`
	CacheHit       bool      `gorm:"not null;default:false"`
	ResponseTimeMs int64     `gorm:"not null;default:0"`
	RequestHash    string    `gorm:"not null;index"`
	Region         string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index"`
}

// CacheHitRecord counts cache-served responses separately from usage records,
// so analytics can compute a hit rate without mutating the billing trail.
type CacheHitRecord struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	TenantID    string    `gorm:"not null;index"`
	Provider    string    `gorm:"not null"`
	Model       string    `gorm:"not null"`
	RequestHash string    `gorm:"not null"`
	Region      string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index"`
}
