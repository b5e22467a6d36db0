package usage

import (
	"context"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/sokoni/llm-router/internal/database"
	"github.com/sokoni/llm-router/internal/pricing"
)

// Breakdown aggregates usage for one provider or provider/model pair.
type Breakdown struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
}

// Analytics summarizes a tenant's activity over a window. Cached
// responses do not appear in the totals; they only feed the hit rate.
type Analytics struct {
	TenantID          string               `json:"tenant_id"`
	PeriodStart       time.Time            `json:"period_start"`
	PeriodEnd         time.Time            `json:"period_end"`
	TotalRequests     int64                `json:"total_requests"`
	TotalTokens       int64                `json:"total_tokens"`
	TotalCostUSD      float64              `json:"total_cost_usd"`
	CacheHitRate      float64              `json:"cache_hit_rate"`
	AvgResponseTimeMs float64              `json:"avg_response_time_ms"`
	ProviderBreakdown map[string]Breakdown `json:"provider_breakdown"`
	ModelBreakdown    map[string]Breakdown `json:"model_breakdown"`
}

// Recorder appends usage and cache-hit records and computes analytics
// over them. Records are append-only; billing disputes need the raw
// trail, not a mutated aggregate.
type Recorder struct {
	db *gorm.DB
}

func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Record appends a usage record for a completed provider attempt.
func (r *Recorder) Record(ctx context.Context, rec *database.UsageRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// RecordCacheHit appends a cache-hit marker. Hits are tracked separately
// from usage records so served-from-cache traffic never inflates spend.
func (r *Recorder) RecordCacheHit(ctx context.Context, rec *database.CacheHitRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("record cache hit: %w", err)
	}
	return nil
}

// Analytics aggregates a tenant's records in [start, end).
func (r *Recorder) Analytics(ctx context.Context, tenantID string, start, end time.Time) (*Analytics, error) {
	out := &Analytics{
		TenantID:          tenantID,
		PeriodStart:       start,
		PeriodEnd:         end,
		ProviderBreakdown: make(map[string]Breakdown),
		ModelBreakdown:    make(map[string]Breakdown),
	}

	scope := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&database.UsageRecord{}).
			Where("tenant_id = ? AND created_at >= ? AND created_at < ?", tenantID, start, end)
	}

	var totals struct {
		Requests int64
		Tokens   int64
		CostUSD  float64
	}
	err := scope().
		Select("COUNT(*) AS requests, COALESCE(SUM(total_tokens), 0) AS tokens, COALESCE(SUM(cost_usd), 0) AS cost_usd").
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("usage totals: %w", err)
	}
	out.TotalRequests = totals.Requests
	out.TotalTokens = totals.Tokens
	out.TotalCostUSD = pricing.Round6(totals.CostUSD)

	// Zero latencies are placeholder rows and would drag the average down.
	var avg struct{ AvgMs float64 }
	err = scope().
		Where("response_time_ms > 0").
		Select("COALESCE(AVG(response_time_ms), 0) AS avg_ms").
		Scan(&avg).Error
	if err != nil {
		return nil, fmt.Errorf("usage latency: %w", err)
	}
	out.AvgResponseTimeMs = avg.AvgMs

	type group struct {
		Provider string
		Model    string
		Requests int64
		Tokens   int64
		CostUSD  float64
	}
	var byProvider []group
	err = scope().
		Select("provider, COUNT(*) AS requests, COALESCE(SUM(total_tokens), 0) AS tokens, COALESCE(SUM(cost_usd), 0) AS cost_usd").
		Group("provider").
		Scan(&byProvider).Error
	if err != nil {
		return nil, fmt.Errorf("usage by provider: %w", err)
	}
	for _, g := range byProvider {
		out.ProviderBreakdown[g.Provider] = Breakdown{
			Requests: g.Requests,
			Tokens:   g.Tokens,
			CostUSD:  pricing.Round6(g.CostUSD),
		}
	}

	var byModel []group
	err = scope().
		Select("provider, model, COUNT(*) AS requests, COALESCE(SUM(total_tokens), 0) AS tokens, COALESCE(SUM(cost_usd), 0) AS cost_usd").
		Group("provider, model").
		Scan(&byModel).Error
	if err != nil {
		return nil, fmt.Errorf("usage by model: %w", err)
	}
	for _, g := range byModel {
		out.ModelBreakdown[g.Provider+":"+g.Model] = Breakdown{
			Requests: g.Requests,
			Tokens:   g.Tokens,
			CostUSD:  pricing.Round6(g.CostUSD),
		}
	}

	var hits int64
	err = r.db.WithContext(ctx).Model(&database.CacheHitRecord{}).
		Where("tenant_id = ? AND created_at >= ? AND created_at < ?", tenantID, start, end).
		Count(&hits).Error
	if err != nil {
		return nil, fmt.Errorf("cache hit count: %w", err)
	}
	if total := hits + out.TotalRequests; total > 0 {
		out.CacheHitRate = round3(float64(hits) / float64(total))
	}

	return out, nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
