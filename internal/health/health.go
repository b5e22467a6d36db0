package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sokoni/llm-router/internal/database"
)

// Strategy names the shipped fallback orderings.
const (
	StrategyCostOptimized  = "cost_optimized"
	StrategyQualityFocused = "quality_focused"
	StrategyBalanced       = "balanced"
	StrategyFastest        = "fastest"
)

const (
	// A provider with an error above this rate is considered degraded.
	unhealthyErrorRate = 0.2
	// How long a failure keeps a provider marked unhealthy.
	recentErrorWindow = 5 * time.Minute
	// Latency assumed for healthy providers with no samples yet.
	defaultLatencyMs = 1000
	// Sort weight that pushes unhealthy or unknown providers last.
	unhealthyLatencyMs = 9999
)

// Candidate is one provider/model pair in a fallback chain.
type Candidate struct {
	Provider string
	Model    string
}

var defaultFallbacks = map[string][]Candidate{
	StrategyCostOptimized: {
		{Provider: "openai", Model: "gpt-4o-mini"},
		{Provider: "anthropic", Model: "claude-3-haiku-20240307"},
		{Provider: "openai", Model: "gpt-3.5-turbo"},
	},
	StrategyQualityFocused: {
		{Provider: "openai", Model: "gpt-4o"},
		{Provider: "anthropic", Model: "claude-3-5-sonnet-20241022"},
		{Provider: "openai", Model: "gpt-4-turbo"},
	},
	StrategyBalanced: {
		{Provider: "openai", Model: "gpt-4o"},
		{Provider: "anthropic", Model: "claude-3-sonnet-20240229"},
		{Provider: "openai", Model: "gpt-4o-mini"},
	},
	StrategyFastest: {
		{Provider: "openai", Model: "gpt-4o-mini"},
		{Provider: "openai", Model: "gpt-3.5-turbo"},
		{Provider: "anthropic", Model: "claude-3-haiku-20240307"},
	},
}

// Tracker records per-provider outcomes and orders fallback chains by
// observed health. Counters live in the database so multiple dispatchers
// sharing one database agree on provider state.
type Tracker struct {
	db        *gorm.DB
	log       *zap.Logger
	fallbacks map[string][]Candidate
	now       func() time.Time
}

// NewTracker builds a tracker. Strategy chains in overrides replace the
// built-in chain of the same name; strategies not mentioned keep their
// defaults.
func NewTracker(db *gorm.DB, log *zap.Logger, overrides map[string][]Candidate) *Tracker {
	fallbacks := make(map[string][]Candidate, len(defaultFallbacks))
	for name, chain := range defaultFallbacks {
		fallbacks[name] = chain
	}
	for name, chain := range overrides {
		if len(chain) > 0 {
			fallbacks[name] = chain
		}
	}
	return &Tracker{db: db, log: log, fallbacks: fallbacks, now: time.Now}
}

// Strategies lists the configured strategy names.
func (t *Tracker) Strategies() []string {
	names := make([]string, 0, len(t.fallbacks))
	for name := range t.fallbacks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Chain returns the static fallback chain for a strategy.
func (t *Tracker) Chain(strategy string) ([]Candidate, bool) {
	chain, ok := t.fallbacks[strategy]
	return chain, ok
}

// RecordSuccess folds a successful attempt into the provider's counters.
// The latency average is an exponential moving average weighted 80/20
// toward history; the first sample is taken outright. All arithmetic
// happens in SQL so concurrent dispatchers never lose an update.
func (t *Tracker) RecordSuccess(ctx context.Context, provider, region string, latency time.Duration) error {
	if err := t.seed(ctx, provider, region); err != nil {
		return err
	}

	now := t.now().UTC()
	cutoff := now.Add(-recentErrorWindow)
	ms := latency.Milliseconds()

	err := t.db.WithContext(ctx).Model(&database.ProviderHealth{}).
		Where("provider = ? AND region = ?", provider, region).
		Updates(map[string]interface{}{
			"success_count": gorm.Expr("success_count + 1"),
			"error_rate":    gorm.Expr("CAST(error_count AS REAL) / (success_count + error_count + 1)"),
			"response_time_avg": gorm.Expr(
				"CASE WHEN response_time_avg = 0 THEN ? ELSE CAST(response_time_avg * 0.8 + ? * 0.2 AS INTEGER) END",
				ms, ms),
			"is_healthy": gorm.Expr(
				"CAST(error_count AS REAL) / (success_count + error_count + 1) < ? AND (last_error IS NULL OR last_error <= ?)",
				unhealthyErrorRate, cutoff),
			"last_success": now,
			"last_check":   now,
		}).Error
	if err != nil {
		return fmt.Errorf("record success for %s/%s: %w", provider, region, err)
	}
	return nil
}

// RecordFailure folds a failed attempt into the provider's counters and
// marks it unhealthy until the recent-error window passes.
func (t *Tracker) RecordFailure(ctx context.Context, provider, region string) error {
	if err := t.seed(ctx, provider, region); err != nil {
		return err
	}

	now := t.now().UTC()

	err := t.db.WithContext(ctx).Model(&database.ProviderHealth{}).
		Where("provider = ? AND region = ?", provider, region).
		Updates(map[string]interface{}{
			"error_count": gorm.Expr("error_count + 1"),
			"error_rate":  gorm.Expr("CAST(error_count + 1 AS REAL) / (success_count + error_count + 1)"),
			"is_healthy":  false,
			"last_error":  now,
			"last_check":  now,
		}).Error
	if err != nil {
		return fmt.Errorf("record failure for %s/%s: %w", provider, region, err)
	}
	return nil
}

// seed makes sure a counter row exists before the atomic update touches it.
func (t *Tracker) seed(ctx context.Context, provider, region string) error {
	row := database.ProviderHealth{Provider: provider, Region: region, IsHealthy: true}
	err := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "region"}},
			DoNothing: true,
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("seed health row for %s/%s: %w", provider, region, err)
	}
	return nil
}

// OrderCandidates sorts a strategy's chain so healthy, fast providers
// come first. Unhealthy or unseen-in-this-region providers keep their
// static order but move behind every healthy one. A database error is
// logged and the static chain returned unchanged; routing should not
// stop because health state is unreadable.
func (t *Tracker) OrderCandidates(ctx context.Context, strategy, region string) []Candidate {
	chain, ok := t.fallbacks[strategy]
	if !ok {
		chain = t.fallbacks[StrategyBalanced]
	}
	ordered := make([]Candidate, len(chain))
	copy(ordered, chain)

	var rows []database.ProviderHealth
	if err := t.db.WithContext(ctx).Where("region = ?", region).Find(&rows).Error; err != nil {
		t.log.Warn("provider health lookup failed, using static order",
			zap.String("region", region), zap.Error(err))
		return ordered
	}

	byProvider := make(map[string]database.ProviderHealth, len(rows))
	for _, row := range rows {
		byProvider[row.Provider] = row
	}

	rank := func(c Candidate) (int, int64) {
		row, seen := byProvider[c.Provider]
		if !seen || !row.IsHealthy {
			return 1, unhealthyLatencyMs
		}
		if row.ResponseTimeAvg == 0 {
			return 0, defaultLatencyMs
		}
		return 0, row.ResponseTimeAvg
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		hi, li := rank(ordered[i])
		hj, lj := rank(ordered[j])
		if hi != hj {
			return hi < hj
		}
		return li < lj
	})
	return ordered
}

// Snapshot returns the stored health rows for a region, ordered by
// provider name for stable output.
func (t *Tracker) Snapshot(ctx context.Context, region string) ([]database.ProviderHealth, error) {
	var rows []database.ProviderHealth
	err := t.db.WithContext(ctx).
		Where("region = ?", region).
		Order("provider").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("health snapshot for %s: %w", region, err)
	}
	return rows, nil
}
