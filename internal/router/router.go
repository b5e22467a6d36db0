package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sokoni/llm-router/internal/cache"
	"github.com/sokoni/llm-router/internal/database"
	"github.com/sokoni/llm-router/internal/health"
	"github.com/sokoni/llm-router/internal/pricing"
	"github.com/sokoni/llm-router/internal/providers"
	"github.com/sokoni/llm-router/internal/tokenizer"
	"github.com/sokoni/llm-router/internal/usage"
)

// Request is one inference request to route.
type Request struct {
	TenantID    string              `json:"tenant_id"`
	AgentID     string              `json:"agent_id,omitempty"`
	Messages    []providers.Message `json:"messages"`
	Strategy    string              `json:"strategy,omitempty"`
	Region      string              `json:"region,omitempty"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
}

// Response is the routed result, whether fresh or cached.
type Response struct {
	Content        string   `json:"content"`
	Provider       string   `json:"provider"`
	Model          string   `json:"model"`
	InputTokens    int64    `json:"input_tokens"`
	OutputTokens   int64    `json:"output_tokens"`
	TotalTokens    int64    `json:"total_tokens"`
	CostUSD        float64  `json:"cost_usd"`
	CostLocal      *float64 `json:"cost_local,omitempty"`
	Currency       string   `json:"currency"`
	CacheHit       bool     `json:"cache_hit"`
	ResponseTimeMs int64    `json:"response_time_ms"`
	Fingerprint    string   `json:"fingerprint"`
}

// ErrInvalidRequest covers validation failures before any provider is tried.
var ErrInvalidRequest = errors.New("invalid request")

// AllProvidersFailed is the terminal dispatch error: every candidate in the
// fallback chain was tried and none produced a response.
type AllProvidersFailed struct {
	Attempts int
	LastErr  error
}

func (e *AllProvidersFailed) Error() string {
	return fmt.Sprintf("all %d providers failed: %v", e.Attempts, e.LastErr)
}

func (e *AllProvidersFailed) Unwrap() error { return e.LastErr }

// Fingerprint derives the cache key material for a request. Only the
// fields that determine the model's output participate; provider,
// strategy, tenant and region must not, or equivalent requests would
// miss each other's cache entries.
func Fingerprint(messages []providers.Message, temperature float64, maxTokens int) string {
	type msg struct {
		Content string `json:"content"`
		Role    string `json:"role"`
	}
	canonical := struct {
		MaxTokens   *int    `json:"max_tokens"`
		Messages    []msg   `json:"messages"`
		Temperature float64 `json:"temperature"`
	}{Temperature: temperature}
	if maxTokens > 0 {
		canonical.MaxTokens = &maxTokens
	}
	canonical.Messages = make([]msg, len(messages))
	for i, m := range messages {
		canonical.Messages[i] = msg{Content: m.Content, Role: m.Role}
	}

	// Struct fields are declared alphabetically so the JSON keys come out
	// sorted and the digest is stable.
	raw, _ := json.Marshal(canonical)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Config tunes dispatch behavior.
type Config struct {
	// AttemptTimeout bounds each individual provider call.
	AttemptTimeout time.Duration
	// DispatchTimeout bounds the whole fallback chain.
	DispatchTimeout time.Duration
	// CacheTTL is how long fresh responses stay cached.
	CacheTTL time.Duration
}

// Dispatcher routes requests to providers with caching, health-ordered
// fallback and usage accounting.
type Dispatcher struct {
	registry  *providers.Registry
	cache     *cache.Store
	tracker   *health.Tracker
	recorder  *usage.Recorder
	estimator *pricing.Estimator
	tokens    tokenizer.Tokenizer
	log       *zap.Logger
	cfg       Config
	now       func() time.Time
}

func NewDispatcher(
	registry *providers.Registry,
	cacheStore *cache.Store,
	tracker *health.Tracker,
	recorder *usage.Recorder,
	estimator *pricing.Estimator,
	tokens tokenizer.Tokenizer,
	log *zap.Logger,
	cfg Config,
) *Dispatcher {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 60 * time.Second
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 120 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}
	return &Dispatcher{
		registry:  registry,
		cache:     cacheStore,
		tracker:   tracker,
		recorder:  recorder,
		estimator: estimator,
		tokens:    tokens,
		log:       log,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Dispatch serves a request from cache when possible, otherwise walks the
// health-ordered fallback chain until a provider answers. Persistence
// problems along the way are logged and absorbed; only validation errors,
// cancellation and full chain exhaustion reach the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if req.Strategy == "" {
		req.Strategy = health.StrategyBalanced
	}
	if req.Region == "" {
		req.Region = "US"
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.DispatchTimeout)
	defer cancel()

	hash := Fingerprint(req.Messages, req.Temperature, req.MaxTokens)

	if resp := d.fromCache(ctx, req, hash); resp != nil {
		return resp, nil
	}
	cacheMisses.Inc()

	candidates := d.tracker.OrderCandidates(ctx, req.Strategy, req.Region)
	attempts := 0
	var lastErr error

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			d.log.Warn("dispatch deadline reached mid-chain",
				zap.String("tenant", req.TenantID), zap.Int("attempts", attempts))
			dispatchTotal.WithLabelValues("timeout").Inc()
			return nil, err
		}

		client, ok := d.registry.Client(c.Provider)
		if !ok {
			attempts++
			lastErr = fmt.Errorf("provider %s not configured", c.Provider)
			d.recordFailure(ctx, c.Provider, req.Region)
			continue
		}

		start := d.now()
		attemptCtx, cancelAttempt := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		content, err := client.Invoke(attemptCtx, c.Model, req.Messages, req.Temperature, req.MaxTokens)
		cancelAttempt()
		latency := d.now().Sub(start)
		attempts++

		if err != nil {
			lastErr = err
			providerErrors.WithLabelValues(c.Provider).Inc()
			d.log.Warn("provider attempt failed",
				zap.String("provider", c.Provider),
				zap.String("model", c.Model),
				zap.String("tenant", req.TenantID),
				zap.Error(err))
			d.recordFailure(ctx, c.Provider, req.Region)
			continue
		}

		resp := d.finish(ctx, req, hash, c, content, latency)
		dispatchTotal.WithLabelValues("success").Inc()
		dispatchLatency.WithLabelValues(c.Provider).Observe(latency.Seconds())
		return resp, nil
	}

	dispatchTotal.WithLabelValues("exhausted").Inc()
	return nil, &AllProvidersFailed{Attempts: attempts, LastErr: lastErr}
}

func validate(req *Request) error {
	if req.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	for i, m := range req.Messages {
		if m.Role == "" || m.Content == "" {
			return fmt.Errorf("%w: message %d missing role or content", ErrInvalidRequest, i)
		}
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be between 0 and 2", ErrInvalidRequest)
	}
	if req.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens must not be negative", ErrInvalidRequest)
	}
	return nil
}

// fromCache returns a cached response or nil on miss. Read errors count
// as misses so a degraded cache never blocks routing.
func (d *Dispatcher) fromCache(ctx context.Context, req *Request, hash string) *Response {
	payload, ok, err := d.cache.Get(ctx, req.TenantID, hash)
	if err != nil {
		d.log.Warn("cache read failed, treating as miss",
			zap.String("tenant", req.TenantID), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}

	cacheHits.Inc()
	dispatchTotal.WithLabelValues("cache_hit").Inc()

	hit := &database.CacheHitRecord{
		TenantID:    req.TenantID,
		Provider:    payload.Provider,
		Model:       payload.Model,
		RequestHash: hash,
		Region:      req.Region,
		CreatedAt:   d.now().UTC(),
	}
	if err := d.recorder.RecordCacheHit(ctx, hit); err != nil {
		d.log.Warn("cache hit record failed", zap.Error(err))
	}

	return &Response{
		Content:        payload.Content,
		Provider:       payload.Provider,
		Model:          payload.Model,
		InputTokens:    payload.InputTokens,
		OutputTokens:   payload.OutputTokens,
		TotalTokens:    payload.TotalTokens,
		CostUSD:        payload.CostUSD,
		CostLocal:      payload.CostLocal,
		Currency:       payload.Currency,
		CacheHit:       true,
		ResponseTimeMs: 0,
		Fingerprint:    hash,
	}
}

// finish accounts for a successful provider attempt and builds the response.
func (d *Dispatcher) finish(ctx context.Context, req *Request, hash string, c health.Candidate, content string, latency time.Duration) *Response {
	inputText := joinContents(req.Messages)
	inputTokens := int64(d.tokens.Count(c.Model, inputText))
	outputTokens := int64(d.tokens.Count(c.Model, content))
	totalTokens := inputTokens + outputTokens

	var costUSD float64
	if price, ok := d.registry.Price(c.Provider, c.Model); ok {
		costUSD = d.estimator.EstimateUSD(price, totalTokens)
	} else {
		d.log.Warn("no price for model, recording zero cost",
			zap.String("provider", c.Provider), zap.String("model", c.Model))
	}
	costLocal, currency := d.estimator.Localize(costUSD, req.Region)

	resp := &Response{
		Content:        content,
		Provider:       c.Provider,
		Model:          c.Model,
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
		TotalTokens:    totalTokens,
		CostUSD:        costUSD,
		CostLocal:      costLocal,
		Currency:       currency,
		ResponseTimeMs: latency.Milliseconds(),
		Fingerprint:    hash,
	}

	rec := &database.UsageRecord{
		TenantID:       req.TenantID,
		Provider:       c.Provider,
		Model:          c.Model,
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
		TotalTokens:    totalTokens,
		CostUSD:        costUSD,
		CostLocal:      costLocal,
		Currency:       currency,
		CacheHit:       false,
		ResponseTimeMs: resp.ResponseTimeMs,
		RequestHash:    hash,
		Region:         req.Region,
		CreatedAt:      d.now().UTC(),
	}
	if req.AgentID != "" {
		rec.AgentID = &req.AgentID
	}
	if err := d.recorder.Record(ctx, rec); err != nil {
		d.log.Error("usage record failed", zap.String("tenant", req.TenantID), zap.Error(err))
	}

	if err := d.tracker.RecordSuccess(ctx, c.Provider, req.Region, latency); err != nil {
		d.log.Warn("health success update failed", zap.String("provider", c.Provider), zap.Error(err))
	}

	payload := &cache.Payload{
		Content:      content,
		Provider:     c.Provider,
		Model:        c.Model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  totalTokens,
		CostUSD:      costUSD,
		CostLocal:    costLocal,
		Currency:     currency,
	}
	if err := d.cache.Put(ctx, req.TenantID, hash, payload, d.cfg.CacheTTL); err != nil {
		d.log.Warn("cache write failed", zap.String("tenant", req.TenantID), zap.Error(err))
	}

	return resp
}

func (d *Dispatcher) recordFailure(ctx context.Context, provider, region string) {
	if err := d.tracker.RecordFailure(ctx, provider, region); err != nil {
		d.log.Warn("health failure update failed", zap.String("provider", provider), zap.Error(err))
	}
}

func joinContents(messages []providers.Message) string {
	parts := make([]string, len(messages))
	for i, m := range messages {
		parts[i] = m.Content
	}
	return strings.Join(parts, " ")
}
