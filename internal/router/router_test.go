package router

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sokoni/llm-router/internal/cache"
	"github.com/sokoni/llm-router/internal/database"
	"github.com/sokoni/llm-router/internal/health"
	"github.com/sokoni/llm-router/internal/pricing"
	"github.com/sokoni/llm-router/internal/providers"
	"github.com/sokoni/llm-router/internal/tokenizer"
	"github.com/sokoni/llm-router/internal/usage"
)

type fakeClient struct {
	content string
	err     error
	calls   int
}

func (f *fakeClient) Invoke(ctx context.Context, model string, messages []providers.Message, temperature float64, maxTokens int) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.content, nil
}

type fixture struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	alpha      *fakeClient
	beta       *fakeClient
}

// newFixture wires a dispatcher over an in-memory database with two stub
// providers, alpha tried before beta.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	log := zap.NewNop()

	alpha := &fakeClient{content: "alpha says hi"}
	beta := &fakeClient{content: "beta says hi"}

	registry := providers.NewRegistry()
	registry.Register("alpha", alpha, pricing.Table{"model-a": {InputPer1K: 0.01, OutputPer1K: 0.03}})
	registry.Register("beta", beta, pricing.Table{"model-b": {InputPer1K: 0.01, OutputPer1K: 0.03}})

	tracker := health.NewTracker(db, log, map[string][]health.Candidate{
		health.StrategyBalanced: {
			{Provider: "alpha", Model: "model-a"},
			{Provider: "beta", Model: "model-b"},
		},
	})

	d := NewDispatcher(
		registry,
		cache.NewStore(db, log),
		tracker,
		usage.NewRecorder(db),
		pricing.NewEstimator(nil, nil),
		tokenizer.Heuristic{},
		log,
		Config{},
	)
	return &fixture{db: db, dispatcher: d, alpha: alpha, beta: beta}
}

func baseRequest() *Request {
	return &Request{
		TenantID:    "tenant-a",
		Messages:    []providers.Message{{Role: "user", Content: "hello there"}},
		Strategy:    health.StrategyBalanced,
		Region:      "US",
		Temperature: 0.7,
	}
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestFingerprintDeterministic(t *testing.T) {
	msgs := []providers.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
	}
	a := Fingerprint(msgs, 0.7, 100)
	b := Fingerprint(msgs, 0.7, 100)
	if a != b {
		t.Errorf("same input produced different fingerprints: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(a))
	}

	if c := Fingerprint(msgs, 0.8, 100); c == a {
		t.Error("temperature change did not change the fingerprint")
	}
	if c := Fingerprint(msgs, 0.7, 200); c == a {
		t.Error("max_tokens change did not change the fingerprint")
	}
	if c := Fingerprint(msgs[:1], 0.7, 100); c == a {
		t.Error("message change did not change the fingerprint")
	}
	// Unset max_tokens is distinct from any explicit value
	if c := Fingerprint(msgs, 0.7, 0); c == a {
		t.Error("unset max_tokens collided with an explicit value")
	}
}

func TestDispatchColdMiss(t *testing.T) {
	f := newFixture(t)

	resp, err := f.dispatcher.Dispatch(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.CacheHit {
		t.Error("cold request reported as cache hit")
	}
	if resp.Provider != "alpha" || resp.Model != "model-a" {
		t.Errorf("served by %s/%s, want alpha/model-a", resp.Provider, resp.Model)
	}
	if resp.Content != "alpha says hi" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.TotalTokens != resp.InputTokens+resp.OutputTokens {
		t.Errorf("token totals inconsistent: %d + %d != %d",
			resp.InputTokens, resp.OutputTokens, resp.TotalTokens)
	}
	if resp.Currency != "USD" || resp.CostLocal != nil {
		t.Errorf("currency = %s, cost_local = %v, want USD/nil", resp.Currency, resp.CostLocal)
	}
	req := baseRequest()
	if want := Fingerprint(req.Messages, req.Temperature, req.MaxTokens); resp.Fingerprint != want {
		t.Errorf("fingerprint = %s, want %s", resp.Fingerprint, want)
	}

	if n := countRows(t, f.db, &database.UsageRecord{}); n != 1 {
		t.Errorf("usage records = %d, want 1", n)
	}
	if n := countRows(t, f.db, &database.CacheEntry{}); n != 1 {
		t.Errorf("cache entries = %d, want 1", n)
	}
}

func TestDispatchFallbackOnFailure(t *testing.T) {
	f := newFixture(t)
	f.alpha.err = &providers.UnavailableError{Provider: "alpha", StatusCode: 503, Err: errors.New("overloaded")}

	resp, err := f.dispatcher.Dispatch(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Provider != "beta" {
		t.Errorf("served by %s, want beta", resp.Provider)
	}

	var alphaHealth, betaHealth database.ProviderHealth
	if err := f.db.Where("provider = ? AND region = ?", "alpha", "US").First(&alphaHealth).Error; err != nil {
		t.Fatalf("read alpha health: %v", err)
	}
	if err := f.db.Where("provider = ? AND region = ?", "beta", "US").First(&betaHealth).Error; err != nil {
		t.Fatalf("read beta health: %v", err)
	}
	if alphaHealth.ErrorCount != 1 || alphaHealth.IsHealthy {
		t.Errorf("alpha health = %+v, want 1 error and unhealthy", alphaHealth)
	}
	if betaHealth.SuccessCount != 1 || !betaHealth.IsHealthy {
		t.Errorf("beta health = %+v, want 1 success and healthy", betaHealth)
	}

	// Only the successful attempt is billed
	var recs []database.UsageRecord
	if err := f.db.Find(&recs).Error; err != nil {
		t.Fatalf("read usage: %v", err)
	}
	if len(recs) != 1 || recs[0].Provider != "beta" {
		t.Errorf("usage records = %+v, want one beta record", recs)
	}
}

func TestDispatchWarmHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.dispatcher.Dispatch(ctx, baseRequest()); err != nil {
		t.Fatalf("first Dispatch failed: %v", err)
	}
	usageBefore := countRows(t, f.db, &database.UsageRecord{})
	callsBefore := f.alpha.calls

	resp, err := f.dispatcher.Dispatch(ctx, baseRequest())
	if err != nil {
		t.Fatalf("second Dispatch failed: %v", err)
	}
	if !resp.CacheHit {
		t.Error("second request missed the cache")
	}
	if resp.ResponseTimeMs != 0 {
		t.Errorf("cached response_time_ms = %d, want 0", resp.ResponseTimeMs)
	}
	if resp.Content != "alpha says hi" {
		t.Errorf("content = %q", resp.Content)
	}

	if f.alpha.calls != callsBefore {
		t.Error("provider called on a cache hit")
	}
	if n := countRows(t, f.db, &database.UsageRecord{}); n != usageBefore {
		t.Errorf("usage records grew from %d to %d on a cache hit", usageBefore, n)
	}
	if n := countRows(t, f.db, &database.CacheHitRecord{}); n != 1 {
		t.Errorf("cache hit records = %d, want 1", n)
	}

	var alphaHealth database.ProviderHealth
	if err := f.db.Where("provider = ?", "alpha").First(&alphaHealth).Error; err != nil {
		t.Fatalf("read alpha health: %v", err)
	}
	if alphaHealth.SuccessCount != 1 {
		t.Errorf("success_count = %d after cache hit, want 1", alphaHealth.SuccessCount)
	}
}

func TestDispatchTenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.dispatcher.Dispatch(ctx, baseRequest()); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	other := baseRequest()
	other.TenantID = "tenant-b"
	resp, err := f.dispatcher.Dispatch(ctx, other)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.CacheHit {
		t.Error("tenant-b served from tenant-a's cache entry")
	}
	if f.alpha.calls != 2 {
		t.Errorf("alpha calls = %d, want 2", f.alpha.calls)
	}
}

func TestDispatchExhaustion(t *testing.T) {
	f := newFixture(t)
	f.alpha.err = errors.New("alpha down")
	f.beta.err = errors.New("beta down")

	_, err := f.dispatcher.Dispatch(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error when every provider fails")
	}

	var failed *AllProvidersFailed
	if !errors.As(err, &failed) {
		t.Fatalf("error = %T, want *AllProvidersFailed", err)
	}
	if failed.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", failed.Attempts)
	}
	if !errors.Is(err, f.beta.err) {
		t.Errorf("LastErr = %v, want the final provider's error", failed.LastErr)
	}

	if n := countRows(t, f.db, &database.UsageRecord{}); n != 0 {
		t.Errorf("usage records = %d after total failure, want 0", n)
	}
}

func TestDispatchUnregisteredProviderCountsAsAttempt(t *testing.T) {
	f := newFixture(t)

	db := f.db
	log := zap.NewNop()
	registry := providers.NewRegistry()
	registry.Register("beta", f.beta, pricing.Table{"model-b": {InputPer1K: 0.01, OutputPer1K: 0.03}})
	tracker := health.NewTracker(db, log, map[string][]health.Candidate{
		health.StrategyBalanced: {
			{Provider: "ghost", Model: "model-g"},
			{Provider: "beta", Model: "model-b"},
		},
	})
	d := NewDispatcher(registry, cache.NewStore(db, log), tracker,
		usage.NewRecorder(db), pricing.NewEstimator(nil, nil), tokenizer.Heuristic{}, log, Config{})

	resp, err := d.Dispatch(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Provider != "beta" {
		t.Errorf("served by %s, want beta", resp.Provider)
	}

	var ghost database.ProviderHealth
	if err := db.Where("provider = ?", "ghost").First(&ghost).Error; err != nil {
		t.Fatalf("read ghost health: %v", err)
	}
	if ghost.ErrorCount != 1 {
		t.Errorf("ghost error_count = %d, want 1", ghost.ErrorCount)
	}
}

func TestDispatchLocalizesCost(t *testing.T) {
	f := newFixture(t)

	req := baseRequest()
	req.Region = "NG"
	resp, err := f.dispatcher.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Currency != "NGN" {
		t.Errorf("currency = %s, want NGN", resp.Currency)
	}
	if resp.CostLocal == nil {
		t.Fatal("cost_local is nil for NGN region")
	}
	want := pricing.Round6(resp.CostUSD * 1650.0)
	if *resp.CostLocal != want {
		t.Errorf("cost_local = %v, want %v", *resp.CostLocal, want)
	}
}

func TestDispatchValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing tenant", func(r *Request) { r.TenantID = "" }},
		{"no messages", func(r *Request) { r.Messages = nil }},
		{"empty content", func(r *Request) { r.Messages = []providers.Message{{Role: "user"}} }},
		{"temperature too high", func(r *Request) { r.Temperature = 2.5 }},
		{"negative temperature", func(r *Request) { r.Temperature = -0.1 }},
		{"negative max_tokens", func(r *Request) { r.MaxTokens = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := baseRequest()
			tc.mutate(req)
			_, err := f.dispatcher.Dispatch(ctx, req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("error = %v, want ErrInvalidRequest", err)
			}
		})
	}

	if f.alpha.calls != 0 {
		t.Errorf("provider called %d times for invalid requests", f.alpha.calls)
	}
}

func TestDispatchCancelledContext(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.dispatcher.Dispatch(ctx, baseRequest())
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	var failed *AllProvidersFailed
	if errors.As(err, &failed) {
		t.Error("cancellation reported as provider exhaustion")
	}
}

func TestDispatchDefaults(t *testing.T) {
	f := newFixture(t)

	req := baseRequest()
	req.Strategy = ""
	req.Region = ""
	resp, err := f.dispatcher.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	// Empty region defaults to US, so costs stay in USD
	if resp.Currency != "USD" {
		t.Errorf("currency = %s, want USD", resp.Currency)
	}
}
