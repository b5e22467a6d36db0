package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sokoni/llm-router/internal/pricing"
)

// Registry maps a provider name to its client and price table.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
	prices  map[string]pricing.Table
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]Client),
		prices:  make(map[string]pricing.Table),
	}
}

// Register adds a provider. A nil price table falls back to the built-in
// defaults for that provider, if any.
func (r *Registry) Register(name string, client Client, prices pricing.Table) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[name] = client
	if prices == nil {
		prices = defaultPrices[name]
	}
	r.prices[name] = prices
}

func (r *Registry) Client(name string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[name]
	return c, ok
}

// Price returns the per-1k-token price for a model of a provider.
func (r *Registry) Price(provider, model string) (pricing.ModelPrice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table, ok := r.prices[provider]
	if !ok {
		return pricing.ModelPrice{}, false
	}
	price, ok := table[model]
	return price, ok
}

// Providers lists the registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}

// WithBreaker wraps a client in a circuit breaker so a provider that fails
// repeatedly is rejected fast while its upstream recovers. An open breaker
// surfaces as UnavailableError, which the dispatcher already handles by
// moving to the next candidate.
func WithBreaker(name string, c Client) Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    fmt.Sprintf("provider-%s", name),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &breakerClient{name: name, cb: cb, inner: c}
}

type breakerClient struct {
	name  string
	cb    *gobreaker.CircuitBreaker
	inner Client
}

func (b *breakerClient) Invoke(ctx context.Context, model string, messages []Message, temperature float64, maxTokens int) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Invoke(ctx, model, messages, temperature, maxTokens)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", &UnavailableError{Provider: b.name, Err: err}
		}
		return "", err
	}
	return out.(string), nil
}

// defaultPrices carries the shipped per-1k-token USD price tables.
var defaultPrices = map[string]pricing.Table{
	"openai": {
		"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
		"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
		"gpt-3.5-turbo": {InputPer1K: 0.0015, OutputPer1K: 0.002},
		"gpt-4o":        {InputPer1K: 0.005, OutputPer1K: 0.015},
		"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	},
	"anthropic": {
		"claude-3-opus-20240229":   {InputPer1K: 0.015, OutputPer1K: 0.075},
		"claude-3-sonnet-20240229": {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-haiku-20240307":  {InputPer1K: 0.00025, OutputPer1K: 0.00125},
		"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
	},
}
