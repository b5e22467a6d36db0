package providers

import (
	"context"
	"fmt"
)

// Message is one role-tagged turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is the uniform inference contract every provider adapter satisfies:
// messages in, text out, or a clearly signaled failure.
type Client interface {
	Invoke(ctx context.Context, model string, messages []Message, temperature float64, maxTokens int) (string, error)
}

// UnavailableError marks a failed invocation of a single upstream provider:
// a timeout, rejection, or malformed response. The dispatcher recovers from
// it by advancing to the next fallback candidate.
type UnavailableError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s unavailable (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s unavailable: %v", e.Provider, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}
