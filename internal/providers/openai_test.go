package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOpenAIInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s, want /v1/chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %s, want Bearer sk-test", got)
		}

		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o" {
			t.Errorf("model = %s, want gpt-4o", req.Model)
		}
		if req.Temperature != 0.7 {
			t.Errorf("temperature = %v, want 0.7", req.Temperature)
		}
		if len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
			t.Errorf("messages = %+v", req.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi there"}}]}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient("sk-test", srv.URL, 5*time.Second)
	out, err := client.Invoke(context.Background(), "gpt-4o", []Message{{Role: "user", Content: "hello"}}, 0.7, 0)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if out != "hi there" {
		t.Errorf("content = %q, want %q", out, "hi there")
	}
}

func TestOpenAIInvokeUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient("sk-test", srv.URL, 5*time.Second)
	_, err := client.Invoke(context.Background(), "gpt-4o", []Message{{Role: "user", Content: "hello"}}, 0.7, 0)
	if err == nil {
		t.Fatal("expected error")
	}

	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %T, want *UnavailableError", err)
	}
	if unavailable.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", unavailable.StatusCode)
	}
}

func TestOpenAIInvokeEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient("sk-test", srv.URL, 5*time.Second)
	_, err := client.Invoke(context.Background(), "gpt-4o", []Message{{Role: "user", Content: "hello"}}, 0.7, 0)
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestOpenAIInvokeRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server can detect the client disconnect
		// and cancel the request context; otherwise srv.Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewOpenAIClient("sk-test", srv.URL, 5*time.Second)
	_, err := client.Invoke(ctx, "gpt-4o", []Message{{Role: "user", Content: "hello"}}, 0.7, 0)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}
