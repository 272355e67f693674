package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pipecore/internal/retry"
)

func TestRegistry_Provider(t *testing.T) {
	r := NewRegistry(nil)

	if _, err := r.Provider("nope", nil); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
	if _, err := r.Provider("openai", map[string]string{}); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("expected ErrMissingCredentials, got %v", err)
	}
	p, err := r.Provider("openai", map[string]string{"OPENAI_API_KEY": "sk-test"})
	if err != nil {
		t.Fatal(err)
	}
	if p.ID() != "openai" {
		t.Errorf("unexpected id %s", p.ID())
	}
}

func TestOpenAI_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("unexpected request %s %s", r.URL.Path, r.Header.Get("Authorization"))
		}
		var req chatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
			t.Errorf("unexpected messages %+v", req.Messages)
		}
		w.Write([]byte(`{"created":1700000000,"model":"gpt-x","choices":[{"message":{"role":"assistant","content":"hi"}}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`))
	}))
	defer srv.Close()

	r := NewRegistry(srv.Client())
	p, err := r.Provider("openai", map[string]string{"OPENAI_API_KEY": "sk-test", "OPENAI_BASE_URL": srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	gen, err := p.Generate(context.Background(), GenerateRequest{Model: "gpt-x", Prompt: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if gen.Completion != "hi" || gen.Usage.PromptTokens != 3 || gen.Provider != "openai" {
		t.Errorf("unexpected generation %+v", gen)
	}
}

func TestOpenAI_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Request-Id", "req-1")
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"message":"nope"}}`))
			}))
			defer srv.Close()

			p := NewOpenAI("openai", srv.URL, "k", srv.Client())
			_, err := p.Chat(context.Background(), ChatRequest{Model: "m"})
			var perr *ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if perr.RequestID != "req-1" {
				t.Errorf("expected request id, got %q", perr.RequestID)
			}
			if (retry.PolicyOf(err) != nil) != tt.retryable {
				t.Errorf("retryable=%v, want %v", retry.PolicyOf(err) != nil, tt.retryable)
			}
		})
	}
}

func TestOpenAI_RetriedThroughRetryDo(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"data":[{"index":1,"embedding":[2]},{"index":0,"embedding":[1]}]}`))
	}))
	defer srv.Close()

	p := NewOpenAI("openai", srv.URL, "k", srv.Client())
	// Shorten the waits; the classification under test is the provider's.
	embed := func(ctx context.Context) ([]Embedding, error) {
		out, err := p.Embed(ctx, EmbedRequest{Model: "e", Texts: []string{"a", "b"}})
		var perr *ProviderError
		if errors.As(err, &perr) && perr.Retryable != nil {
			perr.Retryable = &retry.Policy{Sleep: time.Millisecond, Factor: 2, Retries: 3}
		}
		return out, err
	}
	out, err := retry.Do(context.Background(), embed, retry.Hooks{})
	if err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 calls, got %d", n)
	}
	if out[0].Vector[0] != 1 || out[1].Vector[0] != 2 {
		t.Errorf("embeddings not ordered by index: %+v", out)
	}
}
