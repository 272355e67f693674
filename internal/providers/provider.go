// Package providers abstracts LLM and embedding backends behind a small
// interface and a registry keyed by provider id.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"pipecore/internal/retry"
)

var (
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrMissingCredentials = errors.New("missing provider credentials")
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest asks for a completion of Prompt.
type GenerateRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// ChatRequest asks for the next assistant message.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Generation is the result of Generate or Chat.
type Generation struct {
	Created    time.Time `json:"created"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Completion string    `json:"completion"`
	Usage      Usage     `json:"usage"`
}

// EmbedRequest asks for one vector per text.
type EmbedRequest struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

// Embedding is one embedded text.
type Embedding struct {
	Vector []float64 `json:"vector"`
}

// Provider is an LLM backend.
type Provider interface {
	ID() string
	Generate(ctx context.Context, req GenerateRequest) (*Generation, error)
	Chat(ctx context.Context, req ChatRequest) (*Generation, error)
	Embed(ctx context.Context, req EmbedRequest) ([]Embedding, error)
}

// ProviderError is a failed provider call. A non-nil Retryable carries the
// backoff policy the caller should apply.
type ProviderError struct {
	RequestID  string
	Message    string
	StatusCode int
	Retryable  *retry.Policy
}

func (e *ProviderError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("provider error (request_id=%s): %s", e.RequestID, e.Message)
	}
	return "provider error: " + e.Message
}

// RetryPolicy implements retry.RetryableError.
func (e *ProviderError) RetryPolicy() *retry.Policy { return e.Retryable }

// DefaultRetryPolicy applies to rate limits, server errors and transport failures.
var DefaultRetryPolicy = retry.Policy{Sleep: 500 * time.Millisecond, Factor: 2, Retries: 3}

// Factory builds a provider from run credentials.
type Factory func(credentials map[string]string, client *http.Client) (Provider, error)

// Registry resolves provider ids to providers.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	client    *http.Client
}

// NewRegistry returns a registry with the built-in OpenAI-compatible
// providers registered.
func NewRegistry(client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 600 * time.Second}
	}
	r := &Registry{factories: make(map[string]Factory), client: client}
	r.Register("openai", OpenAIFactory("openai", "https://api.openai.com/v1", "OPENAI_API_KEY"))
	r.Register("mistral", OpenAIFactory("mistral", "https://api.mistral.ai/v1", "MISTRAL_API_KEY"))
	r.Register("togetherai", OpenAIFactory("togetherai", "https://api.together.xyz/v1", "TOGETHERAI_API_KEY"))
	return r
}

// Register adds or replaces the factory for id.
func (r *Registry) Register(id string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = factory
}

// IDs lists the registered provider ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Provider builds the provider registered under id.
func (r *Registry) Provider(id string, credentials map[string]string) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return factory(credentials, r.client)
}
