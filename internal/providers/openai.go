package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// OpenAI speaks the OpenAI HTTP API, which most hosted providers mirror.
type OpenAI struct {
	id      string
	baseURL string
	apiKey  string
	client  *http.Client
}

// OpenAIFactory returns a factory reading the API key from credentials[keyName].
// An optional "<keyName without _API_KEY>_BASE_URL" credential overrides baseURL.
func OpenAIFactory(id, baseURL, keyName string) Factory {
	return func(credentials map[string]string, client *http.Client) (Provider, error) {
		apiKey := credentials[keyName]
		if apiKey == "" {
			return nil, fmt.Errorf("%w: %s requires %s", ErrMissingCredentials, id, keyName)
		}
		url := baseURL
		if override := credentials[strings.TrimSuffix(keyName, "_API_KEY")+"_BASE_URL"]; override != "" {
			url = override
		}
		return NewOpenAI(id, url, apiKey, client), nil
	}
}

// NewOpenAI creates a provider talking to baseURL.
func NewOpenAI(id, baseURL, apiKey string, client *http.Client) *OpenAI {
	if client == nil {
		client = &http.Client{Timeout: 600 * time.Second}
	}
	return &OpenAI{id: id, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: client}
}

func (p *OpenAI) ID() string { return p.id }

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

type chatCompletionResponse struct {
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Generate sends Prompt as a single user message.
func (p *OpenAI) Generate(ctx context.Context, req GenerateRequest) (*Generation, error) {
	return p.Chat(ctx, ChatRequest{
		Model:       req.Model,
		Messages:    []Message{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	})
}

func (p *OpenAI) Chat(ctx context.Context, req ChatRequest) (*Generation, error) {
	var resp chatCompletionResponse
	if err := p.post(ctx, "/chat/completions", chatCompletionRequest(req), &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Message: "response contained no choices"}
	}

	created := time.Now()
	if resp.Created > 0 {
		created = time.Unix(resp.Created, 0)
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	log.Printf("✅ [PROVIDER] %s/%s: completion_len=%d, tokens=%d/%d",
		p.id, model, len(resp.Choices[0].Message.Content), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	return &Generation{
		Created:    created,
		Provider:   p.id,
		Model:      model,
		Completion: resp.Choices[0].Message.Content,
		Usage:      resp.Usage,
	}, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (p *OpenAI) Embed(ctx context.Context, req EmbedRequest) ([]Embedding, error) {
	var resp embeddingResponse
	if err := p.post(ctx, "/embeddings", embeddingRequest{Model: req.Model, Input: req.Texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(req.Texts) {
		return nil, &ProviderError{Message: fmt.Sprintf("expected %d embeddings, got %d", len(req.Texts), len(resp.Data))}
	}
	out := make([]Embedding, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, &ProviderError{Message: fmt.Sprintf("embedding index %d out of range", d.Index)}
		}
		out[d.Index] = Embedding{Vector: d.Embedding}
	}
	return out, nil
}

func (p *OpenAI) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		policy := DefaultRetryPolicy
		return &ProviderError{Message: err.Error(), Retryable: &policy}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	requestID := resp.Header.Get("X-Request-Id")

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp.StatusCode, requestID, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProviderError{RequestID: requestID, Message: "failed to parse response: " + err.Error()}
	}
	return nil
}

func errorFromResponse(status int, requestID string, raw []byte) *ProviderError {
	message := strings.TrimSpace(string(raw))
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		message = body.Error.Message
	}
	if len(message) > 500 {
		message = message[:500] + "..."
	}

	perr := &ProviderError{
		RequestID:  requestID,
		Message:    fmt.Sprintf("HTTP %d: %s", status, message),
		StatusCode: status,
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		policy := DefaultRetryPolicy
		perr.Retryable = &policy
	}
	return perr
}
