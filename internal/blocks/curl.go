package blocks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"pipecore/internal/env"
)

var curlMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodHead: true,
}

// Curl performs an HTTP request whose headers and body are produced by
// sandboxed JS with access to env.secrets.
type Curl struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	HeadersCode string `json:"headers_code"`
	BodyCode    string `json:"body_code"`
}

func parseCurl(config map[string]any) (Block, error) {
	p := newParams(TypeCurl, config)
	b := &Curl{
		Method:      strings.ToUpper(p.string("method", http.MethodGet)),
		URL:         p.requiredString("url"),
		HeadersCode: p.string("headers_code", ""),
		BodyCode:    p.string("body_code", ""),
	}
	if !curlMethods[b.Method] {
		p.fail("method", "unsupported method %q", b.Method)
	}
	if err := p.finish(); err != nil {
		return nil, err
	}
	return b, nil
}

func (*Curl) Type() Type          { return TypeCurl }
func (b *Curl) InnerHash() string { return hashParams(TypeCurl, b) }
func (*Curl) sealed()             {}

func (b *Curl) Execute(ctx context.Context, name string, e *env.Env) (*Result, error) {
	rt, err := runtimeOf(e, TypeCurl)
	if err != nil {
		return nil, err
	}
	if rt.HTTP == nil {
		return nil, fmt.Errorf("curl block: no HTTP client configured")
	}

	headers, err := scriptHeaders(ctx, e, TypeCurl, b.HeadersCode)
	if err != nil {
		return nil, err
	}
	body, err := scriptBody(ctx, e, TypeCurl, b.BodyCode)
	if err != nil {
		return nil, err
	}

	reqURL := InterpolateTemplate(b.URL, e.TemplateData())
	log.Printf("🌐 [CURL] Block '%s': %s %s", name, b.Method, reqURL)

	var bodyReader io.Reader
	if body != "" && b.Method != http.MethodGet && b.Method != http.MethodHead {
		bodyReader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, b.Method, reqURL, bodyReader)
	if err != nil {
		return nil, &ExecutionError{Category: ErrorCategoryPermanent, Message: fmt.Sprintf("invalid request: %v", err), Cause: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := rt.HTTP.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, ClassifyError(fmt.Errorf("failed to read response: %w", err))
	}
	log.Printf("🌐 [CURL] Block '%s': status=%d, body_len=%d", name, resp.StatusCode, len(raw))

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		parsed = string(raw)
	}
	respHeaders := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) > 0 {
			respHeaders[key] = values[0]
		}
	}

	return &Result{Value: map[string]any{
		"status":  resp.StatusCode,
		"headers": respHeaders,
		"body":    parsed,
	}}, nil
}

// scriptHeaders evaluates code (when set) to a string map of headers.
func scriptHeaders(ctx context.Context, e *env.Env, blockType Type, code string) (map[string]string, error) {
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}
	reply, err := runScript(ctx, e, blockType, code, true)
	if err != nil {
		return nil, fmt.Errorf("headers code failed: %w", err)
	}
	if reply.Value == nil {
		return nil, nil
	}
	obj, ok := reply.Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("headers code must return an object, got %T", reply.Value)
	}
	headers := make(map[string]string, len(obj))
	for k, v := range obj {
		switch s := v.(type) {
		case string:
			headers[k] = s
		default:
			headers[k] = fmt.Sprint(v)
		}
	}
	return headers, nil
}

// scriptBody evaluates code (when set) to a request body. Strings are sent
// as-is and anything else is JSON encoded.
func scriptBody(ctx context.Context, e *env.Env, blockType Type, code string) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", nil
	}
	reply, err := runScript(ctx, e, blockType, code, true)
	if err != nil {
		return "", fmt.Errorf("body code failed: %w", err)
	}
	switch v := reply.Value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("body code returned an unencodable value: %w", err)
		}
		return string(data), nil
	}
}
