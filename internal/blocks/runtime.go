package blocks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"pipecore/internal/cache"
	"pipecore/internal/env"
	"pipecore/internal/outbound"
	"pipecore/internal/retry"
	"pipecore/internal/script"
)

const maxResponseBytes = 16 * 1024 * 1024

func runtimeOf(e *env.Env, blockType Type) (*env.Runtime, error) {
	if e.Runtime == nil {
		return nil, fmt.Errorf("%s block: no runtime configured", blockType)
	}
	return e.Runtime, nil
}

// runScript calls the entry function of code with the script env.
func runScript(ctx context.Context, e *env.Env, blockType Type, code string, withSecrets bool) (script.Reply, error) {
	rt, err := runtimeOf(e, blockType)
	if err != nil {
		return script.Reply{}, err
	}
	if rt.Scripts == nil {
		return script.Reply{}, fmt.Errorf("%s block: no script executor configured", blockType)
	}
	return rt.Scripts.Execute(ctx, script.Request{
		Code:    code,
		Entry:   "_fun",
		Args:    []any{e.ScriptEnv(withSecrets)},
		Timeout: rt.ScriptTimeout,
	})
}

// cached runs fetch through the runtime cache when useCache is set.
func cached[T any](ctx context.Context, e *env.Env, useCache bool, key string, fetch func(ctx context.Context) (T, error)) (T, bool, error) {
	rt := e.Runtime
	if !useCache || rt == nil || rt.Cache == nil {
		v, err := fetch(ctx)
		return v, false, err
	}
	ttl := rt.CacheTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return cache.GetOrFetch(ctx, rt.Cache, rt.Metrics, key, ttl, fetch)
}

// withRetry runs op, retrying errors that carry a retry policy.
func withRetry[T any](ctx context.Context, e *env.Env, operation string, op func(ctx context.Context) (T, error)) (T, error) {
	hooks := retry.LogHooks(operation)
	onRetry := hooks.OnRetry
	hooks.OnRetry = func(attempt int, delay time.Duration, err error) {
		if e.Runtime != nil {
			e.Runtime.Metrics.RecordRetry(operation)
		}
		onRetry(attempt, delay, err)
	}
	return retry.Do(ctx, op, hooks)
}

// doJSON sends req through the guarded client and decodes a JSON answer.
// Non-2xx answers become classified ExecutionErrors.
func doJSON(e *env.Env, blockType Type, req *http.Request) (any, error) {
	rt, err := runtimeOf(e, blockType)
	if err != nil {
		return nil, err
	}
	if rt.HTTP == nil {
		return nil, fmt.Errorf("%s block: no HTTP client configured", blockType)
	}

	resp, err := rt.HTTP.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, ClassifyError(fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		classified := withRetryAfter(ClassifyHTTPError(resp.StatusCode, string(body)), resp.Header)
		log.Printf("⚠️ [%s] HTTP %d from %s [retryable=%v]", blockTag(blockType), resp.StatusCode, req.URL.Host, classified.Retryable)
		return nil, classified
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ExecutionError{Category: ErrorCategoryPermanent, Message: "response is not valid JSON", Cause: err}
	}
	return parsed, nil
}

// classifyTransport keeps SSRF rejections permanent.
func classifyTransport(err error) error {
	if outbound.IsForbidden(err) {
		return &ExecutionError{Category: ErrorCategoryPermanent, Message: err.Error(), Cause: err}
	}
	return ClassifyError(err)
}

func blockTag(t Type) string {
	return strings.ToUpper(strings.ReplaceAll(string(t), "_", "-"))
}
