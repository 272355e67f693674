package script

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestExecute_ReturnsValueAndLogs(t *testing.T) {
	e := NewExecutor(4)
	defer e.Close()

	reply, err := e.Execute(context.Background(), Request{
		Code: `_fun = (env) => {
			console.log("doubling", env.state.INPUT.x);
			return { y: env.state.INPUT.x * 2, items: [1, "a", null] };
		}`,
		Args: []any{map[string]any{"state": map[string]any{"INPUT": map[string]any{"x": 21}}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]any{"y": float64(42), "items": []any{float64(1), "a", nil}}
	if !reflect.DeepEqual(reply.Value, want) {
		t.Errorf("expected %v, got %v", want, reply.Value)
	}
	if len(reply.Logs) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(reply.Logs))
	}
	if got := reply.Logs[0].([]any); got[0] != "doubling" || got[1] != float64(21) {
		t.Errorf("unexpected log entry: %v", got)
	}
}

func TestExecute_UndefinedIsNil(t *testing.T) {
	e := NewExecutor(1)
	defer e.Close()

	reply, err := e.Execute(context.Background(), Request{Code: `function _fun() {}`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Value != nil {
		t.Errorf("expected nil, got %v", reply.Value)
	}
}

func TestExecute_CustomEntryAndAsync(t *testing.T) {
	e := NewExecutor(1)
	defer e.Close()

	reply, err := e.Execute(context.Background(), Request{
		Code:  `async function headers(env) { return { "X-Key": env.secrets.KEY }; }`,
		Entry: "headers",
		Args:  []any{map[string]any{"secrets": map[string]any{"KEY": "s3cr3t"}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := reply.Value.(map[string]any)["X-Key"]; got != "s3cr3t" {
		t.Errorf("expected resolved promise value, got %v", reply.Value)
	}
}

func TestExecute_InfiniteLoopTimesOut(t *testing.T) {
	e := NewExecutor(1)
	defer e.Close()

	start := time.Now()
	_, err := e.Execute(context.Background(), Request{
		Code:    `_fun = () => { while (true) {} }`,
		Timeout: 100 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout not enforced promptly: %s", elapsed)
	}
}

func TestExecute_ScriptErrors(t *testing.T) {
	e := NewExecutor(2)
	defer e.Close()

	tests := []struct {
		name string
		code string
	}{
		{"missing entry", `const x = 1;`},
		{"entry not a function", `_fun = 42;`},
		{"syntax error", `_fun = (env => {`},
		{"thrown", `_fun = () => { throw new Error("boom"); }`},
		{"rejected", `_fun = async () => { throw new Error("async boom"); }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Execute(context.Background(), Request{Code: tt.code})
			var scriptErr *Error
			if !errors.As(err, &scriptErr) {
				t.Fatalf("expected *Error, got %T: %v", err, err)
			}
		})
	}
}

func TestExecute_ConcurrentRequests(t *testing.T) {
	e := NewExecutor(8)
	defer e.Close()

	// A slow script must not block a fast one submitted after it.
	slow := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), Request{
			Code:    `_fun = () => { while (true) {} }`,
			Timeout: 500 * time.Millisecond,
		})
		slow <- err
	}()

	reply, err := e.Execute(context.Background(), Request{Code: `_fun = () => "fast"`})
	if err != nil || reply.Value != "fast" {
		t.Errorf("expected fast reply, got %v %v", reply.Value, err)
	}
	if err := <-slow; !errors.Is(err, ErrTimeout) {
		t.Errorf("expected slow script to time out, got %v", err)
	}
}

func TestExecute_AfterClose(t *testing.T) {
	e := NewExecutor(1)
	e.Close()
	if _, err := e.Execute(context.Background(), Request{Code: `_fun = () => 1`}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
