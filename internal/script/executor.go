// Package script runs untrusted JavaScript for Code, While, Curl, Replit and
// Database blocks. One actor goroutine drains a bounded mailbox; every
// request runs on its own goroutine with a fresh goja runtime and a watchdog
// that interrupts the runtime when the wall-clock budget is spent.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// DefaultTimeout bounds a script when the request does not set one.
const DefaultTimeout = 10 * time.Second

var (
	// ErrTimeout is returned when a script exceeds its wall-clock budget.
	ErrTimeout = errors.New("script execution timed out")
	// ErrClosed is returned by Execute after Close.
	ErrClosed = errors.New("script executor closed")
)

// Error is a script-level failure: syntax error, thrown exception, missing
// entry function or a rejected promise.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return "script error: " + e.Message
}

// Request is one script invocation. Args are JSON-compatible values handed
// to the entry function as native JS values.
type Request struct {
	Code    string
	Entry   string
	Args    []any
	Timeout time.Duration
}

// Reply carries the JSON-normalized return value and every console call,
// one []any of arguments per call.
type Reply struct {
	Value any
	Logs  []any
}

type job struct {
	ctx   context.Context
	req   Request
	reply chan result
}

type result struct {
	reply Reply
	err   error
}

// Executor is the script actor.
type Executor struct {
	mailbox chan job
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewExecutor starts the actor with a mailbox of the given size.
func NewExecutor(mailboxSize int) *Executor {
	if mailboxSize <= 0 {
		mailboxSize = 256
	}
	e := &Executor{
		mailbox: make(chan job, mailboxSize),
		done:    make(chan struct{}),
	}
	e.wg.Add(1)
	go e.loop()
	return e
}

func (e *Executor) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case j := <-e.mailbox:
			go run(j)
		}
	}
}

// Execute submits req and waits for its reply.
func (e *Executor) Execute(ctx context.Context, req Request) (Reply, error) {
	j := job{ctx: ctx, req: req, reply: make(chan result, 1)}

	select {
	case <-e.done:
		return Reply{}, ErrClosed
	default:
	}

	select {
	case <-e.done:
		return Reply{}, ErrClosed
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case e.mailbox <- j:
	}

	select {
	case r := <-j.reply:
		return r.reply, r.err
	case <-e.done:
		return Reply{}, ErrClosed
	case <-ctx.Done():
		// The execution goroutine interrupts its runtime on ctx cancellation.
		return Reply{}, ctx.Err()
	}
}

// Close stops the actor. Waiting Execute calls return ErrClosed; scripts
// already running are still bounded by their watchdog.
func (e *Executor) Close() {
	e.once.Do(func() {
		close(e.done)
	})
	e.wg.Wait()
}

type interruptReason struct{ err error }

func run(j job) {
	var res result
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ [SCRIPT] Panic in script runtime: %v\n%s", r, debug.Stack())
			res = result{err: &Error{Message: fmt.Sprintf("runtime panic: %v", r)}}
		}
		j.reply <- res
	}()

	timeout := j.req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(1024)

	watchdog := time.AfterFunc(timeout, func() {
		vm.Interrupt(interruptReason{ErrTimeout})
	})
	defer watchdog.Stop()
	stop := context.AfterFunc(j.ctx, func() {
		vm.Interrupt(interruptReason{j.ctx.Err()})
	})
	defer stop()

	value, logs, err := evaluate(vm, j.req)
	if err != nil {
		res = result{err: translate(err)}
		return
	}
	res = result{reply: Reply{Value: value, Logs: logs}}
}

func evaluate(vm *goja.Runtime, req Request) (any, []any, error) {
	logs := []any{}
	console := vm.NewObject()
	capture := func(call goja.FunctionCall) goja.Value {
		entry := make([]any, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			v, err := exportJSON(vm, arg)
			if err != nil {
				entry = append(entry, arg.String())
				continue
			}
			entry = append(entry, v)
		}
		logs = append(logs, entry)
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(name, capture); err != nil {
			return nil, nil, err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return nil, nil, err
	}

	if _, err := vm.RunString(req.Code); err != nil {
		return nil, logs, err
	}

	entry := req.Entry
	if entry == "" {
		entry = "_fun"
	}
	fn, ok := goja.AssertFunction(vm.Get(entry))
	if !ok {
		return nil, logs, &Error{Message: fmt.Sprintf("`%s` is not a function", entry)}
	}

	args := make([]goja.Value, 0, len(req.Args))
	for _, arg := range req.Args {
		v, err := importJSON(vm, arg)
		if err != nil {
			return nil, logs, fmt.Errorf("failed to pass argument: %w", err)
		}
		args = append(args, v)
	}

	out, err := fn(goja.Undefined(), args...)
	if err != nil {
		return nil, logs, err
	}

	out, err = settle(vm, out)
	if err != nil {
		return nil, logs, err
	}

	value, err := exportJSON(vm, out)
	if err != nil {
		return nil, logs, err
	}
	return value, logs, nil
}

// settle unwraps a promise returned by an async entry function. goja runs
// queued promise jobs when a top-level run completes, so an empty run drains
// the job queue.
func settle(vm *goja.Runtime, v goja.Value) (goja.Value, error) {
	promise, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	for promise.State() == goja.PromiseStatePending {
		if _, err := vm.RunString(""); err != nil {
			return nil, err
		}
		if promise.State() == goja.PromiseStatePending {
			return nil, &Error{Message: "promise never settled"}
		}
	}
	if promise.State() == goja.PromiseStateRejected {
		return nil, &Error{Message: fmt.Sprintf("promise rejected: %s", promise.Result().String())}
	}
	return promise.Result(), nil
}

func importJSON(vm *goja.Runtime, v any) (goja.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	parse, _ := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
	return parse(goja.Undefined(), vm.ToValue(string(data)))
}

// exportJSON converts a JS value through JSON.stringify so the Go side only
// ever sees JSON-shaped values. undefined becomes nil.
func exportJSON(vm *goja.Runtime, v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	stringify, _ := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	s, err := stringify(goja.Undefined(), v)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(s) {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal([]byte(s.String()), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func translate(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if reason, ok := interrupted.Value().(interruptReason); ok {
			return reason.err
		}
		return ErrTimeout
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return &Error{Message: exception.Error()}
	}
	var scriptErr *Error
	if errors.As(err, &scriptErr) {
		return scriptErr
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &Error{Message: syntax.Error()}
	}
	return &Error{Message: err.Error()}
}
