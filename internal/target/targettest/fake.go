// Package targettest provides an in-memory target.Caller for tests.
package targettest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jbweber/sma/internal/target"
)

// Handler answers one method. params is the request re-encoded as JSON.
type Handler func(params json.RawMessage) (any, error)

// Call is a recorded request.
type Call struct {
	Method string
	Params json.RawMessage
}

// Fake dispatches calls to per-method handlers and records every call.
// Methods without a handler fail with a "Method not found" rejection.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{handlers: make(map[string]Handler)}
}

// Handle installs h for method, replacing any previous handler.
func (f *Fake) Handle(method string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

// Return makes method always succeed with result.
func (f *Fake) Return(method string, result any) {
	f.Handle(method, func(json.RawMessage) (any, error) { return result, nil })
}

// Fail makes method always fail with err.
func (f *Fake) Fail(method string, err error) {
	f.Handle(method, func(json.RawMessage) (any, error) { return nil, err })
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Methods returns the recorded method names in order.
func (f *Fake) Methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Method
	}
	return out
}

// Count returns how many times method was called.
func (f *Fake) Count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Call implements target.Caller.
func (f *Fake) Call(ctx context.Context, method string, params, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("fake target: failed to encode params: %w", err)
	}

	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, Params: raw})
	h, ok := f.handlers[method]
	f.mu.Unlock()

	if !ok {
		return &target.RPCError{Code: -32601, Message: "Method not found", Method: method}
	}

	out, err := h(raw)
	if err != nil {
		return err
	}
	if result == nil || out == nil {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("fake target: failed to encode result: %w", err)
	}
	return json.Unmarshal(data, result)
}

// Rejected returns a target rejection with the given code.
func Rejected(code int, message string) error {
	return &target.RPCError{Code: code, Message: message}
}

// NotFound returns the rejection the target uses for a missing resource.
func NotFound() error {
	return &target.RPCError{Code: -19, Message: "No such device"}
}

// Unreachable returns a transport failure.
func Unreachable(method string) error {
	return fmt.Errorf("%w: %s: connection refused", target.ErrUnreachable, method)
}
