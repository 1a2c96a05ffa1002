// Package handler maps job types to the code that executes them.
//
// Handlers report failure through Result, never by panicking; a panic is
// still recovered by Registry.Dispatch and reported as a failed Result so
// one bad job cannot take a processor down.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Type is a known job type tag.
type Type string

const (
	TypeCSVExport Type = "CSV_EXPORT"
	TypeEmailSend Type = "EMAIL_SEND"
)

// ErrUnknownType is reported for a job whose type has no handler. It takes
// the same retry path as any other handler failure.
var ErrUnknownType = errors.New("unknown job type")

// Task is what a handler sees of a job.
type Task struct {
	JobID   uuid.UUID
	Type    string
	Payload json.RawMessage
}

// Result is either an output (ok) or a failure message.
type Result struct {
	Output json.RawMessage
	Err    error
}

func (r Result) OK() bool { return r.Err == nil }

// Message is the failure text stored on the job.
func (r Result) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// OK builds a successful result from any JSON-encodable value.
func OK(v any) Result {
	if raw, ok := v.(json.RawMessage); ok {
		return Result{Output: raw}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Fail(fmt.Errorf("encode result: %w", err))
	}
	return Result{Output: b}
}

func Fail(err error) Result {
	if err == nil {
		err = errors.New("handler failed")
	}
	return Result{Err: err}
}

func Failf(format string, args ...any) Result {
	return Fail(fmt.Errorf(format, args...))
}

type Handler interface {
	Handle(ctx context.Context, task Task) Result
}

type HandlerFunc func(ctx context.Context, task Task) Result

func (f HandlerFunc) Handle(ctx context.Context, task Task) Result { return f(ctx, task) }

// Registry is safe for concurrent use; processors only read from it after
// startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Type]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Type]Handler)}
}

func (r *Registry) Register(typ Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = h
}

func (r *Registry) Lookup(typ string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[Type(typ)]
	return h, ok
}

// Types lists registered types in sorted order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Dispatch runs the handler registered for task.Type and blocks until it
// returns.
func (r *Registry) Dispatch(ctx context.Context, task Task) (res Result) {
	h, ok := r.Lookup(task.Type)
	if !ok {
		return Fail(fmt.Errorf("%w: %s", ErrUnknownType, task.Type))
	}

	defer func() {
		if p := recover(); p != nil {
			res = Failf("handler panic: %v", p)
		}
	}()
	return h.Handle(ctx, task)
}
