package queue

import (
	"context"
	"encoding/json"
)

type (
	// Handler processes jobs of one name. Handlers must be idempotent:
	// delivery is at-least-once and a job can be redelivered after its lease
	// expires.
	Handler interface {
		Name() string
		Handle(ctx context.Context, payload json.RawMessage) error
	}

	// HandlerFunc is the typed handler signature wrapped by NewHandler.
	HandlerFunc[T any] func(ctx context.Context, payload T) error
)

// NewHandler wraps a typed function into a Handler, unmarshaling the stored
// payload into T before each invocation.
func NewHandler[T any](name string, fn HandlerFunc[T]) Handler {
	return &typedHandler[T]{name: name, fn: fn}
}

// NewRawHandler wraps a function that wants the payload bytes untouched.
func NewRawHandler(name string, fn func(ctx context.Context, payload json.RawMessage) error) Handler {
	return &rawHandler{name: name, fn: fn}
}

type typedHandler[T any] struct {
	name string
	fn   HandlerFunc[T]
}

func (h *typedHandler[T]) Name() string {
	return h.name
}

func (h *typedHandler[T]) Handle(ctx context.Context, payload json.RawMessage) error {
	var t T
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t); err != nil {
			return err
		}
	}
	return h.fn(ctx, t)
}

type rawHandler struct {
	name string
	fn   func(ctx context.Context, payload json.RawMessage) error
}

func (h *rawHandler) Name() string {
	return h.name
}

func (h *rawHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	return h.fn(ctx, payload)
}
