// Package now provides a context-overridable source of the current time, so
// that code under test can pin or step the clock deterministically.
package now

import (
	"context"
	"time"
)

type contextKeyType string

// ContextKey is the context key under which a fixed time.Time or a
// NowProvider may be stashed to override Now.
const ContextKey contextKeyType = "now.ContextKey"

// NowProvider is a function returning the current time, for callers that
// need the clock to advance deterministically across repeated calls.
type NowProvider func() time.Time

// Now returns the current time, or the time/provider found under
// ContextKey in ctx if one was set. Panics if a value of an unsupported
// type was stashed under ContextKey.
func Now(ctx context.Context) time.Time {
	v := ctx.Value(ContextKey)
	if v == nil {
		return time.Now()
	}
	switch t := v.(type) {
	case time.Time:
		return t
	case NowProvider:
		return t()
	default:
		panic("now.ContextKey set to unsupported type")
	}
}

// timeTravelingContext is a context.Context that returns a fixed, mutable
// time from Now, useful for simulating the passage of time in tests.
type timeTravelingContext struct {
	context.Context
	t *time.Time
}

// TimeTravelingContext returns a context.Context whose Now() is pinned to t
// until SetTime moves it.
func TimeTravelingContext(t time.Time) *timeTravelingContext {
	pinned := t
	c := &timeTravelingContext{t: &pinned}
	c.Context = context.WithValue(context.Background(), ContextKey, NowProvider(func() time.Time { return *c.t }))
	return c
}

// SetTime moves the pinned clock forward (or backward) to t.
func (c *timeTravelingContext) SetTime(t time.Time) {
	*c.t = t
}

// WithContext returns a copy of this context whose parent is replaced with
// parent, preserving any other values already set on parent.
func (c *timeTravelingContext) WithContext(parent context.Context) *timeTravelingContext {
	return &timeTravelingContext{
		Context: context.WithValue(parent, ContextKey, NowProvider(func() time.Time { return *c.t })),
		t:       c.t,
	}
}
