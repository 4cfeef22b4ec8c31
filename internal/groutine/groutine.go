// Package groutine spawns named goroutines. The stack runs several
// long-lived workers (transport send loop, tick loops, PTY pumps) and
// labelling them via pprof makes goroutine dumps attributable.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go starts fn on a new goroutine labelled with name.
// If parent is nil, context.Background() is used.
//
//	groutine.Go(ctx, "ppog-send-loop", func(ctx context.Context) { ... })
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parent, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, nameKey, name)
		fn(ctx)
	})
}

// Name retrieves the goroutine name recorded by Go, or "" when absent.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(nameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
