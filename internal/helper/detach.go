package helper

import (
	"context"
	"time"
)

type detachedContext struct {
	parent context.Context
}

// Detach returns a context that carries the values of ctx but is neither
// cancelled nor expires together with it. Bound it with a timeout.
func Detach(ctx context.Context) context.Context {
	return detachedContext{parent: ctx}
}

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }

func (detachedContext) Done() <-chan struct{} { return nil }

func (detachedContext) Err() error { return nil }

func (d detachedContext) Value(key interface{}) interface{} { return d.parent.Value(key) }
