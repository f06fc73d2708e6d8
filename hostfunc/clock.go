package hostfunc

import (
	"context"
	"time"

	"github.com/caffeineduck/gorun/capability"
)

// Clock exposes host time to scripts, which otherwise only see the engine's
// Date.
type Clock struct {
	now func() time.Time
}

// NewClock returns a Clock reading now, or time.Now if now is nil.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Capability exposes now() in Unix milliseconds and iso() in RFC 3339 UTC.
func (c *Clock) Capability() capability.Object {
	return capability.Object{
		"now": capability.Func(func(context.Context, ...any) (any, error) {
			return c.now().UnixMilli(), nil
		}),
		"iso": capability.Func(func(context.Context, ...any) (any, error) {
			return c.now().UTC().Format(time.RFC3339Nano), nil
		}),
	}
}
