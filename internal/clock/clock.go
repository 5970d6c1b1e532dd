package clock

import (
	"context"
	"time"

	"go.uber.org/fx"
)

var Module = fx.Module("clock",
	fx.Provide(func() Clock { return SystemClock{} }),
)

// Clock abstracts time so services can be tested at a fixed instant.
type Clock interface {
	Now(ctx context.Context) time.Time
}

type SystemClock struct{}

func (SystemClock) Now(ctx context.Context) time.Time {
	return time.Now().UTC()
}

// Fixed returns a clock pinned to t. Used by tests.
type Fixed struct{ T time.Time }

func (f Fixed) Now(ctx context.Context) time.Time { return f.T }
