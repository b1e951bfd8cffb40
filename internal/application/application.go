package application

import (
	"context"
	"time"
)

type UseCase[C any, R any] interface {
	Execute(ctx context.Context, cmd C) (R, error)
}

// Clock returns the current time. Services take one so tests can move time.
type Clock func() time.Time

func SystemClock() time.Time { return time.Now().UTC() }
