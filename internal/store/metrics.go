package store

import (
	"context"
	"time"

	"github.com/earth92/appsuite-middleware-sub014/internal/metrics"
)

func observeDB(ctx context.Context, operation string) func() {
	start := time.Now()
	return func() {
		metrics.ObserveDBLatency(ctx, operation, start)
	}
}
