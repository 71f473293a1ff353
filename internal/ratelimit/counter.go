// Package ratelimit provides fixed-window counters shared by every caller
// that budgets a remote API: Apple push per pass type identifier and Google
// object patches per day.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Counter counts events per key in fixed windows.
type Counter interface {
	// TryAcquire counts one event for key in the current window and reports
	// whether the window is still within limit.
	TryAcquire(ctx context.Context, key string, window time.Duration, limit int64) (bool, error)
	// Count returns the events counted for key in the current window.
	Count(ctx context.Context, key string, window time.Duration) (int64, error)
	// Release gives back one event acquired in the current window. The count
	// never drops below zero.
	Release(ctx context.Context, key string, window time.Duration) error
}

func bucketKey(key string, window time.Duration, now time.Time) string {
	return fmt.Sprintf("%s:%d", key, now.UnixNano()/int64(window))
}

// WindowEnd returns when the window containing now closes.
func WindowEnd(now time.Time, window time.Duration) time.Time {
	bucket := now.UnixNano() / int64(window)
	return time.Unix(0, (bucket+1)*int64(window))
}
