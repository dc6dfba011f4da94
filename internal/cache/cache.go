// Package cache holds the profit-report cache used to avoid recomputing
// analytics on every dashboard load.
package cache

import (
	"context"
	"time"

	"dukapos/backend/internal/domain"
)

// ReportCache stores computed profit analyses keyed by time range and
// local date. Implementations must be safe for concurrent use.
type ReportCache interface {
	Get(ctx context.Context, key string) (*domain.ProfitAnalysis, bool, error)
	Set(ctx context.Context, key string, value *domain.ProfitAnalysis, ttl time.Duration) error
	// Invalidate drops every cached report. Called after any write that
	// changes sales history.
	Invalidate(ctx context.Context) error
}

// NoopReportCache is used when Redis is not configured. Every lookup
// misses, so reports are always computed fresh.
type NoopReportCache struct{}

func NewNoopReportCache() *NoopReportCache {
	return &NoopReportCache{}
}

func (c *NoopReportCache) Get(ctx context.Context, key string) (*domain.ProfitAnalysis, bool, error) {
	return nil, false, nil
}

func (c *NoopReportCache) Set(ctx context.Context, key string, value *domain.ProfitAnalysis, ttl time.Duration) error {
	return nil
}

func (c *NoopReportCache) Invalidate(ctx context.Context) error {
	return nil
}
