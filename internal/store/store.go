// Package store persists what the core emits: a SQLite journal of order
// lifecycle, fills, risk rejections, session and breaker events, and a
// Parquet archive of each trading day's fills.
package store

import (
	"context"
	"time"

	"brokergate/internal/domain"
)

// Journal is the append-only record of core events. Writes are idempotent:
// lifecycle events dedupe on (LocalID, Version) and fills on ExecutionID.
type Journal interface {
	// SaveLifecycle records one order transition.
	SaveLifecycle(ctx context.Context, ev domain.LifecycleEvent) error

	// SaveFill records an execution. A re-reported execution replaces the
	// stored price.
	SaveFill(ctx context.Context, f domain.Fill) error

	// SaveRiskRejection records an order refused by the risk engine.
	SaveRiskRejection(ctx context.Context, ev domain.RiskRejectionEvent) error

	// SaveSessionEvent records a broker session state change.
	SaveSessionEvent(ctx context.Context, ev domain.SessionEvent) error

	// SaveBreakerEvent records a circuit breaker trip or reset.
	SaveBreakerEvent(ctx context.Context, ev domain.BreakerEvent) error

	// OrderHistory returns an order's transitions in version order.
	OrderHistory(ctx context.Context, localID string) ([]domain.LifecycleEvent, error)

	// Fills returns executions with timestamps in [start, end).
	Fills(ctx context.Context, start, end time.Time) ([]domain.Fill, error)
}

// FillArchive stores a trading day's fills in bulk.
type FillArchive interface {
	// WriteFills merges fills into the archive for day (YYYY-MM-DD).
	WriteFills(ctx context.Context, day string, fills []domain.Fill) error

	// ReadFills returns the archived fills for day, oldest first.
	ReadFills(ctx context.Context, day string) ([]domain.Fill, error)

	// Days lists the archived days in ascending order.
	Days(ctx context.Context) ([]string, error)
}
