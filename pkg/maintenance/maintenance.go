// Package maintenance implements the periodic housekeeping sweep: pruning
// aged raw telemetry and slot-load rows, and rebuilding the recent hourly
// telemetry rollup.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wisbric/npcloud/internal/store"
	"github.com/wisbric/npcloud/internal/telemetry"
)

const (
	telemetrySampleRetention = 90 * 24 * time.Hour
	telemetryHourlyRetention = 365 * 24 * time.Hour
	buildEventRetention      = 365 * 24 * time.Hour
	aggregationWindow        = 2 * time.Hour
)

// Runner issues the maintenance sweep's batch statements as single-statement
// pgx calls, grounded on the teacher's batch-style queries
// (pkg/apikey/store.go's single-statement methods) generalized to
// DELETE ... WHERE and a grouped upsert.
type Runner struct {
	store               *store.Store
	logger              *slog.Logger
	minuteLoadRetention time.Duration
}

// NewRunner creates a maintenance Runner. minuteLoadRetention configures how
// long dispatch_minute_load rows are kept (DISPATCH_MINUTE_LOAD_RETENTION_HOURS).
func NewRunner(st *store.Store, logger *slog.Logger, minuteLoadRetention time.Duration) *Runner {
	return &Runner{store: st, logger: logger, minuteLoadRetention: minuteLoadRetention}
}

// Run executes one maintenance sweep: prune raw telemetry older than 90
// days, hourly aggregates older than 365 days, and build events older than
// 365 days; recompute hourly aggregates for the last two hours; prune
// dispatch_minute_load rows past their configured retention.
func (r *Runner) Run(ctx context.Context) error {
	now := time.Now().UTC()

	prunedSamples, err := r.store.PruneTelemetrySamplesOlderThan(ctx, now.Add(-telemetrySampleRetention))
	if err != nil {
		return fmt.Errorf("pruning telemetry samples: %w", err)
	}

	prunedHourly, err := r.store.PruneTelemetryHourlyOlderThan(ctx, now.Add(-telemetryHourlyRetention))
	if err != nil {
		return fmt.Errorf("pruning telemetry hourly: %w", err)
	}

	prunedBuildEvents, err := r.store.PruneBuildEventsOlderThan(ctx, now.Add(-buildEventRetention))
	if err != nil {
		return fmt.Errorf("pruning build events: %w", err)
	}

	aggregated, err := r.store.AggregateTelemetryHourly(ctx, now.Add(-aggregationWindow))
	if err != nil {
		return fmt.Errorf("aggregating telemetry hourly: %w", err)
	}

	prunedMinuteLoad, err := r.store.PruneMinuteLoadOlderThan(ctx, now.Add(-r.minuteLoadRetention))
	if err != nil {
		return fmt.Errorf("pruning dispatch minute load: %w", err)
	}

	telemetry.MaintenanceRunsTotal.Inc()
	r.logger.Info("maintenance run complete",
		"pruned_samples", prunedSamples,
		"pruned_hourly", prunedHourly,
		"pruned_build_events", prunedBuildEvents,
		"rows_aggregated", aggregated,
		"pruned_minute_load", prunedMinuteLoad,
	)

	return nil
}
