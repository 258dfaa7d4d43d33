package store

import (
	"context"
	"fmt"
	"time"
)

// InsertTelemetrySample inserts a telemetry sample. A repeated delivery_id
// is a no-op (ON CONFLICT DO NOTHING), so re-delivery of a repeated
// telemetry payload never produces a duplicate row.
func (s *Store) InsertTelemetrySample(ctx context.Context, t TelemetrySample) error {
	query := `INSERT INTO telemetry_samples (
		delivery_id, instance_id, schema_ver, accepted, dedup_hit, verify_ms, collected_at, raw_json
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (delivery_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		t.DeliveryID, t.InstanceID, t.SchemaVer, t.Accepted, t.DedupHit, t.VerifyMs, t.CollectedAt, t.RawJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting telemetry sample: %w", err)
	}
	return nil
}

// PruneTelemetrySamplesOlderThan deletes raw telemetry samples collected
// before the cutoff.
func (s *Store) PruneTelemetrySamplesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM telemetry_samples WHERE collected_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning telemetry samples: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneTelemetryHourlyOlderThan deletes hourly aggregates older than the
// cutoff.
func (s *Store) PruneTelemetryHourlyOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM telemetry_hourly WHERE bucket_hour < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning telemetry hourly: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneBuildEventsOlderThan deletes build events older than the cutoff.
func (s *Store) PruneBuildEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM build_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning build events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AggregateTelemetryHourly recomputes hourly aggregates for the window
// [since, now) via a group-by-hour upsert over raw samples.
func (s *Store) AggregateTelemetryHourly(ctx context.Context, since time.Time) (int64, error) {
	query := `INSERT INTO telemetry_hourly (instance_id, bucket_hour, sample_count, accepted_count, avg_verify_ms, max_verify_ms, updated_at)
	SELECT
		instance_id,
		date_trunc('hour', collected_at) AS bucket_hour,
		count(*) AS sample_count,
		count(*) FILTER (WHERE accepted) AS accepted_count,
		avg(verify_ms) AS avg_verify_ms,
		max(verify_ms) AS max_verify_ms,
		now()
	FROM telemetry_samples
	WHERE collected_at >= $1
	GROUP BY instance_id, date_trunc('hour', collected_at)
	ON CONFLICT (instance_id, bucket_hour) DO UPDATE SET
		sample_count = EXCLUDED.sample_count,
		accepted_count = EXCLUDED.accepted_count,
		avg_verify_ms = EXCLUDED.avg_verify_ms,
		max_verify_ms = EXCLUDED.max_verify_ms,
		updated_at = now()`

	tag, err := s.pool.Exec(ctx, query, since)
	if err != nil {
		return 0, fmt.Errorf("aggregating telemetry hourly: %w", err)
	}
	return tag.RowsAffected(), nil
}
