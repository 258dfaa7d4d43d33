package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deliveryColumns = `id, instance_id, scheduled_for, enqueued_at, status, attempt_count,
	response_status, accepted, dedup_hit, last_error_code, last_error_message, completed_at, created_at`

func scanDelivery(row pgx.Row) (Delivery, error) {
	var d Delivery
	err := row.Scan(
		&d.ID, &d.InstanceID, &d.ScheduledFor, &d.EnqueuedAt, &d.Status, &d.AttemptCount,
		&d.ResponseStatus, &d.Accepted, &d.DedupHit, &d.LastErrorCode, &d.LastErrorMessage,
		&d.CompletedAt, &d.CreatedAt,
	)
	return d, err
}

// CreateDelivery inserts a new queued delivery.
func (s *Store) CreateDelivery(ctx context.Context, instanceID uuid.UUID, scheduledFor, enqueuedAt time.Time) (Delivery, error) {
	query := `INSERT INTO deliveries (instance_id, scheduled_for, enqueued_at, status)
	VALUES ($1, $2, $3, 'queued')
	RETURNING ` + deliveryColumns

	row := s.pool.QueryRow(ctx, query, instanceID, scheduledFor, enqueuedAt)
	return scanDelivery(row)
}

// GetDelivery looks up a delivery by id.
func (s *Store) GetDelivery(ctx context.Context, id uuid.UUID) (Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1`
	return scanDelivery(s.pool.QueryRow(ctx, query, id))
}

// MarkDelivered transitions a delivery to its terminal delivered state.
func (s *Store) MarkDelivered(ctx context.Context, id uuid.UUID, responseStatus int, accepted bool) error {
	query := `UPDATE deliveries SET
		status = 'delivered', response_status = $2, accepted = $3,
		attempt_count = attempt_count + 1, completed_at = now()
	WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, id, responseStatus, accepted)
	if err != nil {
		return fmt.Errorf("marking delivery delivered: %w", err)
	}
	return nil
}

// MarkFailed transitions a delivery to its retryable failed state (no
// completed_at — the caller may still re-enqueue it).
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, responseStatus *int, errorCode, errorMessage string) error {
	query := `UPDATE deliveries SET
		status = 'failed', response_status = $2, last_error_code = $3, last_error_message = $4,
		attempt_count = attempt_count + 1
	WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, id, responseStatus, errorCode, errorMessage)
	if err != nil {
		return fmt.Errorf("marking delivery failed: %w", err)
	}
	return nil
}

// MarkDead transitions a delivery to its terminal dead state.
func (s *Store) MarkDead(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) error {
	query := `UPDATE deliveries SET
		status = 'dead', last_error_code = $2, last_error_message = $3, completed_at = now()
	WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, id, errorCode, errorMessage)
	if err != nil {
		return fmt.Errorf("marking delivery dead: %w", err)
	}
	return nil
}

// RecordAttempt inserts an append-only delivery attempt row.
func (s *Store) RecordAttempt(ctx context.Context, a DeliveryAttempt) error {
	query := `INSERT INTO delivery_attempts (
		delivery_id, attempt_no, started_at, finished_at, http_status, timed_out, error_code, error_message
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, query,
		a.DeliveryID, a.AttemptNo, a.StartedAt, a.FinishedAt, a.HTTPStatus, a.TimedOut, a.ErrorCode, a.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("recording delivery attempt: %w", err)
	}
	return nil
}
