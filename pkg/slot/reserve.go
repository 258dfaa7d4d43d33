// Package slot implements atomic per-minute dispatch quota reservation.
package slot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Source identifies why a slot is being reserved.
type Source string

// Reservation sources.
const (
	SourceScheduled Source = "scheduled"
	SourceRetry     Source = "retry"
)

// Querier is the minimal pgx surface Reserve needs, satisfied by both
// *pgxpool.Pool and a pooled *pgx.Conn — kept narrow so callers can test
// against a fake.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Reservation is the successful result of reserving a dispatch slot.
type Reservation struct {
	Minute         time.Time
	ScheduledCount int
	RetryCount     int
	TotalCount     int
	OffsetMinutes  int
}

// ErrWindowExhausted is returned when no minute within the lookahead window
// had remaining capacity.
var ErrWindowExhausted = errors.New("slot reservation: lookahead window exhausted")

const reserveQuery = `
INSERT INTO dispatch_minute_load (minute_start, scheduled_count, retry_count, total_count, created_at, updated_at)
VALUES ($1, $2, $3, $2 + $3, now(), now())
ON CONFLICT (minute_start) DO UPDATE
  SET scheduled_count = dispatch_minute_load.scheduled_count + EXCLUDED.scheduled_count,
      retry_count     = dispatch_minute_load.retry_count + EXCLUDED.retry_count,
      total_count     = dispatch_minute_load.total_count + EXCLUDED.scheduled_count + EXCLUDED.retry_count,
      updated_at      = now()
  WHERE dispatch_minute_load.total_count < $4
RETURNING minute_start, scheduled_count, retry_count, total_count`

// Reserve attempts to atomically reserve dispatch capacity starting at
// floorToMinute(preferredAt), walking forward up to lookaheadMinutes. Each
// candidate minute is a single conditional upsert; the first minute that has
// no row yet, or whose total before the increment is below maxPerMinute, wins.
func Reserve(ctx context.Context, q Querier, preferredAt time.Time, source Source, maxPerMinute, lookaheadMinutes int) (Reservation, error) {
	scheduledInc, retryInc := 0, 0
	switch source {
	case SourceScheduled:
		scheduledInc = 1
	case SourceRetry:
		retryInc = 1
	default:
		return Reservation{}, fmt.Errorf("slot reservation: unknown source %q", source)
	}

	base := floorToMinute(preferredAt)

	for offset := 0; offset <= lookaheadMinutes; offset++ {
		minute := base.Add(time.Duration(offset) * time.Minute)

		var r Reservation
		err := q.QueryRow(ctx, reserveQuery, minute, scheduledInc, retryInc, maxPerMinute).
			Scan(&r.Minute, &r.ScheduledCount, &r.RetryCount, &r.TotalCount)
		if err == nil {
			r.OffsetMinutes = offset
			return r, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, fmt.Errorf("reserving slot at %s: %w", minute, err)
		}
		// No row returned: this minute is full. Try the next one.
	}

	return Reservation{}, ErrWindowExhausted
}

// floorToMinute truncates t down to the start of its UTC minute.
func floorToMinute(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), 0, 0, time.UTC)
}
