package slot

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

// fakeRow implements pgx.Row over canned scan targets.
type fakeRow struct {
	minute         time.Time
	scheduledCount int
	retryCount     int
	totalCount     int
	err            error
}

func (f fakeRow) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	*dest[0].(*time.Time) = f.minute
	*dest[1].(*int) = f.scheduledCount
	*dest[2].(*int) = f.retryCount
	*dest[3].(*int) = f.totalCount
	return nil
}

// fakeQuerier models a single dispatch_minute_load table in memory,
// applying the same conditional-upsert semantics as the real SQL.
type fakeQuerier struct {
	maxPerMinute int
	totals       map[time.Time]int
}

func newFakeQuerier(maxPerMinute int) *fakeQuerier {
	return &fakeQuerier{maxPerMinute: maxPerMinute, totals: map[time.Time]int{}}
}

func (f *fakeQuerier) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	minute := args[0].(time.Time)
	scheduledInc := args[1].(int)
	retryInc := args[2].(int)
	maxPerMinute := args[3].(int)

	current := f.totals[minute]
	next := current + scheduledInc + retryInc
	if current >= maxPerMinute {
		return fakeRow{err: pgx.ErrNoRows}
	}
	f.totals[minute] = next
	return fakeRow{minute: minute, scheduledCount: scheduledInc, retryCount: retryInc, totalCount: next}
}

func TestReserve_SpillsToNextMinuteWhenFull(t *testing.T) {
	q := newFakeQuerier(1)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	first, err := Reserve(context.Background(), q, now, SourceScheduled, 1, 10)
	if err != nil {
		t.Fatalf("first reservation: %v", err)
	}
	if first.OffsetMinutes != 0 {
		t.Errorf("first reservation offset = %d, want 0", first.OffsetMinutes)
	}

	second, err := Reserve(context.Background(), q, now, SourceScheduled, 1, 10)
	if err != nil {
		t.Fatalf("second reservation: %v", err)
	}
	if second.OffsetMinutes != 1 {
		t.Errorf("second reservation offset = %d, want 1 (spill to minute+1)", second.OffsetMinutes)
	}
}

func TestReserve_WindowExhausted(t *testing.T) {
	q := newFakeQuerier(1)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	if _, err := Reserve(context.Background(), q, now, SourceScheduled, 1, 0); err != nil {
		t.Fatalf("first reservation: %v", err)
	}

	_, err := Reserve(context.Background(), q, now, SourceScheduled, 1, 0)
	if err != ErrWindowExhausted {
		t.Errorf("err = %v, want ErrWindowExhausted", err)
	}
}

func TestFloorToMinute(t *testing.T) {
	t1 := time.Date(2026, 7, 31, 12, 34, 56, 789, time.UTC)
	got := floorToMinute(t1)
	want := time.Date(2026, 7, 31, 12, 34, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("floorToMinute = %v, want %v", got, want)
	}
}
