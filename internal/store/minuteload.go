package store

import (
	"context"
	"fmt"
	"time"
)

// PruneMinuteLoadOlderThan deletes dispatch_minute_load rows older than the
// retention cutoff.
func (s *Store) PruneMinuteLoadOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dispatch_minute_load WHERE minute_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning dispatch minute load: %w", err)
	}
	return tag.RowsAffected(), nil
}
