package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const instanceColumns = `instance_id, site_id, site_url, status, pending_reason, site_pub_key,
	site_key_alg, minute_of_day, next_run_at, last_seen_at, last_success_at,
	app_version, build_id, commit_sha, built_at, created_at, updated_at`

func scanInstance(row pgx.Row) (Instance, error) {
	var i Instance
	err := row.Scan(
		&i.InstanceID, &i.SiteID, &i.SiteURL, &i.Status, &i.PendingReason, &i.SitePubKey,
		&i.SiteKeyAlg, &i.MinuteOfDay, &i.NextRunAt, &i.LastSeenAt, &i.LastSuccessAt,
		&i.AppVersion, &i.BuildID, &i.CommitSHA, &i.BuiltAt, &i.CreatedAt, &i.UpdatedAt,
	)
	return i, err
}

func scanInstances(rows pgx.Rows) ([]Instance, error) {
	defer rows.Close()
	var out []Instance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning instance row: %w", err)
		}
		out = append(out, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating instance rows: %w", err)
	}
	return out, nil
}

// GetInstanceBySiteID looks up an instance by its caller-chosen site id.
// Returns pgx.ErrNoRows if not found.
func (s *Store) GetInstanceBySiteID(ctx context.Context, siteID uuid.UUID) (Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE site_id = $1`
	return scanInstance(s.pool.QueryRow(ctx, query, siteID))
}

// GetInstance looks up an instance by its generated instance id.
func (s *Store) GetInstance(ctx context.Context, instanceID uuid.UUID) (Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE instance_id = $1`
	return scanInstance(s.pool.QueryRow(ctx, query, instanceID))
}

// CreateInstanceParams holds the fields needed to create a new instance on
// first successful sync. site_pub_key is pinned for the lifetime of the
// instance; minute_of_day is assigned once here and never changes.
type CreateInstanceParams struct {
	SiteID      uuid.UUID
	SiteURL     *string
	Status      string
	PendingReason *string
	SitePubKey  string
	SiteKeyAlg  string
	MinuteOfDay int32
	NextRunAt   *time.Time
	AppVersion  *string
	BuildID     *string
	CommitSHA   *string
	BuiltAt     *time.Time
}

// CreateInstance inserts a brand-new instance row.
func (s *Store) CreateInstance(ctx context.Context, p CreateInstanceParams) (Instance, error) {
	query := `INSERT INTO instances (
		site_id, site_url, status, pending_reason, site_pub_key, site_key_alg,
		minute_of_day, next_run_at, app_version, build_id, commit_sha, built_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	RETURNING ` + instanceColumns

	row := s.pool.QueryRow(ctx, query,
		p.SiteID, p.SiteURL, p.Status, p.PendingReason, p.SitePubKey, p.SiteKeyAlg,
		p.MinuteOfDay, p.NextRunAt, p.AppVersion, p.BuildID, p.CommitSHA, p.BuiltAt,
	)
	return scanInstance(row)
}

// UpdateInstanceSyncParams holds the fields a re-sync may change. Notably
// absent: site_pub_key and minute_of_day, which are immutable after
// creation per the spec's trust-on-first-use invariant.
type UpdateInstanceSyncParams struct {
	InstanceID    uuid.UUID
	SiteURL       *string
	Status        string
	PendingReason *string
	AppVersion    *string
	BuildID       *string
	CommitSHA     *string
	BuiltAt       *time.Time
}

// UpdateInstanceSync applies a re-sync's mutable fields and bumps
// last_seen_at.
func (s *Store) UpdateInstanceSync(ctx context.Context, p UpdateInstanceSyncParams) (Instance, error) {
	query := `UPDATE instances SET
		site_url = $2, status = $3, pending_reason = $4,
		app_version = $5, build_id = $6, commit_sha = $7, built_at = $8,
		last_seen_at = now(), updated_at = now()
	WHERE instance_id = $1
	RETURNING ` + instanceColumns

	row := s.pool.QueryRow(ctx, query,
		p.InstanceID, p.SiteURL, p.Status, p.PendingReason,
		p.AppVersion, p.BuildID, p.CommitSHA, p.BuiltAt,
	)
	return scanInstance(row)
}

// Deregister marks an instance disabled and clears its scheduling state.
func (s *Store) Deregister(ctx context.Context, instanceID uuid.UUID, reason string) error {
	query := `UPDATE instances SET
		status = 'disabled', next_run_at = NULL, pending_reason = $2, updated_at = now()
	WHERE instance_id = $1`

	tag, err := s.pool.Exec(ctx, query, instanceID, reason)
	if err != nil {
		return fmt.Errorf("deregistering instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// AdvanceNextRunAt sets an instance's next_run_at after it has been
// scheduled for the current tick.
func (s *Store) AdvanceNextRunAt(ctx context.Context, instanceID uuid.UUID, nextRunAt time.Time) error {
	query := `UPDATE instances SET next_run_at = $2, updated_at = now() WHERE instance_id = $1`
	_, err := s.pool.Exec(ctx, query, instanceID, nextRunAt)
	if err != nil {
		return fmt.Errorf("advancing next_run_at: %w", err)
	}
	return nil
}

// MarkSuccess bumps last_success_at to now.
func (s *Store) MarkSuccess(ctx context.Context, instanceID uuid.UUID) error {
	query := `UPDATE instances SET last_success_at = now(), updated_at = now() WHERE instance_id = $1`
	_, err := s.pool.Exec(ctx, query, instanceID)
	if err != nil {
		return fmt.Errorf("marking instance success: %w", err)
	}
	return nil
}

// DueInstances returns up to limit instances eligible for scheduling,
// ordered by next_run_at ascending.
func (s *Store) DueInstances(ctx context.Context, now time.Time, limit int) ([]Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances
	WHERE status = 'active' AND pending_reason IS NULL AND site_url IS NOT NULL AND next_run_at <= $1
	ORDER BY next_run_at ASC
	LIMIT $2`

	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing due instances: %w", err)
	}
	return scanInstances(rows)
}

// InsertBuildEvent inserts a build event keyed by idempotency_key.
// Duplicates are silently ignored, making sync idempotent end-to-end.
func (s *Store) InsertBuildEvent(ctx context.Context, instanceID uuid.UUID, idempotencyKey string, buildID, commitSHA *string, builtAt *time.Time) error {
	query := `INSERT INTO build_events (instance_id, idempotency_key, build_id, commit_sha, built_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (instance_id, idempotency_key) DO NOTHING`

	_, err := s.pool.Exec(ctx, query, instanceID, idempotencyKey, buildID, commitSHA, builtAt)
	if err != nil {
		return fmt.Errorf("inserting build event: %w", err)
	}
	return nil
}

// ErrNotFound is returned by lookups when no matching row exists.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err represents a missing row, unwrapping both
// pgx.ErrNoRows and ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, ErrNotFound)
}
