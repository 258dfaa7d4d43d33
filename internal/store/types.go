// Package store provides typed Postgres persistence for instances,
// deliveries, attempts, telemetry, per-minute dispatch load, and the
// cloud's own signing keys.
package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Instance status values.
const (
	StatusActive     = "active"
	StatusPendingURL = "pending_url"
	StatusDisabled   = "disabled"
)

// Delivery status values.
const (
	DeliveryQueued    = "queued"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliveryDead      = "dead"
)

// Signing key status values.
const (
	KeyActive  = "active"
	KeyGrace   = "grace"
	KeyRetired = "retired"
)

// Instance is a row in the instances table.
type Instance struct {
	InstanceID    uuid.UUID
	SiteID        uuid.UUID
	SiteURL       pgtype.Text
	Status        string
	PendingReason pgtype.Text
	SitePubKey    string
	SiteKeyAlg    string
	MinuteOfDay   int32
	NextRunAt     pgtype.Timestamptz
	LastSeenAt    pgtype.Timestamptz
	LastSuccessAt pgtype.Timestamptz
	AppVersion    pgtype.Text
	BuildID       pgtype.Text
	CommitSHA     pgtype.Text
	BuiltAt       pgtype.Timestamptz
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsSchedulable reports whether the instance currently satisfies the sole
// eligibility predicate for scheduling.
func (i *Instance) IsSchedulable() bool {
	return i.Status == StatusActive && !i.PendingReason.Valid && i.SiteURL.Valid && i.NextRunAt.Valid
}

// Delivery is a row in the deliveries table.
type Delivery struct {
	ID               uuid.UUID
	InstanceID       uuid.UUID
	ScheduledFor     time.Time
	EnqueuedAt       time.Time
	Status           string
	AttemptCount     int32
	ResponseStatus   pgtype.Int4
	Accepted         pgtype.Bool
	DedupHit         pgtype.Bool
	LastErrorCode    pgtype.Text
	LastErrorMessage pgtype.Text
	CompletedAt      pgtype.Timestamptz
	CreatedAt        time.Time
}

// DeliveryAttempt is an append-only row in the delivery_attempts table.
type DeliveryAttempt struct {
	DeliveryID   uuid.UUID
	AttemptNo    int32
	StartedAt    time.Time
	FinishedAt   time.Time
	HTTPStatus   pgtype.Int4
	TimedOut     bool
	ErrorCode    pgtype.Text
	ErrorMessage pgtype.Text
}

// DispatchMinuteLoad is a row in the dispatch_minute_load table.
type DispatchMinuteLoad struct {
	MinuteStart    time.Time
	ScheduledCount int32
	RetryCount     int32
	TotalCount     int32
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TelemetrySample is a row in the telemetry_samples table.
type TelemetrySample struct {
	DeliveryID  uuid.UUID
	InstanceID  uuid.UUID
	SchemaVer   int32
	Accepted    bool
	DedupHit    bool
	VerifyMs    pgtype.Int4
	CollectedAt time.Time
	RawJSON     string
	CreatedAt   time.Time
}

// CloudSigningKey is a row in the cloud_signing_keys table.
type CloudSigningKey struct {
	Kid       string
	Status    string
	Material  string
	RetireAt  pgtype.Timestamptz
	CreatedAt time.Time
	UpdatedAt time.Time
}
