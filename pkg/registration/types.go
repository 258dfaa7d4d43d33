package registration

import "encoding/json"

// SyncRequest is the verified body of POST /v1/instances/sync. Signature
// carries the detached-signature envelope verified by pkg/crypto's
// middleware before the handler ever sees the request; it's declared here
// only so DisallowUnknownFields doesn't reject the field.
type SyncRequest struct {
	SiteID         string          `json:"siteId" validate:"required,uuid"`
	SitePubKey     string          `json:"sitePubKey" validate:"required"`
	SiteKeyAlg     string          `json:"siteKeyAlg" validate:"required"`
	SiteURL        string          `json:"siteUrl"`
	AppVersion     string          `json:"appVersion"`
	BuildID        string          `json:"buildId"`
	Commit         string          `json:"commit"`
	BuiltAt        string          `json:"builtAt"`
	IdempotencyKey string          `json:"idempotencyKey"`
	MinuteOfDay    *int32          `json:"minuteOfDay,omitempty" validate:"omitempty,gte=0,lte=1439"`
	Signature      json.RawMessage `json:"signature" validate:"required"`
}

// SyncResponse is the projection returned from a successful sync.
type SyncResponse struct {
	InstanceID     string  `json:"instanceId"`
	Status         string  `json:"status"`
	PendingReason  *string `json:"pendingReason"`
	MinuteOfDay    int32   `json:"minuteOfDay"`
	NextRunAt      *string `json:"nextRunAt"`
	CloudActiveKid string  `json:"cloudActiveKid"`
	SyncedAt       string  `json:"syncedAt"`
}

// DeregisterRequest is the verified body of POST /v1/instances/deregister.
type DeregisterRequest struct {
	SiteID      string          `json:"siteId" validate:"required,uuid"`
	Reason      string          `json:"reason"`
	RequestedAt string          `json:"requestedAt"`
	Signature   json.RawMessage `json:"signature" validate:"required"`
}

// DeregisterResponse confirms the instance's new state.
type DeregisterResponse struct {
	InstanceID    string `json:"instanceId"`
	Status        string `json:"status"`
	PendingReason string `json:"pendingReason"`
}

// StatusRequest is the verified body of POST /v1/instances/status.
type StatusRequest struct {
	SiteID      string          `json:"siteId" validate:"required,uuid"`
	RequestedAt string          `json:"requestedAt"`
	Signature   json.RawMessage `json:"signature" validate:"required"`
}

// StatusResponse is a read-only projection of instance fields.
type StatusResponse struct {
	InstanceID    string  `json:"instanceId"`
	SiteID        string  `json:"siteId"`
	Status        string  `json:"status"`
	PendingReason *string `json:"pendingReason"`
	SiteURL       *string `json:"siteUrl"`
	MinuteOfDay   int32   `json:"minuteOfDay"`
	NextRunAt     *string `json:"nextRunAt"`
	LastSeenAt    *string `json:"lastSeenAt"`
	LastSuccessAt *string `json:"lastSuccessAt"`
}
