// Package registration implements the instance registration API: sync,
// deregister, and status, each guarded by freshness-then-signature
// verification ahead of the handler.
package registration

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/npcloud/internal/httpserver"
	"github.com/wisbric/npcloud/internal/store"
	"github.com/wisbric/npcloud/pkg/crypto"
	"github.com/wisbric/npcloud/pkg/scheduler"
)

// Handler serves the three registration endpoints. Request structs carry
// validator tags per the teacher's go-playground/validator convention;
// responses use internal/httpserver's {ok, data?, error?} envelope helpers.
type Handler struct {
	store          *store.Store
	logger         *slog.Logger
	cloudActiveKid string
}

// NewHandler creates a registration Handler.
func NewHandler(st *store.Store, logger *slog.Logger, cloudActiveKid string) *Handler {
	return &Handler{store: st, logger: logger, cloudActiveKid: cloudActiveKid}
}

// Mount registers the sync/deregister/status routes, each behind its own
// signature-verification middleware (sync trusts the submitted key on first
// registration; deregister/status require an existing instance).
func (h *Handler) Mount(r chi.Router, windowMs int64) {
	r.With(crypto.VerifyMiddleware(h.SyncKeyResolver, windowMs)).Post("/sync", h.handleSync)
	r.With(crypto.VerifyMiddleware(h.ExistingKeyResolver, windowMs)).Post("/deregister", h.handleDeregister)
	r.With(crypto.VerifyMiddleware(h.ExistingKeyResolver, windowMs)).Post("/status", h.handleStatus)
}

// SyncKeyResolver implements trust-on-first-use: an existing instance's
// pinned key wins; absent that, the submitted sitePubKey is trusted for
// this first verification (the upsert then pins it).
func (h *Handler) SyncKeyResolver(ctx context.Context, payload map[string]any) (ed25519.PublicKey, error) {
	siteID, err := payloadSiteID(payload)
	if err != nil {
		return nil, err
	}

	inst, err := h.store.GetInstanceBySiteID(ctx, siteID)
	if err == nil {
		return crypto.ParseEd25519PublicKey(inst.SitePubKey)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("looking up instance: %w", err)
	}

	submitted, _ := payload["sitePubKey"].(string)
	if submitted == "" {
		return nil, fmt.Errorf("missing sitePubKey on first sync")
	}
	return crypto.ParseEd25519PublicKey(submitted)
}

// ExistingKeyResolver requires a prior sync: deregister and status act on
// instances that must already exist.
func (h *Handler) ExistingKeyResolver(ctx context.Context, payload map[string]any) (ed25519.PublicKey, error) {
	siteID, err := payloadSiteID(payload)
	if err != nil {
		return nil, err
	}

	inst, err := h.store.GetInstanceBySiteID(ctx, siteID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, crypto.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("looking up instance: %w", err)
	}
	return crypto.ParseEd25519PublicKey(inst.SitePubKey)
}

func payloadSiteID(payload map[string]any) (uuid.UUID, error) {
	raw, _ := payload["siteId"].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid siteId: %w", err)
	}
	return id, nil
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	siteID, err := uuid.Parse(req.SiteID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid siteId")
		return
	}

	normalizedURL, pendingReason := normalizeSiteURL(req.SiteURL)
	status := store.StatusActive
	if pendingReason != nil {
		status = store.StatusPendingURL
	}

	appVersion := nilIfEmpty(req.AppVersion)
	buildID := nilIfEmpty(req.BuildID)
	commitSHA := nilIfEmpty(req.Commit)
	builtAt := parseTimeOrNil(req.BuiltAt)

	now := time.Now().UTC()

	existing, err := h.store.GetInstanceBySiteID(ctx, siteID)
	var inst store.Instance

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		minuteOfDay := int32(rand.IntN(1440))
		if req.MinuteOfDay != nil {
			minuteOfDay = *req.MinuteOfDay
		}

		var nextRunAt *time.Time
		if pendingReason == nil {
			nra := scheduler.ComputeNextRunAt(minuteOfDay, now)
			nextRunAt = &nra
		}

		inst, err = h.store.CreateInstance(ctx, store.CreateInstanceParams{
			SiteID:        siteID,
			SiteURL:       normalizedURL,
			Status:        status,
			PendingReason: pendingReason,
			SitePubKey:    req.SitePubKey,
			SiteKeyAlg:    req.SiteKeyAlg,
			MinuteOfDay:   minuteOfDay,
			NextRunAt:     nextRunAt,
			AppVersion:    appVersion,
			BuildID:       buildID,
			CommitSHA:     commitSHA,
			BuiltAt:       builtAt,
		})
	case err != nil:
		h.logger.Error("looking up instance for sync", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	default:
		// minuteOfDay on a sync payload for an existing instance is not
		// honored: the registration handler references it in the verified
		// payload only to cover first-sync assignment above, never a
		// subsequent reassignment.
		inst, err = h.store.UpdateInstanceSync(ctx, store.UpdateInstanceSyncParams{
			InstanceID:    existing.InstanceID,
			SiteURL:       normalizedURL,
			Status:        status,
			PendingReason: pendingReason,
			AppVersion:    appVersion,
			BuildID:       buildID,
			CommitSHA:     commitSHA,
			BuiltAt:       builtAt,
		})
		if err == nil && pendingReason == nil && !existing.NextRunAt.Valid {
			nra := scheduler.ComputeNextRunAt(existing.MinuteOfDay, now)
			if advErr := h.store.AdvanceNextRunAt(ctx, inst.InstanceID, nra); advErr == nil {
				inst.NextRunAt.Time = nra
				inst.NextRunAt.Valid = true
			}
		}
	}

	if err != nil {
		h.logger.Error("upserting instance on sync", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	idempotencyKey := resolveIdempotencyKey(req.IdempotencyKey, req.SiteID, buildID, req.BuiltAt)
	if err := h.store.InsertBuildEvent(ctx, inst.InstanceID, idempotencyKey, buildID, commitSHA, builtAt); err != nil {
		h.logger.Error("inserting build event", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	resp := SyncResponse{
		InstanceID:     inst.InstanceID.String(),
		Status:         inst.Status,
		PendingReason:  textPtrOrNil(inst.PendingReason),
		MinuteOfDay:    inst.MinuteOfDay,
		NextRunAt:      timestamptzPtrOrNil(inst.NextRunAt),
		CloudActiveKid: h.cloudActiveKid,
		SyncedAt:       now.Format(time.RFC3339),
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleDeregister(w http.ResponseWriter, r *http.Request) {
	var req DeregisterRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	siteID, err := uuid.Parse(req.SiteID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid siteId")
		return
	}

	inst, err := h.store.GetInstanceBySiteID(ctx, siteID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "INSTANCE_NOT_FOUND", "instance not found")
			return
		}
		h.logger.Error("looking up instance for deregister", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "deregistered"
	}

	if err := h.store.Deregister(ctx, inst.InstanceID, reason); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "INSTANCE_NOT_FOUND", "instance not found")
			return
		}
		h.logger.Error("deregistering instance", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	httpserver.Respond(w, http.StatusOK, DeregisterResponse{
		InstanceID:    inst.InstanceID.String(),
		Status:        store.StatusDisabled,
		PendingReason: reason,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	siteID, err := uuid.Parse(req.SiteID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid siteId")
		return
	}

	inst, err := h.store.GetInstanceBySiteID(ctx, siteID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "INSTANCE_NOT_FOUND", "instance not found")
			return
		}
		h.logger.Error("looking up instance for status", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	httpserver.Respond(w, http.StatusOK, StatusResponse{
		InstanceID:    inst.InstanceID.String(),
		SiteID:        inst.SiteID.String(),
		Status:        inst.Status,
		PendingReason: textPtrOrNil(inst.PendingReason),
		SiteURL:       textPtrOrNil(inst.SiteURL),
		MinuteOfDay:   inst.MinuteOfDay,
		NextRunAt:     timestamptzPtrOrNil(inst.NextRunAt),
		LastSeenAt:    timestamptzPtrOrNil(inst.LastSeenAt),
		LastSuccessAt: timestamptzPtrOrNil(inst.LastSuccessAt),
	})
}

// resolveIdempotencyKey returns the caller-supplied key, or the spec's
// fallback "<siteId>:<buildId|no-build-id>:<builtAt>" when none was given.
func resolveIdempotencyKey(supplied, siteID string, buildID *string, builtAt string) string {
	if supplied != "" {
		return supplied
	}
	buildPart := "no-build-id"
	if buildID != nil {
		buildPart = *buildID
	}
	return fmt.Sprintf("%s:%s:%s", siteID, buildPart, builtAt)
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func parseTimeOrNil(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
