package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/npcloud/internal/store"
	"github.com/wisbric/npcloud/internal/strutil"
	"github.com/wisbric/npcloud/internal/telemetry"
	"github.com/wisbric/npcloud/pkg/crypto"
	"github.com/wisbric/npcloud/pkg/slot"
	pkgtelemetry "github.com/wisbric/npcloud/pkg/telemetry"
)

const errorMessageMaxLen = 500

// outcome is the result of dispatching a single message.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetry
	outcomeDrop
)

// Config carries the consumer's tunables.
type Config struct {
	InstanceTriggerPath string
	RequestTimeout      time.Duration
	MaxRetryAttempts    int
	MaxDispatchPerMinute int
	MaxSlotLookaheadMinutes int
	CloudIssuer         string
	InstanceAudience    string
	TelemetryRawMaxBytes int
	TelemetrySchemaVersion int
}

// Consumer drains the ready queue and the DLQ, dispatching each message to
// its instance and driving the delivery state machine.
type Consumer struct {
	store      *store.Store
	queue      *Client
	keyRing    *crypto.KeyRing
	httpClient *http.Client
	logger     *slog.Logger
	cfg        Config
}

// NewConsumer creates a queue Consumer.
func NewConsumer(st *store.Store, q *Client, keyRing *crypto.KeyRing, logger *slog.Logger, cfg Config) *Consumer {
	return &Consumer{
		store:      st,
		queue:      q,
		keyRing:    keyRing,
		httpClient: &http.Client{},
		logger:     logger,
		cfg:        cfg,
	}
}

// RunMainLoop pops ready messages until ctx is cancelled, dispatching each
// and driving retry/dead-letter transitions.
func (c *Consumer) RunMainLoop(ctx context.Context) error {
	c.logger.Info("queue consumer main loop started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("queue consumer main loop stopped")
			return nil
		default:
		}

		msg, err := c.queue.PopReady(ctx)
		if err != nil {
			if errors.Is(err, ErrInvalidMessage) {
				c.logger.Warn("dropping invalid ready message", "error", err)
				continue
			}
			c.logger.Error("popping ready message", "error", err)
			continue
		}
		if msg == nil {
			continue
		}

		c.handleMainMessage(ctx, *msg)
	}
}

// RunDLQLoop pops dead-lettered messages until ctx is cancelled, marking
// each delivery dead.
func (c *Consumer) RunDLQLoop(ctx context.Context) error {
	c.logger.Info("queue consumer DLQ loop started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("queue consumer DLQ loop stopped")
			return nil
		default:
		}

		msg, err := c.queue.PopDLQ(ctx)
		if err != nil {
			if errors.Is(err, ErrInvalidMessage) {
				continue // invalid payload on DLQ is ACK'd silently.
			}
			c.logger.Error("popping DLQ message", "error", err)
			continue
		}
		if msg == nil {
			continue
		}

		c.handleDLQMessage(ctx, *msg)
	}
}

func (c *Consumer) handleDLQMessage(ctx context.Context, msg DispatchMessage) {
	deliveryID, err := uuid.Parse(msg.DeliveryID)
	if err != nil {
		return // invalid payload, ACK'd silently.
	}
	if err := c.store.MarkDead(ctx, deliveryID, "DLQ_REACHED", "message reached the dead-letter queue"); err != nil {
		c.logger.Error("marking delivery dead from DLQ", "delivery_id", deliveryID, "error", err)
	}
	telemetry.DeliveriesTotal.WithLabelValues("dead", "DLQ_REACHED").Inc()
}

func (c *Consumer) handleMainMessage(ctx context.Context, msg DispatchMessage) {
	if msg.DispatchAttempt < 1 {
		return // invalid, ACK and drop.
	}

	result := c.dispatch(ctx, msg, msg.DispatchAttempt)

	switch result {
	case outcomeSuccess, outcomeDrop:
		return
	case outcomeRetry:
		c.scheduleRetry(ctx, msg)
	}
}

// scheduleRetry implements the §4.5.1 step 4 retry ladder: dead-letter once
// the attempt ceiling is reached, otherwise reserve a retry slot with
// exponential backoff (capped at 15 minutes) and re-enqueue a shallow copy.
func (c *Consumer) scheduleRetry(ctx context.Context, msg DispatchMessage) {
	deliveryID, err := uuid.Parse(msg.DeliveryID)
	if err != nil {
		return
	}

	if msg.DispatchAttempt >= c.cfg.MaxRetryAttempts {
		if err := c.store.MarkDead(ctx, deliveryID, "MAX_ATTEMPTS_EXCEEDED", "maximum retry attempts exceeded"); err != nil {
			c.logger.Error("marking delivery dead after max attempts", "delivery_id", deliveryID, "error", err)
		}
		telemetry.DeliveriesTotal.WithLabelValues("dead", "MAX_ATTEMPTS_EXCEEDED").Inc()
		return
	}

	backoff := RetryBackoff(msg.DispatchAttempt)
	preferredAt := time.Now().Add(backoff)

	reservation, err := slot.Reserve(ctx, c.store.Pool(), preferredAt, slot.SourceRetry,
		c.cfg.MaxDispatchPerMinute, c.cfg.MaxSlotLookaheadMinutes)
	if err != nil {
		telemetry.SlotReservationFailedTotal.WithLabelValues("retry").Inc()
		if err := c.store.MarkDead(ctx, deliveryID, "RETRY_SCHEDULE_FAILED", err.Error()); err != nil {
			c.logger.Error("marking delivery dead after retry schedule failure", "delivery_id", deliveryID, "error", err)
		}
		telemetry.DeliveriesTotal.WithLabelValues("dead", "RETRY_SCHEDULE_FAILED").Inc()
		return
	}

	delaySeconds := int(time.Until(reservation.Minute).Seconds())
	if delaySeconds < 0 {
		delaySeconds = 0
	}

	retryMsg := msg
	retryMsg.DispatchAttempt = msg.DispatchAttempt + 1
	retryMsg.EnqueuedAt = time.Now()
	retryMsg.ScheduledFor = reservation.Minute

	if err := c.queue.Enqueue(ctx, retryMsg, delaySeconds); err != nil {
		if err := c.store.MarkDead(ctx, deliveryID, "QUEUE_SEND_FAILED", err.Error()); err != nil {
			c.logger.Error("marking delivery dead after retry enqueue failure", "delivery_id", deliveryID, "error", err)
		}
		telemetry.DeliveriesTotal.WithLabelValues("dead", "QUEUE_SEND_FAILED").Inc()
	}
}

// RetryBackoff computes the §4.5.1 backoff schedule: 30, 60, 120, 240, 480,
// capped at 900 seconds.
func RetryBackoff(attemptNo int) time.Duration {
	seconds := 30 << (attemptNo - 1)
	if seconds > 900 || seconds <= 0 {
		seconds = 900
	}
	return time.Duration(seconds) * time.Second
}

// dispatch implements §4.5.2: load the instance, mint a trigger token, POST
// to it, classify the response, and record the attempt.
func (c *Consumer) dispatch(ctx context.Context, msg DispatchMessage, attemptNo int) outcome {
	start := time.Now()
	defer func() {
		telemetry.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	deliveryID, err := uuid.Parse(msg.DeliveryID)
	if err != nil {
		return outcomeDrop
	}
	instanceID, err := uuid.Parse(msg.InstanceID)
	if err != nil {
		return outcomeDrop
	}

	inst, err := c.store.GetInstance(ctx, instanceID)
	if err != nil || inst.Status != store.StatusActive || !inst.SiteURL.Valid {
		c.recordAttempt(ctx, deliveryID, attemptNo, start, nil, false, "INSTANCE_NOT_ACTIVE", "instance is missing, inactive, or has no site_url")
		if markErr := c.store.MarkDead(ctx, deliveryID, "INSTANCE_NOT_ACTIVE", "instance is missing, inactive, or has no site_url"); markErr != nil {
			c.logger.Error("marking delivery dead", "delivery_id", deliveryID, "error", markErr)
		}
		telemetry.DeliveriesTotal.WithLabelValues("dead", "INSTANCE_NOT_ACTIVE").Inc()
		return outcomeDrop
	}

	token, err := crypto.MintTriggerToken(c.keyRing, c.keyRing.ActiveKid(), c.cfg.CloudIssuer, c.cfg.InstanceAudience, msg.SiteID, msg.DeliveryID)
	if err != nil {
		c.recordAttempt(ctx, deliveryID, attemptNo, start, nil, false, "TOKEN_SIGN_FAILED", err.Error())
		if markErr := c.store.MarkFailed(ctx, deliveryID, nil, "TOKEN_SIGN_FAILED", truncateError(err.Error())); markErr != nil {
			c.logger.Error("marking delivery failed", "delivery_id", deliveryID, "error", markErr)
		}
		telemetry.DeliveriesTotal.WithLabelValues("retry", "TOKEN_SIGN_FAILED").Inc()
		return outcomeRetry
	}

	target, err := joinURL(inst.SiteURL.String, c.cfg.InstanceTriggerPath)
	if err != nil {
		c.recordAttempt(ctx, deliveryID, attemptNo, start, nil, false, "REQUEST_FAILED", err.Error())
		if markErr := c.store.MarkFailed(ctx, deliveryID, nil, "REQUEST_FAILED", truncateError(err.Error())); markErr != nil {
			c.logger.Error("marking delivery failed", "delivery_id", deliveryID, "error", markErr)
		}
		telemetry.DeliveriesTotal.WithLabelValues("retry", "REQUEST_FAILED").Inc()
		return outcomeRetry
	}

	body, _ := json.Marshal(map[string]any{
		"deliveryId":  msg.DeliveryID,
		"siteId":      msg.SiteID,
		"triggerType": "CLOUD",
		"requestedAt": time.Now().UTC().Format(time.RFC3339),
	})

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		c.recordAttempt(ctx, deliveryID, attemptNo, start, nil, false, "REQUEST_FAILED", err.Error())
		if markErr := c.store.MarkFailed(ctx, deliveryID, nil, "REQUEST_FAILED", truncateError(err.Error())); markErr != nil {
			c.logger.Error("marking delivery failed", "delivery_id", deliveryID, "error", markErr)
		}
		telemetry.DeliveriesTotal.WithLabelValues("retry", "REQUEST_FAILED").Inc()
		return outcomeRetry
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Np-Delivery-Id", msg.DeliveryID)
	httpReq.Header.Set("X-Np-Site-Id", msg.SiteID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		errorCode := "REQUEST_FAILED"
		if errors.Is(err, context.DeadlineExceeded) {
			errorCode = "REQUEST_TIMEOUT"
		}
		c.recordAttempt(ctx, deliveryID, attemptNo, start, nil, errorCode == "REQUEST_TIMEOUT", errorCode, err.Error())
		if markErr := c.store.MarkFailed(ctx, deliveryID, nil, errorCode, truncateError(err.Error())); markErr != nil {
			c.logger.Error("marking delivery failed", "delivery_id", deliveryID, "error", markErr)
		}
		telemetry.DeliveriesTotal.WithLabelValues("retry", errorCode).Inc()
		return outcomeRetry
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := json.Marshal(nil)
	if resp.Body != nil {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		respBody = buf.Bytes()
	}

	sample := pkgtelemetry.Parse(respBody, pkgtelemetry.Options{
		DefaultSchemaVer: c.cfg.TelemetrySchemaVersion,
		Now:              time.Now().UTC(),
		RawMaxBytes:      c.cfg.TelemetryRawMaxBytes,
	})

	status := resp.StatusCode
	if status >= 200 && status < 300 && sample.Accepted {
		c.recordAttempt(ctx, deliveryID, attemptNo, start, &status, false, "", "")

		var verifyMs *int32
		if sample.VerifyMs != nil {
			v := int32(*sample.VerifyMs)
			verifyMs = &v
		}
		telemetrySample := store.TelemetrySample{
			DeliveryID:  deliveryID,
			InstanceID:  instanceID,
			SchemaVer:   int32(sample.SchemaVer),
			Accepted:    sample.Accepted,
			DedupHit:    sample.DedupHit,
			CollectedAt: sample.CollectedAt,
			RawJSON:     sample.RawJSON,
		}
		if verifyMs != nil {
			telemetrySample.VerifyMs.Int32 = *verifyMs
			telemetrySample.VerifyMs.Valid = true
		}
		if err := c.store.InsertTelemetrySample(ctx, telemetrySample); err != nil {
			c.logger.Error("inserting telemetry sample", "delivery_id", deliveryID, "error", err)
		}

		if err := c.store.MarkDelivered(ctx, deliveryID, status, true); err != nil {
			c.logger.Error("marking delivery delivered", "delivery_id", deliveryID, "error", err)
		}
		if err := c.store.MarkSuccess(ctx, instanceID); err != nil {
			c.logger.Error("marking instance success", "instance_id", instanceID, "error", err)
		}
		telemetry.DeliveriesTotal.WithLabelValues("delivered", "").Inc()
		return outcomeSuccess
	}

	errorMessage := fmt.Sprintf("HTTP %d, accepted=%v", status, sample.Accepted)
	c.recordAttempt(ctx, deliveryID, attemptNo, start, &status, false, "UNACCEPTED_RESPONSE", errorMessage)
	if err := c.store.MarkFailed(ctx, deliveryID, &status, "UNACCEPTED_RESPONSE", truncateError(errorMessage)); err != nil {
		c.logger.Error("marking delivery failed", "delivery_id", deliveryID, "error", err)
	}
	telemetry.DeliveriesTotal.WithLabelValues("retry", "UNACCEPTED_RESPONSE").Inc()
	return outcomeRetry
}

func (c *Consumer) recordAttempt(ctx context.Context, deliveryID uuid.UUID, attemptNo int, startedAt time.Time, httpStatus *int, timedOut bool, errorCode, errorMessage string) {
	attempt := store.DeliveryAttempt{
		DeliveryID: deliveryID,
		AttemptNo:  int32(attemptNo),
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		TimedOut:   timedOut,
	}
	if httpStatus != nil {
		attempt.HTTPStatus.Int32 = int32(*httpStatus)
		attempt.HTTPStatus.Valid = true
	}
	if errorCode != "" {
		attempt.ErrorCode.String = errorCode
		attempt.ErrorCode.Valid = true
	}
	if errorMessage != "" {
		attempt.ErrorMessage.String = truncateError(errorMessage)
		attempt.ErrorMessage.Valid = true
	}
	if err := c.store.RecordAttempt(ctx, attempt); err != nil {
		c.logger.Error("recording delivery attempt", "delivery_id", deliveryID, "error", err)
	}
}

func truncateError(s string) string {
	return strutil.TruncateUTF8(s, errorMessageMaxLen)
}

// joinURL joins an instance's registered origin with the configured trigger
// path.
func joinURL(origin, path string) (string, error) {
	base, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parsing site url: %w", err)
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	return base.String(), nil
}
