// Package scheduler runs the periodic tick that scans due instances,
// reserves dispatch capacity, and enqueues delivery messages.
//
// Engine.Tick is grounded on the teacher's pkg/escalation.Engine: a
// time.Ticker-driven loop calling a per-invocation method that scans and
// processes rows, logging and continuing past per-row errors rather than
// aborting the whole tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/npcloud/internal/store"
	"github.com/wisbric/npcloud/internal/telemetry"
	"github.com/wisbric/npcloud/pkg/queue"
	"github.com/wisbric/npcloud/pkg/slot"
)

// Config carries the tick's tunables, read once from process configuration.
type Config struct {
	MaxDispatchPerMinute    int
	MaxSlotLookaheadMinutes int
	MaxScheduleScanPerTick  int
	ScheduleBatchLimit      int
}

// Maintainer is run once per tick whose UTC minute equals 13.
type Maintainer interface {
	Run(ctx context.Context) error
}

// Engine is the background worker that drives the scheduler tick.
type Engine struct {
	store      *store.Store
	queue      *queue.Client
	logger     *slog.Logger
	cfg        Config
	interval   time.Duration
	maintainer Maintainer
}

// NewEngine creates a scheduler Engine.
func NewEngine(st *store.Store, q *queue.Client, logger *slog.Logger, cfg Config, maintainer Maintainer) *Engine {
	return &Engine{
		store:      st,
		queue:      q,
		logger:     logger,
		cfg:        cfg,
		interval:   time.Minute,
		maintainer: maintainer,
	}
}

// Run drives the tick loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("scheduler engine started", "interval", e.interval)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("scheduler engine stopped")
			return nil
		case <-ticker.C:
			if err := e.Tick(ctx, time.Now().UTC()); err != nil {
				e.logger.Error("scheduler tick", "error", err)
			}
		}
	}
}

// Tick performs a single scheduling pass: scan due instances, reserve slots,
// enqueue DispatchMessages, and advance next_run_at. It stops once no due
// rows remain or the per-tick enqueue ceiling is reached, then runs
// maintenance if tickTime's UTC minute is 13.
func (e *Engine) Tick(ctx context.Context, tickTime time.Time) error {
	start := time.Now()
	defer func() {
		telemetry.SchedulerTickDuration.Observe(time.Since(start).Seconds())
	}()

	totalEnqueued := 0

	for {
		remaining := e.cfg.MaxScheduleScanPerTick - totalEnqueued
		if remaining <= 0 {
			break
		}
		batchLimit := e.cfg.ScheduleBatchLimit
		if remaining < batchLimit {
			batchLimit = remaining
		}

		due, err := e.store.DueInstances(ctx, tickTime, batchLimit)
		if err != nil {
			return fmt.Errorf("listing due instances: %w", err)
		}
		if len(due) == 0 {
			break
		}

		for _, inst := range due {
			if err := e.processInstance(ctx, inst, tickTime); err != nil {
				e.logger.Error("processing due instance",
					"instance_id", inst.InstanceID,
					"error", err,
				)
				continue
			}
			totalEnqueued++
			if totalEnqueued >= e.cfg.MaxScheduleScanPerTick {
				break
			}
		}

		if len(due) < batchLimit {
			break
		}
	}

	if tickTime.Minute() == 13 && e.maintainer != nil {
		if err := e.maintainer.Run(ctx); err != nil {
			e.logger.Error("maintenance run", "error", err)
		}
	}

	return nil
}

// processInstance reserves a slot for a single due instance, creates its
// Delivery, enqueues the DispatchMessage, and advances next_run_at.
func (e *Engine) processInstance(ctx context.Context, inst store.Instance, tickTime time.Time) error {
	reservation, err := slot.Reserve(ctx, e.store.Pool(), tickTime, slot.SourceScheduled,
		e.cfg.MaxDispatchPerMinute, e.cfg.MaxSlotLookaheadMinutes)
	if err != nil {
		telemetry.SlotReservationFailedTotal.WithLabelValues("scheduled").Inc()
		// Instance remains eligible; it will be retried on the next tick.
		return fmt.Errorf("reserving slot: %w", err)
	}

	delivery, err := e.store.CreateDelivery(ctx, inst.InstanceID, reservation.Minute, time.Now())
	if err != nil {
		return fmt.Errorf("creating delivery: %w", err)
	}

	delaySeconds := int(math.Ceil(time.Until(reservation.Minute).Seconds()))
	if delaySeconds < 0 {
		delaySeconds = 0
	}

	msg := queue.DispatchMessage{
		DeliveryID:      delivery.ID.String(),
		InstanceID:      inst.InstanceID.String(),
		SiteID:          inst.SiteID.String(),
		SiteURL:         inst.SiteURL.String,
		ScheduledFor:    reservation.Minute,
		EnqueuedAt:      delivery.CreatedAt,
		DispatchAttempt: 1,
	}

	if err := e.queue.Enqueue(ctx, msg, delaySeconds); err != nil {
		if markErr := e.store.MarkFailed(ctx, delivery.ID, nil, "QUEUE_SEND_FAILED", err.Error()); markErr != nil {
			e.logger.Error("marking delivery failed after enqueue error", "delivery_id", delivery.ID, "error", markErr)
		}
		if markErr := e.store.MarkDead(ctx, delivery.ID, "QUEUE_SEND_FAILED", err.Error()); markErr != nil {
			e.logger.Error("marking delivery dead after enqueue error", "delivery_id", delivery.ID, "error", markErr)
		}
		telemetry.DeliveriesTotal.WithLabelValues("dead", "QUEUE_SEND_FAILED").Inc()
		return fmt.Errorf("enqueuing dispatch message: %w", err)
	}

	telemetry.SchedulerEnqueuedTotal.WithLabelValues("scheduled").Inc()

	nextRunAt := ComputeNextRunAt(inst.MinuteOfDay, tickTime)
	if err := e.store.AdvanceNextRunAt(ctx, inst.InstanceID, nextRunAt); err != nil {
		return fmt.Errorf("advancing next_run_at: %w", err)
	}

	return nil
}

// ComputeNextRunAt returns the next UTC instant strictly after from whose
// hour/minute equals minuteOfDay (0-1439, minutes since UTC midnight).
func ComputeNextRunAt(minuteOfDay int32, from time.Time) time.Time {
	from = from.UTC()
	hour := int(minuteOfDay / 60)
	minute := int(minuteOfDay % 60)

	candidate := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, time.UTC)
	if !candidate.After(from) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// NewDeliveryID generates a fresh delivery identifier.
func NewDeliveryID() uuid.UUID {
	return uuid.New()
}
