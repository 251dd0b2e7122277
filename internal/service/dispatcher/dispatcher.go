// Package dispatcher delivers scheduled messages whose time has come.
//
// Every tick it takes a batch of due pending messages and posts them one by one.
// A failed delivery is retried on the next ticks until attempts are exhausted.
package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/nkiryanov/chatscheduler/internal/apperrors"
	"github.com/nkiryanov/chatscheduler/internal/logger"
	"github.com/nkiryanov/chatscheduler/internal/metrics"
	"github.com/nkiryanov/chatscheduler/internal/models"
	"github.com/nkiryanov/chatscheduler/internal/repository"
)

const (
	DefaultInterval  = time.Minute
	DefaultBatchSize = 50
)

var ErrAlreadyStarted = errors.New("dispatcher already started")

type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Mode        models.ScheduleMode
}

type tokenProvider interface {
	GetValidAccessToken(ctx context.Context, userID string) (string, error)
}

type poster interface {
	PostMessage(ctx context.Context, token string, channel string, text string) (string, error)
}

type Dispatcher struct {
	cfg Config

	messages repository.MessageRepo
	tokens   tokenProvider
	poster   poster
	logger   logger.Logger
	now      func() time.Time

	started atomic.Bool
	running atomic.Bool
}

// What a single tick did
type TickResult struct {
	Skipped bool // previous tick was still running

	Due       int
	Sent      int
	Retried   int
	Failed    int
	Stale     int // changed by somebody else while being delivered
	HandedOff int64

	Err error
}

func New(cfg Config, messages repository.MessageRepo, tokens tokenProvider, poster poster, l logger.Logger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = models.MaxDeliveryAttempts
	}
	if cfg.Mode == "" {
		cfg.Mode = models.ScheduleLocal
	}

	return &Dispatcher{
		cfg:      cfg,
		messages: messages,
		tokens:   tokens,
		poster:   poster,
		logger:   l,
		now:      time.Now,
	}
}

// Start ticking until ctx is done. The returned channel is closed when the last tick is over
// May be called only once
func (d *Dispatcher) Start(ctx context.Context) (<-chan struct{}, error) {
	if !d.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}

	idleStopped := make(chan struct{})
	d.logger.Info("Starting dispatcher", "interval", d.cfg.Interval, "batch_size", d.cfg.BatchSize, "mode", d.cfg.Mode)

	go func() {
		defer close(idleStopped)

		ticker := time.NewTicker(d.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				d.logger.Info("Dispatcher stopped by context")
				return

			case <-ticker.C:
				d.Tick(ctx)
			}
		}
	}()

	return idleStopped, nil
}

// Tick processes one batch of due messages. Concurrent tick is skipped
func (d *Dispatcher) Tick(ctx context.Context) TickResult {
	var res TickResult

	if !d.running.CompareAndSwap(false, true) {
		d.logger.Warn("Previous dispatcher tick still running, skipping")
		metrics.DispatchTicks.WithLabelValues("skipped").Inc()
		res.Skipped = true
		return res
	}
	defer d.running.Store(false)

	start := time.Now()
	defer func() {
		metrics.DispatchTickDuration.Observe(time.Since(start).Seconds())
	}()

	now := d.now()

	// Slack owns messages scheduled remotely, also those left over after switching to local mode
	n, err := d.messages.MarkRemoteDelivered(ctx, now)
	if err != nil {
		d.logger.Error("Failed to hand off remote scheduled messages", "error", err)
	}
	if n > 0 {
		d.logger.Info("Remote scheduled messages delivered by Slack", "count", n, "mode", d.cfg.Mode)
		metrics.DispatchMessages.WithLabelValues("handed_off").Add(float64(n))
	}
	res.HandedOff = n

	due, err := d.messages.ListDue(ctx, now, d.cfg.BatchSize)
	if err != nil {
		d.logger.Error("Failed to list due messages", "error", err)
		metrics.DispatchTicks.WithLabelValues("error").Inc()
		res.Err = err
		return res
	}
	res.Due = len(due)

	if len(due) > 0 {
		d.logger.Debug("Dispatching due messages", "count", len(due))
	}

	for i, m := range due {
		if ctx.Err() != nil {
			d.logger.Info("Dispatcher tick interrupted, rest of the batch stays pending", "left", len(due)-i)
			break
		}
		d.deliver(ctx, m, &res)
	}

	metrics.DispatchTicks.WithLabelValues("ok").Inc()
	return res
}

func (d *Dispatcher) deliver(ctx context.Context, m models.ScheduledMessage, res *TickResult) {
	token, err := d.tokens.GetValidAccessToken(ctx, m.UserID)
	if err == nil {
		_, err = d.poster.PostMessage(ctx, token, m.ChannelID, m.Text)
	}
	if err != nil {
		d.recordFailure(ctx, m, err, res)
		return
	}

	_, err = d.messages.MarkSent(ctx, m.ID, d.now())
	switch {
	case err == nil:
		res.Sent++
		metrics.DispatchMessages.WithLabelValues("sent").Inc()
		d.logger.Info("Scheduled message sent", "message_id", m.ID, "user_id", m.UserID, "channel_id", m.ChannelID)
	case errors.Is(err, apperrors.ErrMessageNotPending):
		res.Stale++
		metrics.DispatchMessages.WithLabelValues("stale").Inc()
		d.logger.Warn("Message posted but left pending state meanwhile", "message_id", m.ID)
	default:
		d.logger.Error("Message posted but not marked as sent", "message_id", m.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, m models.ScheduledMessage, cause error, res *TickResult) {
	// Shutdown is not the message fault: keep the attempt
	if ctx.Err() != nil {
		d.logger.Info("Delivery interrupted by shutdown", "message_id", m.ID)
		return
	}

	updated, err := d.messages.RecordFailure(ctx, m.ID, cause.Error(), d.cfg.MaxAttempts)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrMessageNotPending):
		res.Stale++
		metrics.DispatchMessages.WithLabelValues("stale").Inc()
		d.logger.Warn("Delivery failed and message left pending state meanwhile", "message_id", m.ID)
		return
	default:
		d.logger.Error("Failed to record delivery failure", "message_id", m.ID, "error", err, "cause", cause)
		return
	}

	if updated.Status == models.MessageFailed {
		res.Failed++
		metrics.DispatchMessages.WithLabelValues("failed").Inc()
		d.logger.Error("Message delivery failed permanently",
			"message_id", m.ID, "user_id", m.UserID, "attempts", updated.RetryCount, "error", cause)
		return
	}

	res.Retried++
	metrics.DispatchMessages.WithLabelValues("retried").Inc()
	d.logger.Warn("Message delivery failed, will retry",
		"message_id", m.ID, "user_id", m.UserID, "attempts", updated.RetryCount, "error", cause)
}
