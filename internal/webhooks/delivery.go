package webhooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rendis/spiral/internal/logging"
	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/internal/workers"
	"github.com/rendis/spiral/pkg/schema"
)

// Start launches the delivery consumer. It returns immediately; Stop ends it.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.pool = workers.New("webhooks", s.cfg.Workers, s.logger)
	s.done = make(chan struct{})
	go s.consume(ctx, s.pool, s.done)
	s.logger.Info("webhook delivery started", slog.Int("workers", s.cfg.Workers))
}

// Stop ends the consumer and waits for in-flight attempts. Deliveries still
// queued stay pending in the store and are picked up by Recover.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, pool, done := s.cancel, s.pool, s.done
	s.cancel, s.pool, s.done = nil, nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	pool.Shutdown()
	s.logger.Info("webhook delivery stopped")
}

// Pending returns the number of queued deliveries.
func (s *Service) Pending() int { return s.queue.Len() }

// consume pops deliveries in FIFO order. Items whose retry time has not come
// are pushed back; once a whole pass over the queue found nothing due the
// consumer sleeps for the poll interval.
func (s *Service) consume(ctx context.Context, pool *workers.Pool, done chan struct{}) {
	defer close(done)
	notDue := 0
	for {
		item, err := s.queue.Pop(ctx)
		if err != nil {
			return
		}

		if !item.Due.IsZero() && s.cfg.Now().Before(item.Due) {
			s.queue.Push(item)
			notDue++
			if notDue >= s.queue.Len() {
				notDue = 0
				if err := s.cfg.Sleep(ctx, s.cfg.PollInterval); err != nil {
					return
				}
			}
			continue
		}
		notDue = 0

		id := item.DeliveryID
		if err := pool.Submit(ctx, func(ctx context.Context) error {
			return s.attempt(context.WithoutCancel(ctx), id)
		}); err != nil {
			s.queue.Push(item)
			return
		}
	}
}

// attempt makes one delivery attempt and records the outcome.
func (s *Service) attempt(ctx context.Context, deliveryID string) error {
	ctx = logging.WithDeliveryID(ctx, deliveryID)
	log := logging.LogWith(ctx, s.logger)

	d, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		log.Error("load delivery", slog.String("error", err.Error()))
		return err
	}
	if d.Status == schema.DeliverySuccess || d.Status == schema.DeliveryFailed {
		return nil
	}

	sub, err := s.store.GetSubscription(ctx, d.SubscriptionID)
	switch {
	case schema.IsCode(err, schema.ErrCodeNotFound):
		return s.abandon(ctx, d, "subscription no longer exists")
	case err != nil:
		log.Error("load subscription", slog.String("error", err.Error()))
		return s.reschedule(ctx, d, s.cfg.Now().Add(s.cfg.PollInterval))
	case sub.Status != schema.SubscriptionActive:
		return s.abandon(ctx, d, fmt.Sprintf("subscription is %s", sub.Status))
	}

	if ok, until := s.breakers.allow(sub.ID); !ok {
		log.Debug("delivery deferred by open circuit", slog.String("subscription_id", sub.ID), slog.Time("until", until))
		return s.reschedule(ctx, d, until)
	}

	d.Attempts++
	status, body, latency, sendErr := s.send(ctx, sub, d)
	d.LastStatusCode = status
	d.LastResponse = body
	d.LastLatencyMS = latency.Milliseconds()
	now := s.cfg.Now()

	if sendErr == nil {
		s.breakers.recordSuccess(sub.ID)
		d.Status = schema.DeliverySuccess
		d.Error = ""
		d.NextRetryAt = nil
		d.CompletedAt = &now
		if err := s.store.UpdateDelivery(ctx, d); err != nil {
			log.Error("persist delivery", slog.String("error", err.Error()))
		}
		if err := s.store.RecordDeliveryOutcome(ctx, sub.ID, true, now); err != nil {
			log.Error("record delivery outcome", slog.String("error", err.Error()))
		}
		log.Info("webhook delivered", slog.String("event", d.EventKind), slog.Int("attempt", d.Attempts), slog.Int("status_code", status))
		return nil
	}

	circuit := s.breakers.recordFailure(sub.ID)
	d.Error = sendErr.Error()
	if d.Attempts < d.MaxAttempts {
		next := now.Add(s.Backoff(sub.RetryBackoffSeconds, d.Attempts))
		d.Status = schema.DeliveryRetrying
		d.NextRetryAt = &next
		if err := s.store.UpdateDelivery(ctx, d); err != nil {
			log.Error("persist delivery", slog.String("error", err.Error()))
		}
		s.queue.Push(QueueItem{DeliveryID: d.ID, Due: next})
		log.Warn("webhook delivery failed, retrying",
			slog.Int("attempt", d.Attempts), slog.Time("next_retry_at", next),
			slog.String("circuit", circuit.String()), slog.String("error", d.Error))
		return sendErr
	}

	d.Status = schema.DeliveryFailed
	d.NextRetryAt = nil
	d.CompletedAt = &now
	if err := s.store.UpdateDelivery(ctx, d); err != nil {
		log.Error("persist delivery", slog.String("error", err.Error()))
	}
	if err := s.store.RecordDeliveryOutcome(ctx, sub.ID, false, now); err != nil {
		log.Error("record delivery outcome", slog.String("error", err.Error()))
	}
	log.Error("webhook delivery failed", slog.Int("attempts", d.Attempts), slog.String("error", d.Error))
	return sendErr
}

// send POSTs the delivery body. A non-2xx response is a DeliveryFailure.
func (s *Service) send(ctx context.Context, sub *schema.WebhookSubscription, d *schema.WebhookDelivery) (int, string, time.Duration, error) {
	timeout := time.Duration(sub.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(s.cfg.DefaultTimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, "", 0, schema.DeliveryFailure(d.ID, "build request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, d.EventKind)
	req.Header.Set(HeaderSignature, d.Signature)
	req.Header.Set(HeaderDeliveryID, d.ID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(d.Attempts))

	start := time.Now()
	resp, err := s.cfg.Client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, "", latency, schema.DeliveryFailure(d.ID, "post to subscriber: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, string(raw), latency,
			schema.DeliveryFailure(d.ID, "subscriber responded %d", resp.StatusCode).
				WithDetails(map[string]any{"delivery_id": d.ID, "status_code": resp.StatusCode})
	}
	return resp.StatusCode, string(raw), latency, nil
}

// Backoff returns retry_backoff_seconds * 2^(attempt-1) in BackoffUnit.
func (s *Service) Backoff(backoffSeconds, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	return time.Duration(backoffSeconds) * s.cfg.BackoffUnit * time.Duration(1<<(attempt-1))
}

// reschedule queues d again at due without spending an attempt.
func (s *Service) reschedule(ctx context.Context, d *schema.WebhookDelivery, due time.Time) error {
	if d.Attempts > 0 {
		d.Status = schema.DeliveryRetrying
	}
	d.NextRetryAt = &due
	if err := s.store.UpdateDelivery(ctx, d); err != nil {
		logging.LogWith(ctx, s.logger).Error("persist delivery", slog.String("error", err.Error()))
	}
	s.queue.Push(QueueItem{DeliveryID: d.ID, Due: due})
	return nil
}

// abandon fails d without an attempt.
func (s *Service) abandon(ctx context.Context, d *schema.WebhookDelivery, reason string) error {
	now := s.cfg.Now()
	d.Status = schema.DeliveryFailed
	d.Error = reason
	d.NextRetryAt = nil
	d.CompletedAt = &now
	if err := s.store.UpdateDelivery(ctx, d); err != nil {
		logging.LogWith(ctx, s.logger).Error("persist delivery", slog.String("error", err.Error()))
	}
	logging.LogWith(ctx, s.logger).Warn("webhook delivery abandoned", slog.String("reason", reason))
	return errors.New(reason)
}

// RetryDelivery puts a failed delivery back in the queue with a fresh
// attempt budget. Successful deliveries and deliveries still queued are
// refused.
func (s *Service) RetryDelivery(ctx context.Context, id string) (*schema.WebhookDelivery, error) {
	d, err := s.store.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != schema.DeliveryFailed {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "delivery %s is %s; only failed deliveries can be retried", id, d.Status)
	}
	d.Status = schema.DeliveryPending
	d.Attempts = 0
	d.Error = ""
	d.NextRetryAt = nil
	d.CompletedAt = nil
	if err := s.store.UpdateDelivery(ctx, d); err != nil {
		return nil, err
	}
	s.queue.Push(QueueItem{DeliveryID: d.ID})
	logging.LogWith(logging.WithDeliveryID(ctx, id), s.logger).Info("webhook delivery requeued")
	return d, nil
}

// Recover queues the pending and retrying deliveries recorded in the store.
// It is called once at startup, before Start.
func (s *Service) Recover(ctx context.Context) (int, error) {
	ds, err := s.store.ListDeliveries(ctx, store.DeliveryFilter{
		Statuses: []schema.DeliveryStatus{schema.DeliveryPending, schema.DeliveryRetrying},
	})
	if err != nil {
		return 0, err
	}
	for _, d := range ds {
		item := QueueItem{DeliveryID: d.ID}
		if d.NextRetryAt != nil {
			item.Due = *d.NextRetryAt
		}
		s.queue.Push(item)
	}
	if len(ds) > 0 {
		s.logger.Info("webhook deliveries recovered", slog.Int("count", len(ds)))
	}
	return len(ds), nil
}
