package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/admproto/admp-hub/internal/clock"
	"github.com/admproto/admp-hub/internal/metrics"
	"github.com/admproto/admp-hub/internal/store"
)

// SignatureHeader carries the payload HMAC on delivery requests.
const SignatureHeader = "X-ADMP-Signature"

// Options carries the dispatcher's tunables.
type Options struct {
	MaxAttempts  int
	Timeout      time.Duration // per-request timeout
	PollInterval time.Duration // queue poll cadence
}

// Dispatcher drains the webhook queue: claim the earliest due job, POST the
// signed payload, then reschedule, dead-letter, or delete the job. Failures
// are absorbed here and never surface to the sender.
type Dispatcher struct {
	store  store.Store
	clock  clock.Clock
	client *http.Client
	opts   Options
	log    zerolog.Logger

	randFloat func() float64
}

// NewDispatcher creates a dispatcher. client may be nil; a default client
// with the configured timeout is used then.
func NewDispatcher(st store.Store, clk clock.Clock, client *http.Client, opts Options, logger zerolog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Dispatcher{
		store:     st,
		clock:     clk,
		client:    client,
		opts:      opts,
		log:       logger.With().Str("component", "webhook").Logger(),
		randFloat: rand.Float64,
	}
}

// Run polls the queue until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	d.log.Info().Dur("poll_interval", d.opts.PollInterval).Msg("Webhook dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("Webhook dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.DeliverDue(ctx); err != nil {
				d.log.Error().Err(err).Msg("Webhook drain failed")
			}
		}
	}
}

// DeliverDue processes every currently-due job and returns how many were
// attempted.
func (d *Dispatcher) DeliverDue(ctx context.Context) (int, error) {
	attempted := 0
	for attempted < store.MaxListLimit {
		job, err := d.claimNext(ctx)
		if err != nil {
			if errors.Is(err, store.ErrNoMatch) {
				return attempted, nil
			}
			return attempted, err
		}
		attempted++
		d.deliver(ctx, job)
	}
	return attempted, nil
}

// claimNext atomically takes the earliest due job, bumping its attempt count
// and pushing next_attempt_at past the request timeout so a concurrent
// dispatcher cannot double-deliver.
func (d *Dispatcher) claimNext(ctx context.Context) (*Job, error) {
	now := d.clock.Now()
	raw, err := d.store.Claim(ctx, store.WebhookQueue, store.ListOptions{
		Filter: store.Filter{
			"dead":              false,
			"next_attempt_at <": now.UnixMilli() + 1,
		},
		OrderBy: "next_attempt_at",
	}, func(doc json.RawMessage) (json.RawMessage, error) {
		var j Job
		if err := json.Unmarshal(doc, &j); err != nil {
			return nil, fmt.Errorf("decode webhook job: %w", err)
		}
		j.Attempts++
		j.NextAttemptAt = now.Add(d.opts.Timeout + 30*time.Second).UnixMilli()
		return json.Marshal(&j)
	})
	if err != nil {
		return nil, err
	}
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("decode claimed webhook job: %w", err)
	}
	return &j, nil
}

// deliver POSTs one job and settles its fate.
func (d *Dispatcher) deliver(ctx context.Context, job *Job) {
	status, err := d.post(ctx, job)

	switch {
	case err == nil && status >= 200 && status < 300:
		metrics.WebhookAttempts.WithLabelValues("success").Inc()
		if derr := d.store.Delete(ctx, store.WebhookQueue, job.ID); derr != nil {
			d.log.Error().Err(derr).Str("job_id", job.ID).Msg("Failed to remove delivered webhook job")
		}
		d.log.Debug().Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("Webhook delivered")
		return

	case err == nil && terminalStatus(status):
		d.settle(ctx, job, fmt.Sprintf("terminal status %d", status), true)
		return

	default:
		reason := fmt.Sprintf("status %d", status)
		if err != nil {
			reason = err.Error()
		}
		d.settle(ctx, job, reason, job.Attempts >= d.opts.MaxAttempts)
	}
}

// settle reschedules a failed job with backoff, or dead-letters it.
func (d *Dispatcher) settle(ctx context.Context, job *Job, reason string, dead bool) {
	job.LastError = reason
	if dead {
		job.Dead = true
		metrics.WebhookAttempts.WithLabelValues("dead").Inc()
		metrics.WebhookDeadLetters.Inc()
		d.log.Warn().Str("job_id", job.ID).Str("agent_id", job.AgentID).Int("attempts", job.Attempts).
			Str("reason", reason).Msg("Webhook job dead-lettered")
	} else {
		delay := backoffDelay(job.Attempts, d.randFloat)
		job.NextAttemptAt = d.clock.Now().Add(delay).UnixMilli()
		metrics.WebhookAttempts.WithLabelValues("retry").Inc()
		d.log.Debug().Str("job_id", job.ID).Int("attempts", job.Attempts).Dur("retry_in", delay).
			Str("reason", reason).Msg("Webhook delivery failed, retrying")
	}

	doc, err := json.Marshal(job)
	if err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to marshal webhook job")
		return
	}
	if err := d.store.Put(ctx, store.WebhookQueue, job.ID, doc); err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to update webhook job")
	}
}

// post sends the signed payload and returns the response status.
func (d *Dispatcher) post(ctx context.Context, job *Job) (int, error) {
	payload := Payload{
		Event:       EventMessageDelivered,
		MessageID:   job.MessageID,
		DeliveredAt: d.clock.Now().UTC().Format(time.RFC3339),
		Envelope:    job.Envelope,
	}
	sig, err := SignPayload(payload, job.Secret)
	if err != nil {
		return 0, err
	}
	payload.Signature = sig

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal webhook payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, job.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sig)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// terminalStatus reports whether a response status stops retries: 4xx except
// 408 and 429.
func terminalStatus(status int) bool {
	if status < 400 || status >= 500 {
		return false
	}
	return status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}

// PruneDead deletes dead-lettered jobs older than the retention window.
func (d *Dispatcher) PruneDead(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := d.clock.Now().Add(-retention).UnixMilli()
	docs, _, err := d.store.List(ctx, store.WebhookQueue, store.ListOptions{
		Filter: store.Filter{"dead": true, "enqueued_at <": cutoff},
	})
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	writes := make([]store.Write, 0, len(docs))
	for _, raw := range docs {
		var j Job
		if err := json.Unmarshal(raw, &j); err != nil {
			return 0, fmt.Errorf("decode webhook job: %w", err)
		}
		writes = append(writes, store.Write{Collection: store.WebhookQueue, ID: j.ID})
	}
	if err := d.store.Apply(ctx, writes); err != nil {
		return 0, err
	}
	return len(writes), nil
}
