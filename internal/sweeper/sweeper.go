// Package sweeper runs the hub's periodic maintenance: lease reclamation,
// envelope expiration, terminal-row cleanup, ephemeral body purge, and
// heartbeat timeouts. Phases run in order; a failing phase logs and the
// sweep continues with the next one.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/admproto/admp-hub/internal/agent"
	"github.com/admproto/admp-hub/internal/clock"
	"github.com/admproto/admp-hub/internal/group"
	"github.com/admproto/admp-hub/internal/inbox"
	"github.com/admproto/admp-hub/internal/metrics"
	"github.com/admproto/admp-hub/internal/webhook"
)

// Options carries the sweeper's tunables.
type Options struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
	Retention        time.Duration // dead webhook jobs are pruned after this
}

// Sweeper owns the maintenance loop.
type Sweeper struct {
	inbox      *inbox.Service
	groups     *group.Service
	agents     *agent.Service
	dispatcher *webhook.Dispatcher
	clock      clock.Clock
	opts       Options
	log        zerolog.Logger

	cron *cron.Cron
}

// New creates a sweeper; call Start to begin ticking.
func New(ib *inbox.Service, groups *group.Service, agents *agent.Service, d *webhook.Dispatcher, clk clock.Clock, opts Options, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		inbox:      ib,
		groups:     groups,
		agents:     agents,
		dispatcher: d,
		clock:      clk,
		opts:       opts,
		log:        logger.With().Str("component", "sweeper").Logger(),
	}
}

// Start schedules the sweep at the configured interval. The passed context
// bounds each tick's work.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.opts.Interval), func() {
		tickCtx, cancel := context.WithTimeout(ctx, s.opts.Interval)
		defer cancel()
		s.RunOnce(tickCtx)
	})
	if err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	s.cron.Start()
	s.log.Info().Dur("interval", s.opts.Interval).Msg("Sweeper started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Sweeper stopped")
}

// RunOnce executes every phase in order. It never returns an error: phase
// failures are logged so a poisoned record cannot halt the loop.
func (s *Sweeper) RunOnce(ctx context.Context) {
	start := time.Now()

	s.phase(ctx, "reclaim", func(ctx context.Context) (int, error) {
		requeued, dead, err := s.inbox.ReclaimExpired(ctx, "")
		return requeued + dead, err
	})
	s.phase(ctx, "expire", s.inbox.ExpireOverdue)
	s.phase(ctx, "cleanup", s.inbox.CleanupTerminal)
	s.phase(ctx, "cleanup", s.groups.CleanupHistory)
	s.phase(ctx, "cleanup", func(ctx context.Context) (int, error) {
		return s.dispatcher.PruneDead(ctx, s.opts.Retention)
	})
	s.phase(ctx, "ephemeral", s.inbox.PurgeDueBodies)
	s.phase(ctx, "ephemeral", s.groups.PurgeDueBodies)
	s.phase(ctx, "heartbeat", func(ctx context.Context) (int, error) {
		return s.agents.MarkStaleOffline(ctx, s.opts.HeartbeatTimeout)
	})

	metrics.SweepsTotal.Inc()
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
}

// phase runs one maintenance step, recording its action count and absorbing
// its error.
func (s *Sweeper) phase(ctx context.Context, name string, run func(context.Context) (int, error)) {
	n, err := run(ctx)
	if n > 0 {
		metrics.SweepActions.WithLabelValues(name).Add(float64(n))
		s.log.Debug().Str("phase", name).Int("actions", n).Msg("Sweep phase done")
	}
	if err != nil {
		s.log.Error().Err(err).Str("phase", name).Msg("Sweep phase failed")
	}
}
