package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradeagent/internal/config"
	"github.com/quantfold/tradeagent/internal/observ"
	"github.com/quantfold/tradeagent/internal/risk"
	"github.com/quantfold/tradeagent/internal/state"
)

// Scheduler drives decision cycles at a fixed cadence during market hours.
// It owns day rollover and the trading_enabled check, so the kill-switch is
// honored even under scheduler pressure: a disabled tick still advances the
// clock, it just runs no cycle.
type Scheduler struct {
	interval    time.Duration
	hours       config.MarketHours
	loc         *time.Location
	instruments []string
	agent       *Agent
	agentSt     *state.Store
	guard       *risk.Guard
	equityFn    func(ctx context.Context) (float64, error)
	now         func() time.Time

	// pendingReset holds a day whose guard/book reset is still owed because
	// the equity fetch failed; retried every tick until it lands.
	pendingReset string
}

func NewScheduler(
	cfg config.Scheduler,
	instruments []string,
	a *Agent,
	agentSt *state.Store,
	guard *risk.Guard,
	equityFn func(ctx context.Context) (float64, error),
) (*Scheduler, error) {
	loc, err := time.LoadLocation(cfg.MarketHours.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load market timezone: %w", err)
	}
	return &Scheduler{
		interval:    time.Duration(cfg.TickIntervalMs) * time.Millisecond,
		hours:       cfg.MarketHours,
		loc:         loc,
		instruments: instruments,
		agent:       a,
		agentSt:     agentSt,
		guard:       guard,
		equityFn:    equityFn,
		now:         time.Now,
	}, nil
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log := observ.Logger("scheduler")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, log)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, log zerolog.Logger) {
	now := s.now().In(s.loc)

	// Day rollover re-enables trading unless permanently halted, and resets
	// the daily P&L baseline from current account equity.
	day := now.Format("2006-01-02")
	changed, err := s.agentSt.RolloverDay(day)
	if err != nil {
		log.Error().Err(err).Msg("day rollover persist failed")
	}
	if changed {
		s.pendingReset = day
	}
	if s.pendingReset != "" {
		equity, err := s.equityFn(ctx)
		if err != nil {
			log.Error().Err(err).Str("day", s.pendingReset).
				Msg("equity fetch at rollover failed, will retry next tick")
		} else {
			s.guard.RolloverDay(s.pendingReset, equity)
			s.pendingReset = ""
		}
	}

	if !s.InMarketHours(now) {
		return
	}
	if !s.agentSt.TradingEnabled() {
		// Kill-switch engaged: the tick is a deliberate no-op.
		return
	}

	for _, instrument := range s.instruments {
		if s.agent.TryRunCycle(ctx, instrument) {
			continue
		}
		if reason, fatal := s.agent.FatalInstrument(instrument); fatal {
			log.Debug().Str("instrument", instrument).Str("reason", reason).Msg("instrument halted, skipping")
		} else {
			log.Debug().Str("instrument", instrument).Msg("previous cycle still running, tick skipped")
		}
	}
}

// InMarketHours reports whether t (already in the market timezone) falls
// inside the configured trading window on a weekday.
func (s *Scheduler) InMarketHours(t time.Time) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	openMin := s.hours.OpenHour*60 + s.hours.OpenMin
	closeMin := s.hours.CloseHour*60 + s.hours.CloseMin
	return minutes >= openMin && minutes < closeMin
}
