package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/link-tracker/internal/tracker"
)

// CronConfig holds the cron specs for the periodic triggers. Empty specs are
// not scheduled.
type CronConfig struct {
	Daily    string
	Weekly   string
	Monthly  string
	Stale    string
	Location *time.Location
}

// DefaultCron is the production schedule.
var DefaultCron = CronConfig{
	Daily:   "0 2 * * *",
	Weekly:  "0 3 * * 1",
	Monthly: "0 4 1 * *",
	Stale:   "0 6 * * *",
}

// Cron fires the batch triggers on a schedule.
type Cron struct {
	cron   *cron.Cron
	logger *zap.Logger
}

type trigger func(ctx context.Context, timing tracker.Timing) (Summary, error)

// NewCron registers the configured entries against s.
func NewCron(ctx context.Context, s *Scheduler, cfg CronConfig) (*Cron, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	c := &Cron{
		cron:   cron.New(cron.WithLocation(loc)),
		logger: s.logger.Named("cron"),
	}

	entries := []struct {
		spec   string
		timing tracker.Timing
		fire   trigger
		label  string
	}{
		{cfg.Daily, tracker.TimingDaily, s.StartBatch, "daily"},
		{cfg.Weekly, tracker.TimingWeekly, s.StartBatch, "weekly"},
		{cfg.Monthly, tracker.TimingMonthly, s.StartBatch, "monthly"},
		{cfg.Stale, tracker.TimingDaily, s.RescrapeStale, "stale"},
	}
	for _, e := range entries {
		if e.spec == "" {
			continue
		}
		if err := c.add(ctx, e.spec, e.label, e.timing, e.fire); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Cron) add(ctx context.Context, spec, label string, timing tracker.Timing, fire trigger) error {
	_, err := c.cron.AddFunc(spec, func() {
		summary, err := fire(ctx, timing)
		if err != nil {
			c.logger.Error("cron trigger failed", zap.String("entry", label), zap.Error(err))
			return
		}
		c.logger.Info("cron trigger fired", zap.String("entry", label), zap.Any("data", summary.Data))
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", label, spec, err)
	}
	c.logger.Info("cron entry scheduled", zap.String("entry", label), zap.String("spec", spec))
	return nil
}

// Entries returns the number of scheduled entries.
func (c *Cron) Entries() int {
	return len(c.cron.Entries())
}

// Start runs the schedule in the background.
func (c *Cron) Start() {
	c.cron.Start()
}

// Stop halts the schedule and waits for running triggers.
func (c *Cron) Stop(ctx context.Context) error {
	select {
	case <-c.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cron stop: %w", ctx.Err())
	}
}
