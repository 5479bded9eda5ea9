package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/whale-analyst/internal/config"
)

// Reaper re-dispatches unclaimed pending jobs and fails abandoned running
// ones. *job.Recovery satisfies it.
type Reaper interface {
	Reap(ctx context.Context) (int, error)
}

// Checker runs periodic stale-job reaping and alert checks in the
// background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	reaper    Reaper
	cfg       config.MonitoringConfig
}

// NewChecker creates a background alert checker. reaper may be nil.
func NewChecker(collector *Collector, alerter *Alerter, reaper Reaper, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		reaper:    reaper,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	if c.reaper != nil {
		if _, err := c.reaper.Reap(ctx); err != nil {
			log.Error("monitoring: failed to reap stale jobs", zap.Error(err))
		}
	}

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}
