package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/websets/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker evaluates job health on an interval and posts new alerts. An alert
// type that was delivered within the cooldown is not posted again.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	lookback  int
	interval  time.Duration
	cooldown  time.Duration

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
	nowFunc  func() time.Time
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		lookback:  cfg.LookbackWindowHours,
		interval:  interval,
		cooldown:  time.Duration(cfg.AlertCooldownMins) * time.Minute,
		lastSent:  make(map[AlertType]time.Time),
		nowFunc:   time.Now,
	}
}

// Run checks once immediately and then on every tick until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", c.interval),
		zap.Duration("cooldown", c.cooldown),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			log.Info("alert checker stopped")
			return
		}
		c.Check(ctx)

		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check collects one snapshot and posts the alerts that are not cooling
// down. It returns the number of alerts posted.
func (c *Checker) Check(ctx context.Context) int {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return 0
	}

	triggered := c.alerter.Evaluate(snap)
	pending := c.due(triggered)
	if len(pending) == 0 {
		log.Debug("monitoring: nothing to send",
			zap.Int("jobs", snap.JobsTotal),
			zap.Int("suppressed", len(triggered)),
		)
		return 0
	}

	sent := c.alerter.deliver(ctx, pending)
	c.markSent(sent)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(triggered)),
		zap.Int("alerts_suppressed", len(triggered)-len(pending)),
		zap.Int("alerts_sent", len(sent)),
	)
	return len(sent)
}

func (c *Checker) due(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	var out []Alert
	for _, a := range alerts {
		if last, ok := c.lastSent[a.Type]; ok && now.Sub(last) < c.cooldown {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (c *Checker) markSent(alerts []Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	for _, a := range alerts {
		c.lastSent[a.Type] = now
	}
}
