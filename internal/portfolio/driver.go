package portfolio

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultSyncInterval = time.Minute
	defaultSyncTimeout  = 30 * time.Second
)

// Syncer is the part of the Service a Driver needs.
type Syncer interface {
	Initialize(ctx context.Context) error
	Sync(ctx context.Context) (SyncSummary, error)
}

// Driver runs periodic syncs.
type Driver struct {
	syncer   Syncer
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewDriver creates a driver. Non-positive durations fall back to defaults.
func NewDriver(syncer Syncer, interval, timeout time.Duration, logger *zap.Logger) *Driver {
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	if timeout <= 0 {
		timeout = defaultSyncTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Driver{syncer: syncer, interval: interval, timeout: timeout, logger: logger}
}

// Run initializes the portfolio and syncs on every tick until ctx is done.
// A failed initialization is logged and retried by the next tick.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.syncer.Initialize(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.logger.Error("Initial portfolio sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("Starting sync loop", zap.Duration("interval", d.interval), zap.Duration("timeout", d.timeout))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Context done, stopping sync loop.")
			return ctx.Err()
		case <-ticker.C:
			d.logger.Debug("Sync tick")
			summary, err := d.cycle(ctx)
			if err != nil {
				if errors.Is(err, ErrSyncInProgress) {
					d.logger.Debug("Previous sync still running, skipping tick")
				} else if ctx.Err() == nil {
					d.logger.Error("Sync failed", zap.Error(err))
				}
				continue
			}

			if summary.NewTrades > 0 || summary.NewCashFlows > 0 {
				d.logger.Info("Ledger updated",
					zap.Int("trades", summary.NewTrades),
					zap.Int("cash_flows", summary.NewCashFlows),
					zap.Bool("drift", summary.DriftDetected))
			}
		}
	}
}

func (d *Driver) cycle(ctx context.Context) (SyncSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	return d.syncer.Sync(ctx)
}
