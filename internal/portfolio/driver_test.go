package portfolio

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingSyncer struct {
	initialized atomic.Int32
	syncs       atomic.Int32
	initErr     error
	syncErr     error
	deadlines   atomic.Int32
}

func (c *countingSyncer) Initialize(context.Context) error {
	c.initialized.Add(1)
	return c.initErr
}

func (c *countingSyncer) Sync(ctx context.Context) (SyncSummary, error) {
	c.syncs.Add(1)
	if _, ok := ctx.Deadline(); ok {
		c.deadlines.Add(1)
	}
	return SyncSummary{NewTrades: 1}, c.syncErr
}

func TestDriver_RunsUntilCancelled(t *testing.T) {
	syncer := &countingSyncer{}
	driver := NewDriver(syncer, 5*time.Millisecond, time.Second, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := driver.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), syncer.initialized.Load())
	assert.Positive(t, syncer.syncs.Load())
	assert.Equal(t, syncer.syncs.Load(), syncer.deadlines.Load(), "every cycle runs with its own timeout")
}

func TestDriver_KeepsGoingAfterFailures(t *testing.T) {
	syncer := &countingSyncer{
		initErr: errors.New("exchange unreachable"),
		syncErr: ErrSyncInProgress,
	}
	driver := NewDriver(syncer, 5*time.Millisecond, 0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	err := driver.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, syncer.syncs.Load(), int32(1))
}

func TestNewDriver_Defaults(t *testing.T) {
	driver := NewDriver(&countingSyncer{}, 0, -1, nil)
	assert.Equal(t, defaultSyncInterval, driver.interval)
	assert.Equal(t, defaultSyncTimeout, driver.timeout)
}
