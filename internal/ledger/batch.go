package ledger

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/martibooks/internal/domain"
)

// Batch is the unit of persistence: everything accepted by one sync.
type Batch struct {
	Trades    []domain.Trade    `json:"trades,omitempty"`
	CashFlows []domain.CashFlow `json:"cash_flows,omitempty"`
	Mark      Mark              `json:"mark"`
}

// Batch returns the accepted entries of an ingestion together with the resulting mark.
func (r IngestResult) Batch(mark Mark) Batch {
	return Batch{Trades: r.Trades, CashFlows: r.CashFlows, Mark: mark}
}

// Replay rebuilds a ledger from persisted batches in order. Entries already seen are
// deduplicated again. The optional apply callback sees every accepted ingestion, so
// derived state can be rebuilt in the same order a live sync produced it.
func Replay(logger *zap.Logger, batches []Batch, apply func(IngestResult) error) (*Ledger, error) {
	l := New(logger)
	for i, b := range batches {
		res := l.Ingest(b.Trades, b.CashFlows)
		if len(res.Rejected) > 0 {
			l.logger.Warn("persisted entries rejected on replay",
				zap.Int("batch", i), zap.Int("rejected", len(res.Rejected)))
		}
		l.AdvanceMark(b.Mark)
		if apply == nil || res.Empty() {
			continue
		}
		if err := apply(res); err != nil {
			return nil, errors.Wrapf(err, "replay batch %d", i)
		}
	}

	return l, nil
}
