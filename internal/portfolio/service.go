// Package portfolio sequences ingestion, cost basis, valuation, reconciliation and
// snapshotting, and answers read queries from an immutable state swapped after each sync.
package portfolio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/martibooks/internal/costbasis"
	"github.com/vadiminshakov/martibooks/internal/domain"
	"github.com/vadiminshakov/martibooks/internal/ledger"
	"github.com/vadiminshakov/martibooks/internal/precision"
	"github.com/vadiminshakov/martibooks/internal/reconcile"
	"github.com/vadiminshakov/martibooks/internal/valuation"
	"github.com/vadiminshakov/martibooks/pkg/retrier"
)

// ErrSyncInProgress is returned when a sync or snapshot is requested while another one runs.
var ErrSyncInProgress = errors.New("sync already in progress")

// state is never mutated after it is published.
type state struct {
	ledger   *ledger.Ledger
	tracker  *costbasis.Tracker
	drift    reconcile.Status
	book     *valuation.PriceBook
	rules    precision.Rules
	syncedAt time.Time
}

// Service is the portfolio facade.
type Service struct {
	cfg       Config
	exchange  ExchangeClient
	cash      CashLedger
	valuator  Valuator
	store     Store
	logger    *zap.Logger
	parser    *ledger.Parser
	retrier   *retrier.Retrier
	observer  Observer
	publisher SnapshotPublisher
	now       func() time.Time

	// syncMu serializes writers: Sync and CreateSnapshot.
	syncMu sync.Mutex
	state  atomic.Pointer[state]
	// restored is set once the store has been replayed. Guarded by syncMu.
	restored bool

	statusMu  sync.RWMutex
	phase     Phase
	lastErr   error
	lastErrAt time.Time
	lastSync  *SyncSummary
}

// Option customizes a Service.
type Option func(*Service)

// WithRetrier sets the retry policy of exchange calls.
func WithRetrier(r *retrier.Retrier) Option {
	return func(s *Service) {
		s.retrier = r
	}
}

// WithObserver sets the metrics sink.
func WithObserver(o Observer) Option {
	return func(s *Service) {
		s.observer = o
	}
}

// WithPublisher sets the receiver of persisted snapshots.
func WithPublisher(p SnapshotPublisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates the service with an empty state. Call Initialize before serving reads.
// If the exchange client also implements CashLedger, cash flows are synced too.
func New(exchange ExchangeClient, valuator Valuator, store Store, cfg Config, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	s := &Service{
		cfg:      cfg,
		exchange: exchange,
		valuator: valuator,
		store:    store,
		logger:   logger,
		parser:   ledger.NewParser(cfg.Normalizer, ledger.NewTagResolver(cfg.TagPrefix)),
		retrier:  retrier.New(retrier.WithMaxRetries(3)),
		observer: nopObserver{},
		now:      time.Now,
		phase:    PhaseIdle,
	}
	if cl, ok := exchange.(CashLedger); ok {
		s.cash = cl
	}
	for _, opt := range opts {
		opt(s)
	}

	s.state.Store(s.emptyState())

	return s
}

func (s *Service) emptyState() *state {
	return &state{
		ledger:  ledger.New(s.logger),
		tracker: costbasis.New(s.cfg.BaseCurrency, s.cfg.HomePairs, s.logger),
		book:    valuation.EmptyBook(s.cfg.BaseCurrency),
		rules:   s.cfg.Precision,
	}
}

// BaseCurrency returns the reporting currency.
func (s *Service) BaseCurrency() string {
	return s.cfg.BaseCurrency
}

// Initialize restores the ledger and drift status from the store, then syncs:
// a full historical sync for an empty ledger, an incremental one otherwise.
// If the restore fails, every later Sync retries it before touching the exchange.
func (s *Service) Initialize(ctx context.Context) error {
	s.syncMu.Lock()
	err := s.ensureRestored(ctx)
	s.syncMu.Unlock()
	if err != nil {
		s.fail(err)
		return err
	}

	_, err = s.Sync(ctx)

	return err
}

// ensureRestored replays the store into the read state once. Callers hold syncMu.
func (s *Service) ensureRestored(ctx context.Context) error {
	if s.restored {
		return nil
	}
	st, err := s.restore(ctx)
	if err != nil {
		return err
	}
	s.state.Store(st)
	s.restored = true

	s.logger.Info("portfolio restored",
		zap.Int("ledger_entries", st.ledger.Len()),
		zap.Bool("drift", st.drift.DriftDetected))

	return nil
}

func (s *Service) restore(ctx context.Context) (*state, error) {
	batches, err := s.store.Batches(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ledger log")
	}

	st := s.emptyState()
	l, err := ledger.Replay(s.logger, batches, func(res ledger.IngestResult) error {
		return applyIngested(st.tracker, res)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to replay ledger log")
	}
	st.ledger = l

	rec, ok, err := s.store.LoadState(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load service state")
	}
	if ok {
		st.ledger.AdvanceMark(rec.Mark)
		st.drift = rec.Drift
		st.syncedAt = rec.UpdatedAt
	}

	return st, nil
}

// applyIngested books accepted entries into the tracker in ledger order.
func applyIngested(tracker *costbasis.Tracker, res ledger.IngestResult) error {
	return ledger.Walk(res.Trades, res.CashFlows,
		func(t domain.Trade) error {
			_, err := tracker.Apply(t)
			return err
		},
		func(cf domain.CashFlow) error {
			_, err := tracker.ApplyCashFlow(cf)
			return err
		})
}

// Status reports the state machine.
func (s *Service) Status() StatusView {
	st := s.state.Load()

	s.statusMu.RLock()
	defer s.statusMu.RUnlock()

	view := StatusView{
		Phase:         s.phase,
		LastSync:      s.lastSync,
		DriftDetected: st.drift.DriftDetected,
		LedgerEntries: st.ledger.Len(),
		HighWaterMark: st.ledger.HighWaterMark(),
	}
	if s.lastErr != nil {
		at := s.lastErrAt
		view.LastError = s.lastErr.Error()
		view.LastErrorAt = &at
	}

	return view
}

func (s *Service) setPhase(p Phase) {
	s.statusMu.Lock()
	s.phase = p
	s.statusMu.Unlock()
}

// fail moves the service into Failed until the next sync starts.
func (s *Service) fail(err error) {
	s.statusMu.Lock()
	s.phase = PhaseFailed
	s.lastErr = err
	s.lastErrAt = s.now()
	s.statusMu.Unlock()
}

func (s *Service) succeed(summary SyncSummary) {
	s.statusMu.Lock()
	s.phase = PhaseIdle
	s.lastErr = nil
	s.lastSync = &summary
	s.statusMu.Unlock()
}
