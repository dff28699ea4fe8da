// Package valuation converts asset amounts into the base currency.
package valuation

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/martibooks/internal/domain"
)

const (
	// maxChainDepth bounds override chains such as SOL -> USDT -> USD.
	maxChainDepth      = 3
	defaultConcurrency = 4
)

// PriceFeed provides the latest prices and pair precision.
type PriceFeed interface {
	GetLatestPrice(ctx context.Context, pair domain.Pair) (domain.Price, error)
	// GetPairMetadata returns domain.ErrPairNotFound for pairs the feed cannot quote.
	GetPairMetadata(ctx context.Context, pair domain.Pair) (domain.PairMetadata, error)
}

// Config of a Valuator.
type Config struct {
	BaseCurrency string
	// Overrides pin the pair used to value an asset; pairs quoted in another
	// asset are chained until the base currency is reached.
	Overrides   map[string]domain.Pair
	MaxPriceAge time.Duration
	Concurrency int
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Valuator resolves valuation paths and builds price books.
type Valuator struct {
	feed        PriceFeed
	logger      *zap.Logger
	base        string
	overrides   map[string]domain.Pair
	maxAge      time.Duration
	concurrency int
	now         func() time.Time

	mu       sync.RWMutex
	metadata map[string]metadataEntry
}

type metadataEntry struct {
	meta  domain.PairMetadata
	known bool
}

// New creates a valuator.
func New(feed PriceFeed, cfg Config, logger *zap.Logger) *Valuator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	overrides := make(map[string]domain.Pair, len(cfg.Overrides))
	for asset, p := range cfg.Overrides {
		overrides[domain.NormalizeAsset(asset)] = p
	}

	return &Valuator{
		feed:        feed,
		logger:      logger,
		base:        domain.NormalizeAsset(cfg.BaseCurrency),
		overrides:   overrides,
		maxAge:      cfg.MaxPriceAge,
		concurrency: cfg.Concurrency,
		now:         cfg.Clock,
		metadata:    make(map[string]metadataEntry),
	}
}

// BaseCurrency returns the currency values are expressed in.
func (v *Valuator) BaseCurrency() string {
	return v.base
}

// Metadata returns the precision of a pair the feed knows.
func (v *Valuator) Metadata(ctx context.Context, pair domain.Pair) (domain.PairMetadata, bool, error) {
	v.mu.RLock()
	entry, ok := v.metadata[pair.Symbol()]
	v.mu.RUnlock()
	if ok {
		return entry.meta, entry.known, nil
	}

	meta, err := v.feed.GetPairMetadata(ctx, pair)
	switch {
	case errors.Is(err, domain.ErrPairNotFound):
		entry = metadataEntry{}
	case err != nil:
		// not cached: a transient failure must not hide a valuation path forever
		return domain.PairMetadata{}, false, errors.Wrapf(err, "get metadata for %s", pair.Symbol())
	default:
		entry = metadataEntry{meta: meta, known: true}
	}

	v.mu.Lock()
	v.metadata[pair.Symbol()] = entry
	v.mu.Unlock()

	return entry.meta, entry.known, nil
}

// resolution is the valuation path of an asset: pairs multiplied in order.
type resolution struct {
	pairs []domain.Pair
	err   error
}

func (r resolution) unvalued() bool {
	if r.err != nil {
		return errors.Is(r.err, domain.ErrNoValuationPath)
	}

	return len(r.pairs) == 0
}

func (v *Valuator) resolve(ctx context.Context, asset string, depth int) resolution {
	if asset == v.base {
		return resolution{}
	}
	if depth >= maxChainDepth {
		return resolution{err: errors.Wrapf(domain.ErrNoValuationPath, "chain for %s is too deep", asset)}
	}

	if p, ok := v.overrides[asset]; ok {
		if p.Quote == v.base {
			return resolution{pairs: []domain.Pair{p}}
		}
		next := v.resolve(ctx, p.Quote, depth+1)
		if next.err != nil {
			return next
		}
		if len(next.pairs) == 0 {
			// the intermediate asset has no path itself
			return resolution{}
		}
		return resolution{pairs: append([]domain.Pair{p}, next.pairs...)}
	}

	canonical := domain.NewPair(asset, v.base)
	_, known, err := v.Metadata(ctx, canonical)
	if err != nil {
		return resolution{pairs: []domain.Pair{canonical}, err: errors.Wrap(domain.ErrPriceUnavailable, err.Error())}
	}
	if known {
		return resolution{pairs: []domain.Pair{canonical}}
	}

	return resolution{}
}

// Quote resolves valuation paths for the assets and fetches every needed price concurrently.
// Failures of single pairs are recorded in the book; only context cancellation fails the call.
func (v *Valuator) Quote(ctx context.Context, assets []string) (*PriceBook, error) {
	book := &PriceBook{
		base:   v.base,
		paths:  make(map[string]resolution, len(assets)),
		prices: make(map[string]domain.Price),
		errs:   make(map[string]error),
	}

	needed := make(map[string]domain.Pair)
	for _, asset := range assets {
		asset = domain.NormalizeAsset(asset)
		if _, ok := book.paths[asset]; ok {
			continue
		}
		res := v.resolve(ctx, asset, 0)
		book.paths[asset] = res
		if res.err != nil {
			continue
		}
		for _, p := range res.pairs {
			needed[p.Symbol()] = p
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for symbol, pair := range needed {
		g.Go(func() error {
			price, err := v.fetch(gctx, pair)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				book.errs[symbol] = err
				return nil
			}
			book.prices[symbol] = price
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	book.takenAt = v.now()

	return book, nil
}

func (v *Valuator) fetch(ctx context.Context, pair domain.Pair) (domain.Price, error) {
	price, err := v.feed.GetLatestPrice(ctx, pair)
	if err != nil {
		v.logger.Warn("price fetch failed", zap.String("pair", pair.Symbol()), zap.Error(err))
		return domain.Price{}, errors.Wrapf(domain.ErrPriceUnavailable, "%s: %v", pair.Symbol(), err)
	}
	if !price.Value.IsPositive() {
		return domain.Price{}, errors.Wrapf(domain.ErrPriceUnavailable, "%s: non-positive price %s", pair.Symbol(), price.Value)
	}
	if v.maxAge > 0 && !price.Time.IsZero() && v.now().Sub(price.Time) > v.maxAge {
		return domain.Price{}, errors.Wrapf(domain.ErrPriceUnavailable, "%s: price is stale since %s",
			pair.Symbol(), price.Time.Format(time.RFC3339))
	}

	return price, nil
}

// ValueAsset values a single amount with fresh prices.
func (v *Valuator) ValueAsset(ctx context.Context, asset string, amount decimal.Decimal) (Valuation, error) {
	book, err := v.Quote(ctx, []string{asset})
	if err != nil {
		return Valuation{}, err
	}

	return book.ValueAsset(asset, amount), nil
}
