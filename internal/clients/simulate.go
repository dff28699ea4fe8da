package clients

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/martibooks/internal/domain"
)

// Simulate is an in-memory spot exchange. It serves as exchange client, cash ledger
// and price feed at once, so the whole accounting pipeline runs without network access.
type Simulate struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	feeRate decimal.Decimal
	wallet  map[string]decimal.Decimal
	prices  map[string]decimal.Decimal
	meta    map[string]domain.PairMetadata
	trades  []domain.ExchangeTrade
	flows   []domain.CashFlow
	now     func() time.Time
}

// NewSimulate creates an empty simulated account. Fees are charged in the quote asset.
func NewSimulate(feeRate decimal.Decimal, logger *zap.Logger) *Simulate {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Simulate{
		logger:  logger,
		feeRate: feeRate,
		wallet:  make(map[string]decimal.Decimal),
		prices:  make(map[string]decimal.Decimal),
		meta:    make(map[string]domain.PairMetadata),
		now:     time.Now,
	}
}

// SetPrice sets the ticker of a pair and its precision.
func (s *Simulate) SetPrice(pair domain.Pair, price decimal.Decimal, md domain.PairMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[pair.Symbol()] = price
	s.meta[pair.Symbol()] = md
}

// Deposit credits the account and records the cash flow.
func (s *Simulate) Deposit(asset string, amount decimal.Decimal) (domain.CashFlow, error) {
	cf := domain.CashFlow{
		ID:     uuid.NewString(),
		Time:   s.now().UTC(),
		Asset:  domain.NormalizeAsset(asset),
		Amount: amount,
		Type:   domain.CashFlowDeposit,
	}
	if err := s.RecordCashFlow(cf); err != nil {
		return domain.CashFlow{}, err
	}

	return cf, nil
}

// RecordCashFlow books a cash movement as reported by the exchange.
func (s *Simulate) RecordCashFlow(cf domain.CashFlow) error {
	if err := cf.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallet[cf.Asset] = s.wallet[cf.Asset].Add(cf.Amount)
	s.flows = append(s.flows, cf)

	return nil
}

// Buy fills a market buy of amount base units at the current price.
func (s *Simulate) Buy(ctx context.Context, pair domain.Pair, amount decimal.Decimal, clientOrderID string) (domain.ExchangeTrade, error) {
	return s.market(ctx, pair, domain.SideBuy, amount, clientOrderID)
}

// Sell fills a market sell of amount base units at the current price.
func (s *Simulate) Sell(ctx context.Context, pair domain.Pair, amount decimal.Decimal, clientOrderID string) (domain.ExchangeTrade, error) {
	return s.market(ctx, pair, domain.SideSell, amount, clientOrderID)
}

func (s *Simulate) market(ctx context.Context, pair domain.Pair, side domain.Side, amount decimal.Decimal, clientOrderID string) (domain.ExchangeTrade, error) {
	if err := ctx.Err(); err != nil {
		return domain.ExchangeTrade{}, err
	}
	if !amount.IsPositive() {
		return domain.ExchangeTrade{}, errors.Errorf("%s amount must be positive, got %s", side, amount.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[pair.Symbol()]
	if !ok {
		return domain.ExchangeTrade{}, errors.Wrap(domain.ErrPairNotFound, pair.Symbol())
	}
	notional := amount.Mul(price)
	fee := notional.Mul(s.feeRate)

	switch side {
	case domain.SideBuy:
		if need := notional.Add(fee); s.wallet[pair.Quote].LessThan(need) {
			return domain.ExchangeTrade{}, errors.Errorf("insufficient %s balance: have %s need %s",
				pair.Quote, s.wallet[pair.Quote].String(), need.String())
		}
	case domain.SideSell:
		if s.wallet[pair.Base].LessThan(amount) {
			return domain.ExchangeTrade{}, errors.Errorf("insufficient %s balance: have %s need %s",
				pair.Base, s.wallet[pair.Base].String(), amount.String())
		}
	}

	trade := domain.ExchangeTrade{
		ID:            uuid.NewString(),
		OrderID:       uuid.NewString(),
		ClientOrderID: clientOrderID,
		Pair:          pair,
		Side:          string(side),
		Price:         price.String(),
		Quantity:      amount.String(),
		QuoteQuantity: notional.String(),
		Fee:           fee.String(),
		FeeAsset:      pair.Quote,
		Time:          s.now().UTC(),
	}
	if err := s.apply(trade); err != nil {
		return domain.ExchangeTrade{}, err
	}

	s.logger.Info("Simulated fill executed",
		zap.String("id", trade.ID),
		zap.String("pair", pair.String()),
		zap.String("side", trade.Side),
		zap.String("amount", trade.Quantity),
		zap.String("price", trade.Price))

	return trade, nil
}

// apply moves the wallet by a fill and records it. Callers hold the lock.
func (s *Simulate) apply(t domain.ExchangeTrade) error {
	qty, err := decimal.NewFromString(t.Quantity)
	if err != nil {
		return errors.Wrapf(err, "trade %s quantity", t.ID)
	}
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return errors.Wrapf(err, "trade %s price", t.ID)
	}
	notional := qty.Mul(price)
	if t.QuoteQuantity != "" {
		if notional, err = decimal.NewFromString(t.QuoteQuantity); err != nil {
			return errors.Wrapf(err, "trade %s quote quantity", t.ID)
		}
	}
	fee := decimal.Zero
	if t.Fee != "" {
		if fee, err = decimal.NewFromString(t.Fee); err != nil {
			return errors.Wrapf(err, "trade %s fee", t.ID)
		}
	}
	side, err := domain.ParseSide(t.Side)
	if err != nil {
		return errors.Wrapf(err, "trade %s", t.ID)
	}

	if side == domain.SideSell {
		qty, notional = qty.Neg(), notional.Neg()
	}
	s.wallet[t.Pair.Base] = s.wallet[t.Pair.Base].Add(qty)
	s.wallet[t.Pair.Quote] = s.wallet[t.Pair.Quote].Sub(notional)
	if fee.IsPositive() {
		feeAsset := domain.NormalizeAsset(t.FeeAsset)
		if feeAsset == "" {
			feeAsset = t.Pair.Quote
		}
		s.wallet[feeAsset] = s.wallet[feeAsset].Sub(fee)
	}
	s.trades = append(s.trades, t)

	return nil
}

// GetBalances implements portfolio.ExchangeClient.
func (s *Simulate) GetBalances(ctx context.Context) ([]domain.AssetBalance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AssetBalance, 0, len(s.wallet))
	for asset, v := range s.wallet {
		if v.IsZero() {
			continue
		}
		out = append(out, domain.NewAssetBalance(asset, v, decimal.Zero))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })

	return out, nil
}

// GetTradeHistory implements portfolio.ExchangeClient.
func (s *Simulate) GetTradeHistory(ctx context.Context, since time.Time) ([]domain.ExchangeTrade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ExchangeTrade
	for _, t := range s.trades {
		if !t.Time.Before(since) {
			out = append(out, t)
		}
	}

	return out, nil
}

// GetCashLedgerEntries implements portfolio.CashLedger.
func (s *Simulate) GetCashLedgerEntries(ctx context.Context, since time.Time) ([]domain.CashFlow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.CashFlow
	for _, cf := range s.flows {
		if !cf.Time.Before(since) {
			out = append(out, cf)
		}
	}

	return out, nil
}

// GetLatestPrice implements valuation.PriceFeed.
func (s *Simulate) GetLatestPrice(ctx context.Context, pair domain.Pair) (domain.Price, error) {
	if err := ctx.Err(); err != nil {
		return domain.Price{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[pair.Symbol()]
	if !ok {
		return domain.Price{}, errors.Wrap(domain.ErrPairNotFound, pair.Symbol())
	}

	return domain.Price{Value: price, Time: s.now()}, nil
}

// GetPairMetadata implements valuation.PriceFeed.
func (s *Simulate) GetPairMetadata(ctx context.Context, pair domain.Pair) (domain.PairMetadata, error) {
	if err := ctx.Err(); err != nil {
		return domain.PairMetadata{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	md, ok := s.meta[pair.Symbol()]
	if !ok {
		return domain.PairMetadata{}, errors.Wrap(domain.ErrPairNotFound, pair.Symbol())
	}

	return md, nil
}

type replayFile struct {
	FeeRate   string           `yaml:"fee_rate"`
	Prices    []replayPrice    `yaml:"prices"`
	CashFlows []replayCashFlow `yaml:"cash_flows"`
	Trades    []replayTrade    `yaml:"trades"`
}

type replayPrice struct {
	Pair           string `yaml:"pair"`
	Price          string `yaml:"price"`
	PriceDecimals  int32  `yaml:"price_decimals"`
	VolumeDecimals int32  `yaml:"volume_decimals"`
}

type replayCashFlow struct {
	ID     string    `yaml:"id"`
	Time   time.Time `yaml:"time"`
	Asset  string    `yaml:"asset"`
	Amount string    `yaml:"amount"`
	Type   string    `yaml:"type"`
	Note   string    `yaml:"note"`
}

type replayTrade struct {
	ID            string    `yaml:"id"`
	ClientOrderID string    `yaml:"client_order_id"`
	Pair          string    `yaml:"pair"`
	Side          string    `yaml:"side"`
	Price         string    `yaml:"price"`
	Quantity      string    `yaml:"quantity"`
	Fee           string    `yaml:"fee"`
	FeeAsset      string    `yaml:"fee_asset"`
	Time          time.Time `yaml:"time"`
}

// LoadSimulate builds a simulated account from a YAML replay file of prices, cash flows and fills.
func LoadSimulate(path string, logger *zap.Logger) (*Simulate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read replay file %s", path)
	}

	return ParseSimulate(data, logger)
}

// ParseSimulate builds a simulated account from replay YAML.
func ParseSimulate(data []byte, logger *zap.Logger) (*Simulate, error) {
	var rf replayFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, errors.Wrap(err, "parse replay file")
	}

	feeRate := decimal.Zero
	if rf.FeeRate != "" {
		var err error
		if feeRate, err = decimal.NewFromString(rf.FeeRate); err != nil {
			return nil, errors.Wrap(err, "invalid fee_rate")
		}
	}
	sim := NewSimulate(feeRate, logger)

	for _, p := range rf.Prices {
		pair, err := domain.ParsePair(p.Pair)
		if err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid price for %s", p.Pair)
		}
		sim.SetPrice(pair, price, domain.PairMetadata{PriceDecimals: p.PriceDecimals, VolumeDecimals: p.VolumeDecimals})
	}

	for _, c := range rf.CashFlows {
		amount, err := decimal.NewFromString(c.Amount)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid amount of cash flow %s", c.ID)
		}
		cf := domain.CashFlow{
			ID:     c.ID,
			Time:   c.Time.UTC(),
			Asset:  domain.NormalizeAsset(c.Asset),
			Amount: amount,
			Type:   domain.CashFlowType(c.Type),
			Note:   c.Note,
		}
		if cf.ID == "" {
			cf.ID = uuid.NewString()
		}
		if err := sim.RecordCashFlow(cf); err != nil {
			return nil, err
		}
	}

	sim.mu.Lock()
	defer sim.mu.Unlock()
	for _, t := range rf.Trades {
		pair, err := domain.ParsePair(t.Pair)
		if err != nil {
			return nil, err
		}
		trade := domain.ExchangeTrade{
			ID:            t.ID,
			OrderID:       t.ID,
			ClientOrderID: t.ClientOrderID,
			Pair:          pair,
			Side:          t.Side,
			Price:         t.Price,
			Quantity:      t.Quantity,
			Fee:           t.Fee,
			FeeAsset:      t.FeeAsset,
			Time:          t.Time.UTC(),
		}
		if trade.ID == "" {
			trade.ID = uuid.NewString()
			trade.OrderID = trade.ID
		}
		if err := sim.apply(trade); err != nil {
			return nil, err
		}
	}

	return sim, nil
}
