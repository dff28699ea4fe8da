package clients

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/martibooks/internal/domain"
)

const (
	binanceTradesPageLimit = 1000
	binanceTradesWindow    = 24 * time.Hour
	binanceInvalidSymbol   = -1121
	binanceOrderNotFound   = -2013
	binanceBadSignature    = -1022
	binanceBadAPIKeyFormat = -2014
	binanceRejectedAPIKey  = -2015
	binanceWithdrawTimeFmt = "2006-01-02 15:04:05"

	binanceDepositSuccess    = 1
	binanceDepositCredited   = 6
	binanceWithdrawCompleted = 6
)

// NewBinanceClient creates an authenticated go-binance client.
func NewBinanceClient(apiKey, apiSecret string) *binance.Client {
	client := binance.NewClient(apiKey, apiSecret)
	return client
}

// Binance reads the spot account: balances, fills of the configured pairs, deposits,
// withdrawals and ticker prices. It never places orders.
type Binance struct {
	client *binance.Client
	pairs  map[string]domain.Pair
	logger *zap.Logger
	now    func() time.Time

	mu           sync.Mutex
	clientOrders map[string]string
}

// NewBinance wraps a go-binance client. Trade history is fetched for the given pairs.
func NewBinance(client *binance.Client, pairs []domain.Pair, logger *zap.Logger) *Binance {
	if logger == nil {
		logger = zap.NewNop()
	}
	bySymbol := make(map[string]domain.Pair, len(pairs))
	for _, p := range pairs {
		bySymbol[p.Symbol()] = p
	}

	return &Binance{
		client:       client,
		pairs:        bySymbol,
		logger:       logger,
		now:          time.Now,
		clientOrders: make(map[string]string),
	}
}

// GetBalances returns every non-empty spot balance; locked funds are reported as reserved.
func (b *Binance) GetBalances(ctx context.Context) ([]domain.AssetBalance, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get binance account balance")
	}

	out := make([]domain.AssetBalance, 0, len(account.Balances))
	for _, balance := range account.Balances {
		free, err := decimal.NewFromString(balance.Free)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse free balance of %s", balance.Asset)
		}
		locked, err := decimal.NewFromString(balance.Locked)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse locked balance of %s", balance.Asset)
		}
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out = append(out, domain.NewAssetBalance(balance.Asset, free, locked))
	}

	return out, nil
}

// GetTradeHistory returns fills at or after since for every configured pair.
func (b *Binance) GetTradeHistory(ctx context.Context, since time.Time) ([]domain.ExchangeTrade, error) {
	var out []domain.ExchangeTrade
	for symbol, pair := range b.pairs {
		trades, err := b.symbolTrades(ctx, symbol, since)
		if err != nil {
			return nil, err
		}
		for _, t := range trades {
			clientOrderID, err := b.clientOrderID(ctx, symbol, t.OrderID)
			if err != nil {
				return nil, err
			}
			side := string(binance.SideTypeSell)
			if t.IsBuyer {
				side = string(binance.SideTypeBuy)
			}
			out = append(out, domain.ExchangeTrade{
				ID:            symbol + "-" + strconv.FormatInt(t.ID, 10),
				OrderID:       strconv.FormatInt(t.OrderID, 10),
				ClientOrderID: clientOrderID,
				Pair:          pair,
				Side:          side,
				Price:         t.Price,
				Quantity:      t.Quantity,
				QuoteQuantity: t.QuoteQuantity,
				Fee:           t.Commission,
				FeeAsset:      t.CommissionAsset,
				Time:          time.UnixMilli(t.Time).UTC(),
			})
		}
	}

	return out, nil
}

// symbolTrades pages forward through myTrades by trade id. Without since it starts at the
// first trade of the account; otherwise the first id at or after since is located by
// scanning day-long windows, the longest span myTrades accepts.
func (b *Binance) symbolTrades(ctx context.Context, symbol string, since time.Time) ([]*binance.TradeV3, error) {
	fromID := int64(0)
	if !since.IsZero() {
		first, found, err := b.firstTradeID(ctx, symbol, since)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		fromID = first
	}

	var all []*binance.TradeV3
	for {
		page, err := b.client.NewListTradesService().Symbol(symbol).
			FromID(fromID).
			Limit(binanceTradesPageLimit).
			Do(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list binance trades for %s from %d", symbol, fromID)
		}
		all = append(all, page...)
		if len(page) < binanceTradesPageLimit {
			break
		}
		fromID = page[len(page)-1].ID + 1
	}

	if since.IsZero() {
		return all, nil
	}
	out := all[:0]
	for _, t := range all {
		if t.Time >= since.UnixMilli() {
			out = append(out, t)
		}
	}

	return out, nil
}

// firstTradeID finds the id of the earliest trade at or after since.
func (b *Binance) firstTradeID(ctx context.Context, symbol string, since time.Time) (int64, bool, error) {
	now := b.now()
	for start := since; !start.After(now); start = start.Add(binanceTradesWindow) {
		end := start.Add(binanceTradesWindow - time.Millisecond)
		page, err := b.client.NewListTradesService().Symbol(symbol).
			StartTime(start.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(1).
			Do(ctx)
		if err != nil {
			return 0, false, errors.Wrapf(err, "failed to list binance trades for %s at %s", symbol, start.Format(time.RFC3339))
		}
		if len(page) > 0 {
			return page[0].ID, true, nil
		}
	}

	return 0, false, nil
}

// clientOrderID looks up the client order id of an order. Orders never change it, so
// lookups are cached; unknown orders resolve to an empty id.
func (b *Binance) clientOrderID(ctx context.Context, symbol string, orderID int64) (string, error) {
	key := symbol + "-" + strconv.FormatInt(orderID, 10)

	b.mu.Lock()
	id, ok := b.clientOrders[key]
	b.mu.Unlock()
	if ok {
		return id, nil
	}

	order, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		if apiErr, ok := err.(*common.APIError); ok && apiErr.Code == binanceOrderNotFound {
			b.logger.Debug("order not found, trade will be tagged manual", zap.String("order", key))
			return "", nil
		}
		return "", errors.Wrapf(err, "failed to get binance order %s", key)
	}

	b.mu.Lock()
	b.clientOrders[key] = order.ClientOrderID
	b.mu.Unlock()

	return order.ClientOrderID, nil
}

// GetCashLedgerEntries returns completed deposits and withdrawals at or after since.
// Withdrawal fees are folded into the outflow.
func (b *Binance) GetCashLedgerEntries(ctx context.Context, since time.Time) ([]domain.CashFlow, error) {
	depositSvc := b.client.NewListDepositsService()
	withdrawSvc := b.client.NewListWithdrawsService()
	if !since.IsZero() {
		depositSvc = depositSvc.StartTime(since.UnixMilli())
		withdrawSvc = withdrawSvc.StartTime(since.UnixMilli())
	}

	deposits, err := depositSvc.Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list binance deposits")
	}
	var out []domain.CashFlow
	for _, dep := range deposits {
		if dep.Status != binanceDepositSuccess && dep.Status != binanceDepositCredited {
			continue
		}
		amount, err := decimal.NewFromString(dep.Amount)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse deposit %s amount", dep.TxID)
		}
		out = append(out, domain.CashFlow{
			ID:     "deposit-" + dep.TxID,
			Time:   time.UnixMilli(dep.InsertTime).UTC(),
			Asset:  dep.Coin,
			Amount: amount,
			Type:   domain.CashFlowDeposit,
			Note:   dep.Network,
		})
	}

	withdrawals, err := withdrawSvc.Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list binance withdrawals")
	}
	for _, w := range withdrawals {
		if w.Status != binanceWithdrawCompleted {
			continue
		}
		amount, err := decimal.NewFromString(w.Amount)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse withdrawal %s amount", w.ID)
		}
		fee := decimal.Zero
		if w.TransactionFee != "" {
			if fee, err = decimal.NewFromString(w.TransactionFee); err != nil {
				return nil, errors.Wrapf(err, "failed to parse withdrawal %s fee", w.ID)
			}
		}
		at, err := time.ParseInLocation(binanceWithdrawTimeFmt, w.ApplyTime, time.UTC)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse withdrawal %s time", w.ID)
		}
		out = append(out, domain.CashFlow{
			ID:     "withdrawal-" + w.ID,
			Time:   at,
			Asset:  w.Coin,
			Amount: amount.Add(fee).Neg(),
			Type:   domain.CashFlowWithdrawal,
			Note:   "fee " + fee.String(),
		})
	}

	return out, nil
}

// GetLatestPrice fetches the ticker price of a pair.
func (b *Binance) GetLatestPrice(ctx context.Context, pair domain.Pair) (domain.Price, error) {
	prices, err := b.client.NewListPricesService().Symbol(pair.Symbol()).Do(ctx)
	if err != nil {
		if isInvalidSymbol(err) {
			return domain.Price{}, errors.Wrap(domain.ErrPairNotFound, pair.Symbol())
		}
		return domain.Price{}, errors.Wrapf(err, "failed to get binance price for %s", pair.Symbol())
	}
	if len(prices) == 0 {
		return domain.Price{}, errors.Errorf("binance API returned empty prices for %s", pair.String())
	}

	value, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return domain.Price{}, errors.Wrapf(err, "failed to parse binance price for %s", pair.Symbol())
	}

	return domain.Price{Value: value, Time: b.now()}, nil
}

// GetPairMetadata reads the tick and lot step of a symbol from exchange info.
func (b *Binance) GetPairMetadata(ctx context.Context, pair domain.Pair) (domain.PairMetadata, error) {
	info, err := b.client.NewExchangeInfoService().Symbol(pair.Symbol()).Do(ctx)
	if err != nil {
		if isInvalidSymbol(err) {
			return domain.PairMetadata{}, errors.Wrap(domain.ErrPairNotFound, pair.Symbol())
		}
		return domain.PairMetadata{}, errors.Wrapf(err, "failed to get binance exchange info for %s", pair.Symbol())
	}

	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != pair.Symbol() {
			continue
		}
		md := domain.PairMetadata{
			PriceDecimals:  int32(s.QuotePrecision),
			VolumeDecimals: int32(s.BaseAssetPrecision),
		}
		if f := s.PriceFilter(); f != nil {
			md.PriceDecimals = stepDecimals(f.TickSize)
		}
		if f := s.LotSizeFilter(); f != nil {
			md.VolumeDecimals = stepDecimals(f.StepSize)
		}
		return md, nil
	}

	return domain.PairMetadata{}, errors.Wrap(domain.ErrPairNotFound, pair.Symbol())
}

// Retryable reports whether an exchange call may succeed when repeated. Rejected
// credentials, bad signatures and unknown symbols fail the same way every time.
func Retryable(err error) bool {
	if errors.Is(err, domain.ErrPairNotFound) {
		return false
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	switch apiErr.Code {
	case binanceBadSignature, binanceBadAPIKeyFormat, binanceRejectedAPIKey, binanceInvalidSymbol:
		return false
	default:
		return true
	}
}

func isInvalidSymbol(err error) bool {
	apiErr, ok := err.(*common.APIError)
	return ok && apiErr.Code == binanceInvalidSymbol
}

// stepDecimals converts a step like "0.00100000" into 3.
func stepDecimals(step string) int32 {
	trimmed := strings.TrimRight(strings.TrimRight(step, "0"), ".")
	v, err := decimal.NewFromString(trimmed)
	if err != nil || v.Exponent() >= 0 {
		return 0
	}

	return -v.Exponent()
}
