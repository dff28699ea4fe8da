package ledger

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/martibooks/internal/domain"
)

// Parser converts exchange fills into validated ledger trades.
type Parser struct {
	normalizer domain.AssetNormalizer
	tags       TagResolver
}

// NewParser creates a parser.
func NewParser(normalizer domain.AssetNormalizer, tags TagResolver) *Parser {
	return &Parser{normalizer: normalizer, tags: tags}
}

// ParseTrade parses and validates a fill. Errors wrap domain.ErrMalformedTrade.
func (p *Parser) ParseTrade(raw domain.ExchangeTrade) (domain.Trade, error) {
	side, err := domain.ParseSide(raw.Side)
	if err != nil {
		return domain.Trade{}, errors.Wrapf(domain.ErrMalformedTrade, "trade %s: %v", raw.ID, err)
	}

	price, err := parseDecimal(raw.ID, "price", raw.Price, true)
	if err != nil {
		return domain.Trade{}, err
	}
	qty, err := parseDecimal(raw.ID, "quantity", raw.Quantity, true)
	if err != nil {
		return domain.Trade{}, err
	}
	quoteQty, err := parseDecimal(raw.ID, "quote quantity", raw.QuoteQuantity, false)
	if err != nil {
		return domain.Trade{}, err
	}
	fee, err := parseDecimal(raw.ID, "fee", raw.Fee, false)
	if err != nil {
		return domain.Trade{}, err
	}

	trade := domain.Trade{
		ID:            strings.TrimSpace(raw.ID),
		OrderID:       raw.OrderID,
		Pair:          p.normalizer.Pair(raw.Pair),
		Side:          side,
		Price:         price,
		Quantity:      qty,
		QuoteQuantity: quoteQty,
		FeeAmount:     fee,
		Time:          raw.Time.UTC(),
		Tag:           p.tags.Resolve(raw.ClientOrderID),
	}
	if raw.FeeAsset != "" {
		trade.FeeAsset = p.normalizer.Normalize(raw.FeeAsset)
	}

	if err := trade.Validate(); err != nil {
		return domain.Trade{}, err
	}

	return trade, nil
}

// NormalizeCashFlow canonicalizes the asset code of a cash flow entry.
func (p *Parser) NormalizeCashFlow(cf domain.CashFlow) domain.CashFlow {
	cf.Asset = p.normalizer.Normalize(cf.Asset)
	cf.Time = cf.Time.UTC()

	return cf
}

func parseDecimal(id, field, value string, required bool) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		if required {
			return decimal.Zero, errors.Wrapf(domain.ErrMalformedTrade, "trade %s: missing %s", id, field)
		}
		return decimal.Zero, nil
	}

	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, errors.Wrapf(domain.ErrMalformedTrade, "trade %s: invalid %s %q", id, field, value)
	}

	return d, nil
}
