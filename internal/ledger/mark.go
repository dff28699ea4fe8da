package ledger

import (
	"time"

	"github.com/vadiminshakov/martibooks/internal/domain"
)

// Mark is the high-water mark of ingested entries. It only moves forward.
type Mark struct {
	TradeTime    time.Time `json:"trade_time"`
	TradeID      string    `json:"trade_id,omitempty"`
	CashFlowTime time.Time `json:"cash_flow_time"`
	CashFlowID   string    `json:"cash_flow_id,omitempty"`
}

// IsZero reports whether nothing was ingested yet.
func (m Mark) IsZero() bool {
	return m.TradeTime.IsZero() && m.CashFlowTime.IsZero()
}

// Max returns the later of two marks, field group by field group.
func (m Mark) Max(other Mark) Mark {
	if after(other.TradeTime, other.TradeID, m.TradeTime, m.TradeID) {
		m.TradeTime, m.TradeID = other.TradeTime, other.TradeID
	}
	if after(other.CashFlowTime, other.CashFlowID, m.CashFlowTime, m.CashFlowID) {
		m.CashFlowTime, m.CashFlowID = other.CashFlowTime, other.CashFlowID
	}

	return m
}

func (m Mark) withTrade(t *domain.Trade) Mark {
	if after(t.Time, t.ID, m.TradeTime, m.TradeID) {
		m.TradeTime, m.TradeID = t.Time, t.ID
	}

	return m
}

func (m Mark) withCashFlow(c *domain.CashFlow) Mark {
	if after(c.Time, c.ID, m.CashFlowTime, m.CashFlowID) {
		m.CashFlowTime, m.CashFlowID = c.Time, c.ID
	}

	return m
}

func after(t time.Time, id string, markTime time.Time, markID string) bool {
	if !t.Equal(markTime) {
		return t.After(markTime)
	}

	return id > markID
}
