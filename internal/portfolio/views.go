package portfolio

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/martibooks/internal/domain"
	"github.com/vadiminshakov/martibooks/internal/ledger"
	"github.com/vadiminshakov/martibooks/internal/reconcile"
)

// Phase of the sync state machine.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseSyncing      Phase = "syncing"
	PhaseReconciling  Phase = "reconciling"
	PhaseSnapshotting Phase = "snapshotting"
	PhaseFailed       Phase = "failed"
)

// SyncSummary reports what a sync changed.
type SyncSummary struct {
	CycleID       string             `json:"cycle_id"`
	NewTrades     int                `json:"new_trades"`
	NewCashFlows  int                `json:"new_cash_flows"`
	Duplicates    int                `json:"duplicates"`
	Rejected      []ledger.Rejection `json:"rejected,omitempty"`
	DriftDetected bool               `json:"drift_detected"`
	SnapshotID    string             `json:"snapshot_id,omitempty"`
	FinishedAt    time.Time          `json:"finished_at"`
}

// StatusView describes the service state machine.
type StatusView struct {
	Phase         Phase        `json:"phase"`
	LastSync      *SyncSummary `json:"last_sync,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	LastErrorAt   *time.Time   `json:"last_error_at,omitempty"`
	DriftDetected bool         `json:"drift_detected"`
	LedgerEntries int          `json:"ledger_entries"`
	HighWaterMark ledger.Mark  `json:"high_water_mark"`
}

// EquityView is the valued portfolio.
type EquityView struct {
	AsOf                    time.Time                  `json:"as_of"`
	BaseCurrency            string                     `json:"base_currency"`
	EquityBase              decimal.Decimal            `json:"equity_base"`
	CashBase                decimal.Decimal            `json:"cash_base"`
	RealizedPnlBase         decimal.Decimal            `json:"realized_pnl_base"`
	UnrealizedPnlBase       decimal.Decimal            `json:"unrealized_pnl_base"`
	RealizedPnlBaseByPair   map[string]decimal.Decimal `json:"realized_pnl_base_by_pair"`
	UnrealizedPnlBaseByPair map[string]decimal.Decimal `json:"unrealized_pnl_base_by_pair"`
	NetCashFlowBase         decimal.Decimal            `json:"net_cash_flow_base"`
	AssetValuations         []domain.AssetValuation    `json:"asset_valuations"`
	UnvaluedAssets          []string                   `json:"unvalued_assets,omitempty"`
	PriceUnavailableAssets  []string                   `json:"price_unavailable_assets,omitempty"`
	DriftDetected           bool                       `json:"drift_detected"`
}

// Complete reports whether every held asset was valued.
func (v EquityView) Complete() bool {
	return len(v.UnvaluedAssets) == 0 && len(v.PriceUnavailableAssets) == 0
}

// Snapshot converts the view into a persisted snapshot.
func (v EquityView) Snapshot(id string) domain.PortfolioSnapshot {
	return domain.PortfolioSnapshot{
		ID:                      id,
		Timestamp:               v.AsOf,
		BaseCurrency:            v.BaseCurrency,
		EquityBase:              v.EquityBase,
		CashBase:                v.CashBase,
		AssetValuations:         v.AssetValuations,
		RealizedPnlBaseTotal:    v.RealizedPnlBase,
		UnrealizedPnlBaseTotal:  v.UnrealizedPnlBase,
		RealizedPnlBaseByPair:   v.RealizedPnlBaseByPair,
		UnrealizedPnlBaseByPair: v.UnrealizedPnlBaseByPair,
		NetCashFlowBase:         v.NetCashFlowBase,
		DriftDetected:           v.DriftDetected,
	}
}

// AssetExposure is the share of equity held in one asset.
type AssetExposure struct {
	Asset            string          `json:"asset"`
	Amount           decimal.Decimal `json:"amount"`
	ValueBase        decimal.Decimal `json:"value_base"`
	Weight           decimal.Decimal `json:"weight"`
	SourcePair       string          `json:"source_pair,omitempty"`
	Unvalued         bool            `json:"unvalued,omitempty"`
	PriceUnavailable bool            `json:"price_unavailable,omitempty"`
}

// FeeSummary aggregates trading fees.
type FeeSummary struct {
	BaseCurrency string                     `json:"base_currency"`
	TotalBase    decimal.Decimal            `json:"total_base"`
	ByAsset      map[string]decimal.Decimal `json:"by_asset"`
	ByPairBase   map[string]decimal.Decimal `json:"by_pair_base"`
	Trades       int                        `json:"trades"`
}

// PnlSummary aggregates realized PnL by strategy tag.
type PnlSummary struct {
	BaseCurrency      string                     `json:"base_currency"`
	IncludesManual    bool                       `json:"includes_manual"`
	RealizedPnlBase   decimal.Decimal            `json:"realized_pnl_base"`
	UnrealizedPnlBase decimal.Decimal            `json:"unrealized_pnl_base"`
	ByStrategy        map[string]decimal.Decimal `json:"by_strategy"`
	ByPair            map[string]decimal.Decimal `json:"by_pair"`
	Records           int                        `json:"records"`
	EstimatedRecords  int                        `json:"estimated_records"`
}

// DriftView is the persistent reconciliation status.
type DriftView struct {
	reconcile.Status
}
