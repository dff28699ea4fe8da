package reconcile

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the persistent drift state. Drift is raised by any check and cleared only
// by a conclusive one.
type Status struct {
	DriftDetected        bool            `json:"drift_detected"`
	CheckedAt            time.Time       `json:"checked_at"`
	TotalDiscrepancyBase decimal.Decimal `json:"total_discrepancy_base"`
	LastReport           *Report         `json:"last_report,omitempty"`
}

// Update returns the status after a completed check. An inconclusive report that
// does not raise drift keeps the previous flag.
func (s Status) Update(r Report) Status {
	report := r
	drift := r.DriftFlag
	if !drift && r.Inconclusive {
		drift = s.DriftDetected
	}

	return Status{
		DriftDetected:        drift,
		CheckedAt:            r.CheckedAt,
		TotalDiscrepancyBase: r.TotalDiscrepancyBase,
		LastReport:           &report,
	}
}

// Checked reports whether any check completed yet.
func (s Status) Checked() bool {
	return !s.CheckedAt.IsZero()
}
