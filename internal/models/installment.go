package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type InstallmentState string

// InstallmentRefinanced marks an installment replaced by a refinanced schedule.
// Its amount is cut down to what was paid on it before the refinance.
const (
	InstallmentPending    InstallmentState = "pending"
	InstallmentDueToday   InstallmentState = "due_today"
	InstallmentOverdue    InstallmentState = "overdue"
	InstallmentPaid       InstallmentState = "paid"
	InstallmentPrepaid    InstallmentState = "prepaid"
	InstallmentRefinanced InstallmentState = "refinanced"
)

// Outstanding reports whether an installment still counts against the loan
func (s InstallmentState) Outstanding() bool {
	return s == InstallmentPending || s == InstallmentDueToday || s == InstallmentOverdue
}

// Settled reports whether no more money is expected for the installment
func (s InstallmentState) Settled() bool {
	return s == InstallmentPaid || s == InstallmentPrepaid || s == InstallmentRefinanced
}

// Installment represents a scheduled payment of a loan
type Installment struct {
	ID                 int64            `json:"id"`
	LoanID             int64            `json:"loan_id"`
	Number             int              `json:"number"`
	Amount             decimal.Decimal  `json:"amount"`
	Capital            decimal.Decimal  `json:"capital"`
	OtherCharges       decimal.Decimal  `json:"other_charges"`
	Interest           decimal.Decimal  `json:"interest"`
	DueDate            time.Time        `json:"due_date"`
	State              InstallmentState `json:"state"`
	OverdueDays        int              `json:"overdue_days"`
	LateCharge         decimal.Decimal  `json:"late_charge"`
	SurchargeApplied   bool             `json:"surcharge_applied"`
	SurchargeAppliedAt *time.Time       `json:"surcharge_applied_at,omitempty"`
	LateFeeApplied     bool             `json:"late_fee_applied"`
	LateFeeAppliedAt   *time.Time       `json:"late_fee_applied_at,omitempty"`
	ReducedPercent     decimal.Decimal  `json:"reduced_percent"`
	ReductionApplied   bool             `json:"reduction_applied"`
	Notes              string           `json:"notes,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// AddNote appends an audit note
func (i *Installment) AddNote(note string) {
	if strings.TrimSpace(i.Notes) == "" {
		i.Notes = note
		return
	}
	i.Notes += "; " + note
}
