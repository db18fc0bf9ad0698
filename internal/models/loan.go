package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Frequency is how often installments fall due
type Frequency string

const (
	FrequencyWeekly     Frequency = "weekly"
	FrequencyBiweekly14 Frequency = "biweekly14"
	FrequencyBiweekly15 Frequency = "biweekly15"
	FrequencyMonthly    Frequency = "monthly"
)

// Valid reports whether f is a known frequency
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyBiweekly14, FrequencyBiweekly15, FrequencyMonthly:
		return true
	}
	return false
}

// Modality tells how a loan was originated
type Modality string

const (
	ModalityNew Modality = "new"
	// ModalityRCS rolls the unpaid tail of an active loan into a new one.
	ModalityRCS Modality = "RCS"
	// ModalityRSS marks a refinanced loan.
	ModalityRSS Modality = "RSS"
)

type LoanStatus string

const (
	LoanActive    LoanStatus = "active"
	LoanCancelled LoanStatus = "cancelled"
)

// DisbursementSource is where the disbursed money came from
type DisbursementSource string

const (
	DisbursedCurrentAccount DisbursementSource = "current_account"
	DisbursedPettyCash      DisbursementSource = "petty_cash"
)

// Loan represents a loan granted to a client
type Loan struct {
	ID               int64              `json:"id"`
	ClientID         int64              `json:"client_id"`
	AdvisorID        int64              `json:"advisor_id"`
	GroupID          *int64             `json:"group_id,omitempty"`
	ProductID        *int64             `json:"product_id,omitempty"`
	Principal        decimal.Decimal    `json:"principal"`
	InterestRate     decimal.Decimal    `json:"interest_rate"` // percent
	Total            decimal.Decimal    `json:"total"`
	InstallmentCount int                `json:"installment_count"`
	InstallmentValue decimal.Decimal    `json:"installment_value"`
	Frequency        Frequency          `json:"frequency"`
	Modality         Modality           `json:"modality"`
	StartDate        time.Time          `json:"start_date"`
	GenerationDate   time.Time          `json:"generation_date"`
	DisbursedFrom    DisbursementSource `json:"disbursed_from,omitempty"`
	Status           LoanStatus         `json:"status"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// HistoryState is a lifecycle state recorded in the loan state history
type HistoryState string

const (
	HistoryCurrent     HistoryState = "current"
	HistoryCancelled   HistoryState = "cancelled"
	HistoryRefinanced  HistoryState = "refinanced"
	HistoryOverdue     HistoryState = "overdue"
	HistoryRescheduled HistoryState = "rescheduled"
)

// LoanState is one row of a loan's append-only state history.
// The row with the greatest ID is the loan's current state.
type LoanState struct {
	ID              int64        `json:"id"`
	LoanID          int64        `json:"loan_id"`
	State           HistoryState `json:"state"`
	RescheduleCount int          `json:"reschedule_count"`
	RefinanceCount  int          `json:"refinance_count"`
	UpdatedOn       time.Time    `json:"updated_on"`
	Observation     string       `json:"observation,omitempty"`
	UserID          int64        `json:"user_id"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Next returns a new history row that carries the counters forward
func (s *LoanState) Next(state HistoryState, userID int64, observation string, at time.Time) *LoanState {
	next := &LoanState{
		LoanID:      s.LoanID,
		State:       state,
		UpdatedOn:   at,
		Observation: observation,
		UserID:      userID,
	}
	next.RescheduleCount = s.RescheduleCount
	next.RefinanceCount = s.RefinanceCount
	return next
}
