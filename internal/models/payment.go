package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentModality string

const (
	PaymentInPerson   PaymentModality = "in_person"
	PaymentElectronic PaymentModality = "electronic"
)

// Payment represents money received against one installment
type Payment struct {
	ID            int64           `json:"id"`
	InstallmentID int64           `json:"installment_id"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	Surplus       decimal.Decimal `json:"surplus"` // unconsumed part carried to the next installment
	PaidOn        time.Time       `json:"paid_on"`
	OperationRef  string          `json:"operation_ref,omitempty"`
	Modality      PaymentModality `json:"modality"`
	ProofKey      string          `json:"proof_key,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	UserID        int64           `json:"user_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AddNote appends an audit note
func (p *Payment) AddNote(note string) {
	if strings.TrimSpace(p.Notes) == "" {
		p.Notes = note
		return
	}
	p.Notes += " - " + note
}

// LateFeeRow is one overdue-day bucket of the late-fee table with an amount per principal tier
type LateFeeRow struct {
	Bucket  string                     `json:"bucket"`
	Amounts map[string]decimal.Decimal `json:"amounts"` // keyed by tier column, e.g. "1000_1500"
}
