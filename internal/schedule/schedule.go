package schedule

import (
	"fmt"
	"time"

	"github.com/Dan9191/loan-service/internal/clock"
	"github.com/Dan9191/loan-service/internal/models"
	"github.com/shopspring/decimal"
)

var (
	// OtherChargesRate is charged on the principal at origination.
	OtherChargesRate = decimal.RequireFromString("0.01")
	hundred          = decimal.NewFromInt(100)
)

// Parts are the money components spread over a schedule
type Parts struct {
	Capital      decimal.Decimal `json:"capital"`
	OtherCharges decimal.Decimal `json:"other_charges"`
	Interest     decimal.Decimal `json:"interest"`
}

// Total is the sum of all parts
func (p Parts) Total() decimal.Decimal {
	return p.Capital.Add(p.OtherCharges).Add(p.Interest)
}

// Totals are the figures of a straight-line loan
type Totals struct {
	Principal    decimal.Decimal `json:"principal"`
	OtherCharges decimal.Decimal `json:"other_charges"`
	Base         decimal.Decimal `json:"base"`
	Interest     decimal.Decimal `json:"interest"`
	Total        decimal.Decimal `json:"total"`
	Count        int             `json:"count"`
}

// Parts returns the components to spread over the schedule
func (t Totals) Parts() Parts {
	return Parts{Capital: t.Principal, OtherCharges: t.OtherCharges, Interest: t.Interest}
}

// InstallmentValue is the regular installment amount
func (t Totals) InstallmentValue() decimal.Decimal {
	return t.Total.Div(decimal.NewFromInt(int64(t.Count))).Round(2)
}

// Compute derives loan totals from principal, a percent interest rate and the installment count
func Compute(principal, ratePercent decimal.Decimal, count int) (Totals, error) {
	if !principal.IsPositive() {
		return Totals{}, fmt.Errorf("principal must be positive, got %s", principal)
	}
	if ratePercent.IsNegative() {
		return Totals{}, fmt.Errorf("interest rate must not be negative, got %s", ratePercent)
	}
	if count < 1 {
		return Totals{}, fmt.Errorf("installment count must be at least 1, got %d", count)
	}

	other := principal.Mul(OtherChargesRate)
	base := principal.Add(other)
	interest := base.Mul(ratePercent).Div(hundred)
	return Totals{
		Principal:    principal,
		OtherCharges: other,
		Base:         base,
		Interest:     interest,
		Total:        base.Add(interest),
		Count:        count,
	}, nil
}

// Share is one installment's slice of the parts
type Share struct {
	Amount       decimal.Decimal
	Capital      decimal.Decimal
	OtherCharges decimal.Decimal
	Interest     decimal.Decimal
}

// Shares spreads parts evenly over count installments, rounded to cents.
// Amounts are spread from the loan total with the residue on the last installment,
// so they sum to the total; interest takes whatever capital and other charges leave.
func Shares(p Parts, count int) []Share {
	amount := spread(p.Total(), count)
	capital := spread(p.Capital, count)
	other := spread(p.OtherCharges, count)

	shares := make([]Share, count)
	for i := range shares {
		shares[i] = Share{
			Amount:       amount[i],
			Capital:      capital[i],
			OtherCharges: other[i],
			Interest:     amount[i].Sub(capital[i]).Sub(other[i]),
		}
	}
	return shares
}

func spread(total decimal.Decimal, count int) []decimal.Decimal {
	out := make([]decimal.Decimal, count)
	each := total.Div(decimal.NewFromInt(int64(count))).Round(2)
	sum := decimal.Zero
	for i := 0; i < count-1; i++ {
		out[i] = each
		sum = sum.Add(each)
	}
	out[count-1] = total.Sub(sum).Round(2)
	return out
}

// DueDate steps n frequency periods forward from anchor
func DueDate(anchor time.Time, freq models.Frequency, n int) time.Time {
	anchor = clock.Date(anchor)
	switch freq {
	case models.FrequencyBiweekly14:
		return anchor.AddDate(0, 0, 14*n)
	case models.FrequencyBiweekly15:
		return anchor.AddDate(0, 0, 15*n)
	case models.FrequencyMonthly:
		return anchor.AddDate(0, n, 0)
	default:
		return anchor.AddDate(0, 0, 7*n)
	}
}

// Params describe a run of installments to generate
type Params struct {
	LoanID      int64
	Parts       Parts
	Count       int
	Frequency   models.Frequency
	Anchor      time.Time // installment k falls due k+1 periods after the anchor
	FirstNumber int
	Note        string
}

// Generate builds pending installments for a loan
func Generate(p Params) ([]*models.Installment, error) {
	if p.Count < 1 {
		return nil, fmt.Errorf("installment count must be at least 1, got %d", p.Count)
	}
	if !p.Frequency.Valid() {
		return nil, fmt.Errorf("unknown frequency %q", p.Frequency)
	}
	first := p.FirstNumber
	if first < 1 {
		first = 1
	}

	shares := Shares(p.Parts, p.Count)
	installments := make([]*models.Installment, 0, p.Count)
	for k, share := range shares {
		installments = append(installments, &models.Installment{
			LoanID:       p.LoanID,
			Number:       first + k,
			Amount:       share.Amount,
			Capital:      share.Capital,
			OtherCharges: share.OtherCharges,
			Interest:     share.Interest,
			DueDate:      DueDate(p.Anchor, p.Frequency, k+1),
			State:        models.InstallmentPending,
			LateCharge:   decimal.Zero,
			Notes:        p.Note,
		})
	}
	return installments, nil
}
