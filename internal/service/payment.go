package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Dan9191/loan-service/internal/models"
	"github.com/Dan9191/loan-service/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// amountTolerance is how far a submitted amount may be from the amount due
var amountTolerance = decimal.RequireFromString("0.01")

// PaymentRequest registers money received at the counter
type PaymentRequest struct {
	InstallmentID int64           `json:"installment_id" validate:"required,gt=0"`
	ClientID      int64           `json:"client_id" validate:"gte=0"`
	Amount        decimal.Decimal `json:"amount"`
	OperationRef  string          `json:"operation_ref" validate:"max=100"`
	Notes         string          `json:"notes" validate:"max=500"`
	UserID        int64           `json:"-" validate:"required,gt=0"`
}

// PaymentResult is what a payment changed
type PaymentResult struct {
	Payment       *models.Payment       `json:"payment"`
	Installment   *models.Installment   `json:"installment"`
	PriorSurplus  decimal.Decimal       `json:"prior_surplus"`
	Surplus       decimal.Decimal       `json:"surplus"`
	Adjusted      []*models.Installment `json:"adjusted,omitempty"`
	LoanCancelled bool                  `json:"loan_cancelled"`
	ReceiptURL    string                `json:"receipt_url,omitempty"`
	ProofURL      string                `json:"proof_url,omitempty"`
}

// RegisterPayment records a payment against one installment, carries any surplus
// forward and closes the loan when nothing is left to collect
func (s *Service) RegisterPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, validationf("amount must be positive")
	}

	var (
		result *PaymentResult
		saved  []string
	)
	err := s.inInstallmentLoan(ctx, req.InstallmentID, func(tx repository.Tx) error {
		now := s.clock.Now()
		loan, installments, idx, err := s.loadInstallment(tx, req.InstallmentID, req.ClientID, now)
		if err != nil {
			return err
		}
		if loan.Status != models.LoanActive {
			return business(ErrLoanNotActive, "loan %d is not active", loan.ID)
		}
		inst := installments[idx]
		if err := payable(inst); err != nil {
			return err
		}

		res := &PaymentResult{Installment: inst, PriorSurplus: decimal.Zero, Surplus: decimal.Zero}
		consumed, err := s.consumePriorSurplus(tx, installments, idx, now)
		if err != nil {
			return err
		}
		res.PriorSurplus = consumed

		payments, err := tx.ListPayments(inst.ID)
		if err != nil {
			return err
		}
		paidSoFar := sumPaid(payments)
		remaining := maxZero(inst.Amount.Sub(paidSoFar))
		surplus := maxZero(req.Amount.Sub(remaining))

		payment := &models.Payment{
			InstallmentID: inst.ID,
			AmountPaid:    req.Amount,
			Surplus:       surplus,
			PaidOn:        now,
			OperationRef:  req.OperationRef,
			Modality:      models.PaymentInPerson,
			UserID:        req.UserID,
		}
		if consumed.IsPositive() {
			payment.AddNote(fmt.Sprintf("Surplus of %s from installment %d applied", money(consumed), installments[idx-1].Number))
		}
		if req.Notes != "" {
			payment.AddNote(req.Notes)
		}
		if err := tx.CreatePayment(payment); err != nil {
			return err
		}

		if req.Amount.Add(paidSoFar).GreaterThanOrEqual(inst.Amount) {
			inst.State = models.InstallmentPaid
			inst.AddNote(fmt.Sprintf("Paid in person %s (%s)", money(req.Amount), stamp(now)))
		} else {
			inst.AddNote(fmt.Sprintf("Partial payment %s, %s still due (%s)",
				money(req.Amount), money(remaining.Sub(req.Amount)), stamp(now)))
		}
		if err := tx.UpdateInstallment(inst); err != nil {
			return err
		}

		if surplus.IsPositive() {
			res.Surplus = surplus
			adjusted, left, err := s.carrySurplus(tx, installments, idx, surplus, now)
			if err != nil {
				return err
			}
			res.Adjusted = adjusted
			if !left.Equal(payment.Surplus) {
				payment.Surplus = left
				if err := tx.UpdatePayment(payment); err != nil {
					return err
				}
			}
		}

		if res.LoanCancelled, err = s.closeIfSettled(tx, loan, installments, req.UserID, now); err != nil {
			return err
		}

		key, err := s.issueReceipt(ctx, tx, loan, inst, payment, now)
		if err != nil {
			return err
		}
		saved = append(saved, key)
		res.ReceiptURL = s.files.URL(key)
		res.Payment = payment
		result = res
		return nil
	})
	if err != nil {
		s.discard(saved)
		s.log.WithField("installment_id", req.InstallmentID).Errorf("Payment rolled back: %v", err)
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"loan_id":        result.Installment.LoanID,
		"installment_id": result.Installment.ID,
		"payment_id":     result.Payment.ID,
	}).Infof("Payment registered: %s, surplus %s", money(result.Payment.AmountPaid), money(result.Surplus))
	return result, nil
}

func payable(inst *models.Installment) error {
	switch inst.State {
	case models.InstallmentPaid:
		return business(ErrAlreadyPaid, "installment %d is already paid", inst.Number)
	case models.InstallmentPrepaid:
		return business(ErrAwaitingConfirm, "installment %d has an electronic payment awaiting confirmation", inst.Number)
	case models.InstallmentRefinanced:
		return business(ErrSuperseded, "installment %d was replaced by a refinance", inst.Number)
	}
	return nil
}

func sumPaid(payments []*models.Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.AmountPaid)
	}
	return total
}

// priorSurplus finds the preceding installment's latest payment still holding a surplus
// and how much of it installment idx could take
func priorSurplus(tx repository.Tx, installments []*models.Installment, idx int) (*models.Payment, decimal.Decimal, error) {
	if idx == 0 {
		return nil, decimal.Zero, nil
	}
	payments, err := tx.ListPayments(installments[idx-1].ID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	for i := len(payments) - 1; i >= 0; i-- {
		if payments[i].Surplus.IsPositive() {
			return payments[i], decimal.Min(payments[i].Surplus, maxZero(installments[idx].Amount)), nil
		}
	}
	return nil, decimal.Zero, nil
}

// consumePriorSurplus applies a surplus left unconsumed on the preceding installment's
// latest surplus-bearing payment, lowering this installment's amount
func (s *Service) consumePriorSurplus(tx repository.Tx, installments []*models.Installment, idx int, now time.Time) (decimal.Decimal, error) {
	source, consumed, err := priorSurplus(tx, installments, idx)
	if err != nil {
		return decimal.Zero, err
	}
	if source == nil || !consumed.IsPositive() {
		return decimal.Zero, nil
	}
	prev, inst := installments[idx-1], installments[idx]
	source.Surplus = source.Surplus.Sub(consumed)
	source.AddNote(fmt.Sprintf("Surplus of %s used by installment %d (%s)", money(consumed), inst.Number, stamp(now)))
	if err := tx.UpdatePayment(source); err != nil {
		return decimal.Zero, err
	}

	inst.Amount = inst.Amount.Sub(consumed)
	inst.AddNote(fmt.Sprintf("Reduced by surplus of %s from installment %d", money(consumed), prev.Number))
	return consumed, nil
}

// carrySurplus lowers the installment right after idx by surplus. Nothing is applied
// when that installment is not outstanding; whatever is left stays on the payment
// for consumePriorSurplus to pick up.
func (s *Service) carrySurplus(tx repository.Tx, installments []*models.Installment, idx int,
	surplus decimal.Decimal, now time.Time) ([]*models.Installment, decimal.Decimal, error) {
	if idx+1 >= len(installments) {
		return nil, surplus, nil
	}
	from, next := installments[idx], installments[idx+1]
	if !next.State.Outstanding() {
		return nil, surplus, nil
	}

	applied := decimal.Min(surplus, maxZero(next.Amount))
	next.Amount = maxZero(next.Amount.Sub(applied))
	next.AddNote(fmt.Sprintf("Reduced by surplus of %s from installment %d (%s)", money(applied), from.Number, stamp(now)))
	if next.Amount.IsZero() {
		next.State = models.InstallmentPaid
		next.AddNote("Covered by surplus")
	}
	if err := tx.UpdateInstallment(next); err != nil {
		return nil, decimal.Zero, err
	}
	return []*models.Installment{next}, surplus.Sub(applied), nil
}

// PayoffRequest settles every outstanding installment of a loan at once
type PayoffRequest struct {
	LoanID       int64           `json:"-" validate:"required,gt=0"`
	Amount       decimal.Decimal `json:"amount"`
	OperationRef string          `json:"operation_ref" validate:"max=100"`
	UserID       int64           `json:"-" validate:"required,gt=0"`
}

// PayoffResult lists the payments a payoff created
type PayoffResult struct {
	Loan         *models.Loan          `json:"loan"`
	Installments []*models.Installment `json:"installments"`
	Payments     []*models.Payment     `json:"payments"`
	ReceiptURLs  []string              `json:"receipt_urls"`
}

// RegisterTotalCancellation pays off a loan when amount matches everything still due
func (s *Service) RegisterTotalCancellation(ctx context.Context, req PayoffRequest) (*PayoffResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, validationf("amount must be positive")
	}

	var (
		result *PayoffResult
		saved  []string
	)
	err := s.inLoan(ctx, req.LoanID, func(tx repository.Tx) error {
		now := s.clock.Now()
		loan, err := tx.GetLoan(req.LoanID)
		if err != nil {
			return err
		}
		if loan.Status != models.LoanActive {
			return business(ErrLoanNotActive, "loan %d is not active", loan.ID)
		}
		installments, _, err := s.materializeLoan(tx, loan, now)
		if err != nil {
			return err
		}

		var (
			outstanding []*models.Installment
			dues        []decimal.Decimal
			total       = decimal.Zero
		)
		for _, inst := range installments {
			if inst.State == models.InstallmentPrepaid {
				return business(ErrAwaitingConfirm, "installment %d has an electronic payment awaiting confirmation", inst.Number)
			}
			if !inst.State.Outstanding() {
				continue
			}
			payments, err := tx.ListPayments(inst.ID)
			if err != nil {
				return err
			}
			due := maxZero(inst.Amount.Sub(sumPaid(payments)))
			outstanding = append(outstanding, inst)
			dues = append(dues, due)
			total = total.Add(due)
		}
		if len(outstanding) == 0 {
			return business(ErrNothingOutstanding, "loan %d has no outstanding installments", loan.ID)
		}
		if req.Amount.Sub(total).Abs().GreaterThan(amountTolerance) {
			return business(ErrAmountMismatch, "payoff amount %s does not match the outstanding total %s", money(req.Amount), money(total))
		}

		res := &PayoffResult{Loan: loan}
		var issued []*models.Payment
		for i, inst := range outstanding {
			inst.State = models.InstallmentPaid
			inst.AddNote(fmt.Sprintf("Paid by total cancellation (%s)", stamp(now)))
			if err := tx.UpdateInstallment(inst); err != nil {
				return err
			}
			if !dues[i].IsPositive() {
				continue
			}
			payment := &models.Payment{
				InstallmentID: inst.ID,
				AmountPaid:    dues[i],
				Surplus:       decimal.Zero,
				PaidOn:        now,
				OperationRef:  req.OperationRef,
				Modality:      models.PaymentInPerson,
				Notes:         "Total cancellation",
				UserID:        req.UserID,
			}
			if err := tx.CreatePayment(payment); err != nil {
				return err
			}
			issued = append(issued, payment)
		}
		res.Installments = outstanding
		res.Payments = issued

		if err := s.cancelLoan(tx, loan, req.UserID, "Loan paid off by total cancellation", now); err != nil {
			return err
		}

		byID := make(map[int64]*models.Installment, len(outstanding))
		for _, inst := range outstanding {
			byID[inst.ID] = inst
		}
		for _, payment := range issued {
			key, err := s.issueReceipt(ctx, tx, loan, byID[payment.InstallmentID], payment, now)
			if err != nil {
				return err
			}
			saved = append(saved, key)
			res.ReceiptURLs = append(res.ReceiptURLs, s.files.URL(key))
		}
		result = res
		return nil
	})
	if err != nil {
		s.discard(saved)
		s.log.WithField("loan_id", req.LoanID).Errorf("Total cancellation rolled back: %v", err)
		return nil, err
	}

	s.log.WithField("loan_id", req.LoanID).Infof("Loan paid off: %d installments, %s", len(result.Installments), money(req.Amount))
	return result, nil
}

// ReductionRequest forgives part of an installment's accrued late charge
type ReductionRequest struct {
	InstallmentID int64 `json:"-" validate:"required,gt=0"`
	Percent       int   `json:"percent" validate:"required,min=1,max=100"`
	UserID        int64 `json:"-" validate:"required,gt=0"`
}

// ApplyLateFeeReduction lowers the late charge by a percentage, once per installment
func (s *Service) ApplyLateFeeReduction(ctx context.Context, req ReductionRequest) (*models.Installment, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	var result *models.Installment
	err := s.inInstallmentLoan(ctx, req.InstallmentID, func(tx repository.Tx) error {
		now := s.clock.Now()
		_, installments, idx, err := s.loadInstallment(tx, req.InstallmentID, 0, now)
		if err != nil {
			return err
		}
		inst := installments[idx]
		if !inst.State.Outstanding() {
			return business(ErrAlreadyPaid, "installment %d is not outstanding", inst.Number)
		}
		if inst.ReductionApplied {
			return business(ErrReductionApplied, "installment %d already had its late fee reduced", inst.Number)
		}
		if !inst.LateCharge.IsPositive() {
			return validationf("installment %d has no late charge to reduce", inst.Number)
		}

		pct := decimal.NewFromInt(int64(req.Percent))
		reduction := inst.LateCharge.Mul(pct).Div(decimal.NewFromInt(100)).Round(2)
		inst.LateCharge = maxZero(inst.LateCharge.Sub(reduction))
		inst.Amount = maxZero(inst.Amount.Sub(reduction))
		inst.ReducedPercent = pct
		inst.ReductionApplied = true
		inst.AddNote(fmt.Sprintf("Late fee reduced %d%% (-%s) by user %d (%s)", req.Percent, money(reduction), req.UserID, stamp(now)))
		if err := tx.UpdateInstallment(inst); err != nil {
			return err
		}
		result = inst
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("installment_id", result.ID).Infof("Late fee reduced by %d%%", req.Percent)
	return result, nil
}
