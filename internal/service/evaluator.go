package service

import (
	"fmt"
	"time"

	"github.com/Dan9191/loan-service/internal/clock"
	"github.com/Dan9191/loan-service/internal/latefee"
	"github.com/Dan9191/loan-service/internal/models"
	"github.com/Dan9191/loan-service/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Hours of the business day that shape charges on the due date
const (
	surchargeFromHour  = 15
	surchargeUntilHour = 18
)

// WindowSurcharge is added once when a due installment is paid late in the afternoon
var WindowSurcharge = decimal.NewFromInt(3)

// Evaluation is the state of an installment at a point in time
type Evaluation struct {
	AmountDue   decimal.Decimal `json:"amount_due"`
	OverdueDays int             `json:"overdue_days"`
	LateCharge  decimal.Decimal `json:"late_charge"`
	Message     string          `json:"message,omitempty"`
	Changed     bool            `json:"-"`
}

// Evaluator applies time-based charges to installments
type Evaluator struct {
	rates *latefee.Table
}

func NewEvaluator(rates *latefee.Table) *Evaluator {
	return &Evaluator{rates: rates}
}

// Evaluate brings inst up to date with now and reports what is due.
// It mutates inst in place; Changed tells the caller to persist it.
// principal selects the late-fee tier. next marks the installment that follows
// one which fell due today and is still unpaid after 18:00.
func (e *Evaluator) Evaluate(inst *models.Installment, principal decimal.Decimal, next bool, now time.Time) (Evaluation, error) {
	if inst.State.Settled() {
		return Evaluation{
			AmountDue:   decimal.Zero,
			OverdueDays: inst.OverdueDays,
			LateCharge:  inst.LateCharge,
			Message:     "Installment settled",
		}, nil
	}

	ev := Evaluation{}
	days := clock.DaysBetween(inst.DueDate, now)

	switch {
	case days > 0:
		if err := e.accrue(inst, principal, days, now, &ev); err != nil {
			return Evaluation{}, err
		}

	case days == 0:
		if inst.State == models.InstallmentPending {
			inst.State = models.InstallmentDueToday
			inst.AddNote(fmt.Sprintf("Due today (%s)", stamp(now)))
			ev.Changed = true
		}
		ev.Message = "Installment due today"
		hour := now.Hour()
		if hour >= surchargeFromHour && hour < surchargeUntilHour && !inst.SurchargeApplied {
			at := now
			inst.Amount = inst.Amount.Add(WindowSurcharge)
			inst.SurchargeApplied = true
			inst.SurchargeAppliedAt = &at
			inst.AddNote(fmt.Sprintf("Late payment window surcharge %s (%s)", money(WindowSurcharge), stamp(now)))
			ev.Changed = true
			ev.Message = fmt.Sprintf("Late payment window surcharge of %s applied", money(WindowSurcharge))
		}

	default:
		if next && now.Hour() >= surchargeUntilHour && !inst.LateFeeApplied {
			charge, err := e.rates.ChargeForDays(1, principal)
			if err != nil {
				return Evaluation{}, err
			}
			at := now
			inst.Amount = inst.Amount.Sub(inst.LateCharge).Add(charge)
			inst.LateCharge = charge
			inst.OverdueDays = 1
			inst.LateFeeApplied = true
			inst.LateFeeAppliedAt = &at
			inst.AddNote(fmt.Sprintf("Previous installment unpaid after 18:00, 1-day late charge %s (%s)", money(charge), stamp(now)))
			ev.Changed = true
			ev.Message = fmt.Sprintf("1-day late charge of %s applied", money(charge))
		}
	}

	ev.AmountDue = maxZero(inst.Amount)
	ev.OverdueDays = inst.OverdueDays
	ev.LateCharge = inst.LateCharge
	return ev, nil
}

// accrue charges only the difference between the bucket for days and the bucket already charged
func (e *Evaluator) accrue(inst *models.Installment, principal decimal.Decimal, days int, now time.Time, ev *Evaluation) error {
	if days > inst.OverdueDays || !inst.LateFeeApplied {
		charge, err := e.rates.ChargeForDays(days, principal)
		if err != nil {
			return err
		}
		inc := charge
		if inst.OverdueDays > 0 && inst.LateFeeApplied {
			prev, err := e.rates.ChargeForDays(inst.OverdueDays, principal)
			if err != nil {
				return err
			}
			inc = charge.Sub(prev)
		}

		at := now
		inst.LateFeeApplied = true
		inst.LateFeeAppliedAt = &at
		if inc.IsPositive() {
			inst.Amount = inst.Amount.Add(inc)
			inst.LateCharge = inst.LateCharge.Add(inc)
			inst.AddNote(fmt.Sprintf("Late charge +%s at %d days overdue (%s)", money(inc), days, stamp(now)))
		}
		inst.OverdueDays = days
		ev.Changed = true
	}
	if inst.State != models.InstallmentOverdue || inst.OverdueDays != days {
		inst.State = models.InstallmentOverdue
		inst.OverdueDays = days
		ev.Changed = true
	}
	ev.Message = fmt.Sprintf("Installment %d days overdue", days)
	return nil
}

// materializeLoan evaluates a loan's installments in order and persists every change.
// Reads that show amounts go through here, so stored state keeps up with the clock.
func (s *Service) materializeLoan(tx repository.Tx, loan *models.Loan, now time.Time) ([]*models.Installment, map[int64]Evaluation, error) {
	installments, err := tx.ListInstallments(loan.ID)
	if err != nil {
		return nil, nil, err
	}

	evals := make(map[int64]Evaluation, len(installments))
	for i, inst := range installments {
		next := false
		if i > 0 {
			prev := installments[i-1]
			next = clock.SameDay(prev.DueDate, now) &&
				(prev.State == models.InstallmentPending || prev.State == models.InstallmentDueToday) &&
				now.Hour() >= surchargeUntilHour
		}

		ev, err := s.eval.Evaluate(inst, loan.Principal, next, now)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to evaluate installment %d: %w", inst.ID, err)
		}
		if ev.Changed {
			if err := tx.UpdateInstallment(inst); err != nil {
				return nil, nil, err
			}
			s.log.WithFields(logrus.Fields{
				"loan_id":        loan.ID,
				"installment_id": inst.ID,
				"overdue_days":   inst.OverdueDays,
			}).Debug(ev.Message)
		}
		evals[inst.ID] = ev
	}
	return installments, evals, nil
}
