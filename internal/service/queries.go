package service

import (
	"context"
	"sort"
	"time"

	"github.com/Dan9191/loan-service/internal/models"
	"github.com/Dan9191/loan-service/internal/receipt"
	"github.com/Dan9191/loan-service/internal/repository"
	"github.com/shopspring/decimal"
)

// InstallmentView is an installment with what it takes to pay it now
type InstallmentView struct {
	*models.Installment
	Evaluation   Evaluation             `json:"evaluation"`
	PaidSoFar    decimal.Decimal        `json:"paid_so_far"`
	PriorSurplus decimal.Decimal        `json:"prior_surplus"`
	PaidBy       models.PaymentModality `json:"paid_by,omitempty"`
}

// LoanView is a loan with its schedule, client and current history row
type LoanView struct {
	Loan         *models.Loan       `json:"loan"`
	Client       *models.Client     `json:"client"`
	State        *models.LoanState  `json:"state"`
	Installments []*InstallmentView `json:"installments"`
}

// GetLoan returns a loan brought up to date with the clock.
// Reading materializes accrued charges, so it takes the loan lock.
func (s *Service) GetLoan(ctx context.Context, loanID int64) (*LoanView, error) {
	var view *LoanView
	err := s.inLoan(ctx, loanID, func(tx repository.Tx) error {
		loan, err := tx.GetLoan(loanID)
		if err != nil {
			return err
		}
		client, err := tx.GetClient(loan.ClientID)
		if err != nil {
			return err
		}
		state, err := s.latestState(tx, loan.ID)
		if err != nil {
			return err
		}
		installments, err := s.viewInstallments(tx, loan, func(*models.Installment) bool { return true })
		if err != nil {
			return err
		}
		view = &LoanView{Loan: loan, Client: client, State: state, Installments: installments}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// GetOutstandingInstallments lists what a client still has to pay on active loans,
// including installments whose electronic payment awaits review
func (s *Service) GetOutstandingInstallments(ctx context.Context, clientID int64) ([]*InstallmentView, error) {
	loans, err := s.clientLoans(ctx, clientID)
	if err != nil {
		return nil, err
	}

	var out []*InstallmentView
	for _, l := range loans {
		if l.Status != models.LoanActive {
			continue
		}
		err := s.inLoan(ctx, l.ID, func(tx repository.Tx) error {
			loan, err := tx.GetLoan(l.ID)
			if err != nil {
				return err
			}
			if loan.Status != models.LoanActive {
				return nil
			}
			views, err := s.viewInstallments(tx, loan, func(inst *models.Installment) bool {
				return inst.State.Outstanding() || inst.State == models.InstallmentPrepaid
			})
			if err != nil {
				return err
			}
			out = append(out, views...)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListPaidInstallments lists a client's paid installments across all loans, latest due first
func (s *Service) ListPaidInstallments(ctx context.Context, clientID int64) ([]*InstallmentView, error) {
	var out []*InstallmentView
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.GetClient(clientID); err != nil {
			return err
		}
		loans, err := tx.ListLoansByClient(clientID)
		if err != nil {
			return err
		}
		for _, loan := range loans {
			installments, err := tx.ListInstallments(loan.ID)
			if err != nil {
				return err
			}
			for _, inst := range installments {
				if inst.State != models.InstallmentPaid {
					continue
				}
				payments, err := tx.ListPayments(inst.ID)
				if err != nil {
					return err
				}
				view := &InstallmentView{
					Installment:  inst,
					Evaluation:   Evaluation{AmountDue: decimal.Zero, OverdueDays: inst.OverdueDays, LateCharge: inst.LateCharge},
					PaidSoFar:    sumPaid(payments),
					PriorSurplus: decimal.Zero,
				}
				if len(payments) > 0 {
					view.PaidBy = payments[len(payments)-1].Modality
				}
				out = append(out, view)
			}
		}
		return nil
	})
	if err := classify(err); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DueDate.After(out[j].DueDate)
	})
	return out, nil
}

func (s *Service) clientLoans(ctx context.Context, clientID int64) ([]*models.Loan, error) {
	var loans []*models.Loan
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.GetClient(clientID); err != nil {
			return err
		}
		var err error
		loans, err = tx.ListLoansByClient(clientID)
		return err
	})
	return loans, classify(err)
}

// viewInstallments materializes a loan and describes the installments keep selects
func (s *Service) viewInstallments(tx repository.Tx, loan *models.Loan, keep func(*models.Installment) bool) ([]*InstallmentView, error) {
	installments, evals, err := s.materializeLoan(tx, loan, s.clock.Now())
	if err != nil {
		return nil, err
	}

	views := make([]*InstallmentView, 0, len(installments))
	var prevSurplus decimal.Decimal
	for _, inst := range installments {
		payments, err := tx.ListPayments(inst.ID)
		if err != nil {
			return nil, err
		}
		view := &InstallmentView{
			Installment:  inst,
			Evaluation:   evals[inst.ID],
			PaidSoFar:    sumPaid(payments),
			PriorSurplus: prevSurplus,
		}
		if len(payments) > 0 {
			view.PaidBy = payments[len(payments)-1].Modality
		}
		if inst.State.Outstanding() {
			view.Evaluation.AmountDue = maxZero(inst.Amount.Sub(view.PaidSoFar).Sub(prevSurplus))
		}

		prevSurplus = decimal.Zero
		for i := len(payments) - 1; i >= 0; i-- {
			if payments[i].Surplus.IsPositive() {
				prevSurplus = payments[i].Surplus
				break
			}
		}
		if keep(inst) {
			views = append(views, view)
		}
	}
	return views, nil
}

// ScheduleQuery selects active loans by client or by lending group, exactly one of them
type ScheduleQuery struct {
	ClientID int64 `json:"client_id" validate:"gte=0"`
	GroupID  int64 `json:"group_id" validate:"gte=0"`
}

// ScheduleSummary is an active loan's repayment schedule
type ScheduleSummary struct {
	LoanID           int64                 `json:"loan_id"`
	ClientID         int64                 `json:"client_id"`
	Client           string                `json:"client"`
	DNI              string                `json:"dni"`
	GroupID          *int64                `json:"group_id,omitempty"`
	Principal        decimal.Decimal       `json:"principal"`
	Total            decimal.Decimal       `json:"total"`
	Frequency        models.Frequency      `json:"frequency"`
	InstallmentCount int                   `json:"installment_count"`
	StartDate        time.Time             `json:"start_date"`
	Installments     []*models.Installment `json:"installments"`
	ScheduleURL      string                `json:"schedule_url,omitempty"`
}

// SearchSchedules lists the schedules of a client's or a group's active loans.
// Installments replaced by a refinance are left out.
func (s *Service) SearchSchedules(ctx context.Context, q ScheduleQuery) ([]*ScheduleSummary, error) {
	if err := s.check(q); err != nil {
		return nil, err
	}
	if (q.ClientID == 0) == (q.GroupID == 0) {
		return nil, validationf("search by client or by group, not both")
	}

	var out []*ScheduleSummary
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		var (
			loans []*models.Loan
			err   error
		)
		if q.ClientID != 0 {
			if _, err := tx.GetClient(q.ClientID); err != nil {
				return err
			}
			loans, err = tx.ListLoansByClient(q.ClientID)
		} else {
			loans, err = tx.ListLoansByGroup(q.GroupID)
		}
		if err != nil {
			return err
		}

		for _, loan := range loans {
			if loan.Status != models.LoanActive {
				continue
			}
			client, err := tx.GetClient(loan.ClientID)
			if err != nil {
				return err
			}
			installments, err := tx.ListInstallments(loan.ID)
			if err != nil {
				return err
			}
			current := installments[:0]
			for _, inst := range installments {
				if inst.State != models.InstallmentRefinanced {
					current = append(current, inst)
				}
			}
			summary := &ScheduleSummary{
				LoanID:           loan.ID,
				ClientID:         client.ID,
				Client:           client.FullName(),
				DNI:              client.DNI,
				GroupID:          loan.GroupID,
				Principal:        loan.Principal,
				Total:            loan.Total,
				Frequency:        loan.Frequency,
				InstallmentCount: loan.InstallmentCount,
				StartDate:        loan.StartDate,
				Installments:     current,
			}
			if s.schedules != nil {
				summary.ScheduleURL = s.files.URL(receipt.ScheduleKey(client.ID, loan.ID))
			}
			out = append(out, summary)
		}
		return nil
	})
	if err := classify(err); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSchedule returns the schedule document stored when the loan was originated.
// A non-zero clientID restricts it to that client's loans.
func (s *Service) GetSchedule(ctx context.Context, loanID, clientID int64) (*Document, error) {
	var key string
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		loan, err := tx.GetLoan(loanID)
		if err != nil {
			return err
		}
		if clientID != 0 && loan.ClientID != clientID {
			return business(ErrOwnership, "loan %d does not belong to client %d", loanID, clientID)
		}
		key = receipt.ScheduleKey(loan.ClientID, loan.ID)
		return nil
	})
	if err := classify(err); err != nil {
		return nil, err
	}
	return s.readDocument(key)
}
