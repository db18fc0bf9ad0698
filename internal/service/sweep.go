package service

import (
	"context"
	"fmt"

	"github.com/Dan9191/loan-service/internal/models"
	"github.com/Dan9191/loan-service/internal/repository"
	"github.com/sirupsen/logrus"
)

// FlagOverdueAfterDays is how long an installment stays overdue before the loan is flagged
const FlagOverdueAfterDays = 30

// SweepResult summarizes one pass over the active loans
type SweepResult struct {
	Loans       int     `json:"loans"`
	Updated     int     `json:"updated"`
	NewlyLate   int     `json:"newly_overdue"`
	FlaggedLoan []int64 `json:"flagged_loans"`
	Notified    int     `json:"notified"`
	Failed      []int64 `json:"failed_loans,omitempty"`
}

type notice struct {
	client *models.Client
	loan   *models.Loan
	inst   *models.Installment
}

// SweepOverdueInstallments materializes every active loan, flags loans with installments
// long overdue and notifies clients whose installments just became overdue.
// A loan that fails is logged and skipped so one bad row cannot stall the rest.
func (s *Service) SweepOverdueInstallments(ctx context.Context, userID int64) (*SweepResult, error) {
	var loans []*models.Loan
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		loans, err = tx.ListActiveLoans()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list active loans: %w", err)
	}

	res := &SweepResult{Loans: len(loans), FlaggedLoan: []int64{}}
	var notices []notice
	for _, l := range loans {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		var (
			pending []notice
			updated int
			flagged bool
		)
		err := s.inLoan(ctx, l.ID, func(tx repository.Tx) error {
			now := s.clock.Now()
			loan, err := tx.GetLoan(l.ID)
			if err != nil {
				return err
			}
			if loan.Status != models.LoanActive {
				return nil
			}

			before, err := tx.ListInstallments(loan.ID)
			if err != nil {
				return err
			}
			wasOverdue := make(map[int64]bool, len(before))
			for _, inst := range before {
				wasOverdue[inst.ID] = inst.State == models.InstallmentOverdue
			}

			installments, evals, err := s.materializeLoan(tx, loan, now)
			if err != nil {
				return err
			}

			var client *models.Client
			longOverdue := false
			for _, inst := range installments {
				if evals[inst.ID].Changed {
					updated++
				}
				if inst.State != models.InstallmentOverdue {
					continue
				}
				if inst.OverdueDays > FlagOverdueAfterDays {
					longOverdue = true
				}
				if wasOverdue[inst.ID] {
					continue
				}
				if client == nil {
					if client, err = tx.GetClient(loan.ClientID); err != nil {
						return err
					}
				}
				pending = append(pending, notice{client: client, loan: loan, inst: inst})
			}

			if longOverdue {
				latest, err := s.latestState(tx, loan.ID)
				if err != nil {
					return err
				}
				if latest.State != models.HistoryOverdue {
					observation := fmt.Sprintf("Installments more than %d days overdue", FlagOverdueAfterDays)
					if _, err := s.appendState(tx, loan.ID, models.HistoryOverdue, userID, observation, now, nil); err != nil {
						return err
					}
					flagged = true
				}
			}
			return nil
		})
		if err != nil {
			s.log.WithField("loan_id", l.ID).Errorf("Sweep failed for loan: %v", err)
			res.Failed = append(res.Failed, l.ID)
			continue
		}
		res.Updated += updated
		res.NewlyLate += len(pending)
		if flagged {
			res.FlaggedLoan = append(res.FlaggedLoan, l.ID)
		}
		notices = append(notices, pending...)
	}

	for _, n := range notices {
		if s.notify(n) {
			res.Notified++
		}
	}

	s.log.WithFields(logrus.Fields{
		"loans":         res.Loans,
		"updated":       res.Updated,
		"newly_overdue": res.NewlyLate,
		"flagged":       len(res.FlaggedLoan),
	}).Info("Overdue sweep finished")
	return res, nil
}

// notify sends an overdue notice, logging failures instead of returning them
func (s *Service) notify(n notice) bool {
	if s.notifier == nil || n.client.Email == "" {
		return false
	}
	if err := s.notifier.SendOverdueNotice(n.client, n.loan, n.inst); err != nil {
		s.log.WithFields(logrus.Fields{
			"loan_id":        n.loan.ID,
			"installment_id": n.inst.ID,
		}).Warnf("Failed to send overdue notice: %v", err)
		return false
	}
	return true
}
