package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Dan9191/loan-service/internal/clock"
	"github.com/Dan9191/loan-service/internal/models"
	"github.com/Dan9191/loan-service/internal/repository"
	"github.com/Dan9191/loan-service/internal/schedule"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	// MaxRefinances is how many refinances a loan's history allows
	MaxRefinances = 2
	// MaxRescheduleOverdueDays is the most days any installment may be overdue for a reschedule
	MaxRescheduleOverdueDays = 8
)

var (
	minRescheduleRate = decimal.NewFromInt(1)
	maxRescheduleRate = decimal.NewFromInt(5)
)

// CreateLoanRequest originates a loan
type CreateLoanRequest struct {
	ClientID         int64                     `json:"client_id" validate:"required,gt=0"`
	AdvisorID        int64                     `json:"advisor_id" validate:"required,gt=0"`
	GroupID          *int64                    `json:"group_id,omitempty"`
	ProductID        *int64                    `json:"product_id,omitempty"`
	Principal        decimal.Decimal           `json:"principal"`
	InterestRate     decimal.Decimal           `json:"interest_rate"`
	InstallmentCount int                       `json:"installment_count" validate:"required,min=1,max=120"`
	Frequency        models.Frequency          `json:"frequency" validate:"required,oneof=weekly biweekly14 biweekly15 monthly"`
	Modality         models.Modality           `json:"modality" validate:"omitempty,oneof=new RCS RSS"`
	StartDate        time.Time                 `json:"start_date" validate:"required"`
	DisbursedFrom    models.DisbursementSource `json:"disbursed_from" validate:"omitempty,oneof=current_account petty_cash"`
	UserID           int64                     `json:"-" validate:"required,gt=0"`
}

// LoanResult is a loan with its schedule and current history row
type LoanResult struct {
	Loan         *models.Loan          `json:"loan"`
	Installments []*models.Installment `json:"installments"`
	State        *models.LoanState     `json:"state"`
	RolledOver   *models.Loan          `json:"rolled_over,omitempty"`
	ScheduleURL  string                `json:"schedule_url,omitempty"`
}

func (s *Service) checkLoanRequest(req *CreateLoanRequest) error {
	if err := s.check(req); err != nil {
		return err
	}
	if !req.Principal.IsPositive() {
		return validationf("principal must be positive")
	}
	if req.InterestRate.IsNegative() {
		return validationf("interest rate must not be negative")
	}
	if req.Modality == "" {
		req.Modality = models.ModalityNew
	}
	return nil
}

// CreateLoan originates a loan and its schedule. A client holds one active loan
// at a time unless the new loan rolls the active one over.
func (s *Service) CreateLoan(ctx context.Context, req CreateLoanRequest) (*LoanResult, error) {
	if err := s.checkLoanRequest(&req); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(clientKey(req.ClientID))
	defer unlock()

	var (
		result *LoanResult
		saved  []string
	)
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		result, err = s.originate(ctx, tx, req, s.clock.Now(), &saved)
		return err
	})
	if err = classify(err); err != nil {
		s.discard(saved)
		return nil, err
	}

	s.logCreated(result)
	return result, nil
}

// GroupLoanRequest originates the loans of a lending group together
type GroupLoanRequest struct {
	GroupID int64               `json:"group_id" validate:"required,gt=0"`
	Loans   []CreateLoanRequest `json:"loans" validate:"required,min=1,max=50"`
	UserID  int64               `json:"-" validate:"required,gt=0"`
}

// CreateGroupLoans originates one loan per member in a single transaction.
// Any member that cannot take a loan fails the whole group.
func (s *Service) CreateGroupLoans(ctx context.Context, req GroupLoanRequest) ([]*LoanResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	clients := make([]int64, 0, len(req.Loans))
	seen := make(map[int64]bool, len(req.Loans))
	for i := range req.Loans {
		member := &req.Loans[i]
		member.GroupID = &req.GroupID
		member.UserID = req.UserID
		if err := s.checkLoanRequest(member); err != nil {
			return nil, err
		}
		if seen[member.ClientID] {
			return nil, validationf("client %d appears more than once in group %d", member.ClientID, req.GroupID)
		}
		seen[member.ClientID] = true
		clients = append(clients, member.ClientID)
	}

	// lock members in id order so overlapping groups cannot deadlock
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	for _, id := range clients {
		unlock := s.locks.Lock(clientKey(id))
		defer unlock()
	}

	var (
		results []*LoanResult
		saved   []string
	)
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		now := s.clock.Now()
		results = results[:0]
		for _, member := range req.Loans {
			res, err := s.originate(ctx, tx, member, now, &saved)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err = classify(err); err != nil {
		s.discard(saved)
		s.log.WithField("group_id", req.GroupID).Errorf("Group loans rolled back: %v", err)
		return nil, err
	}

	for _, res := range results {
		s.logCreated(res)
	}
	s.log.WithField("group_id", req.GroupID).Infof("Group loans created for %d clients", len(results))
	return results, nil
}

// originate creates a loan, its schedule and its first history row inside tx.
// Files it stores are appended to saved so the caller can drop them on rollback.
func (s *Service) originate(ctx context.Context, tx repository.Tx, req CreateLoanRequest, now time.Time,
	saved *[]string) (*LoanResult, error) {
	if err := tx.LockClient(req.ClientID); err != nil {
		return nil, err
	}
	client, err := tx.GetClient(req.ClientID)
	if err != nil {
		return nil, err
	}
	if client.Status != models.ClientActive {
		return nil, business(ErrClientNotActive, "client %d is %s", client.ID, client.Status)
	}

	loans, err := tx.ListLoansByClient(client.ID)
	if err != nil {
		return nil, err
	}
	var active *models.Loan
	for _, l := range loans {
		if l.Status == models.LoanActive {
			active = l
			break
		}
	}

	res := &LoanResult{}
	principal := req.Principal
	if active != nil {
		if req.Modality != models.ModalityRCS {
			return nil, business(ErrActiveLoanExists, "client %d already has active loan %d", client.ID, active.ID)
		}
		carried, err := s.rollOver(tx, active, req.UserID, now)
		if err != nil {
			return nil, err
		}
		principal = principal.Sub(carried)
		if !principal.IsPositive() {
			return nil, validationf("principal %s does not cover the rolled over balance %s", money(req.Principal), money(carried))
		}
		res.RolledOver = active
	}

	totals, err := schedule.Compute(principal, req.InterestRate, req.InstallmentCount)
	if err != nil {
		return nil, validationf("%v", err)
	}
	loan := &models.Loan{
		ClientID:         client.ID,
		AdvisorID:        req.AdvisorID,
		GroupID:          req.GroupID,
		ProductID:        req.ProductID,
		Principal:        principal,
		InterestRate:     req.InterestRate,
		Total:            totals.Total.Round(2),
		InstallmentCount: req.InstallmentCount,
		InstallmentValue: totals.InstallmentValue(),
		Frequency:        req.Frequency,
		Modality:         req.Modality,
		StartDate:        clock.Date(req.StartDate),
		GenerationDate:   clock.Date(now),
		DisbursedFrom:    req.DisbursedFrom,
		Status:           models.LoanActive,
	}
	if err := tx.CreateLoan(loan); err != nil {
		return nil, err
	}

	installments, err := schedule.Generate(schedule.Params{
		LoanID:    loan.ID,
		Parts:     totals.Parts(),
		Count:     req.InstallmentCount,
		Frequency: req.Frequency,
		Anchor:    loan.StartDate,
	})
	if err != nil {
		return nil, validationf("%v", err)
	}
	for _, inst := range installments {
		if err := tx.CreateInstallment(inst); err != nil {
			return nil, err
		}
	}

	state := &models.LoanState{
		LoanID:      loan.ID,
		State:       models.HistoryCurrent,
		UpdatedOn:   now,
		Observation: fmt.Sprintf("Loan created (%s)", loan.Modality),
		UserID:      req.UserID,
	}
	if err := tx.CreateLoanState(state); err != nil {
		return nil, err
	}

	key, err := s.issueSchedule(ctx, client, loan, installments, now)
	if err != nil {
		return nil, err
	}
	if key != "" {
		*saved = append(*saved, key)
		res.ScheduleURL = s.files.URL(key)
	}

	res.Loan, res.Installments, res.State = loan, installments, state
	return res, nil
}

func (s *Service) logCreated(res *LoanResult) {
	s.log.WithFields(logrus.Fields{
		"loan_id":   res.Loan.ID,
		"client_id": res.Loan.ClientID,
		"modality":  res.Loan.Modality,
	}).Infof("Loan created: principal %s, %d %s installments", money(res.Loan.Principal),
		res.Loan.InstallmentCount, res.Loan.Frequency)
}

// CreateRolloverLoan originates a loan that absorbs the unpaid last installment of the client's active loan
func (s *Service) CreateRolloverLoan(ctx context.Context, req CreateLoanRequest) (*LoanResult, error) {
	req.Modality = models.ModalityRCS
	return s.CreateLoan(ctx, req)
}

// rollOver settles the active loan's last installment into the new loan and cancels the old one.
// It returns the amount carried into the new principal.
func (s *Service) rollOver(tx repository.Tx, loan *models.Loan, userID int64, now time.Time) (decimal.Decimal, error) {
	if err := tx.LockLoan(loan.ID); err != nil {
		return decimal.Zero, err
	}
	installments, _, err := s.materializeLoan(tx, loan, now)
	if err != nil {
		return decimal.Zero, err
	}
	if len(installments) == 0 {
		return decimal.Zero, s.cancelLoan(tx, loan, userID, "Cancelled automatically by RCS rollover", now)
	}

	last := installments[len(installments)-1]
	for _, inst := range installments[:len(installments)-1] {
		if inst.State.Outstanding() || inst.State == models.InstallmentPrepaid {
			return decimal.Zero, business(ErrRolloverBlocked,
				"loan %d still has installment %d unpaid before the last one", loan.ID, inst.Number)
		}
	}

	carried := decimal.Zero
	switch {
	case last.State == models.InstallmentPrepaid:
		return decimal.Zero, business(ErrAwaitingConfirm, "installment %d has an electronic payment awaiting confirmation", last.Number)
	case last.State.Outstanding():
		payments, err := tx.ListPayments(last.ID)
		if err != nil {
			return decimal.Zero, err
		}
		carried = maxZero(last.Amount.Sub(sumPaid(payments)))
		last.State = models.InstallmentPaid
		last.AddNote(fmt.Sprintf("Rolled into a new RCS loan, %s carried (%s)", money(carried), stamp(now)))
		if err := tx.UpdateInstallment(last); err != nil {
			return decimal.Zero, err
		}
	}

	if err := s.cancelLoan(tx, loan, userID, "Cancelled automatically by RCS rollover", now); err != nil {
		return decimal.Zero, err
	}
	return carried, nil
}

// RefinanceRequest rolls a loan's outstanding installments into a fresh schedule
type RefinanceRequest struct {
	LoanID      int64  `json:"-" validate:"required,gt=0"`
	CapitalOnly bool   `json:"capital_only"`
	Observation string `json:"observation" validate:"max=500"`
	UserID      int64  `json:"-" validate:"required,gt=0"`
}

// RefinanceLoan regenerates the outstanding part of a loan. Replaced installments stay
// with their payments in the refinanced state and the fresh ones are numbered after them.
// The third attempt on a loan's history disables the client and fails.
func (s *Service) RefinanceLoan(ctx context.Context, req RefinanceRequest) (*LoanResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	var result *LoanResult
	err := s.inLoan(ctx, req.LoanID, func(tx repository.Tx) error {
		now := s.clock.Now()
		loan, err := tx.GetLoan(req.LoanID)
		if err != nil {
			return err
		}
		client, err := tx.GetClient(loan.ClientID)
		if err != nil {
			return err
		}
		if client.Status == models.ClientDisabled {
			return business(ErrClientDisabled, "client %d is disabled", client.ID)
		}

		latest, err := s.latestState(tx, loan.ID)
		if err != nil {
			return err
		}
		if latest.RefinanceCount >= MaxRefinances {
			if err := tx.SetClientStatus(client.ID, models.ClientDisabled); err != nil {
				return err
			}
			s.log.WithField("client_id", client.ID).Warn("Client disabled after reaching the refinance limit")
			return repository.CommitWith(business(ErrRefinanceLimit,
				"loan %d was already refinanced %d times, client %d disabled", loan.ID, latest.RefinanceCount, client.ID))
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
			kept        []*models.Installment
			lastNumber  int
			parts       = schedule.Parts{Capital: decimal.Zero, OtherCharges: decimal.Zero, Interest: decimal.Zero}
		)
		for i, inst := range installments {
			if inst.State == models.InstallmentPrepaid {
				return business(ErrAwaitingConfirm, "installment %d has an electronic payment awaiting confirmation", inst.Number)
			}
			if inst.Number > lastNumber {
				lastNumber = inst.Number
			}
			if !inst.State.Outstanding() {
				if inst.State != models.InstallmentRefinanced {
					kept = append(kept, inst)
				}
				continue
			}
			consumed, err := s.consumePriorSurplus(tx, installments, i, now)
			if err != nil {
				return err
			}
			payments, err := tx.ListPayments(inst.ID)
			if err != nil {
				return err
			}
			paid := sumPaid(payments)
			capital := inst.Capital.Add(inst.OtherCharges).Add(inst.LateCharge).Sub(paid).Sub(consumed)
			parts.Capital = parts.Capital.Add(maxZero(capital))
			if !req.CapitalOnly {
				parts.Interest = parts.Interest.Add(inst.Interest)
			}

			inst.AddNote(fmt.Sprintf("Replaced by refinance, amount %s cut to the %s paid (%s)",
				money(inst.Amount), money(paid), stamp(now)))
			inst.Amount = paid
			inst.State = models.InstallmentRefinanced
			if err := tx.UpdateInstallment(inst); err != nil {
				return err
			}
			outstanding = append(outstanding, inst)
		}
		if len(outstanding) == 0 {
			return business(ErrNothingOutstanding, "loan %d has no outstanding installments", loan.ID)
		}

		fresh, err := schedule.Generate(schedule.Params{
			LoanID:      loan.ID,
			Parts:       parts,
			Count:       loan.InstallmentCount,
			Frequency:   loan.Frequency,
			Anchor:      now,
			FirstNumber: lastNumber + 1,
			Note:        fmt.Sprintf("Generated by refinance (%s)", stamp(now)),
		})
		if err != nil {
			return validationf("%v", err)
		}
		for _, inst := range fresh {
			if err := tx.CreateInstallment(inst); err != nil {
				return err
			}
		}

		loan.Modality = models.ModalityRSS
		loan.StartDate = clock.Date(now)
		loan.InstallmentValue = fresh[0].Amount
		loan.Total = sumAmounts(installments).Add(sumAmounts(fresh))
		if err := tx.UpdateLoan(loan); err != nil {
			return err
		}

		observation := req.Observation
		if observation == "" {
			observation = fmt.Sprintf("Refinanced %d installments into %d", len(outstanding), len(fresh))
		}
		state, err := s.appendState(tx, loan.ID, models.HistoryRefinanced, req.UserID, observation, now,
			func(st *models.LoanState) { st.RefinanceCount++ })
		if err != nil {
			return err
		}

		result = &LoanResult{Loan: loan, Installments: append(kept, fresh...), State: state}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("loan_id", result.Loan.ID).Infof("Loan refinanced, refinance count %d", result.State.RefinanceCount)
	return result, nil
}

// RescheduleRequest spreads a loan's unpaid installments at a new rate
type RescheduleRequest struct {
	LoanID      int64           `json:"-" validate:"required,gt=0"`
	Rate        decimal.Decimal `json:"rate"`
	Observation string          `json:"observation" validate:"max=500"`
	UserID      int64           `json:"-" validate:"required,gt=0"`
}

// RescheduleLoan rewrites the unpaid installments in place. Paid installments stay untouched.
func (s *Service) RescheduleLoan(ctx context.Context, req RescheduleRequest) (*LoanResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if req.Rate.LessThan(minRescheduleRate) || req.Rate.GreaterThan(maxRescheduleRate) {
		return nil, validationf("rate must be between %s and %s percent", minRescheduleRate, maxRescheduleRate)
	}

	var result *LoanResult
	err := s.inLoan(ctx, req.LoanID, func(tx repository.Tx) error {
		now := s.clock.Now()
		loan, err := tx.GetLoan(req.LoanID)
		if err != nil {
			return err
		}
		client, err := tx.GetClient(loan.ClientID)
		if err != nil {
			return err
		}
		if client.Status == models.ClientDisabled {
			return business(ErrClientDisabled, "client %d is disabled", client.ID)
		}
		if loan.Status != models.LoanActive {
			return business(ErrLoanNotActive, "loan %d is not active", loan.ID)
		}

		installments, _, err := s.materializeLoan(tx, loan, now)
		if err != nil {
			return err
		}
		var unpaid []*models.Installment
		maxDays := 0
		total := decimal.Zero
		for _, inst := range installments {
			if inst.State == models.InstallmentPrepaid {
				return business(ErrAwaitingConfirm, "installment %d has an electronic payment awaiting confirmation", inst.Number)
			}
			if !inst.State.Outstanding() {
				continue
			}
			unpaid = append(unpaid, inst)
			if inst.OverdueDays > maxDays {
				maxDays = inst.OverdueDays
			}
			total = total.Add(inst.Capital).Add(inst.OtherCharges).Add(inst.Interest).Add(inst.LateCharge)
		}
		if len(unpaid) == 0 {
			return business(ErrNothingOutstanding, "loan %d has no outstanding installments", loan.ID)
		}
		if maxDays > MaxRescheduleOverdueDays {
			return business(ErrTooOverdue, "installments are %d days overdue, at most %d allowed", maxDays, MaxRescheduleOverdueDays)
		}

		newTotal := total.Mul(decimal.NewFromInt(100).Add(req.Rate)).Div(decimal.NewFromInt(100))
		shares := schedule.Shares(schedule.Parts{
			Capital:      total,
			OtherCharges: decimal.Zero,
			Interest:     newTotal.Sub(total),
		}, len(unpaid))

		anchor := unpaid[0].DueDate
		for k, inst := range unpaid {
			share := shares[k]
			inst.DueDate = schedule.DueDate(anchor, loan.Frequency, k+1)
			inst.Amount = share.Amount
			inst.Capital = share.Capital
			inst.OtherCharges = share.OtherCharges
			inst.Interest = share.Interest
			inst.State = models.InstallmentPending
			inst.OverdueDays = 0
			inst.LateCharge = decimal.Zero
			inst.LateFeeApplied = false
			inst.LateFeeAppliedAt = nil
			inst.SurchargeApplied = false
			inst.SurchargeAppliedAt = nil
			inst.ReducedPercent = decimal.Zero
			inst.ReductionApplied = false
			inst.AddNote(fmt.Sprintf("Rescheduled at %s%% (%s)", req.Rate.String(), stamp(now)))
			if err := tx.UpdateInstallment(inst); err != nil {
				return err
			}
		}

		loan.InterestRate = req.Rate
		loan.InstallmentCount = len(unpaid)
		loan.InstallmentValue = shares[0].Amount
		loan.Total = sumAmounts(installments)
		if err := tx.UpdateLoan(loan); err != nil {
			return err
		}

		observation := req.Observation
		if observation == "" {
			observation = fmt.Sprintf("Rescheduled %d installments at %s%%", len(unpaid), req.Rate.String())
		}
		state, err := s.appendState(tx, loan.ID, models.HistoryRescheduled, req.UserID, observation, now,
			func(st *models.LoanState) { st.RescheduleCount++ })
		if err != nil {
			return err
		}

		result = &LoanResult{Loan: loan, Installments: installments, State: state}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("loan_id", result.Loan.ID).Infof("Loan rescheduled, reschedule count %d", result.State.RescheduleCount)
	return result, nil
}

func sumAmounts(installments []*models.Installment) decimal.Decimal {
	total := decimal.Zero
	for _, inst := range installments {
		total = total.Add(inst.Amount)
	}
	return total
}

