package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Dan9191/loan-service/internal/models"
	"github.com/Dan9191/loan-service/internal/receipt"
	"github.com/Dan9191/loan-service/internal/repository"
	"github.com/Dan9191/loan-service/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ElectronicPaymentRequest is a client's self-reported transfer with its proof image
type ElectronicPaymentRequest struct {
	InstallmentID int64           `json:"installment_id" validate:"required,gt=0"`
	ClientID      int64           `json:"-" validate:"required,gt=0"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method" validate:"required,oneof=yape plin deposit"`
	OperationRef  string          `json:"operation_ref" validate:"max=100"`
	Proof         []byte          `json:"-"`
	UserID        int64           `json:"-" validate:"required,gt=0"`
}

// RegisterElectronicPayment stores the proof and marks the installment prepaid until staff review it.
// A surplus left on the preceding installment lowers the amount expected but is only
// consumed on confirmation, so a rejection leaves it in place.
func (s *Service) RegisterElectronicPayment(ctx context.Context, req ElectronicPaymentRequest) (*PaymentResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, validationf("amount must be positive")
	}
	proof, err := storage.DetectProof(req.Proof)
	if err != nil {
		return nil, validationf("%v", err)
	}

	var (
		result *PaymentResult
		saved  []string
	)
	err = s.inInstallmentLoan(ctx, req.InstallmentID, func(tx repository.Tx) error {
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

		// the prior surplus is only consumed once staff confirm the payment
		_, available, err := priorSurplus(tx, installments, idx)
		if err != nil {
			return err
		}
		payments, err := tx.ListPayments(inst.ID)
		if err != nil {
			return err
		}
		due := maxZero(inst.Amount.Sub(sumPaid(payments)).Sub(available))
		if req.Amount.Sub(due).Abs().GreaterThan(amountTolerance) {
			return business(ErrAmountMismatch, "amount %s does not match the amount due %s", money(req.Amount), money(due))
		}

		key := storage.ProofKey(req.ClientID, loan.ID, inst.ID, now, proof.Ext)
		if err := s.files.Save(ctx, key, req.Proof); err != nil {
			return external(err, "failed to store payment proof")
		}
		saved = append(saved, key)

		payment := &models.Payment{
			InstallmentID: inst.ID,
			AmountPaid:    req.Amount,
			Surplus:       decimal.Zero,
			PaidOn:        now,
			OperationRef:  req.OperationRef,
			Modality:      models.PaymentElectronic,
			ProofKey:      key,
			UserID:        req.UserID,
		}
		payment.AddNote("Method: " + req.Method)
		if err := tx.CreatePayment(payment); err != nil {
			return err
		}

		inst.State = models.InstallmentPrepaid
		inst.AddNote(fmt.Sprintf("Electronic payment %s via %s awaiting confirmation (%s)", money(req.Amount), req.Method, stamp(now)))
		if err := tx.UpdateInstallment(inst); err != nil {
			return err
		}

		result = &PaymentResult{
			Payment:      payment,
			Installment:  inst,
			PriorSurplus: available,
			Surplus:      decimal.Zero,
			ProofURL:     s.files.URL(key),
		}
		return nil
	})
	if err != nil {
		s.discard(saved)
		s.log.WithField("installment_id", req.InstallmentID).Errorf("Electronic payment rolled back: %v", err)
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"installment_id": result.Installment.ID,
		"payment_id":     result.Payment.ID,
		"method":         req.Method,
	}).Info("Electronic payment submitted")
	return result, nil
}

// ReviewRequest identifies a prepaid installment under review
type ReviewRequest struct {
	InstallmentID int64 `json:"-" validate:"required,gt=0"`
	UserID        int64 `json:"-" validate:"required,gt=0"`
}

// latestPayment returns the most recent payment of an installment
func latestPayment(tx repository.Tx, installmentID int64) (*models.Payment, error) {
	payments, err := tx.ListPayments(installmentID)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, fmt.Errorf("payment of installment %d: %w", installmentID, repository.ErrNotFound)
	}
	return payments[len(payments)-1], nil
}

// ConfirmPrepaidPayment accepts an electronic payment, issues its receipt and closes the loan if settled
func (s *Service) ConfirmPrepaidPayment(ctx context.Context, req ReviewRequest) (*PaymentResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	var (
		result *PaymentResult
		saved  []string
	)
	err := s.inInstallmentLoan(ctx, req.InstallmentID, func(tx repository.Tx) error {
		now := s.clock.Now()
		loan, installments, idx, err := s.loadInstallment(tx, req.InstallmentID, 0, now)
		if err != nil {
			return err
		}
		inst := installments[idx]
		if inst.State != models.InstallmentPrepaid {
			return business(ErrNotPrepaid, "installment %d is not awaiting confirmation", inst.Number)
		}
		payment, err := latestPayment(tx, inst.ID)
		if err != nil {
			return err
		}
		consumed, err := s.consumePriorSurplus(tx, installments, idx, now)
		if err != nil {
			return err
		}

		inst.State = models.InstallmentPaid
		inst.AddNote(fmt.Sprintf("Electronic payment confirmed by user %d (%s)", req.UserID, stamp(now)))
		if err := tx.UpdateInstallment(inst); err != nil {
			return err
		}
		if consumed.IsPositive() {
			payment.AddNote(fmt.Sprintf("Surplus of %s from installment %d applied", money(consumed), installments[idx-1].Number))
		}
		payment.AddNote(fmt.Sprintf("Confirmed by user %d", req.UserID))
		if err := tx.UpdatePayment(payment); err != nil {
			return err
		}

		res := &PaymentResult{Payment: payment, Installment: inst, PriorSurplus: consumed, Surplus: decimal.Zero}
		if res.LoanCancelled, err = s.closeIfSettled(tx, loan, installments, req.UserID, now); err != nil {
			return err
		}
		key, err := s.issueReceipt(ctx, tx, loan, inst, payment, now)
		if err != nil {
			return err
		}
		saved = append(saved, key)
		res.ReceiptURL = s.files.URL(key)
		if payment.ProofKey != "" {
			res.ProofURL = s.files.URL(payment.ProofKey)
		}
		result = res
		return nil
	})
	if err != nil {
		s.discard(saved)
		return nil, err
	}

	s.log.WithField("installment_id", req.InstallmentID).Info("Electronic payment confirmed")
	return result, nil
}

// RejectRequest turns down an electronic payment with a reason
type RejectRequest struct {
	InstallmentID int64  `json:"-" validate:"required,gt=0"`
	ClientID      int64  `json:"client_id" validate:"required,gt=0"`
	LoanID        int64  `json:"loan_id" validate:"required,gt=0"`
	Reason        string `json:"reason" validate:"required,min=3,max=500"`
	UserID        int64  `json:"-" validate:"required,gt=0"`
}

// RejectPrepaidPayment deletes the electronic payment and its proof files and reopens the installment
func (s *Service) RejectPrepaidPayment(ctx context.Context, req RejectRequest) (*models.Installment, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if err := s.check(req); err != nil {
		return nil, err
	}

	var result *models.Installment
	err := s.inInstallmentLoan(ctx, req.InstallmentID, func(tx repository.Tx) error {
		now := s.clock.Now()
		loan, installments, idx, err := s.loadInstallment(tx, req.InstallmentID, req.ClientID, now)
		if err != nil {
			return err
		}
		if loan.ID != req.LoanID {
			return business(ErrOwnership, "installment %d does not belong to loan %d", req.InstallmentID, req.LoanID)
		}
		inst := installments[idx]
		if inst.State != models.InstallmentPrepaid {
			return business(ErrNotPrepaid, "installment %d is not awaiting confirmation", inst.Number)
		}
		payment, err := latestPayment(tx, inst.ID)
		if err != nil {
			return err
		}
		if payment.Modality != models.PaymentElectronic {
			return business(ErrNotPrepaid, "latest payment of installment %d is not electronic", inst.Number)
		}

		payment.AddNote(fmt.Sprintf("Rejected by user %d: %s", req.UserID, req.Reason))
		if err := tx.UpdatePayment(payment); err != nil {
			return err
		}
		if err := tx.DeletePayment(payment.ID); err != nil {
			return err
		}

		inst.State = models.InstallmentPending
		inst.AddNote(fmt.Sprintf("Electronic payment %s rejected: %s (%s)", money(payment.AmountPaid), req.Reason, stamp(now)))
		if err := tx.UpdateInstallment(inst); err != nil {
			return err
		}

		if err := s.files.RemoveDir(storage.ProofDir(loan.ClientID, loan.ID, inst.ID)); err != nil {
			return external(err, "failed to delete payment proof")
		}
		result = inst
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("installment_id", req.InstallmentID).Infof("Electronic payment rejected: %s", req.Reason)
	return result, nil
}

// Document is a stored file handed back to the caller
type Document struct {
	Key  string `json:"key"`
	URL  string `json:"url"`
	Body []byte `json:"-"`
}

// GetReceipt returns the receipt of an installment's latest payment
func (s *Service) GetReceipt(ctx context.Context, installmentID, clientID int64) (*Document, error) {
	var key string
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		inst, loan, err := s.ownedInstallment(tx, installmentID, clientID)
		if err != nil {
			return err
		}
		if inst.State != models.InstallmentPaid {
			return business(ErrNoReceipt, "installment %d is not paid", inst.Number)
		}
		payment, err := latestPayment(tx, inst.ID)
		if err != nil {
			return err
		}
		key = receipt.Key(loan.ClientID, loan.ID, inst.ID, payment.ID, payment.PaidOn)
		return nil
	})
	if err := classify(err); err != nil {
		return nil, err
	}
	return s.readDocument(key)
}

// GetPaymentProof returns the proof image of an installment's electronic payment
func (s *Service) GetPaymentProof(ctx context.Context, installmentID, clientID int64) (*Document, error) {
	var key string
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		inst, _, err := s.ownedInstallment(tx, installmentID, clientID)
		if err != nil {
			return err
		}
		payment, err := latestPayment(tx, inst.ID)
		if err != nil {
			return err
		}
		if payment.ProofKey == "" {
			return fmt.Errorf("proof of installment %d: %w", inst.ID, repository.ErrNotFound)
		}
		key = payment.ProofKey
		return nil
	})
	if err := classify(err); err != nil {
		return nil, err
	}
	return s.readDocument(key)
}

func (s *Service) ownedInstallment(tx repository.Tx, installmentID, clientID int64) (*models.Installment, *models.Loan, error) {
	inst, err := tx.GetInstallment(installmentID)
	if err != nil {
		return nil, nil, err
	}
	loan, err := tx.GetLoan(inst.LoanID)
	if err != nil {
		return nil, nil, err
	}
	if clientID != 0 && loan.ClientID != clientID {
		return nil, nil, business(ErrOwnership, "installment %d does not belong to client %d", installmentID, clientID)
	}
	return inst, loan, nil
}

func (s *Service) readDocument(key string) (*Document, error) {
	rc, err := s.files.Open(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &Error{Kind: KindNotFound, Message: "document not found", Err: err}
	}
	if err != nil {
		return nil, external(err, "failed to open %s", key)
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, external(err, "failed to read %s", key)
	}
	return &Document{Key: key, URL: s.files.URL(key), Body: body}, nil
}
