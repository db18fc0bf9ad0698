package service

import (
	"errors"
	"fmt"

	"github.com/Dan9191/loan-service/internal/repository"
	"github.com/go-playground/validator/v10"
)

// Kind classifies a failed operation
type Kind string

const (
	KindValidation Kind = "validation"
	KindBusiness   Kind = "business"
	KindNotFound   Kind = "not_found"
	KindExternal   Kind = "external"
)

// Error is a typed operation failure. Err keeps the original cause for logging.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Business rule violations callers may want to match with errors.Is
var (
	ErrAlreadyPaid        = errors.New("installment already paid")
	ErrAwaitingConfirm    = errors.New("installment has an electronic payment awaiting confirmation")
	ErrClientNotActive    = errors.New("client is not active")
	ErrClientDisabled     = errors.New("client is disabled")
	ErrActiveLoanExists   = errors.New("client already has an active loan")
	ErrLoanNotActive      = errors.New("loan is not active")
	ErrNothingOutstanding = errors.New("loan has no outstanding installments")
	ErrRefinanceLimit     = errors.New("refinance limit reached")
	ErrTooOverdue         = errors.New("installments are too far overdue to reschedule")
	ErrAmountMismatch     = errors.New("amount does not match the amount due")
	ErrRolloverBlocked    = errors.New("earlier installments are still unpaid")
	ErrReductionApplied   = errors.New("late fee reduction already applied")
	ErrNotPrepaid         = errors.New("installment has no electronic payment to review")
	ErrNoReceipt          = errors.New("installment has no receipt")
	ErrOwnership          = errors.New("installment does not belong to the client")
	ErrSuperseded         = errors.New("installment was replaced by a refinance")
)

func validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func business(err error, format string, args ...any) error {
	return &Error{Kind: KindBusiness, Message: fmt.Sprintf(format, args...), Err: err}
}

func external(err error, format string, args ...any) error {
	return &Error{Kind: KindExternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// classify turns repository lookups that missed into not_found errors
func classify(err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, repository.ErrNotFound) {
		return &Error{Kind: KindNotFound, Message: "not found", Err: err}
	}
	return err
}

func invalid(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return validationf("field %s failed on %s", fe.Field(), fe.Tag())
	}
	return validationf("invalid request: %v", err)
}

// KindOf returns the kind of a typed error, or "" for anything else
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ""
}
