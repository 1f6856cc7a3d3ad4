package service

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Validation errors: the caller can fix the request.
var (
	ErrInvalidAmount  = errors.New("amount must be a positive number not exceeding the per-operation limit")
	ErrInvalidMethod  = errors.New("payment method is not supported")
	ErrInvalidPackage = errors.New("package id is required")
	ErrInvalidUser    = errors.New("user id is required")
)

// Not-found errors.
var (
	ErrPackageNotFound = errors.New("package not found")
	ErrPackageInactive = errors.New("package is not available")
	ErrWalletNotFound  = errors.New("wallet not found")
)

// Authorization errors, raised by the gate in front of the ledger.
var (
	ErrUnauthorized = errors.New("authentication required")
	ErrForbidden    = errors.New("role is not allowed to use the wallet")
)

// InsufficientFundsError carries what the client needs to explain the refusal.
type InsufficientFundsError struct {
	Balance decimal.Decimal
	Price   decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient balance: have %s, need %s", e.Balance, e.Price)
}

// PersistenceError wraps an unexpected storage failure. Its message is safe to
// show; the cause is only for logs.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "internal storage error" }

func (e *PersistenceError) Unwrap() error { return e.Err }

// Detail is the full cause, for logging.
func (e *PersistenceError) Detail() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsValidation reports whether err is a client-fixable input error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidMethod) ||
		errors.Is(err, ErrInvalidPackage) ||
		errors.Is(err, ErrInvalidUser)
}

// IsNotFound reports whether err names a missing or unavailable resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPackageNotFound) ||
		errors.Is(err, ErrPackageInactive) ||
		errors.Is(err, ErrWalletNotFound)
}
