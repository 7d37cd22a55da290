package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrAccountNotFound is returned when the referenced account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidAmount is matched by rejections of zero or negative amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientFunds is matched by rejections of withdrawals exceeding the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrHandleReleased is returned by a Handle that already committed or aborted.
	ErrHandleReleased = errors.New("exclusive handle already released")
)

// Reason is the closed set of business rejection causes.
type Reason int

const (
	ReasonInvalidAmount Reason = iota + 1
	ReasonInsufficientFunds
)

func (r Reason) String() string {
	switch r {
	case ReasonInvalidAmount:
		return "InvalidAmount"
	case ReasonInsufficientFunds:
		return "InsufficientFunds"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// RejectionError reports an operation refused by validation. The account it
// names is unchanged. Balance is the value observed inside the exclusive window.
type RejectionError struct {
	Reason    Reason
	AccountID uuid.UUID
	Balance   decimal.Decimal
	Amount    decimal.Decimal
}

func (e *RejectionError) Error() string {
	switch e.Reason {
	case ReasonInsufficientFunds:
		return fmt.Sprintf("not enough balance in account %s: balance is %s but amount to withdraw is %s",
			e.AccountID, e.Balance, e.Amount)
	default:
		return fmt.Sprintf("amount should be greater than 0 but got %s", e.Amount)
	}
}

// Is lets errors.Is match a rejection against the sentinel of its reason.
func (e *RejectionError) Is(target error) bool {
	switch e.Reason {
	case ReasonInvalidAmount:
		return target == ErrInvalidAmount
	case ReasonInsufficientFunds:
		return target == ErrInsufficientFunds
	}
	return false
}

// IsRejection reports whether err is a business rejection.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}
