package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/yashasviy/wallet-ledger-api/models"
)

// Validate checks op against a balance read inside the exclusive window.
// It returns nil or a *RejectionError and never has side effects. The kind is
// assumed valid; Engine.Apply fails fast on unknown kinds before validating.
func Validate(balance decimal.Decimal, op models.Operation) error {
	if !op.Amount.IsPositive() {
		return &RejectionError{
			Reason:    ReasonInvalidAmount,
			AccountID: op.AccountID,
			Balance:   balance,
			Amount:    op.Amount,
		}
	}

	if op.Kind == models.Withdraw && op.Amount.GreaterThan(balance) {
		return &RejectionError{
			Reason:    ReasonInsufficientFunds,
			AccountID: op.AccountID,
			Balance:   balance,
			Amount:    op.Amount,
		}
	}

	return nil
}
