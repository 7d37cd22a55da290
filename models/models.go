package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OperationKind is the direction of a balance change.
type OperationKind int

const (
	Deposit  OperationKind = 1
	Withdraw OperationKind = 2
)

func (k OperationKind) String() string {
	switch k {
	case Deposit:
		return "Deposit"
	case Withdraw:
		return "Withdraw"
	default:
		return fmt.Sprintf("OperationKind(%d)", int(k))
	}
}

// ParseOperationKind maps the wire name of an operation kind, case-insensitively.
func ParseOperationKind(s string) (OperationKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "deposit":
		return Deposit, nil
	case "withdraw":
		return Withdraw, nil
	}
	return 0, fmt.Errorf("unknown operation type %q", s)
}

// Account is a snapshot of one account's balance.
type Account struct {
	ID      uuid.UUID
	Balance decimal.Decimal
}

// Operation is a single deposit or withdraw request against one account.
// It is a value: nothing identifies it beyond its fields.
type Operation struct {
	AccountID uuid.UUID
	Kind      OperationKind
	Amount    decimal.Decimal
}

// Signed returns the amount as it changes the balance: positive for a deposit,
// negative for a withdrawal.
func (o Operation) Signed() decimal.Decimal {
	if o.Kind == Withdraw {
		return o.Amount.Neg()
	}
	return o.Amount
}

// OperationRequest is what the user sends to the wallet endpoint
type OperationRequest struct {
	AccountID uuid.UUID       `json:"accountId"`
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
}

// Operation converts the request into a domain operation.
func (r OperationRequest) Operation() (Operation, error) {
	kind, err := ParseOperationKind(r.Type)
	if err != nil {
		return Operation{}, err
	}
	return Operation{AccountID: r.AccountID, Kind: kind, Amount: r.Amount}, nil
}

// AccountResponse is the account representation returned by the API.
// Balance is emitted as a JSON number.
type AccountResponse struct {
	ID      uuid.UUID   `json:"id"`
	Balance json.Number `json:"balance"`
}

// NewAccountResponse builds the API representation of an account.
func NewAccountResponse(a Account) AccountResponse {
	return AccountResponse{ID: a.ID, Balance: json.Number(a.Balance.String())}
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}
