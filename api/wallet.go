// Package api exposes the ledger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yashasviy/wallet-ledger-api/models"
)

// Ledger is the part of ledger.Engine the handlers use.
type Ledger interface {
	CreateAccount(ctx context.Context) (models.Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (models.Account, error)
	GetAccountConsistent(ctx context.Context, id uuid.UUID) (models.Account, error)
	Apply(ctx context.Context, op models.Operation) (models.Account, error)
}

// CreateAccountHandler opens a new zero-balance account.
func CreateAccountHandler(l Ledger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := l.CreateAccount(r.Context())
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, models.NewAccountResponse(acct))
	}
}

// GetAccountHandler returns an account's balance. With ?consistent=true the
// balance is read inside the account's exclusive window.
func GetAccountHandler(l Ledger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid account id: "+chi.URLParam(r, "id"))
			return
		}

		consistent := false
		if raw := r.URL.Query().Get("consistent"); raw != "" {
			if consistent, err = strconv.ParseBool(raw); err != nil {
				writeError(w, http.StatusBadRequest, "invalid consistent flag: "+raw)
				return
			}
		}

		get := l.GetAccount
		if consistent {
			get = l.GetAccountConsistent
		}

		acct, err := get(r.Context(), id)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, models.NewAccountResponse(acct))
	}
}

// OperationHandler applies a deposit or withdrawal.
func OperationHandler(l Ledger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.OperationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}

		op, err := req.Operation()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		acct, err := l.Apply(r.Context(), op)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, models.NewAccountResponse(acct))
	}
}
