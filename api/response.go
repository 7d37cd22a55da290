package api

import (
	"encoding/json"
	"errors"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/yashasviy/wallet-ledger-api/ledger"
	"github.com/yashasviy/wallet-ledger-api/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.ErrorResponse{StatusCode: status, Message: message})
}

// writeLedgerError maps engine outcomes: unknown accounts are 404, business
// rejections 400, and everything else an opaque 500.
func writeLedgerError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case ledger.IsRejection(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("request failed",
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
