package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/yashasviy/wallet-ledger-api/middleware"
)

// Options configures the router.
type Options struct {
	Logger *zap.Logger

	// Mutating wraps the endpoints that change state, e.g. with
	// middleware.Idempotency. Nil leaves them unwrapped.
	Mutating func(http.Handler) http.Handler
}

// NewRouter wires the wallet endpoints:
//
//	POST /api/v1/wallet/create
//	GET  /api/v1/wallet/{id}
//	POST /api/v1/wallet
func NewRouter(l Ledger, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, middleware.RequestLogger(logger), chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mutating := r.With()
	if opts.Mutating != nil {
		mutating = r.With(opts.Mutating)
	}

	mutating.Post("/api/v1/wallet/create", CreateAccountHandler(l, logger))
	mutating.Post("/api/v1/wallet", OperationHandler(l, logger))
	r.Get("/api/v1/wallet/{id}", GetAccountHandler(l, logger))

	return r
}
