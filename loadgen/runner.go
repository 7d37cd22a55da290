package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yashasviy/wallet-ledger-api/models"
)

// Results tracks the outcomes of all requests
type Results struct {
	SuccessCount  int32
	RejectedCount int32
	NotFoundCount int32
	ErrorCount    int32
	Duration      time.Duration

	// AcceptedSum is the signed sum of every operation the API accepted.
	AcceptedSum decimal.Decimal
}

// Total is the number of requests sent.
func (r Results) Total() int32 {
	return r.SuccessCount + r.RejectedCount + r.NotFoundCount + r.ErrorCount
}

// Runner drives the wallet API at BaseURL.
type Runner struct {
	BaseURL string
	Client  *http.Client
}

// NewRunner returns a Runner for baseURL. A nil client gets a 10s timeout.
func NewRunner(baseURL string, client *http.Client) *Runner {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Runner{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

// CreateAccount opens a fresh account through the API.
func (r *Runner) CreateAccount(ctx context.Context) (uuid.UUID, error) {
	var acct models.AccountResponse
	if err := r.do(ctx, http.MethodPost, "/api/v1/wallet/create", nil, &acct); err != nil {
		return uuid.Nil, err
	}
	return acct.ID, nil
}

// Balance fetches the account's balance through the exclusive path.
func (r *Runner) Balance(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	var acct models.AccountResponse
	if err := r.do(ctx, http.MethodGet, "/api/v1/wallet/"+id.String()+"?consistent=true", nil, &acct); err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(acct.Balance.String())
}

// Run sends every stream on its own goroutine, in order within the stream,
// and returns aggregated results.
func (r *Runner) Run(ctx context.Context, streams [][]models.Operation) Results {
	var (
		results Results
		wg      sync.WaitGroup
		mu      sync.Mutex
		start   = time.Now()
	)
	results.AcceptedSum = decimal.Zero

	for _, stream := range streams {
		wg.Add(1)
		go func(ops []models.Operation) {
			defer wg.Done()
			for _, op := range ops {
				if ctx.Err() != nil {
					return
				}
				if r.execute(ctx, op, &results) {
					mu.Lock()
					results.AcceptedSum = results.AcceptedSum.Add(op.Signed())
					mu.Unlock()
				}
			}
		}(stream)
	}

	wg.Wait()
	results.Duration = time.Since(start)
	return results
}

// execute sends one operation, updates results atomically and reports
// whether the API accepted it.
func (r *Runner) execute(ctx context.Context, op models.Operation, results *Results) bool {
	body := models.OperationRequest{AccountID: op.AccountID, Type: op.Kind.String(), Amount: op.Amount}
	status, err := r.send(ctx, http.MethodPost, "/api/v1/wallet", body, nil)

	switch {
	case err != nil:
		atomic.AddInt32(&results.ErrorCount, 1)
	case status == http.StatusOK:
		atomic.AddInt32(&results.SuccessCount, 1)
		return true
	case status == http.StatusBadRequest:
		atomic.AddInt32(&results.RejectedCount, 1)
	case status == http.StatusNotFound:
		atomic.AddInt32(&results.NotFoundCount, 1)
	default:
		atomic.AddInt32(&results.ErrorCount, 1)
	}
	return false
}

func (r *Runner) do(ctx context.Context, method, path string, body, out any) error {
	status, err := r.send(ctx, method, path, body, out)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, status)
	}
	return nil
}

func (r *Runner) send(ctx context.Context, method, path string, body, out any) (int, error) {
	var payload io.Reader = http.NoBody
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, payload)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}
