// Package loadgen produces operation streams and drives them concurrently
// against the wallet API.
package loadgen

import (
	"math/rand"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yashasviy/wallet-ledger-api/models"
)

const (
	// DepositRatio is the share of generated operations that are deposits.
	DepositRatio = 0.8

	// amountScale is the number of decimal places of generated amounts.
	amountScale = 4
)

var (
	openingDeposit = decimal.NewFromInt(10)
	one            = decimal.NewFromInt(1)
	hundredth      = decimal.RequireFromString("0.01")
)

// Generate returns n operations against accountID, reproducible from seed.
//
// The stream opens with a deposit of 10. Later amounts are 1 plus a 0.01-0.02
// percent slice of the stream's running balance. A withdrawal that would take
// the running balance below zero is emitted as a deposit instead, so every
// prefix of the stream has a non-negative sum. Streams built this way can be
// interleaved in any order without a rejection.
func Generate(seed int64, n int, accountID uuid.UUID) []models.Operation {
	if n <= 0 {
		return nil
	}

	rnd := rand.New(rand.NewSource(seed))
	ops := make([]models.Operation, 0, n)
	ops = append(ops, models.Operation{AccountID: accountID, Kind: models.Deposit, Amount: openingDeposit})
	balance := openingDeposit

	for i := 1; i < n; i++ {
		kind := models.Deposit
		if rnd.Float64() >= DepositRatio {
			kind = models.Withdraw
		}

		percent := decimal.NewFromFloat(rnd.Float64()*0.01 + 0.01)
		amount := percent.Mul(hundredth).Mul(balance).Add(one).Round(amountScale)

		if kind == models.Withdraw && amount.GreaterThan(balance) {
			kind = models.Deposit
		}

		op := models.Operation{AccountID: accountID, Kind: kind, Amount: amount}
		ops = append(ops, op)
		balance = balance.Add(op.Signed())
	}

	return ops
}

// SignedSum adds up the balance change of every operation.
func SignedSum(ops ...[]models.Operation) decimal.Decimal {
	sum := decimal.Zero
	for _, stream := range ops {
		for _, op := range stream {
			sum = sum.Add(op.Signed())
		}
	}
	return sum
}
