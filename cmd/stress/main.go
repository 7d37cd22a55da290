// Command stress fires concurrent deposit/withdraw streams at one account of
// a running wallet API and verifies that no update was lost.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yashasviy/wallet-ledger-api/loadgen"
	"github.com/yashasviy/wallet-ledger-api/models"
)

const (
	// DefaultURL is the target API base address
	DefaultURL = "http://localhost:8080"

	// DefaultStreams is the number of concurrent operation streams
	DefaultStreams = 3

	// DefaultOpsPerStream is the length of each stream
	DefaultOpsPerStream = 10000
)

func main() {
	var (
		url     string
		streams int
		perOps  int
		seed    int64
		timeout time.Duration
	)
	flag.StringVar(&url, "url", DefaultURL, "API base URL")
	flag.IntVar(&streams, "streams", DefaultStreams, "Number of concurrent streams")
	flag.IntVar(&perOps, "ops", DefaultOpsPerStream, "Operations per stream")
	flag.Int64Var(&seed, "seed", 42, "Seed of the first stream; stream i uses seed+i")
	flag.DurationVar(&timeout, "timeout", 10*time.Minute, "Overall deadline")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fmt.Println("  WALLET LEDGER API - CONCURRENT STRESS TEST")

	runner := loadgen.NewRunner(url, &http.Client{Timeout: 10 * time.Second})
	accountID, err := runner.CreateAccount(ctx)
	if err != nil {
		log.Fatalf("Failed to create test account: %v", err)
	}

	ops := make([][]models.Operation, streams)
	for i := range ops {
		ops[i] = loadgen.Generate(seed+int64(i)+1, perOps, accountID)
	}

	fmt.Printf("Endpoint:       %s\n", url)
	fmt.Printf("Account:        %s\n", accountID)
	fmt.Printf("Concurrency:    %d streams x %d operations\n", streams, perOps)
	fmt.Println("---------------------------------------------------------------")

	results := runner.Run(ctx, ops)

	balance, err := runner.Balance(ctx, accountID)
	if err != nil {
		log.Fatalf("Failed to read final balance: %v", err)
	}

	if !printResults(results, balance) {
		os.Exit(1)
	}
}

// printResults displays formatted test results and reports the verdict
func printResults(results loadgen.Results, balance decimal.Decimal) bool {
	fmt.Println("                    TEST RESULTS")
	fmt.Printf("Duration:                     %v\n", results.Duration)
	fmt.Printf("Requests per second:          %.2f\n", float64(results.Total())/results.Duration.Seconds())
	fmt.Printf("[SUCCESS]  Applied:                %d\n", results.SuccessCount)
	fmt.Printf("[REJECTED] Business rejections:    %d\n", results.RejectedCount)
	fmt.Printf("[MISSING]  Account not found:      %d\n", results.NotFoundCount)
	fmt.Printf("[ERROR]    Network/Server errors:  %d\n", results.ErrorCount)
	fmt.Printf("Expected balance:             %s\n", results.AcceptedSum)
	fmt.Printf("Final balance:                %s\n", balance)

	if balance.Equal(results.AcceptedSum) && results.ErrorCount == 0 {
		fmt.Println("TEST PASSED: no lost updates")
		return true
	}

	fmt.Println("TEST FAILED")
	if !balance.Equal(results.AcceptedSum) {
		fmt.Println("  * CRITICAL: final balance differs from the sum of accepted operations")
	}
	if results.ErrorCount > 0 {
		fmt.Printf("  * Network/server errors: %d\n", results.ErrorCount)
	}
	return false
}
