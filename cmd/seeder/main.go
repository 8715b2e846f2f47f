// Command seeder provisions a demo account with an opening balance so the
// charge endpoint can be exercised locally.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/picopay/picopay/internal/infra"
	"github.com/picopay/picopay/internal/ledger"
)

func main() {
	_ = godotenv.Load()

	accountID := flag.Int64("account", 1, "account identifier to create or reset")
	balance := flag.String("balance", "1000.00", "opening balance")
	flag.Parse()

	amount, err := decimal.NewFromString(*balance)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid balance %q: %v\n", *balance, err)
		os.Exit(1)
	}

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL must be set")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := infra.NewPostgresPool(ctx, url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect postgres: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := ledger.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ensure schema: %v\n", err)
		os.Exit(1)
	}
	if err := store.UpsertAccount(ctx, *accountID, amount); err != nil {
		fmt.Fprintf(os.Stderr, "seed account: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("account %d ready with balance %s\n", *accountID, amount)
}
