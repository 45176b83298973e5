package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/ledger"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: checkbal <account-uuid>")
		os.Exit(1)
	}
	ctx := context.Background()
	db, err := ledger.Open(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "open postgres:", err)
		os.Exit(1)
	}
	store := ledger.New(db, ledger.Config{}, zap.NewNop())

	accountID := uuid.MustParse(os.Args[1])
	balance, _ := store.Balance(ctx, accountID)
	entries, _ := store.ListEntries(ctx, accountID, ledger.EntryFilter{Limit: 10})
	fmt.Printf("balance: %d credits\n", balance)
	for _, e := range entries {
		fmt.Printf("  %s  %+7d  %-15s  %s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.Amount, e.Reason, e.Reference)
	}
}
