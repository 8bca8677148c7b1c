package exchange_test

import (
	"context"
	"fmt"
	"time"

	"github.com/mu-platform/escrow_ledger/internal/app/services/exchange"
)

func ExampleCache() {
	source := exchange.RateSourceFunc(func(_ context.Context, _, _ string) (uint64, error) {
		return 5, nil
	})
	cache := exchange.NewCache(source, "TOKEN", "CREDIT", time.Minute, nil)

	rate, _ := cache.Rate(context.Background())
	fmt.Println(rate)
	// Output: 5
}
