// Package exchange caches the token/credit exchange rate quoted by the
// external price oracle.
package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/mu-platform/escrow_ledger/internal/app/apperr"
	"github.com/mu-platform/escrow_ledger/internal/app/metrics"
	"github.com/mu-platform/escrow_ledger/pkg/logger"
)

// RateSource fetches a fresh quote from the oracle. One call is one external
// round trip.
type RateSource interface {
	ExchangeRate(ctx context.Context, base, quote string) (uint64, error)
}

// RateSourceFunc adapts a function to the RateSource interface.
type RateSourceFunc func(ctx context.Context, base, quote string) (uint64, error)

func (f RateSourceFunc) ExchangeRate(ctx context.Context, base, quote string) (uint64, error) {
	return f(ctx, base, quote)
}

// Cache is a lazily refreshed single-quote cache. It has two states: empty,
// or holding a rate with an expiry. A read within the expiry window performs
// no external call; any other read performs exactly one refresh.
//
// The check-then-refresh sequence is deliberately not serialized across the
// oracle round trip: two concurrent refreshes may both query the oracle, with
// the later write winning. That costs a redundant oracle call and nothing
// else. A refresh failure leaves the cache unset, so the next read retries.
type Cache struct {
	source RateSource
	base   string
	quote  string
	ttl    time.Duration
	log    *logger.Logger

	now func() time.Time

	mu        sync.Mutex
	rate      uint64
	expiresAt time.Time
}

// NewCache constructs a cache for the base/quote pair with the given TTL.
func NewCache(source RateSource, base, quote string, ttl time.Duration, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.NewDefault("exchange")
	}
	return &Cache{
		source: source,
		base:   base,
		quote:  quote,
		ttl:    ttl,
		log:    log,
		now:    time.Now,
	}
}

// Rate returns the cached rate, refreshing from the oracle when the cache is
// empty or expired.
func (c *Cache) Rate(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	if c.rate != 0 && !c.now().After(c.expiresAt) {
		rate := c.rate
		c.mu.Unlock()
		return rate, nil
	}
	c.mu.Unlock()

	metrics.CountOracleQuery()
	rate, err := c.source.ExchangeRate(ctx, c.base, c.quote)
	if err != nil {
		return 0, apperr.Internal("fetch exchange rate", err)
	}

	c.mu.Lock()
	c.rate = rate
	c.expiresAt = c.now().Add(c.ttl)
	c.mu.Unlock()

	c.log.WithField("pair", c.base+"/"+c.quote).
		WithField("rate", rate).
		Debugf("exchange rate refreshed")
	return rate, nil
}
