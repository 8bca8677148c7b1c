// Package settings holds the process-wide billing parameters. The values are
// fixed at construction time and passed explicitly into every service; there
// is no ambient registry and no lazy initialization path.
package settings

import (
	"fmt"
	"time"
)

// Settings are the billing parameters supplied exactly once at startup.
type Settings struct {
	// MinimumEscrowBalanceForDeploy is the escrow balance, in token subunits,
	// a developer must hold before deploying an app.
	MinimumEscrowBalanceForDeploy int64
	// MaxAppsPerDeveloper caps the number of apps one developer may own.
	MaxAppsPerDeveloper int
	// CommissionRate is the platform's cut of each top-up, recorded on the
	// settlement journal entry.
	CommissionRate float64
	// ExchangeRateTTL bounds how long a cached oracle quote stays valid.
	ExchangeRateTTL time.Duration
}

// Validate rejects settings no deployment could meaningfully run with.
func (s Settings) Validate() error {
	if s.MinimumEscrowBalanceForDeploy < 0 {
		return fmt.Errorf("minimum escrow balance must not be negative")
	}
	if s.MaxAppsPerDeveloper <= 0 {
		return fmt.Errorf("max apps per developer must be positive")
	}
	if s.CommissionRate < 0 || s.CommissionRate >= 1 {
		return fmt.Errorf("commission rate must be in [0, 1)")
	}
	if s.ExchangeRateTTL <= 0 {
		return fmt.Errorf("exchange rate ttl must be positive")
	}
	return nil
}
