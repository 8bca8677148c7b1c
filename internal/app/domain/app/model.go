package app

import "time"

// State is the lifecycle state of an app record.
type State string

const (
	StateActive  State = "active"
	StateDeleted State = "deleted"
)

// UsageKind discriminates usage record variants.
type UsageKind string

const (
	// UsageResourceTopUp records compute credit bought out of escrow.
	UsageResourceTopUp UsageKind = "resource_top_up"
	// UsageAdditionalService records billing for future platform services.
	UsageAdditionalService UsageKind = "additional_service"
)

// UsageRecord is an append-only billable event attached to an app. Amount is
// the value debited in ledger token subunits; CreditAmount is the resource
// credit minted for a top-up. Records are never mutated or removed.
type UsageRecord struct {
	Kind         UsageKind
	CreditAmount uint64
	Details      []byte
	Timestamp    time.Time
	Amount       int64
}

// App is a deployed unit of work owned by exactly one developer. A removed
// app keeps its record as a StateDeleted tombstone; only the owning
// developer's app list makes it reachable.
type App struct {
	ID          string
	DeveloperID string
	State       State
	Revision    uint32
	Name        string
	Payload     []byte
	Usages      []UsageRecord
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Active reports whether the app accepts operations.
func (a App) Active() bool { return a.State == StateActive }
