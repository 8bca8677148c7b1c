package settlement

import "time"

// Status tracks how far a top-up intent has progressed. Entries advance
// strictly forward; a crash leaves the last durably recorded step, which the
// reconciler uses to resume or finish the protocol.
type Status string

const (
	// StatusPending: intent written, no external side effect yet.
	StatusPending Status = "pending"
	// StatusTransferred: tokens left escrow; BlockIndex is set.
	StatusTransferred Status = "transferred"
	// StatusNotified: minting service confirmed; MintedCredit is set.
	StatusNotified Status = "notified"
	// StatusCompleted: usage record appended, protocol finished.
	StatusCompleted Status = "completed"
	// StatusFailed: aborted before any transfer happened.
	StatusFailed Status = "failed"
)

// Entry is the durable journal record for one top-up attempt. It is written
// before the first external call so that partial completion survives a crash.
type Entry struct {
	ID               string
	AppID            string
	DeveloperID      string
	RequestedCredit  uint64
	Rate             uint64
	TokensNeeded     int64
	CommissionTokens int64
	BlockIndex       uint64
	MintedCredit     uint64
	Status           Status
	Reason           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Open reports whether the entry still needs reconciliation.
func (e Entry) Open() bool {
	return e.Status == StatusTransferred || e.Status == StatusNotified
}
