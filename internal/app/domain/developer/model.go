package developer

import (
	"encoding/hex"
	"time"
)

// SubaccountSize is the width of a ledger escrow subaccount in bytes.
const SubaccountSize = 32

// Subaccount is a derived sub-address of the platform's ledger account. Each
// developer gets exactly one, generated at registration and never reused.
type Subaccount [SubaccountSize]byte

// Developer is a registered tenant account. The identity is the opaque caller
// identity supplied by the hosting runtime. Apps holds the ordered IDs of the
// apps the developer owns; it is the reachability root for app records.
type Developer struct {
	ID               string
	EscrowSubaccount Subaccount
	Apps             []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EscrowAccount renders the ledger account identifier for this subaccount
// under the platform's ledger account.
func (s Subaccount) EscrowAccount(platformAccount string) string {
	return platformAccount + "." + hex.EncodeToString(s[:])
}

// OwnsApp reports whether appID is referenced in the developer's app list.
func (d Developer) OwnsApp(appID string) bool {
	for _, id := range d.Apps {
		if id == appID {
			return true
		}
	}
	return false
}
