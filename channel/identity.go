package channel

import (
	"fmt"

	"github.com/opaline-labs/coriander/cell"
)

// AuthRole distinguishes a client-facing channel (never sends/accepts
// AUTHENTICATE) from a relay-to-relay channel (exchanges it both ways),
// re-exported from the cell package since it governs link-state
// transitions the codec checks (spec §4.2).
type AuthRole = cell.AuthRole

const (
	AuthRoleClient = cell.AuthRoleClient
	AuthRoleRelay  = cell.AuthRoleRelay
)

// Identity is a relay's long-term identity pair: Ed25519 plus the legacy
// RSA fingerprint (SHA-1 of the RSA identity key, 20 bytes). Per spec §3,
// identity equality is always checked over the whole set, never a single
// component.
type Identity struct {
	Ed25519 [32]byte
	RSA     [20]byte
}

// Equal reports whether id and other describe the same relay. Both
// components must match; a match on only one is not equality.
func (id Identity) Equal(other Identity) bool {
	return id.Ed25519 == other.Ed25519 && id.RSA == other.RSA
}

func (id Identity) String() string {
	return fmt.Sprintf("ed25519:%x rsa:%x", id.Ed25519[:8], id.RSA[:8])
}

// Target describes how to open one channel to one relay: an ordered list
// of addresses to try, the relay's identity set, and an optional
// pluggable-transport selector name (empty string means direct TCP+TLS).
// Immutable once constructed, per spec §3.
type Target struct {
	Addresses   []string // "host:port", tried in order
	Identity    Identity
	Transport   string // pluggable-transport selector, "" for direct
}
