// Package isolation implements the stream isolation tokens the circuit
// manager uses to decide which circuits a stream request may share
// (spec §6, §4.10). A token is deliberately opaque outside this package:
// callers only ever ask whether two tokens are Compatible and, if so,
// what token the resulting shared circuit should carry (Join).
package isolation

import "crypto/sha256"

// Token is anything that can gate circuit sharing between two stream
// requests. Two requests may share a circuit only if every token pair
// across the two requests' isolation sets is Compatible. Per spec §6,
// Compatible must be symmetric and reflexive: compatible(a,a) is always
// true, and compatible(a,b) must equal compatible(b,a) for every pair of
// concrete implementations below.
type Token interface {
	// Compatible reports whether a stream carrying this token may share
	// a circuit with one carrying other.
	Compatible(other Token) bool
	// Join returns the token a shared circuit should be tagged with
	// going forward, once two compatible tokens have in fact shared a
	// circuit, and true. It returns (nil, false) when no valid join
	// exists — the caller must treat that as forbidding the share even
	// if Compatible had returned true for some looser reason.
	Join(other Token) (Token, bool)
}

// None is the universal "innocent" token (spec §6): compatible with
// anything, including Unique and Keyed tokens, and the identity element
// of Join. A freshly built circuit that has not yet served any stream
// starts out tagged with None.
type None struct{}

func (None) Compatible(Token) bool { return true }

func (None) Join(other Token) (Token, bool) {
	if other == nil {
		return None{}, true
	}
	return other, true
}

// Unique is a token compatible only with itself and with None (spec §6:
// "compatible only with itself and with a universal innocent value").
// Every other request — including a different Unique instance — gets
// its own circuit. Used for explicit per-request isolation (spec §4.10,
// "IsolateEverything"-equivalent request knob).
type Unique struct{ id uint64 }

// NewUnique returns a Unique token seeded from id, which the caller must
// ensure is distinct per request (e.g. a monotonic counter).
func NewUnique(id uint64) Unique { return Unique{id: id} }

func (u Unique) Compatible(other Token) bool {
	switch o := other.(type) {
	case Unique:
		return o.id == u.id
	case None:
		return true
	default:
		return false
	}
}

func (u Unique) Join(other Token) (Token, bool) {
	if !u.Compatible(other) {
		return nil, false
	}
	return u, true
}

// Keyed is a token scoped by an opaque, pre-hashed key — e.g. derived
// from destination address, SOCKS credentials, or session identifier
// (spec §4.10). Two Keyed tokens are compatible only if their keys and
// kind match exactly, or if the other side is None.
type Keyed struct {
	Kind string // "destination", "credential", "port", "session", ...
	Key  [32]byte
}

// NewKeyed derives a Keyed token by hashing data under kind, so raw
// credentials or addresses are never retained in the token itself.
func NewKeyed(kind string, data []byte) Keyed {
	return Keyed{Kind: kind, Key: sha256.Sum256(append([]byte(kind+"\x00"), data...))}
}

func (k Keyed) Compatible(other Token) bool {
	switch o := other.(type) {
	case Keyed:
		return o.Kind == k.Kind && o.Key == k.Key
	case None:
		return true
	default:
		return false
	}
}

func (k Keyed) Join(other Token) (Token, bool) {
	if !k.Compatible(other) {
		return nil, false
	}
	return k, true
}

// LimitedPurposes is the spec's second required token type (spec §6:
// "a 'limited-purpose-count' type, compatible while the union of
// purposes stays under a cap"). Two LimitedPurposes tokens — or a
// LimitedPurposes and None — are compatible as long as the union of
// their purpose sets does not exceed the smaller of their two caps.
// Useful for, e.g., bounding how many distinct destination ports a
// single circuit serves without pinning it to exactly one.
type LimitedPurposes struct {
	Purposes map[string]struct{}
	Cap      int
}

// NewLimitedPurposes returns a LimitedPurposes token tagged with the
// given purposes, compatible with anything whose union with it stays at
// or under cap purposes.
func NewLimitedPurposes(cap int, purposes ...string) LimitedPurposes {
	set := make(map[string]struct{}, len(purposes))
	for _, p := range purposes {
		set[p] = struct{}{}
	}
	return LimitedPurposes{Purposes: set, Cap: cap}
}

func (l LimitedPurposes) union(other LimitedPurposes) map[string]struct{} {
	u := make(map[string]struct{}, len(l.Purposes)+len(other.Purposes))
	for p := range l.Purposes {
		u[p] = struct{}{}
	}
	for p := range other.Purposes {
		u[p] = struct{}{}
	}
	return u
}

func (l LimitedPurposes) Compatible(other Token) bool {
	switch o := other.(type) {
	case LimitedPurposes:
		cap := l.Cap
		if o.Cap < cap {
			cap = o.Cap
		}
		return len(l.union(o)) <= cap
	case None:
		return true
	default:
		return false
	}
}

func (l LimitedPurposes) Join(other Token) (Token, bool) {
	if !l.Compatible(other) {
		return nil, false
	}
	if o, ok := other.(LimitedPurposes); ok {
		cap := l.Cap
		if o.Cap < cap {
			cap = o.Cap
		}
		return LimitedPurposes{Purposes: l.union(o), Cap: cap}, true
	}
	return l, true
}

// Set is a fixed-order collection of tokens all of which must be pairwise
// Compatible, index-for-index, across two stream requests for the
// requests to share a circuit (spec §4.10: isolation is the conjunction
// of several axes — destination, credentials, source port, session —
// not just one). A circuit manager builds one Set per axis it tracks
// and keeps them aligned by index.
type Set []Token

// CompatibleWith reports whether s and other have the same axis count
// and every token in s is Compatible with the token at the same index
// in other — the full isolation contract a circuit manager checks
// before handing an existing circuit to a new stream request.
func (s Set) CompatibleWith(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if !s[i].Compatible(other[i]) {
			return false
		}
	}
	return true
}

// Join returns the token set a circuit should carry after actually
// being shared between s and other, index-for-index, and true. It
// returns (nil, false) if the sets aren't CompatibleWith one another or
// any per-axis Join declines — per spec §6, "None forbids sharing."
func (s Set) Join(other Set) (Set, bool) {
	if !s.CompatibleWith(other) {
		return nil, false
	}
	joined := make(Set, len(s))
	for i := range s {
		j, ok := s[i].Join(other[i])
		if !ok {
			return nil, false
		}
		joined[i] = j
	}
	return joined, true
}
