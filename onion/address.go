package onion

import (
	"encoding/base32"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"
)

// DecodeOnion decodes a v3 .onion address and returns the 32-byte Ed25519 public key.
// It validates the checksum, version byte, and rejects keys with torsion components.
func DecodeOnion(address string) ([32]byte, error) {
	var pubkey [32]byte

	// Strip .onion suffix
	address = strings.TrimSuffix(strings.ToLower(address), ".onion")

	// Base32 decode (uppercase for standard base32)
	decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(address))
	if err != nil {
		return pubkey, fmt.Errorf("base32 decode: %w", err)
	}

	// Must be exactly 35 bytes: pubkey(32) + checksum(2) + version(1)
	if len(decoded) != 35 {
		return pubkey, fmt.Errorf("decoded length %d, expected 35", len(decoded))
	}

	copy(pubkey[:], decoded[:32])
	checksum := decoded[32:34]
	version := decoded[34]

	// Version must be 0x03
	if version != 0x03 {
		return pubkey, fmt.Errorf("unsupported version: %d", version)
	}

	// Verify checksum: SHA3-256(".onion checksum" || pubkey || version)[:2]
	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(pubkey[:])
	h.Write([]byte{version})
	expectedChecksum := h.Sum(nil)[:2]

	if checksum[0] != expectedChecksum[0] || checksum[1] != expectedChecksum[1] {
		return pubkey, fmt.Errorf("checksum mismatch")
	}

	// Validate the public key is a valid Ed25519 point
	A, err := new(edwards25519.Point).SetBytes(pubkey[:])
	if err != nil {
		return pubkey, fmt.Errorf("invalid ed25519 point: %w", err)
	}

	// Reject keys with a torsion component: [ℓ]A must be the identity,
	// computed as [ℓ-1]A + A with ℓ-1 = -1 mod ℓ.
	var oneBytes [32]byte
	oneBytes[0] = 1
	one, _ := edwards25519.NewScalar().SetCanonicalBytes(oneBytes[:])
	minusOne := edwards25519.NewScalar().Negate(one)
	lA := new(edwards25519.Point).ScalarMult(minusOne, A)
	if lA.Add(lA, A).Equal(edwards25519.NewIdentityPoint()) != 1 {
		return pubkey, fmt.Errorf("ed25519 key has a torsion component")
	}

	return pubkey, nil
}
