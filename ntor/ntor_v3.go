package ntor

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ntor-v3 extends plain ntor with an encrypted extension block carried
// alongside the CREATE2/CREATED2 handshake data, used to negotiate
// per-hop congestion-control parameters without an extra round trip
// (spec §4.9, supplemented from the reference protocol's ntor-v3
// extension).
const (
	protoIDv3   = "ntor3-curve25519-sha256-1"
	tKeyV3      = protoIDv3 + ":kdf"
	tVerifyV3   = protoIDv3 + ":verify"
	tAuthV3     = protoIDv3 + ":auth_final"
	mExpandV3   = protoIDv3 + ":key_expand"
	extAEADInfo = protoIDv3 + ":ext_aead"
)

// ExtensionV3 carries the congestion-control parameters a client
// requests, and a relay accepts, during the ntor-v3 extension exchange.
type ExtensionV3 struct {
	RequestCongestionControl bool
	SendmeInc                uint32
}

func (e ExtensionV3) encode() []byte {
	buf := make([]byte, 5)
	if e.RequestCongestionControl {
		buf[0] = 1
	}
	buf[1] = byte(e.SendmeInc >> 24)
	buf[2] = byte(e.SendmeInc >> 16)
	buf[3] = byte(e.SendmeInc >> 8)
	buf[4] = byte(e.SendmeInc)
	return buf
}

func decodeExtensionV3(b []byte) (ExtensionV3, error) {
	if len(b) != 5 {
		return ExtensionV3{}, fmt.Errorf("ntor-v3 extension: want 5 bytes, got %d", len(b))
	}
	return ExtensionV3{
		RequestCongestionControl: b[0] != 0,
		SendmeInc:                uint32(b[1])<<24 | uint32(b[2])<<16 | uint32(b[3])<<8 | uint32(b[4]),
	}, nil
}

// HandshakeStateV3 is the client side of an ntor-v3 handshake.
type HandshakeStateV3 struct {
	nodeID  [20]byte
	ntorKey [32]byte
	x       [32]byte
	X       [32]byte
	ext     ExtensionV3
}

// NewHandshakeV3 starts an ntor-v3 handshake requesting the given
// extension parameters.
func NewHandshakeV3(nodeID [20]byte, ntorKey [32]byte, ext ExtensionV3) (*HandshakeStateV3, error) {
	var x [32]byte
	if _, err := rand.Read(x[:]); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	X, err := curve25519.X25519(x[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("compute public key: %w", err)
	}
	hs := &HandshakeStateV3{nodeID: nodeID, ntorKey: ntorKey, x: x, ext: ext}
	copy(hs.X[:], X)
	return hs, nil
}

func (hs *HandshakeStateV3) Close() { clear(hs.x[:]) }

// ClientData returns the CREATE2 HDATA for ntor-v3: node_id(20) || B(32)
// || X(32) || sealed extension block. The extension is encrypted under a
// key derived from the client's half of the handshake alone (X, x, B),
// so a passive observer of CREATE2 learns nothing about the requested
// parameters, matching the plain-ntor property that CREATE2 discloses no
// application data.
func (hs *HandshakeStateV3) ClientData() ([]byte, error) {
	exp2, err := curve25519.X25519(hs.x[:], hs.ntorKey[:])
	if err != nil {
		return nil, fmt.Errorf("curve25519 x*B: %w", err)
	}
	extKey := deriveExtKey(exp2, hs.nodeID, hs.ntorKey, hs.X)

	sealed, err := sealExtension(extKey, hs.ext.encode())
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, 84+len(sealed))
	data = append(data, hs.nodeID[:]...)
	data = append(data, hs.ntorKey[:]...)
	data = append(data, hs.X[:]...)
	data = append(data, sealed...)
	return data, nil
}

// Complete processes the relay's response: Y(32) || AUTH(32) || sealed
// extension ack. Returns the derived keys plus the relay's accepted
// extension parameters (which may differ from what was requested, e.g.
// if the relay does not support congestion control).
func (hs *HandshakeStateV3) Complete(serverData []byte) (*KeyMaterial, ExtensionV3, error) {
	if len(serverData) < 64 {
		return nil, ExtensionV3{}, fmt.Errorf("ntor-v3 server data too short: %d bytes", len(serverData))
	}
	var Y, authReceived [32]byte
	copy(Y[:], serverData[0:32])
	copy(authReceived[:], serverData[32:64])
	sealedAck := serverData[64:]

	exp1, err := curve25519.X25519(hs.x[:], Y[:])
	if err != nil {
		return nil, ExtensionV3{}, fmt.Errorf("curve25519 x*Y: %w", err)
	}
	if isZero(exp1) {
		return nil, ExtensionV3{}, fmt.Errorf("x*Y produced all-zeros point")
	}
	exp2, err := curve25519.X25519(hs.x[:], hs.ntorKey[:])
	if err != nil {
		return nil, ExtensionV3{}, fmt.Errorf("curve25519 x*B: %w", err)
	}
	if isZero(exp2) {
		return nil, ExtensionV3{}, fmt.Errorf("x*B produced all-zeros point")
	}

	secretInput := make([]byte, 0, 204)
	secretInput = append(secretInput, exp1...)
	secretInput = append(secretInput, exp2...)
	secretInput = append(secretInput, hs.nodeID[:]...)
	secretInput = append(secretInput, hs.ntorKey[:]...)
	secretInput = append(secretInput, hs.X[:]...)
	secretInput = append(secretInput, Y[:]...)
	secretInput = append(secretInput, []byte(protoIDv3)...)

	verify := ntorHMACKeyed(secretInput, tVerifyV3)

	authInput := make([]byte, 0, 178)
	authInput = append(authInput, verify...)
	authInput = append(authInput, hs.nodeID[:]...)
	authInput = append(authInput, hs.ntorKey[:]...)
	authInput = append(authInput, Y[:]...)
	authInput = append(authInput, hs.X[:]...)
	authInput = append(authInput, []byte(protoIDv3)...)
	authInput = append(authInput, []byte("Server")...)

	expectedAuth := ntorHMACKeyed(authInput, tAuthV3)
	if !hmac.Equal(expectedAuth, authReceived[:]) {
		return nil, ExtensionV3{}, fmt.Errorf("ntor-v3 AUTH verification failed")
	}

	kdf := hkdf.New(sha256.New, secretInput, []byte(tKeyV3), []byte(mExpandV3))
	keys := make([]byte, 92)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, ExtensionV3{}, fmt.Errorf("HKDF key derivation: %w", err)
	}

	km := &KeyMaterial{}
	copy(km.Df[:], keys[0:20])
	copy(km.Db[:], keys[20:40])
	copy(km.Kf[:], keys[40:56])
	copy(km.Kb[:], keys[56:72])

	extKey := deriveExtKey(exp2, hs.nodeID, hs.ntorKey, hs.X)
	accepted, err := openExtension(extKey, sealedAck)
	if err != nil {
		clear(keys)
		clear(secretInput)
		clear(authInput)
		clear(hs.x[:])
		return nil, ExtensionV3{}, fmt.Errorf("open extension ack: %w", err)
	}

	clear(keys)
	clear(secretInput)
	clear(authInput)
	clear(hs.x[:])
	return km, accepted, nil
}

func deriveExtKey(sharedSecret []byte, nodeID [20]byte, ntorKey, X [32]byte) [32]byte {
	material := make([]byte, 0, len(sharedSecret)+20+32+32)
	material = append(material, sharedSecret...)
	material = append(material, nodeID[:]...)
	material = append(material, ntorKey[:]...)
	material = append(material, X[:]...)

	kdf := hkdf.New(sha256.New, material, nil, []byte(extAEADInfo))
	var key [32]byte
	_, _ = io.ReadFull(kdf, key[:])
	return key
}

func sealExtension(key [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("construct AEAD: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func openExtension(key [32]byte, sealed []byte) (ExtensionV3, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return ExtensionV3{}, fmt.Errorf("construct AEAD: %w", err)
	}
	if len(sealed) < chacha20poly1305.NonceSize {
		return ExtensionV3{}, fmt.Errorf("sealed extension too short")
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ExtensionV3{}, fmt.Errorf("decrypt extension: %w", err)
	}
	return decodeExtensionV3(plaintext)
}

func ntorHMACKeyed(msg []byte, key string) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(msg)
	return h.Sum(nil)
}
