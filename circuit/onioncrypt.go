package circuit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/opaline-labs/coriander/cell"
	"github.com/opaline-labs/coriander/congestion"
	"github.com/opaline-labs/coriander/ntor"
)

// MaxRelayEarly is the maximum number of RELAY_EARLY cells per circuit
// (spec §4.6).
const MaxRelayEarly = 8

// Hop holds one layer's onion-encryption state plus, when the circuit
// negotiated congestion control with that hop, its window and RTT
// estimator. A Hop is only ever touched by the circuit reactor goroutine
// that owns the enclosing Circuit (spec §5).
type Hop struct {
	kf cipher.Stream // forward AES-128-CTR (client -> relay)
	kb cipher.Stream // backward AES-128-CTR (relay -> client)
	df hash.Hash      // forward running SHA-1 digest
	db hash.Hash       // backward running SHA-1 digest

	CongestionControl bool
	Cwnd              *congestion.Window
	RTT               *congestion.Estimator
}

// NewHop builds a Hop with caller-provided cipher streams and digest
// hashes, letting onion-service circuits use a different suite
// (SHA3-256/AES-256-CTR) than relay-facing hops (SHA-1/AES-128-CTR).
func NewHop(kf, kb cipher.Stream, df, db hash.Hash) *Hop {
	return &Hop{kf: kf, kb: kb, df: df, db: db}
}

func initHop(km *ntor.KeyMaterial) (*Hop, error) {
	zeroIV := make([]byte, aes.BlockSize)

	fwdBlock, err := aes.NewCipher(km.Kf[:])
	if err != nil {
		return nil, fmt.Errorf("AES-CTR forward: %w", err)
	}
	bwdBlock, err := aes.NewCipher(km.Kb[:])
	if err != nil {
		return nil, fmt.Errorf("AES-CTR backward: %w", err)
	}

	df := sha1.New()
	df.Write(km.Df[:])
	db := sha1.New()
	db.Write(km.Db[:])

	return &Hop{
		kf: cipher.NewCTR(fwdBlock, zeroIV),
		kb: cipher.NewCTR(bwdBlock, zeroIV),
		df: df,
		db: db,
	}, nil
}

// initHopWithCongestion builds a Hop exactly like initHop, additionally
// wiring a congestion window and RTT estimator when the ntor-v3 extension
// negotiation accepted congestion control for this hop (spec §4.9).
func initHopWithCongestion(km *ntor.KeyMaterial, ext ntor.ExtensionV3) (*Hop, error) {
	hop, err := initHop(km)
	if err != nil {
		return nil, err
	}
	if ext.RequestCongestionControl {
		params := congestion.DefaultParams()
		if ext.SendmeInc != 0 {
			params.SendmeInc = ext.SendmeInc
		}
		hop.CongestionControl = true
		hop.Cwnd = congestion.NewWindow(params)
		hop.RTT = congestion.NewEstimator(congestion.DefaultRTTParams())
	}
	return hop, nil
}

// RelayPayloadLen is the length of a relay cell payload inside a fixed
// cell (spec §4.5).
const RelayPayloadLen = cell.MaxPayloadLen // 509

const (
	relayCommandOff    = 0
	relayRecognizedOff = 1
	relayStreamIDOff   = 3
	relayDigestOff     = 5
	relayLengthOff     = 9
	relayDataOff       = 11
)

// MaxRelayDataLen is the maximum application data carried by one relay
// cell.
const MaxRelayDataLen = RelayPayloadLen - relayDataOff // 498

// encryptRelayPayload builds a relay cell body addressed to the last
// hop and layers AES-128-CTR encryption back to front (onion layering,
// spec §4.5). hops must be non-empty.
func encryptRelayPayload(hops []*Hop, relayCmd uint8, streamID uint16, data []byte) ([]byte, error) {
	if len(hops) == 0 {
		return nil, fmt.Errorf("circuit has no hops")
	}
	if len(data) > MaxRelayDataLen {
		return nil, fmt.Errorf("relay data too large: %d > %d", len(data), MaxRelayDataLen)
	}

	var payload [RelayPayloadLen]byte
	payload[relayCommandOff] = relayCmd
	binary.BigEndian.PutUint16(payload[relayStreamIDOff:], streamID)
	binary.BigEndian.PutUint16(payload[relayLengthOff:], uint16(len(data)))
	copy(payload[relayDataOff:], data)

	padStart := relayDataOff + len(data)
	if padStart+4 < RelayPayloadLen {
		_, _ = rand.Read(payload[padStart+4:])
	}

	lastHop := hops[len(hops)-1]
	lastHop.df.Write(payload[:])
	digest := lastHop.df.Sum(nil)
	copy(payload[relayDigestOff:relayDigestOff+4], digest[:4])

	encrypted := payload[:]
	for i := len(hops) - 1; i >= 0; i-- {
		hops[i].kf.XORKeyStream(encrypted, encrypted)
	}
	out := make([]byte, RelayPayloadLen)
	copy(out, encrypted)
	return out, nil
}

// decryptRelayPayload peels each hop's encryption in order until one
// hop's digest matches ("recognized"), per spec §4.5. A digest mismatch
// at a hop whose recognized field happened to read zero is handled by
// snapshotting and restoring that hop's running digest state, so a
// coincidental false positive never corrupts the real digest chain.
func decryptRelayPayload(hops []*Hop, raw []byte) (hopIdx int, relayCmd uint8, streamID uint16, data []byte, err error) {
	if len(hops) == 0 {
		return 0, 0, 0, nil, fmt.Errorf("circuit has no hops")
	}

	payload := make([]byte, RelayPayloadLen)
	copy(payload, raw[:RelayPayloadLen])

	for i, hop := range hops {
		hop.kb.XORKeyStream(payload, payload)

		recognized := binary.BigEndian.Uint16(payload[relayRecognizedOff:])
		if recognized != 0 {
			continue
		}

		var savedDigest [4]byte
		copy(savedDigest[:], payload[relayDigestOff:relayDigestOff+4])
		payload[relayDigestOff] = 0
		payload[relayDigestOff+1] = 0
		payload[relayDigestOff+2] = 0
		payload[relayDigestOff+3] = 0

		dbState, merr := hop.db.(encoding.BinaryMarshaler).MarshalBinary()
		if merr != nil {
			return 0, 0, 0, nil, fmt.Errorf("snapshot digest state: %w", merr)
		}

		hop.db.Write(payload)
		computedDigest := hop.db.Sum(nil)

		if subtle.ConstantTimeCompare(savedDigest[:], computedDigest[:4]) == 1 {
			relayCmd = payload[relayCommandOff]
			streamID = binary.BigEndian.Uint16(payload[relayStreamIDOff:])
			dataLen := binary.BigEndian.Uint16(payload[relayLengthOff:])
			if int(dataLen) > MaxRelayDataLen {
				return 0, 0, 0, nil, fmt.Errorf("relay data length %d exceeds maximum %d", dataLen, MaxRelayDataLen)
			}
			data = make([]byte, dataLen)
			copy(data, payload[relayDataOff:relayDataOff+int(dataLen)])
			return i, relayCmd, streamID, data, nil
		}

		if uerr := hop.db.(encoding.BinaryUnmarshaler).UnmarshalBinary(dbState); uerr != nil {
			return 0, 0, 0, nil, fmt.Errorf("restore digest state: %w", uerr)
		}
	}

	return 0, 0, 0, nil, fmt.Errorf("relay cell not recognized at any hop")
}
