package circuit

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/opaline-labs/coriander/cell"
	"github.com/opaline-labs/coriander/congestion"
	"github.com/opaline-labs/coriander/descriptor"
	"github.com/opaline-labs/coriander/ntor"
)

// LinkSpecType constants for EXTEND2 link specifiers (spec §4.6).
const (
	LinkSpecIPv4    = 0x00 // 6 bytes: 4 IP + 2 port
	LinkSpecIPv6    = 0x01 // 18 bytes: 16 IP + 2 port
	LinkSpecRSAID   = 0x02 // 20 bytes: RSA identity fingerprint
	LinkSpecEd25519 = 0x03 // 32 bytes: Ed25519 identity
)

// htypeNtor and htypeNtorV3 select the CREATE2/EXTEND2 handshake type
// (tor-spec.txt §5.1).
const (
	htypeNtor   = 0x0002
	htypeNtorV3 = 0x0003
)

// pendingExtend tracks one in-flight EXTEND2 exchange: the reactor parks
// this while waiting for the matching EXTENDED2 relay cell, then calls
// complete with the EXTENDED2 payload once it arrives (spec §4.6).
type pendingExtend struct {
	useV3 bool
	hs    *ntor.HandshakeState
	hsV3  *ntor.HandshakeStateV3
	reply chan error
}

// startExtend builds and transmits the EXTEND2 cell for relayInfo as a
// RELAY_EARLY cell to the current last hop, returning a pendingExtend for
// the reactor to complete once EXTENDED2 arrives.
func startExtend(c *Circuit, hops []*Hop, relayEarlySent *int, req *extendReq) (*pendingExtend, error) {
	if len(hops) == 0 {
		return nil, fmt.Errorf("circuit %d has no hops to extend from", c.CircID)
	}

	relayInfo := req.relayInfo
	ip := net.ParseIP(relayInfo.Address)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid IPv4 address for relay: %s", relayInfo.Address)
	}

	var clientData []byte
	var pending pendingExtend
	pending.useV3 = req.useV3
	pending.reply = req.reply

	if req.useV3 {
		hs, err := ntor.NewHandshakeV3(relayInfo.NodeID, relayInfo.NtorOnionKey, ntor.ExtensionV3{
			RequestCongestionControl: true,
			SendmeInc:                congestion.DefaultParams().SendmeInc,
		})
		if err != nil {
			return nil, fmt.Errorf("ntor-v3 handshake init: %w", err)
		}
		cd, err := hs.ClientData()
		if err != nil {
			hs.Close()
			return nil, fmt.Errorf("ntor-v3 client data: %w", err)
		}
		clientData = cd
		pending.hsV3 = hs
	} else {
		hs, err := ntor.NewHandshake(relayInfo.NodeID, relayInfo.NtorOnionKey)
		if err != nil {
			return nil, fmt.Errorf("ntor handshake init: %w", err)
		}
		cd := hs.ClientData()
		clientData = cd[:]
		pending.hs = hs
	}

	htype := uint16(htypeNtor)
	if req.useV3 {
		htype = htypeNtorV3
	}
	extend2Payload := buildExtend2Payload(relayInfo, htype, clientData)

	if *relayEarlySent >= MaxRelayEarly {
		return nil, fmt.Errorf("RELAY_EARLY budget exhausted (%d/%d)", *relayEarlySent, MaxRelayEarly)
	}
	body, err := encryptRelayPayload(hops, cell.RelayExtend2, 0, extend2Payload)
	if err != nil {
		return nil, fmt.Errorf("encrypt EXTEND2: %w", err)
	}
	*relayEarlySent++

	out := cell.NewFixedCell(c.CircID, cell.CmdRelayEarly)
	copy(out.Payload(), body)
	if err := c.ch.SendCell(out); err != nil {
		return nil, fmt.Errorf("send EXTEND2: %w", err)
	}

	return &pending, nil
}

// complete parses an EXTENDED2 relay payload, finishes the parked ntor or
// ntor-v3 handshake, and returns the freshly-keyed Hop.
func (p *pendingExtend) complete(data []byte) (*Hop, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("EXTENDED2 too short: %d bytes", len(data))
	}
	hlen := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+hlen {
		return nil, fmt.Errorf("EXTENDED2 truncated: %d bytes, need %d", len(data), 2+hlen)
	}
	serverData := data[2 : 2+hlen]

	if p.useV3 {
		defer p.hsV3.Close()
		km, ext, err := p.hsV3.Complete(serverData)
		if err != nil {
			return nil, fmt.Errorf("ntor-v3 complete for new hop: %w", err)
		}
		hop, err := initHopWithCongestion(km, ext)
		if err != nil {
			return nil, fmt.Errorf("init new hop: %w", err)
		}
		return hop, nil
	}

	if hlen != 64 {
		return nil, fmt.Errorf("EXTENDED2 HLEN=%d, expected 64", hlen)
	}
	var fixed [64]byte
	copy(fixed[:], serverData)
	defer p.hs.Close()
	km, err := p.hs.Complete(fixed)
	if err != nil {
		return nil, fmt.Errorf("ntor complete for new hop: %w", err)
	}
	hop, err := initHop(km)
	if err != nil {
		return nil, fmt.Errorf("init new hop: %w", err)
	}
	return hop, nil
}

// buildExtend2Payload assembles NSPEC || link_specifiers || HTYPE || HLEN
// || HDATA for an EXTEND2 relay cell (tor-spec.txt §5.1.2).
func buildExtend2Payload(relayInfo *descriptor.RelayInfo, htype uint16, clientData []byte) []byte {
	var specs [][]byte

	ip := net.ParseIP(relayInfo.Address)
	if ip4 := ip.To4(); ip4 != nil {
		spec := make([]byte, 8) // type(1) + len(1) + ip(4) + port(2)
		spec[0] = LinkSpecIPv4
		spec[1] = 6
		copy(spec[2:6], ip4)
		binary.BigEndian.PutUint16(spec[6:8], relayInfo.ORPort)
		specs = append(specs, spec)
	}

	rsaSpec := make([]byte, 22) // type(1) + len(1) + id(20)
	rsaSpec[0] = LinkSpecRSAID
	rsaSpec[1] = 20
	copy(rsaSpec[2:22], relayInfo.NodeID[:])
	specs = append(specs, rsaSpec)

	totalSpecLen := 0
	for _, s := range specs {
		totalSpecLen += len(s)
	}
	payload := make([]byte, 1+totalSpecLen+2+2+len(clientData))

	off := 0
	payload[off] = byte(len(specs))
	off++
	for _, s := range specs {
		copy(payload[off:], s)
		off += len(s)
	}
	binary.BigEndian.PutUint16(payload[off:], htype)
	off += 2
	binary.BigEndian.PutUint16(payload[off:], uint16(len(clientData)))
	off += 2
	copy(payload[off:], clientData)

	return payload
}
