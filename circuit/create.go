package circuit

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/opaline-labs/coriander/cell"
	"github.com/opaline-labs/coriander/channel"
	"github.com/opaline-labs/coriander/congestion"
	"github.com/opaline-labs/coriander/descriptor"
	"github.com/opaline-labs/coriander/ntor"
)

// createTimeout bounds how long Create waits for CREATED2 before giving
// up on the entry hop (tor-spec.txt circuit-build timeout guidance).
const createTimeout = 30 * time.Second

// Create performs a CREATE2/CREATED2 handshake over ch to build a fresh
// single-hop circuit, then launches the circuit reactor. useV3 requests
// the ntor-v3 handshake with a congestion-control extension; a classic
// relay that doesn't understand HTYPE 3 will answer with DESTROY, which
// Create reports as an error for the caller to retry with useV3=false.
func Create(ctx context.Context, ch *channel.Channel, relayInfo *descriptor.RelayInfo, useV3 bool, logger *slog.Logger) (*Circuit, error) {
	if logger == nil {
		logger = slog.Default()
	}

	circID, inbound, evict, err := ch.OpenCircuit(0)
	if err != nil {
		return nil, fmt.Errorf("open circuit: %w", err)
	}

	var clientData []byte
	var hs *ntor.HandshakeState
	var hsV3 *ntor.HandshakeStateV3
	htype := uint16(htypeNtor)

	if useV3 {
		htype = htypeNtorV3
		hsV3, err = ntor.NewHandshakeV3(relayInfo.NodeID, relayInfo.NtorOnionKey, ntor.ExtensionV3{
			RequestCongestionControl: true,
			SendmeInc:                congestion.DefaultParams().SendmeInc,
		})
		if err != nil {
			return nil, fmt.Errorf("ntor-v3 handshake init: %w", err)
		}
		defer hsV3.Close()
		clientData, err = hsV3.ClientData()
		if err != nil {
			return nil, fmt.Errorf("ntor-v3 client data: %w", err)
		}
	} else {
		hs, err = ntor.NewHandshake(relayInfo.NodeID, relayInfo.NtorOnionKey)
		if err != nil {
			return nil, fmt.Errorf("ntor handshake init: %w", err)
		}
		defer hs.Close()
		cd := hs.ClientData()
		clientData = cd[:]
	}

	create2 := cell.NewFixedCell(circID, cell.CmdCreate2)
	p := create2.Payload()
	binary.BigEndian.PutUint16(p[0:2], htype)
	binary.BigEndian.PutUint16(p[2:4], uint16(len(clientData)))
	copy(p[4:], clientData)

	logger.Debug("sending CREATE2", "circID", fmt.Sprintf("0x%08x", circID), "v3", useV3)
	if err := ch.SendCell(create2); err != nil {
		return nil, fmt.Errorf("send CREATE2: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	var resp cell.Cell
	select {
	case resp = <-inbound:
	case <-evict:
		return nil, fmt.Errorf("circuit 0x%08x evicted while awaiting CREATED2", circID)
	case <-ch.Done():
		return nil, fmt.Errorf("channel closed while awaiting CREATED2")
	case <-ctx.Done():
		return nil, fmt.Errorf("timed out waiting for CREATED2 on circuit 0x%08x", circID)
	}

	cmd := resp.Command()
	if cmd == cell.CmdDestroy {
		return nil, fmt.Errorf("relay sent DESTROY (reason=%d) instead of CREATED2", resp.Payload()[0])
	}
	if cmd != cell.CmdCreated2 {
		return nil, fmt.Errorf("expected CREATED2 (11), got command %d", cmd)
	}

	rp := resp.Payload()
	hlen := int(binary.BigEndian.Uint16(rp[0:2]))
	serverData := rp[2 : 2+hlen]

	var hop *Hop
	if useV3 {
		km, ext, err := hsV3.Complete(serverData)
		if err != nil {
			return nil, fmt.Errorf("ntor-v3 complete: %w", err)
		}
		hop, err = initHopWithCongestion(km, ext)
		if err != nil {
			return nil, fmt.Errorf("init hop: %w", err)
		}
	} else {
		if hlen != 64 {
			return nil, fmt.Errorf("CREATED2 HLEN=%d, expected 64", hlen)
		}
		var fixed [64]byte
		copy(fixed[:], serverData)
		km, err := hs.Complete(fixed)
		if err != nil {
			return nil, fmt.Errorf("ntor complete: %w", err)
		}
		hop, err = initHop(km)
		if err != nil {
			return nil, fmt.Errorf("init hop: %w", err)
		}
	}

	logger.Info("circuit created", "circID", fmt.Sprintf("0x%08x", circID))

	c := newCircuit(ch, circID, inbound, evict, logger)
	reply := make(chan error, 1)
	select {
	case c.cmdReq <- circuitCmd{addHop: &addHopReq{hop: hop, reply: reply}}:
		<-reply
	case <-c.closeCh:
	}
	return c, nil
}
