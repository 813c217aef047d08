package circuit

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/opaline-labs/coriander/cell"
	"github.com/opaline-labs/coriander/channel"
	"github.com/opaline-labs/coriander/torerr"
)

// run is the circuit reactor: one goroutine owning the hop list, the
// stream table, and the RELAY_EARLY budget. It never shares mutable
// state with any other goroutine except through the channels on Circuit
// (spec §5).
func (c *Circuit) run() {
	streams := make(map[uint16]streamEntry)
	hops := make([]*Hop, 0, 4)
	relayEarlySent := 0
	var pending *pendingExtend

	defer c.shutdown(streams)

	for {
		select {
		case raw, ok := <-c.inbound:
			if !ok {
				return
			}
			c.touch()
			c.handleInbound(raw, &hops, streams, &pending)

		case <-c.evict:
			return

		case cmd := <-c.cmdReq:
			switch {
			case cmd.openStream != nil:
				cmd.openStream.reply <- c.doOpenStream(cmd.openStream.streamID, streams)

			case cmd.closeStream != nil:
				if e, ok := streams[cmd.closeStream.streamID]; ok {
					close(e.evict)
					delete(streams, cmd.closeStream.streamID)
				}

			case cmd.sendRelay != nil:
				req := cmd.sendRelay
				req.reply <- c.doSendRelay(req, hops, &relayEarlySent)

			case cmd.addHop != nil:
				hops = append(hops, cmd.addHop.hop)
				c.congested.Store(cmd.addHop.hop.CongestionControl)
				cmd.addHop.reply <- nil

			case cmd.extend != nil:
				if pending != nil {
					cmd.extend.reply <- fmt.Errorf("circuit %d already has an extension in flight", c.CircID)
					continue
				}
				np, err := startExtend(c, hops, &relayEarlySent, cmd.extend)
				if err != nil {
					cmd.extend.reply <- err
					continue
				}
				pending = np
			}

		case done := <-c.closeReq:
			_ = sendDestroy(c.ch, c.CircID)
			close(done)
			return
		}
	}
}

func (c *Circuit) handleInbound(raw cell.Cell, hops *[]*Hop, streams map[uint16]streamEntry, pending **pendingExtend) {
	cmd := raw.Command()
	switch cmd {
	case cell.CmdDestroy:
		return // caller observes via Done()/evict

	case cell.CmdCreated2, cell.CmdCreated, cell.CmdCreatedFast:
		// Arrives only while a circuit-creation or extension handshake
		// is outstanding; ignored here, since Create() consumes the
		// initial CREATED2 directly before the reactor starts.
		return

	case cell.CmdRelay, cell.CmdRelayEarly:
		hopIdx, relayCmd, streamID, data, err := decryptRelayPayload(*hops, raw.Payload())
		if err != nil {
			terr := torerr.New(torerr.KindProtocolViolation, fmt.Sprintf("circuit %d", c.CircID), err)
			c.logger.Warn("relay cell failed to recognize at any hop", "circID", c.CircID, "error", terr)
			return
		}

		if *pending != nil && relayCmd == cell.RelayExtended2 {
			newHop, err := (*pending).complete(data)
			if err != nil {
				(*pending).reply <- err
			} else {
				*hops = append(*hops, newHop)
				c.congested.Store(newHop.CongestionControl)
				(*pending).reply <- nil
			}
			*pending = nil
			return
		}

		if hopIdx != len(*hops)-1 {
			// Data recognized at an interior hop is a protocol
			// violation once the chain has grown past it. The cell is
			// logged and dropped; the circuit is not closed.
			terr := torerr.New(torerr.KindProtocolViolation, fmt.Sprintf("circuit %d", c.CircID), nil)
			c.logger.Warn("relay cell recognized at non-terminal hop", "circID", c.CircID, "hopIdx", hopIdx, "error", terr)
			return
		}

		if streamID == 0 && relayCmd == cell.RelaySendMe {
			// Circuit-level SENDME applies to every open stream's send
			// window, not to one stream-id (spec §4.8); fan it out,
			// preserving StreamID 0 so each stream can tell this apart
			// from a SENDME addressed to it specifically.
			for key, entry := range streams {
				c.deliverToStream(entry, streams, key, 0, relayCmd, data)
			}
			return
		}

		entry, ok := streams[streamID]
		if !ok {
			// Unknown stream-id: most commonly a RELAY_END or SENDME for
			// a stream we already closed locally; drop silently.
			return
		}
		c.deliverToStream(entry, streams, streamID, streamID, relayCmd, data)
	}
}

// deliverToStream pushes one decrypted relay message to the stream
// registered under key, evicting it on inbound queue overflow. wireID
// is the stream-id carried on the wire (0 for a fanned-out circuit-level
// cell), which may differ from key when fanning out.
func (c *Circuit) deliverToStream(entry streamEntry, streams map[uint16]streamEntry, key, wireID uint16, relayCmd uint8, data []byte) {
	select {
	case entry.inbound <- RelayMessage{Cmd: relayCmd, StreamID: wireID, Data: data}:
	default:
		c.logger.Warn("stream inbound queue overflow, dropping stream", "circID", c.CircID, "streamID", key)
		close(entry.evict)
		delete(streams, key)
	}
}

func (c *Circuit) doOpenStream(hint uint16, streams map[uint16]streamEntry) openStreamResult {
	streamID := hint
	if streamID == 0 {
		allocated, err := allocateStreamID(streams)
		if err != nil {
			return openStreamResult{err: err}
		}
		streamID = allocated
	} else if _, taken := streams[streamID]; taken {
		return openStreamResult{err: fmt.Errorf("stream ID %d already in use", streamID)}
	}

	entry := streamEntry{inbound: make(chan RelayMessage, streamQueueCap), evict: make(chan struct{})}
	streams[streamID] = entry
	return openStreamResult{streamID: streamID, inbound: entry.inbound, evict: entry.evict}
}

func (c *Circuit) doSendRelay(req *sendRelayReq, hops []*Hop, relayEarlySent *int) error {
	if req.early {
		if *relayEarlySent >= MaxRelayEarly {
			return fmt.Errorf("RELAY_EARLY budget exhausted (%d/%d)", *relayEarlySent, MaxRelayEarly)
		}
		*relayEarlySent++
	}

	payload, err := encryptRelayPayload(hops, req.relayCmd, req.streamID, req.data)
	if err != nil {
		return fmt.Errorf("encrypt relay cell: %w", err)
	}

	cmd := cell.CmdRelay
	if req.early {
		cmd = cell.CmdRelayEarly
	}
	out := cell.NewFixedCell(c.CircID, cmd)
	copy(out.Payload(), payload)
	return c.ch.SendCell(out)
}

func (c *Circuit) shutdown(streams map[uint16]streamEntry) {
	for id, e := range streams {
		close(e.evict)
		delete(streams, id)
	}
	c.closed.Store(true)
	close(c.closeCh)
}

func sendDestroy(ch *channel.Channel, circID uint32) error {
	out := cell.NewFixedCell(circID, cell.CmdDestroy)
	out.Payload()[0] = 0 // reason = NONE
	return ch.SendCell(out)
}

func allocateStreamID(streams map[uint16]streamEntry) (uint16, error) {
	for attempt := 0; attempt < 64; attempt++ {
		var buf [2]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate stream ID: %w", err)
		}
		id := binary.BigEndian.Uint16(buf[:])
		if id == 0 {
			continue
		}
		if _, taken := streams[id]; !taken {
			return id, nil
		}
	}
	return 0, fmt.Errorf("failed to allocate unique stream ID after 64 attempts")
}

// newCircuit wires up a Circuit bound to a channel-layer circuit handle
// and launches the reactor goroutine.
func newCircuit(ch *channel.Channel, circID uint32, inbound <-chan cell.Cell, evict <-chan struct{}, logger *slog.Logger) *Circuit {
	c := &Circuit{
		HandleID: nextID(),
		CircID:   circID,
		ch:       ch,
		logger:   logger,
		inbound:  inbound,
		evict:    evict,
		cmdReq:   make(chan circuitCmd),
		closeReq: make(chan chan struct{}),
		closeCh:  make(chan struct{}),
	}
	go c.run()
	return c
}
