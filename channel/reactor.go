package channel

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/opaline-labs/coriander/cell"
	"github.com/opaline-labs/coriander/torerr"
)

// outboundQueueCap bounds cells waiting to be written to the transport.
// Circuit reactors competing for this queue see fair-ish, first-ready
// ordering (spec §5).
const outboundQueueCap = 128

// maxCircIDAllocAttempts bounds re-rolls on circuit-id collision.
const maxCircIDAllocAttempts = 32

// readResult carries one cell (or a terminal error) from the dedicated
// read-pump goroutine to the reactor's select loop.
type readResult struct {
	c   cell.Cell
	err error
}

// run is the channel reactor: one goroutine owning conn, the circuit
// table, and all link-level state. It never shares mutable state with
// any other goroutine except through the channels below (spec §5).
func (ch *Channel) run() {
	circuits := make(map[uint32]circEntry)
	outbound := make(chan cell.Cell, outboundQueueCap)
	inboundCells := make(chan readResult, 1)

	go ch.readPump(inboundCells)

	defer ch.shutdown(circuits)

	var pendingWrite cell.Cell
	var writeErrCh chan error

	for {
		var writeCh chan cell.Cell
		if pendingWrite == nil {
			writeCh = outbound
		}

		select {
		case res := <-inboundCells:
			if res.err != nil {
				terr := torerr.New(torerr.KindTransportFailure, fmt.Sprintf("channel %d", ch.ID), res.err)
				ch.logger.Info("channel transport closed", "chanID", ch.ID, "error", terr)
				return
			}
			ch.touch()
			ch.handleInbound(res.c, circuits)

		case c := <-writeCh:
			pendingWrite = c
			writeErrCh = nil

		case req := <-ch.openCircuitReq:
			req.reply <- ch.doOpenCircuit(req.hint, circuits)

		case req := <-ch.sendReq:
			select {
			case outbound <- req.c:
				req.reply <- nil
			default:
				req.reply <- fmt.Errorf("channel %d outbound queue full", ch.ID)
			}

		case done := <-ch.closeReq:
			ch.drainOutbound(outbound)
			close(done)
			return
		}

		if pendingWrite != nil && writeErrCh == nil {
			err := ch.writer.WriteCell(pendingWrite)
			if err != nil {
				ch.logger.Warn("channel write failed", "chanID", ch.ID, "error", err)
				return
			}
			ch.touch()
			pendingWrite = nil
		}
	}
}

// readPump is the only goroutine that calls Reader.ReadCell, so it can
// block freely; the reactor select loop never blocks on a read.
func (ch *Channel) readPump(out chan<- readResult) {
	for {
		c, err := ch.reader.ReadCell()
		select {
		case out <- readResult{c: c, err: err}:
		case <-ch.closeCh:
			return
		}
		if err != nil {
			return
		}
	}
}

func (ch *Channel) handleInbound(c cell.Cell, circuits map[uint32]circEntry) {
	cmd := c.Command()
	circID := c.CircID()

	switch cmd {
	case cell.CmdPadding, cell.CmdVPadding:
		return // dropped, spec §4.3

	case cell.CmdDestroy:
		if entry, ok := circuits[circID]; ok {
			close(entry.evict)
			delete(circuits, circID)
		}
		return

	case cell.CmdNetInfo:
		ch.touch()
		return

	case cell.CmdRelay, cell.CmdRelayEarly, cell.CmdCreated2, cell.CmdCreated, cell.CmdCreatedFast:
		// CREATED/CREATED2 answer a CREATE/CREATE2 this circuit sent
		// when it was first opened; relay cells are the steady-state
		// traffic. Both are addressed by circID to the owning circuit
		// reactor (spec §4.3, §4.6).
		entry, ok := circuits[circID]
		if !ok {
			// Unknown circuit-id: discarded silently so as not to
			// disclose circuit table membership (spec §4.3).
			return
		}
		ch.touchStream()
		select {
		case entry.inbound <- c:
		default:
			// Inbound queue overflow closes the offending circuit, not
			// the channel (spec §4.3).
			terr := torerr.New(torerr.KindResourceExhaustion, fmt.Sprintf("circuit 0x%08x", circID), nil)
			ch.logger.Warn("circuit inbound queue overflow, dropping circuit", "chanID", ch.ID, "circID", circID, "error", terr)
			close(entry.evict)
			delete(circuits, circID)
		}

	default:
		// Any other channel cell arriving post-handshake (CERTS,
		// AUTH_CHALLENGE, AUTHENTICATE, CREATE variants used by
		// relay-facing roles) is not meaningful to a client channel
		// reactor once open; ignore rather than close, mirroring the
		// teacher's permissive post-handshake stance.
	}
}

func (ch *Channel) doOpenCircuit(hint uint32, circuits map[uint32]circEntry) openCircuitResult {
	circID := hint
	if circID == 0 {
		allocated, err := ch.allocateCircID(circuits)
		if err != nil {
			return openCircuitResult{err: err}
		}
		circID = allocated
	} else if _, taken := circuits[circID]; taken {
		return openCircuitResult{err: fmt.Errorf("circuit ID 0x%08x already in use", circID)}
	}

	entry := circEntry{
		inbound: make(chan cell.Cell, inboundQueueCap),
		evict:   make(chan struct{}),
	}
	circuits[circID] = entry
	return openCircuitResult{circID: circID, inbound: entry.inbound, evict: entry.evict}
}

// allocateCircID picks a circuit ID uniformly from the unused space with
// the originator's high bit set, re-rolling on collision (spec §4.3).
func (ch *Channel) allocateCircID(circuits map[uint32]circEntry) (uint32, error) {
	for attempt := 0; attempt < maxCircIDAllocAttempts; attempt++ {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate circuit ID: %w", err)
		}
		id := binary.BigEndian.Uint32(buf[:]) | 0x80000000
		if _, taken := circuits[id]; !taken {
			return id, nil
		}
	}
	return 0, fmt.Errorf("failed to allocate unique circuit ID after %d attempts", maxCircIDAllocAttempts)
}

func (ch *Channel) drainOutbound(outbound chan cell.Cell) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		select {
		case c := <-outbound:
			_ = ch.writer.WriteCell(c)
		default:
			return
		}
		if time.Now().After(deadline) {
			return
		}
	}
}

func (ch *Channel) shutdown(circuits map[uint32]circEntry) {
	for id, entry := range circuits {
		close(entry.evict)
		delete(circuits, id)
	}
	_ = ch.conn.Close()
	ch.closed.Store(true)
	close(ch.closeCh)
	ch.logger.Info("channel closed", "chanID", ch.ID)
}

// newChannel wires up the channels; the caller starts the reactor
// goroutine with `go ch.run()`. Callers (the builder in auth.go) must have already completed the link
// handshake.
func newChannel(identity Identity, addr string, version uint16, skew time.Duration, conn *tls.Conn, reader *cell.Reader, writer *cell.Writer, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	ch := &Channel{
		ID:             nextID(),
		Identity:       identity,
		Addr:           addr,
		Version:        version,
		ClockSkew:      skew,
		logger:         logger,
		conn:           conn,
		reader:         reader,
		writer:         writer,
		openCircuitReq: make(chan openCircuitRequest),
		sendReq:        make(chan sendRequest),
		closeReq:       make(chan chan struct{}),
		closeCh:        make(chan struct{}),
	}
	return ch
}
