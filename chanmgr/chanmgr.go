// Package chanmgr is the process-wide pool of open channels, keyed by
// relay identity. It answers "get or launch a channel to this relay,"
// fans a single in-flight dial out to every concurrent caller asking for
// the same relay, and retires channels that go quiet (spec §5).
package chanmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opaline-labs/coriander/channel"
	"github.com/opaline-labs/coriander/config"
)

// entryState tracks where one pool entry sits in its lifecycle.
type entryState uint8

const (
	stateOpening entryState = iota
	stateOpen
	stateClosed
)

type entry struct {
	state entryState
	ch    *channel.Channel
	err   error
	done  chan struct{} // closed when Opening resolves to Open or Closed
}

// Manager is the process-wide channel pool. The mutex here guards only
// table membership (spec §5: "a manager's lock never protects anything
// beyond its own bookkeeping table") — every Channel's internal state
// remains owned exclusively by its own reactor goroutine.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry // keyed by Identity.String()

	cfg    config.Config
	logger *slog.Logger
	role   channel.AuthRole
	self   *channel.RelaySelfIdentity

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New constructs a Manager and starts its idle-expiration sweep.
func New(cfg config.Config, role channel.AuthRole, self *channel.RelaySelfIdentity, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		entries:   make(map[string]*entry),
		cfg:       cfg,
		logger:    logger,
		role:      role,
		self:      self,
		stopSweep: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// GetOrLaunch returns an open channel to target, reusing one already in
// the pool or already being dialed by a concurrent caller, and otherwise
// launching a new dial (spec §5: "get_or_launch").
func (m *Manager) GetOrLaunch(ctx context.Context, target channel.Target) (*channel.Channel, error) {
	key := target.Identity.String()

	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		switch e.state {
		case stateOpen:
			if !e.ch.IsClosed() {
				m.mu.Unlock()
				return e.ch, nil
			}
			// Stale entry for a channel whose reactor exited on its own
			// (e.g. the relay closed the TCP connection); fall through
			// to relaunch.
			delete(m.entries, key)
		case stateOpening:
			m.mu.Unlock()
			return m.awaitEntry(ctx, e)
		case stateClosed:
			delete(m.entries, key)
		}
	}

	e := &entry{state: stateOpening, done: make(chan struct{})}
	m.entries[key] = e
	m.mu.Unlock()

	go m.launch(target, e)
	return m.awaitEntry(ctx, e)
}

func (m *Manager) awaitEntry(ctx context.Context, e *entry) (*channel.Channel, error) {
	select {
	case <-e.done:
		return e.ch, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) launch(target channel.Target, e *entry) {
	ch, err := channel.Dial(target, m.role, m.self, m.cfg, m.logger)

	m.mu.Lock()
	if err != nil {
		e.state = stateClosed
		e.err = err
		delete(m.entries, target.Identity.String())
	} else {
		e.state = stateOpen
		e.ch = ch
	}
	m.mu.Unlock()
	close(e.done)
}

// Drop removes a channel from the pool immediately, without closing it;
// used when a caller has already closed the channel directly and wants
// the manager's view to agree right away rather than waiting on the next
// sweep.
func (m *Manager) Drop(identity channel.Identity) {
	key := identity.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.state == stateOpen {
		delete(m.entries, key)
	}
}

// sweepLoop periodically retires channels that have been idle (no
// cell, let alone stream activity) for longer than cfg.ChannelIdleTimeout.
func (m *Manager) sweepLoop() {
	interval := m.cfg.ChannelIdleTimeout / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepOnce_()
		case <-m.stopSweep:
			return
		}
	}
}

func (m *Manager) sweepOnce_() {
	cutoff := time.Now().Add(-m.cfg.ChannelIdleTimeout)

	m.mu.Lock()
	var toClose []*channel.Channel
	for key, e := range m.entries {
		if e.state != stateOpen {
			continue
		}
		if e.ch.IsClosed() {
			delete(m.entries, key)
			continue
		}
		if e.ch.LastActivity().Before(cutoff) {
			toClose = append(toClose, e.ch)
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()

	for _, ch := range toClose {
		m.logger.Info("retiring idle channel", "chanID", ch.ID, "addr", ch.Addr)
		ch.Close()
	}
}

// Close shuts down the sweep loop and every pooled channel.
func (m *Manager) Close() {
	m.sweepOnce.Do(func() { close(m.stopSweep) })

	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		if e.state == stateOpen {
			e.ch.Close()
		}
	}
}

// Stats reports the current pool size, for diagnostics.
func (m *Manager) Stats() (open, opening int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		switch e.state {
		case stateOpen:
			open++
		case stateOpening:
			opening++
		}
	}
	return open, opening
}
