// Package circmgr is the thin pool of built circuits (spec §4.10): it
// matches stream requests to existing circuits by capability and
// isolation token, prefers the least-recently-used match, lets a second
// compatible request ride an in-flight build within a loyalty window,
// and retires circuits once they pass a configurable dirtiness age.
// It never selects paths or runs handshakes itself — callers supply a
// BuildFunc that does that (pathselect, descriptor, circuit.Create),
// mirroring the "thin" framing in spec §4.10.
package circmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opaline-labs/coriander/config"
	"github.com/opaline-labs/coriander/isolation"
)

// PooledCircuit is the subset of *circuit.Circuit the manager depends
// on. Kept as an interface — rather than importing the circuit package
// directly — so tests can pool fakes without a live channel/reactor,
// and so the manager never has to know about stream-layer concerns.
type PooledCircuit interface {
	LastActivity() time.Time
	Close()
}

// Capability describes what a built circuit is good for: the exit
// hop's relay identity, the ports its exit policy advertises (exit
// circuits), or a purpose tag for non-exit uses (directory fetches,
// hidden-service rendezvous) that don't carry a port set (spec §4.10).
type Capability struct {
	ExitIdentity string // relay identity fingerprint/string; "" if Purpose != "exit"
	Purpose      string // "exit", "directory", "hidden-service"
	Ports        []uint16
}

func (c Capability) key() string {
	ports := make([]string, len(c.Ports))
	for i, p := range c.Ports {
		ports[i] = fmt.Sprintf("%d", p)
	}
	sort.Strings(ports)
	return c.Purpose + "|" + c.ExitIdentity + "|" + strings.Join(ports, ",")
}

// satisfies reports whether a pooled circuit tagged with c can serve a
// request asking for req: same purpose, same exit identity when the
// request names one, and the exit's advertised ports must be a superset
// of the requested ports.
func (c Capability) satisfies(req Capability) bool {
	if c.Purpose != req.Purpose {
		return false
	}
	if req.ExitIdentity != "" && c.ExitIdentity != req.ExitIdentity {
		return false
	}
	for _, want := range req.Ports {
		found := false
		for _, have := range c.Ports {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Request is one stream's ask: the capability it needs from an exit and
// the isolation token it carries (spec §4.10, §6).
type Request struct {
	Capability Capability
	Token      isolation.Token
}

// BuildFunc constructs a brand new circuit satisfying the capability it
// was asked for. Implementations live above this package (pathselect
// picks relays, descriptor resolves them, circuit.Create/Extend runs
// the handshakes); circmgr only calls it and pools the result.
type BuildFunc func(ctx context.Context, cap Capability) (PooledCircuit, error)

type poolEntry struct {
	circ       PooledCircuit
	capability Capability
	token      isolation.Token
	createdAt  time.Time
}

// dirty reports whether entry has passed maxDirtiness since it was
// first built — retirement only blocks *new* streams from choosing it,
// per spec §4.10; existing streams on it are untouched.
func (e *poolEntry) dirty(maxDirtiness time.Duration) bool {
	return maxDirtiness > 0 && time.Since(e.createdAt) > maxDirtiness
}

// buildWaiter is one in-flight build other compatible requests may ride
// within the loyalty window (spec §4.10).
type buildWaiter struct {
	done chan struct{}
	circ PooledCircuit
	err  error
}

// Manager is the process-wide circuit pool. The mutex guards only the
// pool and in-flight-build bookkeeping (spec §5: a manager's lock never
// protects anything beyond its own table); each pooled circuit's
// internal state remains owned by its own reactor goroutine.
type Manager struct {
	mu       sync.Mutex
	entries  []*poolEntry
	building map[string]*buildWaiter

	cfg    config.Config
	logger *slog.Logger
}

// New constructs an empty circuit pool.
func New(cfg config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		building: make(map[string]*buildWaiter),
		cfg:      cfg,
		logger:   logger,
	}
}

// GetOrBuild returns a circuit satisfying req, reusing a pooled one when
// a compatible match exists, otherwise building a fresh one via build
// (spec §4.10's get_or_build):
//  1. Enumerate pool entries matching capability and isolation-compatible
//     with req.Token, excluding dirty entries.
//  2. Among matches, prefer the least-recently-used.
//  3. If none, launch a build; a second compatible request arriving
//     while it's in flight waits on it for up to RequestLoyaltyWindow
//     before giving up and launching its own.
//  4. The chosen circuit's token is updated to the join of its prior
//     token and req.Token.
func (m *Manager) GetOrBuild(ctx context.Context, req Request, build BuildFunc) (PooledCircuit, error) {
	if req.Token == nil {
		req.Token = isolation.None{}
	}

	if circ, ok := m.claimExisting(req); ok {
		return circ, nil
	}

	key := req.Capability.key()

	m.mu.Lock()
	if w, ok := m.building[key]; ok {
		m.mu.Unlock()
		return m.rideOrBuild(ctx, req, key, w, build)
	}
	w := &buildWaiter{done: make(chan struct{})}
	m.building[key] = w
	m.mu.Unlock()

	m.runBuild(req.Capability, key, w, build)
	return m.claimBuilt(req, w)
}

// claimExisting scans the pool under lock for a non-dirty match and, if
// found, performs the token join and returns it.
func (m *Manager) claimExisting(req Request) (PooledCircuit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *poolEntry
	for _, e := range m.entries {
		if e.dirty(m.cfg.MaxCircuitDirtiness) {
			continue
		}
		if !e.capability.satisfies(req.Capability) {
			continue
		}
		if !e.token.Compatible(req.Token) {
			continue
		}
		if best == nil || e.circ.LastActivity().Before(best.circ.LastActivity()) {
			best = e
		}
	}
	if best == nil {
		return nil, false
	}

	joined, ok := best.token.Join(req.Token)
	if !ok {
		// Compatible() said yes but Join() declines (e.g. a purpose cap
		// would be exceeded by a differently-shaped token); treat as no
		// match rather than silently sharing without updating the tag.
		return nil, false
	}
	best.token = joined
	return best.circ, true
}

// rideOrBuild waits on an in-flight build for up to the loyalty window.
// If it completes in time and the result is still a usable match, the
// caller joins onto it exactly as it would a pooled entry; otherwise the
// caller launches its own build.
func (m *Manager) rideOrBuild(ctx context.Context, req Request, key string, w *buildWaiter, build BuildFunc) (PooledCircuit, error) {
	timer := time.NewTimer(m.cfg.RequestLoyaltyWindow)
	defer timer.Stop()

	select {
	case <-w.done:
		if w.err == nil {
			if circ, ok := m.claimExisting(req); ok {
				return circ, nil
			}
		}
		// The build we rode either failed or its result no longer
		// matches (e.g. a concurrent dirtiness sweep retired it before
		// we could claim it); fall through to launching our own.
	case <-timer.C:
		m.logger.Debug("loyalty window expired, launching independent build", "capability", key)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	if nw, ok := m.building[key]; ok && nw != w {
		// Someone else already replaced the build we were riding with a
		// fresh one (e.g. another waiter's loyalty window expired
		// first); ride that one instead of racing it with our own.
		m.mu.Unlock()
		return m.claimBuilt(req, nw)
	}
	fresh := &buildWaiter{done: make(chan struct{})}
	m.building[key] = fresh
	m.mu.Unlock()

	m.runBuild(req.Capability, key, fresh, build)
	return m.claimBuilt(req, fresh)
}

func (m *Manager) runBuild(cap Capability, key string, w *buildWaiter, build BuildFunc) {
	circ, err := build(context.Background(), cap)

	m.mu.Lock()
	if err == nil {
		m.entries = append(m.entries, &poolEntry{
			circ:       circ,
			capability: cap,
			token:      isolation.None{},
			createdAt:  time.Now(),
		})
	}
	if m.building[key] == w {
		delete(m.building, key)
	}
	w.circ, w.err = circ, err
	m.mu.Unlock()
	close(w.done)
}

func (m *Manager) claimBuilt(req Request, w *buildWaiter) (PooledCircuit, error) {
	<-w.done
	if w.err != nil {
		return nil, fmt.Errorf("build circuit: %w", w.err)
	}
	if circ, ok := m.claimExisting(req); ok {
		return circ, nil
	}
	// The circuit this call itself built was already claimed and retired
	// by a concurrent dirtiness sweep before we got to it; return it
	// directly rather than erroring the caller that paid for the build.
	// A freshly built circuit starts tagged None, universally compatible,
	// so there is no token conflict to check here.
	return w.circ, nil
}

// Sweep drops pool entries past max-dirtiness from future selection.
// Per spec §4.10 this never closes the underlying circuit — already
// open streams continue until the application closes them — it only
// stops the entry from being offered to new requests.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.entries[:0]
	for _, e := range m.entries {
		if e.dirty(m.cfg.MaxCircuitDirtiness) {
			continue
		}
		live = append(live, e)
	}
	m.entries = live
}

// Drop removes circ from the pool immediately without closing it, for
// callers that have already torn it down directly (e.g. on a DESTROY).
func (m *Manager) Drop(circ PooledCircuit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.circ == circ {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return
		}
	}
}

// Stats reports the current pool size, for diagnostics.
func (m *Manager) Stats() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close closes every pooled circuit and empties the pool.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := m.entries
	m.entries = nil
	m.mu.Unlock()
	for _, e := range entries {
		e.circ.Close()
	}
}
