package circmgr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opaline-labs/coriander/config"
	"github.com/opaline-labs/coriander/isolation"
)

type fakeCircuit struct {
	mu     sync.Mutex
	touch  time.Time
	closed bool
}

func newFakeCircuit() *fakeCircuit {
	return &fakeCircuit{touch: time.Now()}
}

func (f *fakeCircuit) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.touch
}

func (f *fakeCircuit) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeCircuit) setActivity(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touch = t
}

func TestGetOrBuildReusesCompatibleCircuit(t *testing.T) {
	m := New(config.Default(), nil)
	var builds atomic.Int32

	cap := Capability{Purpose: "exit", Ports: []uint16{443}}
	build := func(ctx context.Context, c Capability) (PooledCircuit, error) {
		builds.Add(1)
		return newFakeCircuit(), nil
	}

	c1, err := m.GetOrBuild(context.Background(), Request{Capability: cap, Token: isolation.None{}}, build)
	if err != nil {
		t.Fatalf("first GetOrBuild: %v", err)
	}
	c2, err := m.GetOrBuild(context.Background(), Request{Capability: cap, Token: isolation.None{}}, build)
	if err != nil {
		t.Fatalf("second GetOrBuild: %v", err)
	}
	if c1 != c2 {
		t.Fatal("two None-token requests for the same capability should share the same circuit")
	}
	if builds.Load() != 1 {
		t.Fatalf("expected exactly one build, got %d", builds.Load())
	}
}

func TestGetOrBuildSeparatesIncompatibleUniqueTokens(t *testing.T) {
	m := New(config.Default(), nil)
	var builds atomic.Int32

	cap := Capability{Purpose: "exit", Ports: []uint16{80}}
	build := func(ctx context.Context, c Capability) (PooledCircuit, error) {
		builds.Add(1)
		return newFakeCircuit(), nil
	}

	reqA := Request{Capability: cap, Token: isolation.NewUnique(1)}
	reqB := Request{Capability: cap, Token: isolation.NewUnique(2)}

	circA, err := m.GetOrBuild(context.Background(), reqA, build)
	if err != nil {
		t.Fatalf("build A: %v", err)
	}
	circB, err := m.GetOrBuild(context.Background(), reqB, build)
	if err != nil {
		t.Fatalf("build B: %v", err)
	}
	if circA == circB {
		t.Fatal("two distinct Unique tokens must never share a circuit")
	}
	if builds.Load() != 2 {
		t.Fatalf("expected two independent builds, got %d", builds.Load())
	}
}

func TestGetOrBuildPrefersLeastRecentlyUsed(t *testing.T) {
	m := New(config.Default(), nil)
	cap := Capability{Purpose: "exit", Ports: []uint16{9050}}

	older := newFakeCircuit()
	older.setActivity(time.Now().Add(-time.Hour))
	newer := newFakeCircuit()

	m.entries = []*poolEntry{
		{circ: newer, capability: cap, token: isolation.None{}, createdAt: time.Now()},
		{circ: older, capability: cap, token: isolation.None{}, createdAt: time.Now()},
	}

	build := func(ctx context.Context, c Capability) (PooledCircuit, error) {
		t.Fatal("should not build when a compatible pool entry exists")
		return nil, nil
	}

	got, err := m.GetOrBuild(context.Background(), Request{Capability: cap, Token: isolation.None{}}, build)
	if err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}
	if got != PooledCircuit(older) {
		t.Fatal("expected the least-recently-used compatible circuit to be chosen")
	}
}

func TestGetOrBuildSkipsDirtyEntries(t *testing.T) {
	cfg := config.Default()
	cfg.MaxCircuitDirtiness = time.Minute
	m := New(cfg, nil)
	cap := Capability{Purpose: "directory"}

	dirty := newFakeCircuit()
	m.entries = []*poolEntry{
		{circ: dirty, capability: cap, token: isolation.None{}, createdAt: time.Now().Add(-time.Hour)},
	}

	fresh := newFakeCircuit()
	build := func(ctx context.Context, c Capability) (PooledCircuit, error) {
		return fresh, nil
	}

	got, err := m.GetOrBuild(context.Background(), Request{Capability: cap, Token: isolation.None{}}, build)
	if err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}
	if got != PooledCircuit(fresh) {
		t.Fatal("a circuit past max dirtiness must not be reused for a new request")
	}
}

func TestGetOrBuildPropagatesBuildFailure(t *testing.T) {
	m := New(config.Default(), nil)
	cap := Capability{Purpose: "exit", Ports: []uint16{22}}
	wantErr := fmt.Errorf("no usable relay")
	build := func(ctx context.Context, c Capability) (PooledCircuit, error) {
		return nil, wantErr
	}

	_, err := m.GetOrBuild(context.Background(), Request{Capability: cap}, build)
	if err == nil {
		t.Fatal("expected build failure to propagate")
	}
}

func TestSweepRemovesDirtyEntriesWithoutClosing(t *testing.T) {
	cfg := config.Default()
	cfg.MaxCircuitDirtiness = time.Minute
	m := New(cfg, nil)

	dirty := newFakeCircuit()
	live := newFakeCircuit()
	m.entries = []*poolEntry{
		{circ: dirty, createdAt: time.Now().Add(-time.Hour)},
		{circ: live, createdAt: time.Now()},
	}

	m.Sweep()

	if m.Stats() != 1 {
		t.Fatalf("expected one surviving entry, got %d", m.Stats())
	}
	if dirty.closed {
		t.Fatal("Sweep must not close a retired circuit, only stop offering it to new requests")
	}
}

func TestCapabilitySatisfiesRequiresPortSuperset(t *testing.T) {
	have := Capability{Purpose: "exit", Ports: []uint16{80, 443}}
	if !have.satisfies(Capability{Purpose: "exit", Ports: []uint16{443}}) {
		t.Fatal("an exit advertising 80+443 should satisfy a request for 443 alone")
	}
	if have.satisfies(Capability{Purpose: "exit", Ports: []uint16{22}}) {
		t.Fatal("an exit not advertising 22 should not satisfy a request for it")
	}
	if have.satisfies(Capability{Purpose: "directory"}) {
		t.Fatal("different purposes must never satisfy one another")
	}
}
