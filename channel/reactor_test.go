package channel

import (
	"testing"

	"github.com/opaline-labs/coriander/cell"
)

func TestAllocateCircIDAvoidsCollision(t *testing.T) {
	ch := &Channel{}
	circuits := map[uint32]circEntry{}

	id1, err := ch.allocateCircID(circuits)
	if err != nil {
		t.Fatalf("allocateCircID: %v", err)
	}
	if id1&0x80000000 == 0 {
		t.Fatalf("allocated circID %#x missing originator high bit", id1)
	}
	circuits[id1] = circEntry{}

	id2, err := ch.allocateCircID(circuits)
	if err != nil {
		t.Fatalf("allocateCircID: %v", err)
	}
	if id2 == id1 {
		t.Fatal("allocateCircID returned a colliding id")
	}
}

func TestDoOpenCircuitRejectsTakenHint(t *testing.T) {
	ch := &Channel{}
	circuits := map[uint32]circEntry{
		0x80000005: {inbound: make(chan cell.Cell, 1), evict: make(chan struct{})},
	}
	res := ch.doOpenCircuit(0x80000005, circuits)
	if res.err == nil {
		t.Fatal("expected error opening an already-taken circuit id hint")
	}
}

func TestDoOpenCircuitRandomAllocatesEntry(t *testing.T) {
	ch := &Channel{}
	circuits := map[uint32]circEntry{}
	res := ch.doOpenCircuit(0, circuits)
	if res.err != nil {
		t.Fatalf("doOpenCircuit: %v", res.err)
	}
	if _, ok := circuits[res.circID]; !ok {
		t.Fatal("doOpenCircuit did not register the new circuit")
	}
}
