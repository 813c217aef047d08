package circuit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"testing"
	"time"

	"github.com/opaline-labs/coriander/ntor"
)

func TestInitHop(t *testing.T) {
	km := &ntor.KeyMaterial{}
	for i := range km.Kf {
		km.Kf[i] = byte(i)
	}
	for i := range km.Kb {
		km.Kb[i] = byte(i + 16)
	}
	for i := range km.Df {
		km.Df[i] = byte(i + 32)
	}
	for i := range km.Db {
		km.Db[i] = byte(i + 52)
	}

	hop, err := initHop(km)
	if err != nil {
		t.Fatalf("initHop: %v", err)
	}

	plaintext := make([]byte, 32)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}

	ct := make([]byte, 32)
	hop.kf.XORKeyStream(ct, plaintext)

	same := true
	for i := range ct {
		if ct[i] != plaintext[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("encryption produced identical output")
	}

	ct2 := make([]byte, 32)
	hop.kf.XORKeyStream(ct2, plaintext)
	allSame := true
	for i := range ct {
		if ct[i] != ct2[i] {
			allSame = false
			break
		}
	}
	if allSame {
		t.Fatal("AES-CTR stream state not persisting - second encrypt identical to first")
	}
}

func TestInitHopWithCongestionWiresWindowWhenRequested(t *testing.T) {
	km := &ntor.KeyMaterial{}
	hop, err := initHopWithCongestion(km, ntor.ExtensionV3{RequestCongestionControl: true, SendmeInc: 31})
	if err != nil {
		t.Fatalf("initHopWithCongestion: %v", err)
	}
	if !hop.CongestionControl || hop.Cwnd == nil || hop.RTT == nil {
		t.Fatal("expected congestion control to be wired when requested")
	}
}

func TestInitHopWithCongestionSkipsWindowWhenNotRequested(t *testing.T) {
	km := &ntor.KeyMaterial{}
	hop, err := initHopWithCongestion(km, ntor.ExtensionV3{})
	if err != nil {
		t.Fatalf("initHopWithCongestion: %v", err)
	}
	if hop.CongestionControl || hop.Cwnd != nil {
		t.Fatal("expected no congestion window when not negotiated")
	}
}

func TestCipherStreamPersistence(t *testing.T) {
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	iv := make([]byte, aes.BlockSize)

	block1, _ := aes.NewCipher(key)
	stream1 := cipher.NewCTR(block1, iv)
	plaintext := make([]byte, 32)
	ct1 := make([]byte, 32)
	stream1.XORKeyStream(ct1, plaintext)

	block2, _ := aes.NewCipher(key)
	stream2 := cipher.NewCTR(block2, iv)
	ct2 := make([]byte, 32)
	stream2.XORKeyStream(ct2[:16], plaintext[:16])
	stream2.XORKeyStream(ct2[16:], plaintext[16:])

	for i := range ct1 {
		if ct1[i] != ct2[i] {
			t.Fatalf("byte %d: one-shot=%02x, split=%02x", i, ct1[i], ct2[i])
		}
	}
}

func TestDigestSeedPersistence(t *testing.T) {
	seed := make([]byte, 20)
	for i := range seed {
		seed[i] = byte(i)
	}

	h := sha1.New()
	h.Write(seed)
	h.Write([]byte("hello"))
	d1 := h.Sum(nil)

	h2 := sha1.New()
	h2.Write(seed)
	h2.Write([]byte("hello"))
	d2 := h2.Sum(nil)

	for i := range d1 {
		if d1[i] != d2[i] {
			t.Fatal("digest not deterministic")
		}
	}

	h.Write([]byte("world"))
	d3 := h.Sum(nil)
	same := true
	for i := range d1 {
		if d1[i] != d3[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("running digest not accumulating")
	}
}

func TestNewHopStandalone(t *testing.T) {
	key := make([]byte, 32) // AES-256
	key[0] = 0x42
	iv := make([]byte, aes.BlockSize)

	fwdBlock, _ := aes.NewCipher(key)
	bwdBlock, _ := aes.NewCipher(key)
	kf := cipher.NewCTR(fwdBlock, iv)
	kb := cipher.NewCTR(bwdBlock, iv)
	df := sha1.New()
	db := sha1.New()
	df.Write([]byte("forward-seed"))
	db.Write([]byte("backward-seed"))

	hop := NewHop(kf, kb, df, db)
	if hop == nil {
		t.Fatal("NewHop returned nil")
	}
}

func TestAddHopAppendsThroughReactor(t *testing.T) {
	c := &Circuit{
		CircID:   0x80000001,
		cmdReq:   make(chan circuitCmd),
		closeCh:  make(chan struct{}),
		closeReq: make(chan chan struct{}),
	}

	hops := make([]*Hop, 0, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		cmd := <-c.cmdReq
		if cmd.addHop == nil {
			t.Error("expected addHop command")
			return
		}
		hops = append(hops, cmd.addHop.hop)
		cmd.addHop.reply <- nil
	}()

	hop := testHop(0x10, 0x20, 0xAA, 0xBB)
	if err := c.AddHop(hop); err != nil {
		t.Fatalf("AddHop: %v", err)
	}
	<-done

	if len(hops) != 1 {
		t.Fatalf("expected 1 hop relayed to reactor, got %d", len(hops))
	}
}

func TestLastActivityReflectsTouch(t *testing.T) {
	c := &Circuit{}
	before := c.LastActivity()
	c.touch()
	after := c.LastActivity()
	if !after.After(before) {
		t.Fatal("touch did not advance LastActivity")
	}
	if time.Since(after) > time.Second {
		t.Fatal("LastActivity not close to now")
	}
}
