package circuit

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/binary"
	"testing"

	"github.com/opaline-labs/coriander/cell"
)

func testHop(kfKey, kbKey byte, dfSeed, dbSeed byte) *Hop {
	kf := make([]byte, 16)
	kb := make([]byte, 16)
	for i := range kf {
		kf[i] = kfKey + byte(i)
		kb[i] = kbKey + byte(i)
	}
	iv := make([]byte, aes.BlockSize)

	fwdBlock, _ := aes.NewCipher(kf)
	bwdBlock, _ := aes.NewCipher(kb)

	df := sha1.New()
	df.Write([]byte{dfSeed})
	db := sha1.New()
	db.Write([]byte{dbSeed})

	return &Hop{
		kf: cipher.NewCTR(fwdBlock, iv),
		kb: cipher.NewCTR(bwdBlock, iv),
		df: df,
		db: db,
	}
}

func TestEncryptRelayPayloadProducesEncryptedPayload(t *testing.T) {
	hop := testHop(0x10, 0x20, 0xAA, 0xBB)

	data := []byte("Hello, Tor relay!")
	payload, err := encryptRelayPayload([]*Hop{hop}, cell.RelayData, 42, data)
	if err != nil {
		t.Fatalf("encryptRelayPayload: %v", err)
	}

	if payload[relayCommandOff] == cell.RelayData && payload[relayRecognizedOff] == 0 && payload[relayRecognizedOff+1] == 0 {
		t.Fatal("payload appears to be unencrypted")
	}
	if len(payload) != RelayPayloadLen {
		t.Fatalf("payload length = %d, want %d", len(payload), RelayPayloadLen)
	}
}

func TestEncryptRelayPayloadDataTooLarge(t *testing.T) {
	hop := testHop(0x10, 0x20, 0xAA, 0xBB)
	bigData := make([]byte, MaxRelayDataLen+1)
	_, err := encryptRelayPayload([]*Hop{hop}, cell.RelayData, 1, bigData)
	if err == nil {
		t.Fatal("expected error for oversized data")
	}
}

func TestRelayCellPaddingStructure(t *testing.T) {
	hop := testHop(0x10, 0x10, 0xAA, 0xAA) // kf==kb so we can decrypt to verify
	data := []byte("hi")
	encrypted, err := encryptRelayPayload([]*Hop{hop}, cell.RelayData, 1, data)
	if err != nil {
		t.Fatalf("encryptRelayPayload: %v", err)
	}

	kf := make([]byte, 16)
	for i := range kf {
		kf[i] = 0x10 + byte(i)
	}
	iv := make([]byte, 16)
	block, _ := aes.NewCipher(kf)
	stream := cipher.NewCTR(block, iv)

	payload := make([]byte, RelayPayloadLen)
	copy(payload, encrypted)
	stream.XORKeyStream(payload, payload)

	padStart := relayDataOff + len(data)
	for i := 0; i < 4; i++ {
		if padStart+i < RelayPayloadLen && payload[padStart+i] != 0 {
			t.Fatalf("padding byte %d = %d, want 0", i, payload[padStart+i])
		}
	}
}

func TestEncryptRelayPayloadNoHops(t *testing.T) {
	_, err := encryptRelayPayload(nil, cell.RelayData, 1, []byte("test"))
	if err == nil {
		t.Fatal("expected error for empty hops")
	}
}

func TestDecryptRelayPayloadRecognized(t *testing.T) {
	kbKey := make([]byte, 16)
	for i := range kbKey {
		kbKey[i] = byte(0x20 + i)
	}
	iv := make([]byte, aes.BlockSize)
	bwdEnc, _ := aes.NewCipher(kbKey)
	kbEncrypt := cipher.NewCTR(bwdEnc, iv)

	bwdDec, _ := aes.NewCipher(kbKey)
	kbDecrypt := cipher.NewCTR(bwdDec, iv)

	dbSeed := []byte{0xBB}
	dbRelay := sha1.New()
	dbRelay.Write(dbSeed)
	dbClient := sha1.New()
	dbClient.Write(dbSeed)

	var payload [RelayPayloadLen]byte
	payload[relayCommandOff] = cell.RelayData
	binary.BigEndian.PutUint16(payload[relayStreamIDOff:], 7)
	binary.BigEndian.PutUint16(payload[relayLengthOff:], 5)
	copy(payload[relayDataOff:], []byte("hello"))

	dbRelay.Write(payload[:])
	digest := dbRelay.Sum(nil)
	copy(payload[relayDigestOff:relayDigestOff+4], digest[:4])

	kbEncrypt.XORKeyStream(payload[:], payload[:])

	kfKey := make([]byte, 16)
	fwdBlock, _ := aes.NewCipher(kfKey)
	hop := &Hop{
		kf: cipher.NewCTR(fwdBlock, iv),
		kb: kbDecrypt,
		df: sha1.New(),
		db: dbClient,
	}

	hopIdx, relayCmd, streamID, data, err := decryptRelayPayload([]*Hop{hop}, payload[:])
	if err != nil {
		t.Fatalf("decryptRelayPayload: %v", err)
	}
	if hopIdx != 0 {
		t.Fatalf("hopIdx = %d, want 0", hopIdx)
	}
	if relayCmd != cell.RelayData {
		t.Fatalf("relayCmd = %d, want %d", relayCmd, cell.RelayData)
	}
	if streamID != 7 {
		t.Fatalf("streamID = %d, want 7", streamID)
	}
	if !bytes.Equal(data, []byte("hello")) {
		t.Fatalf("data = %q, want %q", data, "hello")
	}
}

func TestDecryptRelayPayloadNotRecognized(t *testing.T) {
	hop := testHop(0x10, 0x20, 0xAA, 0xBB)

	garbage := make([]byte, RelayPayloadLen)
	for i := range garbage {
		garbage[i] = 0xFF
	}

	_, _, _, _, err := decryptRelayPayload([]*Hop{hop}, garbage)
	if err == nil {
		t.Fatal("expected error for unrecognized cell")
	}
}

func TestEncryptRelayPayloadRoundTripMultiHop(t *testing.T) {
	hop1 := testHop(0x10, 0x10, 0xA1, 0xA1)
	hop2 := testHop(0x20, 0x20, 0xA2, 0xA2)
	hop3 := testHop(0x30, 0x30, 0xA3, 0xA3)

	data := []byte("test multi-hop")
	encrypted, err := encryptRelayPayload([]*Hop{hop1, hop2, hop3}, cell.RelayData, 42, data)
	if err != nil {
		t.Fatalf("encryptRelayPayload: %v", err)
	}

	if encrypted[0] == cell.RelayData {
		t.Fatal("payload not encrypted")
	}
	if len(encrypted) != RelayPayloadLen {
		t.Fatalf("payload length = %d, want %d", len(encrypted), RelayPayloadLen)
	}
}

func TestRunningDigestPersistsAcrossCells(t *testing.T) {
	kbKey := make([]byte, 16)
	for i := range kbKey {
		kbKey[i] = byte(0x20 + i)
	}
	iv := make([]byte, aes.BlockSize)

	bwdEnc, _ := aes.NewCipher(kbKey)
	bwdDec, _ := aes.NewCipher(kbKey)

	dbRelay := sha1.New()
	dbRelay.Write([]byte{0xBB})
	dbClient := sha1.New()
	dbClient.Write([]byte{0xBB})

	encStream := cipher.NewCTR(bwdEnc, iv)
	decStream := cipher.NewCTR(bwdDec, iv)

	kfKey := make([]byte, 16)
	fwdBlock, _ := aes.NewCipher(kfKey)
	hop := &Hop{
		kf: cipher.NewCTR(fwdBlock, iv),
		kb: decStream,
		df: sha1.New(),
		db: dbClient,
	}

	for cellNum := 0; cellNum < 2; cellNum++ {
		var payload [RelayPayloadLen]byte
		payload[relayCommandOff] = cell.RelayData
		binary.BigEndian.PutUint16(payload[relayStreamIDOff:], 1)
		binary.BigEndian.PutUint16(payload[relayLengthOff:], 3)
		copy(payload[relayDataOff:], []byte{byte(cellNum), byte(cellNum), byte(cellNum)})

		dbRelay.Write(payload[:])
		digest := dbRelay.Sum(nil)
		copy(payload[relayDigestOff:relayDigestOff+4], digest[:4])

		encStream.XORKeyStream(payload[:], payload[:])

		_, _, _, data, err := decryptRelayPayload([]*Hop{hop}, payload[:])
		if err != nil {
			t.Fatalf("cell %d: decryptRelayPayload: %v", cellNum, err)
		}
		expected := []byte{byte(cellNum), byte(cellNum), byte(cellNum)}
		if !bytes.Equal(data, expected) {
			t.Fatalf("cell %d: data = %v, want %v", cellNum, data, expected)
		}
	}
}
