package channel

import (
	"bufio"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/opaline-labs/coriander/cell"
	"github.com/opaline-labs/coriander/config"
)

// Ed25519 Tor certificate types (cert-spec §A.1).
const (
	certTypeIdentitySigning = 4
	certTypeSigningTLS      = 5
	certTypeAuthenticate    = 6
)

// torCert is a parsed Ed25519 Tor certificate.
type torCert struct {
	Version       uint8
	CertType      uint8
	ExpirationHrs uint32
	KeyType       uint8
	CertifiedKey  [32]byte
	SigningKey    [32]byte // extension type 0x04, if present
	Signature     [64]byte
	Raw           []byte
}

// clockSkewTolerance is how far past its nominal expiration a signing-key
// certificate is still accepted, to absorb clock skew between client and
// relay (spec §4.2).
const clockSkewTolerance = 2 * time.Hour

func parseTorCert(data []byte) (*torCert, error) {
	if len(data) < 39+64 {
		return nil, fmt.Errorf("tor cert too short: %d bytes", len(data))
	}

	tc := &torCert{
		Raw:           data,
		Version:       data[0],
		CertType:      data[1],
		ExpirationHrs: binary.BigEndian.Uint32(data[2:6]),
		KeyType:       data[6],
	}
	copy(tc.CertifiedKey[:], data[7:39])

	nExt := data[39]
	pos := 40
	for i := uint8(0); i < nExt; i++ {
		if pos+4 > len(data)-64 {
			return nil, fmt.Errorf("extension overflows cert at pos %d", pos)
		}
		extLen := int(binary.BigEndian.Uint16(data[pos:]))
		extType := data[pos+2]
		extFlags := data[pos+3]
		pos += 4
		if pos+extLen > len(data)-64 {
			return nil, fmt.Errorf("extension data overflows")
		}
		extData := data[pos : pos+extLen]
		if extType == 0x04 && len(extData) == 32 {
			copy(tc.SigningKey[:], extData)
		} else if extFlags&0x01 != 0 {
			return nil, fmt.Errorf("unrecognized critical extension type 0x%02x", extType)
		}
		pos += extLen
	}

	copy(tc.Signature[:], data[len(data)-64:])
	return tc, nil
}

// verify checks expiration (with tolerance) and the Ed25519 signature.
// If signingKey is non-nil it is used instead of the embedded extension.
func (tc *torCert) verify(signingKey []byte) error {
	expTime := time.Unix(int64(tc.ExpirationHrs)*3600, 0)
	if time.Now().After(expTime.Add(clockSkewTolerance)) {
		return fmt.Errorf("cert expired at %v", expTime)
	}

	var pubKey ed25519.PublicKey
	if signingKey != nil {
		pubKey = ed25519.PublicKey(signingKey)
	} else {
		zeroKey := [32]byte{}
		if tc.SigningKey == zeroKey {
			return fmt.Errorf("no signing key extension (type 0x04) found and none provided")
		}
		pubKey = ed25519.PublicKey(tc.SigningKey[:])
	}

	signed := tc.Raw[:len(tc.Raw)-64]
	if !ed25519.Verify(pubKey, signed, tc.Signature[:]) {
		return fmt.Errorf("ed25519 signature verification failed")
	}
	return nil
}

// validateCerts parses a CERTS cell payload, validates the Ed25519
// certificate chain rooted at the peer's claimed identity key, and
// checks the signing-key certificate binds to the actual TLS peer
// certificate (spec §4.2). Returns the relay's Ed25519 identity key.
func validateCerts(payload []byte, peerCertHash []byte, logger *slog.Logger) ([]byte, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("empty CERTS payload")
	}
	nCerts := payload[0]
	pos := 1
	var cert4, cert5 *torCert

	for i := uint8(0); i < nCerts; i++ {
		if pos+3 > len(payload) {
			return nil, fmt.Errorf("certs cell truncated at cert %d", i)
		}
		certType := payload[pos]
		certLen := int(binary.BigEndian.Uint16(payload[pos+1:]))
		pos += 3
		if pos+certLen > len(payload) {
			return nil, fmt.Errorf("cert %d data overflows (type=%d, len=%d)", i, certType, certLen)
		}
		certData := payload[pos : pos+certLen]
		pos += certLen

		switch certType {
		case certTypeIdentitySigning:
			tc, err := parseTorCert(certData)
			if err != nil {
				return nil, fmt.Errorf("parse cert type 4: %w", err)
			}
			cert4 = tc
		case certTypeSigningTLS:
			tc, err := parseTorCert(certData)
			if err != nil {
				return nil, fmt.Errorf("parse cert type 5: %w", err)
			}
			cert5 = tc
		default:
			logger.Debug("skipping cert", "type", certType)
		}
	}

	if cert4 == nil {
		return nil, fmt.Errorf("missing CertType 4 (IDENTITY_V_SIGNING)")
	}
	if cert5 == nil {
		return nil, fmt.Errorf("missing CertType 5 (SIGNING_V_TLS_CERT)")
	}

	if err := cert4.verify(nil); err != nil {
		return nil, fmt.Errorf("cert type 4 verification: %w", err)
	}
	identityKey := cert4.SigningKey
	signingKey := cert4.CertifiedKey

	if err := cert5.verify(signingKey[:]); err != nil {
		return nil, fmt.Errorf("cert type 5 verification: %w", err)
	}
	if cert5.KeyType != 0x03 {
		return nil, fmt.Errorf("cert type 5 key type should be 0x03 (SHA256-of-X509), got 0x%02x", cert5.KeyType)
	}
	if !hmac.Equal(cert5.CertifiedKey[:], peerCertHash[:32]) {
		return nil, fmt.Errorf("cert type 5 certified key does not match TLS certificate hash")
	}
	return identityKey[:], nil
}

func negotiateVersion(serverVersions []uint16, cap uint16) uint16 {
	var best uint16
	for _, v := range serverVersions {
		if v >= 4 && v <= cap && v > best {
			best = v
		}
	}
	return best
}

// readExpectedCell reads cells, skipping PADDING/VPADDING, until it gets
// the expected command.
func readExpectedCell(cr *cell.Reader, expected uint8, logger *slog.Logger) (cell.Cell, error) {
	for i := 0; i < 100; i++ {
		c, err := cr.ReadCell()
		if err != nil {
			return nil, err
		}
		cmd := c.Command()
		if cmd == cell.CmdPadding || cmd == cell.CmdVPadding {
			continue
		}
		if cmd != expected {
			return nil, fmt.Errorf("expected command %d, got %d", expected, cmd)
		}
		return c, nil
	}
	return nil, fmt.Errorf("too many padding cells before command %d", expected)
}

func buildNetInfo(peerIP net.IP) cell.Cell {
	c := cell.NewFixedCell(0, cell.CmdNetInfo)
	p := c.Payload()
	// Timestamp = 0 to avoid fingerprinting, matching the teacher's
	// client stance.
	p[0], p[1], p[2], p[3] = 0, 0, 0, 0
	p[4] = 0x04 // ATYPE IPv4
	p[5] = 0x04 // ALEN
	copy(p[6:10], peerIP)
	p[10] = 0x00 // NMYADDR = 0
	return c
}

// parseNetInfoTimestamp extracts the 4-byte wallclock seconds a peer
// advertised in its NETINFO cell, used to compute clock skew (spec §4.2).
func parseNetInfoTimestamp(payload []byte) time.Time {
	if len(payload) < 4 {
		return time.Time{}
	}
	secs := binary.BigEndian.Uint32(payload[0:4])
	if secs == 0 {
		// A zero timestamp means the peer advertised no clock.
		return time.Time{}
	}
	return time.Unix(int64(secs), 0)
}

// Dial connects to target.Addresses in order, performs the TLS + link
// handshake, and returns a running Channel. When target.Identity carries
// a non-zero Ed25519 key, it must equal the Ed25519 identity proven in
// the peer's CERTS cell; the RSA identity is taken from target as given
// and is not checked against CERTS. role selects whether the
// handshake also performs relay-to-relay AUTHENTICATE (spec §4.2).
func Dial(target Target, role AuthRole, selfIdentity *RelaySelfIdentity, cfg config.Config, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var lastErr error
	for _, addr := range target.Addresses {
		ch, err := dialOne(addr, target.Identity, role, selfIdentity, cfg, logger)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		logger.Warn("channel dial attempt failed", "addr", addr, "error", err)
	}
	return nil, fmt.Errorf("dial all addresses failed: %w", lastErr)
}

// RelaySelfIdentity carries the keys a relay-to-relay channel uses to
// prove its own identity via AUTHENTICATE. Client-only deployments leave
// this nil.
type RelaySelfIdentity struct {
	SigningKey ed25519.PrivateKey
	Cert       []byte // CERTS-cell-ready identity->signing certificate
}

func dialOne(addr string, want Identity, role AuthRole, self *RelaySelfIdentity, cfg config.Config, logger *slog.Logger) (*Channel, error) {
	tcpConn, err := net.DialTimeout("tcp", addr, cfg.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("tcp dial: %w", err)
	}

	tlsConfig := &tls.Config{
		// Tor relays use self-signed certs; identity is verified via the
		// CERTS cell Ed25519 chain, not TLS PKI.
		InsecureSkipVerify:     true,
		SessionTicketsDisabled: true,
		MinVersion:             tls.VersionTLS12,
	}
	tlsConn := tls.Client(tcpConn, tlsConfig)
	_ = tlsConn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("no peer TLS certificate")
	}
	peerCertDER := state.PeerCertificates[0].Raw
	peerCertHash := sha256.Sum256(peerCertDER)

	br := bufio.NewReader(tlsConn)
	cr := cell.NewReader(br)
	cw := cell.NewWriter(tlsConn)

	versionsCell := cell.NewVersionsCell([]uint16{4, 5})
	if err := cw.WriteCell(versionsCell); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("send VERSIONS: %w", err)
	}
	serverVersionsCell, err := cr.ReadVersionsCell()
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("read VERSIONS: %w", err)
	}
	versions := cell.ParseVersions(serverVersionsCell)
	negotiated := negotiateVersion(versions, cfg.CellFormatCap)
	if negotiated == 0 {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("no common link protocol version <= %d (server offered %v)", cfg.CellFormatCap, versions)
	}

	certsCell, err := readExpectedCell(cr, cell.CmdCerts, logger)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("read CERTS: %w", err)
	}
	identityKey, err := validateCerts(certsCell.Payload(), peerCertHash[:], logger)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("validate CERTS: %w", err)
	}

	authChallengeCell, err := readExpectedCell(cr, cell.CmdAuthChallenge, logger)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("read AUTH_CHALLENGE: %w", err)
	}

	if role == AuthRoleRelay {
		if self == nil {
			_ = tlsConn.Close()
			return nil, fmt.Errorf("relay-to-relay channel requires a self identity to AUTHENTICATE")
		}
		if err := sendAuthenticate(cw, self, peerCertHash[:], authChallengeCell.Payload()); err != nil {
			_ = tlsConn.Close()
			return nil, fmt.Errorf("send AUTHENTICATE: %w", err)
		}
	}

	netinfoCell, err := readExpectedCell(cr, cell.CmdNetInfo, logger)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("read NETINFO: %w", err)
	}
	peerClock := parseNetInfoTimestamp(netinfoCell.Payload())
	var skew time.Duration
	if !peerClock.IsZero() {
		skew = time.Since(peerClock)
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("parse relay addr: %w", err)
	}
	relayIP := net.ParseIP(host).To4()
	if relayIP == nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("relay IP not IPv4: %s", host)
	}
	if err := cw.WriteCell(buildNetInfo(relayIP)); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("send NETINFO: %w", err)
	}
	_ = tlsConn.SetDeadline(time.Time{})

	var identity Identity
	copy(identity.Ed25519[:], identityKey)
	copy(identity.RSA[:], want.RSA[:]) // RSA fingerprint is learned out of band (descriptor), not from CERTS

	if !identity.Equal(want) && !(want.Ed25519 == [32]byte{}) {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("relay identity mismatch: wanted %s, got %s", want, identity)
	}

	ch := newChannel(identity, addr, negotiated, skew, tlsConn, cr, cw, logger)
	go ch.run()
	logger.Info("channel handshake complete", "chanID", ch.ID, "addr", addr, "version", negotiated)
	return ch, nil
}

// sendAuthenticate performs the relay-to-relay AUTHENTICATE exchange: a
// signature over a transcript including the TLS server certificate and
// the AUTH_CHALLENGE payload, proving self's identity to the peer
// (spec §4.2).
func sendAuthenticate(cw *cell.Writer, self *RelaySelfIdentity, peerCertHash []byte, authChallenge []byte) error {
	transcript := make([]byte, 0, len(peerCertHash)+len(authChallenge))
	transcript = append(transcript, peerCertHash...)
	transcript = append(transcript, authChallenge...)
	sig := ed25519.Sign(self.SigningKey, transcript)

	payload := make([]byte, 0, 2+len(sig))
	payload = append(payload, 'A', '3') // AuthType "AUTH0003"-style tag, abbreviated
	payload = append(payload, sig...)

	authCell := cell.NewVarCell(0, cell.CmdAuthenticate, payload)
	return cw.WriteCell(authCell)
}
