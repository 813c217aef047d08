package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jrick/logrotate/rotator"

	"github.com/opaline-labs/coriander/chanmgr"
	"github.com/opaline-labs/coriander/channel"
	"github.com/opaline-labs/coriander/circmgr"
	"github.com/opaline-labs/coriander/circuit"
	"github.com/opaline-labs/coriander/config"
	"github.com/opaline-labs/coriander/descriptor"
	"github.com/opaline-labs/coriander/directory"
	"github.com/opaline-labs/coriander/isolation"
	"github.com/opaline-labs/coriander/onion"
	"github.com/opaline-labs/coriander/pathselect"
	"github.com/opaline-labs/coriander/socks"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	logger, closeLog := setupLogging()
	defer closeLog()

	fmt.Printf("=== Coriander Tor Client %s ===\n", Version)
	fmt.Println()

	cfg := config.Default()

	cache := &directory.Cache{Dir: directory.DefaultCacheDir()}
	consensusText := loadOrFetchConsensus(cache)
	keyCerts := loadOrFetchKeyCerts(cache, logger)
	consensus := validateAndParseConsensus(consensusText, keyCerts, cache, logger)
	populateMicrodescriptors(consensus, cache, logger)

	chans := chanmgr.New(cfg, channel.AuthRoleClient, nil, logger)
	circs := circmgr.New(cfg, logger)
	builder := &circuitBuilder{consensus: consensus, chans: chans, cfg: cfg, logger: logger}

	runSOCKSProxy(consensus, circs, builder, logger)

	chans.Close()
}

// setupLogging builds a handler that writes structured logs to both
// stdout and a size-rotated debug log (spec ambient stack: jrick/logrotate
// keeps tor-debug.log bounded across long-running client sessions).
func setupLogging() (*slog.Logger, func()) {
	rot, err := rotator.New("tor-debug.log", 10*1024, false, 3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log rotator: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(rot, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, func() { _ = rot.Close() }
}

func loadOrFetchConsensus(cache *directory.Cache) string {
	if text, ok := cache.LoadConsensus(); ok {
		fmt.Println("Loaded consensus from cache")
		return text
	}
	fmt.Println("Fetching consensus from directory authorities...")
	text, err := directory.FetchConsensus()
	if err != nil {
		fmt.Printf("  Failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Fetched consensus (%d bytes)\n", len(text))
	return text
}

func loadOrFetchKeyCerts(cache *directory.Cache, logger *slog.Logger) []directory.KeyCert {
	keyCerts, err := cache.LoadKeyCerts()
	if err == nil && len(keyCerts) > 0 {
		fmt.Printf("Loaded %d authority key certificates from cache\n", len(keyCerts))
		return keyCerts
	}
	fmt.Println("Fetching authority key certificates...")
	keyCerts, err = directory.FetchKeyCerts()
	if err != nil {
		fmt.Printf("  Warning: failed to fetch key certificates: %v\n", err)
		fmt.Println("  Falling back to structural signature validation")
		return nil
	}
	fmt.Printf("  Fetched %d authority key certificates\n", len(keyCerts))
	if err := cache.SaveKeyCerts(keyCerts); err != nil {
		logger.Warn("failed to cache key certs", "error", err)
	}
	return keyCerts
}

func validateAndParseConsensus(text string, keyCerts []directory.KeyCert, cache *directory.Cache, logger *slog.Logger) *directory.Consensus {
	if err := directory.ValidateSignatures(text, keyCerts); err != nil {
		fmt.Printf("  Signature validation failed: %v\n", err)
		os.Exit(1)
	}
	if len(keyCerts) > 0 {
		fmt.Println("  Consensus cryptographically verified (≥5 RSA signatures)")
	} else {
		fmt.Println("  Consensus structurally validated (≥5 authority signatures)")
	}

	consensus, err := directory.ParseConsensus(text)
	if err != nil {
		fmt.Printf("  Parse failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Parsed: %d relays, valid until %s\n", len(consensus.Relays), consensus.ValidUntil.Format(time.RFC3339))

	if err := directory.ValidateFreshness(consensus); err != nil {
		fmt.Printf("  Consensus validation failed: %v\n", err)
		os.Exit(1)
	}
	if err := cache.SaveConsensus(text, consensus.FreshUntil, consensus.ValidUntil); err != nil {
		logger.Warn("failed to cache consensus", "error", err)
	}
	return consensus
}

func populateMicrodescriptors(consensus *directory.Consensus, cache *directory.Cache, logger *slog.Logger) {
	fmt.Println("Fetching microdescriptors...")
	var usefulRelays []directory.Relay
	for _, r := range consensus.Relays {
		if r.Flags.Running && r.Flags.Valid && (r.Flags.Guard || r.Flags.Exit || r.Flags.Fast || r.Flags.HSDir) {
			usefulRelays = append(usefulRelays, r)
		}
	}
	fmt.Printf("  %d relays with useful flags\n", len(usefulRelays))

	cachedCount := cache.LoadMicrodescriptors(usefulRelays)
	if cachedCount > 0 {
		fmt.Printf("  Loaded %d relays from microdescriptor cache\n", cachedCount)
	}

	fetchMissingMicrodescriptors(usefulRelays, logger)

	ntorCount := countNtorKeys(usefulRelays)
	fmt.Printf("  %d relays with ntor keys\n", ntorCount)

	if err := cache.SaveMicrodescriptors(usefulRelays); err != nil {
		logger.Warn("failed to cache microdescriptors", "error", err)
	}
	consensus.Relays = usefulRelays
}

func fetchMissingMicrodescriptors(relays []directory.Relay, logger *slog.Logger) {
	needFetch := 0
	for _, r := range relays {
		if !r.HasNtorKey {
			needFetch++
		}
	}
	if needFetch == 0 {
		return
	}
	fmt.Printf("  Fetching microdescriptors for %d relays...\n", needFetch)
	for _, addr := range directory.DirAuthorities {
		if directory.UpdateRelaysWithMicrodescriptors(addr, relays) == nil {
			break
		}
		logger.Warn("microdesc fetch failed", "addr", addr)
	}
}

func countNtorKeys(relays []directory.Relay) int {
	count := 0
	for _, r := range relays {
		if r.HasNtorKey {
			count++
		}
	}
	return count
}

func runSOCKSProxy(consensus *directory.Consensus, circs *circmgr.Manager, builder *circuitBuilder, logger *slog.Logger) {
	socksAddr := "127.0.0.1:9050"
	fmt.Printf("\nStarting SOCKS5 proxy on %s...\n", socksAddr)

	hsHTTPClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig:    &tls.Config{InsecureSkipVerify: true},
			DisableCompression: true,
		},
	}

	srv := &socks.Server{
		Addr:   socksAddr,
		Logger: logger,
		Config: builder.cfg,
		GetCirc: func() (*circuit.Circuit, error) {
			req := circmgr.Request{
				Capability: circmgr.Capability{Purpose: "exit", Ports: []uint16{80, 443}},
				Token:      isolation.None{},
			}
			pc, err := circs.GetOrBuild(context.Background(), req, builder.build)
			if err != nil {
				return nil, err
			}
			return pc.(*circuit.Circuit), nil
		},
		OnionHandler: func(onionAddr string, port uint16) (io.ReadWriteCloser, error) {
			return onion.ConnectOnionService(onionAddr, port, consensus, hsHTTPClient, builder, logger)
		},
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		_ = srv.Close()
		circs.Close()
	}()

	fmt.Println("Ready. Use: curl --socks5-hostname 127.0.0.1:9050 http://example.com")
	if err := srv.ListenAndServe(); err != nil {
		fmt.Printf("SOCKS5 server error: %v\n", err)
	}
}

func relayInfoFromConsensus(relay *directory.Relay) *descriptor.RelayInfo {
	return &descriptor.RelayInfo{
		NodeID:       relay.Identity,
		NtorOnionKey: relay.NtorOnionKey,
		Address:      relay.Address,
		ORPort:       relay.ORPort,
	}
}

func channelTargetFromConsensus(relay *directory.Relay) channel.Target {
	return channel.Target{
		Addresses: []string{fmt.Sprintf("%s:%d", relay.Address, relay.ORPort)},
		Identity:  channel.Identity{Ed25519: relay.Ed25519ID, RSA: relay.Identity},
	}
}

// circuitBuilder implements both circmgr.BuildFunc (via build) and
// onion.CircuitBuilder (via BuildCircuit): the circuit manager asks for
// generic exit circuits, the onion-service connector asks for circuits
// ending at a specific introduction/rendezvous point.
type circuitBuilder struct {
	consensus *directory.Consensus
	chans     *chanmgr.Manager
	cfg       config.Config
	logger    *slog.Logger
}

// build satisfies circmgr.BuildFunc: it ignores cap.ExitIdentity and
// cap.Ports and always builds a fresh 3-hop path via pathselect, whose
// exit is any relay with the Exit flag; the exit's policy is not checked
// against cap.Ports.
func (cb *circuitBuilder) build(ctx context.Context, cap circmgr.Capability) (circmgr.PooledCircuit, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		built, err := cb.tryBuildCircuit(ctx, nil)
		if err != nil {
			lastErr = err
			cb.logger.Warn("circuit build attempt failed", "attempt", attempt, "error", err)
			continue
		}
		return built.Circuit, nil
	}
	return nil, fmt.Errorf("failed to build circuit after 3 attempts: %w", lastErr)
}

// BuildCircuit implements onion.CircuitBuilder.
func (cb *circuitBuilder) BuildCircuit(target *descriptor.RelayInfo) (*onion.BuiltCircuit, error) {
	for attempt := 0; attempt < 3; attempt++ {
		built, err := cb.tryBuildCircuit(context.Background(), target)
		if err != nil {
			cb.logger.Warn("circuit build attempt failed", "attempt", attempt, "error", err)
			continue
		}
		return built, nil
	}
	return nil, fmt.Errorf("failed to build circuit after 3 attempts")
}

func (cb *circuitBuilder) tryBuildCircuit(ctx context.Context, target *descriptor.RelayInfo) (*onion.BuiltCircuit, error) {
	var lastHopRelay *directory.Relay
	var guard, middle *directory.Relay

	if target != nil {
		exit, err := pathselect.SelectExit(cb.consensus)
		if err != nil {
			return nil, fmt.Errorf("select exit for path: %w", err)
		}
		g, err := pathselect.SelectGuard(cb.consensus, exit)
		if err != nil {
			return nil, fmt.Errorf("select guard: %w", err)
		}
		m, err := pathselect.SelectMiddle(cb.consensus, g, exit)
		if err != nil {
			return nil, fmt.Errorf("select middle: %w", err)
		}
		guard, middle = g, m
	} else {
		path, err := pathselect.SelectPath(cb.consensus)
		if err != nil {
			return nil, fmt.Errorf("select path: %w", err)
		}
		guard = &path.Guard
		middle = &path.Middle
		lastHopRelay = &path.Exit
	}

	ch, err := cb.chans.GetOrLaunch(ctx, channelTargetFromConsensus(guard))
	if err != nil {
		return nil, fmt.Errorf("guard channel: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cb.cfg.HandshakeTimeout)
	defer cancel()

	useV3 := cb.cfg.CongestionAlgo != config.AlgorithmFixedWindow
	guardInfo := relayInfoFromConsensus(guard)
	c, err := circuit.Create(ctx, ch, guardInfo, useV3, cb.logger)
	if err != nil {
		return nil, fmt.Errorf("circuit create: %w", err)
	}

	middleInfo := relayInfoFromConsensus(middle)
	if err := c.Extend(middleInfo, useV3); err != nil {
		c.Close()
		return nil, fmt.Errorf("extend to middle: %w", err)
	}

	var lastHopInfo *descriptor.RelayInfo
	if target != nil {
		lastHopInfo = target
	} else {
		lastHopInfo = relayInfoFromConsensus(lastHopRelay)
	}
	if err := c.Extend(lastHopInfo, useV3); err != nil {
		c.Close()
		return nil, fmt.Errorf("extend to last hop: %w", err)
	}

	cb.logger.Info("circuit built", "circID", fmt.Sprintf("0x%08x", c.CircID))

	return &onion.BuiltCircuit{
		Circuit:    c,
		LinkCloser: nopCloser{},
		LastHop:    lastHopInfo,
	}, nil
}

// nopCloser satisfies onion.BuiltCircuit's LinkCloser: the channel
// underlying a circuit is owned and retired by chanmgr, not by the
// circuit itself, so closing a circuit must not also tear down the
// (possibly shared) channel.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
