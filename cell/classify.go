package cell

import "fmt"

// LinkState is where a channel's handshake state machine currently sits.
// The cell codec uses it to reject cell types that are invalid before or
// after the link handshake completes (spec §4.1, §4.2).
type LinkState uint8

const (
	LinkStatePreVersions LinkState = iota
	LinkStateVersioned
	LinkStateHandshaking // CERTS/AUTH_CHALLENGE/NETINFO in flight
	LinkStateOpen        // handshake complete, authenticated for its role
)

// AuthRole distinguishes a client-facing channel (never sends/accepts
// AUTHENTICATE) from a relay-to-relay channel (exchanges it both ways).
type AuthRole uint8

const (
	AuthRoleClient AuthRole = iota
	AuthRoleRelay
)

// IsChannelCell reports whether cmd is acted on directly by the channel
// reactor rather than being relay-cell payload interpreted by a circuit.
func IsChannelCell(cmd uint8) bool {
	switch cmd {
	case CmdPadding, CmdVersions, CmdNetInfo, CmdCerts, CmdAuthChallenge,
		CmdAuthenticate, CmdDestroy, CmdCreate, CmdCreated, CmdCreate2,
		CmdCreated2, CmdCreateFast, CmdCreatedFast, CmdRelay, CmdRelayEarly,
		CmdVPadding, CmdPaddingNegotiate:
		return true
	default:
		return false
	}
}

// IsRelayCommand reports whether cmd, as a relay-cell inner command byte
// (not a channel cell command), is one this implementation recognizes.
// Unknown relay commands are not fatal the way unknown *channel* commands
// are — the spec only requires closing on unknown *critical* commands,
// and relay commands from a future protocol revision are not critical.
func IsRelayCommand(cmd uint8) bool {
	switch cmd {
	case RelayBegin, RelayData, RelayEnd, RelayConnected, RelaySendMe,
		RelayExtend, RelayExtended, RelayTruncate, RelayTruncated,
		RelayDrop, RelayResolve, RelayResolved, RelayBeginDir,
		RelayExtend2, RelayExtended2, RelayXon, RelayXoff,
		RelayEstablishRendezvous, RelayIntroduce1, RelayIntroduce2,
		RelayRendezvous1, RelayRendezvous2, RelayIntroEstablished,
		RelayRendezvousEstablished, RelayIntroduceAck:
		return true
	default:
		return false
	}
}

// Relay command constants (tor-spec §6.1), kept in the codec package
// because command classification is a codec concern even though the
// circuit reactor is what dispatches on them.
const (
	RelayBegin                 uint8 = 1
	RelayData                  uint8 = 2
	RelayEnd                   uint8 = 3
	RelayConnected             uint8 = 4
	RelaySendMe                uint8 = 5
	RelayExtend                uint8 = 6
	RelayExtended              uint8 = 7
	RelayTruncate              uint8 = 8
	RelayTruncated             uint8 = 9
	RelayDrop                  uint8 = 10
	RelayResolve               uint8 = 11
	RelayResolved              uint8 = 12
	RelayBeginDir              uint8 = 13
	RelayExtend2               uint8 = 14
	RelayExtended2             uint8 = 15
	RelayXon                   uint8 = 43
	RelayXoff                  uint8 = 44
	RelayEstablishRendezvous   uint8 = 33
	RelayIntroduce1            uint8 = 34
	RelayIntroduce2            uint8 = 35
	RelayRendezvous1           uint8 = 36
	RelayRendezvous2           uint8 = 37
	RelayIntroEstablished      uint8 = 38
	RelayRendezvousEstablished uint8 = 39
	RelayIntroduceAck          uint8 = 40
)

// ErrDisallowedCommand is returned when a cell's command is not valid in
// the channel's current LinkState/AuthRole. Per spec §4.1 this always
// closes the channel; it is never a soft error.
type ErrDisallowedCommand struct {
	Command uint8
	State   LinkState
	Role    AuthRole
}

func (e *ErrDisallowedCommand) Error() string {
	return fmt.Sprintf("command %d disallowed in link state %d (role %d)", e.Command, e.State, e.Role)
}

// CheckAllowed validates cmd against the channel's link state and auth
// role, per spec §4.1's "rejection of cell types invalid in the current
// link state / current channel authentication state."
func CheckAllowed(cmd uint8, state LinkState, role AuthRole) error {
	switch state {
	case LinkStatePreVersions:
		if cmd != CmdVersions {
			return &ErrDisallowedCommand{Command: cmd, State: state, Role: role}
		}
	case LinkStateVersioned, LinkStateHandshaking:
		switch cmd {
		case CmdCerts, CmdAuthChallenge, CmdAuthenticate, CmdNetInfo, CmdPadding, CmdVPadding:
			// allowed during handshake
		default:
			return &ErrDisallowedCommand{Command: cmd, State: state, Role: role}
		}
	case LinkStateOpen:
		if cmd == CmdAuthenticate && role == AuthRoleClient {
			// Client-to-relay channels never send/accept AUTHENTICATE
			// post-handshake (spec §4.2).
			return &ErrDisallowedCommand{Command: cmd, State: state, Role: role}
		}
		// All channel cell types are otherwise legal once open; relay
		// cells are the common case and PADDING/NETINFO/DESTROY remain
		// valid for the lifetime of the link.
	}
	return nil
}
