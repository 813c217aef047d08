package circuit

import "github.com/opaline-labs/coriander/cell"

// Relay cell command constants (tor-spec.txt §6.1), re-exported from the
// cell package for callers that only import circuit.
const (
	RelayBegin                 = cell.RelayBegin
	RelayData                  = cell.RelayData
	RelayEnd                   = cell.RelayEnd
	RelayConnected             = cell.RelayConnected
	RelaySendMe                = cell.RelaySendMe
	RelayBeginDir              = cell.RelayBeginDir
	RelayXon                   = cell.RelayXon
	RelayXoff                  = cell.RelayXoff
	RelayExtend2               = cell.RelayExtend2
	RelayExtended2             = cell.RelayExtended2
	RelayEstablishRendezvous   = cell.RelayEstablishRendezvous
	RelayIntroduce1            = cell.RelayIntroduce1
	RelayRendezvous2           = cell.RelayRendezvous2
	RelayRendezvousEstablished = cell.RelayRendezvousEstablished
	RelayIntroduceAck          = cell.RelayIntroduceAck
)
