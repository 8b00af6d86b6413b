package session

import (
	"time"

	"github.com/opd-ai/lanvoice/transport"
)

// ConnectionState is the per-peer session state machine.
//
// Discovery yields StateDiscovered; a local decision to invite yields
// StateInviting; transport acknowledgment of the handshake yields
// StateConnecting; transport-reported success yields StateConnected; any
// failure, timeout, or explicit leave yields StateDisconnected. A
// disconnected peer is removed from the roster; rejoining starts a fresh
// Peer.
type ConnectionState uint8

const (
	StateDiscovered ConnectionState = iota
	StateInviting
	StateConnecting
	StateConnected
	StateDisconnected
)

// String returns a human-readable state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateInviting:
		return "inviting"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Peer is a roster entry. The Manager is its exclusive owner; snapshots are
// returned by value through accessor calls.
type Peer struct {
	Identity     transport.PeerIdentity
	State        ConnectionState
	DiscoveredAt time.Time
	ConnectedAt  time.Time
}
