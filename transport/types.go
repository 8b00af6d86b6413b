package transport

import "context"

// PeerIdentity is the stable identifier and display name of a device on the
// local network. It is immutable once created; equality is by ID.
type PeerIdentity struct {
	ID   string
	Name string
}

// Equal reports whether two identities refer to the same device.
func (p PeerIdentity) Equal(other PeerIdentity) bool {
	return p.ID == other.ID
}

// DeliveryMode hints how a payload should be delivered.
type DeliveryMode uint8

const (
	// Unreliable delivery is best-effort with no ordering guarantee. Audio
	// frames use this mode: a late frame is worthless.
	Unreliable DeliveryMode = iota
	// Reliable delivery asks the substrate for its most dependable path.
	// The UDP substrate remains best-effort; handshake reliability is
	// provided by the session layer's bounded retry.
	Reliable
)

// ConnState is the transport-level connection state of a peer session.
type ConnState uint8

const (
	ConnConnecting ConnState = iota
	ConnConnected
	ConnDisconnected
)

// String returns a human-readable connection state name.
func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Discovery describes a peer found while browsing, together with the
// key/value metadata attached to its advertisement.
type Discovery struct {
	Peer     PeerIdentity
	Metadata map[string]string
}

// ReceiveFunc handles a payload delivered by a connected peer.
type ReceiveFunc func(from PeerIdentity, packet *Packet)

// StateChangeFunc observes transport-level session state transitions.
type StateChangeFunc func(peer PeerIdentity, state ConnState)

// InviteFunc decides whether an inbound session invitation is accepted.
type InviteFunc func(from PeerIdentity) bool

// IntroducedFunc handles a peer introduction relayed by a connected peer.
type IntroducedFunc func(peer PeerIdentity)

// Transport abstracts the local-network delivery substrate: advertise and
// browse for services, open bidirectional sessions to discovered peers, and
// exchange opaque packets with sender identity.
//
// Implementations must deliver packets only for peers in the connected
// state; in-flight packets from a disconnected peer are dropped.
type Transport interface {
	// Advertise begins (or updates) the service advertisement with the
	// given metadata. Calling it again re-advertises with fresh metadata.
	Advertise(metadata map[string]string) error

	// StopAdvertise withdraws the service advertisement.
	StopAdvertise()

	// Browse begins watching for advertised peers, reporting found and
	// lost events.
	Browse(found func(Discovery), lost func(PeerIdentity)) error

	// StopBrowse stops watching for advertised peers.
	StopBrowse()

	// Connect opens a session to a discovered peer, blocking until the
	// peer accepts, the context expires, or the invitation is rejected.
	Connect(ctx context.Context, peer PeerIdentity) error

	// Disconnect closes the session to a peer, if any.
	Disconnect(peer PeerIdentity)

	// Send delivers a packet to a connected peer.
	Send(peer PeerIdentity, packet *Packet, mode DeliveryMode) error

	// Introduce shares knowledge of one known peer with a connected peer,
	// carrying whatever addressing the receiver needs to Connect to the
	// introduced peer itself. It lets a rendezvous node stitch peers that
	// never saw each other's advertisements into direct sessions.
	Introduce(to PeerIdentity, peer PeerIdentity) error

	// OnIntroduced registers the handler for introductions relayed by
	// connected peers.
	OnIntroduced(fn IntroducedFunc)

	// OnReceive registers the handler for packets from connected peers.
	OnReceive(fn ReceiveFunc)

	// OnStateChange registers the observer for session state transitions.
	OnStateChange(fn StateChangeFunc)

	// OnInvite registers the inbound invitation acceptance policy. With no
	// policy registered all invitations are ignored.
	OnInvite(fn InviteFunc)

	// LocalPeer returns this device's identity.
	LocalPeer() PeerIdentity

	// Close shuts down the transport and all sessions.
	Close() error
}
