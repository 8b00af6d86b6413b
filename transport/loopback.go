package transport

import (
	"context"
	"fmt"
	"sync"
)

// LoopbackNetwork is an in-memory delivery substrate connecting
// LoopbackTransport instances in the same process. It implements the same
// semantics as the UDP substrate — advertisements reach browsers, sessions
// require invitation acceptance, packets flow only between connected peers —
// with deterministic, synchronous delivery for tests.
type LoopbackNetwork struct {
	mu    sync.Mutex
	nodes map[string]*LoopbackTransport
}

// NewLoopbackNetwork creates an empty in-memory network.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{nodes: make(map[string]*LoopbackTransport)}
}

// NewTransport attaches a new transport for the given identity.
func (n *LoopbackNetwork) NewTransport(self PeerIdentity) *LoopbackTransport {
	t := &LoopbackTransport{
		network:   n,
		self:      self,
		connected: make(map[string]PeerIdentity),
	}
	n.mu.Lock()
	n.nodes[self.ID] = t
	n.mu.Unlock()
	return t
}

// node looks up a transport by peer ID.
func (n *LoopbackNetwork) node(id string) *LoopbackTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[id]
}

// others returns every transport except the one with the given ID.
func (n *LoopbackNetwork) others(id string) []*LoopbackTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*LoopbackTransport, 0, len(n.nodes))
	for nid, t := range n.nodes {
		if nid != id {
			out = append(out, t)
		}
	}
	return out
}

// remove detaches a transport from the network.
func (n *LoopbackNetwork) remove(id string) {
	n.mu.Lock()
	delete(n.nodes, id)
	n.mu.Unlock()
}

// LoopbackTransport implements Transport over a LoopbackNetwork.
type LoopbackTransport struct {
	network *LoopbackNetwork
	self    PeerIdentity

	mu           sync.Mutex
	metadata     map[string]string
	browsing     bool
	foundFn      func(Discovery)
	lostFn       func(PeerIdentity)
	recvFn       ReceiveFunc
	stateFn      StateChangeFunc
	inviteFn     InviteFunc
	introducedFn IntroducedFunc
	connected    map[string]PeerIdentity
}

// LocalPeer returns this node's identity.
func (t *LoopbackTransport) LocalPeer() PeerIdentity {
	return t.self
}

// Advertise publishes metadata to every browsing node. Re-advertising with
// fresh metadata redelivers the found event, matching the UDP substrate's
// periodic announce behavior.
func (t *LoopbackTransport) Advertise(metadata map[string]string) error {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	t.mu.Lock()
	t.metadata = md
	t.mu.Unlock()

	for _, other := range t.network.others(t.self.ID) {
		other.deliverFound(Discovery{Peer: t.self, Metadata: md})
	}
	return nil
}

// StopAdvertise withdraws the advertisement and notifies browsers.
func (t *LoopbackTransport) StopAdvertise() {
	t.mu.Lock()
	wasAdvertising := t.metadata != nil
	t.metadata = nil
	t.mu.Unlock()

	if !wasAdvertising {
		return
	}
	for _, other := range t.network.others(t.self.ID) {
		other.deliverLost(t.self)
	}
}

// Browse starts watching and immediately reports currently advertised nodes.
func (t *LoopbackTransport) Browse(found func(Discovery), lost func(PeerIdentity)) error {
	t.mu.Lock()
	t.browsing = true
	t.foundFn = found
	t.lostFn = lost
	t.mu.Unlock()

	for _, other := range t.network.others(t.self.ID) {
		other.mu.Lock()
		md := other.metadata
		other.mu.Unlock()
		if md != nil {
			t.deliverFound(Discovery{Peer: other.self, Metadata: md})
		}
	}
	return nil
}

// StopBrowse stops watching for advertisements.
func (t *LoopbackTransport) StopBrowse() {
	t.mu.Lock()
	t.browsing = false
	t.foundFn = nil
	t.lostFn = nil
	t.mu.Unlock()
}

// Connect invites the target node; the session is established when the
// target's invitation policy accepts.
func (t *LoopbackTransport) Connect(ctx context.Context, peer PeerIdentity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := t.network.node(peer.ID)
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer.ID)
	}

	t.mu.Lock()
	_, already := t.connected[peer.ID]
	t.mu.Unlock()
	if already {
		return nil
	}

	t.notifyState(peer, ConnConnecting)

	target.mu.Lock()
	inviteFn := target.inviteFn
	target.mu.Unlock()

	if inviteFn == nil || !inviteFn(t.self) {
		return fmt.Errorf("connect to %s: %w", peer.ID, ErrInviteRejected)
	}

	t.mu.Lock()
	t.connected[peer.ID] = target.self
	t.mu.Unlock()
	target.mu.Lock()
	target.connected[t.self.ID] = t.self
	target.mu.Unlock()

	t.notifyState(target.self, ConnConnected)
	target.notifyState(t.self, ConnConnected)
	return nil
}

// Disconnect closes the session on both ends.
func (t *LoopbackTransport) Disconnect(peer PeerIdentity) {
	t.mu.Lock()
	identity, ok := t.connected[peer.ID]
	delete(t.connected, peer.ID)
	t.mu.Unlock()
	if !ok {
		return
	}

	t.notifyState(identity, ConnDisconnected)

	if target := t.network.node(peer.ID); target != nil {
		target.mu.Lock()
		_, was := target.connected[t.self.ID]
		delete(target.connected, t.self.ID)
		target.mu.Unlock()
		if was {
			target.notifyState(t.self, ConnDisconnected)
		}
	}
}

// Send delivers a packet to a connected peer synchronously.
func (t *LoopbackTransport) Send(peer PeerIdentity, packet *Packet, mode DeliveryMode) error {
	t.mu.Lock()
	_, ok := t.connected[peer.ID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, peer.ID)
	}

	target := t.network.node(peer.ID)
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer.ID)
	}
	target.deliver(t.self, packet)
	return nil
}

// Introduce relays the identity of one node to another, synchronously.
func (t *LoopbackTransport) Introduce(to PeerIdentity, peer PeerIdentity) error {
	target := t.network.node(to.ID)
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to.ID)
	}
	if t.network.node(peer.ID) == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer.ID)
	}
	target.deliverIntroduced(peer)
	return nil
}

// OnIntroduced registers the handler for relayed introductions.
func (t *LoopbackTransport) OnIntroduced(fn IntroducedFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.introducedFn = fn
}

// OnReceive registers the handler for packets from connected peers.
func (t *LoopbackTransport) OnReceive(fn ReceiveFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recvFn = fn
}

// OnStateChange registers the observer for session state transitions.
func (t *LoopbackTransport) OnStateChange(fn StateChangeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateFn = fn
}

// OnInvite registers the inbound invitation acceptance policy.
func (t *LoopbackTransport) OnInvite(fn InviteFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inviteFn = fn
}

// Close disconnects all sessions and detaches from the network.
func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	peers := make([]PeerIdentity, 0, len(t.connected))
	for _, identity := range t.connected {
		peers = append(peers, identity)
	}
	t.mu.Unlock()

	for _, peer := range peers {
		t.Disconnect(peer)
	}
	t.network.remove(t.self.ID)
	return nil
}

// deliver hands a packet to the receive handler if the sender is connected.
func (t *LoopbackTransport) deliver(from PeerIdentity, packet *Packet) {
	t.mu.Lock()
	_, connected := t.connected[from.ID]
	recvFn := t.recvFn
	t.mu.Unlock()

	if connected && recvFn != nil {
		recvFn(from, packet)
	}
}

// deliverFound reports a discovery event if this node is browsing.
func (t *LoopbackTransport) deliverFound(d Discovery) {
	t.mu.Lock()
	browsing := t.browsing
	foundFn := t.foundFn
	t.mu.Unlock()

	if browsing && foundFn != nil {
		foundFn(d)
	}
}

// deliverIntroduced hands a relayed introduction to the registered handler.
func (t *LoopbackTransport) deliverIntroduced(peer PeerIdentity) {
	t.mu.Lock()
	fn := t.introducedFn
	t.mu.Unlock()

	if fn != nil {
		fn(peer)
	}
}

// deliverLost reports a lost advertisement if this node is browsing.
func (t *LoopbackTransport) deliverLost(peer PeerIdentity) {
	t.mu.Lock()
	browsing := t.browsing
	lostFn := t.lostFn
	t.mu.Unlock()

	if browsing && lostFn != nil {
		lostFn(peer)
	}
}

// notifyState invokes the state change observer if registered.
func (t *LoopbackTransport) notifyState(peer PeerIdentity, state ConnState) {
	t.mu.Lock()
	stateFn := t.stateFn
	t.mu.Unlock()

	if stateFn != nil {
		stateFn(peer, state)
	}
}
