package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultDiscoveryPort is the well-known UDP port for bubble
	// advertisements. Every browsing node listens here; the data port is
	// carried inside the announce payload.
	DefaultDiscoveryPort = 41099

	announceInterval = 2 * time.Second
	peerTimeout      = 6 * time.Second
	inviteResend     = 500 * time.Millisecond
	readTimeout      = 100 * time.Millisecond
	maxPacketSize    = 2048
)

var (
	// ErrUnknownPeer is returned when addressing a peer that has not been
	// discovered or registered.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrNotConnected is returned when sending to a peer without an
	// established session.
	ErrNotConnected = errors.New("peer not connected")

	// ErrInviteRejected is returned when the remote peer declines an
	// invitation.
	ErrInviteRejected = errors.New("invitation rejected")
)

// announcePayload is the JSON body of a discovery broadcast.
type announcePayload struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Port     int               `json:"port"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// inviteMessage is the JSON body of invite and accept packets.
type inviteMessage struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// introduceMessage is the JSON body of an introduction packet: the identity
// and data address of a third peer, relayed over an established session.
type introduceMessage struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// udpPeer tracks a remote device seen on the network.
type udpPeer struct {
	identity  PeerIdentity
	addr      net.Addr
	lastSeen  time.Time
	connected bool
}

// UDPTransport implements Transport over UDP datagrams with UDP broadcast
// discovery. Data packets travel unicast between peers; advertisements are
// broadcast to a well-known discovery port carrying the sender's identity,
// data port, and advertisement metadata.
type UDPTransport struct {
	self          PeerIdentity
	conn          net.PacketConn
	dataPort      int
	discoveryPort int

	mu           sync.RWMutex
	discConn     net.PacketConn
	peers        map[string]*udpPeer // keyed by peer ID
	addrIndex    map[string]string   // data addr string -> peer ID
	pending      map[string]chan error
	metadata     map[string]string // nil while not advertising
	browsing     bool
	foundFn      func(Discovery)
	lostFn       func(PeerIdentity)
	recvFn       ReceiveFunc
	stateFn      StateChangeFunc
	inviteFn     InviteFunc
	introducedFn IntroducedFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	discWG sync.WaitGroup
}

// NewUDPTransport creates a UDP transport bound to listenAddr for data
// packets. The discovery socket is opened lazily on the first Advertise or
// Browse call so a discovery bind failure stays recoverable.
func NewUDPTransport(self PeerIdentity, listenAddr string, discoveryPort int) (*UDPTransport, error) {
	logrus.WithFields(logrus.Fields{
		"function":       "NewUDPTransport",
		"peer_id":        self.ID,
		"listen_addr":    listenAddr,
		"discovery_port": discoveryPort,
	}).Info("Creating new UDP transport")

	if discoveryPort <= 0 {
		discoveryPort = DefaultDiscoveryPort
	}

	conn, err := net.ListenPacket("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind data socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		self:          self,
		conn:          conn,
		dataPort:      conn.LocalAddr().(*net.UDPAddr).Port,
		discoveryPort: discoveryPort,
		peers:         make(map[string]*udpPeer),
		addrIndex:     make(map[string]string),
		pending:       make(map[string]chan error),
		ctx:           ctx,
		cancel:        cancel,
	}

	t.wg.Add(2)
	go t.processPackets()
	go t.superviseLiveness()

	logrus.WithFields(logrus.Fields{
		"function":  "NewUDPTransport",
		"data_port": t.dataPort,
	}).Info("UDP transport created successfully")

	return t, nil
}

// LocalPeer returns this device's identity.
func (t *UDPTransport) LocalPeer() PeerIdentity {
	return t.self
}

// LocalAddr returns the data socket address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// RegisterPeer records a peer's data address without discovery. This allows
// direct sessions in static setups and tests where broadcast is unavailable.
func (t *UDPTransport) RegisterPeer(peer PeerIdentity, addr net.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upsertPeerLocked(peer, addr)
}

// Advertise begins or refreshes the discovery broadcast with the given
// metadata. An immediate announce is sent so browsers observe membership
// changes without waiting a full interval.
func (t *UDPTransport) Advertise(metadata map[string]string) error {
	if err := t.ensureDiscovery(); err != nil {
		return fmt.Errorf("failed to start advertising: %w", err)
	}

	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	t.mu.Lock()
	t.metadata = md
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.Advertise",
		"peer_id":  t.self.ID,
		"keys":     len(md),
	}).Info("Advertising service metadata")

	t.announce()
	return nil
}

// StopAdvertise withdraws the advertisement. Browsers age the entry out.
func (t *UDPTransport) StopAdvertise() {
	t.mu.Lock()
	t.metadata = nil
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.StopAdvertise",
		"peer_id":  t.self.ID,
	}).Info("Stopped advertising")
}

// Browse begins watching for advertisements on the discovery port.
func (t *UDPTransport) Browse(found func(Discovery), lost func(PeerIdentity)) error {
	if err := t.ensureDiscovery(); err != nil {
		return fmt.Errorf("failed to start browsing: %w", err)
	}

	t.mu.Lock()
	t.browsing = true
	t.foundFn = found
	t.lostFn = lost
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.Browse",
		"peer_id":  t.self.ID,
	}).Info("Browsing for advertised peers")

	return nil
}

// StopBrowse stops watching for advertisements.
func (t *UDPTransport) StopBrowse() {
	t.mu.Lock()
	t.browsing = false
	t.foundFn = nil
	t.lostFn = nil
	t.mu.Unlock()
}

// OnReceive registers the handler for packets from connected peers.
func (t *UDPTransport) OnReceive(fn ReceiveFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recvFn = fn
}

// OnStateChange registers the observer for session state transitions.
func (t *UDPTransport) OnStateChange(fn StateChangeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateFn = fn
}

// OnInvite registers the inbound invitation acceptance policy.
func (t *UDPTransport) OnInvite(fn InviteFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inviteFn = fn
}

// OnIntroduced registers the handler for relayed introductions.
func (t *UDPTransport) OnIntroduced(fn IntroducedFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.introducedFn = fn
}

// Introduce sends the identity and data address of one known peer to a
// connected peer. The receiver records the address and may invite the
// introduced peer directly, without ever having seen its announcements.
func (t *UDPTransport) Introduce(to PeerIdentity, peer PeerIdentity) error {
	t.mu.RLock()
	target, okTo := t.peers[to.ID]
	subject, okPeer := t.peers[peer.ID]
	var toAddr, subjectAddr net.Addr
	connected := false
	if okTo {
		toAddr = target.addr
		connected = target.connected
	}
	if okPeer {
		subjectAddr = subject.addr
	}
	t.mu.RUnlock()

	if !okTo || !okPeer {
		return fmt.Errorf("%w: introduce %s to %s", ErrUnknownPeer, peer.ID, to.ID)
	}
	if !connected {
		return fmt.Errorf("%w: %s", ErrNotConnected, to.ID)
	}

	payload, err := json.Marshal(introduceMessage{
		ID:   peer.ID,
		Name: peer.Name,
		Addr: subjectAddr.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode introduction: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.Introduce",
		"to_id":    to.ID,
		"peer_id":  peer.ID,
	}).Debug("Relaying peer introduction")

	return t.writePacket(&Packet{PacketType: PacketIntroduce, Data: payload}, toAddr)
}

// Connect opens a session to a discovered or registered peer. The invite is
// resent periodically until accepted or the context expires, since the
// substrate may drop datagrams.
func (t *UDPTransport) Connect(ctx context.Context, peer PeerIdentity) error {
	t.mu.Lock()
	p, ok := t.peers[peer.ID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer.ID)
	}
	if p.connected {
		t.mu.Unlock()
		return nil
	}
	addr := p.addr
	ch := make(chan error, 1)
	t.pending[peer.ID] = ch
	stateFn := t.stateFn
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.Connect",
		"peer_id":  peer.ID,
		"addr":     addr.String(),
	}).Info("Opening session to peer")

	if stateFn != nil {
		stateFn(peer, ConnConnecting)
	}

	invite, err := t.buildIdentityPacket(PacketInvite)
	if err != nil {
		t.clearPending(peer.ID)
		return err
	}

	ticker := time.NewTicker(inviteResend)
	defer ticker.Stop()
	defer t.clearPending(peer.ID)

	t.writePacket(invite, addr)
	for {
		select {
		case err := <-ch:
			return err
		case <-ticker.C:
			t.writePacket(invite, addr)
		case <-ctx.Done():
			logrus.WithFields(logrus.Fields{
				"function": "UDPTransport.Connect",
				"peer_id":  peer.ID,
			}).Warn("Session invite timed out")
			return fmt.Errorf("connect to %s: %w", peer.ID, ctx.Err())
		case <-t.ctx.Done():
			return errors.New("transport closed")
		}
	}
}

// Disconnect closes the session to a peer, notifying it best-effort.
func (t *UDPTransport) Disconnect(peer PeerIdentity) {
	t.mu.Lock()
	p, ok := t.peers[peer.ID]
	if !ok || !p.connected {
		t.mu.Unlock()
		return
	}
	addr := p.addr
	t.removePeerLocked(p)
	stateFn := t.stateFn
	t.mu.Unlock()

	if leave, err := t.buildIdentityPacket(PacketLeave); err == nil {
		t.writePacket(leave, addr)
	}

	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.Disconnect",
		"peer_id":  peer.ID,
	}).Info("Session closed")

	if stateFn != nil {
		stateFn(p.identity, ConnDisconnected)
	}
}

// Send delivers a packet to a connected peer. Both delivery modes ride the
// same datagram path; the mode is a hint for substrates that distinguish.
func (t *UDPTransport) Send(peer PeerIdentity, packet *Packet, mode DeliveryMode) error {
	t.mu.RLock()
	p, ok := t.peers[peer.ID]
	if !ok {
		t.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer.ID)
	}
	if !p.connected {
		t.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrNotConnected, peer.ID)
	}
	addr := p.addr
	t.mu.RUnlock()

	return t.writePacket(packet, addr)
}

// Close shuts down the transport and all sessions.
func (t *UDPTransport) Close() error {
	t.cancel()

	t.mu.Lock()
	if t.discConn != nil {
		t.discConn.Close()
		t.discConn = nil
	}
	t.mu.Unlock()

	err := t.conn.Close()
	t.wg.Wait()
	t.discWG.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.Close",
		"peer_id":  t.self.ID,
	}).Info("UDP transport closed")

	return err
}

// ensureDiscovery opens the discovery socket and starts the announce,
// receive, and aging loops. Idempotent; bind failures are recoverable by
// calling Advertise or Browse again.
func (t *UDPTransport) ensureDiscovery() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.discConn != nil {
		return nil
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", t.discoveryPort))
	if err != nil {
		logrus.WithError(err).Error("Failed to bind discovery socket")
		return fmt.Errorf("failed to bind discovery socket on port %d: %w", t.discoveryPort, err)
	}
	t.discConn = conn

	t.discWG.Add(2)
	go t.announceLoop()
	go t.discoveryReceiveLoop(conn)

	logrus.WithFields(logrus.Fields{
		"port": t.discoveryPort,
	}).Info("Discovery started")

	return nil
}

// announceLoop periodically broadcasts the advertisement while one is set.
func (t *UDPTransport) announceLoop() {
	defer t.discWG.Done()

	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.announce()
		case <-t.ctx.Done():
			return
		}
	}
}

// announce broadcasts one advertisement datagram to the discovery port.
func (t *UDPTransport) announce() {
	t.mu.RLock()
	conn := t.discConn
	md := t.metadata
	t.mu.RUnlock()

	if conn == nil || md == nil {
		return
	}

	payload, err := json.Marshal(announcePayload{
		ID:       t.self.ID,
		Name:     t.self.Name,
		Port:     t.dataPort,
		Metadata: md,
	})
	if err != nil {
		logrus.WithError(err).Error("Failed to encode announce payload")
		return
	}

	pkt := &Packet{PacketType: PacketAnnounce, Data: payload}
	data, err := pkt.Serialize()
	if err != nil {
		return
	}

	// Broadcast to the general address plus common private-network
	// broadcast addresses, mirroring typical home and office LANs.
	targets := []net.IP{
		net.IPv4bcast,
		net.ParseIP("192.168.255.255"),
		net.ParseIP("10.255.255.255"),
		net.ParseIP("172.31.255.255"),
		net.ParseIP("127.0.0.1"),
	}
	for _, ip := range targets {
		addr := &net.UDPAddr{IP: ip, Port: t.discoveryPort}
		if _, err := conn.WriteTo(data, addr); err != nil {
			logrus.WithError(err).WithField("addr", addr.String()).
				Debug("Failed to send discovery broadcast")
		}
	}
}

// discoveryReceiveLoop listens for advertisements on the discovery socket.
func (t *UDPTransport) discoveryReceiveLoop(conn net.PacketConn) {
	defer t.discWG.Done()

	buffer := make([]byte, maxPacketSize)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-t.ctx.Done():
				return
			default:
				continue
			}
		}

		pkt, err := ParsePacket(buffer[:n])
		if err != nil || pkt.PacketType != PacketAnnounce {
			continue
		}
		t.handleAnnounce(pkt.Data, addr)
	}
}

// handleAnnounce processes one advertisement datagram.
func (t *UDPTransport) handleAnnounce(data []byte, from net.Addr) {
	var payload announcePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		logrus.WithError(err).Debug("Received invalid announce payload")
		return
	}
	if payload.ID == "" || payload.ID == t.self.ID {
		return
	}

	udpAddr, ok := from.(*net.UDPAddr)
	if !ok {
		return
	}
	dataAddr := &net.UDPAddr{IP: udpAddr.IP, Port: payload.Port}
	identity := PeerIdentity{ID: payload.ID, Name: payload.Name}

	t.mu.Lock()
	t.upsertPeerLocked(identity, dataAddr)
	browsing := t.browsing
	foundFn := t.foundFn
	t.mu.Unlock()

	if browsing && foundFn != nil && len(payload.Metadata) > 0 {
		foundFn(Discovery{Peer: identity, Metadata: payload.Metadata})
	}
}

// processPackets handles incoming data packets.
func (t *UDPTransport) processPackets() {
	defer t.wg.Done()

	buffer := make([]byte, maxPacketSize)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads and dispatches a single data packet.
func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	t.conn.SetReadDeadline(time.Now().Add(readTimeout))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		return
	}

	packet, err := ParsePacket(buffer[:n])
	if err != nil {
		return
	}

	switch packet.PacketType {
	case PacketInvite:
		t.handleInvite(packet.Data, addr)
	case PacketInviteAccept:
		t.handleInviteAccept(packet.Data, addr)
	case PacketLeave:
		t.handleLeave(addr)
	case PacketIntroduce:
		t.handleIntroduce(packet.Data, addr)
	case PacketPing:
		t.touchPeer(addr)
	case PacketAudioFrame:
		t.handleData(packet, addr)
	}
}

// handleInvite applies the registered acceptance policy to an inbound
// invitation and, when accepted, establishes the session and replies.
func (t *UDPTransport) handleInvite(data []byte, from net.Addr) {
	var msg inviteMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.ID == "" || msg.ID == t.self.ID {
		return
	}
	identity := PeerIdentity{ID: msg.ID, Name: msg.Name}

	t.mu.Lock()
	inviteFn := t.inviteFn
	t.mu.Unlock()

	if inviteFn == nil || !inviteFn(identity) {
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.handleInvite",
			"peer_id":  identity.ID,
		}).Debug("Inbound invitation ignored by policy")
		return
	}

	t.mu.Lock()
	p := t.upsertPeerLocked(identity, from)
	alreadyConnected := p.connected
	p.connected = true
	stateFn := t.stateFn
	t.mu.Unlock()

	if accept, err := t.buildIdentityPacket(PacketInviteAccept); err == nil {
		t.writePacket(accept, from)
	}

	if !alreadyConnected {
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.handleInvite",
			"peer_id":  identity.ID,
			"addr":     from.String(),
		}).Info("Accepted inbound session invitation")

		if stateFn != nil {
			stateFn(identity, ConnConnected)
		}
	}
}

// handleInviteAccept completes an outbound invitation.
func (t *UDPTransport) handleInviteAccept(data []byte, from net.Addr) {
	var msg inviteMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.ID == "" {
		return
	}
	identity := PeerIdentity{ID: msg.ID, Name: msg.Name}

	t.mu.Lock()
	p := t.upsertPeerLocked(identity, from)
	alreadyConnected := p.connected
	p.connected = true
	ch := t.pending[identity.ID]
	delete(t.pending, identity.ID)
	stateFn := t.stateFn
	t.mu.Unlock()

	if ch != nil {
		ch <- nil
	}
	if !alreadyConnected && stateFn != nil {
		stateFn(identity, ConnConnected)
	}
}

// handleLeave tears down the session for the sending peer.
func (t *UDPTransport) handleLeave(from net.Addr) {
	t.mu.Lock()
	id, ok := t.addrIndex[from.String()]
	if !ok {
		t.mu.Unlock()
		return
	}
	p := t.peers[id]
	if p == nil || !p.connected {
		t.mu.Unlock()
		return
	}
	t.removePeerLocked(p)
	stateFn := t.stateFn
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.handleLeave",
		"peer_id":  p.identity.ID,
	}).Info("Peer left session")

	if stateFn != nil {
		stateFn(p.identity, ConnDisconnected)
	}
}

// handleIntroduce records an introduced peer's data address and surfaces
// the introduction. Only introductions from connected peers are honored.
func (t *UDPTransport) handleIntroduce(data []byte, from net.Addr) {
	t.mu.RLock()
	var sender *udpPeer
	if id, ok := t.addrIndex[from.String()]; ok {
		sender = t.peers[id]
	}
	t.mu.RUnlock()
	if sender == nil || !sender.connected {
		return
	}

	var msg introduceMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.ID == "" || msg.ID == t.self.ID {
		return
	}
	addr, err := net.ResolveUDPAddr("udp4", msg.Addr)
	if err != nil {
		logrus.WithError(err).Debug("Received introduction with invalid address")
		return
	}
	identity := PeerIdentity{ID: msg.ID, Name: msg.Name}

	t.mu.Lock()
	t.upsertPeerLocked(identity, addr)
	fn := t.introducedFn
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.handleIntroduce",
		"peer_id":  identity.ID,
		"addr":     msg.Addr,
	}).Info("Peer introduced")

	if fn != nil {
		fn(identity)
	}
}

// handleData delivers a payload from a connected peer. Packets from unknown
// or disconnected peers are dropped so a stale datagram cannot race a torn
// down session.
func (t *UDPTransport) handleData(packet *Packet, from net.Addr) {
	t.mu.RLock()
	id, ok := t.addrIndex[from.String()]
	var p *udpPeer
	if ok {
		p = t.peers[id]
	}
	recvFn := t.recvFn
	t.mu.RUnlock()

	if p == nil || !p.connected || recvFn == nil {
		return
	}

	t.mu.Lock()
	p.lastSeen = time.Now()
	t.mu.Unlock()

	recvFn(p.identity, packet)
}

// superviseLiveness pings connected peers and ages out silent ones.
func (t *UDPTransport) superviseLiveness() {
	defer t.wg.Done()

	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.pingConnected()
			t.expireSilent()
		case <-t.ctx.Done():
			return
		}
	}
}

// pingConnected sends a keepalive to every connected peer.
func (t *UDPTransport) pingConnected() {
	ping := &Packet{PacketType: PacketPing, Data: []byte(t.self.ID)}

	t.mu.RLock()
	addrs := make([]net.Addr, 0, len(t.peers))
	for _, p := range t.peers {
		if p.connected {
			addrs = append(addrs, p.addr)
		}
	}
	t.mu.RUnlock()

	for _, addr := range addrs {
		t.writePacket(ping, addr)
	}
}

// expireSilent drops peers that have not been heard from within the peer
// timeout, reporting lost and disconnected events as appropriate.
func (t *UDPTransport) expireSilent() {
	now := time.Now()

	t.mu.Lock()
	var lost []PeerIdentity
	var dropped []PeerIdentity
	for _, p := range t.peers {
		if now.Sub(p.lastSeen) <= peerTimeout {
			continue
		}
		if p.connected {
			dropped = append(dropped, p.identity)
		} else if t.browsing {
			lost = append(lost, p.identity)
		}
		t.removePeerLocked(p)
	}
	lostFn := t.lostFn
	stateFn := t.stateFn
	t.mu.Unlock()

	for _, identity := range lost {
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.expireSilent",
			"peer_id":  identity.ID,
		}).Info("Advertised peer lost")
		if lostFn != nil {
			lostFn(identity)
		}
	}
	for _, identity := range dropped {
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.expireSilent",
			"peer_id":  identity.ID,
		}).Warn("Connected peer timed out")
		if stateFn != nil {
			stateFn(identity, ConnDisconnected)
		}
	}
}

// touchPeer refreshes the liveness timestamp for the peer at addr.
func (t *UDPTransport) touchPeer(addr net.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.addrIndex[addr.String()]; ok {
		if p := t.peers[id]; p != nil {
			p.lastSeen = time.Now()
		}
	}
}

// upsertPeerLocked inserts or refreshes a peer entry. Caller holds t.mu.
func (t *UDPTransport) upsertPeerLocked(identity PeerIdentity, addr net.Addr) *udpPeer {
	p, ok := t.peers[identity.ID]
	if !ok {
		p = &udpPeer{identity: identity}
		t.peers[identity.ID] = p
	}
	if p.addr == nil || p.addr.String() != addr.String() {
		if p.addr != nil {
			delete(t.addrIndex, p.addr.String())
		}
		p.addr = addr
		t.addrIndex[addr.String()] = identity.ID
	}
	p.lastSeen = time.Now()
	return p
}

// removePeerLocked deletes a peer entry. Caller holds t.mu.
func (t *UDPTransport) removePeerLocked(p *udpPeer) {
	if p.addr != nil {
		delete(t.addrIndex, p.addr.String())
	}
	delete(t.peers, p.identity.ID)
}

// clearPending removes an in-flight invite channel.
func (t *UDPTransport) clearPending(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, peerID)
}

// buildIdentityPacket creates an invite-family packet carrying our identity.
func (t *UDPTransport) buildIdentityPacket(pt PacketType) (*Packet, error) {
	payload, err := json.Marshal(inviteMessage{ID: t.self.ID, Name: t.self.Name})
	if err != nil {
		return nil, fmt.Errorf("failed to encode identity: %w", err)
	}
	return &Packet{PacketType: pt, Data: payload}, nil
}

// writePacket serializes and sends a packet on the data socket.
func (t *UDPTransport) writePacket(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	_, err = t.conn.WriteTo(data, addr)
	return err
}
