package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanvoice/transport"
)

// autoAcceptInvites is the inbound invitation policy: every invitation is
// accepted while the device is hosting or browsing. This is a deliberate
// proof-of-concept simplification, not a security boundary.
const autoAcceptInvites = true

const (
	// DefaultJoinAttempts is the retry ceiling when joining a bubble.
	DefaultJoinAttempts = 3

	// DefaultInviteTimeout is the fallback timer per join attempt.
	DefaultInviteTimeout = 5 * time.Second

	joinBackoffInitial = 500 * time.Millisecond
	joinBackoffMax     = 2 * time.Second
)

var (
	// ErrJoinFailed is the terminal outcome after the join retry ceiling
	// is exhausted. The device reverts to discovery mode and remains free
	// to browse and join other bubbles.
	ErrJoinFailed = errors.New("failed to join bubble")

	// ErrAlreadyInBubble is returned when creating or joining a bubble
	// while already a member of one.
	ErrAlreadyInBubble = errors.New("already in a bubble")
)

// Config carries the session manager tunables.
type Config struct {
	JoinAttempts  int
	InviteTimeout time.Duration
}

// DefaultConfig returns the standard session tunables.
func DefaultConfig() Config {
	return Config{
		JoinAttempts:  DefaultJoinAttempts,
		InviteTimeout: DefaultInviteTimeout,
	}
}

// Manager owns discovery, the invitation handshake, bubble membership, and
// per-peer connection state. It is the exclusive owner of the roster and
// the current BubbleInfo; other components observe through accessor calls
// and the registered callbacks.
type Manager struct {
	t             transport.Transport
	joinAttempts  int
	inviteTimeout time.Duration

	mu          sync.Mutex
	discovering bool
	hosting     bool
	joining     bool
	bubble      *BubbleInfo
	roster      map[string]*Peer
	bubbles     map[string]BubbleInfo // discovered bubbles keyed by bubble ID

	onBubbleFound      func(BubbleInfo)
	onBubbleLost       func(uuid.UUID)
	onPeerConnected    func(transport.PeerIdentity)
	onPeerDisconnected func(transport.PeerIdentity)
	onError            func(error)
}

// NewManager creates a session manager over the given transport and wires
// the transport's state change and invitation callbacks.
func NewManager(t transport.Transport, cfg Config) *Manager {
	logrus.WithFields(logrus.Fields{
		"function":       "NewManager",
		"peer_id":        t.LocalPeer().ID,
		"join_attempts":  cfg.JoinAttempts,
		"invite_timeout": cfg.InviteTimeout,
	}).Info("Creating new session manager")

	if cfg.JoinAttempts <= 0 {
		cfg.JoinAttempts = DefaultJoinAttempts
	}
	if cfg.InviteTimeout <= 0 {
		cfg.InviteTimeout = DefaultInviteTimeout
	}

	m := &Manager{
		t:             t,
		joinAttempts:  cfg.JoinAttempts,
		inviteTimeout: cfg.InviteTimeout,
		roster:        make(map[string]*Peer),
		bubbles:       make(map[string]BubbleInfo),
	}

	t.OnStateChange(m.handleStateChange)
	t.OnInvite(m.acceptInvite)
	t.OnIntroduced(m.handleIntroduced)

	return m
}

// OnBubbleFound registers the callback for discovered or updated bubbles.
func (m *Manager) OnBubbleFound(fn func(BubbleInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onBubbleFound = fn
}

// OnBubbleLost registers the callback for withdrawn bubbles.
func (m *Manager) OnBubbleLost(fn func(uuid.UUID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onBubbleLost = fn
}

// OnPeerConnected registers the callback for peers entering StateConnected.
func (m *Manager) OnPeerConnected(fn func(transport.PeerIdentity)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPeerConnected = fn
}

// OnPeerDisconnected registers the callback for peers leaving the roster.
func (m *Manager) OnPeerDisconnected(fn func(transport.PeerIdentity)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPeerDisconnected = fn
}

// OnError registers the callback for recoverable, user-visible errors.
func (m *Manager) OnError(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = fn
}

// StartDiscovery begins browsing for nearby bubbles and, while hosting,
// keeps advertising the current one. Idempotent: prior browse state is torn
// down first. A start failure is recoverable; the caller may retry.
func (m *Manager) StartDiscovery() error {
	m.mu.Lock()
	if m.discovering {
		m.mu.Unlock()
		m.t.StopBrowse()
		m.mu.Lock()
	}
	m.discovering = false
	hosting := m.hosting
	var md map[string]string
	if hosting && m.bubble != nil {
		md = m.bubble.ToMetadata()
	}
	m.mu.Unlock()

	if err := m.t.Browse(m.handleFound, m.handleLost); err != nil {
		err = fmt.Errorf("discovery start failed: %w", err)
		m.reportError(err)
		return err
	}

	m.mu.Lock()
	m.discovering = true
	m.mu.Unlock()

	if md != nil {
		if err := m.t.Advertise(md); err != nil {
			err = fmt.Errorf("advertise failed: %w", err)
			m.reportError(err)
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "StartDiscovery",
		"peer_id":  m.t.LocalPeer().ID,
		"hosting":  hosting,
	}).Info("Discovery started")

	return nil
}

// CreateBubble makes this device the host of a new bubble: it is advertised
// with this device as host and a participant count of one, and browsing
// continues so joiners can be accepted.
func (m *Manager) CreateBubble(name string) (BubbleInfo, error) {
	self := m.t.LocalPeer()

	m.mu.Lock()
	if m.bubble != nil {
		m.mu.Unlock()
		return BubbleInfo{}, ErrAlreadyInBubble
	}
	info := BubbleInfo{
		ID:               uuid.New(),
		Name:             name,
		Host:             self,
		HostName:         self.Name,
		ParticipantCount: 1,
		CreatedAt:        time.Now(),
	}
	m.bubble = &info
	m.hosting = true
	discovering := m.discovering
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "CreateBubble",
		"bubble_id":   info.ID.String(),
		"bubble_name": name,
		"host":        self.Name,
	}).Info("Creating bubble")

	if err := m.t.Advertise(info.ToMetadata()); err != nil {
		m.mu.Lock()
		m.bubble = nil
		m.hosting = false
		m.mu.Unlock()

		err = fmt.Errorf("failed to advertise bubble: %w", err)
		m.reportError(err)
		return BubbleInfo{}, err
	}

	if !discovering {
		if err := m.StartDiscovery(); err != nil {
			return info, err
		}
	}

	return info, nil
}

// JoinBubble connects to the host of a discovered bubble. Each attempt runs
// under the invite timeout; on failure it retries with backoff up to the
// configured ceiling, then fails terminally with ErrJoinFailed and reverts
// the device to discovery mode.
func (m *Manager) JoinBubble(info BubbleInfo) error {
	m.mu.Lock()
	if m.bubble != nil {
		m.mu.Unlock()
		return ErrAlreadyInBubble
	}
	m.roster[info.Host.ID] = &Peer{
		Identity:     info.Host,
		State:        StateInviting,
		DiscoveredAt: time.Now(),
	}
	m.joining = true
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "JoinBubble",
		"bubble_id":   info.ID.String(),
		"bubble_name": info.Name,
		"host_id":     info.Host.ID,
	}).Info("Joining bubble")

	if err := m.connectWithRetry(info.Host); err != nil {
		// Terminal failure: clear the attempted selection, including any
		// member sessions formed by introductions while the join was in
		// flight, and revert to discovery so the device stays free to
		// browse and join others.
		m.mu.Lock()
		m.joining = false
		var connected []transport.PeerIdentity
		for _, p := range m.roster {
			if p.State == StateConnected {
				connected = append(connected, p.Identity)
			}
		}
		m.roster = make(map[string]*Peer)
		m.mu.Unlock()
		for _, peer := range connected {
			m.t.Disconnect(peer)
		}

		if derr := m.StartDiscovery(); derr != nil {
			logrus.WithError(derr).Warn("Failed to restart discovery after join failure")
		}

		return fmt.Errorf("%w after %d attempts: %v", ErrJoinFailed, m.joinAttempts, err)
	}

	joined := info
	m.mu.Lock()
	m.joining = false
	m.bubble = &joined
	// The host connected before the bubble was recorded; fold the roster
	// into the count now rather than keeping the pre-join discovered value.
	m.refreshBubbleCountLocked()
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "JoinBubble",
		"bubble_id": info.ID.String(),
	}).Info("Joined bubble")
	return nil
}

// connectWithRetry opens a session to a peer, retrying with backoff up to
// the configured attempt ceiling. Each attempt runs under the invite timeout.
func (m *Manager) connectWithRetry(peer transport.PeerIdentity) error {
	var lastErr error
	for attempt := 1; attempt <= m.joinAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), m.inviteTimeout)
		err := m.t.Connect(ctx, peer)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		logrus.WithFields(logrus.Fields{
			"function": "connectWithRetry",
			"peer_id":  peer.ID,
			"attempt":  attempt,
			"error":    err.Error(),
		}).Warn("Connect attempt failed")

		if attempt < m.joinAttempts {
			time.Sleep(joinBackoff(attempt))
		}
	}
	return lastErr
}

// joinBackoff returns the exponential backoff delay for a failed attempt.
func joinBackoff(attempt int) time.Duration {
	delay := joinBackoffInitial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= joinBackoffMax {
			return joinBackoffMax
		}
	}
	return delay
}

// LeaveBubble tears down membership, advertising, and browsing, then
// restarts discovery so the device is ready to browse again.
func (m *Manager) LeaveBubble() error {
	m.StopAll()
	return m.StartDiscovery()
}

// StopAll tears down advertising, browsing, and every active connection,
// and clears the roster and discovery caches.
func (m *Manager) StopAll() {
	m.mu.Lock()
	peers := make([]transport.PeerIdentity, 0, len(m.roster))
	for _, p := range m.roster {
		if p.State == StateConnected {
			peers = append(peers, p.Identity)
		}
	}
	m.roster = make(map[string]*Peer)
	m.bubbles = make(map[string]BubbleInfo)
	m.bubble = nil
	wasHosting := m.hosting
	m.hosting = false
	m.joining = false
	m.discovering = false
	m.mu.Unlock()

	for _, peer := range peers {
		m.t.Disconnect(peer)
	}
	if wasHosting {
		m.t.StopAdvertise()
	}
	m.t.StopBrowse()

	logrus.WithFields(logrus.Fields{
		"function":     "StopAll",
		"peer_id":      m.t.LocalPeer().ID,
		"disconnected": len(peers),
	}).Info("Session torn down")
}

// Bubble returns the current bubble, if any.
func (m *Manager) Bubble() (BubbleInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bubble == nil {
		return BubbleInfo{}, false
	}
	return *m.bubble, true
}

// Hosting reports whether this device is the current bubble's host.
func (m *Manager) Hosting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hosting
}

// Peers returns a snapshot of the roster.
func (m *Manager) Peers() []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Peer, 0, len(m.roster))
	for _, p := range m.roster {
		out = append(out, *p)
	}
	return out
}

// ConnectedPeers returns the identities of peers in StateConnected. The
// capture pipeline broadcasts each frame to exactly this set.
func (m *Manager) ConnectedPeers() []transport.PeerIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transport.PeerIdentity, 0, len(m.roster))
	for _, p := range m.roster {
		if p.State == StateConnected {
			out = append(out, p.Identity)
		}
	}
	return out
}

// IsConnected reports whether the given peer is in StateConnected.
func (m *Manager) IsConnected(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.roster[peerID]
	return ok && p.State == StateConnected
}

// DiscoveredBubbles returns a snapshot of the bubbles seen while browsing.
func (m *Manager) DiscoveredBubbles() []BubbleInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BubbleInfo, 0, len(m.bubbles))
	for _, info := range m.bubbles {
		out = append(out, info)
	}
	return out
}

// acceptInvite is the inbound invitation policy handed to the transport.
func (m *Manager) acceptInvite(from transport.PeerIdentity) bool {
	m.mu.Lock()
	open := m.hosting || m.discovering
	m.mu.Unlock()

	accept := autoAcceptInvites && open

	logrus.WithFields(logrus.Fields{
		"function": "acceptInvite",
		"from_id":  from.ID,
		"accepted": accept,
	}).Debug("Inbound invitation evaluated")

	return accept
}

// handleIntroduced reacts to an introduction relayed by the bubble host: a
// member not yet connected to the introduced peer invites it, so every pair
// of members holds a direct session. Both sides of a pair may be introduced
// to each other; the roster entry makes the second invite a no-op.
func (m *Manager) handleIntroduced(peer transport.PeerIdentity) {
	if peer.ID == m.t.LocalPeer().ID {
		return
	}

	m.mu.Lock()
	// Only members act on introductions. A join still in flight counts:
	// the host introduces existing members the moment the joiner's session
	// lands, which can be before the join call records the bubble.
	member := m.bubble != nil || m.joining
	if !member || m.hosting {
		m.mu.Unlock()
		return
	}
	if _, ok := m.roster[peer.ID]; ok {
		m.mu.Unlock()
		return
	}
	m.roster[peer.ID] = &Peer{
		Identity:     peer,
		State:        StateInviting,
		DiscoveredAt: time.Now(),
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "handleIntroduced",
		"peer_id":   peer.ID,
		"peer_name": peer.Name,
	}).Info("Connecting to introduced participant")

	go func() {
		err := m.connectWithRetry(peer)
		if err == nil {
			return
		}
		m.mu.Lock()
		if p, ok := m.roster[peer.ID]; ok && p.State != StateConnected {
			delete(m.roster, peer.ID)
		}
		m.mu.Unlock()
		m.reportError(fmt.Errorf("failed to connect to participant %s: %w", peer.ID, err))
	}()
}

// handleFound processes a browse event. Advertisements that do not decode
// into a complete BubbleInfo are ignored.
func (m *Manager) handleFound(d transport.Discovery) {
	info, err := BubbleFromMetadata(d.Peer, d.Metadata)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFound",
			"peer_id":  d.Peer.ID,
			"error":    err.Error(),
		}).Debug("Ignoring advertisement with invalid metadata")
		return
	}

	key := info.ID.String()

	m.mu.Lock()
	prev, seen := m.bubbles[key]
	m.bubbles[key] = info
	changed := !seen || prev.ParticipantCount != info.ParticipantCount || prev.Name != info.Name
	// A member's local view of its own bubble tracks the host's
	// re-advertisements; the host's count is authoritative.
	if !m.hosting && m.bubble != nil && m.bubble.ID == info.ID {
		m.bubble.ParticipantCount = info.ParticipantCount
		m.bubble.Name = info.Name
	}
	fn := m.onBubbleFound
	m.mu.Unlock()

	if changed {
		logrus.WithFields(logrus.Fields{
			"function":          "handleFound",
			"bubble_id":         key,
			"bubble_name":       info.Name,
			"participant_count": info.ParticipantCount,
		}).Info("Bubble discovered")

		if fn != nil {
			fn(info)
		}
	}
}

// handleLost processes a lost advertisement: every bubble hosted by the
// vanished peer is dropped.
func (m *Manager) handleLost(peer transport.PeerIdentity) {
	m.mu.Lock()
	var lost []uuid.UUID
	for key, info := range m.bubbles {
		if info.Host.ID == peer.ID {
			lost = append(lost, info.ID)
			delete(m.bubbles, key)
		}
	}
	fn := m.onBubbleLost
	m.mu.Unlock()

	for _, id := range lost {
		logrus.WithFields(logrus.Fields{
			"function":  "handleLost",
			"bubble_id": id.String(),
		}).Info("Bubble lost")

		if fn != nil {
			fn(id)
		}
	}
}

// handleStateChange applies transport session transitions to the roster.
// Roster mutation and the membership bookkeeping happen in the same locked
// step, so a peer is never observed connected without a roster entry.
func (m *Manager) handleStateChange(peer transport.PeerIdentity, state transport.ConnState) {
	switch state {
	case transport.ConnConnecting:
		m.mu.Lock()
		p, ok := m.roster[peer.ID]
		if !ok {
			p = &Peer{Identity: peer, DiscoveredAt: time.Now()}
			m.roster[peer.ID] = p
		}
		p.State = StateConnecting
		m.mu.Unlock()

	case transport.ConnConnected:
		m.mu.Lock()
		p, ok := m.roster[peer.ID]
		if !ok {
			p = &Peer{Identity: peer, DiscoveredAt: time.Now()}
			m.roster[peer.ID] = p
		}
		if p.State == StateConnected {
			m.mu.Unlock()
			return
		}
		p.State = StateConnected
		p.ConnectedAt = time.Now()
		md := m.refreshBubbleCountLocked()
		var members []transport.PeerIdentity
		if m.hosting {
			for id, q := range m.roster {
				if id != peer.ID && q.State == StateConnected {
					members = append(members, q.Identity)
				}
			}
		}
		fn := m.onPeerConnected
		m.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function":  "handleStateChange",
			"peer_id":   peer.ID,
			"peer_name": peer.Name,
		}).Info("Peer connected")

		if md != nil {
			if err := m.t.Advertise(md); err != nil {
				m.reportError(fmt.Errorf("re-advertise failed: %w", err))
			}
		}

		// The host is the rendezvous point: it introduces the new member
		// and every existing member to each other, in both directions, so
		// the bubble forms a full mesh rather than a star around the host.
		for _, q := range members {
			if err := m.t.Introduce(peer, q); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "handleStateChange",
					"to_id":    peer.ID,
					"peer_id":  q.ID,
					"error":    err.Error(),
				}).Warn("Failed to introduce member")
			}
			if err := m.t.Introduce(q, peer); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "handleStateChange",
					"to_id":    q.ID,
					"peer_id":  peer.ID,
					"error":    err.Error(),
				}).Warn("Failed to introduce member")
			}
		}

		if fn != nil {
			fn(peer)
		}

	case transport.ConnDisconnected:
		m.mu.Lock()
		if _, ok := m.roster[peer.ID]; !ok {
			m.mu.Unlock()
			return
		}
		delete(m.roster, peer.ID)
		md := m.refreshBubbleCountLocked()
		hostGone := !m.hosting && m.bubble != nil && m.bubble.Host.ID == peer.ID
		if hostGone {
			m.bubble = nil
		}
		fn := m.onPeerDisconnected
		m.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function":  "handleStateChange",
			"peer_id":   peer.ID,
			"host_gone": hostGone,
		}).Info("Peer disconnected")

		if md != nil {
			if err := m.t.Advertise(md); err != nil {
				m.reportError(fmt.Errorf("re-advertise failed: %w", err))
			}
		}
		if fn != nil {
			fn(peer)
		}
	}
}

// refreshBubbleCountLocked recomputes the participant count (connected
// peers plus the host itself) and, while hosting, returns the metadata to
// re-advertise. Caller holds m.mu.
func (m *Manager) refreshBubbleCountLocked() map[string]string {
	if m.bubble == nil {
		return nil
	}
	count := 1
	for _, p := range m.roster {
		if p.State == StateConnected {
			count++
		}
	}
	m.bubble.ParticipantCount = count
	if !m.hosting {
		return nil
	}
	return m.bubble.ToMetadata()
}

// reportError surfaces a recoverable error to the registered callback.
func (m *Manager) reportError(err error) {
	m.mu.Lock()
	fn := m.onError
	m.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}
