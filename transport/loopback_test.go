package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopbackPair(t *testing.T) (*LoopbackTransport, *LoopbackTransport) {
	t.Helper()
	net := NewLoopbackNetwork()
	a := net.NewTransport(PeerIdentity{ID: "a", Name: "Alice"})
	b := net.NewTransport(PeerIdentity{ID: "b", Name: "Bob"})
	return a, b
}

func TestLoopbackDiscovery(t *testing.T) {
	a, b := loopbackPair(t)

	var found []Discovery
	require.NoError(t, b.Browse(func(d Discovery) { found = append(found, d) }, nil))

	require.NoError(t, a.Advertise(map[string]string{"bubble_name": "Demo"}))

	require.Len(t, found, 1)
	assert.Equal(t, "a", found[0].Peer.ID)
	assert.Equal(t, "Demo", found[0].Metadata["bubble_name"])
}

func TestLoopbackBrowseSeesExistingAdvertisement(t *testing.T) {
	a, b := loopbackPair(t)
	require.NoError(t, a.Advertise(map[string]string{"k": "v"}))

	var found []Discovery
	require.NoError(t, b.Browse(func(d Discovery) { found = append(found, d) }, nil))
	require.Len(t, found, 1, "existing advertisements replay on browse start")
}

func TestLoopbackStopAdvertiseReportsLost(t *testing.T) {
	a, b := loopbackPair(t)

	var lost []PeerIdentity
	require.NoError(t, b.Browse(func(Discovery) {}, func(p PeerIdentity) { lost = append(lost, p) }))
	require.NoError(t, a.Advertise(map[string]string{"k": "v"}))

	a.StopAdvertise()
	require.Len(t, lost, 1)
	assert.Equal(t, "a", lost[0].ID)
}

func TestLoopbackConnectRequiresAcceptance(t *testing.T) {
	a, b := loopbackPair(t)

	// No invite policy registered: all invitations are refused.
	err := a.Connect(context.Background(), b.LocalPeer())
	assert.ErrorIs(t, err, ErrInviteRejected)

	b.OnInvite(func(PeerIdentity) bool { return false })
	err = a.Connect(context.Background(), b.LocalPeer())
	assert.ErrorIs(t, err, ErrInviteRejected)

	b.OnInvite(func(PeerIdentity) bool { return true })
	require.NoError(t, a.Connect(context.Background(), b.LocalPeer()))
}

func TestLoopbackSendRequiresConnection(t *testing.T) {
	a, b := loopbackPair(t)

	packet := &Packet{PacketType: PacketAudioFrame, Data: []byte{1}}
	err := a.Send(b.LocalPeer(), packet, Unreliable)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestLoopbackSendDelivers(t *testing.T) {
	a, b := loopbackPair(t)
	b.OnInvite(func(PeerIdentity) bool { return true })

	var got []*Packet
	b.OnReceive(func(from PeerIdentity, p *Packet) {
		assert.Equal(t, "a", from.ID)
		got = append(got, p)
	})

	require.NoError(t, a.Connect(context.Background(), b.LocalPeer()))

	packet := &Packet{PacketType: PacketAudioFrame, Data: []byte{42}}
	require.NoError(t, a.Send(b.LocalPeer(), packet, Unreliable))
	require.Len(t, got, 1)
	assert.Equal(t, []byte{42}, got[0].Data)
}

func TestLoopbackDisconnectStopsDelivery(t *testing.T) {
	a, b := loopbackPair(t)
	b.OnInvite(func(PeerIdentity) bool { return true })

	var states []ConnState
	a.OnStateChange(func(_ PeerIdentity, s ConnState) { states = append(states, s) })

	require.NoError(t, a.Connect(context.Background(), b.LocalPeer()))
	a.Disconnect(b.LocalPeer())

	assert.Contains(t, states, ConnDisconnected)

	err := a.Send(b.LocalPeer(), &Packet{PacketType: PacketPing, Data: []byte{0}}, Unreliable)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestLoopbackDisconnectNotifiesBothEnds(t *testing.T) {
	a, b := loopbackPair(t)
	b.OnInvite(func(PeerIdentity) bool { return true })

	var bStates []ConnState
	b.OnStateChange(func(_ PeerIdentity, s ConnState) { bStates = append(bStates, s) })

	require.NoError(t, a.Connect(context.Background(), b.LocalPeer()))
	a.Disconnect(b.LocalPeer())

	assert.Contains(t, bStates, ConnConnected)
	assert.Contains(t, bStates, ConnDisconnected)
}

func TestLoopbackConnectAlreadyConnectedIsNoOp(t *testing.T) {
	a, b := loopbackPair(t)
	b.OnInvite(func(PeerIdentity) bool { return true })

	var states []ConnState
	a.OnStateChange(func(_ PeerIdentity, s ConnState) { states = append(states, s) })

	require.NoError(t, a.Connect(context.Background(), b.LocalPeer()))
	require.NoError(t, a.Connect(context.Background(), b.LocalPeer()))

	var connected int
	for _, s := range states {
		if s == ConnConnected {
			connected++
		}
	}
	assert.Equal(t, 1, connected, "reconnecting an established session must not re-fire state")
}

func TestLoopbackIntroduceDelivers(t *testing.T) {
	net := NewLoopbackNetwork()
	a := net.NewTransport(PeerIdentity{ID: "a", Name: "Alice"})
	b := net.NewTransport(PeerIdentity{ID: "b", Name: "Bob"})
	c := net.NewTransport(PeerIdentity{ID: "c", Name: "Carol"})

	var introduced []PeerIdentity
	b.OnIntroduced(func(p PeerIdentity) { introduced = append(introduced, p) })

	require.NoError(t, a.Introduce(b.LocalPeer(), c.LocalPeer()))
	require.Len(t, introduced, 1)
	assert.Equal(t, "c", introduced[0].ID)

	// The introduced node can now be invited directly.
	c.OnInvite(func(PeerIdentity) bool { return true })
	require.NoError(t, b.Connect(context.Background(), c.LocalPeer()))
}

func TestLoopbackIntroduceUnknownPeer(t *testing.T) {
	a, b := loopbackPair(t)

	err := a.Introduce(b.LocalPeer(), PeerIdentity{ID: "ghost"})
	assert.ErrorIs(t, err, ErrUnknownPeer)

	err = a.Introduce(PeerIdentity{ID: "ghost"}, b.LocalPeer())
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestLoopbackConnectCancelledContext(t *testing.T) {
	a, b := loopbackPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.Connect(ctx, b.LocalPeer())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoopbackCloseDisconnectsAll(t *testing.T) {
	a, b := loopbackPair(t)
	b.OnInvite(func(PeerIdentity) bool { return true })
	require.NoError(t, a.Connect(context.Background(), b.LocalPeer()))

	require.NoError(t, a.Close())

	err := b.Send(a.LocalPeer(), &Packet{PacketType: PacketPing, Data: []byte{0}}, Unreliable)
	assert.ErrorIs(t, err, ErrNotConnected)
}
