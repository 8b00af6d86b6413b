package lanvoice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/lanvoice/config"
	"github.com/opd-ai/lanvoice/device"
	"github.com/opd-ai/lanvoice/session"
	"github.com/opd-ai/lanvoice/transport"
)

// testConfig returns a fast configuration for in-memory integration tests.
func testConfig(name string) *config.Config {
	cfg := config.Default()
	cfg.Session.DisplayName = name
	cfg.Audio.Codec = "pcm"
	cfg.Audio.FrameDuration = config.Duration(5 * time.Millisecond)
	cfg.Session.InviteTimeout = config.Duration(time.Second)
	return cfg
}

// newTestEngine builds an engine on the shared loopback network.
func newTestEngine(t *testing.T, net *transport.LoopbackNetwork, id, name string, input device.InputDevice) *Engine {
	t.Helper()
	tr := net.NewTransport(transport.PeerIdentity{ID: id, Name: name})
	engine, err := New(testConfig(name),
		WithTransport(tr),
		WithInput(input),
		WithOutput(device.NewRecordingOutput()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestEngineHostAndJoin(t *testing.T) {
	net := transport.NewLoopbackNetwork()
	host := newTestEngine(t, net, "host", "Alice", device.NewToneInput(440, 0.5, 48000))
	joiner := newTestEngine(t, net, "joiner", "Bob", &device.SilenceInput{})

	found := make(chan session.BubbleInfo, 1)
	joiner.OnBubbleFound(func(info session.BubbleInfo) {
		select {
		case found <- info:
		default:
		}
	})
	require.NoError(t, joiner.StartDiscovery())

	info, err := host.CreateBubble("Demo")
	require.NoError(t, err)
	assert.Equal(t, "Demo", info.Name)
	assert.True(t, host.Hosting())

	var discovered session.BubbleInfo
	select {
	case discovered = <-found:
	case <-time.After(2 * time.Second):
		t.Fatal("bubble was never discovered")
	}
	assert.Equal(t, info.ID, discovered.ID)

	require.NoError(t, joiner.JoinBubble(discovered))

	joined, ok := joiner.Bubble()
	require.True(t, ok)
	assert.Equal(t, info.ID, joined.ID)

	hosted, ok := host.Bubble()
	require.True(t, ok)
	assert.Equal(t, 2, hosted.ParticipantCount, "join must update the advertised count")

	// The host's tone reaches the joiner: one participant, speaking, with
	// a plausible latency estimate.
	require.Eventually(t, func() bool {
		participants := joiner.Participants()
		return len(participants) == 1 && participants[0].Speaking && participants[0].Level > 0
	}, 5*time.Second, 10*time.Millisecond, "host audio must register on the joiner")

	participants := joiner.Participants()
	assert.Equal(t, "host", participants[0].Peer.ID)
	assert.GreaterOrEqual(t, participants[0].LatencyMs, 0.0)

	// The joiner sends silence, so it appears on the host without speaking.
	require.Eventually(t, func() bool {
		return len(host.Participants()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, host.Participants()[0].Speaking)

	// The host's own meter is live.
	require.Eventually(t, func() bool {
		return host.LocalSpeaking() && host.LocalLevel() > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngineThreeDeviceBubble(t *testing.T) {
	net := transport.NewLoopbackNetwork()
	host := newTestEngine(t, net, "host", "Alice", &device.SilenceInput{})
	b := newTestEngine(t, net, "b", "Bob", &device.SilenceInput{})
	c := newTestEngine(t, net, "c", "Carol", device.NewToneInput(440, 0.5, 48000))

	require.NoError(t, b.StartDiscovery())
	require.NoError(t, c.StartDiscovery())

	info, err := host.CreateBubble("Demo")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(b.DiscoveredBubbles()) == 1 && len(c.DiscoveredBubbles()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.JoinBubble(b.DiscoveredBubbles()[0]))
	require.NoError(t, c.JoinBubble(c.DiscoveredBubbles()[0]))

	// The count reaches three on the host and on the members alike.
	require.Eventually(t, func() bool {
		hosted, ok := host.Bubble()
		return ok && hosted.ParticipantCount == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		joined, ok := b.Bubble()
		return ok && joined.ID == info.ID && joined.ParticipantCount == 3
	}, 2*time.Second, 10*time.Millisecond, "a member's view of the bubble must grow with it")

	// Bob holds sessions with both the host and his fellow member: the
	// bubble is a shared room, not a set of host calls.
	require.Eventually(t, func() bool {
		ids := make(map[string]bool)
		for _, p := range b.Participants() {
			ids[p.Peer.ID] = true
		}
		return ids["host"] && ids["c"]
	}, 5*time.Second, 10*time.Millisecond, "a member must hear every fellow participant, not only the host")

	// Carol's tone registers on Bob as a speaking participant.
	require.Eventually(t, func() bool {
		for _, p := range b.Participants() {
			if p.Peer.ID == "c" && p.Speaking && p.Level > 0 {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "a fellow member's audio must register")
}

func TestEngineLeaveRevertsToDiscovery(t *testing.T) {
	net := transport.NewLoopbackNetwork()
	host := newTestEngine(t, net, "host", "Alice", device.NewToneInput(440, 0.5, 48000))
	joiner := newTestEngine(t, net, "joiner", "Bob", &device.SilenceInput{})

	require.NoError(t, joiner.StartDiscovery())
	_, err := host.CreateBubble("Demo")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(joiner.DiscoveredBubbles()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, joiner.JoinBubble(joiner.DiscoveredBubbles()[0]))
	require.NoError(t, joiner.Leave())

	_, inBubble := joiner.Bubble()
	assert.False(t, inBubble)
	assert.Empty(t, joiner.Participants())

	// The host drops the departed peer and its count returns to one.
	require.Eventually(t, func() bool {
		hosted, ok := host.Bubble()
		return ok && hosted.ParticipantCount == 1 && len(host.Participants()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Still browsing: the bubble remains discoverable for a rejoin.
	require.Eventually(t, func() bool {
		return len(joiner.DiscoveredBubbles()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Audio.SampleRate = 44100
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestEngineSelfMonitor(t *testing.T) {
	net := transport.NewLoopbackNetwork()
	tr := net.NewTransport(transport.PeerIdentity{ID: "solo", Name: "Solo"})
	output := device.NewRecordingOutput()

	engine, err := New(testConfig("Solo"),
		WithTransport(tr),
		WithInput(device.NewToneInput(440, 0.5, 48000)),
		WithOutput(output),
	)
	require.NoError(t, err)
	defer engine.Close()

	_, err = engine.CreateBubble("Solo Room")
	require.NoError(t, err)
	engine.SetSelfMonitor(true)

	require.Eventually(t, func() bool {
		for _, frame := range output.Frames() {
			for _, s := range frame {
				if s != 0 {
					return true
				}
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "self-monitor must route the mic to the output")
}
