package voice

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/lanvoice/audio"
	"github.com/opd-ai/lanvoice/device"
	"github.com/opd-ai/lanvoice/transport"
)

// mockSender records every packet handed to it.
type mockSender struct {
	mu      sync.Mutex
	peers   []transport.PeerIdentity
	packets []*transport.Packet
	sendErr error
}

func (m *mockSender) ConnectedPeers() []transport.PeerIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transport.PeerIdentity(nil), m.peers...)
}

func (m *mockSender) Send(peer transport.PeerIdentity, packet *transport.Packet, mode transport.DeliveryMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.packets = append(m.packets, packet)
	return nil
}

func (m *mockSender) sent() []*transport.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*transport.Packet(nil), m.packets...)
}

// brokenInput always fails to start.
type brokenInput struct{}

func (brokenInput) Start() error             { return errors.New("no such device") }
func (brokenInput) Stop() error              { return nil }
func (brokenInput) Pull(frame []int16) error { return nil }

func newTestCapture(t *testing.T, input device.InputDevice, sender Sender) *CapturePipeline {
	t.Helper()
	codec, err := audio.NewPCMCodec(96, 48000)
	require.NoError(t, err)
	return NewCapturePipeline(input, codec, sender, 2*time.Millisecond, nil)
}

func TestCaptureMetersWithoutPeers(t *testing.T) {
	sender := &mockSender{}
	p := newTestCapture(t, device.NewToneInput(440, 0.5, 48000), sender)

	require.NoError(t, p.Start())
	defer p.Stop()

	require.Eventually(t, func() bool {
		return p.Speaking() && p.Level() > 0
	}, 2*time.Second, 5*time.Millisecond, "local meter must stay live with zero peers")

	assert.Greater(t, p.FramesCaptured(), uint64(0))
	assert.Empty(t, sender.sent(), "no peers means nothing is sent")
	assert.Zero(t, p.BytesSent())
}

func TestCaptureBroadcastsToPeers(t *testing.T) {
	sender := &mockSender{peers: []transport.PeerIdentity{
		{ID: "p1", Name: "One"},
		{ID: "p2", Name: "Two"},
	}}
	p := newTestCapture(t, device.NewToneInput(440, 0.5, 48000), sender)

	require.NoError(t, p.Start())
	defer p.Stop()

	require.Eventually(t, func() bool {
		return len(sender.sent()) >= 4
	}, 2*time.Second, 5*time.Millisecond)

	packets := sender.sent()
	assert.Equal(t, transport.PacketAudioFrame, packets[0].PacketType)

	sentAt, payload, err := transport.UnwrapFrame(packets[0].Data)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), sentAt, 2*time.Second)

	codec, err := audio.NewPCMCodec(96, 48000)
	require.NoError(t, err)
	frame, err := codec.Decode(payload)
	require.NoError(t, err)
	assert.Len(t, frame, 96)

	assert.Greater(t, p.BytesSent(), uint64(0))
}

func TestCaptureSendFailureIsNonFatal(t *testing.T) {
	sender := &mockSender{
		peers:   []transport.PeerIdentity{{ID: "p1", Name: "One"}},
		sendErr: errors.New("socket gone"),
	}
	p := newTestCapture(t, device.NewToneInput(440, 0.5, 48000), sender)

	require.NoError(t, p.Start())
	defer p.Stop()

	require.Eventually(t, func() bool {
		return p.FramesCaptured() > 5
	}, 2*time.Second, 5*time.Millisecond, "capture must keep running through send failures")
	assert.Zero(t, p.BytesSent())
}

func TestCaptureSelfSinkReceivesCopies(t *testing.T) {
	var mu sync.Mutex
	var frames [][]int16

	p := newTestCapture(t, device.NewToneInput(440, 0.5, 48000), &mockSender{})
	p.SetSelfSink(func(frame []int16) {
		mu.Lock()
		frames = append(frames, frame)
		mu.Unlock()
	})

	require.NoError(t, p.Start())
	defer p.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCaptureStartIdempotent(t *testing.T) {
	p := newTestCapture(t, &device.SilenceInput{}, &mockSender{})
	require.NoError(t, p.Start())
	defer p.Stop()
	require.NoError(t, p.Start())
	assert.True(t, p.Running())
}

func TestCaptureStopResetsMeter(t *testing.T) {
	p := newTestCapture(t, device.NewToneInput(440, 0.5, 48000), &mockSender{})
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool { return p.Level() > 0 }, 2*time.Second, 5*time.Millisecond)

	p.Stop()
	assert.False(t, p.Running())
	assert.Zero(t, p.Level())
	assert.False(t, p.Speaking())
}

func TestCaptureDeviceUnavailable(t *testing.T) {
	p := newTestCapture(t, brokenInput{}, &mockSender{})
	err := p.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrDeviceUnavailable)
	assert.False(t, p.Running())
}
