// Package lanvoice is a proximity-based voice chat engine for local
// networks. Devices advertise and browse for voice "bubbles" over the LAN,
// join them with a bounded-retry handshake, and exchange low-latency voice
// frames peer-to-peer with per-peer level metering, latency estimation, and
// loss concealment.
//
// Engine is the top-level handle that wires the transport, session manager,
// and the capture and playback pipelines together:
//
//	cfg := config.Default()
//	engine, err := lanvoice.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	engine.OnBubbleFound(func(info session.BubbleInfo) {
//		engine.JoinBubble(info)
//	})
//	engine.StartDiscovery()
package lanvoice

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanvoice/audio"
	"github.com/opd-ai/lanvoice/config"
	"github.com/opd-ai/lanvoice/device"
	"github.com/opd-ai/lanvoice/metrics"
	"github.com/opd-ai/lanvoice/session"
	"github.com/opd-ai/lanvoice/transport"
	"github.com/opd-ai/lanvoice/voice"
)

// Option customizes Engine construction.
type Option func(*engineOptions)

type engineOptions struct {
	transport transport.Transport
	input     device.InputDevice
	output    device.OutputDevice
	collector *metrics.Collector
}

// WithTransport substitutes the delivery substrate, used for in-memory
// loopback wiring in tests and simulations.
func WithTransport(t transport.Transport) Option {
	return func(o *engineOptions) { o.transport = t }
}

// WithInput substitutes the audio input device.
func WithInput(d device.InputDevice) Option {
	return func(o *engineOptions) { o.input = d }
}

// WithOutput substitutes the audio output device.
func WithOutput(d device.OutputDevice) Option {
	return func(o *engineOptions) { o.output = d }
}

// WithCollector attaches a metrics collector. Without one the engine still
// tracks its internal counters but exports nothing.
func WithCollector(c *metrics.Collector) Option {
	return func(o *engineOptions) { o.collector = c }
}

// rosterSender narrows the capture pipeline's view to the session roster and
// the transport's datagram path.
type rosterSender struct {
	session   *session.Manager
	transport transport.Transport
}

func (s rosterSender) ConnectedPeers() []transport.PeerIdentity {
	return s.session.ConnectedPeers()
}

func (s rosterSender) Send(peer transport.PeerIdentity, packet *transport.Packet, mode transport.DeliveryMode) error {
	return s.transport.Send(peer, packet, mode)
}

// Engine composes the transport, session manager, and audio pipelines into
// the public voice chat surface. All methods are safe for concurrent use.
type Engine struct {
	cfg       *config.Config
	transport transport.Transport
	session   *session.Manager
	capture   *voice.CapturePipeline
	playback  *voice.PlaybackPipeline
	collector *metrics.Collector
}

// New creates an engine from the configuration. Without a WithTransport
// option a UDP transport is created with a fresh device identity.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	ownsTrans := false
	if o.transport == nil {
		self := transport.PeerIdentity{
			ID:   uuid.New().String(),
			Name: cfg.Session.DisplayName,
		}
		t, err := transport.NewUDPTransport(self, cfg.Network.ListenAddr, cfg.Network.DiscoveryPort)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		o.transport = t
		ownsTrans = true
	}
	if o.input == nil {
		o.input = &device.SilenceInput{}
	}
	if o.output == nil {
		o.output = device.NewSinkOutput()
	}

	frameSize := cfg.FrameSize()
	sampleRate := cfg.Audio.SampleRate
	codecName := cfg.Audio.Codec

	encCodec, err := audio.NewCodec(codecName, frameSize, sampleRate)
	if err != nil {
		if ownsTrans {
			o.transport.Close()
		}
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}

	mgr := session.NewManager(o.transport, session.Config{
		JoinAttempts:  cfg.Session.JoinAttempts,
		InviteTimeout: cfg.Session.InviteTimeout.Std(),
	})

	sender := rosterSender{session: mgr, transport: o.transport}
	capture := voice.NewCapturePipeline(o.input, encCodec, sender, cfg.Audio.FrameDuration.Std(), o.collector)
	playback := voice.NewPlaybackPipeline(o.output, func() (audio.Codec, error) {
		return audio.NewCodec(codecName, frameSize, sampleRate)
	}, frameSize, cfg.Audio.FrameDuration.Std(), mgr.IsConnected, o.collector)

	e := &Engine{
		cfg:       cfg,
		transport: o.transport,
		session:   mgr,
		capture:   capture,
		playback:  playback,
		collector: o.collector,
	}

	o.transport.OnReceive(e.handlePacket)
	mgr.OnPeerConnected(e.handlePeerConnected)
	mgr.OnPeerDisconnected(e.handlePeerDisconnected)
	capture.SetSelfSink(playback.FeedSelf)

	logrus.WithFields(logrus.Fields{
		"function":    "New",
		"peer_id":     o.transport.LocalPeer().ID,
		"peer_name":   o.transport.LocalPeer().Name,
		"codec":       encCodec.Name(),
		"sample_rate": sampleRate,
		"frame_size":  frameSize,
	}).Info("Voice engine created")

	return e, nil
}

// handlePacket routes inbound packets from connected peers.
func (e *Engine) handlePacket(from transport.PeerIdentity, packet *transport.Packet) {
	if packet == nil {
		return
	}
	switch packet.PacketType {
	case transport.PacketAudioFrame:
		e.playback.HandlePacket(from, packet)
	default:
		logrus.WithFields(logrus.Fields{
			"function":    "handlePacket",
			"peer_id":     from.ID,
			"packet_type": packet.PacketType,
		}).Debug("Ignoring packet of unhandled type")
	}
}

// handlePeerConnected opens a playback channel for the new peer and makes
// sure both pipelines are running.
func (e *Engine) handlePeerConnected(peer transport.PeerIdentity) {
	if err := e.startPipelines(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePeerConnected",
			"error":    err.Error(),
		}).Error("Failed to start audio pipelines")
	}
	if err := e.playback.AddPeer(peer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePeerConnected",
			"peer_id":  peer.ID,
			"error":    err.Error(),
		}).Error("Failed to add playback channel for peer")
	}
	e.collector.SetConnectedPeers(len(e.session.ConnectedPeers()))
}

// handlePeerDisconnected tears down the peer's playback channel.
func (e *Engine) handlePeerDisconnected(peer transport.PeerIdentity) {
	e.playback.RemovePeer(peer)
	e.collector.SetConnectedPeers(len(e.session.ConnectedPeers()))
}

// startPipelines brings up playback then capture. Idempotent.
func (e *Engine) startPipelines() error {
	if err := e.playback.Start(); err != nil {
		return err
	}
	return e.capture.Start()
}

// StartDiscovery begins browsing for nearby bubbles.
func (e *Engine) StartDiscovery() error {
	return e.session.StartDiscovery()
}

// CreateBubble hosts a new named bubble and starts the audio pipelines so
// the first joiner hears audio immediately.
func (e *Engine) CreateBubble(name string) (session.BubbleInfo, error) {
	info, err := e.session.CreateBubble(name)
	if err != nil {
		return session.BubbleInfo{}, err
	}
	if err := e.startPipelines(); err != nil {
		return info, err
	}
	return info, nil
}

// JoinBubble connects to a discovered bubble with bounded retry. On success
// the audio pipelines are started.
func (e *Engine) JoinBubble(info session.BubbleInfo) error {
	if err := e.session.JoinBubble(info); err != nil {
		return err
	}
	return e.startPipelines()
}

// Leave exits the current bubble, stops the audio pipelines, and returns
// the device to discovery mode.
func (e *Engine) Leave() error {
	e.capture.Stop()
	e.playback.Stop()
	return e.session.LeaveBubble()
}

// Close shuts the engine down completely.
func (e *Engine) Close() error {
	e.capture.Stop()
	e.playback.Stop()
	e.session.StopAll()
	return e.transport.Close()
}

// OnBubbleFound registers the callback for discovered or updated bubbles.
func (e *Engine) OnBubbleFound(fn func(session.BubbleInfo)) { e.session.OnBubbleFound(fn) }

// OnBubbleLost registers the callback for withdrawn bubbles.
func (e *Engine) OnBubbleLost(fn func(uuid.UUID)) { e.session.OnBubbleLost(fn) }

// OnPeerConnected registers an additional observer for peer arrivals.
func (e *Engine) OnPeerConnected(fn func(transport.PeerIdentity)) {
	e.session.OnPeerConnected(func(peer transport.PeerIdentity) {
		e.handlePeerConnected(peer)
		if fn != nil {
			fn(peer)
		}
	})
}

// OnPeerDisconnected registers an additional observer for peer departures.
func (e *Engine) OnPeerDisconnected(fn func(transport.PeerIdentity)) {
	e.session.OnPeerDisconnected(func(peer transport.PeerIdentity) {
		e.handlePeerDisconnected(peer)
		if fn != nil {
			fn(peer)
		}
	})
}

// OnError registers the callback for recoverable, user-visible errors.
func (e *Engine) OnError(fn func(error)) { e.session.OnError(fn) }

// LocalPeer returns this device's identity.
func (e *Engine) LocalPeer() transport.PeerIdentity { return e.transport.LocalPeer() }

// Bubble returns the current bubble, if any.
func (e *Engine) Bubble() (session.BubbleInfo, bool) { return e.session.Bubble() }

// Hosting reports whether this device hosts the current bubble.
func (e *Engine) Hosting() bool { return e.session.Hosting() }

// DiscoveredBubbles returns a snapshot of bubbles seen while browsing.
func (e *Engine) DiscoveredBubbles() []session.BubbleInfo { return e.session.DiscoveredBubbles() }

// LocalLevel returns the smoothed microphone level in [0.0, 1.0].
func (e *Engine) LocalLevel() float64 { return e.capture.Level() }

// LocalSpeaking reports whether local voice activity is detected.
func (e *Engine) LocalSpeaking() bool { return e.capture.Speaking() }

// Participants returns a snapshot of every remote participant's audio state.
func (e *Engine) Participants() []voice.ParticipantInfo { return e.playback.Participants() }

// LatencyMs returns the smoothed one-way latency averaged over peers.
func (e *Engine) LatencyMs() float64 { return e.playback.LatencyMs() }

// PacketsLost returns the total dropped or concealed packets.
func (e *Engine) PacketsLost() uint64 { return e.playback.PacketsLost() }

// SetSelfMonitor routes the local microphone into the local output mix.
func (e *Engine) SetSelfMonitor(enabled bool) { e.playback.SetSelfMonitor(enabled) }
