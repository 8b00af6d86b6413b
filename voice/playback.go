package voice

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanvoice/audio"
	"github.com/opd-ai/lanvoice/device"
	"github.com/opd-ai/lanvoice/metrics"
	"github.com/opd-ai/lanvoice/transport"
)

// Latency smoothing and sanity bounds.
const (
	// latencySmoothing is the weight of the previous estimate in the
	// exponential moving average over per-packet latency samples.
	latencySmoothing = 0.8

	// maxLatencySampleMs rejects samples produced by clock skew between
	// peers; a LAN one-way latency of five seconds is not a measurement.
	maxLatencySampleMs = 5000
)

// MembershipFunc reports whether a peer ID currently belongs to the bubble.
// The playback pipeline consults it before lazily creating decode state, so
// in-flight packets from departed peers cannot resurrect them.
type MembershipFunc func(peerID string) bool

// PlaybackPipeline decodes inbound audio per peer, tracks per-peer levels,
// latency, and loss, and mixes all active channels to the output device on a
// fixed cadence.
//
// Each peer gets an independent codec instance and frame queue: a malformed
// or lost packet from one peer is concealed with silence for that peer only
// and never disturbs the others. Decoding runs under the peer's own lock, so
// inbound frames from different peers decode in parallel and a slow decode
// never stalls the mix cadence.
type PlaybackPipeline struct {
	output     device.OutputDevice
	newCodec   func() (audio.Codec, error)
	membership MembershipFunc
	collector  *metrics.Collector

	frameSize int
	frameDur  time.Duration

	mu          sync.Mutex
	peers       map[string]*participantState
	selfFrames  chan []int16
	selfMonitor bool
	latencyMs   float64
	running     bool
	cancel      context.CancelFunc

	wg sync.WaitGroup

	packetsLost   atomic.Uint64
	bytesReceived atomic.Uint64
}

// NewPlaybackPipeline assembles a playback pipeline. newCodec builds an
// independent decoder per peer. The collector may be nil.
func NewPlaybackPipeline(output device.OutputDevice, newCodec func() (audio.Codec, error), frameSize int, frameDur time.Duration, membership MembershipFunc, collector *metrics.Collector) *PlaybackPipeline {
	return &PlaybackPipeline{
		output:     output,
		newCodec:   newCodec,
		membership: membership,
		collector:  collector,
		frameSize:  frameSize,
		frameDur:   frameDur,
		peers:      make(map[string]*participantState),
		selfFrames: make(chan []int16, playbackChannelDepth),
	}
}

// Start activates the output device (with one recovery attempt) and launches
// the mix loop. Starting an already running pipeline is a no-op.
func (p *PlaybackPipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	if err := device.StartWithRecovery(p.output); err != nil {
		return fmt.Errorf("failed to start playback output: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go p.mixLoop(ctx)

	logrus.WithFields(logrus.Fields{
		"function":   "Start",
		"frame_size": p.frameSize,
		"frame_dur":  p.frameDur,
	}).Info("Playback pipeline started")

	return nil
}

// Stop halts the mix loop, releases all per-peer state, and deactivates the
// output device.
func (p *PlaybackPipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	p.mu.Lock()
	released := p.peers
	p.peers = make(map[string]*participantState)
	p.latencyMs = 0
	p.mu.Unlock()

	for id, st := range released {
		st.mu.Lock()
		err := st.codec.Close()
		st.mu.Unlock()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Stop",
				"peer_id":  id,
				"error":    err.Error(),
			}).Debug("Failed to close peer codec")
		}
	}

	if err := p.output.Stop(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Stop",
			"error":    err.Error(),
		}).Warn("Failed to stop playback output device")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Playback pipeline stopped")
}

// Running reports whether the mix loop is active.
func (p *PlaybackPipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// AddPeer creates the decode state for a newly connected peer. Adding a
// peer that already exists is a no-op.
func (p *PlaybackPipeline) AddPeer(peer transport.PeerIdentity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.addPeerLocked(peer)
	return err
}

// addPeerLocked creates per-peer state. Caller holds p.mu.
func (p *PlaybackPipeline) addPeerLocked(peer transport.PeerIdentity) (*participantState, error) {
	if st, ok := p.peers[peer.ID]; ok {
		return st, nil
	}

	codec, err := p.newCodec()
	if err != nil {
		return nil, fmt.Errorf("failed to create codec for peer %s: %w", peer.ID, err)
	}

	st := &participantState{
		identity: peer,
		codec:    codec,
		monitor:  audio.NewLevelMonitor(),
		frames:   make(chan []int16, playbackChannelDepth),
	}
	p.peers[peer.ID] = st

	logrus.WithFields(logrus.Fields{
		"function":  "addPeerLocked",
		"peer_id":   peer.ID,
		"peer_name": peer.Name,
		"codec":     codec.Name(),
	}).Info("Added playback channel for peer")

	return st, nil
}

// RemovePeer tears down a peer's decode state. A packet already past the
// map lookup may still finish decoding, but its frame lands in the orphaned
// queue the mix loop no longer reads; the peer cannot be resurrected.
func (p *PlaybackPipeline) RemovePeer(peer transport.PeerIdentity) {
	p.mu.Lock()
	st, ok := p.peers[peer.ID]
	if ok {
		delete(p.peers, peer.ID)
	}
	p.mu.Unlock()
	p.refreshLatency()

	if !ok {
		return
	}
	st.mu.Lock()
	err := st.codec.Close()
	st.mu.Unlock()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "RemovePeer",
			"peer_id":  peer.ID,
			"error":    err.Error(),
		}).Debug("Failed to close peer codec")
	}

	logrus.WithFields(logrus.Fields{
		"function": "RemovePeer",
		"peer_id":  peer.ID,
	}).Info("Removed playback channel for peer")
}

// HasPeer reports whether decode state exists for the peer ID.
func (p *PlaybackPipeline) HasPeer(peerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.peers[peerID]
	return ok
}

// HandlePacket processes one inbound audio packet from a peer: unwrap the
// timestamp header, fold the latency sample, decode (concealing loss), meter,
// and enqueue for the mix loop. Runs on the transport's receive path. The
// pipeline lock is held only for the peer lookup; decode and metering run
// under the peer's own lock.
func (p *PlaybackPipeline) HandlePacket(from transport.PeerIdentity, packet *transport.Packet) {
	if packet == nil || packet.PacketType != transport.PacketAudioFrame {
		return
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	st, ok := p.peers[from.ID]
	if !ok {
		// Lazily create state only for current bubble members; frames in
		// flight from a departed peer are dropped here.
		if p.membership == nil || !p.membership(from.ID) {
			p.mu.Unlock()
			return
		}
		var err error
		if st, err = p.addPeerLocked(from); err != nil {
			p.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "HandlePacket",
				"peer_id":  from.ID,
				"error":    err.Error(),
			}).Warn("Failed to create playback channel for peer")
			return
		}
	}
	p.mu.Unlock()

	p.bytesReceived.Add(uint64(len(packet.Data)))
	p.collector.AddBytesReceived(len(packet.Data))

	sentAt, payload, err := transport.UnwrapFrame(packet.Data)
	if err != nil {
		p.recordLoss(st)
		return
	}

	if sample := float64(time.Since(sentAt)) / float64(time.Millisecond); sample >= 0 && sample < maxLatencySampleMs {
		st.mu.Lock()
		if st.hasLatency {
			st.latencyMs = st.latencyMs*latencySmoothing + sample*(1.0-latencySmoothing)
		} else {
			st.latencyMs = sample
			st.hasLatency = true
		}
		st.mu.Unlock()
		p.refreshLatency()
	}

	st.mu.Lock()
	frame, err := st.codec.Decode(payload)
	if err != nil {
		// Conceal: count the loss and let the peer's level decay. The mix
		// loop already plays silence for an empty queue, so playback
		// cadence never stalls.
		speaking, level := st.monitor.Update(nil)
		st.speaking = speaking
		st.level = level
		st.packetsLost++
		st.mu.Unlock()
		p.packetsLost.Add(1)
		p.collector.IncPacketsLost()
		return
	}
	speaking, level := st.monitor.Update(frame)
	st.speaking = speaking
	st.level = level
	if speaking {
		st.lastAudioAt = time.Now()
	}
	st.mu.Unlock()

	select {
	case st.frames <- frame:
	default:
		// Queue full: playback is behind, the oldest queued audio is the
		// freshest we can afford to keep. Drop the new frame.
		p.recordLoss(st)
	}
}

// recordLoss counts one dropped or concealed packet.
func (p *PlaybackPipeline) recordLoss(st *participantState) {
	st.mu.Lock()
	st.packetsLost++
	st.mu.Unlock()
	p.packetsLost.Add(1)
	p.collector.IncPacketsLost()
}

// refreshLatency recomputes the global latency estimate as the mean of
// per-peer estimates. Lock order is always p.mu before st.mu.
func (p *PlaybackPipeline) refreshLatency() {
	p.mu.Lock()
	var sum float64
	var n int
	for _, st := range p.peers {
		st.mu.Lock()
		if st.hasLatency {
			sum += st.latencyMs
			n++
		}
		st.mu.Unlock()
	}
	if n == 0 {
		p.latencyMs = 0
	} else {
		p.latencyMs = sum / float64(n)
	}
	latency := p.latencyMs
	p.mu.Unlock()

	p.collector.SetLatencySeconds(latency / 1000.0)
}

// SetSelfMonitor toggles mixing the local capture feed into the output.
func (p *PlaybackPipeline) SetSelfMonitor(enabled bool) {
	p.mu.Lock()
	p.selfMonitor = enabled
	if !enabled {
		for {
			select {
			case <-p.selfFrames:
			default:
				p.mu.Unlock()
				return
			}
		}
	}
	p.mu.Unlock()
}

// FeedSelf enqueues a local capture frame for self-monitoring playback.
// Dropped silently when self-monitoring is off or the queue is full.
func (p *PlaybackPipeline) FeedSelf(frame []int16) {
	p.mu.Lock()
	enabled := p.selfMonitor
	p.mu.Unlock()
	if !enabled {
		return
	}
	select {
	case p.selfFrames <- frame:
	default:
	}
}

// Participants returns a snapshot of every peer's audio state.
func (p *PlaybackPipeline) Participants() []ParticipantInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]ParticipantInfo, 0, len(p.peers))
	for _, st := range p.peers {
		infos = append(infos, st.snapshot())
	}
	return infos
}

// Participant returns the snapshot for one peer ID, if present.
func (p *PlaybackPipeline) Participant(peerID string) (ParticipantInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.peers[peerID]
	if !ok {
		return ParticipantInfo{}, false
	}
	return st.snapshot(), true
}

// LatencyMs returns the smoothed one-way latency in milliseconds, averaged
// over peers with at least one sample.
func (p *PlaybackPipeline) LatencyMs() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latencyMs
}

// PacketsLost returns the total dropped or concealed packets across peers.
func (p *PlaybackPipeline) PacketsLost() uint64 {
	return p.packetsLost.Load()
}

// BytesReceived returns the total audio payload bytes received.
func (p *PlaybackPipeline) BytesReceived() uint64 {
	return p.bytesReceived.Load()
}

// mixLoop drains at most one frame per peer each tick, mixes them with the
// optional self-monitor feed, and pushes the result to the output device.
func (p *PlaybackPipeline) mixLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.frameDur)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mixOnce()
		}
	}
}

// mixOnce produces one output frame from the queued peer channels.
func (p *PlaybackPipeline) mixOnce() {
	p.mu.Lock()
	sts := make([]*participantState, 0, len(p.peers))
	for _, st := range p.peers {
		sts = append(sts, st)
	}
	selfMonitor := p.selfMonitor
	p.mu.Unlock()

	frames := make([][]int16, 0, len(sts)+1)
	for _, st := range sts {
		select {
		case frame := <-st.frames:
			frames = append(frames, frame)
		default:
			// No frame this tick: decay the peer's level toward silence.
			st.decay()
		}
	}
	if selfMonitor {
		select {
		case frame := <-p.selfFrames:
			frames = append(frames, frame)
		default:
		}
	}

	mixed := audio.MixFrames(p.frameSize, frames)
	if err := p.output.Push(mixed); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "mixOnce",
			"error":    err.Error(),
		}).Debug("Failed to push mixed frame to output device")
	}
}
