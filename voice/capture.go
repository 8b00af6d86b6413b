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

// Sender is the slice of the transport the capture pipeline needs: the
// current connected roster and best-effort packet delivery.
type Sender interface {
	ConnectedPeers() []transport.PeerIdentity
	Send(peer transport.PeerIdentity, packet *transport.Packet, mode transport.DeliveryMode) error
}

// CapturePipeline pulls PCM frames from the input device on a fixed cadence,
// meters them for the local level indicator, encodes them, and broadcasts
// them to every connected peer.
//
// The pipeline runs and keeps the local meter live even with zero connected
// peers; frames are simply not sent. Send failures to individual peers are
// logged and skipped, never propagated.
type CapturePipeline struct {
	input     device.InputDevice
	codec     audio.Codec
	sender    Sender
	collector *metrics.Collector

	frameSize int
	frameDur  time.Duration

	mu           sync.Mutex
	monitor      *audio.LevelMonitor
	level        float64
	speaking     bool
	lastActiveAt time.Time
	selfSink     func(frame []int16)
	running      bool
	cancel       context.CancelFunc

	wg sync.WaitGroup

	framesCaptured atomic.Uint64
	bytesSent      atomic.Uint64
}

// NewCapturePipeline assembles a capture pipeline. The collector may be nil.
func NewCapturePipeline(input device.InputDevice, codec audio.Codec, sender Sender, frameDur time.Duration, collector *metrics.Collector) *CapturePipeline {
	return &CapturePipeline{
		input:     input,
		codec:     codec,
		sender:    sender,
		collector: collector,
		frameSize: codec.FrameSize(),
		frameDur:  frameDur,
		monitor:   audio.NewLevelMonitor(),
	}
}

// Start activates the input device (with one recovery attempt) and launches
// the capture loop. Starting an already running pipeline is a no-op.
func (p *CapturePipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	if err := device.StartWithRecovery(p.input); err != nil {
		return fmt.Errorf("failed to start capture input: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go p.captureLoop(ctx)

	logrus.WithFields(logrus.Fields{
		"function":   "Start",
		"codec":      p.codec.Name(),
		"frame_size": p.frameSize,
		"frame_dur":  p.frameDur,
	}).Info("Capture pipeline started")

	return nil
}

// Stop halts the capture loop and deactivates the input device.
func (p *CapturePipeline) Stop() {
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

	if err := p.input.Stop(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Stop",
			"error":    err.Error(),
		}).Warn("Failed to stop capture input device")
	}

	p.mu.Lock()
	p.monitor.Reset()
	p.level = 0
	p.speaking = false
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Capture pipeline stopped")
}

// Running reports whether the capture loop is active.
func (p *CapturePipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SetSelfSink installs a callback that receives a copy of every captured
// frame, used for self-monitoring playback. A nil sink disables it.
func (p *CapturePipeline) SetSelfSink(fn func(frame []int16)) {
	p.mu.Lock()
	p.selfSink = fn
	p.mu.Unlock()
}

// Level returns the current smoothed local input level in [0.0, 1.0].
func (p *CapturePipeline) Level() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// Speaking reports whether local voice activity is currently detected.
func (p *CapturePipeline) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}

// LastActiveAt returns the time of the most recent speaking frame.
func (p *CapturePipeline) LastActiveAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActiveAt
}

// FramesCaptured returns the total number of frames pulled from the input.
func (p *CapturePipeline) FramesCaptured() uint64 {
	return p.framesCaptured.Load()
}

// BytesSent returns the total encoded payload bytes handed to the sender.
func (p *CapturePipeline) BytesSent() uint64 {
	return p.bytesSent.Load()
}

// captureLoop runs one iteration per frame duration until cancelled.
func (p *CapturePipeline) captureLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.frameDur)
	defer ticker.Stop()

	frame := make([]int16, p.frameSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.processFrame(frame)
		}
	}
}

// processFrame pulls, meters, encodes, and broadcasts a single frame.
func (p *CapturePipeline) processFrame(frame []int16) {
	if err := p.input.Pull(frame); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "processFrame",
			"error":    err.Error(),
		}).Warn("Failed to pull frame from input device")
		return
	}

	p.framesCaptured.Add(1)
	p.collector.IncFramesCaptured()

	p.mu.Lock()
	speaking, level := p.monitor.Update(frame)
	p.speaking = speaking
	p.level = level
	if speaking {
		p.lastActiveAt = time.Now()
	}
	sink := p.selfSink
	p.mu.Unlock()

	if sink != nil {
		dup := make([]int16, len(frame))
		copy(dup, frame)
		sink(dup)
	}

	peers := p.sender.ConnectedPeers()
	if len(peers) == 0 {
		return
	}

	payload, err := p.codec.Encode(frame)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "processFrame",
			"codec":    p.codec.Name(),
			"error":    err.Error(),
		}).Warn("Failed to encode captured frame")
		return
	}

	packet := &transport.Packet{
		PacketType: transport.PacketAudioFrame,
		Data:       transport.WrapFrame(payload, time.Now()),
	}

	for _, peer := range peers {
		if err := p.sender.Send(peer, packet, transport.Unreliable); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "processFrame",
				"peer_id":  peer.ID,
				"error":    err.Error(),
			}).Debug("Failed to send audio frame to peer")
			continue
		}
		p.bytesSent.Add(uint64(len(packet.Data)))
		p.collector.AddBytesSent(len(packet.Data))
	}
}
