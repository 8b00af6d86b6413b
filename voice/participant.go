package voice

import (
	"sync"
	"time"

	"github.com/opd-ai/lanvoice/audio"
	"github.com/opd-ai/lanvoice/transport"
)

// playbackChannelDepth bounds each peer's frame queue. A full queue drops
// the newest frame rather than blocking the network context.
const playbackChannelDepth = 8

// participantState is the playback pipeline's per-peer state: smoothed
// level, speaking flag, latency estimate, loss count, and the dedicated
// playback channel. Each peer carries its own lock so decoding and metering
// for one peer never serializes against another peer or the mix loop; the
// pipeline's lock only guards the peer map itself.
type participantState struct {
	identity transport.PeerIdentity
	frames   chan []int16

	mu          sync.Mutex
	codec       audio.Codec
	monitor     *audio.LevelMonitor
	level       float64
	speaking    bool
	lastAudioAt time.Time
	latencyMs   float64
	hasLatency  bool
	packetsLost uint64
}

// ParticipantInfo is a read-only snapshot of a participant's audio state,
// published for presentation layers.
type ParticipantInfo struct {
	Peer        transport.PeerIdentity
	Level       float64
	Speaking    bool
	LastAudioAt time.Time
	LatencyMs   float64
	PacketsLost uint64
}

// snapshot copies the mutable fields into a ParticipantInfo.
func (st *participantState) snapshot() ParticipantInfo {
	st.mu.Lock()
	defer st.mu.Unlock()
	return ParticipantInfo{
		Peer:        st.identity,
		Level:       st.level,
		Speaking:    st.speaking,
		LastAudioAt: st.lastAudioAt,
		LatencyMs:   st.latencyMs,
		PacketsLost: st.packetsLost,
	}
}

// decay advances the peer's meter one step toward silence.
func (st *participantState) decay() {
	st.mu.Lock()
	speaking, level := st.monitor.Update(nil)
	st.speaking = speaking
	st.level = level
	st.mu.Unlock()
}
