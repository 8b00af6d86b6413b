// Package audio provides the audio processing primitives for lanvoice.
//
// This package covers the per-frame work on the real-time path: activity
// and level metering, payload encoding/decoding with loss concealment, and
// mixing of independent participant streams into a single output frame.
//
// The processing pipeline:
//
//	PCM Input → LevelMonitor → Codec Encode → Frame Header → Network
//	PCM Output ← Mixer ← LevelMonitor ← Codec Decode ← Frame Header ← Network
//
// Two codec strategies are provided behind the same interface: a raw PCM
// pass-through codec used as a robustness fallback, and an Opus-framed codec
// that uses pion/opus for decoding genuinely Opus-encoded payloads.
package audio
