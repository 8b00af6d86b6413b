// Package voice implements the real-time audio pipelines for lanvoice.
//
// The capture pipeline pulls fixed-size frames from the input device,
// meters them, encodes them, stamps them with the send-time header, and
// broadcasts them unreliably to every connected peer. The playback pipeline
// keeps an independent decode path per peer so one peer's loss or jitter
// never affects another, mixes all peer channels (plus an optional
// self-monitor feed) to the output device, and tracks per-peer levels,
// latency, and loss.
//
// Both pipelines respect the real-time constraint: the per-frame work is
// bounded-time and never blocks on locks held across I/O.
package voice
