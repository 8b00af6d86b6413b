// Package device defines the audio hardware boundary for lanvoice.
//
// The real-time pipelines consume these interfaces rather than a concrete
// platform audio engine, so the core is testable without hardware. The
// package ships synthetic implementations: a tone generator and silence
// source for input, and a sink (optionally recording) for output.
//
// Devices are configured for a small target buffer duration (5-20ms); the
// frame cadence itself is driven by the pipelines.
package device
