package audio

import "errors"

// ErrMalformedFrame is returned by Codec.Decode when the payload cannot be
// interpreted as an encoded audio frame. Callers treat this as a dropped
// packet: substitute silence and increment a loss counter, never escalate.
var ErrMalformedFrame = errors.New("malformed audio frame")

// Codec converts between PCM frames and wire payloads.
//
// Implementations must satisfy the concealment contract: Decode of a nil or
// empty payload returns a silent frame of the codec's native frame size and
// never fails, so downstream playback scheduling never stalls waiting on a
// missing buffer.
type Codec interface {
	// Encode converts one PCM frame to an encoded payload.
	Encode(pcm []int16) ([]byte, error)

	// Decode converts an encoded payload back to a PCM frame. A nil or
	// empty payload yields a silent frame (loss concealment). Malformed
	// payloads yield ErrMalformedFrame.
	Decode(data []byte) ([]int16, error)

	// FrameSize returns the codec's native frame size in samples.
	FrameSize() int

	// SampleRate returns the codec's native sample rate in Hz.
	SampleRate() uint32

	// Name identifies the codec in logs and configuration.
	Name() string

	// Close releases codec resources.
	Close() error
}

// silentFrame returns a zeroed PCM frame of the given size.
func silentFrame(size int) []int16 {
	return make([]int16, size)
}
