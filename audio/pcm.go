package audio

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// PCMCodec is a raw pass-through codec that serializes PCM samples as
// little-endian int16 pairs. It carries no compression and exists as the
// robustness fallback: decode(encode(frame)) reproduces the frame exactly.
type PCMCodec struct {
	frameSize  int
	sampleRate uint32
}

// NewPCMCodec creates a PCM pass-through codec for the given frame size
// (in samples) and sample rate.
func NewPCMCodec(frameSize int, sampleRate uint32) (*PCMCodec, error) {
	logrus.WithFields(logrus.Fields{
		"function":    "NewPCMCodec",
		"frame_size":  frameSize,
		"sample_rate": sampleRate,
	}).Info("Creating new PCM codec")

	if frameSize <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", frameSize)
	}
	if sampleRate == 0 {
		return nil, fmt.Errorf("sample rate cannot be zero")
	}

	return &PCMCodec{
		frameSize:  frameSize,
		sampleRate: sampleRate,
	}, nil
}

// Encode serializes the PCM frame as little-endian bytes.
func (c *PCMCodec) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty PCM frame")
	}

	data := make([]byte, len(pcm)*2)
	for i, sample := range pcm {
		data[i*2] = byte(sample)
		data[i*2+1] = byte(sample >> 8)
	}
	return data, nil
}

// Decode deserializes little-endian bytes back into a PCM frame.
//
// A nil or empty payload is concealed as a silent frame of the codec's
// native size. A payload with an odd byte count is malformed.
func (c *PCMCodec) Decode(data []byte) ([]int16, error) {
	if len(data) == 0 {
		return silentFrame(c.frameSize), nil
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd payload length %d", ErrMalformedFrame, len(data))
	}

	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return pcm, nil
}

// FrameSize returns the codec's native frame size in samples.
func (c *PCMCodec) FrameSize() int {
	return c.frameSize
}

// SampleRate returns the codec's native sample rate in Hz.
func (c *PCMCodec) SampleRate() uint32 {
	return c.sampleRate
}

// Name identifies the codec.
func (c *PCMCodec) Name() string {
	return "pcm"
}

// Close releases codec resources. The PCM codec holds none.
func (c *PCMCodec) Close() error {
	return nil
}
