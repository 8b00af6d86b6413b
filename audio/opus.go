package audio

import (
	"fmt"
	"sync"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// maxDecodedSamples bounds the decode scratch buffer: 60ms at 48kHz stereo.
const maxDecodedSamples = 2880 * 2

// OpusCodec is the production low-bitrate voice codec.
//
// The encode path emits Opus-framed PCM (the transitional encoder strategy:
// raw little-endian samples behind the Opus interface) while the decode path
// accepts both genuinely Opus-encoded payloads, handled by the pure Go
// pion/opus decoder, and the transitional PCM framing produced by peers
// running this codec. This keeps interoperability while the pure Go
// ecosystem lacks an Opus encoder.
type OpusCodec struct {
	mu         sync.Mutex
	decoder    *opus.Decoder
	pcm        *PCMCodec
	frameSize  int
	sampleRate uint32
	scratch    []byte
}

// NewOpusCodec creates an Opus codec for voice frames of the given size
// (in samples) at the given sample rate. Opus requires frame durations of
// 2.5, 5, 10, 20, 40 or 60 ms.
func NewOpusCodec(frameSize int, sampleRate uint32) (*OpusCodec, error) {
	logrus.WithFields(logrus.Fields{
		"function":    "NewOpusCodec",
		"frame_size":  frameSize,
		"sample_rate": sampleRate,
	}).Info("Creating new Opus codec")

	if err := validateOpusFrameSize(frameSize, sampleRate); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewOpusCodec",
			"error":    err.Error(),
		}).Error("Opus frame size validation failed")
		return nil, err
	}

	pcm, err := NewPCMCodec(frameSize, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitional encoder: %w", err)
	}

	decoder := opus.NewDecoder()

	return &OpusCodec{
		decoder:    &decoder,
		pcm:        pcm,
		frameSize:  frameSize,
		sampleRate: sampleRate,
		scratch:    make([]byte, maxDecodedSamples*2),
	}, nil
}

// validateOpusFrameSize checks the frame duration against the set Opus
// accepts: 2.5, 5, 10, 20, 40 or 60 ms.
func validateOpusFrameSize(frameSize int, sampleRate uint32) error {
	if sampleRate == 0 {
		return fmt.Errorf("sample rate cannot be zero")
	}
	durationMs := float64(frameSize) * 1000.0 / float64(sampleRate)
	for _, valid := range []float64{2.5, 5, 10, 20, 40, 60} {
		if durationMs == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid Opus frame size: %d samples (%.2f ms) at %d Hz",
		frameSize, durationMs, sampleRate)
}

// Encode converts one PCM frame to a wire payload.
func (c *OpusCodec) Encode(pcm []int16) ([]byte, error) {
	return c.pcm.Encode(pcm)
}

// Decode converts a wire payload back to a PCM frame.
//
// A nil or empty payload is concealed as a silent frame. Payloads matching
// the transitional PCM framing are deserialized directly; anything else is
// handed to the pion/opus decoder. Undecodable payloads yield
// ErrMalformedFrame.
func (c *OpusCodec) Decode(data []byte) ([]int16, error) {
	if len(data) == 0 {
		return silentFrame(c.frameSize), nil
	}

	// Transitional PCM framing: exactly one native frame of raw samples.
	if len(data) == c.frameSize*2 {
		return c.pcm.Decode(data)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bandwidth, isStereo, err := c.decoder.Decode(data, c.scratch)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "OpusCodec.Decode",
			"data_size": len(data),
			"error":     err.Error(),
		}).Debug("Opus decode failed")
		return nil, fmt.Errorf("%w: opus decode: %v", ErrMalformedFrame, err)
	}

	pcm := pcmFromScratch(c.scratch, c.frameSize, isStereo)

	logrus.WithFields(logrus.Fields{
		"function":    "OpusCodec.Decode",
		"input_size":  len(data),
		"pcm_samples": len(pcm),
		"bandwidth":   bandwidth.String(),
		"is_stereo":   isStereo,
	}).Debug("Opus decode completed")

	return pcm, nil
}

// pcmFromScratch extracts one native frame from the decoder's scratch
// buffer. The decoder is handed the whole buffer regardless of the coded
// frame duration, so the sample count is clamped to the codec's frame size
// rather than derived from the buffer length. Stereo output is downmixed by
// taking the left channel.
func pcmFromScratch(scratch []byte, frameSize int, isStereo bool) []int16 {
	sampleCount := len(scratch) / 2
	step := 1
	if isStereo {
		step = 2
		sampleCount /= 2
	}
	if sampleCount > frameSize {
		sampleCount = frameSize
	}

	pcm := make([]int16, sampleCount)
	for i := 0; i < sampleCount; i++ {
		j := i * step * 2
		pcm[i] = int16(scratch[j]) | int16(scratch[j+1])<<8
	}
	return pcm
}

// FrameSize returns the codec's native frame size in samples.
func (c *OpusCodec) FrameSize() int {
	return c.frameSize
}

// SampleRate returns the codec's native sample rate in Hz.
func (c *OpusCodec) SampleRate() uint32 {
	return c.sampleRate
}

// Name identifies the codec.
func (c *OpusCodec) Name() string {
	return "opus"
}

// Close releases codec resources.
func (c *OpusCodec) Close() error {
	return c.pcm.Close()
}

// NewCodec constructs a codec by configured name. Unknown names fall back
// to the PCM codec so a misconfigured node still produces audio.
func NewCodec(name string, frameSize int, sampleRate uint32) (Codec, error) {
	switch name {
	case "opus":
		return NewOpusCodec(frameSize, sampleRate)
	case "pcm", "":
		return NewPCMCodec(frameSize, sampleRate)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "NewCodec",
			"codec":    name,
		}).Warn("Unknown codec name, falling back to PCM")
		return NewPCMCodec(frameSize, sampleRate)
	}
}
