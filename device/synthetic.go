package device

import (
	"math"
	"sync"
)

// ToneInput is a synthetic input device generating a continuous sine tone.
// Useful for demos and for driving the capture pipeline in tests.
type ToneInput struct {
	Frequency  float64
	Amplitude  float64 // fraction of full scale, (0.0, 1.0]
	SampleRate uint32

	mu    sync.Mutex
	phase float64
}

// NewToneInput creates a tone generator. A 440Hz tone at 0.5 amplitude
// registers as clear speech-level activity on the level monitor.
func NewToneInput(frequency, amplitude float64, sampleRate uint32) *ToneInput {
	return &ToneInput{
		Frequency:  frequency,
		Amplitude:  amplitude,
		SampleRate: sampleRate,
	}
}

// Start activates the generator.
func (t *ToneInput) Start() error { return nil }

// Stop deactivates the generator.
func (t *ToneInput) Stop() error { return nil }

// Pull fills frame with the next tone samples, keeping phase continuous
// across frames.
func (t *ToneInput) Pull(frame []int16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	step := 2 * math.Pi * t.Frequency / float64(t.SampleRate)
	for i := range frame {
		frame[i] = int16(t.Amplitude * 32767 * math.Sin(t.phase))
		t.phase += step
		if t.phase > 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	return nil
}

// SilenceInput is a synthetic input device producing digital silence.
type SilenceInput struct{}

// Start activates the device.
func (s *SilenceInput) Start() error { return nil }

// Stop deactivates the device.
func (s *SilenceInput) Stop() error { return nil }

// Pull zeroes the frame.
func (s *SilenceInput) Pull(frame []int16) error {
	for i := range frame {
		frame[i] = 0
	}
	return nil
}

// ScriptedInput is a synthetic input device that plays a fixed sequence of
// frames, then silence. Tests use it to drive exact sample values through
// the capture pipeline.
type ScriptedInput struct {
	mu     sync.Mutex
	frames [][]int16
	next   int
}

// NewScriptedInput creates a scripted input from the given frames.
func NewScriptedInput(frames ...[]int16) *ScriptedInput {
	return &ScriptedInput{frames: frames}
}

// Start activates the device.
func (s *ScriptedInput) Start() error { return nil }

// Stop deactivates the device.
func (s *ScriptedInput) Stop() error { return nil }

// Pull copies the next scripted frame, or silence once exhausted.
func (s *ScriptedInput) Pull(frame []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= len(s.frames) {
		for i := range frame {
			frame[i] = 0
		}
		return nil
	}
	src := s.frames[s.next]
	s.next++
	for i := range frame {
		if i < len(src) {
			frame[i] = src[i]
		} else {
			frame[i] = 0
		}
	}
	return nil
}

// SinkOutput is a synthetic output device. With recording enabled it keeps
// the pushed frames for inspection; otherwise it discards them.
type SinkOutput struct {
	mu        sync.Mutex
	recording bool
	frames    [][]int16
}

// NewSinkOutput creates a discarding output device.
func NewSinkOutput() *SinkOutput {
	return &SinkOutput{}
}

// NewRecordingOutput creates an output device that retains pushed frames.
func NewRecordingOutput() *SinkOutput {
	return &SinkOutput{recording: true}
}

// Start activates the device.
func (o *SinkOutput) Start() error { return nil }

// Stop deactivates the device.
func (o *SinkOutput) Stop() error { return nil }

// Push schedules one frame; recorded if recording is enabled.
func (o *SinkOutput) Push(frame []int16) error {
	if !o.recording {
		return nil
	}
	cp := make([]int16, len(frame))
	copy(cp, frame)

	o.mu.Lock()
	o.frames = append(o.frames, cp)
	o.mu.Unlock()
	return nil
}

// Frames returns a snapshot of the recorded frames.
func (o *SinkOutput) Frames() [][]int16 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]int16, len(o.frames))
	copy(out, o.frames)
	return out
}
