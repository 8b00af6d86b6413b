package device

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingDevice fails Start a configured number of times.
type countingDevice struct {
	failStarts int
	starts     int
	stops      int
}

func (d *countingDevice) Start() error {
	d.starts++
	if d.starts <= d.failStarts {
		return errors.New("device busy")
	}
	return nil
}

func (d *countingDevice) Stop() error {
	d.stops++
	return nil
}

func TestStartWithRecoveryFirstTry(t *testing.T) {
	d := &countingDevice{}
	require.NoError(t, StartWithRecovery(d))
	assert.Equal(t, 1, d.starts)
	assert.Zero(t, d.stops, "no recovery cycle on clean start")
}

func TestStartWithRecoveryRecovers(t *testing.T) {
	d := &countingDevice{failStarts: 1}
	require.NoError(t, StartWithRecovery(d))
	assert.Equal(t, 2, d.starts)
	assert.Equal(t, 1, d.stops, "recovery deactivates before retrying")
}

func TestStartWithRecoveryGivesUp(t *testing.T) {
	d := &countingDevice{failStarts: 2}
	err := StartWithRecovery(d)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Equal(t, 2, d.starts, "exactly one retry, then the feature is disabled")
}

func TestToneInputProducesSignal(t *testing.T) {
	tone := NewToneInput(440, 0.5, 48000)
	require.NoError(t, tone.Start())
	defer tone.Stop()

	frame := make([]int16, 480)
	require.NoError(t, tone.Pull(frame))

	var nonZero int
	for _, s := range frame {
		if s != 0 {
			nonZero++
		}
	}
	assert.Greater(t, nonZero, 400, "tone must fill the frame with signal")
}

func TestToneInputPhaseContinuity(t *testing.T) {
	tone := NewToneInput(440, 0.5, 48000)

	a := make([]int16, 480)
	b := make([]int16, 480)
	require.NoError(t, tone.Pull(a))
	require.NoError(t, tone.Pull(b))

	// A phase-continuous sine never jumps more than its maximum per-sample
	// slope (amplitude * angular step) across the frame boundary.
	maxSlope := 0.5 * 32767 * 2 * math.Pi * 440 / 48000
	jump := math.Abs(float64(b[0]) - float64(a[len(a)-1]))
	assert.LessOrEqual(t, jump, maxSlope*1.1, "tone must stay phase-continuous across frames")
}

func TestScriptedInputPlaysThenSilence(t *testing.T) {
	in := NewScriptedInput([]int16{1, 2}, []int16{3, 4})

	frame := make([]int16, 2)
	require.NoError(t, in.Pull(frame))
	assert.Equal(t, []int16{1, 2}, frame)

	require.NoError(t, in.Pull(frame))
	assert.Equal(t, []int16{3, 4}, frame)

	require.NoError(t, in.Pull(frame))
	assert.Equal(t, []int16{0, 0}, frame, "exhausted script yields silence")
}

func TestRecordingOutput(t *testing.T) {
	out := NewRecordingOutput()
	require.NoError(t, out.Start())

	require.NoError(t, out.Push([]int16{5, 6}))
	require.NoError(t, out.Push([]int16{7, 8}))

	frames := out.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, []int16{5, 6}, frames[0])
	assert.Equal(t, []int16{7, 8}, frames[1])
}

func TestSinkOutputDiscards(t *testing.T) {
	out := NewSinkOutput()
	require.NoError(t, out.Push([]int16{1}))
	assert.Empty(t, out.Frames())
}
