package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMixFramesEmpty(t *testing.T) {
	mixed := MixFrames(480, nil)
	assert.Len(t, mixed, 480, "empty mix must still fill the output buffer")
	for _, s := range mixed {
		assert.Equal(t, int16(0), s)
	}
}

func TestMixFramesSingle(t *testing.T) {
	frame := []int16{100, -200, 300, -400}
	mixed := MixFrames(4, [][]int16{frame})
	assert.Equal(t, frame, mixed)
}

func TestMixFramesSum(t *testing.T) {
	a := []int16{100, 200, -300, 0}
	b := []int16{50, -100, -300, 25}
	mixed := MixFrames(4, [][]int16{a, b})
	assert.Equal(t, []int16{150, 100, -600, 25}, mixed)
}

func TestMixFramesSaturates(t *testing.T) {
	a := []int16{32000, -32000}
	b := []int16{32000, -32000}
	mixed := MixFrames(2, [][]int16{a, b})
	assert.Equal(t, int16(32767), mixed[0], "positive overflow must clamp")
	assert.Equal(t, int16(-32768), mixed[1], "negative overflow must clamp")
}

func TestMixFramesShortInput(t *testing.T) {
	short := []int16{10, 20}
	mixed := MixFrames(4, [][]int16{short})
	assert.Equal(t, []int16{10, 20, 0, 0}, mixed, "short frames pad with silence")
}

func TestMixFramesLongInputTruncated(t *testing.T) {
	long := []int16{1, 2, 3, 4, 5, 6}
	mixed := MixFrames(4, [][]int16{long})
	assert.Equal(t, []int16{1, 2, 3, 4}, mixed)
}
