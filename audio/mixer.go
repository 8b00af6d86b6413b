package audio

// MixFrames sums any number of PCM frames into a single frame of the given
// size, saturating at the int16 range instead of wrapping.
//
// Frames shorter than frameSize contribute silence for their missing tail;
// longer frames are truncated. With no input frames the result is silence,
// so the output device always receives a full buffer and playback timing
// stays continuous.
func MixFrames(frameSize int, frames [][]int16) []int16 {
	mixed := make([]int16, frameSize)
	if len(frames) == 0 {
		return mixed
	}

	for i := 0; i < frameSize; i++ {
		var sum int32
		for _, frame := range frames {
			if i < len(frame) {
				sum += int32(frame[i])
			}
		}
		if sum > 32767 {
			sum = 32767
		} else if sum < -32768 {
			sum = -32768
		}
		mixed[i] = int16(sum)
	}
	return mixed
}
