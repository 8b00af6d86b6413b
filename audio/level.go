package audio

import (
	"math"

	"github.com/sirupsen/logrus"
)

// Level monitor tuning constants for 16-bit mono speech.
const (
	// activityThreshold is the RMS fraction of full scale above which a
	// frame counts as voice activity.
	activityThreshold = 0.02

	// levelGain scales RMS so typical speech lands in the 0.5-1.0 range.
	levelGain = 8.0

	// attackFactor blends toward a new level quickly while speaking.
	attackFactor = 0.3

	// releaseFactor decays the level geometrically during silence.
	releaseFactor = 0.8

	// speakingFloor is the decayed level below which speaking flips false.
	speakingFloor = 0.01
)

// LevelMonitor computes a smoothed, normalized audio level and a voice
// activity flag from successive PCM frames.
//
// The monitor uses asymmetric smoothing: fast attack while the signal is
// above the activity threshold, slow geometric release during silence.
// The Speaking flag only flips false once the decayed level has fallen
// below a small floor, which keeps it from flickering across quiet
// syllable gaps.
//
// Update runs once per frame on the real-time audio path and performs a
// single pass over the samples with no allocation.
type LevelMonitor struct {
	level    float64
	speaking bool
}

// NewLevelMonitor creates a level monitor with zeroed state.
func NewLevelMonitor() *LevelMonitor {
	logrus.WithFields(logrus.Fields{
		"function":  "NewLevelMonitor",
		"threshold": activityThreshold,
		"gain":      levelGain,
	}).Debug("Creating new level monitor")

	return &LevelMonitor{}
}

// Update folds one PCM frame into the monitor and returns the speaking
// flag and the smoothed level in [0.0, 1.0].
//
// An empty frame is treated as silence and only decays the current level.
func (m *LevelMonitor) Update(frame []int16) (speaking bool, level float64) {
	if len(frame) == 0 {
		m.decay()
		return m.speaking, m.level
	}

	var sum float64
	for _, s := range frame {
		v := float64(s) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(frame)))

	if rms > activityThreshold {
		norm := math.Min(rms*levelGain, 1.0)
		m.level = m.level*(1.0-attackFactor) + norm*attackFactor
		m.speaking = true
	} else {
		m.decay()
	}

	return m.speaking, m.level
}

// decay applies one slow-release step toward zero.
func (m *LevelMonitor) decay() {
	m.level *= releaseFactor
	if m.level < speakingFloor {
		m.speaking = false
	}
}

// Level returns the current smoothed level in [0.0, 1.0].
func (m *LevelMonitor) Level() float64 {
	return m.level
}

// Speaking returns the current voice activity flag.
func (m *LevelMonitor) Speaking() bool {
	return m.speaking
}

// Reset clears the monitor back to silence.
func (m *LevelMonitor) Reset() {
	m.level = 0
	m.speaking = false
}
