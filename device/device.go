package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrDeviceUnavailable is returned when a device fails to start even after
// the single deactivate/reactivate recovery attempt. The owning feature is
// disabled; the rest of the application continues.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// Device is the common lifecycle shared by inputs and outputs.
type Device interface {
	// Start activates the device.
	Start() error

	// Stop deactivates the device. Safe to call on a stopped device.
	Stop() error
}

// InputDevice yields fixed-size PCM frames at the configured sample rate.
type InputDevice interface {
	Device

	// Pull fills frame with the next captured samples. The frame length
	// determines how many samples are read.
	Pull(frame []int16) error
}

// OutputDevice accepts PCM frames scheduled for playback.
type OutputDevice interface {
	Device

	// Push schedules one frame on the output.
	Push(frame []int16) error
}

// recoveryDelay separates the failed start from the retry so a transiently
// busy device has a moment to settle.
const recoveryDelay = 50 * time.Millisecond

// StartWithRecovery starts a device, attempting one deactivate/reactivate
// cycle on failure before reporting the device unavailable.
func StartWithRecovery(d Device) error {
	err := d.Start()
	if err == nil {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "StartWithRecovery",
		"error":    err.Error(),
	}).Warn("Audio device start failed, attempting recovery")

	if stopErr := d.Stop(); stopErr != nil {
		logrus.WithFields(logrus.Fields{
			"function": "StartWithRecovery",
			"error":    stopErr.Error(),
		}).Debug("Device deactivation during recovery failed")
	}
	time.Sleep(recoveryDelay)

	if err = d.Start(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "StartWithRecovery",
			"error":    err.Error(),
		}).Error("Audio device recovery failed, feature disabled")
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "StartWithRecovery",
	}).Info("Audio device recovered after restart")

	return nil
}
