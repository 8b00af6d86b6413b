package transport

import (
	"encoding/binary"
	"errors"
	"time"
)

// FrameHeaderSize is the fixed width of the audio frame header. The header
// carries the little-endian unix-millisecond send timestamp, enabling the
// receiver to derive a display-only one-way latency estimate on loosely
// clock-synchronized LAN hosts. One format is used for the whole session;
// there is no versioning field.
const FrameHeaderSize = 8

// ErrFrameTooShort is returned when an audio packet is shorter than the
// fixed frame header.
var ErrFrameTooShort = errors.New("audio frame shorter than header")

// WrapFrame prepends the send-timestamp header to a codec payload.
func WrapFrame(payload []byte, sentAt time.Time) []byte {
	frame := make([]byte, FrameHeaderSize+len(payload))
	binary.LittleEndian.PutUint64(frame[:FrameHeaderSize], uint64(sentAt.UnixMilli()))
	copy(frame[FrameHeaderSize:], payload)
	return frame
}

// UnwrapFrame splits an audio packet into its send timestamp and codec
// payload. The payload aliases the input slice.
func UnwrapFrame(frame []byte) (time.Time, []byte, error) {
	if len(frame) < FrameHeaderSize {
		return time.Time{}, nil, ErrFrameTooShort
	}
	millis := binary.LittleEndian.Uint64(frame[:FrameHeaderSize])
	return time.UnixMilli(int64(millis)), frame[FrameHeaderSize:], nil
}
