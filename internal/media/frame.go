// Package media defines the frame type that flows from the MJPEG parser
// through the ring buffer to consumers and the distribution layer.
package media

import "encoding/base64"

// DefaultCapacity is the number of frames a session's ring buffer retains
// when no capacity is configured. At typical camera rates (5–15 fps) this
// is two to six seconds of history.
const DefaultCapacity = 30

// Frame is one reconstructed image from an MJPEG stream. Time is the
// X-Timestamp of the part in epoch milliseconds (or the wall clock when the
// part carried none) and Image is the payload in standard base64.
type Frame struct {
	Time  int64  `json:"time"`
	Image string `json:"image"`
}

// NewFrame encodes payload and returns the resulting Frame.
func NewFrame(time int64, payload []byte) Frame {
	return Frame{
		Time:  time,
		Image: base64.StdEncoding.EncodeToString(payload),
	}
}

// JPEG decodes the image column back into raw bytes.
func (f Frame) JPEG() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.Image)
}
