// Package camera defines the frame source contract for the streaming
// engine and provides a synthetic source for development and testing.
//
// A frame source hands out ready-made JPEG buffers. Sources may hold a
// small bounded pool of buffers, so every captured frame must be released
// exactly once, on every code path, as soon as the caller is done with it.
package camera

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/nanortsp/limits"
)

// Frame is one captured JPEG image.
//
// Data is shared by reference and must not be modified by consumers. The
// frame remains valid until it is passed back to its source's Release.
type Frame struct {
	// Data contains the JPEG-encoded image bytes.
	Data []byte

	// Width of the image in pixels.
	Width int

	// Height of the image in pixels.
	Height int

	// Timestamp is the capture instant.
	Timestamp time.Time

	// Seq is the source-assigned capture sequence number.
	Seq uint64
}

// ErrInvalidDimensions indicates a frame with a zero width or height.
var ErrInvalidDimensions = errors.New("invalid frame dimensions")

// Validate checks the frame satisfies the source contract: nonzero
// dimensions and a well-formed JPEG buffer. A failing frame is treated as
// a capture failure by the engine and never reaches the wire.
func (f *Frame) Validate() error {
	if f == nil {
		return limits.ErrFrameEmpty
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, f.Width, f.Height)
	}
	return limits.ValidateJPEGFrame(f.Data)
}

// Source supplies JPEG frames to the streaming engine.
//
// Capture is rate-limited by the source's configured inter-frame interval
// and returns nil when called early or when no buffer is available.
// CaptureForced bypasses rate limiting for on-demand sends. Release
// returns a buffer to the source; callers must release every captured
// frame exactly once.
type Source interface {
	Capture() *Frame
	CaptureForced() *Frame
	Release(*Frame)
}
