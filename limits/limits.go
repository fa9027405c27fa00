package limits

import (
	"errors"
	"fmt"
)

const (
	// RTPHeaderSize is the fixed RTP header length in bytes (RFC 3550).
	// Version 2, no padding, no extension, no CSRC entries.
	RTPHeaderSize = 12

	// JPEGHeaderSize is the JPEG payload header length in bytes (RFC 2435).
	// Type-specific byte, 24-bit fragment offset, type, Q, width/8, height/8.
	JPEGHeaderSize = 8

	// RTPPayloadTypeJPEG is the static RTP payload type for JPEG video (RFC 3551).
	RTPPayloadTypeJPEG = 26

	// RTPClockRate is the RTP timestamp clock rate for JPEG video in Hz.
	// RFC 2435 mandates 90000 Hz for video payloads.
	RTPClockRate = 90000

	// RTPSSRC is the synchronization source identifier used for every stream.
	// Each session has its own sequence/timestamp space, so a fixed SSRC is
	// sufficient to satisfy decoders that key state on it.
	RTPSSRC = 0x13f97e67

	// MaxUDPPacket is the total RTP packet ceiling in bytes over UDP,
	// headers included. Kept well under typical MTU to reduce
	// fragmentation-related loss. Payload per fragment is
	// MaxUDPPacket - RTPHeaderSize - JPEGHeaderSize.
	MaxUDPPacket = 600

	// MaxTCPPacket is the total RTP packet ceiling in bytes over
	// TCP-interleaved transport, where IP fragmentation is not a concern.
	MaxTCPPacket = 1400

	// UDPRetryCount is the number of send attempts per fragment before the
	// transport escalates to fallback promotion or error counting.
	UDPRetryCount = 2

	// UDPRetryDelayMS is the pause between UDP send attempts in milliseconds.
	UDPRetryDelayMS = 10

	// UDPFragmentDelayMS is the pause between UDP fragments of one frame in
	// milliseconds, pacing bursts so small network stacks are not overrun.
	UDPFragmentDelayMS = 2

	// UDPErrorThreshold is the consecutive-error count that triggers a
	// framerate step-down in the adaptive governor.
	UDPErrorThreshold = 5

	// UDPResetThreshold is the consecutive-error count that triggers a full
	// UDP socket reset.
	UDPResetThreshold = 10

	// UDPResetIntervalMS is the minimum spacing between full UDP socket
	// resets in milliseconds.
	UDPResetIntervalMS = 5000

	// UDPResetSettleMS is the settle pause between closing and rebinding a
	// UDP socket during a reset, in milliseconds.
	UDPResetSettleMS = 50

	// ServerPortRangeBase is the lowest server-side UDP port considered for
	// RTP allocation during SETUP.
	ServerPortRangeBase = 20000

	// ServerPortRangeSpan is the width of the server-side UDP port range.
	ServerPortRangeSpan = 10000

	// DefaultFramerate is the target capture and delivery rate in frames
	// per second.
	DefaultFramerate = 15

	// MinFramerate is the adaptive governor's lower bound in frames per
	// second.
	MinFramerate = 10

	// AdaptiveWindowMS is the minimum spacing between adaptive framerate
	// evaluations in milliseconds, independent of frame cadence.
	AdaptiveWindowMS = 5000

	// FramerateStepDown is the FPS decrement applied when the error
	// threshold is reached within one adaptive window.
	FramerateStepDown = 2

	// FramerateStepUp is the FPS increment applied when a window passes
	// with zero errors and the rate is below target.
	FramerateStepUp = 1

	// DefaultCSeq is the sequence number echoed when a request carries no
	// parseable CSeq header.
	DefaultCSeq = 1

	// MaxSessions is the default cap on concurrent RTSP sessions.
	MaxSessions = 5

	// MaxRequestLine is the longest accepted RTSP header line in bytes.
	// Longer lines indicate a misbehaving client and are rejected.
	MaxRequestLine = 1024
)

// JPEG stream markers (ITU-T T.81).
const (
	// JPEGMarkerPrefix starts every JPEG marker.
	JPEGMarkerPrefix = 0xFF

	// JPEGMarkerSOI is the start-of-image marker's second byte.
	JPEGMarkerSOI = 0xD8

	// JPEGMarkerEOI is the end-of-image marker's second byte.
	JPEGMarkerEOI = 0xD9
)

var (
	// ErrFrameEmpty indicates an empty frame buffer was provided.
	ErrFrameEmpty = errors.New("empty frame")

	// ErrFrameMissingSOI indicates the buffer does not begin with a JPEG
	// start-of-image marker.
	ErrFrameMissingSOI = errors.New("missing JPEG start-of-image marker")

	// ErrFrameMissingEOI indicates the buffer does not end with a JPEG
	// end-of-image marker.
	ErrFrameMissingEOI = errors.New("missing JPEG end-of-image marker")

	// ErrFragmentTooLarge indicates a fragment payload exceeds the
	// transport's ceiling.
	ErrFragmentTooLarge = errors.New("fragment too large")
)

// ValidateJPEGFrame validates a JPEG buffer before packetization: nonzero
// length, a start-of-image marker at offset 0 and, when the buffer is long
// enough to hold both markers, an end-of-image marker at the final two bytes.
// Returns an error with context identifying the failing check.
func ValidateJPEGFrame(data []byte) error {
	if len(data) == 0 {
		return ErrFrameEmpty
	}
	if len(data) < 2 || data[0] != JPEGMarkerPrefix || data[1] != JPEGMarkerSOI {
		return fmt.Errorf("%w: first bytes %#02x %#02x", ErrFrameMissingSOI, firstByte(data, 0), firstByte(data, 1))
	}
	if len(data) >= 4 && (data[len(data)-2] != JPEGMarkerPrefix || data[len(data)-1] != JPEGMarkerEOI) {
		return fmt.Errorf("%w: last bytes %#02x %#02x", ErrFrameMissingEOI, data[len(data)-2], data[len(data)-1])
	}
	return nil
}

// ValidateFragmentSize validates a fragment payload against the payload
// ceiling derived from the given total packet ceiling. Returns an error
// with the actual and maximum sizes.
func ValidateFragmentSize(payload []byte, maxPacket int) error {
	maxPayload := maxPacket - RTPHeaderSize - JPEGHeaderSize
	if len(payload) == 0 {
		return ErrFrameEmpty
	}
	if len(payload) > maxPayload {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrFragmentTooLarge, len(payload), maxPayload)
	}
	return nil
}

func firstByte(data []byte, i int) byte {
	if i < len(data) {
		return data[i]
	}
	return 0
}
