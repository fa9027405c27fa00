package transport

import (
	"errors"
	"time"
)

// Mode identifies the active RTP transport for a session.
type Mode uint8

const (
	// ModeUDP sends RTP packets as datagrams to the client's negotiated port.
	ModeUDP Mode = iota
	// ModeTCPInterleaved frames RTP packets onto the RTSP control connection.
	ModeTCPInterleaved
)

// String returns a human-readable transport mode name.
func (m Mode) String() string {
	switch m {
	case ModeUDP:
		return "udp"
	case ModeTCPInterleaved:
		return "tcp-interleaved"
	default:
		return "unknown"
	}
}

// FallbackPolicy controls promotion from UDP to TCP-interleaved transport.
type FallbackPolicy uint8

const (
	// FallbackDisabled never promotes; exhausted sends count as UDP errors.
	FallbackDisabled FallbackPolicy = iota
	// FallbackAuto promotes a session after its UDP retries are exhausted.
	FallbackAuto
	// FallbackForceTCP negotiates TCP-interleaved for every session.
	FallbackForceTCP
)

// String returns a human-readable policy name.
func (p FallbackPolicy) String() string {
	switch p {
	case FallbackDisabled:
		return "disabled"
	case FallbackAuto:
		return "auto"
	case FallbackForceTCP:
		return "force-tcp"
	default:
		return "unknown"
	}
}

var (
	// ErrSendExhausted indicates every retry for one packet failed. The
	// caller decides between fallback promotion and error counting.
	ErrSendExhausted = errors.New("send retries exhausted")

	// ErrWriterClosed indicates a write on a closed packet writer.
	ErrWriterClosed = errors.New("packet writer closed")

	// ErrNoPortAvailable indicates no UDP port in the allocation range
	// could be bound.
	ErrNoPortAvailable = errors.New("no UDP port available in range")
)

// PacketWriter writes one RTP packet, header and payload, to a client.
//
// Implementations own their transport-specific resilience: the UDP writer
// retries and resets internally, the interleaved writer fails fast. A
// non-nil error means the packet was not delivered and the caller should
// abort the remaining fragments of the current frame.
type PacketWriter interface {
	WritePacket(header, payload []byte) error
	Mode() Mode
	Close() error
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Sleep pauses the calling goroutine for the given duration.
func (DefaultTimeProvider) Sleep(d time.Duration) { time.Sleep(d) }
