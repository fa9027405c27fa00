package transport

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// InterleavedWriter frames RTP packets onto the RTSP control connection
// using the RFC 2326 section 10.12 binary framing: a dollar sign, the
// channel identifier and a two-byte big-endian length, followed by the
// packet. The writer does not own the connection; Close is a no-op so
// the RTSP session keeps control of the socket lifetime.
type InterleavedWriter struct {
	mu      sync.Mutex
	w       io.Writer
	channel uint8
	closed  bool
}

// NewInterleavedWriter wraps the control connection for RTP on the
// given channel. Channel 0 carries RTP by convention; channel 1 is
// reserved for RTCP.
func NewInterleavedWriter(w io.Writer, channel uint8) *InterleavedWriter {
	return &InterleavedWriter{w: w, channel: channel}
}

// Mode reports the transport mode.
func (iw *InterleavedWriter) Mode() Mode { return ModeTCPInterleaved }

// WritePacket frames and writes one RTP packet. TCP carries its own
// delivery guarantees, so there is no retry: any write error aborts the
// current frame and surfaces to the session, which treats it as a lost
// connection.
func (iw *InterleavedWriter) WritePacket(header, payload []byte) error {
	iw.mu.Lock()
	defer iw.mu.Unlock()

	if iw.closed {
		return ErrWriterClosed
	}

	total := len(header) + len(payload)
	if total > 0xFFFF {
		return fmt.Errorf("interleaved packet size %d exceeds 16-bit length field", total)
	}

	prefix := [4]byte{'$', iw.channel, byte(total >> 8), byte(total)}

	if _, err := iw.w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write interleaved prefix: %w", err)
	}
	if _, err := iw.w.Write(header); err != nil {
		return fmt.Errorf("failed to write packet header: %w", err)
	}
	if _, err := iw.w.Write(payload); err != nil {
		return fmt.Errorf("failed to write packet payload: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "WritePacket",
		"channel":  iw.channel,
		"size":     total,
	}).Debug("interleaved packet written")

	return nil
}

// Close marks the writer unusable without touching the underlying
// connection, which belongs to the RTSP session.
func (iw *InterleavedWriter) Close() error {
	iw.mu.Lock()
	defer iw.mu.Unlock()

	iw.closed = true
	return nil
}
