// Package transport provides the RTP delivery paths for the streaming
// engine: UDP datagrams to a client's negotiated port and TCP-interleaved
// framing on the RTSP control connection, plus the adaptive framerate
// governor that reacts to transport health.
//
// # Architecture
//
// Both delivery paths satisfy the PacketWriter interface, so the session
// swaps transports without touching packetization:
//
//	type PacketWriter interface {
//	    WritePacket(header, payload []byte) error
//	    Mode() Mode
//	    Close() error
//	}
//
// The split of responsibility is deliberate: writers own per-packet
// resilience (retries, socket resets), the session owns per-frame policy
// (fallback promotion, error counting, frame abort).
//
// # UDP Transport
//
//	writer, err := NewUDPWriter(clientAddr)
//	// Binds a random even port in the configured range, retries sends,
//	// rebinds the socket halfway through the retry budget.
//
// A send that exhausts its retries returns ErrSendExhausted. The session
// then either promotes the stream to TCP-interleaved transport (when the
// fallback policy allows and the control connection is alive) or calls
// RecordError. Crossing the error threshold rebinds the socket, spaced
// by a minimum interval so a dead network cannot trigger a reset storm.
// Each successful send decrements the error count by one, so recovery
// requires sustained health rather than a single lucky packet.
//
// # TCP-Interleaved Transport
//
//	writer := NewInterleavedWriter(conn, 0)
//	// Frames packets as {'$', channel, len16} on the control connection.
//
// TCP provides its own delivery guarantees, so the interleaved writer
// has no retry path: a write error aborts the frame and the session
// treats the connection as lost. Close is a no-op because the control
// connection belongs to the RTSP session.
//
// # Fallback Policy
//
// FallbackPolicy selects between never promoting (FallbackDisabled),
// promoting after UDP retry exhaustion (FallbackAuto), and negotiating
// TCP-interleaved for every session up front (FallbackForceTCP).
//
// # Adaptive Framerate
//
// FramerateGovernor steps the delivery rate down when consecutive UDP
// errors cross a threshold and back up toward the target after clean
// windows. Evaluations are spaced by a minimum window regardless of
// outcome:
//
//	governor := NewFramerateGovernor(DefaultGovernorConfig())
//	if governor.Evaluate(writer.ConsecutiveErrors()) {
//	    interval = governor.Interval()
//	}
//
// # Thread Safety
//
// All writers and the governor are safe for concurrent use via
// sync.Mutex. Time is injected through the TimeProvider interface so
// retry pacing and window spacing are testable without sleeping.
package transport
