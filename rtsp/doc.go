// Package rtsp implements the RTSP control protocol for the streaming
// engine: request parsing, response generation, session description
// rendering, and the per-client session state machine.
//
// # Architecture
//
// Each accepted control connection is wrapped in a Session owned by the
// server's cooperative scheduler. Sessions never spawn goroutines; the
// scheduler calls Step once per tick and the session consumes at most
// one request and emits at most one frame per call. This keeps per-client
// cost bounded, and since only the scheduler goroutine ever calls into a
// session, Session methods need no internal locking.
//
// # Protocol Subset
//
// The server answers OPTIONS, DESCRIBE, SETUP, PLAY, PAUSE and TEARDOWN.
// Any other method receives 501 Not Implemented. The session lifecycle is
//
//	Init -> Ready -> Playing <-> Paused -> Closed
//
// DESCRIBE and SETUP move an Init session to Ready, PLAY requires a
// negotiated transport, and TEARDOWN always succeeds. Requests are
// answered in arrival order with the client's CSeq echoed back.
//
// # Transport Negotiation
//
// SETUP parses the client's Transport header. An interleaved token or an
// RTP/AVP/TCP protocol selects TCP-interleaved delivery on the control
// connection; otherwise the client's announced client_port pair selects
// UDP and the server binds a socket from its own port range. A session
// streaming over UDP is promoted to TCP-interleaved when sends exhaust
// their retry budget and the fallback policy allows it.
//
// # Session Descriptions
//
// DESCRIBE bodies are rendered with pion's SDP encoder. Beyond the
// mandatory MJPEG media description the server advertises optional clock
// and stream metadata attribute groups, each gated by configuration.
package rtsp
