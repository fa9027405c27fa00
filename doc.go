// Package nanortsp implements a multi-client RTSP/RTP streaming server
// for Motion JPEG video.
//
// The server speaks the RTSP subset real player software needs (OPTIONS,
// DESCRIBE, SETUP, PLAY, PAUSE, TEARDOWN), fragments JPEG frames into
// RTP packets per RFC 2435, and delivers them over UDP or TCP
// interleaved on the control connection. Sessions streaming over UDP
// degrade gracefully: send failures are retried, the sender socket is
// rebound when trouble persists, the per-session framerate adapts to
// sustained errors, and a failing session is promoted to TCP delivery
// without interrupting playback.
//
// # Getting Started
//
// Create a server with options and a frame source, then drive the event
// loop:
//
//	options := nanortsp.NewOptions()
//	options.ListenAddr = ":8554"
//
//	source, err := camera.NewSyntheticSource(800, 600, 15)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	server, err := nanortsp.New(options, source)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Kill()
//
//	for server.IsRunning() {
//	    server.Iterate()
//	    time.Sleep(server.IterationInterval())
//	}
//
// Clients then play rtsp://host:8554/stream=0 with any standard player.
//
// # Core Types
//
// The package defines several core types:
//
//   - [Server]: Main facade owning the listener and session set
//   - [Options]: Configuration options for creating a new Server instance
//
// # Concurrency Model
//
// The engine is cooperatively scheduled: one Iterate call accepts at
// most one pending connection, reaps ended sessions, and steps every
// live session once. A session step consumes at most one pending
// request and emits at most one frame, so per-client cost stays bounded
// and no client can starve the others. Sessions never spawn goroutines;
// running the Iterate loop in a single dedicated goroutine is the
// expected deployment.
//
// # Session Capacity
//
// The server admits up to MaxSessions concurrent clients. Connections
// beyond the cap are accepted and immediately closed without sending
// any RTSP bytes, so waiting clients fail fast instead of hanging.
//
// # Integration Architecture
//
// This package serves as the main integration point, orchestrating:
//
//   - [rtsp]: request parsing, session state machine, SDP generation
//   - [rtp]: RTP/JPEG packetization (RFC 2435)
//   - [transport]: UDP and TCP-interleaved packet delivery with recovery
//   - [timecode]: monotonic PTS/DTS generation and clock metadata
//   - [camera]: the frame source contract and a synthetic test source
//   - [limits]: protocol constants and frame validation
package nanortsp
