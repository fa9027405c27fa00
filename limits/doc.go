// Package limits provides centralized protocol constants and validation
// functions for the RTSP/RTP streaming engine. This package ensures
// consistent limit enforcement across all components of the server.
//
// # Constant Groups
//
// The package defines several groups of constants:
//
//   - Wire format sizes (RTPHeaderSize, JPEGHeaderSize): fixed header
//     lengths from RFC 3550 and RFC 2435. Every emitted packet is exactly
//     RTPHeaderSize + JPEGHeaderSize + payload bytes.
//
//   - Packet ceilings (MaxUDPPacket, MaxTCPPacket): the total packet size
//     per fragment, headers included. The UDP ceiling is deliberately
//     smaller to keep datagrams well under typical MTUs on lossy links.
//
//   - Resilience knobs (UDPRetryCount, UDPErrorThreshold, UDPResetThreshold,
//     the delay constants): drive the transport layer's retry, reset and
//     fallback behavior.
//
//   - Adaptive framerate knobs (AdaptiveWindowMS, FramerateStepDown,
//     FramerateStepUp): drive the per-session framerate governor.
//
// # Validation Functions
//
// ValidateJPEGFrame checks a captured buffer before packetization:
//
//	err := limits.ValidateJPEGFrame(frame.Data)
//	if err != nil {
//	    // Treated as a capture failure, never sent on the wire.
//	}
//
// ValidateFragmentSize checks a payload slice against a transport ceiling:
//
//	err := limits.ValidateFragmentSize(payload, limits.MaxUDPPacket)
//
// # Error Types
//
// The package provides structured errors with context:
//
//   - ErrFrameEmpty: an empty or nil buffer was provided
//   - ErrFrameMissingSOI: the buffer lacks a start-of-image marker
//   - ErrFrameMissingEOI: the buffer lacks an end-of-image marker
//   - ErrFragmentTooLarge: a payload exceeds the transport ceiling
package limits
