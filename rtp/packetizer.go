// Package rtp provides RTP/JPEG packetization for the streaming engine.
//
// This package converts JPEG frames into RTP packets per RFC 2435. It
// uses the pion/rtp library for standards-compliant RTP header handling
// and appends the 8-byte JPEG payload header manually, since the payload
// format carries a fragment offset that pion's generic packetizers do not
// model.
//
// Design principles:
// - One Packetize call yields every fragment of one frame, in offset order
// - The marker bit is set only on the final fragment
// - Sequence numbers advance by exactly one per packet and never emit 0
package rtp

import (
	"fmt"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/nanortsp/camera"
	"github.com/opd-ai/nanortsp/limits"
)

// DefaultQuality is the Q factor hint carried in every JPEG payload
// header. Decoders treat it as a compatibility hint only; the actual
// quantization tables travel inside each self-contained JPEG frame.
const DefaultQuality = 25

// jpegTypeBaseline is the RFC 2435 type field for 4:2:2 baseline frames.
const jpegTypeBaseline = 0

// Sequence tracks the RTP sequence number for one session. It wraps
// 65535 to 1, never emitting 0 mid-stream.
type Sequence struct {
	n uint16
}

// Next advances and returns the next sequence number. The first call
// after a reset returns 1.
func (s *Sequence) Next() uint16 {
	s.n++
	if s.n == 0 {
		s.n = 1
	}
	return s.n
}

// Current returns the most recently issued sequence number.
func (s *Sequence) Current() uint16 {
	return s.n
}

// Reset restarts the sequence so the next packet is numbered 1.
func (s *Sequence) Reset() {
	s.n = 0
}

// Fragment is one RTP packet of a fragmented JPEG frame.
type Fragment struct {
	// Header holds the marshaled 12-byte RTP header followed by the
	// 8-byte JPEG payload header.
	Header []byte

	// Payload is a slice of the frame buffer; valid only until the frame
	// is released.
	Payload []byte

	// Offset is the fragment's byte offset into the JPEG frame.
	Offset int

	// Sequence is the packet's RTP sequence number.
	Sequence uint16

	// Marker reports whether this is the frame's final fragment.
	Marker bool
}

// Packetizer fragments JPEG frames into RTP packets.
//
// One Packetizer serves one session. The synchronization source is fixed
// for the process lifetime; concurrent sessions are distinguished by
// their own sequence and timestamp spaces.
type Packetizer struct {
	ssrc         uint32
	quality      uint8
	typeSpecific uint8
}

// NewPacketizer creates a packetizer with the fixed stream SSRC and the
// default quality hint.
func NewPacketizer() *Packetizer {
	return &Packetizer{
		ssrc:    limits.RTPSSRC,
		quality: DefaultQuality,
	}
}

// SetQuality overrides the Q factor hint placed in JPEG payload headers.
func (p *Packetizer) SetQuality(quality uint8) {
	p.quality = quality
}

// SetTypeSpecific overrides the type-specific byte, used as a keyframe
// compatibility hint by some decoders.
func (p *Packetizer) SetTypeSpecific(ts uint8) {
	p.typeSpecific = ts
}

// Packetize fragments one frame into RTP packets.
//
// maxPacket is the total packet ceiling for the active transport,
// headers included. seq advances by one per produced fragment, and pts is
// stamped on every fragment of the frame. The frame is validated before
// any fragment is produced; a failing frame yields no fragments.
//
// Returns the fragments in increasing offset order, with the marker bit
// set only on the last.
func (p *Packetizer) Packetize(frame *camera.Frame, seq *Sequence, pts uint32, maxPacket int) ([]Fragment, error) {
	if err := frame.Validate(); err != nil {
		return nil, fmt.Errorf("frame validation failed: %w", err)
	}
	if seq == nil {
		return nil, fmt.Errorf("sequence cannot be nil")
	}

	maxPayload := maxPacket - limits.RTPHeaderSize - limits.JPEGHeaderSize
	if maxPayload <= 0 {
		return nil, fmt.Errorf("packet ceiling %d leaves no payload room", maxPacket)
	}

	total := len(frame.Data)
	fragments := make([]Fragment, 0, (total+maxPayload-1)/maxPayload)

	for offset := 0; offset < total; {
		size := total - offset
		if size > maxPayload {
			size = maxPayload
		}
		last := offset+size >= total

		header := rtp.Header{
			Version:        2,
			Marker:         last,
			PayloadType:    limits.RTPPayloadTypeJPEG,
			SequenceNumber: seq.Next(),
			Timestamp:      pts,
			SSRC:           p.ssrc,
		}

		buf, err := header.Marshal()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal RTP header: %w", err)
		}
		buf = append(buf, p.jpegHeader(offset, frame.Width, frame.Height)...)

		fragments = append(fragments, Fragment{
			Header:   buf,
			Payload:  frame.Data[offset : offset+size],
			Offset:   offset,
			Sequence: header.SequenceNumber,
			Marker:   last,
		})

		offset += size
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Packetizer.Packetize",
		"frame_len": total,
		"fragments": len(fragments),
		"pts":       pts,
		"last_seq":  seq.Current(),
	}).Debug("Frame packetized")

	return fragments, nil
}

// jpegHeader builds the 8-byte RFC 2435 payload header: type-specific
// byte, 24-bit fragment offset, type, Q, and dimensions in 8-pixel units.
func (p *Packetizer) jpegHeader(offset, width, height int) []byte {
	return []byte{
		p.typeSpecific,
		byte(offset >> 16),
		byte(offset >> 8),
		byte(offset),
		jpegTypeBaseline,
		p.quality,
		byte(width / 8),
		byte(height / 8),
	}
}
