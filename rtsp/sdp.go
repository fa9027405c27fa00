package rtsp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/opd-ai/nanortsp/limits"
	"github.com/opd-ai/nanortsp/timecode"
)

// SDPConfig selects the content of the DESCRIBE session description.
// The boolean flags gate whole attribute groups: a disabled flag omits
// its lines entirely rather than emitting placeholders.
type SDPConfig struct {
	SessionName string
	SessionInfo string
	StreamPath  string
	ClockRate   int
	Framerate   int

	// Width and Height are the advertised stream dimensions.
	Width  int
	Height int

	// MaxFragmentSize is the advertised RTP packet ceiling.
	MaxFragmentSize int

	// CompatQuality is the RTP JPEG header quality hint, distinct from
	// the metadata quality factor carried in a=quality.
	CompatQuality int

	KeyframeInterval int

	EnableClockMetadata      bool
	EnableMJPEGMetadata      bool
	SignalKeyframes          bool
	EnableVideoCompatibility bool
	ProfileBaseline          bool
	EnableCodecInfo          bool
}

// BuildSDP renders the session description returned by DESCRIBE. The
// origin line carries two wall-clock values and the server IP taken
// from the control connection; clock and MJPEG metadata snapshots come
// from the session's timecode generator.
func BuildSDP(cfg SDPConfig, serverIP string, clock timecode.ClockMetadata, mjpeg timecode.MJPEGMetadata) ([]byte, error) {
	if cfg.ClockRate <= 0 {
		cfg.ClockRate = limits.RTPClockRate
	}
	if cfg.Framerate <= 0 {
		cfg.Framerate = limits.DefaultFramerate
	}

	addrType := "IP4"
	if strings.Contains(serverIP, ":") {
		addrType = "IP6"
	}

	wall := uint64(clock.WallClockMS)

	session := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      wall,
			SessionVersion: wall,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: serverIP,
		},
		SessionName: sdp.SessionName(cfg.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: serverIP},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		Attributes: []sdp.Attribute{
			attr("control", "*"),
			attr("type", "broadcast"),
			attr("range", "npt=0-"),
		},
	}

	if cfg.SessionInfo != "" {
		info := sdp.Information(cfg.SessionInfo)
		session.SessionInformation = &info
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "video",
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(limits.RTPPayloadTypeJPEG)},
		},
		Attributes: []sdp.Attribute{
			attr("rtpmap", fmt.Sprintf("%d JPEG/%d", limits.RTPPayloadTypeJPEG, cfg.ClockRate)),
			attr("control", cfg.StreamPath),
			attr("framerate", strconv.Itoa(cfg.Framerate)),
			attr("framerate", strconv.FormatFloat(float64(cfg.Framerate), 'f', 1, 64)),
		},
	}

	if cfg.EnableClockMetadata {
		media.Attributes = append(media.Attributes, clockAttributes(clock)...)
	}
	if cfg.EnableMJPEGMetadata {
		media.Attributes = append(media.Attributes, mjpegAttributes(cfg, mjpeg)...)
	}

	session.MediaDescriptions = append(session.MediaDescriptions, media)

	data, err := session.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session description: %w", err)
	}
	return data, nil
}

// clockAttributes renders the clock metadata group. The ntp line is
// present only while the clock reports synchronized.
func clockAttributes(clock timecode.ClockMetadata) []sdp.Attribute {
	attrs := []sdp.Attribute{
		attr("clock", strconv.FormatUint(uint64(clock.RTPTimestamp), 10)),
		attr("wallclock", strconv.FormatUint(uint64(clock.WallClockMS), 10)),
	}

	if clock.SyncStatus == timecode.SyncOK {
		attrs = append(attrs,
			attr("ntp", strconv.FormatUint(uint64(clock.NTPTimestamp), 10)),
			attr("clock-sync", "1"),
		)
	} else {
		attrs = append(attrs, attr("clock-sync", "0"))
	}

	return append(attrs, attr("timecode-mode", strconv.Itoa(int(clock.Mode))))
}

// mjpegAttributes renders the MJPEG metadata group, with its nested
// flag-gated subgroups.
func mjpegAttributes(cfg SDPConfig, mjpeg timecode.MJPEGMetadata) []sdp.Attribute {
	attrs := []sdp.Attribute{
		attr("quality", strconv.Itoa(int(mjpeg.QualityFactor))),
		attr("width", strconv.Itoa(int(mjpeg.Width))),
		attr("height", strconv.Itoa(int(mjpeg.Height))),
		attr("precision", strconv.Itoa(int(mjpeg.Precision))),
	}

	if mjpeg.Fragmentation {
		attrs = append(attrs,
			attr("fragmentation", "1"),
			attr("max-fragment-size", strconv.Itoa(cfg.MaxFragmentSize)),
		)
	}

	attrs = append(attrs,
		attr("mjpeg", "1"),
		attr("keyframe-only", "1"),
	)

	if cfg.SignalKeyframes {
		attrs = append(attrs, attr("keyframe-interval", strconv.Itoa(cfg.KeyframeInterval)))
	}

	if cfg.EnableVideoCompatibility {
		attrs = append(attrs,
			attr("video-compatibility", "1"),
			attr("mjpeg-quality", strconv.Itoa(cfg.CompatQuality)),
		)
		if cfg.ProfileBaseline {
			attrs = append(attrs, attr("mjpeg-profile", "baseline"))
		}
	}

	if cfg.EnableCodecInfo {
		attrs = append(attrs,
			attr("codec", "mjpeg"),
			attr("codec-version", "1.0"),
			attr("codec-profile", "baseline"),
			attr("codec-level", "1"),
		)
	}

	return append(attrs,
		attr("frame-duration", fmt.Sprintf("%dms", 1000/cfg.Framerate)),
		attr("clock-rate", strconv.Itoa(cfg.ClockRate)),
	)
}

func attr(key, value string) sdp.Attribute {
	return sdp.Attribute{Key: key, Value: value}
}
