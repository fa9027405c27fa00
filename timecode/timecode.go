// Package timecode generates monotonic PTS/DTS pairs and clock metadata
// for RTP streaming.
//
// Each streaming session owns one Generator. The generator derives
// presentation timestamps from a frame counter and the configured clock
// rate, enforces that timestamps are never zero and never move backwards,
// and exposes read-only clock and MJPEG metadata snapshots for session
// description generation.
//
// Design principles:
// - Frame-counter arithmetic is the authoritative PTS source
// - The monotonicity correction is the sole fallback when it stalls
// - Wall-clock accessors never return zero
package timecode

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Mode selects which fields a generated timecode populates.
type Mode uint8

const (
	// ModeBasic derives PTS and DTS from the wall clock.
	ModeBasic Mode = iota
	// ModeAdvanced derives PTS and DTS from frame-counter arithmetic.
	ModeAdvanced
	// ModeExpert is ModeAdvanced plus a synchronization flag embedded in
	// the clock reference when an external time source is synchronized.
	ModeExpert
)

// String returns a human-readable mode name.
func (m Mode) String() string {
	switch m {
	case ModeBasic:
		return "basic"
	case ModeAdvanced:
		return "advanced"
	case ModeExpert:
		return "expert"
	default:
		return "unknown"
	}
}

// SyncStatus reports external clock synchronization state.
type SyncStatus uint8

const (
	// SyncNone indicates no external synchronization.
	SyncNone SyncStatus = iota
	// SyncOK indicates the clock is synchronized with an external source.
	SyncOK
	// SyncPending indicates synchronization is in progress.
	SyncPending
)

// Timecode precision levels advertised in MJPEG metadata.
const (
	PrecisionHigh   = 1
	PrecisionMedium = 2
	PrecisionLow    = 3
)

// SyncFlag is set in a timecode's clock reference in expert mode when an
// external time source has been synchronized.
const SyncFlag = 0x80000000

// DefaultMetadataQuality is the quality factor advertised in MJPEG
// metadata snapshots.
const DefaultMetadataQuality = 85

// Timecode is one generated PTS/DTS pair with its clock context.
type Timecode struct {
	PTS            uint32
	DTS            uint32
	ClockReference uint32
	WallClock      uint32 // milliseconds since the generator's reference clock
}

// ClockMetadata is a read-only clock snapshot used for session
// description generation.
type ClockMetadata struct {
	NTPTimestamp uint32
	RTPTimestamp uint32
	WallClockMS  uint32
	SyncStatus   SyncStatus
	Mode         Mode
}

// MJPEGMetadata is a read-only stream description snapshot used for
// session description generation.
type MJPEGMetadata struct {
	QualityFactor uint8
	Width         uint16
	Height        uint16
	Precision     uint8
	Fragmentation bool
}

// Generator produces timecodes for one streaming session.
//
// The reference clock is the generator's creation time. The frame counter
// increments once per generated timecode and is forced to at least 1
// before use, so the first timecode of a stream is always nonzero.
type Generator struct {
	mode      Mode
	clockRate uint32
	targetFPS uint32
	monotonic bool

	start        time.Time
	frameCounter uint32
	lastPTS      uint32

	ntpSynced    bool
	ntpTimestamp uint32
	syncStatus   SyncStatus

	timeProvider TimeProvider
}

// NewGenerator creates a timecode generator for one session.
//
// clockRate is the RTP clock rate in Hz and targetFPS the configured frame
// rate; zero values select 90000 Hz and 15 FPS. The monotonic policy is
// enabled by default.
func NewGenerator(mode Mode, clockRate, targetFPS uint32) *Generator {
	if clockRate == 0 {
		clockRate = 90000
	}
	if targetFPS == 0 {
		targetFPS = 15
	}

	g := &Generator{
		mode:         mode,
		clockRate:    clockRate,
		targetFPS:    targetFPS,
		monotonic:    true,
		start:        defaultTimeProvider.Now(),
		syncStatus:   SyncNone,
		timeProvider: defaultTimeProvider,
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewGenerator",
		"mode":       mode.String(),
		"clock_rate": clockRate,
		"target_fps": targetFPS,
	}).Debug("Timecode generator created")

	return g
}

// SetTimeProvider sets the time provider for deterministic testing and
// re-anchors the reference clock to the provider's current time.
func (g *Generator) SetTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = defaultTimeProvider
	}
	g.timeProvider = tp
	g.start = tp.Now()
}

// SetMonotonic enables or disables the strictly-increasing PTS policy.
func (g *Generator) SetMonotonic(enabled bool) {
	g.monotonic = enabled
}

// Next generates the timecode for the next frame.
//
// The frame counter advances by one. PTS derivation depends on the mode;
// all modes share the nonzero floor (one frame period) and, when the
// monotonic policy is active, the strictly-increasing enforcement.
func (g *Generator) Next() Timecode {
	g.frameCounter++
	if g.frameCounter == 0 {
		g.frameCounter = 1
	}

	wallClock := g.WallClockMS()

	var tc Timecode
	switch g.mode {
	case ModeAdvanced, ModeExpert:
		tc.PTS = g.ptsForFrame(g.frameCounter)
		tc.DTS = tc.PTS
		tc.ClockReference = wallClock
		tc.WallClock = wallClock
		if g.mode == ModeExpert && g.ntpSynced {
			tc.ClockReference |= SyncFlag
		}
	default:
		tc.PTS = g.CurrentTimestamp()
		tc.DTS = tc.PTS
		tc.ClockReference = wallClock
		tc.WallClock = wallClock
	}

	period := g.framePeriod()
	if tc.PTS == 0 {
		tc.PTS = period
	}
	if tc.DTS == 0 {
		tc.DTS = tc.PTS
	}

	if g.monotonic {
		if tc.PTS <= g.lastPTS {
			tc.PTS = g.lastPTS + period
		}
		if tc.DTS <= g.lastPTS {
			tc.DTS = tc.PTS
		}
	}

	// DTS never exceeds PTS for JPEG; every frame is self-contained.
	if tc.DTS > tc.PTS {
		tc.DTS = tc.PTS
	}

	g.lastPTS = tc.PTS

	logrus.WithFields(logrus.Fields{
		"function": "Generator.Next",
		"pts":      tc.PTS,
		"dts":      tc.DTS,
		"frame":    g.frameCounter,
	}).Debug("Timecode generated")

	return tc
}

// WallClockMS returns elapsed milliseconds since the reference clock,
// floored to 1.
func (g *Generator) WallClockMS() uint32 {
	elapsed := uint32(g.timeProvider.Since(g.start).Milliseconds())
	if elapsed == 0 {
		elapsed = 1
	}
	return elapsed
}

// CurrentTimestamp returns the wall clock converted to RTP timestamp
// units, never zero.
func (g *Generator) CurrentTimestamp() uint32 {
	ts := g.MSToRTPTimestamp(g.WallClockMS())
	if ts == 0 {
		ts = g.framePeriod()
	}
	return ts
}

// MSToRTPTimestamp converts milliseconds to RTP timestamp units.
func (g *Generator) MSToRTPTimestamp(ms uint32) uint32 {
	return uint32(uint64(ms) * uint64(g.clockRate) / 1000)
}

// RTPTimestampToMS converts RTP timestamp units to milliseconds.
func (g *Generator) RTPTimestampToMS(ts uint32) uint32 {
	return uint32(uint64(ts) * 1000 / uint64(g.clockRate))
}

// ResetFrameCounter restarts the frame counter and the monotonic baseline.
// Called when playback (re)starts after a fresh transport setup.
func (g *Generator) ResetFrameCounter() {
	g.frameCounter = 0
	g.lastPTS = 0

	logrus.WithFields(logrus.Fields{
		"function": "Generator.ResetFrameCounter",
	}).Debug("Frame counter reset")
}

// FrameCounter returns the current frame counter value.
func (g *Generator) FrameCounter() uint32 {
	return g.frameCounter
}

// MarkSynchronized records a successful external clock synchronization.
func (g *Generator) MarkSynchronized(ntpTimestamp uint32) {
	g.ntpSynced = true
	g.ntpTimestamp = ntpTimestamp
	g.syncStatus = SyncOK

	logrus.WithFields(logrus.Fields{
		"function":      "Generator.MarkSynchronized",
		"ntp_timestamp": ntpTimestamp,
	}).Info("Clock synchronized with external source")
}

// SetSyncStatus overrides the synchronization status.
func (g *Generator) SetSyncStatus(status SyncStatus) {
	g.syncStatus = status
	if status != SyncOK {
		g.ntpSynced = false
	}
}

// Synchronized reports whether the clock is synchronized with an external
// source.
func (g *Generator) Synchronized() bool {
	return g.syncStatus == SyncOK
}

// ClockMetadata returns a clock snapshot for session description
// generation.
func (g *Generator) ClockMetadata() ClockMetadata {
	return ClockMetadata{
		NTPTimestamp: g.ntpTimestamp,
		RTPTimestamp: g.CurrentTimestamp(),
		WallClockMS:  g.WallClockMS(),
		SyncStatus:   g.syncStatus,
		Mode:         g.mode,
	}
}

// MJPEGMetadata returns a stream description snapshot for the given
// dimensions.
func (g *Generator) MJPEGMetadata(width, height uint16) MJPEGMetadata {
	return MJPEGMetadata{
		QualityFactor: DefaultMetadataQuality,
		Width:         width,
		Height:        height,
		Precision:     PrecisionMedium,
		Fragmentation: true,
	}
}

// ptsForFrame computes the presentation timestamp for a frame number.
// One frame period is clockRate / targetFPS RTP units.
func (g *Generator) ptsForFrame(frame uint32) uint32 {
	pts := frame * g.framePeriod()
	if pts == 0 && frame > 0 {
		pts = g.framePeriod()
	}
	return pts
}

// framePeriod returns one frame duration in RTP timestamp units.
func (g *Generator) framePeriod() uint32 {
	return g.clockRate / g.targetFPS
}
