package transport

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/nanortsp/limits"
)

// GovernorConfig tunes the adaptive framerate governor.
type GovernorConfig struct {
	// TargetFPS is the rate the governor climbs back toward when the
	// transport is healthy.
	TargetFPS int

	// MinFPS is the floor the governor never steps below.
	MinFPS int

	// StepUp is the increment applied after a clean window.
	StepUp int

	// StepDown is the decrement applied after an error-heavy window.
	StepDown int

	// Window is the minimum spacing between evaluations.
	Window time.Duration

	// ErrorThreshold is the consecutive-error count that triggers a
	// step-down.
	ErrorThreshold int
}

// DefaultGovernorConfig returns the governor tuning used in production.
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		TargetFPS:      limits.DefaultFramerate,
		MinFPS:         limits.MinFramerate,
		StepUp:         limits.FramerateStepUp,
		StepDown:       limits.FramerateStepDown,
		Window:         limits.AdaptiveWindowMS * time.Millisecond,
		ErrorThreshold: limits.UDPErrorThreshold,
	}
}

// FramerateGovernor adjusts a session's delivery rate from transport
// health. Sustained UDP errors step the rate down toward the floor;
// clean windows step it back up toward the target. Evaluations are
// spaced by the window regardless of outcome, so a burst of errors
// cannot collapse the rate in one tick.
type FramerateGovernor struct {
	mu             sync.Mutex
	config         GovernorConfig
	current        int
	lastEvaluation time.Time
	timeProvider   TimeProvider
}

// NewFramerateGovernor creates a governor starting at the target rate.
// Zero or inverted config fields fall back to the defaults.
func NewFramerateGovernor(config GovernorConfig) *FramerateGovernor {
	def := DefaultGovernorConfig()

	if config.TargetFPS <= 0 {
		config.TargetFPS = def.TargetFPS
	}
	if config.MinFPS <= 0 {
		config.MinFPS = def.MinFPS
	}
	if config.MinFPS > config.TargetFPS {
		config.MinFPS = config.TargetFPS
	}
	if config.StepUp <= 0 {
		config.StepUp = def.StepUp
	}
	if config.StepDown <= 0 {
		config.StepDown = def.StepDown
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = def.ErrorThreshold
	}

	return &FramerateGovernor{
		config:       config,
		current:      config.TargetFPS,
		timeProvider: DefaultTimeProvider{},
	}
}

// SetTimeProvider replaces the governor's time source. Passing nil
// restores the default provider.
func (g *FramerateGovernor) SetTimeProvider(tp TimeProvider) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	g.timeProvider = tp
}

// Evaluate considers one adjustment from the current consecutive-error
// count. Calls inside the window are no-ops. The evaluation timestamp
// advances whether or not the rate changes, so a healthy stream at
// target rate still consumes its window. Returns true when the rate
// changed.
func (g *FramerateGovernor) Evaluate(errorCount int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.timeProvider.Now()
	if !g.lastEvaluation.IsZero() && now.Sub(g.lastEvaluation) <= g.config.Window {
		return false
	}
	g.lastEvaluation = now

	switch {
	case errorCount >= g.config.ErrorThreshold:
		next := g.current - g.config.StepDown
		if next < g.config.MinFPS {
			next = g.config.MinFPS
		}
		if next == g.current {
			return false
		}
		g.current = next

		logrus.WithFields(logrus.Fields{
			"function":    "Evaluate",
			"error_count": errorCount,
			"framerate":   g.current,
		}).Info("stepping framerate down")

		return true

	case errorCount == 0 && g.current < g.config.TargetFPS:
		next := g.current + g.config.StepUp
		if next > g.config.TargetFPS {
			next = g.config.TargetFPS
		}
		g.current = next

		logrus.WithFields(logrus.Fields{
			"function":  "Evaluate",
			"framerate": g.current,
		}).Info("stepping framerate up")

		return true
	}

	return false
}

// Current returns the governed rate in frames per second.
func (g *FramerateGovernor) Current() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.current
}

// Interval returns the frame emission interval for the governed rate.
func (g *FramerateGovernor) Interval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	return time.Second / time.Duration(g.current)
}

// Target returns the configured target rate in frames per second.
func (g *FramerateGovernor) Target() int {
	return g.config.TargetFPS
}

// Reset restores the target rate, used when playback starts on a fresh
// SETUP. The evaluation window is left untouched.
func (g *FramerateGovernor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.current = g.config.TargetFPS
}
