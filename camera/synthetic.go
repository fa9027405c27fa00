package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SyntheticSource serves a pre-encoded JPEG test pattern with the same
// rate-limiting and bounded-pool discipline as a hardware source. It is
// safe for concurrent use, so the RTSP engine and the HTTP viewer can
// share one instance.
type SyntheticSource struct {
	mu sync.Mutex

	data   []byte
	width  int
	height int

	minInterval time.Duration
	lastCapture time.Time

	outstanding    int
	maxOutstanding int
	captures       uint64

	timeProvider TimeProvider
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// NewSyntheticSource creates a source producing a width x height test
// pattern at the given frame rate. Dimensions should be multiples of 8 to
// match the RTP/JPEG header's 8-pixel units; zero values select 640x480
// at 15 FPS.
func NewSyntheticSource(width, height, fps int) (*SyntheticSource, error) {
	if width == 0 {
		width = 640
	}
	if height == 0 {
		height = 480
	}
	if fps <= 0 {
		fps = 15
	}

	data, err := encodeTestPattern(width, height)
	if err != nil {
		return nil, fmt.Errorf("failed to encode test pattern: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewSyntheticSource",
		"width":    width,
		"height":   height,
		"fps":      fps,
		"size":     len(data),
	}).Info("Synthetic frame source created")

	return &SyntheticSource{
		data:           data,
		width:          width,
		height:         height,
		minInterval:    time.Second / time.Duration(fps),
		maxOutstanding: 4,
		timeProvider:   DefaultTimeProvider{},
	}, nil
}

// SetTimeProvider sets the time provider for deterministic testing.
func (s *SyntheticSource) SetTimeProvider(tp TimeProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	s.timeProvider = tp
}

// Capture returns the next frame, or nil when called before the
// inter-frame interval has elapsed or when all buffers are outstanding.
func (s *SyntheticSource) Capture() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timeProvider.Now()
	if !s.lastCapture.IsZero() && now.Sub(s.lastCapture) < s.minInterval {
		return nil
	}
	return s.capture(now)
}

// CaptureForced returns the next frame without rate limiting, or nil when
// all buffers are outstanding.
func (s *SyntheticSource) CaptureForced() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.capture(s.timeProvider.Now())
}

// Release returns a frame to the source. Releasing nil is a no-op.
func (s *SyntheticSource) Release(f *Frame) {
	if f == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outstanding > 0 {
		s.outstanding--
	}
}

// Outstanding reports how many captured frames have not been released.
func (s *SyntheticSource) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

func (s *SyntheticSource) capture(now time.Time) *Frame {
	if s.outstanding >= s.maxOutstanding {
		logrus.WithFields(logrus.Fields{
			"function":    "SyntheticSource.capture",
			"outstanding": s.outstanding,
		}).Warn("Frame pool exhausted, capture refused")
		return nil
	}

	s.outstanding++
	s.captures++
	s.lastCapture = now

	return &Frame{
		Data:      s.data,
		Width:     s.width,
		Height:    s.height,
		Timestamp: now,
		Seq:       s.captures,
	}
}

// encodeTestPattern renders a color gradient and encodes it once; every
// frame shares the resulting read-only buffer.
func encodeTestPattern(width, height int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / width),
				G: uint8(y * 255 / height),
				B: uint8((x + y) * 255 / (width + height)),
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
