package nanortsp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/nanortsp/camera"
	"github.com/opd-ai/nanortsp/limits"
	"github.com/opd-ai/nanortsp/rtsp"
	"github.com/opd-ai/nanortsp/timecode"
	"github.com/opd-ai/nanortsp/transport"
)

// acceptPollTimeout bounds the per-tick check for a pending connection.
const acceptPollTimeout = time.Millisecond

// ErrNilSource indicates a server was created without a frame source.
var ErrNilSource = errors.New("frame source cannot be nil")

// Options contains configuration options for creating a Server instance.
type Options struct {
	// ListenAddr is the RTSP TCP listen address.
	ListenAddr string

	// StreamPath is the RTSP media path clients request.
	StreamPath string

	// HTTPPathToken is the sibling HTTP viewer path also accepted by
	// RTSP path validation.
	HTTPPathToken string

	// ServerName is advertised in the Server response header.
	ServerName string

	TargetFPS int
	MinFPS    int
	ClockRate int

	// Quality is the RTP JPEG header quality hint.
	Quality int

	// Width and Height are the advertised stream dimensions.
	Width  int
	Height int

	// MaxSessions caps concurrent clients; connections beyond the cap
	// are accepted and immediately closed.
	MaxSessions int

	// MaxUDPPacket and MaxTCPPacket are total RTP packet ceilings.
	MaxUDPPacket int
	MaxTCPPacket int

	Fallback          transport.FallbackPolicy
	TimecodeMode      timecode.Mode
	AdaptiveFramerate bool

	SessionName string
	SessionInfo string

	// SDP feature flags.
	EnableClockMetadata      bool
	EnableMJPEGMetadata      bool
	SignalKeyframes          bool
	EnableVideoCompatibility bool
	ProfileBaseline          bool
	EnableCodecInfo          bool
	KeyframeInterval         int
}

// NewOptions creates a new default Options matching the reference
// configuration.
func NewOptions() *Options {
	return &Options{
		ListenAddr:               ":8554",
		StreamPath:               "/stream=0",
		HTTPPathToken:            "/mjpeg",
		ServerName:               "NanoRTSP-Multi/1.0",
		TargetFPS:                limits.DefaultFramerate,
		MinFPS:                   limits.MinFramerate,
		ClockRate:                limits.RTPClockRate,
		Quality:                  25,
		Width:                    800,
		Height:                   600,
		MaxSessions:              limits.MaxSessions,
		MaxUDPPacket:             limits.MaxUDPPacket,
		MaxTCPPacket:             limits.MaxTCPPacket,
		Fallback:                 transport.FallbackAuto,
		TimecodeMode:             timecode.ModeAdvanced,
		AdaptiveFramerate:        true,
		SessionName:              "NanoRTSP Stream",
		SessionInfo:              "MJPEG video stream",
		EnableClockMetadata:      true,
		EnableMJPEGMetadata:      true,
		SignalKeyframes:          true,
		EnableVideoCompatibility: true,
		ProfileBaseline:          true,
		EnableCodecInfo:          true,
		KeyframeInterval:         1,
	}
}

// sessionConfig maps server options onto the per-session configuration.
func (o *Options) sessionConfig() rtsp.Config {
	return rtsp.Config{
		StreamPath:        o.StreamPath,
		HTTPPathToken:     o.HTTPPathToken,
		ServerName:        o.ServerName,
		ClockRate:         o.ClockRate,
		TargetFPS:         o.TargetFPS,
		MinFPS:            o.MinFPS,
		MaxUDPPacket:      o.MaxUDPPacket,
		MaxTCPPacket:      o.MaxTCPPacket,
		Quality:           o.Quality,
		Fallback:          o.Fallback,
		TimecodeMode:      o.TimecodeMode,
		AdaptiveFramerate: o.AdaptiveFramerate,
		SDP: rtsp.SDPConfig{
			SessionName:              o.SessionName,
			SessionInfo:              o.SessionInfo,
			StreamPath:               o.StreamPath,
			ClockRate:                o.ClockRate,
			Framerate:                o.TargetFPS,
			Width:                    o.Width,
			Height:                   o.Height,
			MaxFragmentSize:          o.MaxUDPPacket,
			CompatQuality:            o.Quality,
			KeyframeInterval:         o.KeyframeInterval,
			EnableClockMetadata:      o.EnableClockMetadata,
			EnableMJPEGMetadata:      o.EnableMJPEGMetadata,
			SignalKeyframes:          o.SignalKeyframes,
			EnableVideoCompatibility: o.EnableVideoCompatibility,
			ProfileBaseline:          o.ProfileBaseline,
			EnableCodecInfo:          o.EnableCodecInfo,
		},
	}
}

// Server is a multi-client RTSP streaming server instance. It owns the
// listener and the session set; all session work happens inside
// Iterate, which the caller is expected to run in a loop paced by
// IterationInterval.
type Server struct {
	mu sync.Mutex

	options  *Options
	source   camera.Source
	listener *net.TCPListener
	config   rtsp.Config

	sessions      []*rtsp.Session
	running       bool
	iterationTime time.Duration
}

// New creates a new Server instance with the given options, streaming
// frames from the given source.
func New(options *Options, source camera.Source) (*Server, error) {
	if options == nil {
		options = NewOptions()
	}
	if source == nil {
		return nil, ErrNilSource
	}

	ln, err := net.Listen("tcp", options.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind RTSP listener: %w", err)
	}
	tcpListener, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("unexpected listener type %T", ln)
	}

	s := &Server{
		options:       options,
		source:        source,
		listener:      tcpListener,
		config:        options.sessionConfig(),
		running:       true,
		iterationTime: 10 * time.Millisecond,
	}

	logrus.WithFields(logrus.Fields{
		"function":     "New",
		"listen_addr":  tcpListener.Addr().String(),
		"stream_path":  options.StreamPath,
		"max_sessions": options.MaxSessions,
		"target_fps":   options.TargetFPS,
	}).Info("RTSP server created")

	return s, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// IsRunning checks if the server instance is still running.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// IterationInterval returns the recommended interval between iterations.
func (s *Server) IterationInterval() time.Duration {
	return s.iterationTime
}

// Iterate performs a single iteration of the server event loop: accept
// at most one pending connection, reap ended sessions, then step every
// live session once.
func (s *Server) Iterate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.acceptPending()
	s.reapSessions()
	s.stepSessions()
}

// acceptPending admits at most one waiting connection per tick.
// Connections beyond the session cap are closed without sending any
// RTSP bytes.
func (s *Server) acceptPending() {
	_ = s.listener.SetDeadline(time.Now().Add(acceptPollTimeout))

	conn, err := s.listener.Accept()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "acceptPending",
			"error":    err.Error(),
		}).Warn("accept failed")
		return
	}

	if len(s.sessions) >= s.options.MaxSessions {
		logrus.WithFields(logrus.Fields{
			"function":     "acceptPending",
			"remote":       conn.RemoteAddr().String(),
			"max_sessions": s.options.MaxSessions,
		}).Warn("session capacity reached, rejecting connection")
		_ = conn.Close()
		return
	}

	sess := rtsp.NewSession(conn, uuid.New().String(), s.source, s.config)
	s.sessions = append(s.sessions, sess)

	logrus.WithFields(logrus.Fields{
		"function":   "acceptPending",
		"session_id": sess.ID(),
		"remote":     conn.RemoteAddr().String(),
		"sessions":   len(s.sessions),
	}).Info("client connected")
}

// reapSessions closes and removes sessions that have ended, releasing
// their transports and connections.
func (s *Server) reapSessions() {
	live := s.sessions[:0]
	for _, sess := range s.sessions {
		if sess.Done() {
			_ = sess.Close()
			logrus.WithFields(logrus.Fields{
				"function":   "reapSessions",
				"session_id": sess.ID(),
			}).Info("session reaped")
			continue
		}
		live = append(live, sess)
	}
	for i := len(live); i < len(s.sessions); i++ {
		s.sessions[i] = nil
	}
	s.sessions = live
}

// stepSessions advances every live session by one tick. A fault in one
// session never propagates to the others.
func (s *Server) stepSessions() {
	for _, sess := range s.sessions {
		s.stepSession(sess)
	}
}

func (s *Server) stepSession(sess *rtsp.Session) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "stepSession",
				"session_id": sess.ID(),
				"panic":      fmt.Sprintf("%v", r),
			}).Error("session step panicked, closing session")
			_ = sess.Close()
		}
	}()
	sess.Step()
}

// Kill stops the server instance and releases all resources.
func (s *Server) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false

	_ = s.listener.Close()

	for _, sess := range s.sessions {
		_ = sess.Close()
	}
	s.sessions = nil

	logrus.WithFields(logrus.Fields{
		"function": "Kill",
	}).Info("RTSP server stopped")
}
