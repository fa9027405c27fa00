package rtsp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/nanortsp/camera"
	"github.com/opd-ai/nanortsp/limits"
	"github.com/opd-ai/nanortsp/rtp"
	"github.com/opd-ai/nanortsp/timecode"
	"github.com/opd-ai/nanortsp/transport"
)

const (
	// readPollTimeout bounds the per-tick check for pending request
	// bytes. Sessions with nothing to say cost one short poll.
	readPollTimeout = time.Millisecond

	// requestReadTimeout bounds reading one full request header block
	// once its first byte has arrived.
	requestReadTimeout = 250 * time.Millisecond

	// responseWriteTimeout bounds writing one response or one frame's
	// interleaved packets.
	responseWriteTimeout = time.Second

	// healthCheckInterval spaces the periodic UDP health log.
	healthCheckInterval = 10 * time.Second

	// recentErrorWindow is how far back a UDP error still counts as
	// recent for the health log.
	recentErrorWindow = 5 * time.Second
)

// State is the session's position in the RTSP lifecycle.
type State uint8

const (
	StateInit State = iota
	StateReady
	StatePlaying
	StatePaused
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config carries the per-session tuning shared by every session of one
// server.
type Config struct {
	// StreamPath is the RTSP media path, e.g. "/stream=0".
	StreamPath string

	// HTTPPathToken is the sibling HTTP viewer path accepted during
	// path validation for cross-protocol requests.
	HTTPPathToken string

	// ServerName is the Server header value.
	ServerName string

	ClockRate int
	TargetFPS int
	MinFPS    int

	// MaxUDPPacket and MaxTCPPacket are total RTP packet ceilings per
	// transport.
	MaxUDPPacket int
	MaxTCPPacket int

	// Quality is the RTP JPEG header quality hint.
	Quality int

	Fallback          transport.FallbackPolicy
	TimecodeMode      timecode.Mode
	AdaptiveFramerate bool

	SDP SDPConfig
}

// Session is one RTSP control connection and its streaming state. All
// methods are called from the owning server's scheduler tick; a Session
// is not safe for concurrent use.
type Session struct {
	id     string
	conn   net.Conn
	reader *bufio.Reader
	source camera.Source
	config Config

	state      State
	freshSetup bool
	closed     bool

	writer        transport.PacketWriter
	udpWriter     *transport.UDPWriter
	transportSpec *TransportSpec

	packetizer *rtp.Packetizer
	seq        rtp.Sequence
	generator  *timecode.Generator
	governor   *transport.FramerateGovernor

	lastFrameTime   time.Time
	lastHealthCheck time.Time

	timeProvider transport.TimeProvider
}

// NewSession wraps an accepted control connection. The id is assigned
// by the owning server; sessions never generate their own.
func NewSession(conn net.Conn, id string, source camera.Source, config Config) *Session {
	if config.MaxUDPPacket <= 0 {
		config.MaxUDPPacket = limits.MaxUDPPacket
	}
	if config.MaxTCPPacket <= 0 {
		config.MaxTCPPacket = limits.MaxTCPPacket
	}

	packetizer := rtp.NewPacketizer()
	if config.Quality > 0 && config.Quality <= 255 {
		packetizer.SetQuality(uint8(config.Quality))
	}

	s := &Session{
		id:         id,
		conn:       conn,
		reader:     bufio.NewReaderSize(conn, limits.MaxRequestLine),
		source:     source,
		config:     config,
		state:      StateInit,
		packetizer: packetizer,
		generator:  timecode.NewGenerator(config.TimecodeMode, uint32(config.ClockRate), uint32(config.TargetFPS)),
		governor: transport.NewFramerateGovernor(transport.GovernorConfig{
			TargetFPS: config.TargetFPS,
			MinFPS:    config.MinFPS,
		}),
		timeProvider: transport.DefaultTimeProvider{},
	}
	s.lastHealthCheck = s.timeProvider.Now()

	logrus.WithFields(logrus.Fields{
		"function":   "NewSession",
		"session_id": id,
		"remote":     conn.RemoteAddr().String(),
	}).Info("RTSP session created")

	return s
}

// SetTimeProvider replaces the session's scheduling clock. Passing nil
// restores the default provider. Connection deadlines always use real
// time.
func (s *Session) SetTimeProvider(tp transport.TimeProvider) {
	if tp == nil {
		tp = transport.DefaultTimeProvider{}
	}
	s.timeProvider = tp
	s.lastHealthCheck = tp.Now()
}

// ID returns the session identifier echoed in Session headers.
func (s *Session) ID() string { return s.id }

// State returns the session's lifecycle state.
func (s *Session) State() State { return s.state }

// Done reports whether the session has ended and should be reaped.
func (s *Session) Done() bool { return s.closed }

// Close releases the transport and the control connection. Idempotent.
func (s *Session) Close() error {
	s.releaseTransport()
	s.closed = true
	s.state = StateClosed
	return s.conn.Close()
}

// Step runs one scheduler tick: consume at most one pending request,
// then emit at most one frame if playing.
func (s *Session) Step() {
	if s.closed {
		return
	}

	s.processRequest()
	if s.closed {
		return
	}

	s.maybeSendFrame()
	s.healthCheck()
}

// processRequest polls for pending bytes and handles one request when a
// full header block is available.
func (s *Session) processRequest() {
	_ = s.conn.SetReadDeadline(time.Now().Add(readPollTimeout))
	if _, err := s.reader.Peek(1); err != nil {
		if isTimeout(err) {
			return
		}
		s.markClosed("control connection closed")
		return
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(requestReadTimeout))
	req, err := ParseRequest(s.reader)
	_ = s.conn.SetReadDeadline(time.Time{})

	if err != nil {
		switch {
		case isTimeout(err):
			logrus.WithFields(logrus.Fields{
				"function":   "processRequest",
				"session_id": s.id,
			}).Warn("timed out reading request header block")
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			s.markClosed("control connection closed")
		default:
			// Malformed framing desynchronizes the stream; answer and
			// drop the connection.
			s.respond(NewResponse(StatusBadRequest, limits.DefaultCSeq))
			s.markClosed("malformed request")
		}
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "processRequest",
		"session_id": s.id,
		"method":     req.RawMethod,
		"path":       req.Path,
		"cseq":       req.CSeq,
	}).Debug("RTSP request received")

	s.dispatch(req)
}

// dispatch routes one parsed request to its handler.
func (s *Session) dispatch(req *Request) {
	switch req.Method {
	case MethodOptions:
		s.handleOptions(req)
	case MethodDescribe:
		s.handleDescribe(req)
	case MethodSetup:
		s.handleSetup(req)
	case MethodPlay:
		s.handlePlay(req)
	case MethodPause:
		s.handlePause(req)
	case MethodTeardown:
		s.handleTeardown(req)
	default:
		logrus.WithFields(logrus.Fields{
			"function":   "dispatch",
			"session_id": s.id,
			"method":     req.RawMethod,
		}).Warn("unsupported RTSP method")
		s.respond(NewResponse(StatusNotImplemented, req.CSeq))
	}
}

func (s *Session) handleOptions(req *Request) {
	resp := NewResponse(StatusOK, req.CSeq).
		AddHeader("Public", "OPTIONS, DESCRIBE, SETUP, PLAY, PAUSE, TEARDOWN").
		AddHeader("Server", s.config.ServerName)
	s.respond(resp)
}

func (s *Session) handleDescribe(req *Request) {
	if !s.validPath(req.Path) {
		s.respond(NewResponse(StatusNotFound, req.CSeq))
		return
	}

	body, err := BuildSDP(s.config.SDP, s.localIP(),
		s.generator.ClockMetadata(),
		s.generator.MJPEGMetadata(uint16(s.config.SDP.Width), uint16(s.config.SDP.Height)))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleDescribe",
			"session_id": s.id,
			"error":      err.Error(),
		}).Error("session description generation failed")
		s.respond(NewResponse(StatusInternalServerError, req.CSeq))
		return
	}

	resp := NewResponse(StatusOK, req.CSeq).
		SetBody("application/sdp", body).
		AddHeader("Server", s.config.ServerName)
	s.respond(resp)

	if s.state == StateInit {
		s.state = StateReady
	}
}

func (s *Session) handleSetup(req *Request) {
	if !s.validPath(req.Path) {
		s.respond(NewResponse(StatusNotFound, req.CSeq))
		return
	}
	if s.state == StatePlaying {
		s.respond(NewResponse(StatusMethodNotValidInState, req.CSeq))
		return
	}
	if req.Transport == "" {
		logrus.WithFields(logrus.Fields{
			"function":   "handleSetup",
			"session_id": s.id,
		}).Warn("Transport header missing in SETUP")
		s.respond(NewResponse(StatusBadRequest, req.CSeq))
		return
	}

	spec, err := ParseTransport(req.Transport, s.config.Fallback == transport.FallbackForceTCP)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleSetup",
			"session_id": s.id,
			"transport":  req.Transport,
			"error":      err.Error(),
		}).Warn("transport negotiation failed")
		s.respond(NewResponse(StatusBadRequest, req.CSeq))
		return
	}

	if spec.Interleaved {
		s.setupInterleaved(req, spec)
	} else {
		s.setupUDP(req, spec)
	}
}

// setupInterleaved negotiates TCP-interleaved transport. No socket is
// allocated; packets ride the control connection.
func (s *Session) setupInterleaved(req *Request, spec *TransportSpec) {
	s.releaseTransport()
	s.writer = transport.NewInterleavedWriter(s.conn, spec.RTPChannel)
	s.transportSpec = spec
	s.afterSetup()

	logrus.WithFields(logrus.Fields{
		"function":    "setupInterleaved",
		"session_id":  s.id,
		"rtp_channel": spec.RTPChannel,
	}).Info("TCP interleaved transport configured")

	resp := NewResponse(StatusOK, req.CSeq).
		AddHeader("Transport", fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d",
			spec.RTPChannel, spec.RTCPChannel)).
		AddHeader("Session", s.id).
		AddHeader("Server", s.config.ServerName)
	s.respond(resp)
}

// setupUDP binds a server-side RTP socket targeting the client's
// announced port. Bind failure leaves the session without a transport
// so PLAY remains invalid.
func (s *Session) setupUDP(req *Request, spec *TransportSpec) {
	dest := &net.UDPAddr{IP: s.remoteIP(), Port: spec.ClientRTPPort}

	writer, err := transport.NewUDPWriter(dest)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "setupUDP",
			"session_id": s.id,
			"error":      err.Error(),
		}).Error("UDP transport allocation failed")
		s.respond(NewResponse(StatusInternalServerError, req.CSeq))
		return
	}

	s.releaseTransport()
	s.writer = writer
	s.udpWriter = writer
	s.transportSpec = spec
	s.afterSetup()

	serverPort := writer.ServerPort()

	logrus.WithFields(logrus.Fields{
		"function":    "setupUDP",
		"session_id":  s.id,
		"client_addr": dest.String(),
		"server_port": serverPort,
	}).Info("UDP transport configured")

	resp := NewResponse(StatusOK, req.CSeq).
		AddHeader("Transport", fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d;server_port=%d-%d",
			spec.ClientRTPPort, spec.ClientRTCPPort, serverPort, serverPort+1)).
		AddHeader("Session", s.id).
		AddHeader("Server", s.config.ServerName)
	s.respond(resp)
}

// afterSetup records the state change shared by both transport modes.
func (s *Session) afterSetup() {
	s.freshSetup = true
	if s.state == StateInit {
		s.state = StateReady
	}
}

func (s *Session) handlePlay(req *Request) {
	if !s.validPath(req.Path) {
		s.respond(NewResponse(StatusNotFound, req.CSeq))
		return
	}
	if s.writer == nil {
		s.respond(NewResponse(StatusMethodNotValidInState, req.CSeq))
		return
	}

	resp := NewResponse(StatusOK, req.CSeq).
		AddHeader("Session", s.id).
		AddHeader("Range", "npt=0.000-").
		AddHeader("Server", s.config.ServerName)
	s.respond(resp)
	if s.closed {
		return
	}

	if s.freshSetup {
		s.seq.Reset()
		s.governor.Reset()
		s.generator.ResetFrameCounter()
		if s.udpWriter != nil {
			s.udpWriter.ResetErrors()
		}
		s.freshSetup = false
	}

	s.lastFrameTime = time.Time{}
	s.state = StatePlaying

	logrus.WithFields(logrus.Fields{
		"function":   "handlePlay",
		"session_id": s.id,
		"framerate":  s.governor.Current(),
		"transport":  s.writer.Mode().String(),
	}).Info("RTSP playback started")
}

func (s *Session) handlePause(req *Request) {
	resp := NewResponse(StatusOK, req.CSeq).
		AddHeader("Session", s.id).
		AddHeader("Server", s.config.ServerName)
	s.respond(resp)

	if s.state == StatePlaying {
		s.state = StatePaused
		logrus.WithFields(logrus.Fields{
			"function":   "handlePause",
			"session_id": s.id,
		}).Info("RTSP playback paused")
	}
}

func (s *Session) handleTeardown(req *Request) {
	resp := NewResponse(StatusOK, req.CSeq).
		AddHeader("Session", s.id).
		AddHeader("Server", s.config.ServerName)
	s.respond(resp)

	s.releaseTransport()
	s.state = StateClosed
	s.closed = true

	logrus.WithFields(logrus.Fields{
		"function":   "handleTeardown",
		"session_id": s.id,
	}).Info("RTSP session closed")
}

// maybeSendFrame evaluates the adaptive governor and emits one frame
// when the emission interval has elapsed.
func (s *Session) maybeSendFrame() {
	if s.state != StatePlaying {
		return
	}

	now := s.timeProvider.Now()

	if s.config.AdaptiveFramerate {
		errorCount := 0
		if s.udpWriter != nil {
			errorCount = s.udpWriter.ConsecutiveErrors()
		}
		s.governor.Evaluate(errorCount)
	}

	interval := s.governor.Interval()
	if !s.lastFrameTime.IsZero() {
		elapsed := now.Sub(s.lastFrameTime)
		if elapsed < interval {
			return
		}
		// Diagnostic tolerance band, scheduling is unaffected.
		if elapsed < interval-interval/10 || elapsed > interval+interval/5 {
			logrus.WithFields(logrus.Fields{
				"function":    "maybeSendFrame",
				"session_id":  s.id,
				"expected_ms": interval.Milliseconds(),
				"actual_ms":   elapsed.Milliseconds(),
			}).Warn("frame timing deviation detected")
		}
	}

	s.sendFrame()
	s.lastFrameTime = now
}

// sendFrame generates this frame's timecode and dispatches to the
// active transport.
func (s *Session) sendFrame() {
	tc := s.generator.Next()

	if s.writer.Mode() == transport.ModeTCPInterleaved {
		s.sendFrameInterleaved(tc.PTS)
		return
	}
	s.sendFrameUDP(tc.PTS)
}

// sendFrameUDP captures, fragments and sends one frame over UDP. An
// exhausted packet promotes the session to TCP-interleaved when the
// policy allows, and the frame is then resent whole over TCP;
// otherwise the failure is recorded and the frame abandoned. The
// captured buffer is released exactly once on every path.
func (s *Session) sendFrameUDP(pts uint32) {
	frame := s.source.Capture()
	if frame == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "sendFrameUDP",
			"session_id": s.id,
		}).Debug("no frame available")
		return
	}

	fragments, err := s.packetizer.Packetize(frame, &s.seq, pts, s.config.MaxUDPPacket)
	if err != nil {
		s.source.Release(frame)
		logrus.WithFields(logrus.Fields{
			"function":   "sendFrameUDP",
			"session_id": s.id,
			"error":      err.Error(),
		}).Warn("frame rejected before send")
		return
	}

	promoted := false
	for i, frag := range fragments {
		if err := s.writer.WritePacket(frag.Header, frag.Payload); err != nil {
			if errors.Is(err, transport.ErrSendExhausted) &&
				s.config.Fallback != transport.FallbackDisabled && !s.closed {
				s.promoteToInterleaved()
				promoted = true
			} else if s.udpWriter != nil {
				s.udpWriter.RecordError()
			}
			break
		}

		if i < len(fragments)-1 {
			s.paceFragments(i + 1)
		}
	}

	s.source.Release(frame)

	if promoted {
		s.sendFrameInterleaved(pts)
	}
}

// paceFragments spaces UDP fragment bursts, doubling the pause while
// recent errors persist.
func (s *Session) paceFragments(sent int) {
	if sent%2 != 0 {
		return
	}

	delay := limits.UDPFragmentDelayMS * time.Millisecond
	if s.udpWriter != nil && s.udpWriter.ConsecutiveErrors() > 0 {
		delay *= 2
	}
	s.timeProvider.Sleep(delay)
}

// promoteToInterleaved switches the session to TCP-interleaved for the
// remainder of the stream, releasing the UDP socket. Promotion uses
// channels 0-1 regardless of the original negotiation.
func (s *Session) promoteToInterleaved() {
	logrus.WithFields(logrus.Fields{
		"function":   "promoteToInterleaved",
		"session_id": s.id,
	}).Info("promoting session to TCP interleaved after UDP failures")

	s.releaseTransport()
	s.writer = transport.NewInterleavedWriter(s.conn, 0)
	s.transportSpec = &TransportSpec{Interleaved: true, RTPChannel: 0, RTCPChannel: 1}
}

// sendFrameInterleaved captures without rate limiting and sends one
// frame on the control connection. Any write failure aborts the
// remaining fragments; connection loss is detected by the read path.
func (s *Session) sendFrameInterleaved(pts uint32) {
	frame := s.source.CaptureForced()
	if frame == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "sendFrameInterleaved",
			"session_id": s.id,
		}).Warn("forced capture failed")
		return
	}
	defer s.source.Release(frame)

	fragments, err := s.packetizer.Packetize(frame, &s.seq, pts, s.config.MaxTCPPacket)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "sendFrameInterleaved",
			"session_id": s.id,
			"error":      err.Error(),
		}).Warn("frame rejected before send")
		return
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(responseWriteTimeout))
	defer func() { _ = s.conn.SetWriteDeadline(time.Time{}) }()

	for _, frag := range fragments {
		if err := s.writer.WritePacket(frag.Header, frag.Payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "sendFrameInterleaved",
				"session_id": s.id,
				"error":      err.Error(),
			}).Warn("interleaved send aborted")
			return
		}
	}
}

// healthCheck logs recent UDP trouble every ten seconds while playing
// over UDP. Diagnostic only; recovery is owned by the writer.
func (s *Session) healthCheck() {
	if s.state != StatePlaying || s.udpWriter == nil {
		return
	}

	now := s.timeProvider.Now()
	if now.Sub(s.lastHealthCheck) <= healthCheckInterval {
		return
	}
	s.lastHealthCheck = now

	errorCount := s.udpWriter.ConsecutiveErrors()
	if errorCount > 0 && now.Sub(s.udpWriter.LastErrorTime()) < recentErrorWindow {
		logrus.WithFields(logrus.Fields{
			"function":    "healthCheck",
			"session_id":  s.id,
			"error_count": errorCount,
		}).Info("UDP health check - recent errors detected")
	}
}

// respond writes one response on the control connection. A write
// failure marks the session closed.
func (s *Session) respond(resp *Response) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(responseWriteTimeout))
	defer func() { _ = s.conn.SetWriteDeadline(time.Time{}) }()

	if _, err := resp.WriteTo(s.conn); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "respond",
			"session_id": s.id,
			"status":     resp.Status(),
			"error":      err.Error(),
		}).Warn("response write failed")
		s.markClosed("response write failure")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "respond",
		"session_id": s.id,
		"status":     resp.Status(),
	}).Debug("RTSP response sent")
}

// validPath accepts the RTSP media path and the sibling HTTP path
// token.
func (s *Session) validPath(path string) bool {
	return path == s.config.StreamPath || path == s.config.HTTPPathToken
}

// releaseTransport closes and clears the active packet writer.
func (s *Session) releaseTransport() {
	if s.writer != nil {
		_ = s.writer.Close()
		s.writer = nil
	}
	s.udpWriter = nil
}

// markClosed ends the session without touching the control connection;
// the owning server closes it at reap time.
func (s *Session) markClosed(reason string) {
	if s.closed {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "markClosed",
		"session_id": s.id,
		"reason":     reason,
	}).Info("RTSP session ended")

	s.releaseTransport()
	s.state = StateClosed
	s.closed = true
}

// remoteIP extracts the client IP from the control connection, the
// destination for UDP packets.
func (s *Session) remoteIP() net.IP {
	if addr, ok := s.conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP
	}
	if host, _, err := net.SplitHostPort(s.conn.RemoteAddr().String()); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

// localIP is the server address advertised in the session description,
// taken from the interface the client actually reached.
func (s *Session) localIP() string {
	if addr, ok := s.conn.LocalAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	if host, _, err := net.SplitHostPort(s.conn.LocalAddr().String()); err == nil {
		return host
	}
	return "0.0.0.0"
}

// isTimeout reports whether an error is a read deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
