package rtsp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/nanortsp/camera"
	"github.com/opd-ai/nanortsp/limits"
	"github.com/opd-ai/nanortsp/timecode"
	"github.com/opd-ai/nanortsp/transport"
)

const testSessionID = "31415926"

func testConfig() Config {
	return Config{
		StreamPath:        "/stream=0",
		HTTPPathToken:     "/mjpeg",
		ServerName:        "NanoRTSP-Multi/1.0",
		ClockRate:         limits.RTPClockRate,
		TargetFPS:         limits.DefaultFramerate,
		MinFPS:            limits.MinFramerate,
		MaxUDPPacket:      limits.MaxUDPPacket,
		MaxTCPPacket:      limits.MaxTCPPacket,
		Quality:           25,
		Fallback:          transport.FallbackAuto,
		TimecodeMode:      timecode.ModeAdvanced,
		AdaptiveFramerate: true,
		SDP: SDPConfig{
			SessionName:      "NanoRTSP Stream",
			SessionInfo:      "MJPEG video stream",
			StreamPath:       "/stream=0",
			ClockRate:        limits.RTPClockRate,
			Framerate:        limits.DefaultFramerate,
			Width:            800,
			Height:           600,
			MaxFragmentSize:  limits.MaxUDPPacket,
			CompatQuality:    25,
			KeyframeInterval: 1,
		},
	}
}

// stubSource hands out one fixed frame and counts the contract calls.
type stubSource struct {
	frame    *camera.Frame
	fail     bool
	captures int
	forced   int
	releases int
}

func newStubSource() *stubSource {
	return &stubSource{
		frame: &camera.Frame{Data: testJPEGFrame(2000), Width: 800, Height: 600},
	}
}

func (s *stubSource) Capture() *camera.Frame {
	s.captures++
	if s.fail {
		return nil
	}
	return s.frame
}

func (s *stubSource) CaptureForced() *camera.Frame {
	s.forced++
	if s.fail {
		return nil
	}
	return s.frame
}

func (s *stubSource) Release(*camera.Frame) { s.releases++ }

// testJPEGFrame builds a frame of the given size with valid start and
// end markers.
func testJPEGFrame(size int) []byte {
	if size < 4 {
		size = 4
	}
	data := make([]byte, size)
	data[0] = limits.JPEGMarkerPrefix
	data[1] = limits.JPEGMarkerSOI
	for i := 2; i < size-2; i++ {
		data[i] = byte(i)
	}
	data[size-2] = limits.JPEGMarkerPrefix
	data[size-1] = limits.JPEGMarkerEOI
	return data
}

// exhaustedWriter fails every send with the retry exhaustion sentinel.
type exhaustedWriter struct{ closed bool }

func (w *exhaustedWriter) WritePacket(header, payload []byte) error {
	return transport.ErrSendExhausted
}
func (w *exhaustedWriter) Mode() transport.Mode { return transport.ModeUDP }

func (w *exhaustedWriter) Close() error { w.closed = true; return nil }

// recordingWriter counts successful sends.
type recordingWriter struct{ packets int }

func (w *recordingWriter) WritePacket(header, payload []byte) error {
	w.packets++
	return nil
}
func (w *recordingWriter) Mode() transport.Mode { return transport.ModeUDP }

func (w *recordingWriter) Close() error { return nil }

// sessionClock is an injectable scheduling clock.
type sessionClock struct {
	now time.Time
}

func newSessionClock() *sessionClock {
	return &sessionClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *sessionClock) Now() time.Time { return c.now }

func (c *sessionClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

func (c *sessionClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newConnPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn, err}
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	res := <-ch
	require.NoError(t, res.err)

	t.Cleanup(func() {
		_ = client.Close()
		_ = res.conn.Close()
	})
	return client, res.conn
}

func newTestSessionWithConfig(t *testing.T, cfg Config) (*Session, net.Conn, *stubSource) {
	t.Helper()

	client, server := newConnPair(t)
	source := newStubSource()
	sess := NewSession(server, testSessionID, source, cfg)
	t.Cleanup(func() { _ = sess.Close() })
	return sess, client, source
}

func newTestSession(t *testing.T) (*Session, net.Conn, *stubSource) {
	t.Helper()
	return newTestSessionWithConfig(t, testConfig())
}

// testClient drives the session from the client side of the control
// connection.
type testClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func newTestClient(conn net.Conn) *testClient {
	return &testClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(t *testing.T, request string) {
	t.Helper()
	_, err := c.conn.Write([]byte(request))
	require.NoError(t, err)
	// Let loopback delivery land before the session polls.
	time.Sleep(20 * time.Millisecond)
}

func (c *testClient) roundTrip(t *testing.T, sess *Session, request string) *testResponse {
	t.Helper()
	c.send(t, request)
	sess.Step()
	return c.readResponse(t)
}

type testResponse struct {
	status  string
	headers map[string]string
	order   []string
	body    []byte
}

func (c *testClient) readResponse(t *testing.T) *testResponse {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	line, err := c.r.ReadString('\n')
	require.NoError(t, err)

	resp := &testResponse{
		status:  strings.TrimRight(line, "\r\n"),
		headers: make(map[string]string),
	}

	for {
		line, err = c.r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ": ")
		require.True(t, ok, "malformed header line %q", line)
		resp.headers[name] = value
		resp.order = append(resp.order, name)
	}

	if cl, ok := resp.headers["Content-Length"]; ok {
		n, err := strconv.Atoi(cl)
		require.NoError(t, err)
		resp.body = make([]byte, n)
		_, err = io.ReadFull(c.r, resp.body)
		require.NoError(t, err)
	}

	return resp
}

// readInterleavedFrame reads dollar-framed packets off the control
// connection until the marker bit closes the frame.
func (c *testClient) readInterleavedFrame(t *testing.T) [][]byte {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var packets [][]byte
	for {
		var prefix [4]byte
		_, err := io.ReadFull(c.r, prefix[:])
		require.NoError(t, err)
		require.Equal(t, byte('$'), prefix[0])
		assert.Equal(t, byte(0), prefix[1])

		length := int(prefix[2])<<8 | int(prefix[3])
		packet := make([]byte, length)
		_, err = io.ReadFull(c.r, packet)
		require.NoError(t, err)

		packets = append(packets, packet)
		if rtpMarker(packet) {
			return packets
		}
	}
}

func (c *testClient) expectNoData(t *testing.T) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err := c.r.Peek(1)
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func rtspRequest(method, path string, cseq int, extra ...string) string {
	uri := path
	if path != "*" {
		uri = "rtsp://127.0.0.1:8554" + path
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", method, uri)
	fmt.Fprintf(&b, "CSeq: %d\r\n", cseq)
	for _, h := range extra {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

func newUDPClient(t *testing.T) (*net.UDPConn, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr).Port
}

func readUDPPacket(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 2048)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n]
}

// readUDPFrame collects one frame's fragments, delimited by the marker
// bit.
func readUDPFrame(t *testing.T, conn *net.UDPConn) [][]byte {
	t.Helper()
	var packets [][]byte
	for {
		p := readUDPPacket(t, conn)
		require.GreaterOrEqual(t, len(p), limits.RTPHeaderSize+limits.JPEGHeaderSize)
		packets = append(packets, p)
		if rtpMarker(p) {
			return packets
		}
	}
}

func expectNoUDPPacket(t *testing.T, conn *net.UDPConn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	buf := make([]byte, 2048)
	_, _, err := conn.ReadFromUDP(buf)
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func rtpSeq(packet []byte) uint16 { return binary.BigEndian.Uint16(packet[2:4]) }

func rtpPTS(packet []byte) uint32 { return binary.BigEndian.Uint32(packet[4:8]) }

func rtpSSRC(packet []byte) uint32 { return binary.BigEndian.Uint32(packet[8:12]) }

func rtpMarker(packet []byte) bool { return packet[1]&0x80 != 0 }

func rtpPayloadType(p []byte) uint8 { return p[1] & 0x7F }

func setupUDPTransport(t *testing.T, sess *Session, cl *testClient, udpPort, cseq int) *testResponse {
	t.Helper()
	resp := cl.roundTrip(t, sess, rtspRequest("SETUP", "/stream=0", cseq,
		fmt.Sprintf("Transport: RTP/AVP;unicast;client_port=%d-%d", udpPort, udpPort+1)))
	require.Equal(t, "RTSP/1.0 "+StatusOK, resp.status)
	return resp
}

func TestSessionOptions(t *testing.T) {
	sess, client, _ := newTestSession(t)
	cl := newTestClient(client)

	resp := cl.roundTrip(t, sess, rtspRequest("OPTIONS", "*", 1))

	assert.Equal(t, "RTSP/1.0 "+StatusOK, resp.status)
	assert.Equal(t, "1", resp.headers["CSeq"])
	assert.Equal(t, "OPTIONS, DESCRIBE, SETUP, PLAY, PAUSE, TEARDOWN", resp.headers["Public"])
	assert.Equal(t, "NanoRTSP-Multi/1.0", resp.headers["Server"])
	assert.Equal(t, []string{"CSeq", "Public", "Server"}, resp.order)
	assert.Equal(t, StateInit, sess.State())
}

func TestSessionCSeqEcho(t *testing.T) {
	sess, client, _ := newTestSession(t)
	cl := newTestClient(client)

	resp := cl.roundTrip(t, sess, rtspRequest("OPTIONS", "*", 42))
	assert.Equal(t, "42", resp.headers["CSeq"])

	// Missing CSeq falls back to the default.
	resp = cl.roundTrip(t, sess, "OPTIONS * RTSP/1.0\r\n\r\n")
	assert.Equal(t, "1", resp.headers["CSeq"])
}

func TestSessionDescribe(t *testing.T) {
	sess, client, _ := newTestSession(t)
	cl := newTestClient(client)

	resp := cl.roundTrip(t, sess, rtspRequest("DESCRIBE", "/stream=0", 2))

	assert.Equal(t, "RTSP/1.0 "+StatusOK, resp.status)
	assert.Equal(t, "application/sdp", resp.headers["Content-Type"])
	assert.Equal(t, "NanoRTSP-Multi/1.0", resp.headers["Server"])

	body := string(resp.body)
	assert.Contains(t, body, "m=video 0 RTP/AVP 26")
	assert.Contains(t, body, "a=rtpmap:26 JPEG/90000")
	assert.Contains(t, body, "a=control:/stream=0")
	assert.Contains(t, body, "c=IN IP4 127.0.0.1")

	assert.Equal(t, StateReady, sess.State())
}

func TestSessionDescribeAcceptsViewerPath(t *testing.T) {
	sess, client, _ := newTestSession(t)
	cl := newTestClient(client)

	resp := cl.roundTrip(t, sess, rtspRequest("DESCRIBE", "/mjpeg", 2))
	assert.Equal(t, "RTSP/1.0 "+StatusOK, resp.status)
}

func TestSessionDescribeUnknownPath(t *testing.T) {
	sess, client, _ := newTestSession(t)
	cl := newTestClient(client)

	resp := cl.roundTrip(t, sess, rtspRequest("DESCRIBE", "/nonexistent", 3))

	assert.Equal(t, "RTSP/1.0 "+StatusNotFound, resp.status)
	assert.Equal(t, []string{"CSeq"}, resp.order)
	assert.Equal(t, StateInit, sess.State())
}

func TestSessionSetupUDP(t *testing.T) {
	sess, client, _ := newTestSession(t)
	cl := newTestClient(client)
	_, udpPort := newUDPClient(t)

	resp := setupUDPTransport(t, sess, cl, udpPort, 2)

	transportHeader := resp.headers["Transport"]
	assert.True(t, strings.HasPrefix(transportHeader,
		fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d;server_port=", udpPort, udpPort+1)),
		"unexpected transport header %q", transportHeader)
	assert.Equal(t, testSessionID, resp.headers["Session"])
	assert.Equal(t, "NanoRTSP-Multi/1.0", resp.headers["Server"])
	assert.Equal(t, StateReady, sess.State())
	require.NotNil(t, sess.writer)
	assert.Equal(t, transport.ModeUDP, sess.writer.Mode())
}

func TestSessionSetupInterleaved(t *testing.T) {
	sess, client, _ := newTestSession(t)
	cl := newTestClient(client)

	resp := cl.roundTrip(t, sess, rtspRequest("SETUP", "/stream=0", 2,
		"Transport: RTP/AVP/TCP;unicast;interleaved=0-1"))

	assert.Equal(t, "RTSP/1.0 "+StatusOK, resp.status)
	assert.Equal(t, "RTP/AVP/TCP;unicast;interleaved=0-1", resp.headers["Transport"])
	assert.Equal(t, testSessionID, resp.headers["Session"])
	assert.Equal(t, StateReady, sess.State())
	require.NotNil(t, sess.writer)
	assert.Equal(t, transport.ModeTCPInterleaved, sess.writer.Mode())
}

func TestSessionSetupForceTCPOverridesClient(t *testing.T) {
	cfg := testConfig()
	cfg.Fallback = transport.FallbackForceTCP
	sess, client, _ := newTestSessionWithConfig(t, cfg)
	cl := newTestClient(client)
	_, udpPort := newUDPClient(t)

	resp := cl.roundTrip(t, sess, rtspRequest("SETUP", "/stream=0", 2,
		fmt.Sprintf("Transport: RTP/AVP;unicast;client_port=%d-%d", udpPort, udpPort+1)))

	assert.Equal(t, "RTSP/1.0 "+StatusOK, resp.status)
	assert.Equal(t, "RTP/AVP/TCP;unicast;interleaved=0-1", resp.headers["Transport"])
	assert.Equal(t, transport.ModeTCPInterleaved, sess.writer.Mode())
}

func TestSessionSetupRejections(t *testing.T) {
	tests := []struct {
		name    string
		request string
		want    string
	}{
		{
			name:    "unknown path",
			request: rtspRequest("SETUP", "/nonexistent", 2, "Transport: RTP/AVP;unicast;client_port=5000-5001"),
			want:    StatusNotFound,
		},
		{
			name:    "missing Transport header",
			request: rtspRequest("SETUP", "/stream=0", 2),
			want:    StatusBadRequest,
		},
		{
			name:    "zero client port",
			request: rtspRequest("SETUP", "/stream=0", 2, "Transport: RTP/AVP;unicast;client_port=0-0"),
			want:    StatusBadRequest,
		},
		{
			name:    "missing client_port",
			request: rtspRequest("SETUP", "/stream=0", 2, "Transport: RTP/AVP;unicast"),
			want:    StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, client, _ := newTestSession(t)
			cl := newTestClient(client)

			resp := cl.roundTrip(t, sess, tt.request)
			assert.Equal(t, "RTSP/1.0 "+tt.want, resp.status)
			assert.Equal(t, []string{"CSeq"}, resp.order)
		})
	}
}

func TestSessionSetupWhilePlaying(t *testing.T) {
	sess, client, _ := newTestSession(t)
	cl := newTestClient(client)
	udpConn, udpPort := newUDPClient(t)

	setupUDPTransport(t, sess, cl, udpPort, 2)
	resp := cl.roundTrip(t, sess, rtspRequest("PLAY", "/stream=0", 3))
	require.Equal(t, "RTSP/1.0 "+StatusOK, resp.status)
	readUDPFrame(t, udpConn)

	resp = cl.roundTrip(t, sess, rtspRequest("SETUP", "/stream=0", 4,
		fmt.Sprintf("Transport: RTP/AVP;unicast;client_port=%d-%d", udpPort, udpPort+1)))
	assert.Equal(t, "RTSP/1.0 "+StatusMethodNotValidInState, resp.status)
	assert.Equal(t, StatePlaying, sess.State())
}

func TestSessionPlayWithoutTransport(t *testing.T) {
	sess, client, _ := newTestSession(t)
	cl := newTestClient(client)

	cl.roundTrip(t, sess, rtspRequest("DESCRIBE", "/stream=0", 2))
	resp := cl.roundTrip(t, sess, rtspRequest("PLAY", "/stream=0", 3))

	assert.Equal(t, "RTSP/1.0 "+StatusMethodNotValidInState, resp.status)
	assert.Equal(t, StateReady, sess.State())
}

func TestSessionPlayStreamsOverUDP(t *testing.T) {
	sess, client, source := newTestSession(t)
	cl := newTestClient(client)
	udpConn, udpPort := newUDPClient(t)

	clock := newSessionClock()
	sess.SetTimeProvider(clock)

	setupUDPTransport(t, sess, cl, udpPort, 2)

	resp := cl.roundTrip(t, sess, rtspRequest("PLAY", "/stream=0", 3))
	require.Equal(t, "RTSP/1.0 "+StatusOK, resp.status)
	assert.Equal(t, "npt=0.000-", resp.headers["Range"])
	assert.Equal(t, testSessionID, resp.headers["Session"])
	assert.Equal(t, StatePlaying, sess.State())

	// A 2000 byte frame against the 600 byte packet ceiling yields four
	// fragments.
	packets := readUDPFrame(t, udpConn)
	require.Len(t, packets, 4)

	framePeriod := uint32(limits.RTPClockRate / limits.DefaultFramerate)
	for i, p := range packets {
		assert.Equal(t, byte(0x80), p[0])
		assert.Equal(t, uint8(limits.RTPPayloadTypeJPEG), rtpPayloadType(p))
		assert.Equal(t, uint16(i+1), rtpSeq(p))
		assert.Equal(t, framePeriod, rtpPTS(p))
		assert.Equal(t, uint32(limits.RTPSSRC), rtpSSRC(p))
		assert.Equal(t, i == len(packets)-1, rtpMarker(p))

		jpeg := p[limits.RTPHeaderSize:]
		offset := int(jpeg[1])<<16 | int(jpeg[2])<<8 | int(jpeg[3])
		assert.Equal(t, i*580, offset)
		assert.Equal(t, byte(25), jpeg[5])
		assert.Equal(t, byte(100), jpeg[6])
		assert.Equal(t, byte(75), jpeg[7])
	}

	assert.Equal(t, 1, source.captures)
	assert.Equal(t, 1, source.releases)

	// No second frame until the emission interval elapses.
	sess.Step()
	expectNoUDPPacket(t, udpConn)

	clock.advance(70 * time.Millisecond)
	sess.Step()
	packets = readUDPFrame(t, udpConn)
	require.Len(t, packets, 4)
	assert.Equal(t, uint16(5), rtpSeq(packets[0]))
	assert.Equal(t, 2*framePeriod, rtpPTS(packets[0]))
}

func TestSessionPauseAndResume(t *testing.T) {
	sess, client, _ := newTestSession(t)
	cl := newTestClient(client)
	udpConn, udpPort := newUDPClient(t)

	clock := newSessionClock()
	sess.SetTimeProvider(clock)

	setupUDPTransport(t, sess, cl, udpPort, 2)
	cl.roundTrip(t, sess, rtspRequest("PLAY", "/stream=0", 3))
	readUDPFrame(t, udpConn)

	resp := cl.roundTrip(t, sess, rtspRequest("PAUSE", "/stream=0", 4))
	assert.Equal(t, "RTSP/1.0 "+StatusOK, resp.status)
	assert.Equal(t, StatePaused, sess.State())

	clock.advance(200 * time.Millisecond)
	sess.Step()
	expectNoUDPPacket(t, udpConn)

	// Resuming without a new SETUP continues the sequence space.
	resp = cl.roundTrip(t, sess, rtspRequest("PLAY", "/stream=0", 5))
	require.Equal(t, "RTSP/1.0 "+StatusOK, resp.status)
	assert.Equal(t, StatePlaying, sess.State())

	packets := readUDPFrame(t, udpConn)
	assert.Equal(t, uint16(5), rtpSeq(packets[0]))
}

func TestSessionFreshSetupResetsStream(t *testing.T) {
	sess, client, _ := newTestSession(t)
	cl := newTestClient(client)
	udpConn, udpPort := newUDPClient(t)

	clock := newSessionClock()
	sess.SetTimeProvider(clock)

	setupUDPTransport(t, sess, cl, udpPort, 2)
	cl.roundTrip(t, sess, rtspRequest("PLAY", "/stream=0", 3))
	first := readUDPFrame(t, udpConn)

	clock.advance(70 * time.Millisecond)
	sess.Step()
	readUDPFrame(t, udpConn)

	cl.roundTrip(t, sess, rtspRequest("PAUSE", "/stream=0", 4))

	// A fresh SETUP before PLAY restarts sequence numbers and timestamps.
	setupUDPTransport(t, sess, cl, udpPort, 5)
	cl.roundTrip(t, sess, rtspRequest("PLAY", "/stream=0", 6))

	restarted := readUDPFrame(t, udpConn)
	assert.Equal(t, uint16(1), rtpSeq(restarted[0]))
	assert.Equal(t, rtpPTS(first[0]), rtpPTS(restarted[0]))
}

func TestSessionPlayStreamsInterleaved(t *testing.T) {
	sess, client, source := newTestSession(t)
	cl := newTestClient(client)

	clock := newSessionClock()
	sess.SetTimeProvider(clock)

	cl.roundTrip(t, sess, rtspRequest("SETUP", "/stream=0", 2,
		"Transport: RTP/AVP/TCP;unicast;interleaved=0-1"))
	resp := cl.roundTrip(t, sess, rtspRequest("PLAY", "/stream=0", 3))
	require.Equal(t, "RTSP/1.0 "+StatusOK, resp.status)

	// A 2000 byte frame against the 1400 byte packet ceiling yields two
	// fragments.
	packets := cl.readInterleavedFrame(t)
	require.Len(t, packets, 2)
	assert.Equal(t, uint16(1), rtpSeq(packets[0]))
	assert.Equal(t, uint16(2), rtpSeq(packets[1]))
	assert.False(t, rtpMarker(packets[0]))
	assert.True(t, rtpMarker(packets[1]))
	assert.Equal(t, rtpPTS(packets[0]), rtpPTS(packets[1]))

	// Interleaved delivery captures without rate limiting.
	assert.Equal(t, 1, source.forced)
	assert.Equal(t, 1, source.releases)
}

func TestSessionTeardown(t *testing.T) {
	tests := []struct {
		name  string
		drive func(t *testing.T, sess *Session, cl *testClient, udpConn *net.UDPConn, udpPort int)
	}{
		{
			name:  "from init",
			drive: func(t *testing.T, sess *Session, cl *testClient, udpConn *net.UDPConn, udpPort int) {},
		},
		{
			name: "from ready",
			drive: func(t *testing.T, sess *Session, cl *testClient, udpConn *net.UDPConn, udpPort int) {
				cl.roundTrip(t, sess, rtspRequest("DESCRIBE", "/stream=0", 2))
			},
		},
		{
			name: "while playing",
			drive: func(t *testing.T, sess *Session, cl *testClient, udpConn *net.UDPConn, udpPort int) {
				setupUDPTransport(t, sess, cl, udpPort, 2)
				cl.roundTrip(t, sess, rtspRequest("PLAY", "/stream=0", 3))
				readUDPFrame(t, udpConn)
			},
		},
		{
			name: "while paused",
			drive: func(t *testing.T, sess *Session, cl *testClient, udpConn *net.UDPConn, udpPort int) {
				setupUDPTransport(t, sess, cl, udpPort, 2)
				cl.roundTrip(t, sess, rtspRequest("PLAY", "/stream=0", 3))
				readUDPFrame(t, udpConn)
				cl.roundTrip(t, sess, rtspRequest("PAUSE", "/stream=0", 4))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, client, _ := newTestSession(t)
			cl := newTestClient(client)
			udpConn, udpPort := newUDPClient(t)

			tt.drive(t, sess, cl, udpConn, udpPort)

			resp := cl.roundTrip(t, sess, rtspRequest("TEARDOWN", "/stream=0", 9))
			assert.Equal(t, "RTSP/1.0 "+StatusOK, resp.status)
			assert.Equal(t, testSessionID, resp.headers["Session"])
			assert.True(t, sess.Done())
			assert.Equal(t, StateClosed, sess.State())
		})
	}
}

func TestSessionStepAfterCloseIsNoop(t *testing.T) {
	sess, client, _ := newTestSession(t)
	cl := newTestClient(client)

	cl.roundTrip(t, sess, rtspRequest("TEARDOWN", "/stream=0", 2))
	require.True(t, sess.Done())

	sess.Step()
	sess.Step()
	cl.expectNoData(t)
}

func TestSessionUnsupportedMethods(t *testing.T) {
	sess, client, _ := newTestSession(t)
	cl := newTestClient(client)

	for i, method := range []string{"RECORD", "GET_PARAMETER", "describe"} {
		resp := cl.roundTrip(t, sess, rtspRequest(method, "/stream=0", 10+i))
		assert.Equal(t, "RTSP/1.0 "+StatusNotImplemented, resp.status, "method %s", method)
		assert.Equal(t, strconv.Itoa(10+i), resp.headers["CSeq"])
	}

	assert.False(t, sess.Done())
}

func TestSessionMalformedRequestCloses(t *testing.T) {
	sess, client, _ := newTestSession(t)
	cl := newTestClient(client)

	resp := cl.roundTrip(t, sess, "NONSENSE\r\n\r\n")

	assert.Equal(t, "RTSP/1.0 "+StatusBadRequest, resp.status)
	assert.Equal(t, "1", resp.headers["CSeq"])
	assert.True(t, sess.Done())
}

func TestSessionClientDisconnectCloses(t *testing.T) {
	sess, client, _ := newTestSession(t)

	require.NoError(t, client.Close())
	time.Sleep(20 * time.Millisecond)

	sess.Step()
	assert.True(t, sess.Done())
}

func TestSessionUDPExhaustionPromotesToTCP(t *testing.T) {
	sess, client, source := newTestSession(t)
	cl := newTestClient(client)

	stub := &exhaustedWriter{}
	sess.writer = stub
	sess.state = StatePlaying

	sess.Step()

	require.NotNil(t, sess.writer)
	assert.Equal(t, transport.ModeTCPInterleaved, sess.writer.Mode())
	assert.True(t, stub.closed)
	assert.Equal(t, StatePlaying, sess.State())

	// The failed frame is resent whole over the control connection with
	// its original timestamp, continuing the sequence space burned by
	// the UDP attempt.
	packets := cl.readInterleavedFrame(t)
	require.Len(t, packets, 2)
	assert.Equal(t, uint16(5), rtpSeq(packets[0]))
	assert.Equal(t, uint16(6), rtpSeq(packets[1]))

	framePeriod := uint32(limits.RTPClockRate / limits.DefaultFramerate)
	assert.Equal(t, framePeriod, rtpPTS(packets[0]))
	assert.Equal(t, framePeriod, rtpPTS(packets[1]))

	assert.Equal(t, 1, source.captures)
	assert.Equal(t, 1, source.forced)
	assert.Equal(t, 2, source.releases)
}

func TestSessionUDPExhaustionWithFallbackDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Fallback = transport.FallbackDisabled
	sess, client, source := newTestSessionWithConfig(t, cfg)
	cl := newTestClient(client)

	udpWriter, err := transport.NewUDPWriter(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 45678})
	require.NoError(t, err)
	t.Cleanup(func() { _ = udpWriter.Close() })

	stub := &exhaustedWriter{}
	sess.writer = stub
	sess.udpWriter = udpWriter
	sess.state = StatePlaying

	sess.Step()

	assert.Equal(t, transport.ModeUDP, sess.writer.Mode())
	assert.False(t, stub.closed)
	assert.Equal(t, 1, udpWriter.ConsecutiveErrors())
	assert.Equal(t, 1, source.releases)
	cl.expectNoData(t)
}

func TestSessionInvalidFrameNeverSent(t *testing.T) {
	sess, _, source := newTestSession(t)
	source.frame = &camera.Frame{Data: []byte{0x01, 0x02, 0x03}, Width: 800, Height: 600}

	rec := &recordingWriter{}
	sess.writer = rec
	sess.state = StatePlaying

	sess.Step()

	assert.Equal(t, 0, rec.packets)
	assert.Equal(t, 1, source.captures)
	assert.Equal(t, 1, source.releases)
}

func TestSessionNoFrameAvailable(t *testing.T) {
	sess, _, source := newTestSession(t)
	source.fail = true

	rec := &recordingWriter{}
	sess.writer = rec
	sess.state = StatePlaying

	sess.Step()

	assert.Equal(t, 0, rec.packets)
	assert.Equal(t, 1, source.captures)
	assert.Equal(t, 0, source.releases)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateInit, "init"},
		{StateReady, "ready"},
		{StatePlaying, "playing"},
		{StatePaused, "paused"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
