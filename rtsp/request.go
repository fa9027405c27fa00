package rtsp

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/opd-ai/nanortsp/limits"
)

// maxHeaderLines bounds one request's header block. A well-behaved
// client sends a handful of headers; more indicates garbage.
const maxHeaderLines = 32

// Method is the closed set of RTSP methods the server dispatches on.
// Parsing produces MethodUnknown for anything outside the set, which
// the session answers with 501.
type Method uint8

const (
	MethodUnknown Method = iota
	MethodOptions
	MethodDescribe
	MethodSetup
	MethodPlay
	MethodPause
	MethodTeardown
)

// methodNames maps wire tokens to methods. RTSP methods are
// case-sensitive per RFC 2326.
var methodNames = map[string]Method{
	"OPTIONS":  MethodOptions,
	"DESCRIBE": MethodDescribe,
	"SETUP":    MethodSetup,
	"PLAY":     MethodPlay,
	"PAUSE":    MethodPause,
	"TEARDOWN": MethodTeardown,
}

// ParseMethod maps a request-line token to a Method.
func ParseMethod(token string) Method {
	if m, ok := methodNames[token]; ok {
		return m
	}
	return MethodUnknown
}

// String returns the wire token for the method.
func (m Method) String() string {
	switch m {
	case MethodOptions:
		return "OPTIONS"
	case MethodDescribe:
		return "DESCRIBE"
	case MethodSetup:
		return "SETUP"
	case MethodPlay:
		return "PLAY"
	case MethodPause:
		return "PAUSE"
	case MethodTeardown:
		return "TEARDOWN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrMalformedRequest indicates a request line that does not parse.
	ErrMalformedRequest = errors.New("malformed RTSP request")

	// ErrLineTooLong indicates a header line exceeding the size limit.
	ErrLineTooLong = errors.New("request line exceeds limit")

	// ErrMalformedTransport indicates a Transport header that cannot be
	// negotiated.
	ErrMalformedTransport = errors.New("malformed transport header")
)

// Request is one parsed RTSP request. CSeq defaults to 1 when the
// header is absent or unparseable; Transport holds the raw header
// value, empty when the request carried none.
type Request struct {
	Method    Method
	RawMethod string
	URI       string
	Path      string
	CSeq      int
	Transport string
}

// ParseRequest reads one request (request line, headers, blank line)
// from the reader. CSeq and Transport are extracted; all other headers
// are consumed and ignored. Read errors from the underlying connection
// pass through unwrapped so callers can distinguish timeouts and EOF.
func ParseRequest(r *bufio.Reader) (*Request, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRequest, line)
	}

	req := &Request{
		RawMethod: fields[0],
		Method:    ParseMethod(fields[0]),
		URI:       fields[1],
		Path:      pathFromURI(fields[1]),
		CSeq:      limits.DefaultCSeq,
	}

	for i := 0; i < maxHeaderLines; i++ {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return req, nil
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch {
		case strings.EqualFold(name, "CSeq"):
			if n, err := strconv.Atoi(value); err == nil {
				req.CSeq = n
			}
		case strings.EqualFold(name, "Transport"):
			req.Transport = value
		}
	}

	return nil, fmt.Errorf("%w: header block exceeds %d lines", ErrMalformedRequest, maxHeaderLines)
}

// readLine reads one CRLF-terminated line bounded by the reader's
// buffer. A line that overflows the buffer is rejected rather than
// accumulated.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", fmt.Errorf("%w: %d bytes", ErrLineTooLong, len(line))
		}
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// pathFromURI extracts the path component from a request URI. Absolute
// RTSP URIs yield their path; the bare "*" form and unparseable URIs
// are returned as-is.
func pathFromURI(uri string) string {
	if uri == "*" {
		return "*"
	}
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	if u.Path != "" {
		return u.Path
	}
	return ""
}

// TransportSpec is a negotiated transport: either TCP-interleaved with
// a channel pair or UDP with the client's port pair.
type TransportSpec struct {
	Interleaved    bool
	RTPChannel     uint8
	RTCPChannel    uint8
	ClientRTPPort  int
	ClientRTCPPort int
}

// ParseTransport negotiates a Transport header value. An interleaved
// token or explicit TCP proto selects TCP-interleaved with channels
// from interleaved=lo-hi (default 0-1); forceTCP overrides the client's
// preference the same way. Otherwise UDP is selected and client_port=
// lo-hi is mandatory with both ports nonzero.
func ParseTransport(value string, forceTCP bool) (*TransportSpec, error) {
	spec := &TransportSpec{RTPChannel: 0, RTCPChannel: 1}
	lower := strings.ToLower(value)

	if forceTCP || strings.Contains(lower, "interleaved") || strings.Contains(lower, "rtp/avp/tcp") {
		spec.Interleaved = true

		for _, token := range strings.Split(value, ";") {
			token = strings.TrimSpace(token)
			rest, ok := cutPrefixFold(token, "interleaved=")
			if !ok {
				continue
			}

			lo, hi, ok := splitPair(rest)
			if !ok {
				break
			}
			if lo < 0 || lo > 255 || hi < 0 || hi > 255 {
				return nil, fmt.Errorf("%w: interleaved channels %d-%d out of range", ErrMalformedTransport, lo, hi)
			}
			spec.RTPChannel = uint8(lo)
			spec.RTCPChannel = uint8(hi)
			break
		}

		return spec, nil
	}

	for _, token := range strings.Split(value, ";") {
		token = strings.TrimSpace(token)
		rest, ok := cutPrefixFold(token, "client_port=")
		if !ok {
			continue
		}

		lo, hi, ok := splitPair(rest)
		if !ok {
			return nil, fmt.Errorf("%w: unparseable client_port %q", ErrMalformedTransport, rest)
		}
		if lo == 0 || hi == 0 {
			return nil, fmt.Errorf("%w: zero client port", ErrMalformedTransport)
		}
		if lo < 0 || lo > 65535 || hi < 0 || hi > 65535 {
			return nil, fmt.Errorf("%w: client_port %d-%d out of range", ErrMalformedTransport, lo, hi)
		}

		spec.ClientRTPPort = lo
		spec.ClientRTCPPort = hi
		return spec, nil
	}

	return nil, fmt.Errorf("%w: client_port missing for UDP", ErrMalformedTransport)
}

// cutPrefixFold strips a case-insensitive prefix, reporting whether it
// was present.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// splitPair parses "lo-hi" into two integers.
func splitPair(s string) (int, int, bool) {
	loStr, hiStr, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, false
	}
	lo, err := strconv.Atoi(strings.TrimSpace(loStr))
	if err != nil {
		return 0, 0, false
	}
	hi, err := strconv.Atoi(strings.TrimSpace(hiStr))
	if err != nil {
		return 0, 0, false
	}
	return lo, hi, true
}
