package rtsp

import (
	"bytes"
	"io"
	"strconv"
)

// RTSP status lines used by the server.
const (
	StatusOK                    = "200 OK"
	StatusBadRequest            = "400 Bad Request"
	StatusNotFound              = "404 Not Found"
	StatusMethodNotValidInState = "455 Method Not Valid in This State"
	StatusInternalServerError   = "500 Internal Server Error"
	StatusNotImplemented        = "501 Not Implemented"
)

// Response is one RTSP response under construction. Headers are
// written in insertion order; every response starts with the echoed
// CSeq. Error responses carry only the CSeq, success responses append
// their method-specific headers and end with the Server header.
type Response struct {
	status  string
	headers [][2]string
	body    []byte
}

// NewResponse starts a response with the given status line and echoed
// CSeq.
func NewResponse(status string, cseq int) *Response {
	r := &Response{status: status}
	r.AddHeader("CSeq", strconv.Itoa(cseq))
	return r
}

// AddHeader appends one header line.
func (r *Response) AddHeader(name, value string) *Response {
	r.headers = append(r.headers, [2]string{name, value})
	return r
}

// SetBody attaches a body, appending Content-Type and Content-Length
// headers in that order.
func (r *Response) SetBody(contentType string, body []byte) *Response {
	r.AddHeader("Content-Type", contentType)
	r.AddHeader("Content-Length", strconv.Itoa(len(body)))
	r.body = body
	return r
}

// Status returns the response's status line.
func (r *Response) Status() string { return r.status }

// WriteTo assembles the full response and writes it in one call, so
// status line, headers and body cannot interleave with RTP packets on
// the same connection.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer

	buf.WriteString("RTSP/1.0 ")
	buf.WriteString(r.status)
	buf.WriteString("\r\n")

	for _, h := range r.headers {
		buf.WriteString(h[0])
		buf.WriteString(": ")
		buf.WriteString(h[1])
		buf.WriteString("\r\n")
	}

	buf.WriteString("\r\n")
	buf.Write(r.body)

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}
