// Package httpmjpeg serves a browser-friendly MJPEG view of a frame
// source over HTTP multipart streaming.
//
// Each GET request gets its own long-lived multipart/x-mixed-replace
// response carrying one JPEG image per part. The handler draws frames
// from the same Source contract the RTSP engine uses, releasing every
// captured frame exactly once. It is safe to serve alongside a running
// RTSP server sharing the source, provided the source itself is safe
// for concurrent use.
package httpmjpeg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/nanortsp/camera"
	"github.com/opd-ai/nanortsp/limits"
)

// DefaultPath is the viewer path when none is configured.
const DefaultPath = "/mjpeg"

// boundary separates JPEG parts inside the multipart stream.
const boundary = "frame"

// ErrNilSource indicates a handler was created without a frame source.
var ErrNilSource = errors.New("frame source cannot be nil")

// Handler streams JPEG frames as a multipart/x-mixed-replace response.
// It implements http.Handler; every request runs its own capture loop
// until the client disconnects.
type Handler struct {
	source        camera.Source
	frameInterval time.Duration
}

// NewHandler creates a viewer handler paced at targetFPS. A zero or
// negative targetFPS falls back to the default framerate.
func NewHandler(source camera.Source, targetFPS int) (*Handler, error) {
	if source == nil {
		return nil, ErrNilSource
	}
	if targetFPS <= 0 {
		targetFPS = limits.DefaultFramerate
	}
	return &Handler{
		source:        source,
		frameInterval: time.Second / time.Duration(targetFPS),
	}, nil
}

// ServeHTTP streams frames to the client until it disconnects. A tick
// that finds no frame available is skipped; the stream resumes on the
// next capture.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	logrus.WithFields(logrus.Fields{
		"function": "ServeHTTP",
		"remote":   r.RemoteAddr,
	}).Info("MJPEG viewer connected")

	ticker := time.NewTicker(h.frameInterval)
	defer ticker.Stop()

	frames := 0
	for {
		if frame := h.source.Capture(); frame != nil {
			err := writePart(w, frame.Data)
			h.source.Release(frame)
			if err != nil {
				break
			}
			flusher.Flush()
			frames++
		}

		select {
		case <-r.Context().Done():
			logrus.WithFields(logrus.Fields{
				"function": "ServeHTTP",
				"remote":   r.RemoteAddr,
				"frames":   frames,
			}).Debug("MJPEG viewer disconnected")
			return
		case <-ticker.C:
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "ServeHTTP",
		"remote":   r.RemoteAddr,
		"frames":   frames,
	}).Debug("MJPEG viewer write failed, closing stream")
}

// writePart emits one boundary-delimited JPEG part.
func writePart(w http.ResponseWriter, data []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, "\r\n")
	return err
}

// Server binds the viewer handler to its own HTTP listener so it can
// run beside the RTSP server in the same process.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a viewer server bound to addr, serving the stream
// at path. An empty path falls back to DefaultPath.
func NewServer(addr, path string, source camera.Source, targetFPS int) (*Server, error) {
	handler, err := NewHandler(source, targetFPS)
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = DefaultPath
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind HTTP listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(path, handler)

	logrus.WithFields(logrus.Fields{
		"function":    "NewServer",
		"listen_addr": ln.Addr().String(),
		"path":        path,
	}).Info("HTTP MJPEG server created")

	return &Server{
		httpServer: &http.Server{Handler: mux},
		listener:   ln,
	}, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts viewer connections until the server shuts down. It
// always returns a non-nil error; after Shutdown or Close the error is
// http.ErrServerClosed.
func (s *Server) Serve() error {
	return s.httpServer.Serve(s.listener)
}

// Shutdown gracefully stops the server. Streaming responses never end
// on their own, so callers should pair this with a deadline context
// and fall back to Close.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close immediately closes the listener and all active viewer streams.
func (s *Server) Close() error {
	return s.httpServer.Close()
}
