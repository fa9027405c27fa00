package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/nanortsp/limits"
)

// portBindAttempts is how many random ports are tried before giving up.
const portBindAttempts = 10

// UDPWriter sends RTP packets as datagrams to one client's negotiated
// port. It owns the server-side socket and the per-packet retry and
// reset mechanics; the session owns the decision of what to do when a
// packet is exhausted (fallback promotion or error counting).
type UDPWriter struct {
	mu   sync.Mutex
	conn *net.UDPConn
	dest *net.UDPAddr

	localPort  int
	retries    int
	retryDelay time.Duration

	consecutiveErrors int
	lastErrorTime     time.Time
	lastResetTime     time.Time

	buf    []byte
	closed bool

	timeProvider TimeProvider
}

// NewUDPWriter allocates a server-side UDP socket on a random even port
// in the configured range and targets the given client address. Returns
// ErrNoPortAvailable when every bind attempt fails.
func NewUDPWriter(dest *net.UDPAddr) (*UDPWriter, error) {
	if dest == nil || dest.IP == nil || dest.Port == 0 {
		return nil, fmt.Errorf("invalid client address: %v", dest)
	}

	w := &UDPWriter{
		dest:         dest,
		retries:      limits.UDPRetryCount,
		retryDelay:   limits.UDPRetryDelayMS * time.Millisecond,
		timeProvider: DefaultTimeProvider{},
	}

	for i := 0; i < portBindAttempts; i++ {
		// Even port per RTP convention, odd sibling reserved for RTCP.
		port := (limits.ServerPortRangeBase + rand.Intn(limits.ServerPortRangeSpan)) &^ 1

		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			continue
		}

		w.conn = conn
		w.localPort = port

		logrus.WithFields(logrus.Fields{
			"function":    "NewUDPWriter",
			"server_port": port,
			"client_addr": dest.String(),
		}).Debug("UDP writer bound")

		return w, nil
	}

	return nil, ErrNoPortAvailable
}

// SetTimeProvider replaces the writer's time source. Passing nil
// restores the default provider.
func (w *UDPWriter) SetTimeProvider(tp TimeProvider) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	w.timeProvider = tp
}

// ServerPort returns the local RTP port negotiated at SETUP time.
func (w *UDPWriter) ServerPort() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.localPort
}

// RemoteAddr returns the client address packets are sent to.
func (w *UDPWriter) RemoteAddr() *net.UDPAddr {
	return w.dest
}

// Mode reports the transport mode.
func (w *UDPWriter) Mode() Mode { return ModeUDP }

// WritePacket sends one RTP packet, retrying on failure. Halfway through
// the retry budget the socket is rebound on the same port. Returns
// ErrSendExhausted when every attempt fails; the caller decides whether
// to promote the session to TCP or record the error.
func (w *UDPWriter) WritePacket(header, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	total := len(header) + len(payload)
	if cap(w.buf) < total {
		w.buf = make([]byte, 0, total)
	}
	packet := append(w.buf[:0], header...)
	packet = append(packet, payload...)
	w.buf = packet

	for attempt := 0; attempt < w.retries; attempt++ {
		if w.conn == nil {
			if err := w.rebindLocked(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "WritePacket",
					"attempt":  attempt + 1,
					"error":    err.Error(),
				}).Warn("UDP rebind failed")
				w.timeProvider.Sleep(w.retryDelay)
				continue
			}
		}

		n, err := w.conn.WriteToUDP(packet, w.dest)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WritePacket",
				"attempt":  attempt + 1,
				"size":     total,
				"error":    err.Error(),
			}).Warn("UDP send failed")

			if attempt+1 >= w.retries/2 {
				w.resetLocked()
			}
			w.timeProvider.Sleep(w.retryDelay * 2)
			continue
		}
		if n != total {
			logrus.WithFields(logrus.Fields{
				"function": "WritePacket",
				"attempt":  attempt + 1,
				"written":  n,
				"size":     total,
			}).Warn("UDP short write")
			w.timeProvider.Sleep(w.retryDelay)
			continue
		}

		if w.consecutiveErrors > 0 {
			w.consecutiveErrors--
		}
		return nil
	}

	return ErrSendExhausted
}

// RecordError counts a failed frame send against the writer. Crossing
// the reset threshold rebinds the socket, spaced by the reset interval
// so a dead network cannot trigger a reset storm.
func (w *UDPWriter) RecordError() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.consecutiveErrors++
	w.lastErrorTime = w.timeProvider.Now()

	if w.consecutiveErrors < limits.UDPResetThreshold {
		return
	}

	now := w.timeProvider.Now()
	if !w.lastResetTime.IsZero() && now.Sub(w.lastResetTime) < limits.UDPResetIntervalMS*time.Millisecond {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":    "RecordError",
		"error_count": w.consecutiveErrors,
	}).Warn("UDP error threshold reached, resetting socket")

	w.resetLocked()
	w.consecutiveErrors = 0
	w.lastResetTime = now
}

// ResetErrors clears the error bookkeeping, used when playback starts
// on a fresh SETUP.
func (w *UDPWriter) ResetErrors() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.consecutiveErrors = 0
	w.lastErrorTime = time.Time{}
}

// ConsecutiveErrors returns the current error count used by the
// adaptive framerate governor.
func (w *UDPWriter) ConsecutiveErrors() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.consecutiveErrors
}

// LastErrorTime returns when the most recent frame send failure was
// recorded, or the zero time if none has been.
func (w *UDPWriter) LastErrorTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.lastErrorTime
}

// Close releases the socket. Subsequent writes return ErrWriterClosed.
func (w *UDPWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.conn != nil {
		err := w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}

// resetLocked closes and rebinds the socket on the same port, with a
// short settle pause between. The port must stay stable because the
// client learned it during SETUP.
func (w *UDPWriter) resetLocked() {
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}

	w.timeProvider.Sleep(limits.UDPResetSettleMS * time.Millisecond)

	if err := w.rebindLocked(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "resetLocked",
			"server_port": w.localPort,
			"error":       err.Error(),
		}).Error("UDP socket rebind failed")
	}
}

func (w *UDPWriter) rebindLocked() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: w.localPort})
	if err != nil {
		return fmt.Errorf("failed to rebind UDP port %d: %w", w.localPort, err)
	}
	w.conn = conn
	return nil
}
