package penlink

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/percept-lab/hapticbench/internal/monitoring"
	"github.com/percept-lab/hapticbench/internal/units"
)

var ErrNotConnected = fmt.Errorf("pen link not connected")

// Guard against a device that never terminates a line.
const maxLineBytes = 4096

// PingCommand is sent after every (re)open to verify the link.
const PingCommand = "TEST"

// PenLink owns the serial channel to the motorized pen. A background reader
// (ReadLoop) drains incoming bytes, decodes the most recent complete
// telemetry line per drain cycle and publishes the sample by atomic pointer
// swap; the control loop reads snapshots and issues rate-limited distance
// commands. A read or write failure marks the link disconnected: sends are
// then skipped silently until Reconnect succeeds.
type PenLink struct {
	opener PortOpener

	portMu sync.Mutex
	port   SerialPorter

	connected atomic.Bool

	// sendEvery / lastSend are touched only from the control loop.
	sendEvery time.Duration
	lastSend  time.Time

	// parser and classifier are touched only from the reader goroutine.
	parser     TelemetryParser
	classifier *PressureClassifier

	latest   atomic.Pointer[TelemetrySample]
	pressure atomic.Int32
}

// NewPenLink wires a link around the given opener. sendEvery bounds the
// wall-clock rate of outbound distance commands; low/high are the pressure
// classifier thresholds.
func NewPenLink(opener PortOpener, sendEvery time.Duration, low, high float64) *PenLink {
	l := &PenLink{
		opener:     opener,
		sendEvery:  sendEvery,
		classifier: NewPressureClassifier(low, high),
	}
	l.latest.Store(&TelemetrySample{})
	return l
}

// Connect opens the port and verifies the link with a ping.
func (l *PenLink) Connect() error {
	port, err := l.opener()
	if err != nil {
		return fmt.Errorf("failed to open pen port: %w", err)
	}

	l.portMu.Lock()
	l.port = port
	l.portMu.Unlock()
	l.connected.Store(true)

	if err := l.SendCommand(PingCommand); err != nil {
		return fmt.Errorf("link verification failed: %w", err)
	}
	return nil
}

// Reconnect closes any open channel and reopens it. The caller is expected to
// reset pressure-derived state (the session does this for the distance
// engine's offset).
func (l *PenLink) Reconnect() error {
	l.portMu.Lock()
	if l.port != nil {
		if err := l.port.Close(); err != nil {
			monitoring.Logf("pen link: close before reconnect: %v", err)
		}
		l.port = nil
	}
	l.portMu.Unlock()
	l.connected.Store(false)

	return l.Connect()
}

// Close shuts the link down.
func (l *PenLink) Close() error {
	l.connected.Store(false)
	l.portMu.Lock()
	defer l.portMu.Unlock()
	if l.port == nil {
		return nil
	}
	err := l.port.Close()
	l.port = nil
	return err
}

// Connected reports whether the link is currently usable.
func (l *PenLink) Connected() bool {
	return l.connected.Load()
}

// Telemetry returns the latest published sample snapshot.
func (l *PenLink) Telemetry() TelemetrySample {
	return *l.latest.Load()
}

// Pressure returns the latest pressure classification.
func (l *PenLink) Pressure() PressureState {
	return PressureState(l.pressure.Load())
}

// SendDistance transmits the smoothed distance as an `M<mm>\n` command with
// one decimal digit of millimetres. Calls inside the rate-limit window or
// while disconnected are skipped; skipping is not an error.
func (l *PenLink) SendDistance(now time.Time, metres float64) {
	if !l.connected.Load() {
		return
	}
	if !l.lastSend.IsZero() && now.Sub(l.lastSend) < l.sendEvery {
		return
	}
	l.lastSend = now
	if err := l.write(fmt.Sprintf("M%.1f\n", units.MetresToMillimetres(metres))); err != nil {
		l.markDisconnected("write", err)
	}
}

// SendCommand writes a raw command line to the device.
func (l *PenLink) SendCommand(command string) error {
	if !l.connected.Load() {
		return ErrNotConnected
	}
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	if err := l.write(command); err != nil {
		l.markDisconnected("write", err)
		return err
	}
	return nil
}

func (l *PenLink) write(payload string) error {
	l.portMu.Lock()
	port := l.port
	l.portMu.Unlock()
	if port == nil {
		return ErrNotConnected
	}
	n, err := port.Write([]byte(payload))
	if err != nil {
		return err
	}
	if n != len(payload) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(payload))
	}
	return nil
}

func (l *PenLink) markDisconnected(op string, err error) {
	if l.connected.Swap(false) {
		monitoring.Logf("pen link: %s failed, marking disconnected: %v", op, err)
	}
}

// ReadLoop continuously drains the serial port, independent of frame timing.
// Per drain cycle only the most recently completed line is decoded; older
// buffered lines are discarded so the control loop never acts on stale
// telemetry. The loop survives disconnects and resumes once Reconnect brings
// the link back. It returns when ctx is cancelled.
func (l *PenLink) ReadLoop(ctx context.Context) {
	var carry []byte
	buf := make([]byte, 256)

	for {
		if ctx.Err() != nil {
			return
		}

		if !l.connected.Load() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			carry = carry[:0]
			continue
		}

		l.portMu.Lock()
		port := l.port
		l.portMu.Unlock()
		if port == nil {
			l.markDisconnected("read", ErrNotConnected)
			continue
		}

		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.markDisconnected("read", err)
			continue
		}
		if n == 0 {
			continue
		}

		carry = append(carry, buf[:n]...)
		line, rest, ok := lastCompleteLine(carry)
		if !ok {
			if len(carry) > maxLineBytes {
				monitoring.Logf("pen link: dropping %d unterminated bytes", len(carry))
				carry = carry[:0]
			}
			continue
		}
		carry = append(carry[:0], rest...)
		l.ingest(line)
	}
}

// ingest runs in the reader goroutine, which is the sole writer of the
// telemetry snapshot and pressure state.
func (l *PenLink) ingest(line string) {
	sample, ok := l.parser.ParseLine(line)
	if !ok {
		return
	}
	published := sample
	l.latest.Store(&published)
	l.pressure.Store(int32(l.classifier.Classify(float64(sample.Pressure))))
}

// lastCompleteLine returns the newest newline-terminated line in b and the
// unterminated remainder. Earlier complete lines are deliberately dropped.
func lastCompleteLine(b []byte) (line string, rest []byte, ok bool) {
	end := bytes.LastIndexByte(b, '\n')
	if end < 0 {
		return "", b, false
	}
	rest = b[end+1:]

	complete := b[:end]
	if start := bytes.LastIndexByte(complete, '\n'); start >= 0 {
		complete = complete[start+1:]
	}
	return strings.TrimRight(string(complete), "\r"), rest, true
}
