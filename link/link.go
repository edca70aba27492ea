// Package link implements the serial line protocol: line assembly,
// comment/block-delete stripping, realtime single-byte interception, and
// the `ok`/`error:<n>`/`ALARM:<n>` response framing spec.md section 6
// describes. Grbl intercepts realtime bytes in its RX ISR before they
// ever reach the line buffer; a Go process has no RX ISR, so this
// package runs a dedicated goroutine reading the transport byte by byte,
// splitting realtime bytes off into Executor calls immediately and
// assembling everything else into a channel of complete lines — the one
// place this port uses a channel where grbl uses a ring buffer, because
// here it is the Go scheduler, not bare hardware, that owns I/O
// readiness.
//
// Grounded on comm.RemoteDevice (comm/comm.go) for the open/reconnect
// shape and comm.Terminator/comm.SerialConnMaker/comm.BackingOffTCPConnMaker
// (comm/comm2.go) for framing and the serial-vs-TCP connection maker
// idiom, adapted from "dial out to a lab instrument" to "accept bytes
// from whatever sends g-code at us" — the read direction is reversed
// from comm's usual client role, but the reconnect-with-backoff and
// termination-byte handling are the same problem either way.
package link

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/cncmotion/system"
)

// Realtime single-byte command codes, spec.md section 6. These never
// reach the line buffer; the read goroutine acts on them immediately.
const (
	RTReset      = 0x18
	RTStatus     = '?'
	RTCycleStart = '~'
	RTFeedHold   = '!'
	RTJogCancel  = 0x85

	RTFeedOvReset  = 0x90
	RTFeedOvCoarsePlus  = 0x91
	RTFeedOvCoarseMinus = 0x92
	RTFeedOvFinePlus    = 0x93
	RTFeedOvFineMinus   = 0x94
	RTRapidOvReset  = 0x95
	RTRapidOvHalf   = 0x96
	RTRapidOvQuarter = 0x97
)

// Line is one assembled, cleaned input line ready for the parser.
type Line struct {
	Text    string
	IsJog   bool // true for a "$J=" jog subcommand, spec.md section 6
	Dropped bool // block-deleted ('/'-prefixed); never reaches the parser
}

// Terminator bytes for outbound framing; grbl's UART always ends a
// response with CRLF.
const crlf = "\r\n"

// ConnMaker returns a fresh transport connection, mirroring
// comm.CreationFunc (comm/comm2.go) so the reconnect logic below is
// transport-agnostic.
type ConnMaker func() (io.ReadWriteCloser, error)

// SerialConnMaker builds a ConnMaker over a real RS-274 serial line,
// grounded directly on comm.SerialConnMaker.
func SerialConnMaker(cfg *serial.Config) ConnMaker {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(cfg)
	}
}

// Link owns the transport, the realtime-byte interception, and the
// channel of assembled lines. One Link is paired with one
// system.Executor.
type Link struct {
	mu   sync.Mutex
	conn io.ReadWriteCloser
	make ConnMaker

	Exec *system.Executor

	Lines chan Line

	reportLimiter *rate.Limiter
	reportMask    ReportMask

	closed bool
}

// New wires a Link around exec using maker to establish (and
// re-establish) the transport. The returned Link is not yet reading;
// call Run.
func New(exec *system.Executor, maker ConnMaker) *Link {
	return &Link{
		Exec:          exec,
		make:          maker,
		Lines:         make(chan Line, 8),
		reportLimiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		reportMask:    DefaultReportMask,
	}
}

// open establishes the transport, retrying with exponential backoff the
// same way comm.RemoteDevice.Open does — NKT-style instruments, and
// serial CNC controllers alike, dislike being connection-thrashed.
func (l *Link) open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}
	var conn io.ReadWriteCloser
	var err error
	op := func() error {
		conn, err = l.make()
		return err
	}
	berr := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock,
	})
	if berr != nil {
		return berr
	}
	l.conn = conn
	return nil
}

func (l *Link) reconnect() {
	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.mu.Unlock()
	for !l.closed {
		if err := l.open(); err == nil {
			return
		}
		time.Sleep(time.Second)
	}
}

// Close shuts down the transport and stops Run's read loop.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

// Run opens the transport and reads it byte by byte until Close is
// called or the transport errors unrecoverably. Realtime bytes are
// acted on immediately; every other byte accumulates into a line buffer
// that is flushed to Lines on '\n' (or '\r', grbl accepts either).
// Intended to run in its own goroutine: a separate goroutine drains
// Lines into the parser and calls WriteResponse with the result.
func (l *Link) Run() error {
	if err := l.open(); err != nil {
		return err
	}
	var buf bytes.Buffer
	reader := bufio.NewReader(l.conn)
	for {
		if l.closed {
			return nil
		}
		b, err := reader.ReadByte()
		if err != nil {
			if l.closed {
				return nil
			}
			l.reconnect()
			reader = bufio.NewReader(l.conn)
			continue
		}
		if l.handleRealtime(b) {
			continue
		}
		switch b {
		case '\n', '\r':
			if buf.Len() > 0 {
				line := cleanLine(buf.String())
				if line.Dropped {
					// spec.md section 6: block-delete lines are dropped
					// entirely, never reaching the parser; grbl still acks
					// them immediately rather than leaving the sender
					// waiting on a response that will never come.
					l.WriteResponse(nil)
				} else {
					l.Lines <- line
				}
				buf.Reset()
			}
		default:
			buf.WriteByte(b)
		}
	}
}

// handleRealtime intercepts a single byte before it can reach the line
// buffer, per spec.md section 6's "reserved bytes echo no response"
// rule: every recognized realtime byte, and every byte in the extended
// 0x80-0xFF range, is swallowed here whether or not this build acts on
// it yet.
func (l *Link) handleRealtime(b byte) bool {
	switch b {
	case RTReset:
		l.Exec.RequestReset()
		return true
	case RTStatus:
		l.emitStatusReport()
		return true
	case RTCycleStart:
		l.Exec.RequestCycleStart()
		return true
	case RTFeedHold:
		l.Exec.RequestFeedHold()
		return true
	}
	if b >= 0x80 {
		// Jog cancel and the feed/rapid override deltas (0x85, 0x90-0x97)
		// are recognized and swallowed per spec.md section 6; override
		// state is out of this build's scope (see DESIGN.md), so only
		// jog cancel, which maps onto the existing motion-cancel request,
		// has an effect.
		if b == RTJogCancel {
			l.Exec.RequestMotionCancel()
		}
		return true
	}
	return false
}

// cleanLine applies grbl's line-cleaning rules: uppercase, strip
// parenthetical and ';' comments, drop all whitespace, flag a leading '/' block-delete
// marker so Run can drop the line entirely per spec.md section 6
// instead of handing it to the parser, and flag "$J=" jog subcommands
// so the caller can route them to a jogging path instead of the
// ordinary parser.
func cleanLine(raw string) Line {
	s := raw
	if idx := strings.IndexByte(s, ';'); idx >= 0 {
		s = s[:idx]
	}
	for {
		open := strings.IndexByte(s, '(')
		if open < 0 {
			break
		}
		closeIdx := strings.IndexByte(s[open:], ')')
		if closeIdx < 0 {
			s = s[:open]
			break
		}
		s = s[:open] + s[open+closeIdx+1:]
	}
	s = strings.Join(strings.Fields(s), "")
	dropped := strings.HasPrefix(s, "/")
	s = strings.TrimPrefix(s, "/")
	upper := strings.ToUpper(s)
	isJog := strings.HasPrefix(upper, "$J=")
	return Line{Text: upper, IsJog: isJog, Dropped: dropped}
}

// WriteResponse writes the line-completion response for a processed
// line: "ok" on success, "error:<n>" on a gcode rejection. err's
// concrete type is expected to satisfy an optional Coder interface
// (gcode errors do); anything else is reported as error:1, grbl's
// generic "expected command letter" code, since there is no narrower
// mapping to fall back to.
func (l *Link) WriteResponse(err error) error {
	if err == nil {
		return l.write("ok" + crlf)
	}
	if c, ok := err.(interface{ Code() int }); ok {
		return l.write("error:" + strconv.Itoa(c.Code()) + crlf)
	}
	return l.write("error:1" + crlf)
}

// WriteAlarm reports an alarm condition, spec.md section 6's
// "ALARM:<n>" line.
func (l *Link) WriteAlarm(code int) error {
	return l.write("ALARM:" + strconv.Itoa(code) + crlf)
}

// WriteMessage emits an informational "[MSG:...]" line.
func (l *Link) WriteMessage(text string) error {
	return l.write("[MSG:" + text + "]" + crlf)
}

func (l *Link) write(s string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.Write([]byte(s))
	return err
}

// emitStatusReport builds and writes the current status line if the
// rate limiter allows it; spec.md section 6 calls this "asynchronous,
// rate-limited" so a burst of '?' bytes (e.g. from an impatient sender)
// collapses to one report rather than saturating the line.
func (l *Link) emitStatusReport() {
	if !l.reportLimiter.Allow() {
		return
	}
	l.write(BuildStatusReport(l.Exec, l.reportMask) + crlf)
}
