// Package gateway implements the transport half of the textual CiA
// 309 gateway: stdio, a local unix socket, or a TCP listener feeding an
// external ASCII command engine. It never interprets the command
// grammar itself — that belongs to the opaque protocol stack.
package gateway

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Mode selects the transport.
type Mode int

const (
	ModeStdio Mode = iota
	ModeLocalSocket
	ModeTCP
)

// Engine is the opaque ASCII command engine the gateway feeds bytes
// into and reads replies from; the protocol stack supplies it.
type Engine interface {
	// HandleLine consumes one command line (without its trailing
	// newline) and returns zero or more reply lines.
	HandleLine(line string) []string
}

// Config selects and parameterizes a transport.
type Config struct {
	Mode        Mode
	SocketPath  string        // ModeLocalSocket
	Port        int           // ModeTCP, 0..65535
	IdleTimeout time.Duration // 0 = off
}

// Transport owns the active connection (if any) and drives non-blocking
// line exchange with Engine once per Process call.
type Transport struct {
	cfg    Config
	engine Engine
	log    *logrus.Logger

	mu sync.Mutex

	listener net.Listener // socket modes
	conn     net.Conn     // socket modes, one at a time
	reader   *bufio.Reader

	stdinReader *bufio.Reader
	stdout      io.Writer

	idleElapsed time.Duration
	freshLine   bool
}

// New constructs a Transport for cfg. For socket modes it ignores
// SIGPIPE (a broken peer must not kill the process) and opens the
// listener; for stdio it wraps os.Stdin/os.Stdout.
func New(cfg Config, engine Engine, log *logrus.Logger) (*Transport, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	t := &Transport{cfg: cfg, engine: engine, log: log, freshLine: true}

	switch cfg.Mode {
	case ModeStdio:
		t.stdinReader = bufio.NewReader(os.Stdin)
		t.stdout = os.Stdout
	case ModeLocalSocket:
		ignoreSIGPIPE()
		_ = os.Remove(cfg.SocketPath)
		l, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			return nil, fmt.Errorf("gateway: listening on %q: %w", cfg.SocketPath, err)
		}
		t.listener = l
	case ModeTCP:
		ignoreSIGPIPE()
		l, err := listenTCPReuseAddr(cfg.Port)
		if err != nil {
			return nil, fmt.Errorf("gateway: listening on port %d: %w", cfg.Port, err)
		}
		t.listener = l
	default:
		return nil, fmt.Errorf("gateway: unknown mode %d", cfg.Mode)
	}
	return t, nil
}

// FD exposes the descriptor the caller should register with the
// mainline event loop's multiplexer so gateway I/O wakes it early
// instead of waiting for the next periodic tick: the listener's
// descriptor for socket modes, os.Stdin's descriptor for stdio mode.
// -1 means there is nothing to register.
func (t *Transport) FD() int {
	if t.cfg.Mode == ModeStdio {
		return int(os.Stdin.Fd())
	}
	l, ok := t.listener.(interface{ File() (*os.File, error) })
	if !ok {
		return -1
	}
	f, err := l.File()
	if err != nil {
		return -1
	}
	return int(f.Fd())
}

// Process performs one non-blocking unit of gateway work: accept a
// pending connection (one-shot, socket modes only), read whatever is
// immediately available, dispatch complete lines to Engine and write
// replies, and enforce the idle timeout. delta is the tick's elapsed
// time, used to accumulate the idle timer instead of relying on
// syscall-level timeouts (§4.F).
func (t *Transport) Process(delta time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.cfg.Mode {
	case ModeStdio:
		return t.processStdio()
	default:
		return t.processSocket(delta)
	}
}

func (t *Transport) processStdio() error {
	for {
		line, err := t.stdinReader.ReadString('\n')
		if len(line) == 0 {
			if err == io.EOF || err == nil {
				return nil
			}
			return fmt.Errorf("gateway: stdin read: %w", err)
		}
		t.dispatchStdioLine(line)
		if err != nil {
			return nil
		}
	}
}

// dispatchStdioLine injects the "[0] " address prefix onto interactive
// lines per §4.F, then hands the trimmed line to Engine.
func (t *Transport) dispatchStdioLine(line string) {
	trimmed := strings.TrimRight(line, "\n")
	if t.freshLine && shouldPrefix(trimmed) {
		trimmed = "[0] " + trimmed
	}
	t.freshLine = true

	for _, reply := range t.engine.HandleLine(trimmed) {
		fmt.Fprintln(t.stdout, reply)
	}
}

func shouldPrefix(line string) bool {
	if line == "" {
		return false
	}
	if strings.HasPrefix(line, "[") || strings.HasPrefix(line, "#") {
		return false
	}
	for _, r := range line {
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}

func (t *Transport) processSocket(delta time.Duration) error {
	if t.conn == nil {
		conn, err := t.acceptNonBlocking()
		if err != nil {
			return fmt.Errorf("gateway: accept: %w", err)
		}
		if conn == nil {
			return nil
		}
		t.conn = conn
		t.reader = bufio.NewReader(conn)
		t.idleElapsed = 0
		return nil
	}

	n, err := t.drainLines()
	if n == 0 && err == nil {
		t.idleElapsed += delta
		if t.cfg.IdleTimeout > 0 && t.idleElapsed >= t.cfg.IdleTimeout {
			t.log.WithField("timeout", t.cfg.IdleTimeout).Info("gateway connection idle, closing")
			t.closeConn()
		}
		return nil
	}
	t.idleElapsed = 0
	if err != nil {
		t.closeConn()
	}
	return nil
}

func (t *Transport) acceptNonBlocking() (net.Conn, error) {
	type deadliner interface{ SetDeadline(time.Time) error }
	if d, ok := t.listener.(deadliner); ok {
		_ = d.SetDeadline(time.Now().Add(time.Microsecond))
	}
	conn, err := t.listener.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	return conn, nil
}

// drainLines reads whatever is immediately available and dispatches
// complete lines; n is the number of bytes consumed this call.
func (t *Transport) drainLines() (n int, err error) {
	if dl, ok := t.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = dl.SetReadDeadline(time.Now().Add(time.Microsecond))
	}
	for {
		line, readErr := t.reader.ReadString('\n')
		n += len(line)
		if len(line) > 0 {
			for _, reply := range t.engine.HandleLine(strings.TrimRight(line, "\n")) {
				if _, werr := io.WriteString(t.conn, reply+"\n"); werr != nil {
					return n, werr
				}
			}
		}
		if readErr != nil {
			if ne, ok := readErr.(net.Error); ok && ne.Timeout() {
				return n, nil
			}
			if readErr == io.EOF {
				return n, io.EOF
			}
			return n, nil
		}
	}
}

func (t *Transport) closeConn() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
		t.reader = nil
	}
}

// Close releases the listener (and any active connection).
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeConn()
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}
