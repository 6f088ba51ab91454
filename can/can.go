// Package can implements the CAN module of §4.C: ownership of one or
// more raw CAN sockets, dense receive/transmit buffer sequences, kernel
// filter management, non-blocking send with re-queue, and
// receive-and-dispatch. It is the Linux-specific driver layer between
// the kernel's raw CAN ABI and the opaque protocol stack.
package can

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mwagner/colinux/canerror"
	"github.com/mwagner/colinux/frame"
)

// Result codes for Send, matching §7's transmit taxonomy.
type Result int

const (
	ResultOK Result = iota
	ResultTxBusy
	ResultSyscall
)

// Handler is invoked when a received frame matches a RxBuffer's filter.
type Handler func(object any, f frame.Frame)

// RxBuffer is one receive-buffer slot: a filter tuple, an opaque user
// object and a callback, plus the last receive timestamp/interface.
type RxBuffer struct {
	Ident   uint32
	Mask    uint32
	Object  any
	Handler Handler

	LastTimestamp time.Time
	LastIfIndex   int

	used bool
}

// TxBuffer is one transmit-buffer slot: a frame template plus the
// buffer-full/sync-flag pair and a target interface index (0 =
// broadcast to all bound interfaces).
type TxBuffer struct {
	Frame      frame.Frame
	BufferFull bool
	SyncFlag   bool
	IfIndex    int // 0 = broadcast
}

// socket is the minimal surface the Module needs from a bound raw CAN
// socket; satisfied by *linuxSocket on Linux and by a fake in tests.
type socket interface {
	IfIndex() int
	IfName() string
	Send(f frame.Frame) error
	SetFilters(filters []kernelFilter) error
	Close() error
	FD() int
}

// kernelFilter mirrors struct can_filter: {id, mask}.
type kernelFilter struct {
	Ident uint32
	Mask  uint32
}

// Interface bundles one bound socket with its error-handler state
// (§3: "one kernel socket bound to one CAN device... owns its error
// handler state").
type Interface struct {
	sock    socket
	errors  *canerror.Handler
	rxDrops uint32
}

func (i *Interface) IfIndex() int   { return i.sock.IfIndex() }
func (i *Interface) IfName() string { return i.sock.IfName() }
func (i *Interface) FD() int        { return i.sock.FD() }

// Errors exposes the interface's bus-health handler, e.g. for tests or
// orchestrator-level emergency reporting.
func (i *Interface) Errors() *canerror.Handler { return i.errors }

// newInterfaceFunc opens and binds a socket for a device index; Linux
// builds wire this to a real raw-CAN socket, tests to a fake.
type newInterfaceFunc func(ifIndex int, errorFrames bool) (socket, error)

// Module is the CAN module of §3/§4.C.
type Module struct {
	log *logrus.Logger

	newInterface newInterfaceFunc
	multiplexer  Multiplexer

	mu         sync.Mutex
	interfaces []*Interface
	rx         []RxBuffer
	tx         []TxBuffer
	rxFilter   []kernelFilter // parallel to rx, kernel-facing copy

	normal         bool
	txPendingCount int
	rxDropCount    uint32
	errorStatus    uint16

	receiveBatchSize int
	errorOpts        []canerror.Option
}

// Multiplexer is the subset of the event loop (§4.E) the CAN module
// needs: register/unregister a socket fd for read-ready events.
type Multiplexer interface {
	RegisterRead(fd int, tag any) error
	Unregister(fd int) error
}

// Option configures a Module at construction.
type Option func(*Module)

func WithLogger(l *logrus.Logger) Option { return func(m *Module) { m.log = l } }

// WithReceiveBatchSize caps how many frames ReceiveFromEvent drains
// from one interface per multiplexer wake-up, trading the default
// one-frame-per-tick bound for throughput under sustained load. n <= 1
// keeps the default bounded behaviour.
func WithReceiveBatchSize(n int) Option {
	return func(m *Module) { m.receiveBatchSize = n }
}

// WithErrorOptions forwards canerror.Option values (no-ack threshold,
// listen-only dwell) to every interface's bus-health handler as it is
// created.
func WithErrorOptions(opts ...canerror.Option) Option {
	return func(m *Module) { m.errorOpts = append(m.errorOpts, opts...) }
}

// withNewInterfaceFunc is test-only: overrides how sockets get created.
func withNewInterfaceFunc(f newInterfaceFunc) Option {
	return func(m *Module) { m.newInterface = f }
}

// New allocates a Module over caller-owned rx/tx buffer sequences
// (§9 Ownership of buffer arrays: borrowed, not copied) and stashes the
// multiplexer handle. The module starts in configuration mode
// (normal=false).
func New(rx []RxBuffer, tx []TxBuffer, mux Multiplexer, opts ...Option) *Module {
	m := &Module{
		log:              logrus.StandardLogger(),
		newInterface:     newLinuxSocket,
		multiplexer:      mux,
		rx:               rx,
		tx:               tx,
		rxFilter:         make([]kernelFilter, len(rx)),
		receiveBatchSize: 1,
	}
	for i := range m.rx {
		m.rx[i] = RxBuffer{Ident: 0, Mask: 0xFFFFFFFF}
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AddInterface opens a raw CAN socket bound to the device with index ifIndex,
// registers it with the multiplexer and sets its filters to "match
// none". Configuration-mode only.
func (m *Module) AddInterface(ifIndex int, errorFrameReporting bool) (*Interface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.normal {
		return nil, fmt.Errorf("can: %w: cannot add interface while in normal mode", ErrInvalidState)
	}

	sock, err := m.newInterface(ifIndex, errorFrameReporting)
	if err != nil {
		return nil, fmt.Errorf("can: adding interface: %w: %v", ErrSyscall, err)
	}

	iface := &Interface{
		sock:   sock,
		errors: canerror.New(sock.IfName(), m.errorOpts...),
	}

	if err := sock.SetFilters(nil); err != nil { // match-none until SetNormal
		_ = sock.Close()
		return nil, fmt.Errorf("can: installing match-none filter: %w: %v", ErrSyscall, err)
	}

	if m.multiplexer != nil {
		if err := m.multiplexer.RegisterRead(sock.FD(), iface); err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("can: registering with multiplexer: %w: %v", ErrSyscall, err)
		}
	}

	m.interfaces = append(m.interfaces, iface)
	return iface, nil
}

// SetNormal installs the current filter set on every bound socket and,
// on success, flips the module into normal (send/receive permitted)
// mode.
func (m *Module) SetNormal() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.applyFiltersLocked(); err != nil {
		return err
	}
	m.normal = true
	return nil
}

// Disable removes every socket from the multiplexer, closes it and
// frees per-interface state. The module is inert afterward.
func (m *Module) Disable() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, iface := range m.interfaces {
		if m.multiplexer != nil {
			_ = m.multiplexer.Unregister(iface.sock.FD())
		}
		if err := iface.sock.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.interfaces = nil
	m.normal = false
	return firstErr
}

// applyFiltersLocked builds the non-zero subset of m.rxFilter and
// installs it on every socket, per §4.C "Filter application". If the
// result is empty it installs an explicit match-none filter.
func (m *Module) applyFiltersLocked() error {
	var active []kernelFilter
	for _, f := range m.rxFilter {
		if f.Ident == 0 && f.Mask == 0 {
			continue
		}
		active = append(active, f)
	}
	for _, iface := range m.interfaces {
		if err := iface.sock.SetFilters(active); err != nil {
			return fmt.Errorf("can: applying filters on %s: %w: %v", iface.IfName(), ErrSyscall, err)
		}
	}
	return nil
}

// RxBufferInit registers a receive filter/callback into slot index.
// The stored mask always includes the extended-frame and RTR bits
// (§4.C) so the kernel never delivers an unintended frame class. If
// the module is already in normal mode, filters are re-applied
// immediately.
func (m *Module) RxBufferInit(index int, ident, mask uint32, rtrFlag bool, object any, cb Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.rx) {
		return fmt.Errorf("can: %w: rx index %d out of range", ErrIllegalArgument, index)
	}
	if cb == nil {
		return fmt.Errorf("can: %w: nil callback", ErrIllegalArgument)
	}

	ident &= frame.SFFMask
	if rtrFlag {
		ident |= frame.RTRFlag
	}
	mask = (mask & frame.SFFMask) | frame.EFFFlag | frame.RTRFlag

	m.rx[index] = RxBuffer{Ident: ident, Mask: mask, Object: object, Handler: cb, used: true}
	m.rxFilter[index] = kernelFilter{Ident: ident, Mask: mask}

	if m.normal {
		return m.applyFiltersLocked()
	}
	return nil
}

// TxBufferInit initializes transmit-buffer slot index with a frame
// template.
func (m *Module) TxBufferInit(index int, ident uint32, rtrFlag bool, length uint8, syncFlag bool, ifIndex int) (*TxBuffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.tx) {
		return nil, fmt.Errorf("can: %w: tx index %d out of range", ErrIllegalArgument, index)
	}
	f, err := frame.New(ident, false, rtrFlag, make([]byte, length))
	if err != nil {
		return nil, fmt.Errorf("can: %w", ErrIllegalArgument)
	}
	m.tx[index] = TxBuffer{Frame: f, IfIndex: ifIndex}
	return &m.tx[index], nil
}

// Send attempts a non-blocking transmit of buf on every bound
// interface matching buf.IfIndex (0 = broadcast). On kernel
// would-block it marks the buffer full and returns ResultTxBusy; other
// failures return ResultSyscall.
//
// The CAN module's send path is not mutex-protected (§5): concurrent
// callers are expected to serialize through protocol-level ownership
// of distinct transmit buffers.
func (m *Module) Send(buf *TxBuffer) (Result, error) {
	m.mu.Lock()
	interfaces := m.interfaces
	m.mu.Unlock()

	if len(interfaces) == 0 {
		return ResultSyscall, fmt.Errorf("can: %w: no bound interfaces", ErrSyscall)
	}

	var lastErr error
	busy := false
	for _, iface := range interfaces {
		if buf.IfIndex != 0 && iface.IfIndex() != buf.IfIndex {
			continue
		}
		if iface.errors.BeforeTx() != canerror.Active {
			continue // listen-only: do not transmit on this interface
		}
		err := iface.sock.Send(buf.Frame)
		if err == nil {
			continue
		}
		if isTransient(err) {
			busy = true
		} else {
			lastErr = err
		}
	}

	if lastErr != nil {
		return ResultSyscall, fmt.Errorf("can: send: %w: %v", ErrSyscall, lastErr)
	}
	if busy {
		if !buf.BufferFull {
			buf.BufferFull = true
			m.mu.Lock()
			m.txPendingCount++
			m.mu.Unlock()
		}
		return ResultTxBusy, nil
	}
	if buf.BufferFull {
		buf.BufferFull = false
		m.mu.Lock()
		if m.txPendingCount > 0 {
			m.txPendingCount--
		}
		m.mu.Unlock()
	}
	return ResultOK, nil
}

// Process is the mainline-tick retransmission driver (§4.C
// Retransmission): if any buffer is pending, retry exactly the first
// one found full, to bound tick duration. If the scan finds none
// pending despite a nonzero counter, the counter is reset defensively.
func (m *Module) Process() error {
	m.mu.Lock()
	pending := m.txPendingCount
	m.mu.Unlock()

	if pending <= 0 {
		return nil
	}

	for i := range m.tx {
		if m.tx[i].BufferFull {
			m.tx[i].BufferFull = false
			m.mu.Lock()
			if m.txPendingCount > 0 {
				m.txPendingCount--
			}
			m.mu.Unlock()
			_, err := m.Send(&m.tx[i])
			return err
		}
	}

	m.mu.Lock()
	m.txPendingCount = 0
	m.mu.Unlock()
	return nil
}

// TxPendingCount reports the number of transmit buffers currently
// marked full (invariant 4 of §3).
func (m *Module) TxPendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txPendingCount
}

// IsNormal reports whether the module is in normal (send/receive
// permitted) mode.
func (m *Module) IsNormal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.normal
}

// NextDeadline implements the CAN-retransmit fast path of §5: when a
// transmit buffer is pending, request a wake no later than 100µs.
func (m *Module) NextDeadline(period time.Duration) time.Duration {
	if m.TxPendingCount() > 0 {
		return 100 * time.Microsecond
	}
	return period
}

// ReceiveFromEvent reads and dispatches up to the configured batch
// size (default 1, see WithReceiveBatchSize) of frames from the
// interface that owns fd (as tagged at registration), per §4.C
// "Receive-from-event". The default keeps per-tick receive work
// bounded (§5 ordering guarantee); a larger batch trades that bound
// for throughput under sustained load.
func (m *Module) ReceiveFromEvent(iface *Interface) error {
	batch := m.receiveBatchSize
	if batch < 1 {
		batch = 1
	}
	for n := 0; n < batch; n++ {
		f, ts, dropped, err := iface.sock.(rawReceiver).ReceiveWithAncillary()
		if err != nil {
			if n > 0 && errors.Is(err, syscall.EAGAIN) {
				return nil
			}
			return fmt.Errorf("can: receive: %w: %v", ErrSyscall, err)
		}

		if dropped > iface.rxDrops {
			m.mu.Lock()
			m.rxDropCount += dropped - iface.rxDrops
			m.mu.Unlock()
		}
		iface.rxDrops = dropped

		if f.IsError() {
			iface.errors.RxErrorFrame(f)
			continue
		}
		iface.errors.RxDataFrame()

		m.dispatch(f, ts, iface.IfIndex())
	}
	return nil
}

// rawReceiver is implemented by sockets capable of yielding the
// ancillary timestamp/drop-count data alongside a frame.
type rawReceiver interface {
	ReceiveWithAncillary() (frame.Frame, time.Time, uint32, error)
}

// dispatch is the §8 universal property: deliver f to the first
// matching rx buffer (linear scan, first match wins), or drop it.
func (m *Module) dispatch(f frame.Frame, ts time.Time, ifIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.rx {
		b := &m.rx[i]
		if !b.used {
			continue
		}
		if frame.Matches(f.Ident, b.Ident, b.Mask) {
			b.LastTimestamp = ts
			b.LastIfIndex = ifIndex
			b.Handler(b.Object, f)
			return
		}
	}
}

// RxDropCount returns the cumulative kernel-reported overflow delta
// recorded across all interfaces.
func (m *Module) RxDropCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rxDropCount
}

// ErrorStatus aggregates the bus-health status bits across all bound
// interfaces.
func (m *Module) ErrorStatus() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var status uint16
	for _, iface := range m.interfaces {
		status |= iface.errors.Status()
	}
	return status
}

// Interfaces returns the module's bound interfaces (for orchestrator
// wiring of the multiplexer's received-event callback).
func (m *Module) Interfaces() []*Interface {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Interface(nil), m.interfaces...)
}

// isTransient reports whether err is one of the three rejection
// classes §4.C requires to set buffer_full/TX_BUSY instead of failing
// hard: interrupted syscalls and would-block timeouts (covered by
// Temporary()), plus CAN TX queue exhaustion (ENOBUFS), which
// syscall.Errno.Temporary() does not classify as temporary even
// though it is the most common real transient send failure.
func isTransient(err error) bool {
	if errors.Is(err, syscall.ENOBUFS) {
		return true
	}
	te, ok := err.(interface{ Temporary() bool })
	return ok && te.Temporary()
}
