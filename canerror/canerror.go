// Package canerror implements the per-interface bus-health state
// machine that classifies kernel CAN error frames into ACTIVE,
// LISTEN_ONLY and BUS_OFF, per CiA's error-counting rules as adapted
// by CANopenNode's Linux socketCAN layer (CO_error.c).
package canerror

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mwagner/colinux/frame"
	"github.com/mwagner/colinux/internal/restartstrategy"
)

// State is one of the three bus-health states of §3/§4.B.
type State int

const (
	Active State = iota
	ListenOnly
	BusOff
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case ListenOnly:
		return "LISTEN_ONLY"
	case BusOff:
		return "BUS_OFF"
	default:
		return "UNKNOWN"
	}
}

// Error status bitfield, mirroring the kernel's CAN_ERR_CRTL data byte
// classes plus the bus-off bit the handler itself tracks.
const (
	StatusTxWarning  uint16 = 0x0001
	StatusTxPassive  uint16 = 0x0002
	StatusTxBusOff   uint16 = 0x0004
	StatusTxOverflow uint16 = 0x0008
	StatusTxPDOLate  uint16 = 0x0080
	StatusRxWarning  uint16 = 0x0100
	StatusRxPassive  uint16 = 0x0200
	StatusRxOverflow uint16 = 0x0800
)

// Linux's <linux/can/error.h> classification bits carried on error
// frames: byte 0 of can_id for class, data[1] for controller detail.
const (
	classBusOff uint32 = 0x00000040 // CAN_ERR_BUSOFF class bit in can_id
	classCrtl   uint32 = 0x00000004 // CAN_ERR_CRTL class bit in can_id
	classAck    uint32 = 0x00000020 // CAN_ERR_ACK class bit in can_id
	ctrlRxOvfl  uint8  = 0x01       // CAN_ERR_CRTL_RX_OVERFLOW
	ctrlTxOvfl  uint8  = 0x02       // CAN_ERR_CRTL_TX_OVERFLOW
	ctrlRxWarn  uint8  = 0x04       // CAN_ERR_CRTL_RX_WARNING
	ctrlTxWarn  uint8  = 0x08       // CAN_ERR_CRTL_TX_WARNING
	ctrlRxPass  uint8  = 0x10       // CAN_ERR_CRTL_RX_PASSIVE
	ctrlTxPass  uint8  = 0x20       // CAN_ERR_CRTL_TX_PASSIVE
)

// Default tunables, overridable at construction.
const (
	DefaultNoAckThreshold = 16
	DefaultListenOnlyDwell = 10 * time.Second
)

// nowFunc is overridable in tests.
type nowFunc func() time.Time

// Handler is the per-interface bus-health state machine described in
// §4.B. It is not safe for concurrent use from more than one goroutine
// without external synchronization; in the two-thread model its owning
// CAN interface (§5) is only ever touched by the thread that owns that
// interface's receive path.
type Handler struct {
	ifName string
	noAckThreshold int
	listenOnlyDwell time.Duration
	restart        restartstrategy.Strategy
	log            *logrus.Logger
	now            nowFunc

	noAckCounter    int
	listenOnly      bool
	listenOnlySince time.Time
	status          uint16
}

// Option configures a Handler at construction.
type Option func(*Handler)

// WithNoAckThreshold overrides DefaultNoAckThreshold.
func WithNoAckThreshold(n int) Option { return func(h *Handler) { h.noAckThreshold = n } }

// WithListenOnlyDwell overrides DefaultListenOnlyDwell.
func WithListenOnlyDwell(d time.Duration) Option { return func(h *Handler) { h.listenOnlyDwell = d } }

// WithRestartStrategy overrides the default shell-based interface restart.
func WithRestartStrategy(s restartstrategy.Strategy) Option {
	return func(h *Handler) { h.restart = s }
}

// WithLogger overrides the default logger.
func WithLogger(l *logrus.Logger) Option { return func(h *Handler) { h.log = l } }

// withClock is test-only: overrides the time source.
func withClock(f nowFunc) Option { return func(h *Handler) { h.now = f } }

// New creates a Handler for the named interface, initial state ACTIVE.
func New(ifName string, opts ...Option) *Handler {
	h := &Handler{
		ifName:          ifName,
		noAckThreshold:  DefaultNoAckThreshold,
		listenOnlyDwell: DefaultListenOnlyDwell,
		restart:         restartstrategy.Shell(),
		log:             logrus.StandardLogger(),
		now:             time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// State reports the handler's current derived state.
func (h *Handler) State() State {
	if h.listenOnly {
		return ListenOnly
	}
	return Active
}

// Status returns the accumulated error-status bitfield.
func (h *Handler) Status() uint16 { return h.status }

// ListenOnlySince returns the monotonic timestamp listen-only began.
// Invariant: valid only while State() == ListenOnly.
func (h *Handler) ListenOnlySince() time.Time { return h.listenOnlySince }

// RxDataFrame observes traffic from another node: clears listen-only
// and resets the no-ack streak.
func (h *Handler) RxDataFrame() {
	if h.listenOnly {
		h.clearListenOnly()
	}
	h.noAckCounter = 0
}

// RxErrorFrame classifies a kernel error frame and advances state.
// Classification order is bus-off, then controller, then no-ack; the
// first matching class wins (§4.B tie-break).
func (h *Handler) RxErrorFrame(f frame.Frame) State {
	id := f.Ident
	data := f.Data

	if id&classBusOff != 0 {
		h.setListenOnly(true)
		h.status |= StatusTxBusOff
		h.log.WithField("interface", h.ifName).Warn("CAN bus-off detected, restarting interface")
		return ListenOnly
	}

	if id&classCrtl != 0 {
		h.status &^= StatusTxBusOff
		switch {
		case data[1]&ctrlRxPass != 0:
			h.status |= StatusRxPassive
			h.log.WithField("interface", h.ifName).Info("CAN receiver passive")
		case data[1]&ctrlTxPass != 0:
			h.status |= StatusTxPassive
			h.log.WithField("interface", h.ifName).Info("CAN transmitter passive")
		case data[1]&ctrlRxOvfl != 0:
			h.status |= StatusRxOverflow
			h.log.WithField("interface", h.ifName).Info("CAN receive buffer overflow")
		case data[1]&ctrlTxOvfl != 0:
			h.status |= StatusTxOverflow
			h.log.WithField("interface", h.ifName).Info("CAN transmit buffer overflow")
		case data[1]&ctrlRxWarn != 0:
			h.status &^= StatusRxPassive
		case data[1]&ctrlTxWarn != 0:
			h.status &^= StatusTxPassive
		}
		return Active
	}

	if id&classAck != 0 {
		return h.handleNoAck()
	}

	return h.State()
}

func (h *Handler) handleNoAck() State {
	if h.listenOnly {
		return ListenOnly
	}
	h.noAckCounter++
	if h.noAckCounter >= h.noAckThreshold {
		h.log.WithField("interface", h.ifName).Info("no-ack streak exceeded threshold, entering listen-only")
		h.setListenOnly(true)
		return ListenOnly
	}
	return Active
}

func (h *Handler) setListenOnly(resetIf bool) {
	h.listenOnly = true
	h.listenOnlySince = h.now()
	if resetIf {
		if err := h.restart.Restart(h.ifName); err != nil {
			h.log.WithError(err).WithField("interface", h.ifName).Warn("interface restart failed")
		}
	}
}

func (h *Handler) clearListenOnly() {
	h.listenOnly = false
	h.listenOnlySince = time.Time{}
}

// BeforeTx probes for recovery before a transmit attempt: if listen-only
// for longer than the configured dwell, leave listen-only and report
// ACTIVE; otherwise report the current (listen-only) state.
func (h *Handler) BeforeTx() State {
	if !h.listenOnly {
		return Active
	}
	if h.now().Sub(h.listenOnlySince) > h.listenOnlyDwell {
		h.clearListenOnly()
		return Active
	}
	return ListenOnly
}
