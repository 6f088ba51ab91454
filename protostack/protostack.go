// Package protostack defines the boundary between the runtime harness
// and the CANopen protocol state machines themselves (NMT, SDO, PDO,
// heartbeat, emergency, LSS). Those machines are treated as an opaque
// callable surface owned elsewhere; this package only describes the
// shape of that surface plus a minimal heartbeat-only stand-in useful
// for local development and for exercising the orchestrator's wiring
// without a full protocol implementation.
package protostack

import (
	"time"

	"github.com/mwagner/colinux/frame"
)

// ResetCmd is the outcome of one mainline processing call, driving the
// runtime orchestrator's outer state machine.
type ResetCmd int

const (
	ResetNone ResetCmd = iota
	ResetCommunication
	ResetApp
	Quit
)

// Identity configures the protocol stack at (re)initialization.
type Identity struct {
	NodeID   uint8 // 1..127, or 0xFF for LSS-unconfigured
	Priority int   // host FIFO-priority range, -1 = default scheduler
}

// Stack is the external protocol-stack collaborator. The runtime
// orchestrator owns its lifecycle; everything else in this module only
// sees frames in and frames out.
type Stack interface {
	// Init (re)initializes the stack for communication-reset or first
	// start.
	Init(identity Identity) error

	// SetWakeCallback installs the function the stack may call from
	// any context to ask the mainline thread to wake early.
	SetWakeCallback(fn func())

	// ProcessRealtime advances synchronization and process-data
	// objects by delta. realtime is true when called from a dedicated
	// realtime thread, in which case suspends must not lower the
	// returned next-deadline hint.
	ProcessRealtime(delta time.Duration, realtime bool) (nextDeadline time.Duration)

	// ProcessMain advances slow protocol processing by delta and
	// reports whether a reset was requested.
	ProcessMain(delta time.Duration, gatewayEnabled bool) ResetCmd

	// EmergencyReport surfaces the CAN module's aggregated bus-health
	// status bits as a protocol-level emergency, if the status
	// changed since the last report.
	EmergencyReport(status uint16)

	// RxBuffers returns the stack's desired (ident, mask, handler)
	// receive registrations, consumed once at init by the
	// orchestrator to wire the CAN module.
	RxBuffers() []RxBufferSpec
}

// RxBufferSpec is one receive registration the orchestrator installs
// into the CAN module on the stack's behalf.
type RxBufferSpec struct {
	Ident, Mask uint32
	RTR         bool
	Handler     func(f frame.Frame)
}

// HeartbeatShim is a minimal Stack implementation that only consumes
// NMT heartbeat frames (CANopen object 0x700+nodeId) and never
// requests a reset on its own. It exists to let the orchestrator and
// transport layers be exercised end to end without a full protocol
// stack.
type HeartbeatShim struct {
	identity Identity
	wake     func()

	lastState  map[uint8]uint8
	lastStatus uint16
}

// NewHeartbeatShim constructs a shim stack.
func NewHeartbeatShim() *HeartbeatShim {
	return &HeartbeatShim{lastState: make(map[uint8]uint8)}
}

func (h *HeartbeatShim) Init(identity Identity) error {
	h.identity = identity
	h.lastState = make(map[uint8]uint8)
	return nil
}

func (h *HeartbeatShim) SetWakeCallback(fn func()) { h.wake = fn }

func (h *HeartbeatShim) ProcessRealtime(delta time.Duration, realtime bool) time.Duration {
	return 0
}

func (h *HeartbeatShim) ProcessMain(delta time.Duration, gatewayEnabled bool) ResetCmd {
	return ResetNone
}

func (h *HeartbeatShim) EmergencyReport(status uint16) {
	h.lastStatus = status
}

func (h *HeartbeatShim) RxBuffers() []RxBufferSpec {
	return []RxBufferSpec{
		{
			Ident: 0x700,
			Mask:  0x780, // matches 0x700..0x77F, the heartbeat COB-ID range
			Handler: func(f frame.Frame) {
				nodeID := uint8(f.ID() & 0x7F)
				if f.Length() < 1 {
					return
				}
				h.lastState[nodeID] = f.Payload()[0]
			},
		},
	}
}

// NodeState reports the last heartbeat-reported NMT state byte for
// nodeID, and whether one has ever been received.
func (h *HeartbeatShim) NodeState(nodeID uint8) (state uint8, known bool) {
	s, ok := h.lastState[nodeID]
	return s, ok
}

// HandleLine implements gateway.Engine with a tiny diagnostic command
// set, enough to confirm the transport is wired up correctly without
// pulling in a real ASCII command grammar.
func (h *HeartbeatShim) HandleLine(line string) []string {
	switch line {
	case "":
		return nil
	case "status":
		return []string{"OK"}
	default:
		return []string{"ERROR:100"} // request not supported
	}
}
