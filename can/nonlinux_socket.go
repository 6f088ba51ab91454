//go:build !linux

package can

import (
	"fmt"
	"net"
	"time"

	sockcan "github.com/brutella/can"

	"github.com/mwagner/colinux/frame"
)

// brutellaSocket backs the can.Module's socket interface with
// brutella/can instead of a raw kernel socket, for development builds
// on platforms without SocketCAN (§"domain stack", portability
// rationale from the teacher's pkg/can/socketcan wrapper). It has no
// kernel filter engine or file descriptor to register with an event
// loop: SetFilters is a software no-op and FD reports -1.
type brutellaSocket struct {
	bus     *sockcan.Bus
	ifName  string
	ifIndex int

	rx chan sockcan.Frame
}

func newLinuxSocket(ifIndex int, errorFrameReporting bool) (socket, error) {
	iface, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		return nil, fmt.Errorf("can: resolving interface %d: %w", ifIndex, err)
	}

	bus, err := sockcan.NewBusForInterfaceWithName(iface.Name)
	if err != nil {
		return nil, fmt.Errorf("can: opening brutella bus on %s: %w", iface.Name, err)
	}

	s := &brutellaSocket{
		bus:     bus,
		ifName:  iface.Name,
		ifIndex: ifIndex,
		rx:      make(chan sockcan.Frame, 64),
	}
	bus.Subscribe(s)
	go bus.ConnectAndPublish()
	return s, nil
}

// Handle is brutella/can's receive callback interface.
func (s *brutellaSocket) Handle(f sockcan.Frame) {
	select {
	case s.rx <- f:
	default: // channel full, drop silently like an overrun kernel queue
	}
}

func (s *brutellaSocket) IfIndex() int   { return s.ifIndex }
func (s *brutellaSocket) IfName() string { return s.ifName }
func (s *brutellaSocket) FD() int        { return -1 }

// Send publishes the frame. brutella/can's Frame.ID mirrors struct
// can_frame's can_id field directly, so the EFF/RTR bits already
// packed into f.Ident carry across unchanged; Flags is left at its
// zero value like the teacher's own socketcan wrapper does.
func (s *brutellaSocket) Send(f frame.Frame) error {
	return s.bus.Publish(sockcan.Frame{
		ID:     f.Ident,
		Length: f.Length(),
		Data:   f.Data,
	})
}

// SetFilters is a no-op: brutella/can delivers every frame on the bus
// and has no kernel-side filter mechanism to program.
func (s *brutellaSocket) SetFilters(filters []kernelFilter) error { return nil }

func (s *brutellaSocket) Close() error {
	return s.bus.Disconnect()
}

// ReceiveWithAncillary blocks for the next frame delivered via Handle.
// brutella/can exposes no hardware/software timestamp or overrun
// counter, so the timestamp is taken at delivery time and the drop
// count is always reported as the caller's last-seen value (0 delta).
func (s *brutellaSocket) ReceiveWithAncillary() (frame.Frame, time.Time, uint32, error) {
	bf := <-s.rx
	var data [8]byte
	copy(data[:], bf.Data[:])
	f := frame.Frame{Ident: bf.ID, Len: bf.Length, Data: data}
	return f, time.Now(), 0, nil
}
