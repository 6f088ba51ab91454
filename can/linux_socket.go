//go:build linux

package can

import (
	"fmt"
	"net"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mwagner/colinux/frame"
)

// linuxSocket is a raw CAN_RAW socket bound to one interface, grounded
// on the kernel ABI documented in CO_CANmodule_addInterface: SO_RXQ_OVFL
// for drop-count reporting and software SO_TIMESTAMPING for receive
// timestamps. Hardware timestamping is intentionally not requested: it
// does not work reliably across SocketCAN drivers.
type linuxSocket struct {
	fd      int
	ifIndex int
	ifName  string
}

func newLinuxSocket(ifIndex int, errorFrameReporting bool) (socket, error) {
	iface, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		return nil, fmt.Errorf("resolving interface index %d: %w", ifIndex, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("opening raw CAN socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RXQ_OVFL, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("setting SO_RXQ_OVFL: %w", err)
	}

	timestampFlags := unix.SOF_TIMESTAMPING_SOFTWARE | unix.SOF_TIMESTAMPING_RX_SOFTWARE
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPING, timestampFlags); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("setting SO_TIMESTAMPING: %w", err)
	}

	if errorFrameReporting {
		// CAN_RAW_ERR_FILTER takes a single can_err_mask_t, not a filter list.
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, unix.CAN_ERR_MASK); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("setting error-frame filter: %w", err)
		}
	}

	addr := &unix.SockaddrCAN{Ifindex: iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("binding to %s: %w", iface.Name, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("setting non-blocking mode: %w", err)
	}

	return &linuxSocket{fd: fd, ifIndex: iface.Index, ifName: iface.Name}, nil
}

func (s *linuxSocket) IfIndex() int { return s.ifIndex }
func (s *linuxSocket) IfName() string { return s.ifName }
func (s *linuxSocket) FD() int { return s.fd }

func (s *linuxSocket) Close() error { return unix.Close(s.fd) }

func (s *linuxSocket) Send(f frame.Frame) error {
	buf := f.Marshal()
	n, err := unix.Write(s.fd, buf[:])
	if err != nil {
		return err
	}
	if n != frame.Size {
		return fmt.Errorf("short write: wrote %d of %d bytes", n, frame.Size)
	}
	return nil
}

func (s *linuxSocket) SetFilters(filters []kernelFilter) error {
	if len(filters) == 0 {
		// Match-none: a single filter that can never match any valid
		// identifier, per CO_CANmodule_addInterface's initial state.
		none := []unix.CanFilter{{Id: 0, Mask: 0xFFFFFFFF}}
		return unix.SetsockoptCanRawFilter(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, none)
	}
	raw := make([]unix.CanFilter, len(filters))
	for i, f := range filters {
		raw[i] = unix.CanFilter{Id: f.Ident, Mask: f.Mask}
	}
	return unix.SetsockoptCanRawFilter(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, raw)
}

// ReceiveWithAncillary performs one recvmsg, extracting the software
// receive timestamp and the cumulative SO_RXQ_OVFL drop counter from
// the control message buffer, per CO_CANread.
func (s *linuxSocket) ReceiveWithAncillary() (frame.Frame, time.Time, uint32, error) {
	var buf [frame.Size]byte
	oob := make([]byte, unix.CmsgSpace(int(unsafe.Sizeof(unix.Timespec{}))*3)+unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(s.fd, buf[:], oob, 0)
	if err != nil {
		return frame.Frame{}, time.Time{}, 0, err
	}
	if n != frame.Size {
		return frame.Frame{}, time.Time{}, 0, fmt.Errorf("short read: got %d of %d bytes", n, frame.Size)
	}

	f, err := frame.Unmarshal(buf[:n])
	if err != nil {
		return frame.Frame{}, time.Time{}, 0, err
	}

	ts := time.Now()
	var dropped uint32

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err == nil {
		for _, cmsg := range cmsgs {
			switch {
			case cmsg.Header.Level == unix.SOL_SOCKET && cmsg.Header.Type == unix.SO_TIMESTAMPING:
				if len(cmsg.Data) >= int(unsafe.Sizeof(unix.Timespec{})) {
					var tv unix.Timespec
					tv = *(*unix.Timespec)(unsafe.Pointer(&cmsg.Data[0]))
					if tv.Sec != 0 || tv.Nsec != 0 {
						ts = time.Unix(int64(tv.Sec), int64(tv.Nsec))
					}
				}
			case cmsg.Header.Level == unix.SOL_SOCKET && cmsg.Header.Type == unix.SO_RXQ_OVFL:
				if len(cmsg.Data) >= 4 {
					dropped = *(*uint32)(unsafe.Pointer(&cmsg.Data[0]))
				}
			}
		}
	}

	return f, ts, dropped, nil
}
