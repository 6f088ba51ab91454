package can

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwagner/colinux/frame"
)

// fakeSocket is a test double for socket + rawReceiver, letting tests
// drive Send failures and queued receive frames without a real kernel
// socket.
type fakeSocket struct {
	ifIndex int
	ifName  string
	fd      int
	closed  bool

	sendErr   error
	sendCount int

	filters [][]kernelFilter

	rxQueue []fakeRx
	rxIdx   int
}

type fakeRx struct {
	frame   frame.Frame
	ts      time.Time
	dropped uint32
	err     error
}

type temporaryErr struct{ error }

func (temporaryErr) Temporary() bool { return true }

func (s *fakeSocket) IfIndex() int  { return s.ifIndex }
func (s *fakeSocket) IfName() string { return s.ifName }
func (s *fakeSocket) FD() int       { return s.fd }
func (s *fakeSocket) Close() error  { s.closed = true; return nil }

func (s *fakeSocket) Send(f frame.Frame) error {
	s.sendCount++
	return s.sendErr
}

func (s *fakeSocket) SetFilters(filters []kernelFilter) error {
	cp := append([]kernelFilter(nil), filters...)
	s.filters = append(s.filters, cp)
	return nil
}

func (s *fakeSocket) ReceiveWithAncillary() (frame.Frame, time.Time, uint32, error) {
	if s.rxIdx >= len(s.rxQueue) {
		return frame.Frame{}, time.Time{}, 0, errors.New("no more queued frames")
	}
	r := s.rxQueue[s.rxIdx]
	s.rxIdx++
	return r.frame, r.ts, r.dropped, r.err
}

type fakeMux struct {
	registered   map[int]any
	unregistered []int
}

func newFakeMux() *fakeMux { return &fakeMux{registered: map[int]any{}} }

func (m *fakeMux) RegisterRead(fd int, tag any) error {
	m.registered[fd] = tag
	return nil
}

func (m *fakeMux) Unregister(fd int) error {
	m.unregistered = append(m.unregistered, fd)
	delete(m.registered, fd)
	return nil
}

func newTestModule(t *testing.T, sock *fakeSocket) (*Module, *fakeMux, *Interface) {
	t.Helper()
	mux := newFakeMux()
	m := New(make([]RxBuffer, 4), make([]TxBuffer, 2), mux, withNewInterfaceFunc(func(ifIndex int, errorFrames bool) (socket, error) {
		return sock, nil
	}))
	iface, err := m.AddInterface(sock.ifIndex, false)
	require.NoError(t, err)
	return m, mux, iface
}

func TestAddInterfaceInstallsMatchNoneAndRegisters(t *testing.T) {
	sock := &fakeSocket{ifIndex: 1, ifName: "vcan0", fd: 7}
	_, mux, iface := newTestModule(t, sock)

	require.Len(t, sock.filters, 1)
	assert.Empty(t, sock.filters[0])
	assert.Equal(t, iface, mux.registered[7])
}

func TestAddInterfaceRejectedInNormalMode(t *testing.T) {
	sock := &fakeSocket{ifIndex: 1, ifName: "vcan0", fd: 7}
	m, _, _ := newTestModule(t, sock)
	require.NoError(t, m.SetNormal())

	_, err := m.AddInterface(2, false)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRxBufferInitFilterMatching(t *testing.T) {
	sock := &fakeSocket{ifIndex: 1, ifName: "vcan0", fd: 7}
	m, _, iface := newTestModule(t, sock)

	var got frame.Frame
	require.NoError(t, m.RxBufferInit(0, 0x181, frame.SFFMask, false, nil, func(_ any, f frame.Frame) {
		got = f
	}))
	require.NoError(t, m.SetNormal())

	f, err := frame.New(0x181, false, false, []byte{1, 2})
	require.NoError(t, err)
	sock.rxQueue = []fakeRx{{frame: f, ts: time.Now(), dropped: 0}}

	require.NoError(t, m.ReceiveFromEvent(iface))
	assert.Equal(t, uint32(0x181), got.ID())
}

func TestReceiveDispatchesFirstMatchOnly(t *testing.T) {
	sock := &fakeSocket{ifIndex: 1, ifName: "vcan0", fd: 7}
	m, _, iface := newTestModule(t, sock)

	var firstCalled, secondCalled bool
	require.NoError(t, m.RxBufferInit(0, 0x100, 0x700, false, nil, func(_ any, f frame.Frame) { firstCalled = true }))
	require.NoError(t, m.RxBufferInit(1, 0x100, frame.SFFMask, false, nil, func(_ any, f frame.Frame) { secondCalled = true }))
	require.NoError(t, m.SetNormal())

	f, err := frame.New(0x100, false, false, nil)
	require.NoError(t, err)
	sock.rxQueue = []fakeRx{{frame: f, ts: time.Now()}}

	require.NoError(t, m.ReceiveFromEvent(iface))
	assert.True(t, firstCalled)
	assert.False(t, secondCalled)
}

func TestReceiveTracksDropCount(t *testing.T) {
	sock := &fakeSocket{ifIndex: 1, ifName: "vcan0", fd: 7}
	m, _, iface := newTestModule(t, sock)
	require.NoError(t, m.SetNormal())

	f, err := frame.New(0x1, false, false, nil)
	require.NoError(t, err)
	sock.rxQueue = []fakeRx{
		{frame: f, dropped: 3},
		{frame: f, dropped: 5},
	}

	require.NoError(t, m.ReceiveFromEvent(iface))
	require.NoError(t, m.ReceiveFromEvent(iface))
	assert.EqualValues(t, 5, m.RxDropCount())
}

func TestSendMarksBufferFullOnTransientError(t *testing.T) {
	sock := &fakeSocket{ifIndex: 1, ifName: "vcan0", fd: 7, sendErr: temporaryErr{errors.New("would block")}}
	m, _, _ := newTestModule(t, sock)
	require.NoError(t, m.SetNormal())

	buf, err := m.TxBufferInit(0, 0x200, false, 0, false, 0)
	require.NoError(t, err)

	result, err := m.Send(buf)
	require.NoError(t, err)
	assert.Equal(t, ResultTxBusy, result)
	assert.True(t, buf.BufferFull)
	assert.Equal(t, 1, m.TxPendingCount())
}

func TestSendClearsBufferFullOnSuccess(t *testing.T) {
	sock := &fakeSocket{ifIndex: 1, ifName: "vcan0", fd: 7}
	m, _, _ := newTestModule(t, sock)
	require.NoError(t, m.SetNormal())

	buf, err := m.TxBufferInit(0, 0x200, false, 0, false, 0)
	require.NoError(t, err)
	buf.BufferFull = true
	m.txPendingCount = 1

	result, err := m.Send(buf)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, result)
	assert.False(t, buf.BufferFull)
	assert.Equal(t, 0, m.TxPendingCount())
}

func TestProcessRetriesOnlyOneBufferPerTick(t *testing.T) {
	sock := &fakeSocket{ifIndex: 1, ifName: "vcan0", fd: 7, sendErr: temporaryErr{errors.New("would block")}}
	m, _, _ := newTestModule(t, sock)
	require.NoError(t, m.SetNormal())

	buf0, err := m.TxBufferInit(0, 0x10, false, 0, false, 0)
	require.NoError(t, err)
	buf1, err := m.TxBufferInit(1, 0x11, false, 0, false, 0)
	require.NoError(t, err)

	_, err = m.Send(buf0)
	require.NoError(t, err)
	_, err = m.Send(buf1)
	require.NoError(t, err)
	require.Equal(t, 2, m.TxPendingCount())

	sendsBefore := sock.sendCount
	require.NoError(t, m.Process())
	assert.Equal(t, sendsBefore+1, sock.sendCount)
}

func TestDisableClosesAndUnregisters(t *testing.T) {
	sock := &fakeSocket{ifIndex: 1, ifName: "vcan0", fd: 7}
	m, mux, _ := newTestModule(t, sock)

	require.NoError(t, m.Disable())
	assert.True(t, sock.closed)
	assert.Contains(t, mux.unregistered, 7)
	assert.Empty(t, m.Interfaces())
}
