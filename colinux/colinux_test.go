//go:build linux

package colinux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwagner/colinux/can"
	"github.com/mwagner/colinux/evloop"
	"github.com/mwagner/colinux/protostack"
)

type fakeStack struct {
	mainCalls int
	quitAfter int
	wake      func()
}

func (f *fakeStack) Init(identity protostack.Identity) error { return nil }
func (f *fakeStack) SetWakeCallback(fn func())                { f.wake = fn }
func (f *fakeStack) ProcessRealtime(delta time.Duration, realtime bool) time.Duration {
	return 0
}
func (f *fakeStack) ProcessMain(delta time.Duration, gatewayEnabled bool) protostack.ResetCmd {
	f.mainCalls++
	if f.mainCalls >= f.quitAfter {
		return protostack.Quit
	}
	return protostack.ResetNone
}
func (f *fakeStack) EmergencyReport(status uint16) {}
func (f *fakeStack) RxBuffers() []protostack.RxBufferSpec { return nil }

// neverQuitStack never requests a reset on its own; only
// Runtime.RequestShutdown can end Run.
type neverQuitStack struct{}

func (neverQuitStack) Init(identity protostack.Identity) error { return nil }
func (neverQuitStack) SetWakeCallback(fn func())                {}
func (neverQuitStack) ProcessRealtime(delta time.Duration, realtime bool) time.Duration {
	return 0
}
func (neverQuitStack) ProcessMain(delta time.Duration, gatewayEnabled bool) protostack.ResetCmd {
	return protostack.ResetNone
}
func (neverQuitStack) EmergencyReport(status uint16)          {}
func (neverQuitStack) RxBuffers() []protostack.RxBufferSpec { return nil }

func TestRunExitsOnQuit(t *testing.T) {
	mux, err := evloop.New(5 * time.Millisecond)
	require.NoError(t, err)
	defer mux.Close()

	canModule := can.New(make([]can.RxBuffer, 2), make([]can.TxBuffer, 2), mux)
	stack := &fakeStack{quitAfter: 2}

	rt := New(Config{MainPeriod: 5 * time.Millisecond}, stack, canModule, nil, nil, nil)

	done := make(chan error, 1)
	go func() { done <- rt.Run() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit after Quit")
	}
	assert.GreaterOrEqual(t, stack.mainCalls, 2)
}

func TestRequestShutdownStopsRun(t *testing.T) {
	mux, err := evloop.New(5 * time.Millisecond)
	require.NoError(t, err)
	defer mux.Close()

	canModule := can.New(make([]can.RxBuffer, 2), make([]can.TxBuffer, 2), mux)
	rt := New(Config{MainPeriod: 5 * time.Millisecond, RealtimePeriod: time.Millisecond}, neverQuitStack{}, canModule, nil, nil, nil)

	done := make(chan error, 1)
	go func() { done <- rt.Run() }()

	// let the runtime reach StateRun and spin up the realtime thread
	// before requesting shutdown.
	time.Sleep(20 * time.Millisecond)
	rt.RequestShutdown()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit after RequestShutdown")
	}
}
