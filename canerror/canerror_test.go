package canerror

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwagner/colinux/frame"
	"github.com/mwagner/colinux/internal/restartstrategy"
)

func errFrame(canID uint32, data1 uint8) frame.Frame {
	f := frame.Frame{Ident: canID | frame.ERRFlag}
	f.Len = 8
	f.Data[1] = data1
	return f
}

func newTestHandler(t *testing.T, clock *fakeClock) (*Handler, *int) {
	t.Helper()
	restarts := 0
	h := New("vcan0",
		withClock(clock.Now),
		WithRestartStrategy(restartstrategy.Func(func(string) error {
			restarts++
			return nil
		})),
	)
	return h, &restarts
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBusOffEntersListenOnlyAndRecovers(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	h, restarts := newTestHandler(t, clock)

	state := h.RxErrorFrame(errFrame(classBusOff, 0))
	assert.Equal(t, ListenOnly, state)
	assert.Equal(t, ListenOnly, h.State())
	assert.NotZero(t, h.Status()&StatusTxBusOff)
	assert.Equal(t, 1, *restarts)

	// before 10s dwell, still listen-only
	clock.Advance(9 * time.Second)
	assert.Equal(t, ListenOnly, h.BeforeTx())

	// after dwell elapses, probe recovers to ACTIVE
	clock.Advance(2 * time.Second)
	assert.Equal(t, Active, h.BeforeTx())
	assert.Equal(t, Active, h.State())
}

func TestNoAckStreak(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	h, _ := newTestHandler(t, clock)

	for i := 0; i < DefaultNoAckThreshold-1; i++ {
		state := h.RxErrorFrame(errFrame(classAck, 0))
		assert.Equal(t, Active, state, "iteration %d should stay active", i)
	}
	// the 16th no-ack error frame (counter reaching the threshold) flips to listen-only
	state := h.RxErrorFrame(errFrame(classAck, 0))
	assert.Equal(t, ListenOnly, state)
	assert.Equal(t, ListenOnly, h.State())
}

func TestDataFrameResetsNoAckStreak(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	h, _ := newTestHandler(t, clock)

	for i := 0; i < DefaultNoAckThreshold-1; i++ {
		h.RxErrorFrame(errFrame(classAck, 0))
	}
	h.RxDataFrame()
	assert.Equal(t, Active, h.State())
	assert.Equal(t, 0, h.noAckCounter)

	// streak must restart from zero, so threshold more frames before listen-only
	for i := 0; i < DefaultNoAckThreshold-1; i++ {
		state := h.RxErrorFrame(errFrame(classAck, 0))
		assert.Equal(t, Active, state)
	}
}

func TestNoAckFrozenDuringExistingListenOnly(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	h, _ := newTestHandler(t, clock)
	h.RxErrorFrame(errFrame(classBusOff, 0))
	require.Equal(t, ListenOnly, h.State())

	// no-ack frames while already listen-only must not touch the counter
	for i := 0; i < 100; i++ {
		state := h.RxErrorFrame(errFrame(classAck, 0))
		assert.Equal(t, ListenOnly, state)
	}
	assert.Equal(t, 0, h.noAckCounter)
}

func TestControllerClassifiesPassiveAndClearsBusOff(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	h, _ := newTestHandler(t, clock)
	h.RxErrorFrame(errFrame(classBusOff, 0))
	require.NotZero(t, h.Status()&StatusTxBusOff)

	state := h.RxErrorFrame(errFrame(classCrtl, ctrlRxPass))
	assert.Equal(t, Active, state)
	assert.Zero(t, h.Status()&StatusTxBusOff)
	assert.NotZero(t, h.Status()&StatusRxPassive)
}

func TestClassificationOrderBusOffFirst(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	h, _ := newTestHandler(t, clock)
	// a frame carrying both bus-off and controller class bits classifies as bus-off
	state := h.RxErrorFrame(errFrame(classBusOff|classCrtl, ctrlRxPass))
	assert.Equal(t, ListenOnly, state)
}
