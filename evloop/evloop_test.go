//go:build linux

package evloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestTimerFiresAndReportsElapsed(t *testing.T) {
	l, err := New(5 * time.Millisecond)
	require.NoError(t, err)
	defer l.Close()

	_, timerFired, elapsed, err := l.Wait()
	require.NoError(t, err)
	assert.True(t, timerFired)
	assert.Greater(t, elapsed, time.Duration(0))
}

func TestWakeReturnsImmediately(t *testing.T) {
	l, err := New(time.Hour)
	require.NoError(t, err)
	defer l.Close()

	done := make(chan struct{})
	go func() {
		_, _, _, _ = l.Wait()
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, l.Wake())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Wake")
	}
}

func TestRearmLowersDeadline(t *testing.T) {
	l, err := New(time.Hour)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Rearm(2*time.Millisecond))

	_, timerFired, _, err := l.Wait()
	require.NoError(t, err)
	assert.True(t, timerFired)
}

func TestRegisterReadDeliversCustomFD(t *testing.T) {
	l, err := New(time.Hour)
	require.NoError(t, err)
	defer l.Close()

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], 0))
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	defer unix.Close(w)

	require.NoError(t, l.RegisterRead(r, "pipe-tag"))
	_, err = unix.Write(w, []byte{1})
	require.NoError(t, err)

	events, _, _, err := l.Wait()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "pipe-tag", events[0].Tag)
}
