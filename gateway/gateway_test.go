package gateway

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoEngine struct{ calls []string }

func (e *echoEngine) HandleLine(line string) []string {
	e.calls = append(e.calls, line)
	if line == "" {
		return nil
	}
	return []string{"ok: " + line}
}

func TestShouldPrefix(t *testing.T) {
	assert.True(t, shouldPrefix("read 0x1017"))
	assert.False(t, shouldPrefix("[0] already prefixed"))
	assert.False(t, shouldPrefix("# a comment"))
	assert.False(t, shouldPrefix(""))
}

func TestLocalSocketRoundTrip(t *testing.T) {
	engine := &echoEngine{}
	sockPath := filepath.Join(t.TempDir(), "gw.sock")
	tr, err := New(Config{Mode: ModeLocalSocket, SocketPath: sockPath}, engine, nil)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Process(0)) // nothing to accept yet

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for tr.conn == nil && time.Now().Before(deadline) {
		require.NoError(t, tr.Process(time.Millisecond))
	}
	require.NotNil(t, tr.conn)

	_, err = conn.Write([]byte("foo\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	for i := 0; i < 50; i++ {
		require.NoError(t, tr.Process(time.Millisecond))
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ok: foo\n", string(buf[:n]))
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	engine := &echoEngine{}
	sockPath := filepath.Join(t.TempDir(), "gw.sock")
	tr, err := New(Config{Mode: ModeLocalSocket, SocketPath: sockPath, IdleTimeout: 10 * time.Millisecond}, engine, nil)
	require.NoError(t, err)
	defer tr.Close()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for tr.conn == nil && time.Now().Before(deadline) {
		require.NoError(t, tr.Process(time.Millisecond))
	}
	require.NotNil(t, tr.conn)

	for i := 0; i < 20; i++ {
		require.NoError(t, tr.Process(2*time.Millisecond))
	}
	assert.Nil(t, tr.conn)
}
