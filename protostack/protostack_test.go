package protostack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwagner/colinux/frame"
)

func TestHeartbeatShimTracksNodeState(t *testing.T) {
	h := NewHeartbeatShim()
	require.NoError(t, h.Init(Identity{NodeID: 1}))

	specs := h.RxBuffers()
	require.Len(t, specs, 1)

	f, err := frame.New(0x705, false, false, []byte{0x05})
	require.NoError(t, err)
	specs[0].Handler(f)

	state, known := h.NodeState(5)
	require.True(t, known)
	assert.EqualValues(t, 0x05, state)

	_, known = h.NodeState(6)
	assert.False(t, known)
}

func TestHeartbeatShimHandleLine(t *testing.T) {
	h := NewHeartbeatShim()
	assert.Equal(t, []string{"OK"}, h.HandleLine("status"))
	assert.Equal(t, []string{"ERROR:100"}, h.HandleLine("bogus"))
	assert.Nil(t, h.HandleLine(""))
}

func TestHeartbeatShimNeverRequestsReset(t *testing.T) {
	h := NewHeartbeatShim()
	require.NoError(t, h.Init(Identity{NodeID: 1}))
	assert.Equal(t, ResetNone, h.ProcessMain(0, false))
}
