package cluster

import (
	"testing"

	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriole-im/oriole/config"
)

func TestNewStartsStandaloneNode(t *testing.T) {
	m, err := New(config.ClusterConfig{
		Enabled:  true,
		NodeID:   "node-solo",
		BindAddr: "127.0.0.1",
		BindPort: 0,
	})
	require.NoError(t, err)
	defer m.Shutdown()

	assert.Equal(t, NodeID("node-solo"), m.LocalNodeID())
	assert.True(t, m.IsSenior())
	assert.Equal(t, NodeID("node-solo"), m.SeniorID())
	assert.Equal(t, 1, m.MemberCount())
}

func TestDepartedSeniorPromotesSurvivorBeforeLeftCallbacks(t *testing.T) {
	m := &Manager{
		nodeID:   "node-b",
		joinedAt: 2,
		caches:   make(map[string]remoteApplier),
	}
	m.delegate = &clusterDelegate{manager: m}
	m.seniorID = "node-a"

	// The departure callback must already observe the promoted state, or
	// senior-only cleanup never runs anywhere.
	var seniorDuringCallback bool
	m.OnMemberLeft(func(isLocal bool, node NodeID) {
		seniorDuringCallback = m.IsSenior()
	})

	m.delegate.NotifyLeave(&memberlist.Node{Name: "node-a"})

	assert.True(t, seniorDuringCallback)
	assert.Equal(t, NodeID("node-b"), m.SeniorID())
	assert.True(t, m.IsSenior())
}
