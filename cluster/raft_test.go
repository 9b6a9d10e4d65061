package cluster

import (
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/lxc/dqlited/internal/logging"
	"github.com/lxc/dqlited/replication"
	"github.com/lxc/dqlited/vfs"
	"github.com/stretchr/testify/require"
)

func openTestInstance(t *testing.T) *Instance {
	t.Helper()
	fsm := replication.NewFSM(vfs.NewRegistry(), logging.New())
	cfg := Config{
		LocalID: raft.ServerID("1"),
		Dir:     t.TempDir(),
		Latency: 0.05,
	}
	inst, err := Open(cfg, fsm, logging.New())
	require.NoError(t, err)
	t.Cleanup(func() { inst.Shutdown() })
	return inst
}

func waitForLeader(t *testing.T, inst *Instance) {
	t.Helper()
	require.Eventually(t, func() bool {
		return inst.Raft.State() == raft.Leader
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOpenSingleNodeSelfElects(t *testing.T) {
	inst := openTestInstance(t)
	waitForLeader(t, inst)
}

func TestOpenRejectsNonPositiveLatency(t *testing.T) {
	fsm := replication.NewFSM(vfs.NewRegistry(), logging.New())
	_, err := Open(Config{LocalID: raft.ServerID("1"), Dir: t.TempDir(), Latency: 0}, fsm, logging.New())
	require.Error(t, err)
}

func TestClusterReportsLeaderAndServers(t *testing.T) {
	inst := openTestInstance(t)
	waitForLeader(t, inst)

	c := NewCluster(inst)

	addr, ok := c.Leader()
	require.True(t, ok)
	require.NotEmpty(t, addr)

	servers, err := c.Servers()
	require.NoError(t, err)
	require.Len(t, servers, 1)
}

func TestParseRaftLogLineExtractsLevel(t *testing.T) {
	level, msg := parseRaftLogLine("2024/01/01 00:00:00 [INFO] raft: some message\n")
	require.Equal(t, "INFO", level)
	require.Equal(t, "raft: some message", msg)
}

func TestParseRaftLogLineWithoutBracketsReturnsEmptyLevel(t *testing.T) {
	level, msg := parseRaftLogLine("plain line\n")
	require.Equal(t, "", level)
	require.Equal(t, "plain line", msg)
}
