package replication

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/lxc/dqlited/format"
	"github.com/lxc/dqlited/internal/logging"
	"github.com/lxc/dqlited/vfs"
	"github.com/stretchr/testify/require"
)

type fakeFuture struct {
	resp interface{}
	err  error
}

func (f *fakeFuture) Error() error          { return f.err }
func (f *fakeFuture) Index() uint64         { return 1 }
func (f *fakeFuture) Response() interface{} { return f.resp }

type fakeRaft struct {
	state    raft.RaftState
	applied  [][]byte
	fsm      *FSM
	failNext error
}

func (r *fakeRaft) State() raft.RaftState { return r.state }

func (r *fakeRaft) Apply(cmd []byte, timeout time.Duration) raft.ApplyFuture {
	r.applied = append(r.applied, cmd)
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return &fakeFuture{err: err}
	}
	resp := r.fsm.Apply(&raft.Log{Data: cmd})
	if err, ok := resp.(error); ok {
		return &fakeFuture{resp: err}
	}
	return &fakeFuture{}
}

type fakeConn struct{ id string }

func (c fakeConn) ConnID() string { return c.id }

func newTestHook(t *testing.T) (*Hook, *fakeRaft, *vfs.Registry) {
	t.Helper()
	r := vfs.NewRegistry()
	fsm := NewFSM(r, logging.New())
	fr := &fakeRaft{state: raft.Leader, fsm: fsm}
	hook := NewHook(fr, nil, r, time.Second, logging.New())
	return hook, fr, r
}

func TestBeginEndSingleWriter(t *testing.T) {
	hook, _, _ := newTestHook(t)

	a := fakeConn{"a"}
	b := fakeConn{"b"}

	require.NoError(t, hook.Begin("test.db", a))
	require.Error(t, hook.Begin("test.db", b))

	hook.End("test.db", a)
	require.NoError(t, hook.Begin("test.db", b))
}

func TestFramesSubmitsAndAppliesThroughFSM(t *testing.T) {
	hook, fr, r := newTestHook(t)

	_, err := r.Open("test.db", vfs.OpenReadWrite|vfs.OpenCreate|vfs.OpenMainDB)
	require.NoError(t, err)
	wal, err := r.Open("test.db-wal", vfs.OpenReadWrite|vfs.OpenCreate|vfs.OpenWAL)
	require.NoError(t, err)
	wal.SetReplicationHook(hook)

	frames := []vfs.Frame{{Pgno: 1, Data: make([]byte, 512)}}
	require.NoError(t, hook.Frames("test.db", 512, frames, 1, true))
	require.Len(t, fr.applied, 1)
	require.EqualValues(t, 32+1*(24+512), wal.Size())
}

// TestFramesWrittenLocallyThenAppliedOnceOnLeader drives the real leader
// path: vfs.File.WriteAt writes a commit frame for real (as SQLite's own
// write would), which triggers flushTransaction -> hook.Frames ->
// raft.Apply -> FSM.applyFrames synchronously, all on the same node. The
// frames must end up written exactly once, not duplicated.
func TestFramesWrittenLocallyThenAppliedOnceOnLeader(t *testing.T) {
	hook, fr, r := newTestHook(t)

	_, err := r.Open("test.db", vfs.OpenReadWrite|vfs.OpenCreate|vfs.OpenMainDB)
	require.NoError(t, err)
	wal, err := r.Open("test.db-wal", vfs.OpenReadWrite|vfs.OpenCreate|vfs.OpenWAL)
	require.NoError(t, err)
	wal.SetReplicationHook(hook)

	const pageSize = 512

	header := format.NewWALHeader(pageSize, 1, 2)
	_, err = wal.WriteAt(header, 0)
	require.NoError(t, err)

	frameHeader := make([]byte, format.WALFrameHeaderSize)
	binary.BigEndian.PutUint32(frameHeader[0:4], 1) // pgno
	binary.BigEndian.PutUint32(frameHeader[4:8], 1) // commit marker: 1 page
	binary.BigEndian.PutUint32(frameHeader[8:12], 1)
	binary.BigEndian.PutUint32(frameHeader[12:16], 2)

	frame := append(append([]byte(nil), frameHeader...), make([]byte, pageSize)...)
	_, err = wal.WriteAt(frame, format.WALHeaderSize)
	require.NoError(t, err)

	require.Len(t, fr.applied, 1)
	require.Equal(t, 1, wal.FrameCount())
	require.EqualValues(t, format.WALHeaderSize+1*(format.WALFrameHeaderSize+pageSize), wal.Size())
}

func TestFramesFailsWhenNotLeader(t *testing.T) {
	hook, fr, _ := newTestHook(t)
	fr.state = raft.Follower

	err := hook.Frames("test.db", 512, []vfs.Frame{{Pgno: 1, Data: make([]byte, 512)}}, 1, true)
	require.Error(t, err)
}

func TestCheckpointResetsEpoch(t *testing.T) {
	hook, _, r := newTestHook(t)

	_, err := r.Open("test.db", vfs.OpenReadWrite|vfs.OpenCreate|vfs.OpenMainDB)
	require.NoError(t, err)
	wal, err := r.Open("test.db-wal", vfs.OpenReadWrite|vfs.OpenCreate|vfs.OpenWAL)
	require.NoError(t, err)
	wal.SetReplicationHook(hook)

	frames := []vfs.Frame{{Pgno: 1, Data: make([]byte, 512)}}
	require.NoError(t, hook.Frames("test.db", 512, frames, 1, true))

	_, hasEpoch := hook.epochs["test.db"]
	require.True(t, hasEpoch)

	require.NoError(t, hook.Checkpoint("test.db"))
	require.EqualValues(t, 32, wal.Size())
	_, hasEpoch = hook.epochs["test.db"]
	require.False(t, hasEpoch)
}

func TestCommandEncodeDecodeRoundTrip(t *testing.T) {
	cmd := &command{
		Kind: commandFrames,
		Frames: &framesCommand{
			Database: "test.db",
			PageSize: 4096,
			Frames:   []frameWire{{Pgno: 1, Data: []byte("page-data")}},
			Truncate: 1,
			IsCommit: true,
			Salt1:    1,
			Salt2:    2,
		},
	}

	data, err := encodeCommand(cmd)
	require.NoError(t, err)

	decoded, err := decodeCommand(data)
	require.NoError(t, err)
	require.Equal(t, cmd.Frames.Database, decoded.Frames.Database)
	require.Equal(t, cmd.Frames.Frames[0].Data, decoded.Frames.Frames[0].Data)
}
