// Package replication implements the WAL replication hook (spec.md section
// 4.4): it turns committed WAL frames into Raft log entries on the leader,
// enforces a single writer per database, and applies committed entries
// back into the in-memory VFS on every node, including the leader itself.
package replication

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/lxc/dqlited/internal/dqliteerr"
	"github.com/lxc/dqlited/internal/logging"
	"github.com/lxc/dqlited/vfs"
)

// Raft is the narrow slice of *hashicorp/raft.Raft the hook needs: submit
// a command and wait for its response. Grounded on cluster/raft.go's own
// Raft interface, redeclared here (rather than imported) so this package
// and cluster do not need to import each other.
type Raft interface {
	Apply(cmd []byte, timeout time.Duration) raft.ApplyFuture
	State() raft.RaftState
}

// ConnHandle identifies the connection currently holding a database's
// writer slot, for logging and for reporting BUSY/end bookkeeping. This
// is the interface registry.Connection satisfies; replication never
// imports package registry directly to avoid a dependency cycle (registry
// in turn holds a *Hook to wire into each opened vfs.File).
type ConnHandle interface {
	ConnID() string
}

// Cluster is the external collaborator surface spec.md section 4.4's
// design note calls "leader()/servers()/register()/unregister()" etc,
// narrowed to what the hook itself calls.
type Cluster interface {
	Leader() (address string, ok bool)
	Servers() ([]string, error)
}

type epoch struct {
	salt1 uint32
	salt2 uint32
}

// Hook implements vfs.ReplicationHook plus the begin/end/undo/checkpoint
// surface of spec.md section 4.4. One Hook instance is shared by every
// vfs.File of every database in the registry.
type Hook struct {
	raft     Raft
	cluster  Cluster
	registry *vfs.Registry
	timeout  time.Duration
	log      *logging.Logger

	afterCommit func(database string, frameCount int)

	mu      sync.Mutex
	writers map[string]ConnHandle
	waiters map[string][]chan struct{}
	epochs  map[string]epoch
}

// SetAfterCommit wires the "maybe-checkpoint" callback spec.md section 4.6
// describes the registry as wiring up: invoked on the leader after every
// successful commit with the database's current committed WAL frame
// count. Package checkpoint uses this to evaluate its threshold.
func (h *Hook) SetAfterCommit(fn func(database string, frameCount int)) {
	h.afterCommit = fn
}

// NewHook builds a Hook bound to raft, the cluster callback surface, and
// the in-memory VFS registry whose files it will apply committed entries
// into.
func NewHook(r Raft, cluster Cluster, registry *vfs.Registry, timeout time.Duration, log *logging.Logger) *Hook {
	return &Hook{
		raft:     r,
		cluster:  cluster,
		registry: registry,
		timeout:  timeout,
		log:      log,
		writers:  make(map[string]ConnHandle),
		waiters:  make(map[string][]chan struct{}),
		epochs:   make(map[string]epoch),
	}
}

// Begin acquires the single writer slot for database, failing BUSY if
// another connection is mid-transaction against it (spec.md section 4.4's
// "begin(conn)").
func (h *Hook) Begin(database string, conn ConnHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, busy := h.writers[database]; busy {
		return dqliteerr.New(dqliteerr.Busy, "database %q already has a writer", database)
	}
	h.writers[database] = conn
	return nil
}

// End releases the writer slot for database and wakes one waiter, if any
// (spec.md section 4.4's "end(conn)").
func (h *Hook) End(database string, conn ConnHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.writers[database] != conn {
		return
	}
	delete(h.writers, database)

	waiters := h.waiters[database]
	if len(waiters) == 0 {
		return
	}
	next := waiters[0]
	h.waiters[database] = waiters[1:]
	close(next)
}

// Undo is the hook's reaction to a failed frames apply or an aborted
// statement (spec.md section 4.4's "undo(conn)"). The VFS already
// discards unflushed frames on its own (see vfs.File.flushTransaction),
// so there is nothing left for the replication layer to unwind beyond
// releasing the writer slot, which the caller does via End.
func (h *Hook) Undo(database string, conn ConnHandle) {
	h.log.Debug("undo transaction", logging.Fields{"database": database})
}

// Frames implements vfs.ReplicationHook. It is invoked synchronously from
// inside vfs.File.WriteAt when a WAL commit frame completes locally; it
// submits one "WAL frames" Raft entry and blocks until Raft reports it
// committed (or failed), which is this module's realization of the
// cooperative fiber suspension spec.md section 4.5 describes: the calling
// goroutine (the leader's connection goroutine) simply blocks here.
func (h *Hook) Frames(database string, pageSize int, frames []vfs.Frame, truncate uint32, isCommit bool) error {
	h.mu.Lock()
	e, ok := h.epochs[database]
	if !ok {
		e = newEpoch()
		h.epochs[database] = e
	}
	h.mu.Unlock()

	cmd := &command{
		Kind: commandFrames,
		Frames: &framesCommand{
			Database: database,
			PageSize: pageSize,
			Frames:   toWireFrames(frames),
			Truncate: truncate,
			IsCommit: isCommit,
			Salt1:    e.salt1,
			Salt2:    e.salt2,
		},
	}

	if err := h.submit(cmd); err != nil {
		return err
	}

	if h.afterCommit != nil && isCommit {
		if wal := h.registry.Peek(database + "-wal"); wal != nil {
			h.afterCommit(database, wal.FrameCount())
		}
	}
	return nil
}

// Checkpoint submits a cluster-wide checkpoint entry for database (spec.md
// section 4.4's "checkpoint(conn, db_handle)"). The caller (package
// checkpoint) is responsible for the threshold check and the SHM
// exclusive-try-lock gating; by the time Checkpoint is called the
// decision to checkpoint has already been made.
func (h *Hook) Checkpoint(database string) error {
	var salt2 [4]byte
	if _, err := rand.Read(salt2[:]); err != nil {
		return dqliteerr.Wrap(dqliteerr.ResourceExhausted, err, "generate checkpoint salt")
	}

	cmd := &command{
		Kind: commandCheckpoint,
		Checkpoint: &checkpointCommand{
			Database: database,
			Salt2:    salt2,
		},
	}

	err := h.submit(cmd)
	if err == nil {
		h.mu.Lock()
		delete(h.epochs, database)
		h.mu.Unlock()
	}
	return err
}

func (h *Hook) submit(cmd *command) error {
	payload, err := encodeCommand(cmd)
	if err != nil {
		return err
	}

	if h.raft.State() != raft.Leader {
		return dqliteerr.New(dqliteerr.NotLeader, "this node is not the raft leader")
	}

	future := h.raft.Apply(payload, h.timeout)
	if err := future.Error(); err != nil {
		return dqliteerr.Wrap(dqliteerr.ConsensusFailed, err, "raft apply")
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return dqliteerr.Wrap(dqliteerr.ConsensusFailed, err, "apply wal frames")
		}
	}
	return nil
}

func newEpoch() epoch {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return epoch{
		salt1: beU32(buf[0:4]),
		salt2: beU32(buf[4:8]),
	}
}

func beU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
