// Package checkpoint implements the checkpoint coordinator (spec.md
// section 4.7): after every successful commit on the leader, it compares
// the database's WAL frame count against a configured threshold, probes
// for an idle moment using the same exclusive try-lock SQLite readers
// contend for, and if clear submits a cluster-wide checkpoint command.
package checkpoint

import (
	"github.com/lxc/dqlited/internal/logging"
	"github.com/lxc/dqlited/vfs"
)

// Checkpointer submits a cluster-wide checkpoint for a database, i.e.
// replication.Hook.Checkpoint. Declared here (rather than imported) so
// this package depends on a single method, not all of replication.
type Checkpointer interface {
	Checkpoint(database string) error
}

// Coordinator wires Checkpointer's threshold-gated checkpointing into
// the replication hook's after-commit callback.
type Coordinator struct {
	hook     Checkpointer
	registry *vfs.Registry
	log      *logging.Logger
	options  *options
}

// Option customizes a Coordinator built by New, mirroring the
// functional-options constructor the teacher uses for cluster.Gateway
// (lxd/cluster/options.go's Option/LogLevel/Latency).
type Option func(*options)

type options struct {
	threshold int
}

func newOptions() *options {
	return &options{threshold: 1000}
}

// WithThreshold sets the committed-WAL-frame count at or above which a
// commit triggers a checkpoint attempt (spec.md section 4.7). A threshold of
// zero or less disables automatic checkpointing.
func WithThreshold(frames int) Option {
	return func(o *options) {
		o.threshold = frames
	}
}

// New builds a Coordinator that checkpoints a database once its WAL
// passes the configured threshold of committed frames (default 1000,
// overridden with WithThreshold).
func New(hook Checkpointer, registry *vfs.Registry, log *logging.Logger, opts ...Option) *Coordinator {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Coordinator{hook: hook, registry: registry, log: log, options: o}
}

// AfterCommit is the callback registered with replication.Hook via
// SetAfterCommit (spec.md section 4.7's trigger: "invoked after every
// successful commit on the leader with the current WAL frame count").
func (c *Coordinator) AfterCommit(database string, frameCount int) {
	if c.options.threshold <= 0 || frameCount < c.options.threshold {
		return
	}

	wal := c.registry.Peek(database + "-wal")
	if wal == nil {
		return
	}

	shm := c.pairedSHM(database)
	if shm != nil && !c.allSlotsFree(shm) {
		c.log.Debug("checkpoint postponed, reader present", logging.Fields{"database": database})
		return
	}

	if err := c.hook.Checkpoint(database); err != nil {
		// Checkpointing is an optimization, not a correctness
		// requirement: a failed attempt is simply retried on the next
		// commit that crosses the threshold again (spec.md section
		// 4.7, "ignore errors").
		c.log.Warn("checkpoint attempt failed, will retry", logging.Fields{"database": database, "error": err.Error()})
	}
}

func (c *Coordinator) pairedSHM(database string) *vfs.SHM {
	db := c.registry.Peek(database)
	if db == nil {
		return nil
	}
	return db.SHM()
}

// allSlotsFree probes every SQLite SHM lock slot with an exclusive
// try-lock, per spec.md section 4.7: "probe all SHM lock slots with
// exclusive try-lock; if any is held, return success without
// checkpointing."
func (c *Coordinator) allSlotsFree(shm *vfs.SHM) bool {
	for i := 0; i < vfs.SQLiteShmNLock; i++ {
		if !shm.TryExclusive(i) {
			return false
		}
	}
	return true
}
