package checkpoint

import (
	"errors"
	"testing"

	"github.com/lxc/dqlited/internal/logging"
	"github.com/lxc/dqlited/vfs"
	"github.com/stretchr/testify/require"
)

type fakeCheckpointer struct {
	calls []string
	err   error
}

func (f *fakeCheckpointer) Checkpoint(database string) error {
	f.calls = append(f.calls, database)
	return f.err
}

func openTestDatabase(t *testing.T, r *vfs.Registry, name string) {
	t.Helper()
	_, err := r.Open(name, vfs.OpenMainDB|vfs.OpenCreate|vfs.OpenReadWrite)
	require.NoError(t, err)
	_, err = r.Open(name+"-wal", vfs.OpenWAL|vfs.OpenCreate|vfs.OpenReadWrite)
	require.NoError(t, err)
}

func TestAfterCommitBelowThresholdIsNoop(t *testing.T) {
	r := vfs.NewRegistry()
	openTestDatabase(t, r, "test.db")
	fc := &fakeCheckpointer{}
	c := New(fc, r, logging.New(), WithThreshold(100))

	c.AfterCommit("test.db", 5)

	require.Empty(t, fc.calls)
}

func TestAfterCommitAboveThresholdSubmitsCheckpoint(t *testing.T) {
	r := vfs.NewRegistry()
	openTestDatabase(t, r, "test.db")
	fc := &fakeCheckpointer{}
	c := New(fc, r, logging.New(), WithThreshold(10))

	c.AfterCommit("test.db", 42)

	require.Equal(t, []string{"test.db"}, fc.calls)
}

func TestAfterCommitPostponesWhileReaderHoldsLock(t *testing.T) {
	r := vfs.NewRegistry()
	openTestDatabase(t, r, "test.db")
	fc := &fakeCheckpointer{}
	c := New(fc, r, logging.New(), WithThreshold(10))

	db := r.Peek("test.db")
	require.NoError(t, db.SHM().Lock(3, 1, vfs.ShmLock|vfs.ShmShared))

	c.AfterCommit("test.db", 42)

	require.Empty(t, fc.calls)
}

func TestAfterCommitThresholdDisabledByZero(t *testing.T) {
	r := vfs.NewRegistry()
	openTestDatabase(t, r, "test.db")
	fc := &fakeCheckpointer{}
	c := New(fc, r, logging.New(), WithThreshold(0))

	c.AfterCommit("test.db", 1000000)

	require.Empty(t, fc.calls)
}

func TestAfterCommitSwallowsCheckpointError(t *testing.T) {
	r := vfs.NewRegistry()
	openTestDatabase(t, r, "test.db")
	fc := &fakeCheckpointer{err: errors.New("not leader")}
	c := New(fc, r, logging.New(), WithThreshold(10))

	require.NotPanics(t, func() {
		c.AfterCommit("test.db", 42)
	})
	require.Equal(t, []string{"test.db"}, fc.calls)
}
