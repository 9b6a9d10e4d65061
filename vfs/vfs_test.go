package vfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreateThenAccess(t *testing.T) {
	r := NewRegistry()

	require.False(t, r.Access("test.db"))

	f, err := r.Open("test.db", OpenReadWrite|OpenCreate|OpenMainDB)
	require.NoError(t, err)
	require.Equal(t, TagDatabase, f.Tag())
	require.True(t, r.Access("test.db"))
}

func TestOpenMissingWithoutCreateFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.Open("missing.db", OpenReadWrite|OpenMainDB)
	require.Error(t, err)
}

func TestOpenExclusiveCreateCollision(t *testing.T) {
	r := NewRegistry()
	_, err := r.Open("test.db", OpenReadWrite|OpenCreate|OpenMainDB)
	require.NoError(t, err)

	_, err = r.Open("test.db", OpenReadWrite|OpenCreate|OpenExclusive|OpenMainDB)
	require.Error(t, err)
}

func TestOpenWALRequiresPairedDatabase(t *testing.T) {
	r := NewRegistry()
	_, err := r.Open("test.db-wal", OpenReadWrite|OpenCreate|OpenWAL)
	require.Error(t, err)

	_, err = r.Open("test.db", OpenReadWrite|OpenCreate|OpenMainDB)
	require.NoError(t, err)

	wal, err := r.Open("test.db-wal", OpenReadWrite|OpenCreate|OpenWAL)
	require.NoError(t, err)
	require.Equal(t, TagWAL, wal.Tag())
}

func TestOpenTempFileIsAnonymousAndDeletesOnClose(t *testing.T) {
	r := NewRegistry()
	f, err := r.Open("", OpenReadWrite|OpenCreate)
	require.NoError(t, err)
	require.Empty(t, r.Names())
	require.NoError(t, f.Close(r))
}

func TestDeleteRefusesWhileOpen(t *testing.T) {
	r := NewRegistry()
	_, err := r.Open("test.db", OpenReadWrite|OpenCreate|OpenMainDB)
	require.NoError(t, err)

	require.Error(t, r.Delete("test.db"))
}

func TestDatabaseWriteMustBePageAlignedAndSequential(t *testing.T) {
	r := NewRegistry()
	f, err := r.Open("test.db", OpenReadWrite|OpenCreate|OpenMainDB)
	require.NoError(t, err)

	header := make([]byte, 100)
	header[16], header[17] = 0x10, 0x00 // page size 4096
	n, err := f.WriteAt(header, 0)
	require.NoError(t, err)
	require.Equal(t, 100, n)

	// Only a partial first page has been seen; a full-page write completes it.
	page0 := make([]byte, 4096)
	copy(page0, header)
	_, err = f.WriteAt(page0, 0)
	require.NoError(t, err)

	page1 := make([]byte, 4096)
	_, err = f.WriteAt(page1, 4096)
	require.NoError(t, err)
	require.EqualValues(t, 2*4096, f.Size())

	// Out-of-order page write fails: only page 2 (offset 2*4096) or a
	// rewrite of an existing page is acceptable, not page 3.
	page3 := make([]byte, 4096)
	_, err = f.WriteAt(page3, 3*4096)
	require.Error(t, err)

	// Misaligned write fails.
	_, err = f.WriteAt(make([]byte, 10), 4096+1)
	require.Error(t, err)
}

func TestDatabaseReadPastEOFReturnsShortRead(t *testing.T) {
	r := NewRegistry()
	f, err := r.Open("test.db", OpenReadWrite|OpenCreate|OpenMainDB)
	require.NoError(t, err)

	buf := make([]byte, 4096)
	_, err = f.ReadAt(buf, 0)
	require.Error(t, err)
}

func TestWALHeaderMustMatchPairedDatabasePageSize(t *testing.T) {
	r := NewRegistry()
	db, err := r.Open("test.db", OpenReadWrite|OpenCreate|OpenMainDB)
	require.NoError(t, err)

	page := make([]byte, 4096)
	page[16], page[17] = 0x10, 0x00
	_, err = db.WriteAt(page, 0)
	require.NoError(t, err)

	wal, err := r.Open("test.db-wal", OpenReadWrite|OpenCreate|OpenWAL)
	require.NoError(t, err)

	walHeader := make([]byte, 32)
	// declares page size 512, mismatching the database's 4096
	walHeader[8], walHeader[9], walHeader[10], walHeader[11] = 0, 0, 2, 0
	_, err = wal.WriteAt(walHeader, 0)
	require.Error(t, err)
}

func TestSHMLockSharedAndExclusiveAreMutuallyExclusive(t *testing.T) {
	shm := NewSHM()

	require.NoError(t, shm.Lock(0, 1, ShmLock|ShmShared))
	require.NoError(t, shm.Lock(0, 1, ShmLock|ShmShared))
	require.Error(t, shm.Lock(0, 1, ShmLock|ShmExclusive))

	require.NoError(t, shm.Lock(0, 1, ShmUnlock|ShmShared))
	require.NoError(t, shm.Lock(0, 1, ShmUnlock|ShmShared))
	require.NoError(t, shm.Lock(0, 1, ShmLock|ShmExclusive))
	require.Error(t, shm.Lock(0, 1, ShmLock|ShmShared))
}

func TestSHMMapRegionsMustBeSequential(t *testing.T) {
	shm := NewSHM()
	_, err := shm.Map(1, 4096, true)
	require.Error(t, err)

	r0, err := shm.Map(0, 4096, true)
	require.NoError(t, err)
	require.Len(t, r0, 4096)

	r1, err := shm.Map(1, 4096, true)
	require.NoError(t, err)
	require.Len(t, r1, 4096)
	require.Equal(t, 2, shm.RegionCount())
}

func TestSHMTryExclusiveReleasesAfterProbe(t *testing.T) {
	shm := NewSHM()
	require.True(t, shm.TryExclusive(0))
	// A real lock should still be acquirable right after, proving the
	// probe released it.
	require.NoError(t, shm.Lock(0, 1, ShmLock|ShmExclusive))
}

type recordingHook struct {
	calls []string
	fail  bool
}

func (h *recordingHook) Frames(database string, pageSize int, frames []Frame, truncate uint32, isCommit bool) error {
	h.calls = append(h.calls, database)
	if h.fail {
		return require.AnError
	}
	return nil
}

func TestWriteWALCommitInvokesReplicationHook(t *testing.T) {
	r := NewRegistry()
	db, err := r.Open("test.db", OpenReadWrite|OpenCreate|OpenMainDB)
	require.NoError(t, err)

	page := make([]byte, 512)
	page[16], page[17] = 0x02, 0x00
	_, err = db.WriteAt(page, 0)
	require.NoError(t, err)

	wal, err := r.Open("test.db-wal", OpenReadWrite|OpenCreate|OpenWAL)
	require.NoError(t, err)

	hook := &recordingHook{}
	wal.SetReplicationHook(hook)

	walHeader := make([]byte, 32)
	walHeader[8], walHeader[9], walHeader[10], walHeader[11] = 0, 0, 2, 0
	_, err = wal.WriteAt(walHeader, 0)
	require.NoError(t, err)

	frameHeader := make([]byte, 24)
	frameHeader[0], frameHeader[1], frameHeader[2], frameHeader[3] = 0, 0, 0, 1
	frameHeader[4], frameHeader[5], frameHeader[6], frameHeader[7] = 0, 0, 2, 0 // commit marker = page size
	_, err = wal.WriteAt(frameHeader, 32)
	require.NoError(t, err)

	_, err = wal.WriteAt(page, 32+24)
	require.NoError(t, err)

	require.Equal(t, []string{"test.db"}, hook.calls)
}

func TestApplyFramesBuildsWALChain(t *testing.T) {
	r := NewRegistry()
	db, err := r.Open("test.db", OpenReadWrite|OpenCreate|OpenMainDB)
	require.NoError(t, err)
	wal, err := r.Open("test.db-wal", OpenReadWrite|OpenCreate|OpenWAL)
	require.NoError(t, err)

	page := make([]byte, 512)
	frames := []Frame{{Pgno: 1, Data: page}}
	require.NoError(t, wal.ApplyFrames(512, frames, 0, true, 1, 2))
	require.EqualValues(t, 32+len(frames)*(24+512), wal.Size())
	_ = db
}

func TestCheckpointResetsWAL(t *testing.T) {
	r := NewRegistry()
	_, err := r.Open("test.db", OpenReadWrite|OpenCreate|OpenMainDB)
	require.NoError(t, err)
	wal, err := r.Open("test.db-wal", OpenReadWrite|OpenCreate|OpenWAL)
	require.NoError(t, err)

	page := make([]byte, 512)
	require.NoError(t, wal.ApplyFrames(512, []Frame{{Pgno: 1, Data: page}}, 0, true, 1, 2))
	require.NoError(t, wal.Checkpoint([4]byte{9, 9, 9, 9}))
	require.EqualValues(t, 32, wal.Size())
}

func TestSnapshotRoundTrip(t *testing.T) {
	r := NewRegistry()
	db, err := r.Open("test.db", OpenReadWrite|OpenCreate|OpenMainDB)
	require.NoError(t, err)

	page := make([]byte, 4096)
	page[16], page[17] = 0x10, 0x00
	_, err = db.WriteAt(page, 0)
	require.NoError(t, err)

	image, err := FileRead(r, "test.db")
	require.NoError(t, err)
	require.Len(t, image, 4096)

	require.NoError(t, FileWrite(r, "other.db", image, TagDatabase))
	roundTripped, err := FileRead(r, "other.db")
	require.NoError(t, err)
	require.Equal(t, image, roundTripped)
}

func TestFileControlPageSizeLocksOnce(t *testing.T) {
	r := NewRegistry()
	f, err := r.Open("test.db", OpenReadWrite|OpenCreate|OpenMainDB)
	require.NoError(t, err)

	page := make([]byte, 4096)
	page[16], page[17] = 0x10, 0x00
	_, err = f.WriteAt(page, 0)
	require.NoError(t, err)

	err = f.FileControl("page_size", "4096")
	require.Equal(t, errNotFound, err)

	err = f.FileControl("page_size", "512")
	require.Error(t, err)
	require.NotEqual(t, errNotFound, err)
}

func TestFileControlJournalModeOnlyAcceptsWAL(t *testing.T) {
	r := NewRegistry()
	f, err := r.Open("test.db", OpenReadWrite|OpenCreate|OpenMainDB)
	require.NoError(t, err)

	require.Equal(t, errNotFound, f.FileControl("journal_mode", "WAL"))
	err = f.FileControl("journal_mode", "delete")
	require.Error(t, err)
	require.NotEqual(t, errNotFound, err)
}
