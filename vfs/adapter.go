package vfs

import (
	sqlite3vfs "github.com/ncruces/go-sqlite3/vfs"

	"github.com/lxc/dqlited/internal/dqliteerr"
)

// FS is the adapter that satisfies github.com/ncruces/go-sqlite3/vfs.VFS,
// translating between this package's Tag/OpenFlag/ReplicationHook model
// and the upstream library's file contract (vfs.OPEN_*, vfs.LOCK_*
// constants, as used by the pack's edofic-go-sqlite3 in-memory VFS). The
// bulk of this module's logic (Registry, File, SHM) is free of that
// contract's exact shape; this file is the only place that needs to
// track it.
type FS struct {
	*Registry
}

// NewFS returns an empty, ready-to-register in-memory VFS.
func NewFS() *FS {
	return &FS{Registry: NewRegistry()}
}

// Register installs fs as the SQLite VFS named name, the way
// github.com/ncruces/go-sqlite3/vfs.Register is used by every VFS plug-in
// shown in the pack (e.g. edofic-go-sqlite3's memVFS).
func Register(name string, fs *FS) {
	sqlite3vfs.Register(name, fs)
}

// Open implements sqlite3vfs.VFS.
func (fs *FS) Open(name string, flags sqlite3vfs.OpenFlag) (sqlite3vfs.File, sqlite3vfs.OpenFlag, error) {
	f, err := fs.Registry.Open(name, OpenFlag(flags))
	if err != nil {
		return nil, flags, dqliteerr.Translate(err)
	}
	return &fileAdapter{File: f, registry: fs.Registry}, flags | sqlite3vfs.OPEN_MEMORY, nil
}

// Delete implements sqlite3vfs.VFS.
func (fs *FS) Delete(name string, dirSync bool) error {
	return dqliteerr.Translate(fs.Registry.Delete(name))
}

// Access implements sqlite3vfs.VFS.
func (fs *FS) Access(name string, flag sqlite3vfs.AccessFlag) (bool, error) {
	return fs.Registry.Access(name), nil
}

// FullPathname implements sqlite3vfs.VFS. Names are already logical,
// process-local identifiers, so they pass through unchanged.
func (fs *FS) FullPathname(name string) (string, error) {
	return name, nil
}

// fileAdapter adapts *File to sqlite3vfs.File and its optional
// FileSharedMemory interface.
type fileAdapter struct {
	*File
	registry *Registry
}

func (a *fileAdapter) Close() error {
	return a.File.Close(a.registry)
}

// Size reports the file's current length. sqlite3vfs.File requires the
// two-return-value shape; *File.Size (the package's own, error-free
// accessor used throughout vfs and replication) never fails, so the
// error is always nil here.
func (a *fileAdapter) Size() (int64, error) {
	return a.File.Size(), nil
}

func (a *fileAdapter) Sync(flag sqlite3vfs.SyncFlag) error {
	// The VFS is fully in-memory; there is nothing to flush to a host
	// medium. Durability is Raft's job (spec.md section 1).
	return nil
}

func (a *fileAdapter) Lock(lock sqlite3vfs.LockLevel) error {
	// Intra-process only; SQLite's own mutexing already serializes
	// access (spec.md section 4.3, "Locks (file level): No-op").
	return nil
}

func (a *fileAdapter) Unlock(lock sqlite3vfs.LockLevel) error {
	return nil
}

func (a *fileAdapter) CheckReservedLock() (bool, error) {
	return false, nil
}

func (a *fileAdapter) SectorSize() int {
	return 0
}

func (a *fileAdapter) DeviceCharacteristics() sqlite3vfs.DeviceCharacteristic {
	return sqlite3vfs.IOCAP_ATOMIC | sqlite3vfs.IOCAP_SAFE_APPEND | sqlite3vfs.IOCAP_SEQUENTIAL
}

// SharedMemory implements sqlite3vfs.FileSharedMemory for DATABASE files.
func (a *fileAdapter) SharedMemory() sqlite3vfs.SharedMemory {
	return &shmAdapter{shm: a.File.SHM()}
}

type shmAdapter struct {
	shm *SHM
}

func (s *shmAdapter) Map(index int, regionSize int, extend bool) ([]byte, error) {
	return s.shm.Map(index, regionSize, extend)
}

func (s *shmAdapter) Lock(offset, n int, flags sqlite3vfs.ShmFlag) error {
	return s.shm.Lock(offset, n, ShmLockFlag(flags))
}

func (s *shmAdapter) Unmap(delete bool) {}

func (s *shmAdapter) Barrier() {}
