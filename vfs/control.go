package vfs

import (
	"strconv"
	"strings"

	"github.com/lxc/dqlited/format"
	"github.com/lxc/dqlited/internal/dqliteerr"
)

// ShmMap implements spec.md section 4.3's shm_map on a DATABASE file.
func (f *File) ShmMap(index, regionSize int, extend bool) ([]byte, error) {
	return f.SHM().Map(index, regionSize, extend)
}

// ShmLock implements spec.md section 4.3's shm_lock on a DATABASE file.
func (f *File) ShmLock(offset, n int, flags ShmLockFlag) error {
	return f.SHM().Lock(offset, n, flags)
}

// errNotFound is the fixed value FileControl returns for recognized but
// unhandled pragmas, matching SQLITE_NOTFOUND so SQLite continues its own
// processing (spec.md section 4.3).
var errNotFound = dqliteerr.New(dqliteerr.NotFound, "pragma handled, continuing default processing")

// FileControl implements the two PRAGMA hooks spec.md section 4.3
// describes: page_size=N and journal_mode=X. It always returns
// errNotFound on success so that SQLite continues its own default
// handling of the pragma; a non-nil, non-errNotFound error rejects the
// pragma outright.
func (f *File) FileControl(key, value string) error {
	switch key {
	case "page_size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return dqliteerr.New(dqliteerr.FormatInvalid, "invalid page_size %q", value)
		}
		var buf [4]byte
		buf[0] = byte(n >> 24)
		buf[1] = byte(n >> 16)
		buf[2] = byte(n >> 8)
		buf[3] = byte(n)
		if n != format.PageSizeMax && (n == 1 || format.DecodePageSize(buf) != n) {
			return dqliteerr.New(dqliteerr.FormatInvalid, "page_size %d is not a valid SQLite page size", n)
		}
		if f.pageSize != 0 && f.pageSize != n {
			return dqliteerr.New(dqliteerr.FormatInvalid, "page_size is already locked at %d", f.pageSize)
		}
		return errNotFound

	case "journal_mode":
		if !strings.EqualFold(value, "wal") {
			return dqliteerr.New(dqliteerr.FormatInvalid, "only journal_mode=WAL is supported, got %q", value)
		}
		return errNotFound

	default:
		return errNotFound
	}
}
