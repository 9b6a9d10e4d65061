package vfs

import "github.com/lxc/dqlited/internal/dqliteerr"

// ShmLockFlag mirrors SQLite's xShmLock flag bits.
type ShmLockFlag uint32

const (
	ShmLock      ShmLockFlag = 1 << 0
	ShmUnlock    ShmLockFlag = 1 << 1
	ShmShared    ShmLockFlag = 1 << 2
	ShmExclusive ShmLockFlag = 1 << 3
)

// SHM simulates the shared-memory region SQLite uses to coordinate WAL
// readers and writers. Regions are allocated one at a time, starting at
// index 0, as SQLite requests them.
//
// Grounded on original_source/src/vfs.c's vfsShm struct and
// vfsShmLock/vfsShmMap functions.
type SHM struct {
	regions   [][]byte
	shared    [SQLiteShmNLock]int
	exclusive [SQLiteShmNLock]int
}

// NewSHM returns an empty SHM mapping.
func NewSHM() *SHM { return &SHM{} }

// Map returns the region at index, allocating and zero-filling it first if
// extend is true and index equals the current region count. If the region
// does not exist and extend is false, it returns nil without error.
func (s *SHM) Map(index int, regionSize int, extend bool) ([]byte, error) {
	if index < len(s.regions) {
		return s.regions[index], nil
	}
	if !extend {
		return nil, nil
	}
	if index != len(s.regions) {
		return nil, dqliteerr.New(dqliteerr.IOBoundaryViolation, "SHM regions must be requested in order: got %d, have %d", index, len(s.regions))
	}
	region := make([]byte, regionSize)
	s.regions = append(s.regions, region)
	return region, nil
}

// Lock implements spec.md section 4.3's SHM lock state machine.
func (s *SHM) Lock(offset, n int, flags ShmLockFlag) error {
	if n < 1 || offset+n > SQLiteShmNLock {
		return dqliteerr.New(dqliteerr.IOBoundaryViolation, "invalid shm lock range [%d,%d)", offset, offset+n)
	}
	if n != 1 && flags&ShmExclusive == 0 {
		return dqliteerr.New(dqliteerr.IOBoundaryViolation, "shared locks must cover exactly one slot")
	}

	switch {
	case flags&ShmUnlock != 0:
		for i := offset; i < offset+n; i++ {
			if flags&ShmExclusive != 0 {
				if s.exclusive[i] > 0 {
					s.exclusive[i]--
				}
			} else {
				if s.shared[i] > 0 {
					s.shared[i]--
				}
			}
		}
		return nil

	case flags&ShmLock != 0 && flags&ShmExclusive != 0:
		for i := offset; i < offset+n; i++ {
			if s.shared[i] > 0 || s.exclusive[i] > 0 {
				return dqliteerr.New(dqliteerr.Busy, "shm slot %d already locked", i)
			}
		}
		for i := offset; i < offset+n; i++ {
			s.exclusive[i] = 1
		}
		return nil

	case flags&ShmLock != 0 && flags&ShmShared != 0:
		for i := offset; i < offset+n; i++ {
			if s.exclusive[i] > 0 {
				return dqliteerr.New(dqliteerr.Busy, "shm slot %d exclusively locked", i)
			}
		}
		for i := offset; i < offset+n; i++ {
			s.shared[i]++
		}
		return nil
	}

	return dqliteerr.New(dqliteerr.IOBoundaryViolation, "invalid shm lock flags %v", flags)
}

// TryExclusive attempts to momentarily take and release an exclusive lock
// on slot i, reporting whether it was free. Used by the checkpoint
// coordinator (C7) to probe for readers without disturbing lock state.
func (s *SHM) TryExclusive(i int) bool {
	if err := s.Lock(i, 1, ShmLock|ShmExclusive); err != nil {
		return false
	}
	_ = s.Lock(i, 1, ShmUnlock|ShmExclusive)
	return true
}

// RegionCount reports how many SHM regions have been mapped.
func (s *SHM) RegionCount() int { return len(s.regions) }
