package vfs

import (
	"github.com/lxc/dqlited/format"
	"github.com/lxc/dqlited/internal/dqliteerr"
)

// Frame is a single WAL page update, as handed to a ReplicationHook and as
// applied by ApplyFrames. It intentionally omits the on-disk frame header's
// salts and checksums: those are VFS bookkeeping, reconstructed from the
// WAL header state at apply time rather than carried over the wire.
type Frame struct {
	Pgno uint32
	Data []byte
}

// ReplicationHook is the narrow interface vfs calls into when a WAL write
// completes a commit frame. It is implemented by package replication;
// defining it here (rather than importing replication) avoids a import
// cycle, since replication.FSM.Apply needs to call back into vfs.
type ReplicationHook interface {
	// Frames is called with every frame of a transaction once the
	// commit frame has been written locally. It must block until the
	// transaction is durably committed (or has failed), per spec.md
	// section 4.4.
	Frames(database string, pageSize int, frames []Frame, truncate uint32, isCommit bool) error
}

type walFrame struct {
	header        [format.WALFrameHeaderSize]byte
	page          []byte
	headerWritten bool
	pageWritten   bool
}

func (f *walFrame) complete() bool { return f.headerWritten && f.pageWritten }

// File is the in-memory analogue of a single named SQLite file: a
// database, a (discarded) rollback journal, or a WAL. Pages are stored
// 1-indexed by position in the pages slice (page number = index + 1).
type File struct {
	name          string
	tag           Tag
	pageSize      int
	refcount      int
	deleteOnClose bool

	// DATABASE only.
	pages     [][]byte
	shm       *SHM
	pairedWAL *File

	// WAL only.
	header        []byte
	frames        []*walFrame
	committedUpTo int // number of frames already part of a committed transaction (mxFrame)
	pendingStart  int // index into frames where the in-flight transaction begins
	pairedDB      *File
	hook          ReplicationHook

	closed bool
}

func newFile(name string, tag Tag) *File {
	return &File{name: name, tag: tag}
}

// Tag returns the file's kind.
func (f *File) Tag() Tag { return f.tag }

// Name returns the file's registry key ("" for unregistered temp files).
func (f *File) Name() string { return f.name }

// PageSize returns the page size locked in for this file, or 0 if no
// write has established one yet.
func (f *File) PageSize() int { return f.pageSize }

// SetReplicationHook attaches the hook invoked when a WAL commit frame is
// written. Only meaningful for TagWAL files.
func (f *File) SetReplicationHook(h ReplicationHook) { f.hook = h }

// Close decrements the refcount; when it reaches zero a DATABASE file
// tears down its SHM mapping. Deletion from the registry, if requested via
// DELETEONCLOSE, is the registry's job (see Registry.closeFile).
func (f *File) Close(r *Registry) error {
	f.closed = true
	return r.closeFile(f)
}

// Closed reports whether Close has been called.
func (f *File) Closed() bool { return f.closed }

// ReadAt implements the byte-exact read rules of spec.md section 4.3.
func (f *File) ReadAt(buf []byte, offset int64) (int, error) {
	switch f.tag {
	case TagJournal:
		return 0, dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_READ: journal files are never read")
	case TagDatabase:
		return f.readDatabase(buf, offset)
	case TagWAL:
		return f.readWAL(buf, offset)
	default:
		return 0, dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_READ: unknown file tag")
	}
}

func (f *File) readDatabase(buf []byte, offset int64) (int, error) {
	if f.pageSize == 0 || len(f.pages) == 0 {
		clear(buf)
		return len(buf), dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_SHORT_READ: empty database")
	}
	pgno := int(offset/int64(f.pageSize)) + 1
	pageOff := offset % int64(f.pageSize)

	if pgno > len(f.pages) {
		clear(buf)
		return len(buf), dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_SHORT_READ: page %d past end of file", pgno)
	}
	page := f.pages[pgno-1]

	if pgno == 1 {
		if pageOff < 0 || pageOff+int64(len(buf)) > int64(f.pageSize) {
			return 0, dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_READ: page 1 read out of bounds")
		}
		return copy(buf, page[pageOff:]), nil
	}

	if pageOff != 0 || len(buf) != f.pageSize {
		return 0, dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_READ: page %d read must be page-aligned and whole", pgno)
	}
	return copy(buf, page), nil
}

func (f *File) readWAL(buf []byte, offset int64) (int, error) {
	if f.pageSize == 0 {
		clear(buf)
		return len(buf), dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_SHORT_READ: wal page size unknown")
	}

	// Header read.
	if offset == 0 && len(buf) == format.WALHeaderSize {
		if f.header == nil {
			clear(buf)
			return len(buf), dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_SHORT_READ: wal header not written")
		}
		return copy(buf, f.header), nil
	}
	// Checksum-only read of the header (8 bytes at offset 24).
	if offset == 24 && len(buf) == 8 {
		if f.header == nil {
			clear(buf)
			return len(buf), dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_SHORT_READ: wal header not written")
		}
		return copy(buf, f.header[24:32]), nil
	}

	frameSize := int64(format.WALFrameHeaderSize + f.pageSize)
	rel := offset - format.WALHeaderSize
	if rel < 0 {
		return 0, dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_READ: offset before wal frames region")
	}
	idx := int(rel / frameSize)
	within := rel % frameSize

	if idx >= len(f.frames) || !f.frames[idx].complete() {
		clear(buf)
		return len(buf), dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_SHORT_READ: frame %d not written", idx+1)
	}
	fr := f.frames[idx]

	switch {
	case within == 0 && len(buf) == format.WALFrameHeaderSize:
		return copy(buf, fr.header[:]), nil
	case within == int64(format.WALFrameHeaderSize)-8 && len(buf) == 8:
		// Checksum-only read at frame+16.
		return copy(buf, fr.header[16:24]), nil
	case within == int64(format.WALFrameHeaderSize) && len(buf) == f.pageSize:
		return copy(buf, fr.page), nil
	case within == 0 && len(buf) == format.WALFrameHeaderSize+f.pageSize:
		n := copy(buf, fr.header[:])
		n += copy(buf[format.WALFrameHeaderSize:], fr.page)
		return n, nil
	default:
		return 0, dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_READ: unsupported wal read shape at offset %d len %d", offset, len(buf))
	}
}

// WriteAt implements the write rules of spec.md section 4.3. For WAL
// files, writing a commit frame synchronously invokes the replication
// hook (see ReplicationHook) before returning, which is how this VFS
// collapses dqlite's separate WAL-replication callback table into the
// single Go object that already owns every WAL write (see SPEC_FULL.md
// section 4.4.1).
func (f *File) WriteAt(data []byte, offset int64) (int, error) {
	switch f.tag {
	case TagJournal:
		return len(data), nil
	case TagDatabase:
		return f.writeDatabase(data, offset)
	case TagWAL:
		return f.writeWAL(data, offset)
	default:
		return 0, dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_WRITE: unknown file tag")
	}
}

func (f *File) writeDatabase(data []byte, offset int64) (int, error) {
	if f.pageSize == 0 {
		if offset != 0 || len(data) < format.DBHeaderSize {
			return 0, dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_WRITE: first database write must cover the header")
		}
		ps := format.DBPageSize(data)
		if ps == 0 {
			return 0, dqliteerr.New(dqliteerr.FormatInvalid, "CORRUPT: invalid page size in database header")
		}
		f.pageSize = ps
		f.pages = append(f.pages, append([]byte(nil), data...))
		return len(data), nil
	}

	if offset%int64(f.pageSize) != 0 || len(data) != f.pageSize {
		return 0, dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_WRITE: write must be exactly one page, page-aligned")
	}
	pgno := int(offset/int64(f.pageSize)) + 1
	if pgno > len(f.pages)+1 {
		return 0, dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_WRITE: page %d written out of order (have %d pages)", pgno, len(f.pages))
	}
	if pgno == len(f.pages)+1 {
		f.pages = append(f.pages, append([]byte(nil), data...))
	} else {
		f.pages[pgno-1] = append([]byte(nil), data...)
	}
	return len(data), nil
}

func (f *File) writeWAL(data []byte, offset int64) (int, error) {
	if offset == 0 {
		if len(data) != format.WALHeaderSize {
			return 0, dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_WRITE: wal header write must be %d bytes", format.WALHeaderSize)
		}
		declared := format.WALPageSize(data)
		if declared == 0 {
			return 0, dqliteerr.New(dqliteerr.FormatInvalid, "CORRUPT: invalid wal page size")
		}
		if f.pairedDB != nil && f.pairedDB.pageSize != 0 && declared != f.pairedDB.pageSize {
			return 0, dqliteerr.New(dqliteerr.FormatInvalid, "CORRUPT: wal page size %d does not match database page size %d", declared, f.pairedDB.pageSize)
		}
		f.pageSize = declared
		f.header = append([]byte(nil), data...)
		return len(data), nil
	}

	if f.pageSize == 0 {
		if f.pairedDB == nil || f.pairedDB.pageSize == 0 {
			return 0, dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_WRITE: wal page size unknown")
		}
		f.pageSize = f.pairedDB.pageSize
	}

	frameSize := int64(format.WALFrameHeaderSize + f.pageSize)
	rel := offset - format.WALHeaderSize
	if rel < 0 {
		return 0, dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_WRITE: offset before wal frames region")
	}
	idx := int(rel / frameSize)
	within := rel % frameSize
	f.ensureFrame(idx + 1)
	fr := f.frames[idx]

	switch {
	case within == 0 && len(data) == format.WALFrameHeaderSize:
		copy(fr.header[:], data)
		fr.headerWritten = true
	case within == 0 && len(data) == format.WALFrameHeaderSize+f.pageSize:
		copy(fr.header[:], data[:format.WALFrameHeaderSize])
		fr.page = append([]byte(nil), data[format.WALFrameHeaderSize:]...)
		fr.headerWritten = true
		fr.pageWritten = true
	case within == int64(format.WALFrameHeaderSize) && len(data) == f.pageSize:
		if !fr.headerWritten {
			return 0, dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_WRITE: page for frame %d written before its header", idx+1)
		}
		fr.page = append([]byte(nil), data...)
		fr.pageWritten = true
	default:
		return 0, dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_WRITE: unsupported wal write shape at offset %d len %d", offset, len(data))
	}

	if fr.complete() {
		commit := format.WALFrameCommitSize(fr.header[:])
		if commit != 0 {
			if err := f.flushTransaction(idx, commit); err != nil {
				return 0, err
			}
		}
	}

	return len(data), nil
}

func (f *File) ensureFrame(n int) {
	for len(f.frames) < n {
		f.frames = append(f.frames, &walFrame{})
	}
}

// flushTransaction gathers every complete frame from the in-flight
// transaction's start through commitIdx and submits them as one
// replication hook call. On failure the frames are discarded (this is the
// "undo" of spec.md section 4.4: since nothing beyond this File's own
// in-memory buffer was touched, discarding is sufficient) and the frame
// slots are truncated back to the pre-transaction length.
func (f *File) flushTransaction(commitIdx int, commitSize uint32) error {
	if f.hook == nil {
		f.committedUpTo = commitIdx + 1
		f.pendingStart = f.committedUpTo
		return nil
	}

	frames := make([]Frame, 0, commitIdx+1-f.pendingStart)
	for i := f.pendingStart; i <= commitIdx; i++ {
		fr := f.frames[i]
		frames = append(frames, Frame{
			Pgno: format.WALFramePageNumber(fr.header[:]),
			Data: fr.page,
		})
	}

	dbName := f.name
	if f.pairedDB != nil {
		dbName = f.pairedDB.name
	}

	err := f.hook.Frames(dbName, f.pageSize, frames, commitSize, true)
	if err != nil {
		// Undo: drop the in-flight frames, including their slots, so
		// a retried transaction starts writing at the same index.
		f.frames = f.frames[:f.pendingStart]
		return err
	}

	f.committedUpTo = commitIdx + 1
	f.pendingStart = f.committedUpTo
	return nil
}

// Truncate implements spec.md section 4.3's truncate rules.
func (f *File) Truncate(size int64) error {
	switch f.tag {
	case TagJournal:
		return dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_TRUNCATE: journal files cannot be truncated")
	case TagDatabase:
		if f.pageSize == 0 || size%int64(f.pageSize) != 0 {
			return dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_TRUNCATE: size must be a multiple of the page size")
		}
		n := int(size / int64(f.pageSize))
		if n > len(f.pages) {
			return dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_TRUNCATE: truncate never grows a database file")
		}
		f.pages = f.pages[:n]
		return nil
	case TagWAL:
		if size != 0 {
			return dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_TRUNCATE: wal truncate only supports zero pages")
		}
		f.frames = nil
		f.committedUpTo = 0
		f.pendingStart = 0
		if f.header != nil {
			for i := range f.header {
				f.header[i] = 0
			}
		}
		return nil
	default:
		return dqliteerr.New(dqliteerr.IOBoundaryViolation, "IOERR_TRUNCATE: unknown file tag")
	}
}

// FrameCount returns the number of committed WAL frames, used by the
// checkpoint coordinator (C7) to compare against its configured threshold.
func (f *File) FrameCount() int {
	return f.committedUpTo
}

// PendingFrames reports how many frames beyond committedUpTo are already
// physically written (header and page bytes present) but not yet marked
// committed. On the node that originates a transaction (the leader),
// WriteAt writes these frames for real before the replication hook ever
// submits them to Raft; on every other node, nothing is written locally
// outside of ApplyFrames, so this is always zero there. Used by
// replication.FSM's apply path to tell the two cases apart.
func (f *File) PendingFrames() int {
	return len(f.frames) - f.committedUpTo
}

// CommitPendingFrames marks the next n already-written-but-uncommitted
// frames as committed, without rewriting or duplicating them, and
// invalidates the paired database's wal-index SHM region exactly as
// ApplyFrames does. This is the leader-side half of FSM.Apply's frames
// case: the bytes already exist (this node's own WriteAt wrote them), so
// only the commit bookkeeping needs to catch up once Raft confirms the
// entry.
func (f *File) CommitPendingFrames(n int) {
	f.committedUpTo = f.pendingStart + n
	f.pendingStart = f.committedUpTo

	if f.shm != nil {
		if region, _ := f.shm.Map(0, 32768, false); region != nil {
			clear(region)
		}
	} else if f.pairedDB != nil {
		if region, _ := f.pairedDB.SHM().Map(0, 32768, false); region != nil {
			clear(region)
		}
	}
}

// Size implements spec.md section 4.3's FileSize rules.
func (f *File) Size() int64 {
	switch f.tag {
	case TagDatabase:
		return int64(len(f.pages)) * int64(f.pageSize)
	case TagWAL:
		n := 0
		for _, fr := range f.frames {
			if fr.complete() {
				n++
			}
		}
		return format.WALHeaderSize + int64(n)*int64(format.WALFrameHeaderSize+f.pageSize)
	default:
		return 0
	}
}

func clear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SHM lazily creates and returns this (DATABASE) file's shared-memory
// mapping. SQLite addresses SHM through the database file handle even
// though the locks it takes there govern WAL access.
func (f *File) SHM() *SHM {
	if f.tag != TagDatabase {
		return nil
	}
	if f.shm == nil {
		f.shm = NewSHM()
	}
	return f.shm
}

// ApplyFrames is the apply path of spec.md section 4.4: given a decoded
// "WAL frames" Raft entry, it writes each frame's header and page at the
// next frame slot (reconstructing the on-disk checksum chain and the
// commit marker), updates the WAL header on first use, and invalidates
// the paired database's wal-index SHM region so that SQLite's own
// recovery logic rebuilds it by scanning the physical frames through
// ReadAt. This module does not reimplement SQLite's wal-index hash
// tables (an SQLite-internal structure spec.md's data model does not
// describe); recovery-on-demand is the substitute.
//
// Applies are strictly serial per database: callers (package replication)
// must serialize calls to ApplyFrames for a given File.
func (f *File) ApplyFrames(pageSize int, frames []Frame, truncate uint32, isCommit bool, salt1, salt2 uint32) error {
	if f.tag != TagWAL {
		return dqliteerr.New(dqliteerr.IOBoundaryViolation, "ApplyFrames called on non-wal file")
	}

	if f.header == nil {
		f.pageSize = pageSize
		f.header = format.NewWALHeader(pageSize, salt1, salt2)
	}

	bigEndian := format.WALHeaderChecksumBigEndian(f.header)
	var prev *format.Checksum
	if len(f.frames) > 0 {
		last := f.frames[len(f.frames)-1]
		s := format.Checksum{
			beU32(last.header[16:20]),
			beU32(last.header[20:24]),
		}
		prev = &s
	}

	for i, fr := range frames {
		commit := uint32(0)
		if isCommit && i == len(frames)-1 {
			commit = truncate
		}

		hdr := make([]byte, format.WALFrameHeaderSize)
		beU32Put(hdr[0:4], fr.Pgno)
		beU32Put(hdr[4:8], commit)
		beU32Put(hdr[8:12], salt1)
		beU32Put(hdr[12:16], salt2)

		sum := format.WALChecksum(bigEndian, hdr[0:8], prev)
		sum = format.WALChecksum(bigEndian, fr.Data, &sum)
		beU32Put(hdr[16:20], sum[0])
		beU32Put(hdr[20:24], sum[1])
		prev = &sum

		newFrame := &walFrame{page: append([]byte(nil), fr.Data...), headerWritten: true, pageWritten: true}
		copy(newFrame.header[:], hdr)
		f.frames = append(f.frames, newFrame)
	}

	if isCommit {
		f.committedUpTo = len(f.frames)
		f.pendingStart = f.committedUpTo
	}

	if f.shm != nil {
		if region, _ := f.shm.Map(0, 32768, false); region != nil {
			clear(region)
		}
	} else if f.pairedDB != nil {
		if region, _ := f.pairedDB.SHM().Map(0, 32768, false); region != nil {
			clear(region)
		}
	}

	return nil
}

// Checkpoint implements the apply side of a Checkpoint Raft entry: it
// truncates the WAL to zero frames and rotates the header's checkpoint
// sequence and salts via format.WALRestartHeader. Replaying a checkpoint
// against an already-checkpointed (empty) WAL is a no-op, matching the
// idempotence property in spec.md section 8.
func (f *File) Checkpoint(randomSalt2 [4]byte) error {
	if f.tag != TagWAL {
		return dqliteerr.New(dqliteerr.IOBoundaryViolation, "Checkpoint called on non-wal file")
	}
	if f.header == nil || len(f.frames) == 0 {
		return nil
	}
	f.frames = nil
	f.committedUpTo = 0
	f.pendingStart = 0
	format.WALRestartHeader(f.header, randomSalt2)
	return nil
}

func beU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beU32Put(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

