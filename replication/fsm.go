package replication

import (
	"io"

	"github.com/hashicorp/raft"
	"github.com/lxc/dqlited/internal/dqliteerr"
	"github.com/lxc/dqlited/internal/logging"
	"github.com/lxc/dqlited/vfs"
)

// FSM implements raft.FSM. It is the apply path of spec.md section 4.4:
// every node, including the leader, installs committed WAL-frames and
// checkpoint entries into its own in-memory VFS this way. Applies for a
// given database are strictly serial because hashicorp/raft invokes
// FSM.Apply from a single goroutine.
type FSM struct {
	registry *vfs.Registry
	log      *logging.Logger
}

// NewFSM builds an FSM that applies committed entries into registry.
func NewFSM(registry *vfs.Registry, log *logging.Logger) *FSM {
	return &FSM{registry: registry, log: log}
}

// Apply decodes and installs a single committed Raft log entry. The
// returned value, if an error, is surfaced through raft.ApplyFuture.
// Response() back to the submitting Hook.Frames/Checkpoint call.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	cmd, err := decodeCommand(entry.Data)
	if err != nil {
		return err
	}

	switch cmd.Kind {
	case commandFrames:
		return f.applyFrames(cmd.Frames)
	case commandCheckpoint:
		return f.applyCheckpoint(cmd.Checkpoint)
	default:
		return dqliteerr.New(dqliteerr.ProtocolViolation, "unknown command kind %d", cmd.Kind)
	}
}

func (f *FSM) applyFrames(c *framesCommand) error {
	wal, err := f.walFile(c.Database)
	if err != nil {
		return err
	}

	// On the node that originated this transaction (the leader), WriteAt
	// already wrote these frames for real before hook.Frames ever
	// submitted them here: vfs.File.flushTransaction only advances
	// committedUpTo after the Raft entry commits, which is exactly what
	// this Apply call is doing, so the bytes are present but not yet
	// marked committed. Re-running ApplyFrames in that case would
	// reconstruct and append a second, duplicate copy of the same
	// frames. Every other node has nothing written locally outside of
	// ApplyFrames, so PendingFrames is zero there and the normal path
	// below runs.
	if pending := wal.PendingFrames(); pending >= len(c.Frames) {
		wal.CommitPendingFrames(len(c.Frames))
		return nil
	}

	frames := fromWireFrames(c.Frames)
	if err := wal.ApplyFrames(c.PageSize, frames, c.Truncate, c.IsCommit, c.Salt1, c.Salt2); err != nil {
		f.log.Error("apply wal frames failed", logging.Fields{"database": c.Database, "error": err.Error()})
		return err
	}
	return nil
}

func (f *FSM) applyCheckpoint(c *checkpointCommand) error {
	wal, err := f.walFile(c.Database)
	if err != nil {
		return err
	}
	return wal.Checkpoint(c.Salt2)
}

func (f *FSM) walFile(database string) (*vfs.File, error) {
	name := database + "-wal"
	file, err := f.registry.Open(name, vfs.OpenReadWrite|vfs.OpenCreate|vfs.OpenWAL)
	if err != nil {
		return nil, dqliteerr.Wrap(dqliteerr.NotFound, err, "open wal file for apply")
	}
	return file, nil
}

// Snapshot implements raft.FSM, capturing every registered file's full
// image. Persistence of the resulting fsmSnapshot is handled by
// whatever raft.SnapshotStore the cluster package's Raft instance is
// configured with (a raft.FileSnapshotStore in cluster/raft.go).
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	names := f.registry.Names()
	images := make(map[string][]byte, len(names))
	tags := make(map[string]vfs.Tag, len(names))
	for _, name := range names {
		data, err := vfs.FileRead(f.registry, name)
		if err != nil {
			continue
		}
		images[name] = data
		if len(name) > 4 && name[len(name)-4:] == "-wal" {
			tags[name] = vfs.TagWAL
		} else {
			tags[name] = vfs.TagDatabase
		}
	}
	return &fsmSnapshot{images: images, tags: tags}, nil
}

// Restore implements raft.FSM, installing every file image of a
// previously captured snapshot into the registry and overwriting files of
// the same name. Registered files absent from the snapshot are left as
// they are.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	return decodeSnapshot(rc, func(name string, tag vfs.Tag, data []byte) error {
		return vfs.FileWrite(f.registry, name, data, tag)
	})
}

type fsmSnapshot struct {
	images map[string][]byte
	tags   map[string]vfs.Tag
}

// Persist implements raft.FSMSnapshot by writing every registered file's
// image through sink, length-prefixed, in the format decodeSnapshot reads
// back. Grounded on the bulk snapshot transfer path spec.md section 4.8
// supplements (original_source/test/test_db.c exercises VfsFileRead/
// VfsFileWrite as first-class operations, not just VFS-internal helpers).
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := encodeSnapshot(sink, s.images, s.tags); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

func encodeSnapshot(w io.Writer, images map[string][]byte, tags map[string]vfs.Tag) error {
	for name, data := range images {
		if err := writeSnapshotEntry(w, name, tags[name], data); err != nil {
			return dqliteerr.Wrap(dqliteerr.IOBoundaryViolation, err, "write snapshot entry")
		}
	}
	return nil
}

func writeSnapshotEntry(w io.Writer, name string, tag vfs.Tag, data []byte) error {
	header := make([]byte, 0, len(name)+9)
	header = appendU32(header, uint32(len(name)))
	header = append(header, name...)
	header = append(header, byte(tag))
	header = appendU32(header, uint32(len(data)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func decodeSnapshot(r io.Reader, install func(name string, tag vfs.Tag, data []byte) error) error {
	for {
		var nameLen [4]byte
		if _, err := io.ReadFull(r, nameLen[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return dqliteerr.Wrap(dqliteerr.FormatInvalid, err, "read snapshot entry name length")
		}
		n := beU32(nameLen[:])
		nameBuf := make([]byte, n)
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return dqliteerr.Wrap(dqliteerr.FormatInvalid, err, "read snapshot entry name")
		}
		var tagByte [1]byte
		if _, err := io.ReadFull(r, tagByte[:]); err != nil {
			return dqliteerr.Wrap(dqliteerr.FormatInvalid, err, "read snapshot entry tag")
		}
		var dataLen [4]byte
		if _, err := io.ReadFull(r, dataLen[:]); err != nil {
			return dqliteerr.Wrap(dqliteerr.FormatInvalid, err, "read snapshot entry data length")
		}
		data := make([]byte, beU32(dataLen[:]))
		if _, err := io.ReadFull(r, data); err != nil {
			return dqliteerr.Wrap(dqliteerr.FormatInvalid, err, "read snapshot entry data")
		}
		if err := install(string(nameBuf), vfs.Tag(tagByte[0]), data); err != nil {
			return err
		}
	}
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
