package replication

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/lxc/dqlited/internal/dqliteerr"
	"github.com/lxc/dqlited/vfs"
)

// commandKind tags the payload of a single raft log entry this package
// produces, mirroring the "WAL frames" / "Checkpoint" entry kinds of
// spec.md section 4.4.
type commandKind uint8

const (
	commandFrames commandKind = iota
	commandCheckpoint
)

// frameWire is the wire shape of a single vfs.Frame: msgpack has no notion
// of Go struct field names being stable across versions the way protobuf
// does, but this module only ever talks to itself, so the plain field
// names are enough.
type frameWire struct {
	Pgno uint32
	Data []byte
}

type framesCommand struct {
	Database string
	PageSize int
	Frames   []frameWire
	Truncate uint32
	IsCommit bool
	Salt1    uint32
	Salt2    uint32
}

type checkpointCommand struct {
	Database string
	Salt2    [4]byte
}

// command is the single envelope type submitted to raft.Raft.Apply and
// decoded back inside FSM.Apply. Only one of Frames/Checkpoint is set,
// selected by Kind.
type command struct {
	Kind       commandKind
	Frames     *framesCommand
	Checkpoint *checkpointCommand
}

// msgpack is used for command encoding because it is already part of this
// module's dependency graph: hashicorp/raft pulls in
// github.com/hashicorp/go-msgpack for its own internal encoding, and this
// is the same library consul and other hashicorp/raft-based systems use to
// encode their own FSM commands, so wiring it directly (rather than
// reaching for encoding/gob or encoding/json) keeps the command codec in
// the same family as the library the raft log itself relies on.
var msgpackHandle = &codec.MsgpackHandle{}

func encodeCommand(cmd *command) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(cmd); err != nil {
		return nil, dqliteerr.Wrap(dqliteerr.FormatInvalid, err, "encode raft command")
	}
	return buf.Bytes(), nil
}

func decodeCommand(data []byte) (*command, error) {
	var cmd command
	dec := codec.NewDecoder(bytes.NewReader(data), msgpackHandle)
	if err := dec.Decode(&cmd); err != nil {
		return nil, dqliteerr.Wrap(dqliteerr.FormatInvalid, err, "decode raft command")
	}
	return &cmd, nil
}

func toWireFrames(frames []vfs.Frame) []frameWire {
	out := make([]frameWire, len(frames))
	for i, f := range frames {
		out[i] = frameWire{Pgno: f.Pgno, Data: f.Data}
	}
	return out
}

func fromWireFrames(frames []frameWire) []vfs.Frame {
	out := make([]vfs.Frame, len(frames))
	for i, f := range frames {
		out[i] = vfs.Frame{Pgno: f.Pgno, Data: f.Data}
	}
	return out
}
