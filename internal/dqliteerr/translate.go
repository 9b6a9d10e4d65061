package dqliteerr

import sqlite3 "github.com/ncruces/go-sqlite3"

// Translate maps a taxonomy-tagged error onto the result code
// github.com/ncruces/go-sqlite3/vfs expects at the VFS/gateway boundary
// (SPEC_FULL.md section 7's single central translator, replacing
// scattered per-call heuristics). Errors outside the taxonomy pass
// through unchanged.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	kind, ok := As(err)
	if !ok {
		return err
	}
	switch kind {
	case NotFound:
		return sqlite3.CANTOPEN
	case FormatInvalid:
		return sqlite3.CORRUPT
	case IOBoundaryViolation:
		return sqlite3.IOERR_SHORT_READ
	case Busy:
		return sqlite3.BUSY
	case ResourceExhausted:
		return sqlite3.NOMEM
	default:
		return err
	}
}
