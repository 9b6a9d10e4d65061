// Package format implements pure, allocation-free codecs for the on-disk
// byte layouts SQLite uses for its database header, WAL header, and WAL
// frame header. Every multi-byte integer in these headers is big-endian.
//
// Grounded on original_source/src/format.c (dqlite's C implementation of
// the same codec).
package format

import (
	"encoding/binary"
)

// Sizes of the fixed-layout regions this package decodes.
const (
	// DBHeaderSize is the size of the SQLite database header.
	DBHeaderSize = 100
	// WALHeaderSize is the size of the WAL header.
	WALHeaderSize = 32
	// WALFrameHeaderSize is the size of a single WAL frame header.
	WALFrameHeaderSize = 24

	// PageSizeMin and PageSizeMax are the bounds SQLite allows for a
	// page size (65536 is represented as the sentinel value 1).
	PageSizeMin = 512
	PageSizeMax = 65536

	// WALMagic is the WAL magic value stored at offset 0 of the WAL
	// header, with bit 0 clear. Bit 0 of the stored 32-bit value
	// selects checksum byte order: set means big-endian words, unset
	// means little-endian words.
	WALMagic = 0x377f0682
)

// DecodePageSize validates and decodes a raw 4-byte page-size field as
// found at database header offset 16 (preceded by two zero bytes, since
// that field is actually 2 bytes wide) or WAL header offset 8. It returns
// 0 if the value is out of bounds.
//
// The field holds the page size directly, except that the value 1 denotes
// a page size of 65536 (the only power of two in range that does not fit
// in 16 bits).
func DecodePageSize(buf [4]byte) int {
	v := binary.BigEndian.Uint32(buf[:])
	switch {
	case v == 1:
		return PageSizeMax
	case v < PageSizeMin:
		return 0
	case v > PageSizeMax/2:
		return 0
	case (v-1)&v != 0:
		// Not a power of two.
		return 0
	}
	return int(v)
}

// EncodePageSize is the inverse of DecodePageSize: it encodes pageSize
// (which must already be a valid page size) into the 4-byte field layout,
// using the value-1 sentinel for 65536.
func EncodePageSize(pageSize int) [4]byte {
	v := uint32(pageSize)
	if pageSize == PageSizeMax {
		v = 1
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return buf
}

// DBPageSize decodes the page size from a database header. header must be
// at least DBHeaderSize bytes. The field occupies bytes 16-17 as a 16-bit
// big-endian integer; DecodePageSize is fed a 4-byte buffer with the top
// two bytes zeroed to reuse the same bounds checking.
func DBPageSize(header []byte) int {
	var buf [4]byte
	buf[2] = header[16]
	buf[3] = header[17]
	return DecodePageSize(buf)
}

// PutDBPageSize writes pageSize into the database header's page-size
// field (bytes 16-17).
func PutDBPageSize(header []byte, pageSize int) {
	buf := EncodePageSize(pageSize)
	header[16] = buf[2]
	header[17] = buf[3]
}

// WALPageSize decodes the page size stored in a WAL header, at offset 8
// (a full 4-byte big-endian field, unlike the DB header's 2-byte field).
func WALPageSize(header []byte) int {
	var buf [4]byte
	copy(buf[:], header[8:12])
	return DecodePageSize(buf)
}

// WALFramePageNumber returns the page number encoded in the first 4 bytes
// of a 24-byte WAL frame header.
func WALFramePageNumber(frameHeader []byte) uint32 {
	return binary.BigEndian.Uint32(frameHeader[0:4])
}

// WALFrameCommitSize returns the commit marker (number of pages in the
// database image if this frame commits a transaction, or 0 otherwise),
// stored in the second 4 bytes of a WAL frame header.
func WALFrameCommitSize(frameHeader []byte) uint32 {
	return binary.BigEndian.Uint32(frameHeader[4:8])
}

// WALFrameCalcPgno computes the 1-based frame index corresponding to a
// byte offset into a WAL file, given the file's page size.
func WALFrameCalcPgno(pageSize int, fileOffset int64) uint32 {
	frameSize := int64(WALFrameHeaderSize + pageSize)
	return uint32((fileOffset-WALHeaderSize)/frameSize) + 1
}

// WALFrameOffset returns the byte offset of frame index k (1-based) within
// a WAL file, for the given page size.
func WALFrameOffset(pageSize int, k uint32) int64 {
	frameSize := int64(WALFrameHeaderSize + pageSize)
	return WALHeaderSize + int64(k-1)*frameSize
}

// Checksum is a WAL rolling checksum pair.
type Checksum [2]uint32

// WALChecksum computes a Fletcher-like rolling checksum over data, which
// must be a positive multiple of 8 bytes and no more than 65536 bytes. If
// prev is non-nil it seeds the computation (continuing a running
// checksum); otherwise the computation starts from {0, 0}.
//
// bigEndianWords selects the word order used to interpret data: true
// reads data as big-endian 32-bit words (used when the WAL magic's LSB is
// set), false reads native/little-endian words.
func WALChecksum(bigEndianWords bool, data []byte, prev *Checksum) Checksum {
	var s1, s2 uint32
	if prev != nil {
		s1, s2 = prev[0], prev[1]
	}

	for i := 0; i < len(data); i += 8 {
		var d0, d1 uint32
		if bigEndianWords {
			d0 = binary.BigEndian.Uint32(data[i : i+4])
			d1 = binary.BigEndian.Uint32(data[i+4 : i+8])
		} else {
			d0 = binary.LittleEndian.Uint32(data[i : i+4])
			d1 = binary.LittleEndian.Uint32(data[i+4 : i+8])
		}
		s1 += d0 + s2
		s2 += d1 + s1
	}

	return Checksum{s1, s2}
}

// WALHeaderChecksumBigEndian reports whether the WAL magic stored in a
// header selects big-endian checksum words (magic's LSB set).
func WALHeaderChecksumBigEndian(header []byte) bool {
	magic := binary.BigEndian.Uint32(header[0:4])
	return magic&1 == 1
}

// WALRestartHeader increments the checkpoint sequence (bytes 12-15) and
// salt1 (bytes 16-19), writes a fresh random salt2 (bytes 20-23) using
// randomSalt2, and recomputes the header checksum over the first 24
// bytes, storing it at bytes 24-31.
//
// Only salt2 is randomized; salt1 is only ever incremented. This resolves
// the Open Question in spec.md section 9 about dqlite's
// formatWalRestartHeader: its C implementation reads the old salt1,
// increments it, and writes it back before touching salt2 at all, so the
// two fields are never conflated.
func WALRestartHeader(header []byte, randomSalt2 [4]byte) {
	checkpoint := binary.BigEndian.Uint32(header[12:16])
	binary.BigEndian.PutUint32(header[12:16], checkpoint+1)

	salt1 := binary.BigEndian.Uint32(header[16:20])
	binary.BigEndian.PutUint32(header[16:20], salt1+1)

	copy(header[20:24], randomSalt2[:])

	sum := WALChecksum(true, header[0:24], nil)
	binary.BigEndian.PutUint32(header[24:28], sum[0])
	binary.BigEndian.PutUint32(header[28:32], sum[1])
}

// NewWALHeader builds a fresh 32-byte WAL header for a new file with the
// given page size, using salt as the initial {salt1, salt2} pair.
func NewWALHeader(pageSize int, salt1, salt2 uint32) []byte {
	header := make([]byte, WALHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], WALMagic|1) // big-endian checksums
	binary.BigEndian.PutUint32(header[4:8], 3007000)
	binary.BigEndian.PutUint32(header[8:12], uint32(pageSize))
	binary.BigEndian.PutUint32(header[12:16], 0)
	binary.BigEndian.PutUint32(header[16:20], salt1)
	binary.BigEndian.PutUint32(header[20:24], salt2)

	sum := WALChecksum(true, header[0:24], nil)
	binary.BigEndian.PutUint32(header[24:28], sum[0])
	binary.BigEndian.PutUint32(header[28:32], sum[1])
	return header
}
