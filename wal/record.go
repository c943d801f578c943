// Package wal implements the node-wide shared write-ahead log (component
// C1): one append-only file funneling durable writes from every hosted
// group through a single fsync-disciplined stream, grounded on
// tsdb/engine/tsm1/wal.go generalized from a single-tenant points log to a
// multi-group framed record stream.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

// RecordKind mirrors raft.EntryKind on the wire without importing the raft
// package, keeping wal a leaf package the way tsm1.WAL never imports raft.
type RecordKind uint8

const (
	KindCommand RecordKind = iota
	KindConfig
	KindNoop
)

// wireVersion is the framing version written into every record: [u32
// length][u8 version][u64 group_hash][u64 index][u64 term][u8 kind][bytes
// payload][u32 crc32c]. Bumping it is a breaking change to recovery;
// there is exactly one version today.
const wireVersion = 1

// headerSize is everything preceding the payload: version + group_hash +
// index + term + kind.
const headerSize = 1 + 8 + 8 + 8 + 1

// crcSize is the trailing checksum.
const crcSize = 4

// lengthPrefixSize is the leading u32 length field, itself excluded from
// the length it records (length covers header+payload+crc).
const lengthPrefixSize = 4

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is one WAL entry before or after framing.
type Record struct {
	GroupID string
	Index   uint64
	Term    uint64
	Kind    RecordKind
	Payload []byte
}

// GroupHash implements the record's group-demultiplexing key the way
// tsdb/engine/tsm1/ring.go partitions series keys: a stable 64-bit hash of
// the group identifier, cheap to compute and cheap to compare, so the
// segment writer (package segment) can demux records without string
// comparisons on the hot path. Exported so node/catalog can compute the
// same hash a group will be framed under before any record is written.
func GroupHash(groupID string) uint64 {
	return xxhash.Sum64String(groupID)
}

// Encode frames r per the wire format and appends it to dst, returning the
// grown slice. It never allocates beyond what's needed to reach the final
// size, mirroring WriteWALEntry.Encode's growth-on-demand buffer reuse.
func Encode(dst []byte, r Record) []byte {
	bodyLen := headerSize + len(r.Payload) + crcSize
	start := len(dst)
	dst = append(dst, make([]byte, lengthPrefixSize+bodyLen)...)

	binary.BigEndian.PutUint32(dst[start:], uint32(bodyLen))
	off := start + lengthPrefixSize

	dst[off] = wireVersion
	off++
	binary.BigEndian.PutUint64(dst[off:], GroupHash(r.GroupID))
	off += 8
	binary.BigEndian.PutUint64(dst[off:], r.Index)
	off += 8
	binary.BigEndian.PutUint64(dst[off:], r.Term)
	off += 8
	dst[off] = byte(r.Kind)
	off++
	copy(dst[off:], r.Payload)
	off += len(r.Payload)

	crc := crc32.Checksum(dst[start+lengthPrefixSize:off], castagnoli)
	binary.BigEndian.PutUint32(dst[off:], crc)

	return dst
}

// Decoded is a framed record plus the group_hash recorded on the wire —
// the group's own string id is not carried on disk, so recovery resolves
// it back through a hash->id table the caller supplies (package
// grouplog/catalog own that mapping).
type Decoded struct {
	GroupHash uint64
	Index     uint64
	Term      uint64
	Kind      RecordKind
	Payload   []byte
}

// Decode parses one framed record starting at buf[0], returning the record,
// the number of bytes consumed (including the length prefix), and an error
// if buf does not hold a complete, checksum-valid record. A short buffer is
// reported as errShortRead so recovery can distinguish "need more bytes"
// from "corrupt record".
func Decode(buf []byte) (Decoded, int, error) {
	if len(buf) < lengthPrefixSize {
		return Decoded{}, 0, errShortRead
	}
	bodyLen := int(binary.BigEndian.Uint32(buf))
	total := lengthPrefixSize + bodyLen
	if bodyLen < headerSize+crcSize || len(buf) < total {
		return Decoded{}, 0, errShortRead
	}

	body := buf[lengthPrefixSize:total]

	version := body[0]
	if version != wireVersion {
		return Decoded{}, total, fmt.Errorf("wal: unsupported record version %d", version)
	}
	groupHash := binary.BigEndian.Uint64(body[1:9])
	index := binary.BigEndian.Uint64(body[9:17])
	term := binary.BigEndian.Uint64(body[17:25])
	kind := RecordKind(body[25])
	payload := body[headerSize : len(body)-crcSize]
	wantCRC := binary.BigEndian.Uint32(body[len(body)-crcSize:])

	gotCRC := crc32.Checksum(body[:len(body)-crcSize], castagnoli)
	if gotCRC != wantCRC {
		return Decoded{}, total, errChecksumMismatch
	}

	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	return Decoded{
		GroupHash: groupHash,
		Index:     index,
		Term:      term,
		Kind:      kind,
		Payload:   payloadCopy,
	}, total, nil
}
