// Package segment implements the per-group immutable segment file format
// and the node-wide segment writer that demultiplexes sealed WAL files
// into them, grounded on raft/log.go's segment type
// (offsets/seal/truncate/writeTo) and tsdb/engine/tsm1's snappy-compressed
// WAL entry encoding.
package segment

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/golang/snappy"
)

// RecordKind mirrors wal.RecordKind without importing the wal package,
// the same leaf-package discipline wal/record.go uses against raft.
type RecordKind uint8

const (
	KindCommand RecordKind = iota
	KindConfig
	KindNoop
)

// frameHeaderSize is length-prefix + index + term + kind, preceding the
// (possibly compressed) payload.
const frameHeaderSize = 4 + 8 + 8 + 1

// footerMagic trails every sealed segment file so Open can tell a fully
// sealed file from one truncated mid-write (power loss during Seal).
const footerMagic = 0x5347464d // "SGFM"

// Writer appends entries to one group's currently-open segment file,
// snappy-compressing each payload the way WALSegmentWriter.Write does, and
// tracks a byte-offset index for each entry so Seal can write a footer a
// Reader can binary-search without scanning the whole file.
type Writer struct {
	f       *os.File
	path    string
	groupID string

	firstIndex uint64
	lastIndex  uint64
	count      uint64
	offsets    []int64
	size       int64
}

// Create opens a brand-new segment file at path for groupID.
func Create(path, groupID string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: create %s: %w", path, err)
	}
	return &Writer{f: f, path: path, groupID: groupID}, nil
}

// Append writes one entry to the segment, compressing its payload.
func (w *Writer) Append(index, term uint64, kind RecordKind, payload []byte) error {
	compressed := snappy.Encode(nil, payload)

	frame := make([]byte, frameHeaderSize+len(compressed))
	binary.BigEndian.PutUint32(frame, uint32(len(compressed)))
	binary.BigEndian.PutUint64(frame[4:], index)
	binary.BigEndian.PutUint64(frame[12:], term)
	frame[20] = byte(kind)
	copy(frame[frameHeaderSize:], compressed)

	offset := w.size
	n, err := w.f.Write(frame)
	if err != nil {
		return fmt.Errorf("segment: append to %s: %w", w.path, err)
	}
	w.size += int64(n)
	w.offsets = append(w.offsets, offset)

	if w.count == 0 {
		w.firstIndex = index
	}
	w.lastIndex = index
	w.count++
	return nil
}

// Size reports the current on-disk byte size, for the writer's seal
// threshold check.
func (w *Writer) Size() int64 { return w.size }

// Count reports the number of entries appended so far, for the writer's
// index-range seal threshold check.
func (w *Writer) Count() uint64 { return w.count }

func (w *Writer) GroupID() string  { return w.groupID }
func (w *Writer) Path() string     { return w.path }
func (w *Writer) FirstIndex() uint64 { return w.firstIndex }
func (w *Writer) LastIndex() uint64  { return w.lastIndex }

// Sync fsyncs the file without sealing it, used after a batch of appends
// from one WAL file before that WAL file is deleted.
func (w *Writer) Sync() error {
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("segment: sync %s: %w", w.path, err)
	}
	return nil
}

// Manifest describes a sealed segment file, handed to the owning group:
// group id, segment path, and the first/last index range it covers.
type Manifest struct {
	GroupID    string
	Path       string
	FirstIndex uint64
	LastIndex  uint64
	Count      uint64
}

// Seal writes the offset-index footer, fsyncs, and closes the file. The
// Writer must not be used afterward.
func (w *Writer) Seal() (Manifest, error) {
	footer := make([]byte, 8*len(w.offsets)+8+8+8+4+4)
	off := 0
	for _, o := range w.offsets {
		binary.BigEndian.PutUint64(footer[off:], uint64(o))
		off += 8
	}
	binary.BigEndian.PutUint64(footer[off:], w.firstIndex)
	off += 8
	binary.BigEndian.PutUint64(footer[off:], w.lastIndex)
	off += 8
	binary.BigEndian.PutUint64(footer[off:], w.count)
	off += 8
	binary.BigEndian.PutUint32(footer[off:], uint32(len(w.offsets)))
	off += 4
	binary.BigEndian.PutUint32(footer[off:], footerMagic)

	if _, err := w.f.Write(footer); err != nil {
		return Manifest{}, fmt.Errorf("segment: seal footer %s: %w", w.path, err)
	}
	if err := w.f.Sync(); err != nil {
		return Manifest{}, fmt.Errorf("segment: seal sync %s: %w", w.path, err)
	}
	if err := w.f.Close(); err != nil {
		return Manifest{}, fmt.Errorf("segment: seal close %s: %w", w.path, err)
	}

	return Manifest{
		GroupID:    w.groupID,
		Path:       w.path,
		FirstIndex: w.firstIndex,
		LastIndex:  w.lastIndex,
		Count:      w.count,
	}, nil
}
