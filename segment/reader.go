package segment

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/golang/snappy"
)

// Entry is one decoded segment record.
type Entry struct {
	Index   uint64
	Term    uint64
	Kind    RecordKind
	Payload []byte
}

// Reader provides random access into a sealed segment file by index,
// looking the entry up in the footer's offset table at position
// index - FirstIndex(). grouplog keeps the ordered, binary-searchable
// structure mapping sealed segment files to their index ranges.
type Reader struct {
	f          *os.File
	path       string
	offsets    []int64
	firstIndex uint64
	lastIndex  uint64
	count      uint64
}

// Open reads path's footer and prepares a Reader. It returns an error if
// the file is missing its footer magic, which means it was never sealed
// (a crash mid-write) and should not be trusted for random access.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: stat %s: %w", path, err)
	}
	if info.Size() < 24 {
		f.Close()
		return nil, fmt.Errorf("segment: %s too small to be sealed", path)
	}

	tail := make([]byte, 16) // count(8) + entryCount(4) + magic(4)
	if _, err := f.ReadAt(tail, info.Size()-16); err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: read footer tail %s: %w", path, err)
	}
	count := binary.BigEndian.Uint64(tail[0:8])
	entryCount := binary.BigEndian.Uint32(tail[8:12])
	magic := binary.BigEndian.Uint32(tail[12:16])
	if magic != footerMagic {
		f.Close()
		return nil, fmt.Errorf("segment: %s is not sealed (missing footer magic)", path)
	}

	footerSize := int64(8*entryCount + 8 + 8 + 8 + 4 + 4)
	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, info.Size()-footerSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: read footer %s: %w", path, err)
	}

	offsets := make([]int64, entryCount)
	off := 0
	for i := range offsets {
		offsets[i] = int64(binary.BigEndian.Uint64(footer[off:]))
		off += 8
	}
	firstIndex := binary.BigEndian.Uint64(footer[off:])
	off += 8
	lastIndex := binary.BigEndian.Uint64(footer[off:])

	return &Reader{
		f:          f,
		path:       path,
		offsets:    offsets,
		firstIndex: firstIndex,
		lastIndex:  lastIndex,
		count:      count,
	}, nil
}

func (r *Reader) FirstIndex() uint64 { return r.firstIndex }
func (r *Reader) LastIndex() uint64  { return r.lastIndex }
func (r *Reader) Path() string       { return r.path }
func (r *Reader) Close() error       { return r.f.Close() }

// Contains reports whether index falls within this segment's range.
func (r *Reader) Contains(index uint64) bool {
	return index >= r.firstIndex && index <= r.lastIndex
}

// Fetch reads and decompresses the entry at index.
func (r *Reader) Fetch(index uint64) (Entry, bool, error) {
	if !r.Contains(index) {
		return Entry{}, false, nil
	}
	pos := int(index - r.firstIndex)
	if pos >= len(r.offsets) {
		return Entry{}, false, nil
	}

	header := make([]byte, frameHeaderSize)
	if _, err := r.f.ReadAt(header, r.offsets[pos]); err != nil {
		return Entry{}, false, fmt.Errorf("segment: read header at %d in %s: %w", r.offsets[pos], r.path, err)
	}
	compressedLen := binary.BigEndian.Uint32(header)
	gotIndex := binary.BigEndian.Uint64(header[4:])
	term := binary.BigEndian.Uint64(header[12:])
	kind := RecordKind(header[20])
	if gotIndex != index {
		return Entry{}, false, fmt.Errorf("segment: index mismatch in %s: want %d got %d", r.path, index, gotIndex)
	}

	compressed := make([]byte, compressedLen)
	if _, err := r.f.ReadAt(compressed, r.offsets[pos]+int64(frameHeaderSize)); err != nil {
		return Entry{}, false, fmt.Errorf("segment: read payload at %d in %s: %w", r.offsets[pos], r.path, err)
	}
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return Entry{}, false, fmt.Errorf("segment: decompress payload in %s: %w", r.path, err)
	}

	return Entry{Index: index, Term: term, Kind: kind, Payload: payload}, true, nil
}

// FetchTerm is a cheaper variant of Fetch that only reads the frame
// header, used by grouplog.Log.FetchTerm.
func (r *Reader) FetchTerm(index uint64) (uint64, bool, error) {
	if !r.Contains(index) {
		return 0, false, nil
	}
	pos := int(index - r.firstIndex)
	if pos >= len(r.offsets) {
		return 0, false, nil
	}
	header := make([]byte, frameHeaderSize)
	if _, err := r.f.ReadAt(header, r.offsets[pos]); err != nil {
		return 0, false, fmt.Errorf("segment: read header at %d in %s: %w", r.offsets[pos], r.path, err)
	}
	return binary.BigEndian.Uint64(header[12:]), true, nil
}
