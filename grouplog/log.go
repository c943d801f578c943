// Package grouplog implements the per-group log façade: a three-tier
// view over a hot in-memory cache of unflushed entries, an
// ordered index of sealed segment files, and a snapshot boundary below
// which entries are unreadable except through a snapshot. It implements
// raft.Log, grounded on tsdb/engine/tsm1/cache.go's hot-cache-over-
// immutable-files shape generalized from timestamped values to indexed
// log entries.
package grouplog

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/influxdata/ractor/raft"
	"github.com/influxdata/ractor/segment"
	"github.com/influxdata/ractor/wal"
)

// WALAppender is the subset of *wal.Writer a Log depends on, narrowed to
// an interface for testability (ground: raft.FSM/raft.Log's own caller-
// supplied-interface pattern).
type WALAppender interface {
	Append(groupID string, groupHash, index, term uint64, kind wal.RecordKind, payload []byte) error
}

// hotItem is a btree.Item ordering log entries by index, the same pattern
// inmem/kv.go uses for its byte-keyed item type.
type hotItem struct {
	entry raft.Entry
}

func (i *hotItem) Less(than btree.Item) bool {
	other, ok := than.(*hotItem)
	if !ok {
		return false
	}
	return i.entry.Index < other.entry.Index
}

// segmentRange pairs a sealed segment reader with the index range it was
// originally sealed with, since TruncateFrom may clip that range without
// invalidating the whole reader.
type segmentRange struct {
	reader       *segment.Reader
	firstIndex   uint64
	effectiveEnd uint64 // last index still considered live in this segment
}

// Log is one group's view of its portion of the shared WAL plus its own
// sealed segment files.
type Log struct {
	mu sync.RWMutex

	groupID   string
	groupHash uint64
	appender  WALAppender

	hot *btree.BTree

	// segments is kept sorted ascending by firstIndex; Fetch/FetchTerm
	// binary-search it the way tsdb's file_store locates a TSM file.
	segments []segmentRange

	snapshotBoundary uint64 // indexes <= this are unreadable except via snapshot
	snapshotTerm     uint64
	releaseCursor    uint64

	lastIndex uint64
	lastTerm  uint64

	logger *zap.Logger
}

// Option configures a Log at construction.
type Option func(*Log)

// WithLogger overrides the default no-op logger, the same pattern
// apply.Loop uses.
func WithLogger(l *zap.Logger) Option {
	return func(log *Log) { log.logger = l }
}

// New returns an empty Log for groupID. groupHash must be the same hash
// wal.Encode/Decode compute for groupID, since the WAL and segment writer
// only carry the hash on the wire.
func New(groupID string, groupHash uint64, appender WALAppender, opts ...Option) *Log {
	l := &Log{
		groupID:   groupID,
		groupHash: groupHash,
		appender:  appender,
		hot:       btree.New(2),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append durably appends e via the WAL writer (blocking until fsynced)
// and then adds it to the hot cache.
func (l *Log) Append(e raft.Entry) error {
	if err := l.appender.Append(l.groupID, l.groupHash, e.Index, e.Term, wal.RecordKind(e.Kind), e.Payload); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.hot.ReplaceOrInsert(&hotItem{entry: e})
	l.lastIndex = e.Index
	l.lastTerm = e.Term
	return nil
}

// Fetch returns the entry at index, checking the hot cache first and then
// falling back to sealed segments.
func (l *Log) Fetch(index uint64) (raft.Entry, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fetchLocked(index)
}

func (l *Log) fetchLocked(index uint64) (raft.Entry, bool, error) {
	if index <= l.snapshotBoundary {
		return raft.Entry{}, false, nil
	}
	if item := l.hot.Get(&hotItem{entry: raft.Entry{Index: index}}); item != nil {
		return item.(*hotItem).entry, true, nil
	}

	sr, ok := l.findSegment(index)
	if !ok {
		return raft.Entry{}, false, nil
	}
	e, ok, err := sr.reader.Fetch(index)
	if err != nil || !ok {
		return raft.Entry{}, false, err
	}
	return raft.Entry{Index: e.Index, Term: e.Term, Kind: raft.EntryKind(e.Kind), Payload: e.Payload}, true, nil
}

// FetchTerm returns the term at index without materializing the payload,
// distinguishing "never written" from "compacted behind a snapshot".
func (l *Log) FetchTerm(index uint64) (uint64, raft.FetchStatus) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index == 0 {
		return 0, raft.FetchOK
	}
	if index <= l.snapshotBoundary {
		if index == l.snapshotBoundary {
			return l.snapshotTerm, raft.FetchOK
		}
		return 0, raft.FetchCompacted
	}
	if item := l.hot.Get(&hotItem{entry: raft.Entry{Index: index}}); item != nil {
		return item.(*hotItem).entry.Term, raft.FetchOK
	}

	sr, ok := l.findSegment(index)
	if !ok {
		return 0, raft.FetchMissing
	}
	term, ok, err := sr.reader.FetchTerm(index)
	if err != nil || !ok {
		return 0, raft.FetchMissing
	}
	return term, raft.FetchOK
}

// findSegment binary-searches the sorted segment list for the range
// containing index, honoring any truncation clip on the last segment.
func (l *Log) findSegment(index uint64) (segmentRange, bool) {
	i := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].firstIndex > index
	})
	if i == 0 {
		return segmentRange{}, false
	}
	sr := l.segments[i-1]
	if index < sr.firstIndex || index > sr.effectiveEnd {
		return segmentRange{}, false
	}
	return sr, true
}

// LastIndexTerm returns the highest known (index, term), falling back to
// the snapshot boundary if nothing has been appended since.
func (l *Log) LastIndexTerm() (uint64, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.lastIndex == 0 {
		return l.snapshotBoundary, l.snapshotTerm
	}
	return l.lastIndex, l.lastTerm
}

// NextIndex returns the index the next Append should use.
func (l *Log) NextIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.lastIndex == 0 {
		return l.snapshotBoundary + 1
	}
	return l.lastIndex + 1
}

// TruncateFrom drops every hot-cache entry with index >= index and clips
// any segment range that would otherwise still claim to hold indexes at or
// past the truncation point. The WAL content for the truncated tail is
// logically dead but not rewritten; readers must consult the group's
// current index-to-location mapping rather than the raw file contents.
func (l *Log) TruncateFrom(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index == 0 {
		return fmt.Errorf("grouplog: truncate_from(0) is invalid")
	}

	var toDelete []btree.Item
	l.hot.AscendGreaterOrEqual(&hotItem{entry: raft.Entry{Index: index}}, func(item btree.Item) bool {
		toDelete = append(toDelete, item)
		return true
	})
	for _, item := range toDelete {
		l.hot.Delete(item)
	}

	kept := l.segments[:0]
	for _, sr := range l.segments {
		if sr.firstIndex >= index {
			continue // entirely truncated away
		}
		if sr.effectiveEnd >= index {
			sr.effectiveEnd = index - 1
		}
		kept = append(kept, sr)
	}
	l.segments = kept

	if index <= l.lastIndex {
		if index == 1 {
			l.lastIndex, l.lastTerm = 0, 0
		} else if prevTerm, status := l.fetchTermUnlocked(index - 1); status == raft.FetchOK {
			l.lastIndex, l.lastTerm = index-1, prevTerm
		}
	}
	return nil
}

// fetchTermUnlocked is FetchTerm's body without the lock, for internal use
// while l.mu is already held for writing.
func (l *Log) fetchTermUnlocked(index uint64) (uint64, raft.FetchStatus) {
	if index == 0 {
		return 0, raft.FetchOK
	}
	if index <= l.snapshotBoundary {
		if index == l.snapshotBoundary {
			return l.snapshotTerm, raft.FetchOK
		}
		return 0, raft.FetchCompacted
	}
	if item := l.hot.Get(&hotItem{entry: raft.Entry{Index: index}}); item != nil {
		return item.(*hotItem).entry.Term, raft.FetchOK
	}
	sr, ok := l.findSegment(index)
	if !ok {
		return 0, raft.FetchMissing
	}
	term, ok, err := sr.reader.FetchTerm(index)
	if err != nil || !ok {
		return 0, raft.FetchMissing
	}
	return term, raft.FetchOK
}

// UpdateSegmentRange registers a newly sealed segment file and evicts the
// hot-cache entries it now durably covers,
// as long as each entry's term still matches what the segment recorded
// (a mismatch means the entry was truncated and superseded after the
// segment was sealed, so the hot cache stays authoritative for it).
func (l *Log) UpdateSegmentRange(manifest segment.Manifest) error {
	reader, err := segment.Open(manifest.Path)
	if err != nil {
		return fmt.Errorf("grouplog: open sealed segment %s: %w", manifest.Path, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.segments = append(l.segments, segmentRange{
		reader:       reader,
		firstIndex:   manifest.FirstIndex,
		effectiveEnd: manifest.LastIndex,
	})
	sort.Slice(l.segments, func(i, j int) bool { return l.segments[i].firstIndex < l.segments[j].firstIndex })

	for idx := manifest.FirstIndex; idx <= manifest.LastIndex; idx++ {
		item := l.hot.Get(&hotItem{entry: raft.Entry{Index: idx}})
		if item == nil {
			continue
		}
		hotEntry := item.(*hotItem).entry
		term, ok, err := reader.FetchTerm(idx)
		if err == nil && ok && term == hotEntry.Term {
			l.hot.Delete(item)
		}
	}
	return nil
}

// InstallSnapshot fast-forwards the log to meta's boundary, discarding
// everything at or below it from the hot cache, and collects any sealed
// segment that the new boundary and a prior release cursor together now
// make safe to delete — the receiver-side half of the install-snapshot
// flow.
func (l *Log) InstallSnapshot(meta raft.SnapshotMetadata) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.snapshotBoundary = meta.LastIndex
	l.snapshotTerm = meta.LastTerm
	if l.lastIndex < meta.LastIndex {
		l.lastIndex = meta.LastIndex
		l.lastTerm = meta.LastTerm
	}

	var toDelete []btree.Item
	l.hot.AscendLessThan(&hotItem{entry: raft.Entry{Index: meta.LastIndex + 1}}, func(item btree.Item) bool {
		toDelete = append(toDelete, item)
		return true
	})
	for _, item := range toDelete {
		l.hot.Delete(item)
	}

	l.collectSegmentsLocked()
}

// UpdateReleaseCursor records the index below which a promoted snapshot
// makes segment data safe to delete, then frees whatever sealed segments
// that newly covers. index ratchets forward only: a stale or regressed
// value from a replayed effect is ignored.
func (l *Log) UpdateReleaseCursor(index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index > l.releaseCursor {
		l.releaseCursor = index
	}
	l.collectSegmentsLocked()
}

// collectSegmentsLocked deletes the file behind every sealed segment that
// is both wholly below the current snapshot boundary and at or below the
// release cursor. Both must hold: the boundary is what makes the segment
// unreadable (fetchLocked already refuses indexes at or below it), and the
// cursor is the state machine's explicit say-so that it no longer needs
// the data — segment deletion never happens on boundary advancing alone.
// l.mu must be held for writing.
func (l *Log) collectSegmentsLocked() {
	ceiling := l.snapshotBoundary
	if l.releaseCursor < ceiling {
		ceiling = l.releaseCursor
	}

	kept := l.segments[:0]
	for _, sr := range l.segments {
		if sr.effectiveEnd > ceiling {
			kept = append(kept, sr)
			continue
		}
		path := sr.reader.Path()
		if err := sr.reader.Close(); err != nil {
			l.logger.Warn("close sealed segment before delete", zap.String("path", path), zap.Error(err))
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			l.logger.Warn("delete sealed segment", zap.String("path", path), zap.Error(err))
			// Keep tracking it; a failed delete here is retried the next
			// time the release cursor or snapshot boundary advances.
			kept = append(kept, sr)
			continue
		}
		l.logger.Info("collected sealed segment",
			zap.String("group", l.groupID),
			zap.String("path", path),
			zap.Uint64("first_index", sr.firstIndex),
			zap.Uint64("last_index", sr.effectiveEnd))
	}
	l.segments = kept
}

// ReleaseCursor returns the last value passed to UpdateReleaseCursor.
func (l *Log) ReleaseCursor() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.releaseCursor
}
