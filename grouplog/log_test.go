package grouplog_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/influxdata/ractor/grouplog"
	"github.com/influxdata/ractor/raft"
	"github.com/influxdata/ractor/segment"
	"github.com/influxdata/ractor/wal"
)

type memAppender struct {
	appended []wal.Record
}

func (a *memAppender) Append(groupID string, groupHash, index, term uint64, kind wal.RecordKind, payload []byte) error {
	a.appended = append(a.appended, wal.Record{GroupID: groupID, Index: index, Term: term, Kind: kind, Payload: payload})
	return nil
}

func TestLog_AppendFetchRoundTrip(t *testing.T) {
	appender := &memAppender{}
	l := grouplog.New("group-a", 1, appender)

	require.NoError(t, l.Append(raft.Entry{Index: 1, Term: 1, Kind: raft.EntryCommand, Payload: []byte("a")}))
	require.NoError(t, l.Append(raft.Entry{Index: 2, Term: 1, Kind: raft.EntryCommand, Payload: []byte("b")}))

	e, ok, err := l.Fetch(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), e.Payload)

	term, status := l.FetchTerm(2)
	require.Equal(t, raft.FetchOK, status)
	require.Equal(t, uint64(1), term)

	index, term := l.LastIndexTerm()
	require.Equal(t, uint64(2), index)
	require.Equal(t, uint64(1), term)
	require.Equal(t, uint64(3), l.NextIndex())
}

func TestLog_TruncateFromDropsHotSuffix(t *testing.T) {
	appender := &memAppender{}
	l := grouplog.New("group-a", 1, appender)
	require.NoError(t, l.Append(raft.Entry{Index: 1, Term: 1, Kind: raft.EntryCommand}))
	require.NoError(t, l.Append(raft.Entry{Index: 2, Term: 1, Kind: raft.EntryCommand}))
	require.NoError(t, l.Append(raft.Entry{Index: 3, Term: 1, Kind: raft.EntryCommand}))

	require.NoError(t, l.TruncateFrom(2))

	_, ok, err := l.Fetch(2)
	require.NoError(t, err)
	require.False(t, ok)

	index, term := l.LastIndexTerm()
	require.Equal(t, uint64(1), index)
	require.Equal(t, uint64(1), term)
	require.Equal(t, uint64(2), l.NextIndex())
}

func TestLog_UpdateSegmentRangeEvictsDurableHotEntries(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/00001.segment"
	w, err := segment.Create(path, "group-a")
	require.NoError(t, err)
	require.NoError(t, w.Append(1, 1, segment.KindCommand, []byte("a")))
	require.NoError(t, w.Append(2, 1, segment.KindCommand, []byte("b")))
	manifest, err := w.Seal()
	require.NoError(t, err)

	appender := &memAppender{}
	l := grouplog.New("group-a", 1, appender)
	require.NoError(t, l.Append(raft.Entry{Index: 1, Term: 1, Kind: raft.EntryCommand, Payload: []byte("a")}))
	require.NoError(t, l.Append(raft.Entry{Index: 2, Term: 1, Kind: raft.EntryCommand, Payload: []byte("b")}))

	require.NoError(t, l.UpdateSegmentRange(manifest))

	e, ok, err := l.Fetch(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), e.Payload)
}

// TestLog_ReleaseCursorDeletesOnlySegmentsCoveredByADurableSnapshot covers
// the invariant that segment deletion requires both a release cursor and a
// snapshot boundary reaching past a segment's range — neither one alone is
// enough, and a cursor set before any snapshot exists must not delete
// anything at all.
func TestLog_ReleaseCursorDeletesOnlySegmentsCoveredByADurableSnapshot(t *testing.T) {
	dir := t.TempDir()

	path1 := dir + "/00001.segment"
	w1, err := segment.Create(path1, "group-a")
	require.NoError(t, err)
	require.NoError(t, w1.Append(1, 1, segment.KindCommand, []byte("a")))
	require.NoError(t, w1.Append(2, 1, segment.KindCommand, []byte("b")))
	manifest1, err := w1.Seal()
	require.NoError(t, err)

	path2 := dir + "/00002.segment"
	w2, err := segment.Create(path2, "group-a")
	require.NoError(t, err)
	require.NoError(t, w2.Append(3, 1, segment.KindCommand, []byte("c")))
	require.NoError(t, w2.Append(4, 1, segment.KindCommand, []byte("d")))
	manifest2, err := w2.Seal()
	require.NoError(t, err)

	appender := &memAppender{}
	l := grouplog.New("group-a", 1, appender)
	require.NoError(t, l.UpdateSegmentRange(manifest1))
	require.NoError(t, l.UpdateSegmentRange(manifest2))

	// Releasing before any snapshot exists must not delete anything, even
	// though the cursor alone would cover both segments.
	l.UpdateReleaseCursor(4)
	_, err = os.Stat(path1)
	require.NoError(t, err, "segment 1 must survive a release cursor with no durable snapshot yet")
	_, err = os.Stat(path2)
	require.NoError(t, err)

	// A snapshot durable only up to index 2 may free segment 1, whose
	// entire range sits at or below both the boundary and the cursor, but
	// must leave segment 2 alone since it reaches past the boundary.
	l.InstallSnapshot(raft.SnapshotMetadata{LastIndex: 2, LastTerm: 1})

	_, err = os.Stat(path1)
	require.True(t, os.IsNotExist(err), "segment 1 should be collected once a snapshot covers it")
	_, err = os.Stat(path2)
	require.NoError(t, err, "segment 2 is past the snapshot boundary and must survive")

	term, status := l.FetchTerm(3)
	require.Equal(t, raft.FetchOK, status)
	require.Equal(t, uint64(1), term)
}

func TestLog_InstallSnapshotFastForwards(t *testing.T) {
	appender := &memAppender{}
	l := grouplog.New("group-a", 1, appender)
	require.NoError(t, l.Append(raft.Entry{Index: 1, Term: 1, Kind: raft.EntryCommand}))

	l.InstallSnapshot(raft.SnapshotMetadata{LastIndex: 10, LastTerm: 3})

	index, term := l.LastIndexTerm()
	require.Equal(t, uint64(10), index)
	require.Equal(t, uint64(3), term)
	require.Equal(t, uint64(11), l.NextIndex())

	_, status := l.FetchTerm(5)
	require.Equal(t, raft.FetchCompacted, status)
}
