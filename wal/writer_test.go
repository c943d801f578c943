package wal_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/influxdata/ractor/wal"
)

func MustTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "wal-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

type recordingNotifier struct {
	notified chan struct {
		groupID   string
		upToIndex uint64
	}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{notified: make(chan struct {
		groupID   string
		upToIndex uint64
	}, 64)}
}

func (n *recordingNotifier) Durable(groupID string, upToIndex uint64) {
	n.notified <- struct {
		groupID   string
		upToIndex uint64
	}{groupID, upToIndex}
}

func TestWriter_AppendDurablyFsyncsAndNotifies(t *testing.T) {
	dir := MustTempDir(t)
	notifier := newRecordingNotifier()
	opts := wal.Options{Dir: dir, MaxBatchDelay: time.Millisecond}
	w := wal.NewWriter(opts, notifier)
	require.NoError(t, w.Open())
	defer w.Close()

	err := w.Append("group-a", 1, 1, 1, wal.KindCommand, []byte("put k v"))
	require.NoError(t, err)

	select {
	case n := <-notifier.notified:
		require.Equal(t, "group-a", n.groupID)
		require.Equal(t, uint64(1), n.upToIndex)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for durability notification")
	}
}

func TestWriter_RecoverAfterClose(t *testing.T) {
	dir := MustTempDir(t)
	notifier := newRecordingNotifier()
	opts := wal.Options{Dir: dir, MaxBatchDelay: time.Millisecond}
	w := wal.NewWriter(opts, notifier)
	require.NoError(t, w.Open())

	require.NoError(t, w.Append("group-a", 1, 1, 1, wal.KindCommand, []byte("a")))
	require.NoError(t, w.Append("group-a", 1, 2, 1, wal.KindCommand, []byte("b")))
	require.NoError(t, w.Close())

	recovered, err := wal.Recover(dir)
	require.NoError(t, err)
	require.Len(t, recovered, 2)
	require.Equal(t, uint64(1), recovered[0].Index)
	require.Equal(t, uint64(2), recovered[1].Index)
}

func TestRecover_TruncatesCorruptTailOfNewestFile(t *testing.T) {
	dir := MustTempDir(t)
	notifier := newRecordingNotifier()
	opts := wal.Options{Dir: dir, MaxBatchDelay: time.Millisecond}
	w := wal.NewWriter(opts, notifier)
	require.NoError(t, w.Open())
	require.NoError(t, w.Append("group-a", 1, 1, 1, wal.KindCommand, []byte("a")))
	require.NoError(t, w.Close())

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	path := dir + "/" + files[0].Name()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x00, 0x00, 0x00, 0xFF, 0x01}) // a bogus partial record
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recovered, err := wal.Recover(dir)
	require.NoError(t, err)
	require.Len(t, recovered, 1)

	info, err := os.Stat(path)
	require.NoError(t, err)
	_ = info // the file should now be truncated back to just the valid record
}
