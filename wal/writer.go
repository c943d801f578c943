package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GroupRange is the span of indexes a group contributed to one WAL file,
// recorded in that file's manifest and handed to the segment writer on
// seal, along with the rest of the sealed file's manifest.
type GroupRange struct {
	GroupID    string
	GroupHash  uint64
	FirstIndex uint64
	LastIndex  uint64
}

// SealedFile describes a WAL file the writer has finished with: fsynced,
// closed, and ready for the segment writer to demultiplex.
type SealedFile struct {
	Path      string
	Manifest  []GroupRange
	SegmentID int
}

// Notifier receives durability notifications as each batch is fsynced.
// Implementations must not block; the writer calls Durable once per group
// represented in the flushed batch, synchronously from the flush
// goroutine, so a slow implementation stalls every group's writes.
type Notifier interface {
	Durable(groupID string, upToIndex uint64)
}

// Options configures a Writer. All durations/sizes default conservatively
// in NewWriter, mirroring tsm1.WAL's DefaultSegmentSize/MaxMemorySizeThreshold.
type Options struct {
	Dir string

	// SegmentSizeThreshold rolls the current WAL file over once its size
	// exceeds this many bytes.
	SegmentSizeThreshold int64

	// MaxBatchBytes/MaxBatchRecords/MaxBatchDelay are the three triggers
	// for flushing the pending batch: batch size in bytes, max record
	// count, or max delay, whichever comes first.
	MaxBatchBytes   int
	MaxBatchRecords int
	MaxBatchDelay   time.Duration

	// HighWaterMark bounds how many bytes may sit enqueued-but-not-yet-
	// flushed before Append blocks the caller. Once the WAL queue exceeds
	// this high-water mark, groups block on enqueue; this is the only
	// back-pressure point.
	HighWaterMark int

	Logger *zap.Logger
}

func (o *Options) setDefaults() {
	if o.SegmentSizeThreshold <= 0 {
		o.SegmentSizeThreshold = 64 << 20
	}
	if o.MaxBatchBytes <= 0 {
		o.MaxBatchBytes = 1 << 20
	}
	if o.MaxBatchRecords <= 0 {
		o.MaxBatchRecords = 1024
	}
	if o.MaxBatchDelay <= 0 {
		o.MaxBatchDelay = 5 * time.Millisecond
	}
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = 32 << 20
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

type pendingAppend struct {
	groupID   string
	groupHash uint64
	index     uint64
	encoded   []byte
	done      chan error
}

// Writer is the node-wide singleton shared WAL append stream (component
// C1), grounded on tsm1.WAL but generalized from a single points-log to a
// framed, multi-group record stream with explicit durability notification
// and sealed-file handoff.
type Writer struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []pendingAppend
	pendingBytes int
	closed   bool

	currentFile *os.File
	currentPath string
	currentSize int64
	segmentID   int
	manifest    map[string]*GroupRange

	notifier Notifier
	sealedCh chan SealedFile

	flushTimer *time.Timer
	wakeCh     chan struct{}
	doneCh     chan struct{}
}

// NewWriter returns a Writer rooted at opts.Dir. Open must be called before
// Append.
func NewWriter(opts Options, notifier Notifier) *Writer {
	opts.setDefaults()
	w := &Writer{
		opts:     opts,
		log:      opts.Logger.With(zap.String("component", "wal")),
		notifier: notifier,
		sealedCh: make(chan SealedFile, 4),
		wakeCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
		manifest: make(map[string]*GroupRange),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Sealed returns the channel of WAL files the segment writer should
// consume, strictly in seal order.
func (w *Writer) Sealed() <-chan SealedFile { return w.sealedCh }

// Open creates the WAL directory if needed, opens a fresh segment file,
// and starts the background flush loop.
func (w *Writer) Open() error {
	if err := os.MkdirAll(w.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("wal: mkdir: %w", err)
	}
	if err := w.recoverLocked(); err != nil {
		return err
	}
	if err := w.rollLocked(); err != nil {
		return err
	}
	go w.flushLoop()
	return nil
}

// recoverLocked requeues WAL files left over from a previous run that the
// segment writer never got to consume before this node stopped. Recover
// validates every record's checksum and truncates a corrupt or partial
// tail from the newest file as part of crash recovery; the now-clean
// files are then handed to the segment writer exactly the way a freshly
// sealed file would be, so nothing durably fsynced before a restart is
// silently dropped, and segmentID resumes past whatever numbers are
// already on disk instead of colliding with and truncating them.
func (w *Writer) recoverLocked() error {
	if _, err := Recover(w.opts.Dir); err != nil {
		return fmt.Errorf("wal: recover: %w", err)
	}

	matches, err := filepath.Glob(filepath.Join(w.opts.Dir, "*.wal"))
	if err != nil {
		return fmt.Errorf("wal: glob %s: %w", w.opts.Dir, err)
	}
	sort.Strings(matches)

	leftover := make([]SealedFile, 0, len(matches))
	for _, path := range matches {
		id, err := segmentIDFromName(filepath.Base(path))
		if err != nil {
			return err
		}
		if id > w.segmentID {
			w.segmentID = id
		}
		leftover = append(leftover, SealedFile{Path: path, SegmentID: id})
	}
	if len(leftover) == 0 {
		return nil
	}

	// Delivered from a separate goroutine, in file order, since sealedCh's
	// buffer may be smaller than the number of leftover files and nothing
	// is consuming it yet at this point in Open.
	go func() {
		for _, sealed := range leftover {
			w.sealedCh <- sealed
		}
	}()
	return nil
}

func segmentIDFromName(name string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSuffix(name, ".wal"))
	if err != nil {
		return 0, fmt.Errorf("wal: unexpected segment file name %q: %w", name, err)
	}
	return id, nil
}

// Append enqueues rec for the next batch and blocks until it has been
// durably fsynced. The non-blocking enqueue happens first; this engine's
// Append additionally waits for durability so callers get an
// error-or-durable result in one call. Append blocks before
// enqueuing if the pending batch already holds HighWaterMark bytes, the
// only back-pressure point.
func (w *Writer) Append(groupID string, groupHash, index, term uint64, kind RecordKind, payload []byte) error {
	encoded := Encode(nil, Record{GroupID: groupID, Index: index, Term: term, Kind: kind, Payload: payload})

	w.mu.Lock()
	for w.pendingBytes >= w.opts.HighWaterMark && !w.closed {
		w.cond.Wait()
	}
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}

	pa := pendingAppend{groupID: groupID, groupHash: groupHash, index: index, encoded: encoded, done: make(chan error, 1)}
	w.pending = append(w.pending, pa)
	w.pendingBytes += len(encoded)
	shouldFlushNow := w.pendingBytes >= w.opts.MaxBatchBytes || len(w.pending) >= w.opts.MaxBatchRecords
	w.mu.Unlock()

	if shouldFlushNow {
		select {
		case w.wakeCh <- struct{}{}:
		default:
		}
	}

	return <-pa.done
}

// flushLoop is the WAL writer's dedicated executor, yielding around fsync
// (blocking I/O): it writes and syncs every batch to currentFile. Open
// and Close also roll or seal currentFile from the caller's goroutine.
func (w *Writer) flushLoop() {
	ticker := time.NewTicker(w.opts.MaxBatchDelay)
	defer ticker.Stop()
	for {
		select {
		case <-w.doneCh:
			w.flushPending()
			return
		case <-w.wakeCh:
			w.flushPending()
		case <-ticker.C:
			w.flushPending()
		}
	}
}

func (w *Writer) flushPending() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = nil
	w.pendingBytes = 0
	w.mu.Unlock()

	err := w.writeBatch(batch)

	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()

	highWater := make(map[string]uint64, len(batch))
	for _, pa := range batch {
		pa.done <- err
		if err == nil {
			if pa.index > highWater[pa.groupID] {
				highWater[pa.groupID] = pa.index
			}
		}
	}
	if err != nil {
		w.log.Error("wal flush failed", zap.Error(err))
		return
	}
	for groupID, idx := range highWater {
		w.notifier.Durable(groupID, idx)
	}
}

func (w *Writer) writeBatch(batch []pendingAppend) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf []byte
	for _, pa := range batch {
		buf = append(buf, pa.encoded...)
		gr := w.manifest[pa.groupID]
		if gr == nil {
			gr = &GroupRange{GroupID: pa.groupID, GroupHash: pa.groupHash, FirstIndex: pa.index}
			w.manifest[pa.groupID] = gr
		}
		gr.LastIndex = pa.index
	}

	if w.currentSize+int64(len(buf)) > w.opts.SegmentSizeThreshold {
		if err := w.sealLocked(); err != nil {
			return err
		}
		if err := w.rollLocked(); err != nil {
			return err
		}
	}

	n, err := w.currentFile.Write(buf)
	if err != nil {
		return fmt.Errorf("wal: write: %w", err)
	}
	w.currentSize += int64(n)
	return w.currentFile.Sync()
}

// rollLocked opens a fresh segment file. Caller holds w.mu.
func (w *Writer) rollLocked() error {
	w.segmentID++
	path := filepath.Join(w.opts.Dir, fmt.Sprintf("%05d.wal", w.segmentID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment: %w", err)
	}
	w.currentFile = f
	w.currentPath = path
	w.currentSize = 0
	w.manifest = make(map[string]*GroupRange)
	return nil
}

// sealLocked fsyncs and closes the current file and hands it to the
// segment writer via Sealed(). Caller holds w.mu.
func (w *Writer) sealLocked() error {
	if w.currentFile == nil {
		return nil
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("wal: sync on seal: %w", err)
	}
	if err := w.currentFile.Close(); err != nil {
		return fmt.Errorf("wal: close on seal: %w", err)
	}

	manifest := make([]GroupRange, 0, len(w.manifest))
	for _, gr := range w.manifest {
		manifest = append(manifest, *gr)
	}
	sealed := SealedFile{Path: w.currentPath, Manifest: manifest, SegmentID: w.segmentID}

	// Blocks rather than drops: losing a sealed file silently would let a
	// group's data vanish between WAL durability and segment availability.
	w.sealedCh <- sealed
	return nil
}

// Close seals the current file, stops the flush loop, and unblocks any
// Appends waiting on back-pressure with ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.doneCh)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.cond.Broadcast()
	return w.sealLocked()
}
