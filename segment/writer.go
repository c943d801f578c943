package segment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/influxdata/ractor/wal"
)

// Notifier receives a notification once a group's segment has been
// sealed, carrying its group id, path, and first/last index range.
type Notifier interface {
	SegmentSealed(manifest Manifest)
}

// GroupResolver maps a WAL record's group_hash back to the owning group's
// string id, since the WAL wire format only carries the hash. Implemented
// by package catalog in the full node, backed by the set of
// currently-hosted groups.
type GroupResolver interface {
	ResolveGroup(hash uint64) (groupID string, ok bool)
}

// Options configures a Processor.
type Options struct {
	Dir                   string
	SegmentSizeThreshold  int64
	SegmentIndexThreshold uint64
	Logger                *zap.Logger
}

func (o *Options) setDefaults() {
	if o.SegmentSizeThreshold <= 0 {
		o.SegmentSizeThreshold = 32 << 20
	}
	if o.SegmentIndexThreshold <= 0 {
		o.SegmentIndexThreshold = 65536
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Processor is the node-wide segment writer. It consumes a wal.Writer's
// sealed-file channel strictly in order and demultiplexes each file's
// records into the appropriate group's open segment, sealing and rotating
// segments on threshold, generalized from a single in-memory buffer to
// many on-disk, per-group files.
type Processor struct {
	opts     Options
	resolver GroupResolver
	notifier Notifier
	sealedWAL <-chan wal.SealedFile
	log       *zap.Logger

	mu    sync.Mutex
	open  map[string]*Writer
	nextSegmentID map[string]int
}

// NewProcessor returns a Processor that reads from sealedWAL until it is
// closed or ctx is cancelled.
func NewProcessor(opts Options, resolver GroupResolver, notifier Notifier, sealedWAL <-chan wal.SealedFile) *Processor {
	opts.setDefaults()
	return &Processor{
		opts:          opts,
		resolver:      resolver,
		notifier:      notifier,
		sealedWAL:     sealedWAL,
		log:           opts.Logger.With(zap.String("component", "segment")),
		open:          make(map[string]*Writer),
		nextSegmentID: make(map[string]int),
	}
}

// Run processes sealed WAL files until sealedWAL closes or ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sealed, ok := <-p.sealedWAL:
			if !ok {
				return nil
			}
			if err := p.process(sealed); err != nil {
				return fmt.Errorf("segment: processing %s: %w", sealed.Path, err)
			}
		}
	}
}

// process demultiplexes one sealed WAL file's records by group, appends
// each group's records to its currently open segment (parallel across
// groups, strictly ordered within a group since decode order is
// preserved), fsyncs every segment touched, then deletes the WAL file.
func (p *Processor) process(sealed wal.SealedFile) error {
	data, err := os.ReadFile(sealed.Path)
	if err != nil {
		return fmt.Errorf("read %s: %w", sealed.Path, err)
	}

	perGroup := make(map[uint64][]wal.Decoded)
	offset := 0
	for offset < len(data) {
		rec, n, err := wal.Decode(data[offset:])
		if err != nil {
			return fmt.Errorf("decode sealed wal file %s at offset %d: %w", sealed.Path, offset, err)
		}
		perGroup[rec.GroupHash] = append(perGroup[rec.GroupHash], rec)
		offset += n
	}

	var mu sync.Mutex
	var touched []*Writer
	g, _ := errgroup.WithContext(context.Background())
	for hash, recs := range perGroup {
		hash, recs := hash, recs
		g.Go(func() error {
			groupID, ok := p.resolver.ResolveGroup(hash)
			if !ok {
				return fmt.Errorf("unknown group for hash %d", hash)
			}
			w, err := p.appendAll(groupID, recs)
			if err != nil {
				return err
			}
			mu.Lock()
			touched = append(touched, w)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, w := range touched {
		if w == nil {
			continue
		}
		if err := w.Sync(); err != nil {
			return err
		}
	}

	if err := os.Remove(sealed.Path); err != nil {
		return fmt.Errorf("remove %s: %w", sealed.Path, err)
	}
	return nil
}

// appendAll appends recs to groupID's open segment, sealing and rotating
// whenever a threshold is crossed partway through. Returns the segment
// left open afterward, which callers should fsync; a seal is always
// followed by a rotate, so on success the result is never nil.
func (p *Processor) appendAll(groupID string, recs []wal.Decoded) (*Writer, error) {
	w, err := p.currentWriter(groupID)
	if err != nil {
		return nil, err
	}

	for _, rec := range recs {
		if err := w.Append(rec.Index, rec.Term, RecordKind(rec.Kind), rec.Payload); err != nil {
			return nil, err
		}
		if w.Size() >= p.opts.SegmentSizeThreshold || w.Count() >= p.opts.SegmentIndexThreshold {
			manifest, err := w.Seal()
			if err != nil {
				return nil, err
			}
			p.notifier.SegmentSealed(manifest)
			p.log.Info("sealed segment",
				zap.String("group", groupID),
				zap.String("path", manifest.Path),
				zap.Uint64("first_index", manifest.FirstIndex),
				zap.Uint64("last_index", manifest.LastIndex))

			w, err = p.rotate(groupID)
			if err != nil {
				return nil, err
			}
		}
	}

	p.mu.Lock()
	p.open[groupID] = w
	p.mu.Unlock()
	return w, nil
}

func (p *Processor) currentWriter(groupID string) (*Writer, error) {
	p.mu.Lock()
	w := p.open[groupID]
	p.mu.Unlock()
	if w != nil {
		return w, nil
	}
	return p.rotate(groupID)
}

func (p *Processor) rotate(groupID string) (*Writer, error) {
	p.mu.Lock()
	p.nextSegmentID[groupID]++
	id := p.nextSegmentID[groupID]
	dir := filepath.Join(p.opts.Dir, groupID)
	p.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%05d.segment", id))
	w, err := Create(path, groupID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.open[groupID] = w
	p.mu.Unlock()
	return w, nil
}
