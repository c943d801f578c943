// Package snapshotstore implements the per-group snapshot store:
// write/promote/recover/install over a directory holding at most two
// snapshots (the live one and the one being written) plus an
// optional unpromoted checkpoint, grounded on snapshot.go's
// Snapshot/SnapshotWriter/SnapshotFile manifest-then-files structure,
// generalized from influxdb's tar-of-shards format to one data file plus
// a JSON manifest per group snapshot.
package snapshotstore

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/influxdata/ractor/raft"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Meta describes one snapshot, mirroring raft.SnapshotMetadata.
type Meta struct {
	LastIndex uint64
	LastTerm  uint64
	Config    raft.ClusterConfig
}

type manifest struct {
	LastIndex uint64             `json:"last_index"`
	LastTerm  uint64             `json:"last_term"`
	Config    raft.ClusterConfig `json:"config"`
	Checksum  uint32             `json:"checksum"`
}

// Handle identifies a snapshot written but not yet promoted: the result
// of a write(meta, state_bytes) call. Its directory name carries a
// google/uuid suffix so two concurrent writes for the same (index, term)
// — e.g. a checkpoint and a real snapshot racing — never collide.
type Handle struct {
	id   uuid.UUID
	path string
	meta Meta
}

func (h *Handle) Meta() Meta { return h.meta }

// Store is one group's snapshot directory.
type Store struct {
	dir     string
	groupID string

	live     *Meta
	livePath string

	checkpoint     *Meta
	checkpointPath string
}

// Open scans dir for an already-promoted snapshot and an unpromoted
// checkpoint left over from a previous run: at most two snapshots plus an
// optional checkpoint live in this directory at once.
func Open(dir, groupID string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshotstore: mkdir %s: %w", dir, err)
	}
	s := &Store{dir: dir, groupID: groupID}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("snapshotstore: readdir %s: %w", dir, err)
	}
	var live, checkpoint string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".staging"):
			// An interrupted write; safe to remove, it was never promoted.
			os.RemoveAll(filepath.Join(dir, name))
		case strings.HasPrefix(name, "checkpoint-"):
			if checkpoint == "" || name > checkpoint {
				checkpoint = name
			}
		default:
			if live == "" || name > live {
				live = name
			}
		}
	}

	if live != "" {
		meta, err := readManifest(filepath.Join(dir, live, "meta"))
		if err != nil {
			return nil, err
		}
		s.live = &meta
		s.livePath = filepath.Join(dir, live)
	}
	if checkpoint != "" {
		meta, err := readManifest(filepath.Join(dir, checkpoint, "meta"))
		if err != nil {
			return nil, err
		}
		s.checkpoint = &meta
		s.checkpointPath = filepath.Join(dir, checkpoint)
	}
	return s, nil
}

func snapshotDirName(meta Meta) string {
	return fmt.Sprintf("%020d-%020d", meta.LastIndex, meta.LastTerm)
}

// Write durably writes meta+stateBytes to a staging directory and returns
// a Handle; the snapshot is not visible to Recover until Promote is
// called. Snapshots are fsynced before promotion.
func (s *Store) Write(meta Meta, stateBytes []byte) (*Handle, error) {
	return s.writeStaged(meta, stateBytes, "")
}

// WriteCheckpoint is Write for a snapshot that is never promoted to the
// live slot directly — callers track the returned Handle separately and
// either discard it or later call PromoteCheckpoint. Per DESIGN.md's
// checkpoint/snapshot decision, a checkpoint bounds apply-side memory
// without committing to segment deletion.
func (s *Store) WriteCheckpoint(meta Meta, stateBytes []byte) (*Handle, error) {
	h, err := s.writeStaged(meta, stateBytes, "checkpoint-")
	if err != nil {
		return nil, err
	}
	if s.checkpointPath != "" {
		os.RemoveAll(s.checkpointPath)
	}
	finalPath := filepath.Join(s.dir, "checkpoint-"+snapshotDirName(meta))
	if err := os.Rename(h.path, finalPath); err != nil {
		return nil, fmt.Errorf("snapshotstore: checkpoint rename %s -> %s: %w", h.path, finalPath, err)
	}
	if err := fsyncDir(s.dir); err != nil {
		return nil, err
	}
	h.path, s.checkpoint, s.checkpointPath = finalPath, &meta, finalPath
	return h, nil
}

func (s *Store) writeStaged(meta Meta, stateBytes []byte, finalPrefix string) (*Handle, error) {
	id := uuid.New()
	stagingPath := filepath.Join(s.dir, finalPrefix+snapshotDirName(meta)+"-"+id.String()+".staging")
	if err := os.MkdirAll(stagingPath, 0o755); err != nil {
		return nil, fmt.Errorf("snapshotstore: mkdir staging %s: %w", stagingPath, err)
	}

	dataPath := filepath.Join(stagingPath, "data")
	if err := writeFileFsync(dataPath, stateBytes); err != nil {
		return nil, err
	}

	m := manifest{LastIndex: meta.LastIndex, LastTerm: meta.LastTerm, Config: meta.Config, Checksum: crc32.Checksum(stateBytes, castagnoli)}
	manifestBytes, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("snapshotstore: marshal manifest: %w", err)
	}
	if err := writeFileFsync(filepath.Join(stagingPath, "meta"), manifestBytes); err != nil {
		return nil, err
	}
	if err := fsyncDir(stagingPath); err != nil {
		return nil, err
	}

	return &Handle{id: id, path: stagingPath, meta: meta}, nil
}

// Promote atomically moves h's staged directory into the live slot,
// fsyncs the parent directory, and removes whichever snapshot was
// previously live. Segment deletion follows promotion in the sense that
// the log's own release cursor, not this store, governs segment deletion,
// but this is the point past which the old live snapshot itself is no
// longer needed.
func (s *Store) Promote(h *Handle) error {
	finalPath := filepath.Join(s.dir, snapshotDirName(h.meta))
	if err := os.Rename(h.path, finalPath); err != nil {
		return fmt.Errorf("snapshotstore: promote rename %s -> %s: %w", h.path, finalPath, err)
	}
	if err := fsyncDir(s.dir); err != nil {
		return err
	}

	if s.livePath != "" && s.livePath != finalPath {
		os.RemoveAll(s.livePath)
	}
	meta := h.meta
	s.live = &meta
	s.livePath = finalPath
	return nil
}

// PromoteCheckpoint promotes a previously written checkpoint handle into
// the live slot, the same as Promote, and clears the store's checkpoint
// bookkeeping.
func (s *Store) PromoteCheckpoint(h *Handle) error {
	if err := s.Promote(h); err != nil {
		return err
	}
	s.checkpoint = nil
	s.checkpointPath = ""
	return nil
}

// Recover returns the currently live snapshot's metadata and state bytes,
// or ok=false if no snapshot has ever been promoted for this group.
func (s *Store) Recover() (Meta, []byte, bool, error) {
	if s.livePath == "" {
		return Meta{}, nil, false, nil
	}
	meta, data, err := s.readSnapshot(s.livePath)
	if err != nil {
		return Meta{}, nil, false, err
	}
	return meta, data, true, nil
}

// Install is the receiver-side half of a snapshot transfer: it writes
// meta+data to staging and immediately promotes it, since an installed
// snapshot is authoritative the moment it is durable.
func (s *Store) Install(meta Meta, data []byte) error {
	h, err := s.Write(meta, data)
	if err != nil {
		return err
	}
	return s.Promote(h)
}

func (s *Store) readSnapshot(path string) (Meta, []byte, error) {
	m, err := readManifest(filepath.Join(path, "meta"))
	if err != nil {
		return Meta{}, nil, err
	}
	data, err := os.ReadFile(filepath.Join(path, "data"))
	if err != nil {
		return Meta{}, nil, fmt.Errorf("snapshotstore: read data %s: %w", path, err)
	}
	if got := crc32.Checksum(data, castagnoli); got != manifestChecksum(path) {
		return Meta{}, nil, fmt.Errorf("snapshotstore: checksum mismatch in %s", path)
	}
	return m, data, nil
}

func manifestChecksum(path string) uint32 {
	raw, err := os.ReadFile(filepath.Join(path, "meta"))
	if err != nil {
		return 0
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return 0
	}
	return m.Checksum
}

func readManifest(path string) (Meta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, fmt.Errorf("snapshotstore: read manifest %s: %w", path, err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Meta{}, fmt.Errorf("snapshotstore: parse manifest %s: %w", path, err)
	}
	return Meta{LastIndex: m.LastIndex, LastTerm: m.LastTerm, Config: m.Config}, nil
}

func writeFileFsync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("snapshotstore: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("snapshotstore: write %s: %w", path, err)
	}
	return f.Sync()
}

func fsyncDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("snapshotstore: open dir %s: %w", path, err)
	}
	defer f.Close()
	return f.Sync()
}

// listPromoted returns every promoted (non-staging, non-checkpoint)
// snapshot directory name in dir, sorted ascending.
func listPromoted(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasSuffix(e.Name(), ".staging") && !strings.HasPrefix(e.Name(), "checkpoint-") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
