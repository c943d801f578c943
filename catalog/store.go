// Package catalog is the durable node-wide group registry: which groups
// this node hosts, each group's cluster configuration, and each group's
// persisted current_term/voted_for across restarts. Grounded on
// multiraft/log.go's in-memory groups/nodes maps, made durable, and on
// bolt/client.go's Open-then-CreateBucketIfNotExists idiom.
package catalog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/influxdata/ractor/raft"
)

var (
	groupsBucket    = []byte("groupsv1")
	hashIndexBucket = []byte("group_hash_indexv1")
	termBucket      = []byte("group_termv1")
)

// GroupRecord is what the catalog remembers about one hosted group.
type GroupRecord struct {
	GroupID   string             `json:"group_id"`
	GroupHash uint64             `json:"group_hash"`
	Config    raft.ClusterConfig `json:"config"`
}

type termRecord struct {
	CurrentTerm uint64        `json:"current_term"`
	VotedFor    raft.ServerID `json:"voted_for"`
}

// Store is a single node's catalog, backed by one bbolt file.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the catalog database at path and
// ensures its buckets exist, the same "always create bucket" idiom
// bolt/client.go uses for its own fixed bucket set.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{groupsBucket, hashIndexBucket, termBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

func hashKey(hash uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, hash)
	return buf
}

// RegisterGroup durably records that this node hosts rec.GroupID, indexed
// both by id and by hash (segment.Processor resolves hashes to group ids
// through this same index via ResolveGroup).
func (s *Store) RegisterGroup(rec GroupRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("catalog: marshal group record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(groupsBucket).Put([]byte(rec.GroupID), data); err != nil {
			return err
		}
		return tx.Bucket(hashIndexBucket).Put(hashKey(rec.GroupHash), []byte(rec.GroupID))
	})
}

// RemoveGroup deletes a group's registration and persisted term state, for
// when a group is permanently decommissioned from this node (e.g. it left
// the cluster via membership change and was never re-added).
func (s *Store) RemoveGroup(groupID string) error {
	rec, ok, err := s.Group(groupID)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if ok {
			if err := tx.Bucket(hashIndexBucket).Delete(hashKey(rec.GroupHash)); err != nil {
				return err
			}
		}
		if err := tx.Bucket(groupsBucket).Delete([]byte(groupID)); err != nil {
			return err
		}
		return tx.Bucket(termBucket).Delete([]byte(groupID))
	})
}

// Group returns the registration for groupID, or ok=false if this node
// does not host it.
func (s *Store) Group(groupID string) (GroupRecord, bool, error) {
	var rec GroupRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(groupsBucket).Get([]byte(groupID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return GroupRecord{}, false, fmt.Errorf("catalog: read group %s: %w", groupID, err)
	}
	return rec, found, nil
}

// Groups returns every group registration this node holds, for node
// startup to know which groups to bring up.
func (s *Store) Groups() ([]GroupRecord, error) {
	var out []GroupRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(groupsBucket).ForEach(func(_, v []byte) error {
			var rec GroupRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: list groups: %w", err)
	}
	return out, nil
}

// ResolveGroup implements segment.GroupResolver: it maps a group_hash
// carried on the WAL/segment wire back to the group_id the catalog
// registered it under.
func (s *Store) ResolveGroup(hash uint64) (string, bool) {
	var groupID string
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(hashIndexBucket).Get(hashKey(hash))
		if v != nil {
			groupID = string(v)
			found = true
		}
		return nil
	})
	return groupID, found
}

// SaveTerm persists a group's current_term/voted_for, the two fields of
// raft.PersistentState this package is responsible for durably keeping
// across restarts (the log itself is durable via wal/segment, not here).
func (s *Store) SaveTerm(groupID string, currentTerm uint64, votedFor raft.ServerID) error {
	data, err := json.Marshal(termRecord{CurrentTerm: currentTerm, VotedFor: votedFor})
	if err != nil {
		return fmt.Errorf("catalog: marshal term record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(termBucket).Put([]byte(groupID), data)
	})
}

// LoadTerm returns the last-saved current_term/voted_for for groupID, or
// ok=false if none has ever been saved (a brand new group).
func (s *Store) LoadTerm(groupID string) (currentTerm uint64, votedFor raft.ServerID, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(termBucket).Get([]byte(groupID))
		if v == nil {
			return nil
		}
		var rec termRecord
		if uerr := json.Unmarshal(v, &rec); uerr != nil {
			return uerr
		}
		currentTerm, votedFor, ok = rec.CurrentTerm, rec.VotedFor, true
		return nil
	})
	if err != nil {
		return 0, raft.ServerID{}, false, fmt.Errorf("catalog: read term for %s: %w", groupID, err)
	}
	return currentTerm, votedFor, ok, nil
}
