// Package store implements the Persistent Store of SPEC_FULL.md §4.5:
// a single embedded bbolt database file, opened once at startup,
// holding one gob-encoded group.Record per group id in a single
// bucket. No teacher equivalent exists — bigslice's own worker.store
// is a content-addressed blob cache for large intermediate results,
// not a small-record durable queue — so this package is grounded
// instead on the pack's own recurring choice of go.etcd.io/bbolt as
// the embedded KV store for exactly this shape of problem (durable
// record/queue state that must survive a restart), confirmed by its
// appearance across several unrelated example repos' go.mod files.
package store

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/Norbi-S/sioworkers/group"
	"github.com/Norbi-S/sioworkers/job"
)

func init() {
	// group.Record's Results/job.Env.Extra fields carry arbitrary
	// worker-supplied values through interface{}; gob needs their
	// concrete types registered independently of whether rpcproto's
	// own init() has already run in this binary.
	gob.Register(job.Env{})
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
	gob.Register([]string{})
}

var bucketName = []byte("groups")

// Store is the Persistent Store: group id -> group.Record, durable
// across restarts.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt database file at path
// and ensures the single groups bucket exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put durably writes rec under rec.ID. The call does not return until
// the transaction has committed (and been fsynced by bbolt), matching
// SPEC_FULL.md §4.5's "durability on put is required before
// addTaskGroup resolves its accepted signal".
func (s *Store) Put(rec *group.Record) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("store: encode group %s: %w", rec.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(rec.ID), buf.Bytes())
	})
}

// PutBatch writes several records in a single transaction, used by the
// TM's periodic dirty-record flush (SPEC_FULL.md §4.4 "Periodic
// sync") so a batch of pending writes costs one fsync, not one per
// record.
func (s *Store) PutBatch(recs []*group.Record) error {
	if len(recs) == 0 {
		return nil
	}
	encoded := make(map[string][]byte, len(recs))
	for _, rec := range recs {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
			return fmt.Errorf("store: encode group %s: %w", rec.ID, err)
		}
		encoded[rec.ID] = buf.Bytes()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		for id, data := range encoded {
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes groupID's record, if present. Not an error if absent.
func (s *Store) Delete(groupID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(groupID))
	})
}

// Get returns groupID's record, and whether it was present.
func (s *Store) Get(groupID string) (*group.Record, bool, error) {
	var rec *group.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(groupID))
		if data == nil {
			return nil
		}
		rec = &group.Record{}
		return gob.NewDecoder(bytes.NewReader(data)).Decode(rec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: get %s: %w", groupID, err)
	}
	return rec, rec != nil, nil
}

// All enumerates every persisted record via bbolt's ForEach, for
// startup recovery (SPEC_FULL.md §4.4 "Restart recovery"). Records
// with status != group.ToJudge are skipped by the caller, not here —
// this method returns everything in the bucket.
func (s *Store) All() ([]*group.Record, error) {
	var recs []*group.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			rec := &group.Record{}
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(rec); err != nil {
				return fmt.Errorf("store: decode %s: %w", k, err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}
