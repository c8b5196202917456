//go:build linux

// Package registry implements the optional durable exit-history ledger
// described in SPEC_FULL.md D.6: an operator-facing audit trail of
// children that have exited, entirely separate from the controller's
// own in-memory bookkeeping.
package registry

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("exits")

// Entry is one child's post-mortem record.
type Entry struct {
	ID       string    `json:"id"`
	Label    string    `json:"label"`
	Pid      int       `json:"pid"`
	ExitCode int       `json:"exit_code"`
	Started  time.Time `json:"started"`
	Exited   time.Time `json:"exited"`
}

// Registry is a handle to the on-disk ledger. Safe for concurrent use;
// bbolt itself serializes writers.
type Registry struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the ledger at path.
func Open(path string) (*Registry, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open registry %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init registry bucket: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close releases the underlying bolt database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Record persists e, keyed by its handle ID. Overwrites any prior
// entry for the same ID.
func (r *Registry) Record(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(e.ID), data)
	})
}

// Get looks up a single entry by handle ID.
func (r *Registry) Get(id string) (Entry, bool, error) {
	var e Entry
	found := false
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &e)
	})
	return e, found, err
}

// List returns every recorded entry, in bucket (byte-key) order.
func (r *Registry) List() ([]Entry, error) {
	var out []Entry
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(_, data []byte) error {
			var e Entry
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}
