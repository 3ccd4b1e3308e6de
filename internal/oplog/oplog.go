// Package oplog provides the persistent, append-only operation log.
//
// The log is an ordered map from HLC string keys to operation records,
// stored in a bbolt B+tree so that key order is iteration order and the
// delta-sync cursor is a plain Seek. Alongside the log the same file holds
// a single snapshot slot for the SQL database image and a reserved meta
// bucket.
//
// Entries are never deleted; the log grows monotonically in this version.
package oplog

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/roach88/roomdb/internal/op"
)

var (
	bucketOperations = []byte("operations")
	bucketDatabase   = []byte("database")
	bucketMeta       = []byte("meta")

	keySnapshot = []byte("snapshot")
)

// Log is the durable op log for one node-local database.
type Log struct {
	db *bolt.DB
}

// Open creates or opens the log file at path.
func Open(path string) (*Log, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("oplog: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketOperations, bucketDatabase, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("oplog: init buckets: %w", err)
	}
	return &Log{db: db}, nil
}

// Close releases the underlying file.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append writes an operation under its HLC string key. Idempotent: the key
// is globally unique, so a duplicate append rewrites an identical payload.
func (l *Log) Append(o op.Operation) error {
	data, err := op.Marshal(o)
	if err != nil {
		return err
	}
	err = l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOperations).Put([]byte(o.Version()), data)
	})
	if err != nil {
		return fmt.Errorf("oplog: append %s: %w", o.Version(), err)
	}
	return nil
}

// Since streams every entry with key strictly greater than cursor, in key
// order, to fn. An empty cursor means the whole log. Iteration stops at the
// first error from fn.
//
// An unknown cursor is not an error: Seek lands on the next key past it,
// which is exactly the "send everything newer" fallback delta sync needs.
func (l *Log) Since(cursor string, fn func(op.Operation) error) error {
	return l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOperations).Cursor()

		var k, v []byte
		if cursor == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(cursor))
			if k != nil && bytes.Equal(k, []byte(cursor)) {
				k, v = c.Next() // strictly greater
			}
		}
		for ; k != nil; k, v = c.Next() {
			o, err := op.Unmarshal(v)
			if err != nil {
				return fmt.Errorf("oplog: entry %s: %w", k, err)
			}
			if err := fn(o); err != nil {
				return err
			}
		}
		return nil
	})
}

// OpsSince collects Since results into a slice.
func (l *Log) OpsSince(cursor string) ([]op.Operation, error) {
	var ops []op.Operation
	err := l.Since(cursor, func(o op.Operation) error {
		ops = append(ops, o)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// Count returns the number of log entries.
func (l *Log) Count() (uint64, error) {
	var n uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		n = uint64(tx.Bucket(bucketOperations).Stats().KeyN)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("oplog: count: %w", err)
	}
	return n, nil
}

// LatestVersion returns the greatest key in the log, or ok=false when the
// log is empty.
func (l *Log) LatestVersion() (version string, ok bool, err error) {
	err = l.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(bucketOperations).Cursor().Last()
		if k != nil {
			version = string(k)
			ok = true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("oplog: latest version: %w", err)
	}
	return version, ok, nil
}

// SaveSnapshot stores the SQL database image in the single snapshot slot,
// replacing any previous image.
func (l *Log) SaveSnapshot(data []byte) error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDatabase).Put(keySnapshot, data)
	})
	if err != nil {
		return fmt.Errorf("oplog: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored SQL database image, or ok=false when no
// snapshot has been written yet.
func (l *Log) LoadSnapshot() (data []byte, ok bool, err error) {
	err = l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDatabase).Get(keySnapshot)
		if v != nil {
			data = append([]byte(nil), v...)
			ok = true
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("oplog: load snapshot: %w", err)
	}
	return data, ok, nil
}
