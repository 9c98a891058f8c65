package store

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/flowstor/ionexus/pkg/log"
	"github.com/flowstor/ionexus/pkg/metrics"
)

// BoltStore is a go.etcd.io/bbolt-backed Store, directly grounded on the
// teacher's pkg/storage.BoltStore: one on-disk file, one bucket per
// namespace created on demand, JSON or raw-byte values addressed by a
// caller-chosen key.
type BoltStore struct {
	mu sync.Mutex
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

func ensureBucket(tx *bolt.Tx, bucket string) (*bolt.Bucket, error) {
	return tx.CreateBucketIfNotExists([]byte(bucket))
}

func (s *BoltStore) Put(ctx context.Context, bucket string, key, value []byte) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "put")

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := ensureBucket(tx, bucket)
		if err != nil {
			return err
		}
		return b.Put(key, value)
	})
}

func (s *BoltStore) Get(ctx context.Context, bucket string, key []byte) ([]byte, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "get")

	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *BoltStore) Delete(ctx context.Context, bucket string, key []byte) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "delete")

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := ensureBucket(tx, bucket)
		if err != nil {
			return err
		}
		return b.Delete(key)
	})
}

func (s *BoltStore) Transaction(ctx context.Context, bucket string, compares []CompareOp, ifOps, elseOps []Op) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "transaction")

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := ensureBucket(tx, bucket)
		if err != nil {
			return err
		}

		matched := true
		for _, c := range compares {
			current := b.Get(c.Key)
			if c.Value == nil {
				if current != nil {
					matched = false
					break
				}
				continue
			}
			if !bytes.Equal(current, c.Value) {
				matched = false
				break
			}
		}

		ops := elseOps
		if matched {
			ops = ifOps
		}
		for _, op := range ops {
			if op.Delete {
				if err := b.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Online(ctx context.Context) bool {
	if s.db == nil {
		return false
	}
	tx, err := s.db.Begin(false)
	if err != nil {
		return false
	}
	_ = tx.Rollback()
	return true
}

func (s *BoltStore) Close() error {
	log.Debug("closing persistent store")
	return s.db.Close()
}
