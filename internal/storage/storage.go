package storage

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

const LocationBucket = "locationData"

var ErrNotFound = errors.New("key not found")

// Store is a flat key-value store. Values are opaque byte slices; callers
// own the encoding.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(keys ...string) error
	Keys() ([]string, error)
	Close() error
}

type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(dbPath string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(LocationBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to create bucket %s", LocationBucket)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(LocationBucket)).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		// bbolt values are only valid for the life of the transaction
		out = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(LocationBucket)).Put([]byte(key), value); err != nil {
			return errors.Wrapf(err, "failed to put %s", key)
		}
		return nil
	})
}

func (s *BoltStore) Delete(keys ...string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(LocationBucket))
		for _, key := range keys {
			if err := bucket.Delete([]byte(key)); err != nil {
				return errors.Wrapf(err, "failed to delete %s", key)
			}
		}
		return nil
	})
}

func (s *BoltStore) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(LocationBucket)).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
