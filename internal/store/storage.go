// Package store persists campaigns, ledger entries, lead automations, series
// and enrollments in BoltDB. Claims are compare-and-swap updates executed in a
// single write transaction, so two pollers can never claim the same item.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketCampaigns   = []byte("campaigns")
	bucketLedger      = []byte("ledger")
	bucketAutomations = []byte("automations")
	bucketSeries      = []byte("series")
	bucketEnrollments = []byte("enrollments")
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrClaimConflict is returned when a conditional update finds the record changed
	ErrClaimConflict = errors.New("claim conflict")
)

// BoltStorage stores engine state in a BoltDB file
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens or creates the database at path
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCampaigns, bucketLedger, bucketAutomations, bucketSeries, bucketEnrollments} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Close closes the database
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database for components that keep their own buckets
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

func newID() string {
	return uuid.New().String()
}

func get[T any](tx *bolt.Tx, bucket []byte, id string) (*T, error) {
	data := tx.Bucket(bucket).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s/%s: %w", bucket, id, err)
	}
	return v, nil
}

func put(tx *bolt.Tx, bucket []byte, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", bucket, id, err)
	}
	if err := tx.Bucket(bucket).Put([]byte(id), data); err != nil {
		return fmt.Errorf("failed to store %s/%s: %w", bucket, id, err)
	}
	return nil
}

// mutate loads a record, applies fn and writes it back inside tx.
// fn returning an error aborts the write.
func mutate[T any](tx *bolt.Tx, bucket []byte, id string, fn func(*T) error) (*T, error) {
	v, err := get[T](tx, bucket, id)
	if err != nil {
		return nil, err
	}
	if err := fn(v); err != nil {
		return nil, err
	}
	if err := put(tx, bucket, id, v); err != nil {
		return nil, err
	}
	return v, nil
}

// scan decodes every record of a bucket; fn returning false stops the scan.
// Undecodable records are skipped.
func scan[T any](tx *bolt.Tx, bucket []byte, fn func(*T) bool) {
	c := tx.Bucket(bucket).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		rec := new(T)
		if err := json.Unmarshal(v, rec); err != nil {
			continue
		}
		if !fn(rec) {
			return
		}
	}
}

func due(t *time.Time, now time.Time) bool {
	return t == nil || !t.After(now)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
