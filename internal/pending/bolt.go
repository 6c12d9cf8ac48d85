package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketPending = []byte("pending_actions")

// BoltStore keeps pending actions in the engine database.
// Expired actions are dropped when read and by Sweep.
type BoltStore struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time
}

// NewBoltStore creates the pending bucket in db
func NewBoltStore(db *bolt.DB, ttl time.Duration) (*BoltStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPending)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pending bucket: %w", err)
	}
	return &BoltStore{db: db, ttl: ttl, now: time.Now}, nil
}

// Put stores a, replacing the actor's previous action
func (s *BoltStore) Put(ctx context.Context, a *Action) error {
	if err := stamp(a, s.now(), s.ttl); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal pending action: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Put([]byte(a.ActorID), data)
	})
}

// Take reads and deletes the actor's action in one transaction
func (s *BoltStore) Take(ctx context.Context, actorID string) (*Action, error) {
	var a *Action
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		data := b.Get([]byte(actorID))
		if data == nil {
			return ErrNotFound
		}
		var cur Action
		if err := json.Unmarshal(data, &cur); err != nil {
			return fmt.Errorf("failed to unmarshal pending action: %w", err)
		}
		if err := b.Delete([]byte(actorID)); err != nil {
			return err
		}
		if cur.Expired(s.now()) {
			return nil
		}
		a = &cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrNotFound
	}
	return a, nil
}

// Discard removes the actor's action
func (s *BoltStore) Discard(ctx context.Context, actorID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		if b.Get([]byte(actorID)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(actorID))
	})
}

// Sweep deletes expired actions and returns how many were removed
func (s *BoltStore) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var a Action
			if err := json.Unmarshal(v, &a); err != nil || a.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(expired)
		return nil
	})
	return deleted, err
}

// Close does nothing; the database belongs to the engine store
func (s *BoltStore) Close() error {
	return nil
}
