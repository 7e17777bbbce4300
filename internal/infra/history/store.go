// Package history persists the append-only change log. Records survive
// restarts so "what changed while I wasn't looking" remains answerable.
package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"dyntools/internal/domain"
)

const changesBucketName = "changes"

var ErrStoreClosed = errors.New("history store is closed")

type Store struct {
	mu     sync.RWMutex
	db     *bolt.DB
	path   string
	closed bool
}

func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("history path is required")
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, fmt.Errorf("ensure history dir: %w", err)
	}
	options := &bolt.Options{Timeout: time.Second}
	db, err := bolt.Open(trimmed, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(changesBucketName))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure history schema: %w", err)
	}
	return &Store{db: db, path: trimmed}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Append persists records keyed by their sequence number.
func (s *Store) Append(records ...domain.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(changesBucketName))
		for _, record := range records {
			value, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("encode record %d: %w", record.Seq, err)
			}
			if err := bucket.Put(seqKey(record.Seq), value); err != nil {
				return fmt.Errorf("write record %d: %w", record.Seq, err)
			}
		}
		return nil
	})
}

// Since returns records with a sequence number strictly greater than after,
// in sequence order. A limit of zero means no limit.
func (s *Store) Since(after uint64, limit int) ([]domain.ChangeRecord, error) {
	var out []domain.ChangeRecord
	err := s.view(func(tx *bolt.Tx) error {
		cursor := tx.Bucket([]byte(changesBucketName)).Cursor()
		for key, value := cursor.Seek(seqKey(after + 1)); key != nil; key, value = cursor.Next() {
			var record domain.ChangeRecord
			if err := json.Unmarshal(value, &record); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			out = append(out, record)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// LastSequence returns the highest persisted sequence number, or zero for an
// empty log.
func (s *Store) LastSequence() (uint64, error) {
	var last uint64
	err := s.view(func(tx *bolt.Tx) error {
		key, _ := tx.Bucket([]byte(changesBucketName)).Cursor().Last()
		if key != nil {
			last = binary.BigEndian.Uint64(key)
		}
		return nil
	})
	return last, err
}

func (s *Store) view(fn func(*bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.View(fn)
}

func (s *Store) update(fn func(*bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Update(fn)
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
