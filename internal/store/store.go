// Package store persists the authoritative document and its applied
// operation history. The document is a plain byte file with no framing or
// metadata, so its bytes double as a FullSync snapshot. The operation
// index is a bbolt bucket of (sequence -> encoded op) records for replay
// and crash diagnosis; it is never read back to reconstruct the document.
package store

import (
	"encoding/binary"
	"fmt"
	"os"

	"go.etcd.io/bbolt"
)

var opsBucket = []byte("ops")

// Store bundles the plain-file document persistence with the bbolt
// operation index.
type Store struct {
	path string
	db   *bbolt.DB
}

// Open opens (creating if necessary) the document file at docPath and the
// bbolt operation index at indexPath.
func Open(docPath, indexPath string) (*Store, error) {
	if _, err := os.Stat(docPath); os.IsNotExist(err) {
		if err := os.WriteFile(docPath, nil, 0o644); err != nil {
			return nil, fmt.Errorf("store: create document file: %w", err)
		}
	}

	db, err := bbolt.Open(indexPath, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open operation index: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(opsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init operation bucket: %w", err)
	}

	return &Store{path: docPath, db: db}, nil
}

// LoadDocument returns the document file's current byte content, used both
// to seed the initial piece table on startup and as the FullSync snapshot.
func (s *Store) LoadDocument() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("store: load document: %w", err)
	}
	return data, nil
}

// FlushDocument overwrites the document file with the full current content.
// Called by the authority task on its configured cadence and on clean
// shutdown. The write goes through a temp file and rename so a crash
// mid-flush never leaves a torn document behind.
func (s *Store) FlushDocument(content []byte) error {
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("store: write document snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("store: replace document file: %w", err)
	}
	return nil
}

// AppendOp durably records one applied operation under its sequence
// number, for replay/diagnosis only.
func (s *Store) AppendOp(sequence uint64, encoded []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, sequence)
		return tx.Bucket(opsBucket).Put(key, encoded)
	})
}

// OpCount returns the number of operations recorded in the index, mainly
// for tests and diagnostics.
func (s *Store) OpCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(opsBucket).ForEach(func(_, _ []byte) error {
			count++
			return nil
		})
	})
	return count, err
}

// Close releases the bbolt index. The document file needs no explicit
// close.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close operation index: %w", err)
	}
	return nil
}
