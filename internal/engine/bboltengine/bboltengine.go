// Package bboltengine implements the KVEngine capability set on top of
// go.etcd.io/bbolt, a third-party embedded B+tree store, as the
// "--engine alternative" backend. It preserves the native engine's
// error-taxonomy contract without exposing generations or offsets.
package bboltengine

import (
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"kvlog/internal/engine"
)

const fileName = "alternative.bbolt"

var bucketName = []byte("kv")

// Engine adapts a single bbolt database file to engine.KVEngine.
type Engine struct {
	db *bbolt.DB
}

// Open opens (creating if missing) the bbolt database inside dir.
func Open(dir string) (*Engine, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("bboltengine: create data directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, fileName), 0644, nil)
	if err != nil {
		return nil, fmt.Errorf("bboltengine: open: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bboltengine: create bucket: %w", err)
	}

	return &Engine{db: db}, nil
}

// Get returns the value for key and whether it was present.
func (e *Engine) Get(key string) (string, bool, error) {
	var value string
	var ok bool
	err := e.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v != nil {
			ok = true
			value = string(v)
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("bboltengine: get: %w", err)
	}
	return value, ok, nil
}

// Set stores value under key, overwriting any existing value.
func (e *Engine) Set(key, value string) error {
	err := e.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("bboltengine: set: %w", err)
	}
	return nil
}

// Remove deletes key, returning engine.ErrKeyNotFound if it was absent
// — matching the native engine's contract exactly.
func (e *Engine) Remove(key string) error {
	err := e.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get([]byte(key)) == nil {
			return engine.ErrKeyNotFound
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		if err == engine.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", engine.ErrKeyNotFound, key)
		}
		return fmt.Errorf("bboltengine: remove: %w", err)
	}
	return nil
}

// Close releases the database file.
func (e *Engine) Close() error {
	return e.db.Close()
}

var _ engine.KVEngine = (*Engine)(nil)
