// Package badger implements [store.Store] on an embedded Badger database.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/MrWong99/parley/pkg/store"
)

var _ store.Store = (*Store)(nil)

// keyPrefix namespaces parley keys inside a database that may be shared.
const keyPrefix = "parley/"

// Option configures a [Store].
type Option func(*badgerdb.Options)

// WithInMemory keeps all data in memory. The path given to [Open] is ignored.
func WithInMemory() Option {
	return func(o *badgerdb.Options) {
		*o = o.WithInMemory(true).WithDir("").WithValueDir("")
	}
}

// Store is a Badger-backed key-value store.
type Store struct {
	db *badgerdb.DB
}

// Open opens (or creates) the database in dir.
func Open(dir string, opts ...Option) (*Store, error) {
	o := badgerdb.DefaultOptions(dir).WithLogger(slogLogger{})
	for _, opt := range opts {
		opt(&o)
	}
	db, err := badgerdb.Open(o)
	if err != nil {
		return nil, fmt.Errorf("badger store: open %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Put implements [store.Store].
func (s *Store) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("badger store: put %q: %w", key, err)
	}
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(keyPrefix+key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("badger store: put %q: %w", key, err)
	}
	return nil
}

// Get implements [store.Store].
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("badger store: get %q: %w", key, err)
	}
	var value []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return "", fmt.Errorf("badger store: get %q: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("badger store: get %q: %w", key, err)
	}
	return string(value), nil
}

// Ping reports whether the database is still open.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return errors.New("badger store: closed")
	}
	return nil
}

// Close implements [store.Store].
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("badger store: close: %w", err)
	}
	return nil
}

// slogLogger routes Badger's printf-style logging into slog. Info and debug
// output is demoted to debug; Badger is chatty at startup.
type slogLogger struct{}

func (slogLogger) Errorf(format string, args ...any) {
	slog.Error("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (slogLogger) Warningf(format string, args ...any) {
	slog.Warn("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (slogLogger) Infof(format string, args ...any) {
	slog.Debug("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (slogLogger) Debugf(format string, args ...any) {
	slog.Debug("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}
