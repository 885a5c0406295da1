package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

type badgerBackend struct {
	db *badger.DB
}

func newBadgerBackend(path string) (*badgerBackend, error) {
	if path == "" {
		path = "fleet-badger"
	}

	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", path, err)
	}
	return &badgerBackend{db: db}, nil
}

func snapshotKey(name string) []byte {
	return []byte("snapshot:" + name)
}

func (b *badgerBackend) put(ctx context.Context, name string, data []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(name), data)
	})
}

func (b *badgerBackend) get(ctx context.Context, name string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(name))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", name, err)
	}
	return out, nil
}

func (b *badgerBackend) Close() error {
	return b.db.Close()
}
