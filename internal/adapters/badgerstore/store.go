// Package badgerstore implements ports.Store on an embedded BadgerDB, one
// JSON document per key.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"

	"botfleet/internal/docpath"
	"botfleet/internal/ports"
	"botfleet/internal/pushid"
)

// Store is the BadgerDB implementation of ports.Store.
type Store struct {
	db     *badger.DB
	logger ports.Logger
	now    func() time.Time
}

// Config holds configuration for the badger store.
type Config struct {
	Dir    string
	Logger ports.Logger
}

// New opens (or creates) the database at cfg.Dir.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for badger store")
	}

	opts := badger.DefaultOptions(cfg.Dir)
	// Badger's own logging is noisy; errors still surface from operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w: %w", cfg.Dir, ports.ErrStoreUnavailable, err)
	}
	cfg.Logger.Info(context.Background(), "Badger store opened", map[string]interface{}{"dir": cfg.Dir})

	return &Store{db: db, logger: cfg.Logger, now: time.Now}, nil
}

// Get retrieves the raw JSON document at path.
func (s *Store) Get(ctx context.Context, path string) (json.RawMessage, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(docpath.Join(path)))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("document %q: %w", path, ports.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w: %w", path, ports.ErrQueryFailed, err)
	}
	return data, nil
}

// Set replaces the document at path with the JSON encoding of value.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode document %q: %w", path, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(docpath.Join(path)), data)
	})
	if err != nil {
		return fmt.Errorf("set %q: %w: %w", path, ports.ErrUpdateFailed, err)
	}
	return nil
}

// Update merges fields into the documents rooted at path. All touched
// documents are read, merged and written inside one transaction.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	grouped := docpath.GroupFields(path, fields)

	err := s.db.Update(func(txn *badger.Txn) error {
		for docPath, docFields := range grouped {
			key := []byte(docPath)
			var existing []byte
			item, err := txn.Get(key)
			switch {
			case err == nil:
				existing, err = item.ValueCopy(nil)
				if err != nil {
					return err
				}
			case errors.Is(err, badger.ErrKeyNotFound):
				// merge starts from an empty document
			default:
				return err
			}

			merged, err := docpath.Merge(existing, docFields)
			if err != nil {
				return fmt.Errorf("document %q: %w", docPath, err)
			}
			if err := txn.Set(key, merged); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update %q: %w: %w", path, ports.ErrUpdateFailed, err)
	}
	return nil
}

// Push appends record to collection under a generated time-ordered key.
func (s *Store) Push(ctx context.Context, collection string, record any) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode record for %q: %w", collection, err)
	}
	id := pushid.New(s.now())
	key := docpath.Join(collection, id)

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return "", fmt.Errorf("push to %q: %w: %w", collection, ports.ErrUpdateFailed, err)
	}
	return id, nil
}

// Close gracefully closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
