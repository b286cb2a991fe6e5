package documents

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/spherify/collab/internal/delta"
)

const pebbleKeyPrefix = "doc/"

// PebbleStore persists documents in an embedded pebble database.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens or creates the database at path.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	if path == "" {
		return nil, fmt.Errorf("documents: pebble path is required")
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("documents: pebble open: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Load(ctx context.Context, documentID string) (delta.Delta, error) {
	id, err := normalizeDocumentID(documentID)
	if err != nil {
		return delta.Delta{}, err
	}
	if err := ctx.Err(); err != nil {
		return delta.Delta{}, err
	}
	value, closer, err := s.db.Get(pebbleKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return delta.Empty(), nil
	}
	if err != nil {
		return delta.Delta{}, fmt.Errorf("documents: pebble load %s: %w", id, err)
	}
	raw := append([]byte(nil), value...)
	if err := closer.Close(); err != nil {
		return delta.Delta{}, err
	}
	return decodeContent(raw)
}

func (s *PebbleStore) Save(ctx context.Context, documentID string, content delta.Delta) error {
	id, err := normalizeDocumentID(documentID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encodeContent(content)
	if err != nil {
		return err
	}
	if err := s.db.Set(pebbleKey(id), payload, pebble.Sync); err != nil {
		return fmt.Errorf("documents: pebble save %s: %w", id, err)
	}
	return nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func pebbleKey(documentID string) []byte {
	return []byte(pebbleKeyPrefix + documentID)
}
