package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spherify/collab/internal/delta"
)

var (
	// ErrInvalidDocumentID indicates that a document identifier is blank.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrCorruptContent indicates that stored bytes do not decode into a delta.
	ErrCorruptContent = errors.New("documents: corrupt stored content")
	// ErrUnknownDriver indicates an unsupported store driver name.
	ErrUnknownDriver = errors.New("documents: unknown store driver")
)

// Store loads and saves the accumulated content of a document. Loading an
// unknown document yields an empty delta rather than an error.
type Store interface {
	Load(ctx context.Context, documentID string) (delta.Delta, error)
	Save(ctx context.Context, documentID string, content delta.Delta) error
}

func normalizeDocumentID(documentID string) (string, error) {
	trimmed := strings.TrimSpace(documentID)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	return trimmed, nil
}

func encodeContent(content delta.Delta) ([]byte, error) {
	return json.Marshal(content)
}

func decodeContent(raw []byte) (delta.Delta, error) {
	if len(raw) == 0 {
		return delta.Empty(), nil
	}
	content, err := delta.Parse(raw)
	if err != nil {
		return delta.Delta{}, fmt.Errorf("%w: %v", ErrCorruptContent, err)
	}
	return content, nil
}
