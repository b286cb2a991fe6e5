package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spherify/collab/internal/delta"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StoredDocument is the relational row holding a document's content.
type StoredDocument struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	ContentJSON      string `gorm:"column:content_json;type:text;not null"`
	Revision         int64  `gorm:"column:revision;not null;default:1"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName exposes the table backing stored documents.
func (StoredDocument) TableName() string {
	return "document_contents"
}

// SQLStore persists documents through gorm.
type SQLStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLStore wraps an already migrated database handle.
func NewSQLStore(db *gorm.DB, clock func() time.Time) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("documents: database connection required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLStore{db: db, clock: clock}, nil
}

func (s *SQLStore) Load(ctx context.Context, documentID string) (delta.Delta, error) {
	id, err := normalizeDocumentID(documentID)
	if err != nil {
		return delta.Delta{}, err
	}
	var stored StoredDocument
	err = s.db.WithContext(ctx).Where("document_id = ?", id).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return delta.Empty(), nil
	}
	if err != nil {
		return delta.Delta{}, fmt.Errorf("documents: load %s: %w", id, err)
	}
	return decodeContent([]byte(stored.ContentJSON))
}

// Save inserts the document or overwrites its content, bumping the revision.
func (s *SQLStore) Save(ctx context.Context, documentID string, content delta.Delta) error {
	id, err := normalizeDocumentID(documentID)
	if err != nil {
		return err
	}
	payload, err := encodeContent(content)
	if err != nil {
		return err
	}
	row := StoredDocument{
		DocumentID:       id,
		ContentJSON:      string(payload),
		Revision:         1,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"content_json": row.ContentJSON,
			"updated_at_s": row.UpdatedAtSeconds,
			"revision":     gorm.Expr("document_contents.revision + 1"),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("documents: save %s: %w", id, err)
	}
	return nil
}
