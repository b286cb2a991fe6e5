package documents

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	sqlite "github.com/glebarez/sqlite"
	"github.com/spherify/collab/internal/delta"
	"gorm.io/gorm"
)

func mustDelta(t *testing.T, raw string) delta.Delta {
	t.Helper()
	parsed, err := delta.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("invalid delta %s: %v", raw, err)
	}
	return parsed
}

// exerciseStore checks the load/save contract shared by every backend.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	missing, err := store.Load(ctx, "doc-missing")
	if err != nil {
		t.Fatalf("load of unknown document failed: %v", err)
	}
	if len(missing.Ops) != 0 {
		t.Fatalf("expected empty content for unknown document, got %#v", missing.Ops)
	}

	if err := store.Save(ctx, "doc1", mustDelta(t, `[{"insert":"hello"}]`)); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if err := store.Save(ctx, "doc1", mustDelta(t, `[{"insert":"hello","attributes":{"bold":true}},{"insert":" world"}]`)); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	loaded, err := store.Load(ctx, "doc1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Text() != "hello world" || len(loaded.Ops) != 2 {
		t.Fatalf("unexpected content %#v", loaded.Ops)
	}
	if loaded.Ops[0].Attributes["bold"] != true {
		t.Fatalf("expected attributes to survive, got %#v", loaded.Ops[0].Attributes)
	}

	if _, err := store.Load(ctx, "  "); !errors.Is(err, ErrInvalidDocumentID) {
		t.Fatalf("expected invalid document id, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLStore(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&StoredDocument{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewSQLStore(database, func() time.Time { return time.Unix(1700000000, 0) })
	if err != nil {
		testContext.Fatalf("failed to construct store: %v", err)
	}
	exerciseStore(testContext, store)

	var row StoredDocument
	if err := database.Where("document_id = ?", "doc1").Take(&row).Error; err != nil {
		testContext.Fatalf("failed to read row: %v", err)
	}
	if row.Revision != 2 {
		testContext.Fatalf("expected revision 2 after two saves, got %d", row.Revision)
	}
	if row.UpdatedAtSeconds != 1700000000 {
		testContext.Fatalf("unexpected updated_at_s %d", row.UpdatedAtSeconds)
	}
}

func TestSQLStoreRejectsCorruptRow(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "corrupt.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&StoredDocument{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	if err := database.Create(&StoredDocument{DocumentID: "broken", ContentJSON: "{not json", UpdatedAtSeconds: 1}).Error; err != nil {
		testContext.Fatalf("failed to seed row: %v", err)
	}
	store, _ := NewSQLStore(database, nil)
	if _, err := store.Load(context.Background(), "broken"); !errors.Is(err, ErrCorruptContent) {
		testContext.Fatalf("expected corrupt content, got %v", err)
	}
}

func TestPebbleStore(t *testing.T) {
	store, err := OpenPebbleStore(filepath.Join(t.TempDir(), "documents"))
	if err != nil {
		t.Fatalf("failed to open pebble: %v", err)
	}
	defer store.Close()
	exerciseStore(t, store)
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[*params.Bucket+"/"+*params.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*params.Bucket+"/"+*params.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	client := &fakeS3{objects: make(map[string][]byte)}
	store := newS3StoreWithClient(client, "spherify", "/documents/")
	exerciseStore(t, store)
	if _, ok := client.objects["spherify/documents/doc1.json"]; !ok {
		t.Fatalf("expected object under prefixed key, have %v", client.objects)
	}
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("SPHERIFY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("SPHERIFY_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := NewMongoStore(ctx, uri, "spherify_test")
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer store.Close(context.Background())
	_, _ = store.collection.DeleteMany(ctx, map[string]any{})
	exerciseStore(t, store)
}

func TestOpenSelectsDriver(t *testing.T) {
	store, closeStore, err := Open(context.Background(), Options{Driver: "memory"})
	if err != nil {
		t.Fatalf("open memory failed: %v", err)
	}
	defer closeStore(context.Background())
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	if _, _, err := Open(context.Background(), Options{Driver: "cassandra"}); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected unknown driver, got %v", err)
	}
	if _, _, err := Open(context.Background(), Options{Driver: "sqlite"}); err == nil {
		t.Fatalf("expected sqlite without database to fail")
	}
}
