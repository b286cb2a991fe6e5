package documents

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
	DriverPebble = "pebble"
	DriverS3     = "s3"
	DriverMemory = "memory"
)

// Options selects and configures a store backend.
type Options struct {
	Driver        string
	Database      *gorm.DB
	MongoURI      string
	MongoDatabase string
	PebblePath    string
	S3Bucket      string
	S3Prefix      string
}

// Open builds the configured store. The returned close function releases
// backend resources and is never nil.
func Open(ctx context.Context, opts Options) (Store, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case DriverSQLite, "":
		store, err := NewSQLStore(opts.Database, nil)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case DriverMongo:
		store, err := NewMongoStore(ctx, opts.MongoURI, opts.MongoDatabase)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	case DriverPebble:
		store, err := OpenPebbleStore(opts.PebblePath)
		if err != nil {
			return nil, noop, err
		}
		return store, func(context.Context) error { return store.Close() }, nil
	case DriverS3:
		store, err := NewS3Store(ctx, opts.S3Bucket, opts.S3Prefix)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case DriverMemory:
		return NewMemoryStore(), noop, nil
	default:
		return nil, noop, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
}
