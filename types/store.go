package types

import "context"

// Store is the cache storage: a set of named buckets.
type Store interface {
	Open(ctx context.Context, name string) (Bucket, error)
	Has(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	Drop(ctx context.Context, name string) (bool, error)
	Close() error
}

// Bucket maps request keys to stored responses. Put and Delete are atomic per
// key; concurrent writers to one key race on last-write-wins.
type Bucket interface {
	Name() string
	// Match returns ErrNotFound when key has no entry.
	Match(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key string, entry Entry) error
	// PutAll writes every entry or none of them.
	PutAll(ctx context.Context, entries map[string]Entry) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}
