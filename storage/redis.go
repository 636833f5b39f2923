package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/minus-twelve/greenroots/types"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each bucket in a hash under prefix+"bucket:"+name and
// tracks bucket names in the set prefix+"buckets".
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ types.Store = (*RedisStore)(nil)

func NewRedisStore(cfg types.RedisConfig) (*RedisStore, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "greenroots:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	return &RedisStore{client: client, prefix: cfg.Prefix}, nil
}

func (r *RedisStore) indexKey() string {
	return r.prefix + "buckets"
}

func (r *RedisStore) bucketKey(name string) string {
	return r.prefix + "bucket:" + name
}

func (r *RedisStore) Open(ctx context.Context, name string) (types.Bucket, error) {
	if err := r.client.SAdd(ctx, r.indexKey(), name).Err(); err != nil {
		return nil, err
	}
	return &RedisBucket{store: r, name: name}, nil
}

func (r *RedisStore) Has(ctx context.Context, name string) (bool, error) {
	return r.client.SIsMember(ctx, r.indexKey(), name).Result()
}

func (r *RedisStore) Names(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (r *RedisStore) Drop(ctx context.Context, name string) (bool, error) {
	pipe := r.client.TxPipeline()
	removed := pipe.SRem(ctx, r.indexKey(), name)
	pipe.Del(ctx, r.bucketKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

type RedisBucket struct {
	store *RedisStore
	name  string
}

func (b *RedisBucket) Name() string {
	return b.name
}

func (b *RedisBucket) Match(ctx context.Context, key string) (types.Entry, error) {
	data, err := b.store.client.HGet(ctx, b.store.bucketKey(b.name), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.Entry{}, types.ErrNotFound
		}
		return types.Entry{}, err
	}

	var entry types.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return types.Entry{}, fmt.Errorf("decode entry %q: %w", key, err)
	}
	return entry, nil
}

func (b *RedisBucket) Put(ctx context.Context, key string, entry types.Entry) error {
	return b.PutAll(ctx, map[string]types.Entry{key: entry})
}

func (b *RedisBucket) PutAll(ctx context.Context, entries map[string]types.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(entries)*2)
	for key, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode entry %q: %w", key, err)
		}
		values = append(values, key, data)
	}

	pipe := b.store.client.TxPipeline()
	pipe.SAdd(ctx, b.store.indexKey(), b.name)
	pipe.HSet(ctx, b.store.bucketKey(b.name), values...)
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBucket) Delete(ctx context.Context, key string) (bool, error) {
	n, err := b.store.client.HDel(ctx, b.store.bucketKey(b.name), key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *RedisBucket) Keys(ctx context.Context) ([]string, error) {
	keys, err := b.store.client.HKeys(ctx, b.store.bucketKey(b.name)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
