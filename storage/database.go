package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minus-twelve/greenroots/types"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type bucketRow struct {
	Name      string `gorm:"primaryKey;size:191"`
	CreatedAt time.Time
}

func (bucketRow) TableName() string { return "cache_buckets" }

type entryRow struct {
	Bucket   string `gorm:"primaryKey;size:191"`
	CacheKey string `gorm:"primaryKey;size:512"`
	Status   int
	Header   []byte
	Body     []byte
	StoredAt time.Time
}

func (entryRow) TableName() string { return "cache_entries" }

// DatabaseStore keeps buckets in a SQL database through gorm.
type DatabaseStore struct {
	db *gorm.DB
}

var _ types.Store = (*DatabaseStore)(nil)

func NewDatabaseStore(cfg types.DatabaseConfig) (*DatabaseStore, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	return NewDatabaseStoreFromDB(db)
}

// NewDatabaseStoreFromDB migrates the cache tables on an existing handle.
func NewDatabaseStoreFromDB(db *gorm.DB) (*DatabaseStore, error) {
	if db == nil {
		return nil, errors.New("storage: nil database handle")
	}
	if err := db.AutoMigrate(&bucketRow{}, &entryRow{}); err != nil {
		return nil, fmt.Errorf("migrate cache tables: %w", err)
	}
	return &DatabaseStore{db: db}, nil
}

func dialectorFor(cfg types.DatabaseConfig) (gorm.Dialector, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			path := strings.TrimSpace(cfg.Path)
			if path == "" || strings.EqualFold(path, ":memory:") {
				dsn = "file::memory:?cache=shared"
			} else {
				if dir := filepath.Dir(path); dir != "." && dir != "" {
					if err := os.MkdirAll(dir, 0o755); err != nil {
						return nil, err
					}
				}
				dsn = fmt.Sprintf("file:%s?_journal_mode=WAL", filepath.ToSlash(path))
			}
		}
		return sqlite.Open(dsn), nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, errors.New("storage: postgres requires a dsn")
		}
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		if cfg.DSN == "" {
			return nil, errors.New("storage: mysql requires a dsn")
		}
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("storage: unsupported database driver %q", cfg.Driver)
	}
}

func (s *DatabaseStore) Open(ctx context.Context, name string) (types.Bucket, error) {
	row := bucketRow{Name: name, CreatedAt: time.Now()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return nil, err
	}
	return &DatabaseBucket{db: s.db, name: name}, nil
}

func (s *DatabaseStore) Has(ctx context.Context, name string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&bucketRow{}).Where("name = ?", name).Count(&count).Error
	return count > 0, err
}

func (s *DatabaseStore) Names(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&bucketRow{}).Order("name").Pluck("name", &names).Error
	return names, err
}

func (s *DatabaseStore) Drop(ctx context.Context, name string) (bool, error) {
	var dropped bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("bucket = ?", name).Delete(&entryRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("name = ?", name).Delete(&bucketRow{})
		if res.Error != nil {
			return res.Error
		}
		dropped = res.RowsAffected > 0
		return nil
	})
	return dropped, err
}

func (s *DatabaseStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type DatabaseBucket struct {
	db   *gorm.DB
	name string
}

func (b *DatabaseBucket) Name() string {
	return b.name
}

func (b *DatabaseBucket) Match(ctx context.Context, key string) (types.Entry, error) {
	var row entryRow
	err := b.db.WithContext(ctx).Take(&row, "bucket = ? AND cache_key = ?", b.name, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Entry{}, types.ErrNotFound
	}
	if err != nil {
		return types.Entry{}, err
	}

	entry := types.Entry{Status: row.Status, Body: row.Body, StoredAt: row.StoredAt}
	if len(row.Header) > 0 {
		if err := json.Unmarshal(row.Header, &entry.Header); err != nil {
			return types.Entry{}, fmt.Errorf("decode header %q: %w", key, err)
		}
	}
	return entry, nil
}

func (b *DatabaseBucket) Put(ctx context.Context, key string, entry types.Entry) error {
	return b.PutAll(ctx, map[string]types.Entry{key: entry})
}

func (b *DatabaseBucket) PutAll(ctx context.Context, entries map[string]types.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	rows := make([]entryRow, 0, len(entries))
	for key, entry := range entries {
		header, err := json.Marshal(entry.Header)
		if err != nil {
			return fmt.Errorf("encode header %q: %w", key, err)
		}
		rows = append(rows, entryRow{
			Bucket:   b.name,
			CacheKey: key,
			Status:   entry.Status,
			Header:   header,
			Body:     entry.Body,
			StoredAt: entry.StoredAt,
		})
	}

	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&bucketRow{Name: b.name, CreatedAt: time.Now()}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bucket"}, {Name: "cache_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "header", "body", "stored_at"}),
		}).Create(&rows).Error
	})
}

func (b *DatabaseBucket) Delete(ctx context.Context, key string) (bool, error) {
	res := b.db.WithContext(ctx).Where("bucket = ? AND cache_key = ?", b.name, key).Delete(&entryRow{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (b *DatabaseBucket) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := b.db.WithContext(ctx).Model(&entryRow{}).
		Where("bucket = ?", b.name).
		Order("cache_key").
		Pluck("cache_key", &keys).Error
	return keys, err
}
