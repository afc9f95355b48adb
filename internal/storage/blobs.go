// Package storage persists the shared collections as whole blobs keyed by
// logical name, plus local snapshot files as the server's durability
// backstop. Writes are whole-blob upserts, not partial patches.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"isca-tracker/internal/config"
)

// Blob keys for the four logical collections.
const (
	KeyState   = "state"
	KeyUsers   = "users"
	KeyNotes   = "notes"
	KeyReviews = "reviews"
)

var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is the backing store contract used by both the server
// (write-through persistence) and clients on the direct-write fallback
// path. Two concurrent Put calls on the same key are not serialized:
// the last writer's snapshot wins, which is the documented lost-update
// weakness of the fallback path.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, time.Time, error)
	Put(ctx context.Context, key string, payload []byte) error
}

// Blob is the key/value row holding one full collection payload.
type Blob struct {
	Key       string    `gorm:"primaryKey;size:64"`
	Payload   []byte    `gorm:"type:jsonb"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Blob) TableName() string { return "state_blobs" }

// ChangeNotifier receives every successful write so the change feed can
// mirror row-level updates to feed-only clients. Best effort: a publish
// failure never fails the write.
type ChangeNotifier interface {
	BlobChanged(key string, payload []byte)
}

type GormStore struct {
	db       *gorm.DB
	notifier ChangeNotifier
}

func NewGormStore(cfg *config.DatabaseConfig) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("error getting sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if err := db.AutoMigrate(&Blob{}); err != nil {
		return nil, fmt.Errorf("error migrating blob table: %w", err)
	}

	return &GormStore{db: db}, nil
}

// SetNotifier attaches the change feed publisher. Only the server does
// this; a fallback-writing client publishes nothing, which is why its
// writes are invisible to connected peers until they resync.
func (s *GormStore) SetNotifier(n ChangeNotifier) {
	s.notifier = n
}

func (s *GormStore) Get(ctx context.Context, key string) ([]byte, time.Time, error) {
	var blob Blob
	err := s.db.WithContext(ctx).First(&blob, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, time.Time{}, ErrBlobNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return blob.Payload, blob.UpdatedAt, nil
}

func (s *GormStore) Put(ctx context.Context, key string, payload []byte) error {
	blob := Blob{Key: key, Payload: payload, UpdatedAt: time.Now()}
	if err := s.db.WithContext(ctx).Save(&blob).Error; err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.BlobChanged(key, payload)
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
