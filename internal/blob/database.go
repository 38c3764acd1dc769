package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ Store = (*DatabaseStore)(nil)

// StoredObject is the gorm model backing the database store.
type StoredObject struct {
	Key         string `gorm:"primaryKey;size:512"`
	Body        []byte
	ContentType string
	ETag        string `gorm:"size:64"`
	Size        int64
	UpdatedAt   time.Time
}

// TableName keeps the table name stable regardless of gorm pluralisation.
func (StoredObject) TableName() string { return "blobs" }

// DatabaseStore keeps objects in a relational table. It trades unbounded
// streaming for operational simplicity; deployments that host large video
// assets should prefer the filesystem store.
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore initialises the store and migrates its table.
func NewDatabaseStore(db *gorm.DB) (*DatabaseStore, error) {
	if db == nil {
		return nil, errors.New("blob: db handle is required")
	}
	if err := db.AutoMigrate(&StoredObject{}); err != nil {
		return nil, fmt.Errorf("blob: migrate blobs table: %w", err)
	}
	return &DatabaseStore{db: db}, nil
}

func (s *DatabaseStore) Put(ctx context.Context, key string, body io.Reader, meta Metadata) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("blob: key is required")
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("blob: read body for %s: %w", key, err)
	}

	sum := md5.Sum(data)
	record := StoredObject{
		Key:         key,
		Body:        data,
		ContentType: meta.ContentType,
		ETag:        hex.EncodeToString(sum[:]),
		Size:        int64(len(data)),
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "key"}}, UpdateAll: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("blob: store %s: %w", key, err)
	}
	return nil
}

func (s *DatabaseStore) Get(ctx context.Context, key string, opts GetOptions) (*Object, error) {
	var record StoredObject
	err := s.db.WithContext(ctx).First(&record, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: load %s: %w", key, err)
	}

	if opts.IfNoneMatch != "" && opts.IfNoneMatch == record.ETag {
		return nil, ErrNotModified
	}

	offset, length, err := ResolveRange(opts.Range, record.Size)
	if err != nil {
		return nil, err
	}

	return &Object{
		Body:   io.NopCloser(bytes.NewReader(record.Body[offset : offset+length])),
		Meta:   metadataOf(record),
		Offset: offset,
		Length: length,
	}, nil
}

func (s *DatabaseStore) Head(ctx context.Context, key string) (Metadata, error) {
	var record StoredObject
	err := s.db.WithContext(ctx).
		Select("key", "content_type", "e_tag", "size", "updated_at").
		First(&record, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, fmt.Errorf("blob: stat %s: %w", key, err)
	}
	return metadataOf(record), nil
}

func (s *DatabaseStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Delete(&StoredObject{}, "key IN ?", keys).Error
	if err != nil {
		return fmt.Errorf("blob: delete %d keys: %w", len(keys), err)
	}
	return nil
}

func (s *DatabaseStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).
		Model(&StoredObject{}).
		Where("key LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%").
		Order("key").
		Pluck("key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("blob: list %q: %w", prefix, err)
	}
	return keys, nil
}

func metadataOf(record StoredObject) Metadata {
	return Metadata{
		ContentType: record.ContentType,
		ETag:        record.ETag,
		Size:        record.Size,
		ModTime:     record.UpdatedAt,
	}
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
