package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/diora/switchboard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// KV is the byte-level persistence port under a Cache.
type KV interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// MemoryKV keeps values in process memory.
type MemoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryKV returns an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Prefix returns a view of kv that stores every key under prefix. Views
// with different prefixes share kv without seeing each other's keys.
func Prefix(kv KV, prefix string) KV {
	return prefixKV{kv: kv, prefix: prefix}
}

type prefixKV struct {
	kv     KV
	prefix string
}

func (p prefixKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return p.kv.Get(ctx, p.prefix+key)
}

func (p prefixKV) Put(ctx context.Context, key string, value []byte) error {
	return p.kv.Put(ctx, p.prefix+key, value)
}

func (p prefixKV) Delete(ctx context.Context, key string) error {
	return p.kv.Delete(ctx, p.prefix+key)
}

// GormKV stores values in the cache_entries table under one namespace, so
// several clients can share a database without seeing each other's cache.
type GormKV struct {
	db        *gorm.DB
	namespace string
}

// NewGormKV returns a GormKV for namespace. The cache_entries table must
// already exist (see db.AutoMigrate).
func NewGormKV(db *gorm.DB, namespace string) (*GormKV, error) {
	if db == nil {
		return nil, fmt.Errorf("cache: db is required")
	}
	if namespace == "" {
		return nil, fmt.Errorf("cache: namespace is required")
	}
	return &GormKV{db: db, namespace: namespace}, nil
}

func (g *GormKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var e models.CacheEntry
	err := g.db.WithContext(ctx).
		Where(&models.CacheEntry{Namespace: g.namespace, Key: key}).
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %s/%s: %w", g.namespace, key, err)
	}
	return []byte(e.Value), true, nil
}

func (g *GormKV) Put(ctx context.Context, key string, value []byte) error {
	e := models.CacheEntry{Namespace: g.namespace, Key: key, Value: string(value), UpdatedAt: time.Now()}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&e).Error
	if err != nil {
		return fmt.Errorf("cache: put %s/%s: %w", g.namespace, key, err)
	}
	return nil
}

func (g *GormKV) Delete(ctx context.Context, key string) error {
	err := g.db.WithContext(ctx).
		Where(&models.CacheEntry{Namespace: g.namespace, Key: key}).
		Delete(&models.CacheEntry{}).Error
	if err != nil {
		return fmt.Errorf("cache: delete %s/%s: %w", g.namespace, key, err)
	}
	return nil
}

// PebbleKV stores values in a local pebble database. Keys are prefixed with
// the namespace.
type PebbleKV struct {
	db     *pebble.DB
	prefix string
}

// OpenPebbleKV opens (creating if needed) a pebble database in dir.
func OpenPebbleKV(dir, namespace string) (*PebbleKV, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cache: create %s: %w", dir, err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("cache: open pebble %s: %w", dir, err)
	}
	return &PebbleKV{db: db, prefix: namespace + ":"}, nil
}

func (p *PebbleKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, closer, err := p.db.Get([]byte(p.prefix + key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (p *PebbleKV) Put(_ context.Context, key string, value []byte) error {
	if err := p.db.Set([]byte(p.prefix+key), value, pebble.Sync); err != nil {
		return fmt.Errorf("cache: put %s: %w", key, err)
	}
	return nil
}

func (p *PebbleKV) Delete(_ context.Context, key string) error {
	if err := p.db.Delete([]byte(p.prefix+key), pebble.Sync); err != nil {
		return fmt.Errorf("cache: delete %s: %w", key, err)
	}
	return nil
}

// Close closes the pebble database.
func (p *PebbleKV) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
