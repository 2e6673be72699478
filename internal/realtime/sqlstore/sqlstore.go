// Package sqlstore persists the realtime document tree in a SQL database
// through GORM. Every leaf of the tree is one row of the nodes table keyed by
// its full path; a subtree is the range of rows whose path starts with the
// subtree path followed by a slash.
package sqlstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/diora/switchboard/internal/clock"
	"github.com/diora/switchboard/internal/models"
	"github.com/diora/switchboard/internal/realtime"
	"gorm.io/gorm"
)

// Store is a realtime.Store backed by GORM. Subscribers registered on one
// Store see that Store's writes immediately; writes made by other processes
// are picked up by Watch.
type Store struct {
	db     *gorm.DB
	clock  clock.Clock
	ids    *realtime.PushIDs
	hub    *realtime.Hub
	logger *log.Logger

	mu sync.Mutex // orders writes and their notifications
}

var _ realtime.Store = (*Store)(nil)

// Opts holds parameters for creating a Store.
type Opts struct {
	DB     *gorm.DB
	Clock  clock.Clock
	Logger *log.Logger
}

// New creates a Store over db. The nodes table must already exist
// (see db.AutoMigrate).
func New(opts Opts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("sqlstore: db is required")
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		db:     opts.DB,
		clock:  c,
		ids:    realtime.NewPushIDs(c),
		hub:    realtime.NewHub(),
		logger: logger,
	}, nil
}

// Get reads the value at path.
func (s *Store) Get(ctx context.Context, path string) (realtime.Snapshot, error) {
	segs, err := realtime.SplitPath(path)
	if err != nil {
		return realtime.Snapshot{}, err
	}
	v, err := readTree(s.db.WithContext(ctx), segs)
	if err != nil {
		return realtime.Snapshot{}, fmt.Errorf("sqlstore: get %s: %w", path, err)
	}
	return realtime.Snapshot{Path: realtime.JoinPath(segs...), Value: v}, nil
}

// Set replaces the value at path. A nil value deletes it.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	return s.Update(ctx, map[string]any{path: value})
}

// Push stores value under path with a generated key and returns the key.
func (s *Store) Push(ctx context.Context, path string, value any) (string, error) {
	if _, err := realtime.SplitPath(path); err != nil {
		return "", err
	}
	id := s.ids.Next()
	if err := s.Set(ctx, realtime.JoinPath(path, id), value); err != nil {
		return "", err
	}
	return id, nil
}

// Update applies all writes in one transaction.
func (s *Store) Update(ctx context.Context, values map[string]any) error {
	type write struct {
		path  string
		segs  []string
		value any
	}
	now := s.clock.Now()
	writes := make([]write, 0, len(values))
	for p, v := range values {
		segs, err := realtime.SplitPath(p)
		if err != nil {
			return err
		}
		norm, err := realtime.Normalize(v, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("sqlstore: update %s: %w", p, err)
		}
		writes = append(writes, write{path: realtime.JoinPath(segs...), segs: segs, value: norm})
	}

	s.mu.Lock()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, w := range writes {
			if err := deleteTree(tx, w.segs); err != nil {
				return err
			}
			leaves := realtime.Flatten(w.path, w.value)
			if len(leaves) == 0 {
				continue
			}
			rows := make([]models.Node, 0, len(leaves))
			for p, v := range leaves {
				data, err := json.Marshal(v)
				if err != nil {
					return err
				}
				rows = append(rows, models.Node{Path: p, Value: string(data), UpdatedAt: now})
			}
			if err := tx.CreateInBatches(&rows, 200).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("sqlstore: update: %w", err)
	}

	changed := make([][]string, len(writes))
	for i, w := range writes {
		changed[i] = w.segs
	}
	s.enqueue(ctx, s.hub.Affected(changed))
	s.mu.Unlock()

	s.hub.Drain()
	return nil
}

// Subscribe registers fn for changes under path and delivers the current
// value immediately.
func (s *Store) Subscribe(path string, fn func(realtime.Snapshot)) (func(), error) {
	sub, err := s.hub.Add(path, fn)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	v, err := readTree(s.db, sub.Segments())
	if err != nil {
		s.mu.Unlock()
		sub.Cancel()
		return nil, fmt.Errorf("sqlstore: subscribe %s: %w", path, err)
	}
	s.hub.Enqueue(sub, v)
	s.mu.Unlock()

	s.hub.Drain()
	return sub.Cancel, nil
}

// Watch re-reads every subscribed subtree each interval until ctx is done,
// delivering changes made by other processes. Unchanged values are not
// redelivered.
func (s *Store) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Refresh performs one Watch cycle.
func (s *Store) Refresh(ctx context.Context) {
	s.mu.Lock()
	s.enqueue(ctx, s.hub.All())
	s.mu.Unlock()
	s.hub.Drain()
}

// enqueue reads each subscription's subtree and queues it. Callers hold s.mu.
func (s *Store) enqueue(ctx context.Context, subs []*realtime.Subscription) {
	for _, sub := range subs {
		v, err := readTree(s.db.WithContext(ctx), sub.Segments())
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Printf("sqlstore: refresh %s: %v", sub.Path(), err)
			}
			continue
		}
		s.hub.Enqueue(sub, v)
	}
}

// subtreeBounds returns the half-open path range [lo, hi) holding every
// descendant of prefix. '0' is the byte after '/'.
func subtreeBounds(prefix string) (string, string) {
	return prefix + "/", prefix + "0"
}

// ancestors returns the paths of every proper ancestor of segs.
func ancestors(segs []string) []string {
	out := make([]string, 0, len(segs))
	for i := 1; i < len(segs); i++ {
		out = append(out, realtime.JoinPath(segs[:i]...))
	}
	return out
}

func readTree(db *gorm.DB, segs []string) (any, error) {
	var rows []models.Node
	q := db.Model(&models.Node{})
	if len(segs) > 0 {
		p := realtime.JoinPath(segs...)
		lo, hi := subtreeBounds(p)
		q = q.Where("path = ? OR (path >= ? AND path < ?)", p, lo, hi)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	leaves := make(map[string]any, len(rows))
	for _, r := range rows {
		v, err := decodeLeaf(r.Value)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", r.Path, err)
		}
		leaves[r.Path] = v
	}
	return realtime.Assemble(segs, leaves), nil
}

// deleteTree removes the value at segs and any leaf above it, which a write
// at segs would replace with an object.
func deleteTree(tx *gorm.DB, segs []string) error {
	if len(segs) == 0 {
		return tx.Where("1 = 1").Delete(&models.Node{}).Error
	}
	p := realtime.JoinPath(segs...)
	lo, hi := subtreeBounds(p)
	if err := tx.Where("path = ? OR (path >= ? AND path < ?)", p, lo, hi).Delete(&models.Node{}).Error; err != nil {
		return err
	}
	if up := ancestors(segs); len(up) > 0 {
		if err := tx.Where("path IN ?", up).Delete(&models.Node{}).Error; err != nil {
			return err
		}
	}
	return nil
}

func decodeLeaf(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
