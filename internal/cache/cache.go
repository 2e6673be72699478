// Package cache is the local fallback mirror of chat sessions. It holds one
// serialized map of session records keyed by session id plus a pointer to
// the session the local client is currently attached to. The cache is never
// authoritative: the chat repository overwrites it from the realtime store
// whenever the store answers.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/diora/switchboard/internal/clock"
	"github.com/diora/switchboard/internal/models"
)

const (
	chatsKey   = "chats"
	currentKey = "current"

	// anonymousUser owns placeholder records created by AddMessage.
	anonymousUser = "anonymous"
)

// Cache mirrors chat sessions into a KV backend. Every operation is a
// read-modify-write of the chats map serialized by the Cache.
type Cache struct {
	kv    KV
	clock clock.Clock

	mu sync.Mutex
}

// Opts holds parameters for creating a Cache.
type Opts struct {
	KV    KV
	Clock clock.Clock
}

// New creates a Cache over opts.KV.
func New(opts Opts) (*Cache, error) {
	if opts.KV == nil {
		return nil, fmt.Errorf("cache: kv is required")
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	return &Cache{kv: opts.KV, clock: c}, nil
}

// NewMemory returns a Cache over a fresh MemoryKV.
func NewMemory() *Cache {
	c, _ := New(Opts{KV: NewMemoryKV()})
	return c
}

// SaveChat writes a session's info and messages, keeping any cached status
// history.
func (c *Cache) SaveChat(ctx context.Context, id string, info models.SessionInfo, messages []models.Message) error {
	return c.modify(ctx, func(chats map[string]models.Chat) {
		prev := chats[id]
		chats[id] = models.Chat{
			ID:            id,
			Info:          info,
			Messages:      append([]models.Message(nil), messages...),
			StatusHistory: prev.StatusHistory,
		}
	})
}

// ReplaceChat overwrites the cached record with chat, history included.
func (c *Cache) ReplaceChat(ctx context.Context, chat models.Chat) error {
	return c.modify(ctx, func(chats map[string]models.Chat) {
		chats[chat.ID] = chat
	})
}

// ReplaceAll overwrites every record present in chats. Records absent from
// chats are left alone.
func (c *Cache) ReplaceAll(ctx context.Context, all []models.Chat) error {
	return c.modify(ctx, func(chats map[string]models.Chat) {
		for _, chat := range all {
			chats[chat.ID] = chat
		}
	})
}

// SaveInfo writes a session's info, creating the record if needed and
// keeping cached messages and history.
func (c *Cache) SaveInfo(ctx context.Context, id string, info models.SessionInfo) error {
	return c.modify(ctx, func(chats map[string]models.Chat) {
		chat := chats[id]
		chat.ID = id
		chat.Info = info
		chats[id] = chat
	})
}

// SaveMessages replaces a session's cached messages, creating a placeholder
// record if needed.
func (c *Cache) SaveMessages(ctx context.Context, id string, messages []models.Message) error {
	return c.modify(ctx, func(chats map[string]models.Chat) {
		chat, ok := chats[id]
		if !ok {
			chat = c.placeholder(id)
		}
		chat.Messages = append([]models.Message(nil), messages...)
		models.SortMessages(chat.Messages)
		chats[id] = chat
	})
}

// AddMessage appends msg to the session's cached messages and bumps its
// lastActivity. A session with no cached record gets a placeholder so the
// append never fails.
func (c *Cache) AddMessage(ctx context.Context, id string, msg models.Message) error {
	return c.modify(ctx, func(chats map[string]models.Chat) {
		chat, ok := chats[id]
		if !ok {
			chat = c.placeholder(id)
		}
		for _, m := range chat.Messages {
			if msg.ID != "" && m.ID == msg.ID {
				chats[id] = chat
				return
			}
		}
		chat.Messages = append(chat.Messages, msg)
		models.SortMessages(chat.Messages)
		if msg.Timestamp > chat.Info.LastActivity {
			chat.Info.LastActivity = msg.Timestamp
		}
		chats[id] = chat
	})
}

func (c *Cache) placeholder(id string) models.Chat {
	now := c.clock.Now().UnixMilli()
	return models.Chat{
		ID: id,
		Info: models.SessionInfo{
			UserID:       anonymousUser,
			StartTime:    now,
			LastActivity: now,
			Status:       models.StatusActive,
			SessionCount: 1,
		},
	}
}

// AddHistory appends a status history entry to a cached record. Unknown
// sessions are ignored.
func (c *Cache) AddHistory(ctx context.Context, id string, entry models.StatusHistory) error {
	return c.modify(ctx, func(chats map[string]models.Chat) {
		chat, ok := chats[id]
		if !ok {
			return
		}
		chat.StatusHistory = append(chat.StatusHistory, entry)
		models.SortHistory(chat.StatusHistory)
		chats[id] = chat
	})
}

// UpdateChatInfo applies fn to the cached info of id. Unknown sessions are
// ignored.
func (c *Cache) UpdateChatInfo(ctx context.Context, id string, fn func(*models.SessionInfo)) error {
	return c.modify(ctx, func(chats map[string]models.Chat) {
		chat, ok := chats[id]
		if !ok {
			return
		}
		fn(&chat.Info)
		chats[id] = chat
	})
}

// UpdateChatStatus merges a status change into the cached info. Closing also
// records endTime and the close reason.
func (c *Cache) UpdateChatStatus(ctx context.Context, id string, status models.Status, reason models.CloseReason) error {
	now := c.clock.Now().UnixMilli()
	return c.UpdateChatInfo(ctx, id, func(info *models.SessionInfo) {
		info.Status = status
		info.LastActivity = now
		if status == models.StatusClosed {
			info.EndTime = now
			info.CloseReason = reason
		} else {
			info.EndTime = 0
		}
	})
}

// Chat returns the cached record for id.
func (c *Cache) Chat(ctx context.Context, id string) (models.Chat, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chats, err := c.load(ctx)
	if err != nil {
		return models.Chat{}, false, err
	}
	chat, ok := chats[id]
	return chat, ok, nil
}

// AllChats returns every cached record, most recently started first.
func (c *Cache) AllChats(ctx context.Context) ([]models.Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chats, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Chat, 0, len(chats))
	for _, chat := range chats {
		out = append(out, chat)
	}
	SortByStartDesc(out)
	return out, nil
}

// SortByStartDesc orders chats by startTime, newest first, then by id.
func SortByStartDesc(chats []models.Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		if chats[i].Info.StartTime != chats[j].Info.StartTime {
			return chats[i].Info.StartTime > chats[j].Info.StartTime
		}
		return chats[i].ID < chats[j].ID
	})
}

// CurrentSessionID returns the session the local client is attached to, or
// "" if none.
func (c *Cache) CurrentSessionID(ctx context.Context) (string, error) {
	v, ok, err := c.kv.Get(ctx, currentKey)
	if err != nil || !ok {
		return "", err
	}
	return string(v), nil
}

// SetCurrentSessionID records the session the local client is attached to.
func (c *Cache) SetCurrentSessionID(ctx context.Context, id string) error {
	return c.kv.Put(ctx, currentKey, []byte(id))
}

// ClearCurrentSessionID forgets the current session, so the next open
// starts a new one.
func (c *Cache) ClearCurrentSessionID(ctx context.Context) error {
	return c.kv.Delete(ctx, currentKey)
}

// ClearAll removes every cached record and the current pointer.
func (c *Cache) ClearAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.kv.Delete(ctx, chatsKey); err != nil {
		return err
	}
	return c.kv.Delete(ctx, currentKey)
}

func (c *Cache) modify(ctx context.Context, fn func(map[string]models.Chat)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	chats, err := c.load(ctx)
	if err != nil {
		return err
	}
	fn(chats)
	data, err := json.Marshal(chats)
	if err != nil {
		return fmt.Errorf("cache: encode chats: %w", err)
	}
	return c.kv.Put(ctx, chatsKey, data)
}

// load reads the chats map. A corrupt map is treated as empty: the cache is
// only a mirror and the next store read rebuilds it.
func (c *Cache) load(ctx context.Context) (map[string]models.Chat, error) {
	data, ok, err := c.kv.Get(ctx, chatsKey)
	if err != nil {
		return nil, err
	}
	chats := make(map[string]models.Chat)
	if !ok || len(data) == 0 {
		return chats, nil
	}
	if err := json.Unmarshal(data, &chats); err != nil {
		return make(map[string]models.Chat), nil
	}
	return chats, nil
}
