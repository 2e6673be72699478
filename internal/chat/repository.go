// Package chat is the two-tier chat repository: the realtime store is the
// primary copy and the local cache is a fallback mirror. Every successful
// store read overwrites the cached copy; the cache is read only when the
// store fails or has nothing.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/diora/switchboard/internal/cache"
	"github.com/diora/switchboard/internal/models"
	"github.com/diora/switchboard/internal/realtime"
)

// Root is the store path holding every chat session.
const Root = "chats"

// ErrNotFound is returned when neither the store nor the cache knows a session.
var ErrNotFound = errors.New("chat: session not found")

// Source says which tier answered a read.
type Source string

const (
	SourceStore Source = "store"
	SourceCache Source = "cache"
)

// Path helpers for the store layout.
func ChatPath(id string) string     { return realtime.JoinPath(Root, id) }
func InfoPath(id string) string     { return realtime.JoinPath(Root, id, "info") }
func MessagesPath(id string) string { return realtime.JoinPath(Root, id, "messages") }
func HistoryPath(id string) string  { return realtime.JoinPath(Root, id, "statusHistory") }

// Repository reads and writes chat sessions.
type Repository struct {
	store  realtime.Store
	cache  *cache.Cache
	logger *log.Logger
}

// Opts holds parameters for creating a Repository.
type Opts struct {
	Store  realtime.Store
	Cache  *cache.Cache // defaults to an in-memory cache
	Logger *log.Logger
}

// New creates a Repository.
func New(opts Opts) (*Repository, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("chat: store is required")
	}
	c := opts.Cache
	if c == nil {
		c = cache.NewMemory()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Repository{store: opts.Store, cache: c, logger: logger}, nil
}

// Cache returns the fallback cache.
func (r *Repository) Cache() *cache.Cache { return r.cache }

// Store returns the primary store.
func (r *Repository) Store() realtime.Store { return r.store }

// CreateSession creates a new active session for userID and returns its id.
// Start and last-activity times are assigned by the store.
func (r *Repository) CreateSession(ctx context.Context, userID, userAgent string) (string, error) {
	info := map[string]any{
		"userId":       userID,
		"startTime":    realtime.ServerTimestamp,
		"lastActivity": realtime.ServerTimestamp,
		"status":       models.StatusActive,
		"sessionCount": 1,
	}
	if userAgent != "" {
		info["userAgent"] = userAgent
	}
	id, err := r.store.Push(ctx, Root, map[string]any{"info": info})
	if err != nil {
		return "", fmt.Errorf("chat: create session: %w", err)
	}
	r.refreshInfo(ctx, id)
	return id, nil
}

// Info returns a session's info. The cached copy is used only if the store
// read fails or finds nothing.
func (r *Repository) Info(ctx context.Context, id string) (models.SessionInfo, Source, error) {
	info, found, err := r.StoreInfo(ctx, id)
	if err == nil && found {
		return info, SourceStore, nil
	}
	if err != nil {
		r.logger.Printf("chat: read %s from store: %v", id, err)
	}
	chat, ok, cerr := r.cache.Chat(ctx, id)
	if cerr == nil && ok {
		return chat.Info, SourceCache, nil
	}
	if err != nil {
		return models.SessionInfo{}, "", fmt.Errorf("chat: info %s: %w", id, err)
	}
	return models.SessionInfo{}, "", fmt.Errorf("chat: info %s: %w", id, ErrNotFound)
}

// StoreInfo reads a session's info from the store only. found is false when
// the store answered but holds no info node for id. A successful read
// refreshes the cached copy.
func (r *Repository) StoreInfo(ctx context.Context, id string) (info models.SessionInfo, found bool, err error) {
	snap, err := r.store.Get(ctx, InfoPath(id))
	if err != nil {
		return models.SessionInfo{}, false, err
	}
	if !snap.Exists() {
		return models.SessionInfo{}, false, nil
	}
	if err := snap.Decode(&info); err != nil {
		return models.SessionInfo{}, false, err
	}
	r.mirror("save info", id, r.cache.SaveInfo(ctx, id, info))
	return info, true, nil
}

// UpdateInfo writes info fields of one session in a single atomic update.
// Keys are field names relative to the info node.
func (r *Repository) UpdateInfo(ctx context.Context, id string, fields map[string]any) error {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[realtime.JoinPath(InfoPath(id), k)] = v
	}
	if err := r.store.Update(ctx, values); err != nil {
		return fmt.Errorf("chat: update %s: %w", id, err)
	}
	r.refreshInfo(ctx, id)
	return nil
}

// AppendMessage adds a message with a store-generated id and timestamp and
// returns the stored message.
func (r *Repository) AppendMessage(ctx context.Context, id string, msg models.Message) (models.Message, error) {
	value := map[string]any{
		"text":      msg.Text,
		"sender":    msg.Sender,
		"timestamp": realtime.ServerTimestamp,
	}
	if msg.Type != "" {
		value["type"] = msg.Type
	}
	key, err := r.store.Push(ctx, MessagesPath(id), value)
	if err != nil {
		return models.Message{}, fmt.Errorf("chat: append message to %s: %w", id, err)
	}
	stored := msg
	stored.ID = key
	if snap, err := r.store.Get(ctx, realtime.JoinPath(MessagesPath(id), key)); err == nil && snap.Exists() {
		snap.Decode(&stored)
		stored.ID = key
	}
	r.mirror("add message", id, r.cache.AddMessage(ctx, id, stored))
	return stored, nil
}

// AppendHistory adds a status history entry with a store-generated id and
// timestamp.
func (r *Repository) AppendHistory(ctx context.Context, id string, entry models.StatusHistory) (models.StatusHistory, error) {
	key, err := r.store.Push(ctx, HistoryPath(id), map[string]any{
		"from":        entry.From,
		"to":          entry.To,
		"timestamp":   realtime.ServerTimestamp,
		"reason":      entry.Reason,
		"triggeredBy": entry.TriggeredBy,
	})
	if err != nil {
		return models.StatusHistory{}, fmt.Errorf("chat: append history to %s: %w", id, err)
	}
	stored := entry
	stored.ID = key
	if snap, err := r.store.Get(ctx, realtime.JoinPath(HistoryPath(id), key)); err == nil && snap.Exists() {
		snap.Decode(&stored)
		stored.ID = key
	}
	r.mirror("add history", id, r.cache.AddHistory(ctx, id, stored))
	return stored, nil
}

// Chat returns one full session record.
func (r *Repository) Chat(ctx context.Context, id string) (models.Chat, Source, error) {
	snap, err := r.store.Get(ctx, ChatPath(id))
	if err == nil && snap.Exists() {
		chat, derr := decodeChat(id, snap.Value)
		if derr == nil {
			r.mirror("replace chat", id, r.cache.ReplaceChat(ctx, chat))
			return chat, SourceStore, nil
		}
		err = derr
	}
	if err != nil {
		r.logger.Printf("chat: read %s from store: %v", id, err)
	}
	chat, ok, cerr := r.cache.Chat(ctx, id)
	if cerr == nil && ok {
		return chat, SourceCache, nil
	}
	if err != nil {
		return models.Chat{}, "", fmt.Errorf("chat: get %s: %w", id, err)
	}
	return models.Chat{}, "", fmt.Errorf("chat: get %s: %w", id, ErrNotFound)
}

// Chats returns every session, most recently started first.
func (r *Repository) Chats(ctx context.Context) ([]models.Chat, Source, error) {
	snap, err := r.store.Get(ctx, Root)
	if err == nil && snap.Exists() {
		chats, derr := decodeChats(snap.Value)
		if derr == nil {
			r.mirror("replace all", "", r.cache.ReplaceAll(ctx, chats))
			return chats, SourceStore, nil
		}
		err = derr
	}
	if err != nil {
		r.logger.Printf("chat: read sessions from store: %v", err)
	}
	chats, cerr := r.cache.AllChats(ctx)
	if cerr != nil {
		if err != nil {
			return nil, "", fmt.Errorf("chat: list: %w", err)
		}
		return nil, "", fmt.Errorf("chat: list: %w", cerr)
	}
	return chats, SourceCache, nil
}

// WatchChats calls fn with every session each time any of them changes. If
// the store has no sessions or the subscription cannot be established, fn
// receives the cached sessions instead.
func (r *Repository) WatchChats(ctx context.Context, fn func([]models.Chat, Source)) func() {
	fromCache := func() {
		chats, err := r.cache.AllChats(ctx)
		if err != nil {
			r.logger.Printf("chat: read cached sessions: %v", err)
			return
		}
		fn(chats, SourceCache)
	}
	cancel, err := r.store.Subscribe(Root, func(snap realtime.Snapshot) {
		if !snap.Exists() {
			fromCache()
			return
		}
		chats, err := decodeChats(snap.Value)
		if err != nil {
			r.logger.Printf("chat: decode sessions: %v", err)
			fromCache()
			return
		}
		r.mirror("replace all", "", r.cache.ReplaceAll(ctx, chats))
		fn(chats, SourceStore)
	})
	if err != nil {
		r.logger.Printf("chat: subscribe to sessions: %v", err)
		fromCache()
		return func() {}
	}
	return cancel
}

// WatchMessages calls fn with a session's messages, in order, each time they
// change.
func (r *Repository) WatchMessages(ctx context.Context, id string, fn func([]models.Message, Source)) func() {
	fromCache := func() {
		chat, ok, err := r.cache.Chat(ctx, id)
		if err != nil {
			r.logger.Printf("chat: read cached messages for %s: %v", id, err)
			return
		}
		if ok {
			fn(chat.Messages, SourceCache)
		} else {
			fn(nil, SourceCache)
		}
	}
	cancel, err := r.store.Subscribe(MessagesPath(id), func(snap realtime.Snapshot) {
		if !snap.Exists() {
			fromCache()
			return
		}
		msgs, err := decodeMessages(snap.Value)
		if err != nil {
			r.logger.Printf("chat: decode messages for %s: %v", id, err)
			fromCache()
			return
		}
		r.mirror("save messages", id, r.cache.SaveMessages(ctx, id, msgs))
		fn(msgs, SourceStore)
	})
	if err != nil {
		r.logger.Printf("chat: subscribe to messages for %s: %v", id, err)
		fromCache()
		return func() {}
	}
	return cancel
}

// WatchInfo calls fn with a session's info each time it changes. Missing
// info is not delivered.
func (r *Repository) WatchInfo(ctx context.Context, id string, fn func(models.SessionInfo)) func() {
	cancel, err := r.store.Subscribe(InfoPath(id), func(snap realtime.Snapshot) {
		if !snap.Exists() {
			return
		}
		var info models.SessionInfo
		if err := snap.Decode(&info); err != nil {
			r.logger.Printf("chat: decode info for %s: %v", id, err)
			return
		}
		r.mirror("save info", id, r.cache.SaveInfo(ctx, id, info))
		fn(info)
	})
	if err != nil {
		r.logger.Printf("chat: subscribe to info for %s: %v", id, err)
		return func() {}
	}
	return cancel
}

func (r *Repository) refreshInfo(ctx context.Context, id string) {
	snap, err := r.store.Get(ctx, InfoPath(id))
	if err != nil || !snap.Exists() {
		return
	}
	var info models.SessionInfo
	if err := snap.Decode(&info); err != nil {
		return
	}
	r.mirror("save info", id, r.cache.SaveInfo(ctx, id, info))
}

// mirror logs cache write failures. The cache is a mirror; its errors never
// fail a store operation.
func (r *Repository) mirror(op, id string, err error) {
	if err != nil {
		r.logger.Printf("chat: cache %s %s: %v", op, id, err)
	}
}
