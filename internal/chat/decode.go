package chat

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/diora/switchboard/internal/cache"
	"github.com/diora/switchboard/internal/models"
)

// storedChat is the store layout of one session: messages and history are
// maps keyed by push id.
type storedChat struct {
	Info          models.SessionInfo              `json:"info"`
	Messages      map[string]models.Message       `json:"messages"`
	StatusHistory map[string]models.StatusHistory `json:"statusHistory"`
}

func decodeInto(v any, dst any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func decodeChat(id string, v any) (models.Chat, error) {
	var sc storedChat
	if err := decodeInto(v, &sc); err != nil {
		return models.Chat{}, fmt.Errorf("chat: decode %s: %w", id, err)
	}
	return sc.toChat(id), nil
}

func (sc storedChat) toChat(id string) models.Chat {
	chat := models.Chat{
		ID:            id,
		Info:          sc.Info,
		Messages:      make([]models.Message, 0, len(sc.Messages)),
		StatusHistory: make([]models.StatusHistory, 0, len(sc.StatusHistory)),
	}
	for k, m := range sc.Messages {
		m.ID = k
		chat.Messages = append(chat.Messages, m)
	}
	for k, h := range sc.StatusHistory {
		h.ID = k
		chat.StatusHistory = append(chat.StatusHistory, h)
	}
	models.SortMessages(chat.Messages)
	models.SortHistory(chat.StatusHistory)
	return chat
}

func decodeChats(v any) ([]models.Chat, error) {
	var all map[string]storedChat
	if err := decodeInto(v, &all); err != nil {
		return nil, fmt.Errorf("chat: decode sessions: %w", err)
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	chats := make([]models.Chat, 0, len(all))
	for _, k := range keys {
		chats = append(chats, all[k].toChat(k))
	}
	cache.SortByStartDesc(chats)
	return chats, nil
}

func decodeMessages(v any) ([]models.Message, error) {
	var byKey map[string]models.Message
	if err := decodeInto(v, &byKey); err != nil {
		return nil, fmt.Errorf("chat: decode messages: %w", err)
	}
	msgs := make([]models.Message, 0, len(byKey))
	for k, m := range byKey {
		m.ID = k
		msgs = append(msgs, m)
	}
	models.SortMessages(msgs)
	return msgs, nil
}
