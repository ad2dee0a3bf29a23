package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"finchat/internal/models"
	"finchat/internal/redis"
)

const historyCacheTTL = 30 * time.Minute

// HistoryCache keeps recently read conversation messages in redis so repeat
// reads skip the database. Entries are invalidated whenever an exchange or
// delete changes the conversation. All operations are best-effort; a nil
// cache or redis failure falls through to the database.
type HistoryCache struct {
	client *redis.Client
	log    *zap.Logger
}

func NewHistoryCache(client *redis.Client, logger *zap.Logger) *HistoryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryCache{client: client, log: logger}
}

func historyKey(conversationID int64) string {
	return fmt.Sprintf("chat:history:%d", conversationID)
}

// Load returns the cached messages for a conversation, if present.
func (h *HistoryCache) Load(ctx context.Context, conversationID int64) ([]*models.Message, bool) {
	if h == nil || h.client == nil || conversationID <= 0 {
		return nil, false
	}
	raw, err := h.client.Get(ctx, historyKey(conversationID))
	if err != nil {
		if err != redis.ErrCacheMiss {
			h.log.Warn("history cache read failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
		}
		return nil, false
	}
	var messages []*models.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		h.log.Warn("history cache decode failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
		return nil, false
	}
	return messages, true
}

// Store caches the full ordered message list for a conversation.
func (h *HistoryCache) Store(ctx context.Context, conversationID int64, messages []*models.Message) {
	if h == nil || h.client == nil || conversationID <= 0 {
		return
	}
	data, err := json.Marshal(messages)
	if err != nil {
		h.log.Warn("history cache encode failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
		return
	}
	if err := h.client.Set(ctx, historyKey(conversationID), data, historyCacheTTL); err != nil {
		h.log.Warn("history cache write failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
	}
}

// Invalidate drops the cached messages for a conversation.
func (h *HistoryCache) Invalidate(ctx context.Context, conversationID int64) {
	if h == nil || h.client == nil || conversationID <= 0 {
		return
	}
	if err := h.client.Del(ctx, historyKey(conversationID)); err != nil && err != redis.ErrCacheMiss {
		h.log.Warn("history cache invalidation failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
	}
}
