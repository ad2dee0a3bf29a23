package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"finchat/internal/engine"
	"finchat/internal/models"
)

var (
	// ErrConversationNotFound covers both missing and foreign-owned conversations.
	ErrConversationNotFound = errors.New("conversation not found")
	ErrEmptyContent         = errors.New("message content cannot be empty")
)

const (
	// historyWindow is the number of most recent rows fetched for context;
	// the just-written user message is dropped from it before the engine call.
	historyWindow = 10

	slowAcquireThreshold = 5 * time.Second

	maxTitleLength = 50

	timeoutApology = "I'm experiencing high load right now and couldn't process your request in time. " +
		"Please try again in a moment."
	initApology = "I'm having trouble initializing my AI models right now. " +
		"Please wait a moment and try again."
)

// Service orchestrates message exchanges between users and the semantic
// engine, and owns conversation persistence.
type Service struct {
	db       *sql.DB
	registry *engine.Registry
	history  *HistoryCache
	log      *zap.Logger
}

func NewService(db *sql.DB, registry *engine.Registry, history *HistoryCache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, registry: registry, history: history, log: logger}
}

// ExchangeResult is what one user-message-in, assistant-message-out round
// trip returns to the HTTP layer.
type ExchangeResult struct {
	UserMessage      *models.Message `json:"user_message"`
	AssistantMessage *models.Message `json:"assistant_message"`
	Data             map[string]any  `json:"data"`
	ChartType        string          `json:"chart_type,omitempty"`
	Understanding    map[string]any  `json:"understanding,omitempty"`
}

// Exchange persists the user message, invokes the engine with bounded
// history, persists the assistant reply and commits all of it atomically.
// Engine timeout and initialization failures degrade to canned apology
// replies; the exchange still commits exactly one user row and one
// assistant row. Any other failure rolls the whole exchange back.
func (s *Service) Exchange(ctx context.Context, userID, conversationID int64, content string) (*ExchangeResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin exchange tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	conv, err := ownedConversation(ctx, tx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	userMsg := &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        content,
		CreatedAt:      now,
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		conversationID, userMsg.Role, userMsg.Content, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user message: %w", err)
	}
	if userMsg.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("user message id: %w", err)
	}

	history, err := s.historyWindow(ctx, tx, conversationID, userMsg.ID)
	if err != nil {
		return nil, err
	}

	acquireStart := time.Now()
	eng, err := s.registry.Acquire(ctx)
	if elapsed := time.Since(acquireStart); elapsed > slowAcquireThreshold {
		s.log.Warn("engine acquisition was slow", zap.Duration("elapsed", elapsed))
	}

	var result *engine.Result
	if err == nil {
		result, err = eng.Process(ctx, engine.Request{
			Query:          content,
			ConversationID: conversationID,
			UserID:         userID,
			History:        history,
		})
	}

	assistantMsg := &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		CreatedAt:      time.Now().UTC(),
	}
	var initErr *engine.InitError
	switch {
	case err == nil:
		assistantMsg.Content = result.Response
		if result.Intent != "" {
			intent := result.Intent
			assistantMsg.Intent = &intent
		}
		if result.Confidence > 0 {
			confidence := result.Confidence
			assistantMsg.Confidence = &confidence
		}
		if raw, ok := result.Understanding["entities"]; ok {
			if entities, ok := Clean(raw).([]string); ok {
				assistantMsg.Entities = entities
			}
		}
	case errors.Is(err, engine.ErrAcquireTimeout) || errors.Is(err, context.DeadlineExceeded):
		s.log.Warn("engine timed out during exchange",
			zap.Int64("conversation_id", conversationID), zap.Error(err))
		assistantMsg.Content = timeoutApology
		result = &engine.Result{
			Response:      timeoutApology,
			Intent:        "error",
			Understanding: map[string]any{"error": "timeout"},
		}
	case errors.As(err, &initErr):
		s.log.Error("engine initialization failed during exchange",
			zap.Int64("conversation_id", conversationID), zap.Error(err))
		assistantMsg.Content = initApology
		result = &engine.Result{
			Response:      initApology,
			Intent:        "error",
			Understanding: map[string]any{"error": initErr.Error()},
		}
	default:
		return nil, fmt.Errorf("process message: %w", err)
	}

	if err := insertAssistantMessage(ctx, tx, assistantMsg); err != nil {
		return nil, err
	}

	title := conv.Title
	if title == "" || title == models.DefaultConversationTitle {
		title = deriveTitle(content)
	}
	touchedAt := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, touchedAt, conversationID,
	); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit exchange: %w", err)
	}
	committed = true
	s.history.Invalidate(ctx, conversationID)

	understanding, _ := Clean(result.Understanding).(map[string]any)
	return &ExchangeResult{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Data:             result.Data,
		ChartType:        result.ChartType,
		Understanding:    understanding,
	}, nil
}

// historyWindow fetches the most recent messages for context, excludes the
// just-written current message, and returns them in chronological order.
func (s *Service) historyWindow(ctx context.Context, tx *sql.Tx, conversationID, currentID int64) ([]engine.HistoryEntry, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, role, content FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		conversationID, historyWindow,
	)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var recent []engine.HistoryEntry
	for rows.Next() {
		var id int64
		var entry engine.HistoryEntry
		if err := rows.Scan(&id, &entry.Role, &entry.Content); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if id == currentID {
			continue
		}
		recent = append(recent, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rows: %w", err)
	}

	// Newest-first from the query; the engine wants chronological.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent, nil
}

func insertAssistantMessage(ctx context.Context, tx *sql.Tx, msg *models.Message) error {
	var entities sql.NullString
	if len(msg.Entities) > 0 {
		data, err := json.Marshal(msg.Entities)
		if err != nil {
			return fmt.Errorf("encode entities: %w", err)
		}
		entities = sql.NullString{String: string(data), Valid: true}
	}
	var intent sql.NullString
	if msg.Intent != nil {
		intent = sql.NullString{String: *msg.Intent, Valid: true}
	}
	var confidence sql.NullFloat64
	if msg.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *msg.Confidence, Valid: true}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, intent, confidence, entities, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Role, msg.Content, intent, confidence, entities, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert assistant message: %w", err)
	}
	if msg.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("assistant message id: %w", err)
	}
	return nil
}

func deriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= maxTitleLength {
		return content
	}
	return string(runes[:maxTitleLength]) + "..."
}

// ResetContext clears the engine's conversational memory for the owner of
// the conversation. A not-yet-initialized engine is left alone.
func (s *Service) ResetContext(ctx context.Context, userID, conversationID int64) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ? AND user_id = ?)`,
		conversationID, userID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("verify conversation: %w", err)
	}
	if !exists {
		return ErrConversationNotFound
	}
	if eng := s.registry.Peek(); eng != nil {
		eng.Reset()
	}
	return nil
}

// Status reports engine state for the status endpoint without triggering
// initialization. The context payload is normalized for JSON transport.
func (s *Service) Status() engine.Status {
	status := s.registry.Status()
	if status.Context != nil {
		if cleaned, ok := Clean(status.Context).(map[string]any); ok {
			status.Context = cleaned
		}
	}
	return status
}

func ownedConversation(ctx context.Context, tx *sql.Tx, userID, conversationID int64) (*models.Conversation, error) {
	var conv models.Conversation
	err := tx.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}
