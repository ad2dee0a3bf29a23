package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"finchat/internal/models"
)

// CreateConversation inserts a new conversation for the user and returns the record.
func (s *Service) CreateConversation(ctx context.Context, userID int64, title string) (*models.Conversation, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = models.DefaultConversationTitle
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		userID, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	return &models.Conversation{ID: id, UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// ListConversations returns all conversations for a user ordered by last activity.
func (s *Service) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// GetConversationWithMessages returns one conversation and its ordered
// messages, reading the message list through the history cache.
func (s *Service) GetConversationWithMessages(ctx context.Context, userID, conversationID int64) (*models.Conversation, []*models.Message, error) {
	var conv models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrConversationNotFound
		}
		return nil, nil, fmt.Errorf("get conversation: %w", err)
	}

	if cached, ok := s.history.Load(ctx, conversationID); ok {
		return &conv, cached, nil
	}

	messages, err := s.listMessages(ctx, conversationID)
	if err != nil {
		return &conv, nil, err
	}
	s.history.Store(ctx, conversationID, messages)
	return &conv, messages, nil
}

func (s *Service) listMessages(ctx context.Context, conversationID int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, intent, confidence, entities, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	var (
		msg        models.Message
		intent     sql.NullString
		confidence sql.NullFloat64
		entities   sql.NullString
	)
	if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
		&intent, &confidence, &entities, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if intent.Valid {
		msg.Intent = &intent.String
	}
	if confidence.Valid {
		msg.Confidence = &confidence.Float64
	}
	if entities.Valid && entities.String != "" {
		if err := json.Unmarshal([]byte(entities.String), &msg.Entities); err != nil {
			return nil, fmt.Errorf("decode entities: %w", err)
		}
	}
	return &msg, nil
}

// DeleteConversation removes a conversation and all related messages for the user.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID int64) error {
	if conversationID <= 0 {
		return errors.New("invalid conversation id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConversationNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	committed = true
	s.history.Invalidate(ctx, conversationID)
	return nil
}

// UpdateTitle sets a conversation title for the specified user.
func (s *Service) UpdateTitle(ctx context.Context, userID, conversationID int64, title string) error {
	if conversationID <= 0 {
		return errors.New("invalid conversation id")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		title, time.Now().UTC(), conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// SearchConversations matches the query against conversation titles and
// message contents, newest activity first.
func (s *Service) SearchConversations(ctx context.Context, userID int64, query string) ([]models.Conversation, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []models.Conversation{}, nil
	}
	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT c.id, c.user_id, c.title, c.created_at, c.updated_at
		 FROM conversations c
		 LEFT JOIN messages m ON m.conversation_id = c.id
		 WHERE c.user_id = ? AND (LOWER(c.title) LIKE ? OR LOWER(m.content) LIKE ?)
		 ORDER BY c.updated_at DESC`,
		userID, pattern, pattern,
	)
	if err != nil {
		return nil, fmt.Errorf("search conversations: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}
