package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"finchat/internal/config"
	"finchat/internal/engine"
	"finchat/internal/models"
	"finchat/internal/storage"
)

var testDBSeq atomic.Int64

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:chat_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	db := newTestDB(t)
	registry := engine.NewRegistry(func(ctx context.Context) (*engine.Engine, error) {
		return engine.New(ctx, &config.Config{}, nil)
	}, zap.NewNop())
	svc := NewService(db, registry, NewHistoryCache(nil, nil), zap.NewNop())
	return svc, db
}

func seedUser(t *testing.T, db *sql.DB, username string) int64 {
	t.Helper()
	res, err := db.Exec(
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, "hash", time.Now().UTC(),
	)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

func seedConversation(t *testing.T, db *sql.DB, userID int64, title string) int64 {
	t.Helper()
	now := time.Now().UTC()
	res, err := db.Exec(
		`INSERT INTO conversations (user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		userID, title, now, now,
	)
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

func countMessages(t *testing.T, db *sql.DB, conversationID int64) int {
	t.Helper()
	var n int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&n); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return n
}

func TestExchangePersistsMessagePair(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := seedUser(t, db, "alice")
	convID := seedConversation(t, db, userID, models.DefaultConversationTitle)

	content := "How much did I spend on rent this month?"
	result, err := svc.Exchange(ctx, userID, convID, content)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	if result.UserMessage == nil || result.UserMessage.ID == 0 {
		t.Fatal("user message not persisted")
	}
	if result.UserMessage.Content != content {
		t.Fatalf("user content = %q", result.UserMessage.Content)
	}
	if result.AssistantMessage == nil || result.AssistantMessage.Role != models.RoleAssistant {
		t.Fatalf("assistant message = %+v", result.AssistantMessage)
	}
	if result.AssistantMessage.Intent == nil || *result.AssistantMessage.Intent != "spending_summary" {
		t.Fatalf("assistant intent = %v", result.AssistantMessage.Intent)
	}
	if got, ok := result.Understanding["intent"]; !ok || got != "spending_summary" {
		t.Fatalf("understanding = %#v", result.Understanding)
	}
	if len(result.AssistantMessage.Entities) != 1 || result.AssistantMessage.Entities[0] != "rent" {
		t.Fatalf("entities = %v", result.AssistantMessage.Entities)
	}

	if n := countMessages(t, db, convID); n != 2 {
		t.Fatalf("persisted %d messages, want 2", n)
	}

	var title string
	if err := db.QueryRow(`SELECT title FROM conversations WHERE id = ?`, convID).Scan(&title); err != nil {
		t.Fatalf("read title: %v", err)
	}
	if title != content {
		t.Fatalf("title = %q, want first message content", title)
	}
}

func TestExchangeRejectsEmptyContent(t *testing.T) {
	svc, db := newTestService(t)
	userID := seedUser(t, db, "bob")
	convID := seedConversation(t, db, userID, models.DefaultConversationTitle)

	if _, err := svc.Exchange(context.Background(), userID, convID, "   "); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("err = %v, want ErrEmptyContent", err)
	}
	if n := countMessages(t, db, convID); n != 0 {
		t.Fatalf("persisted %d messages, want 0", n)
	}
}

func TestExchangeUnknownConversation(t *testing.T) {
	svc, db := newTestService(t)
	userID := seedUser(t, db, "carol")

	if _, err := svc.Exchange(context.Background(), userID, 999, "hello"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("err = %v, want ErrConversationNotFound", err)
	}
	if n := countMessages(t, db, 999); n != 0 {
		t.Fatalf("persisted %d messages, want 0", n)
	}
}

func TestExchangeForeignConversation(t *testing.T) {
	svc, db := newTestService(t)
	owner := seedUser(t, db, "owner")
	intruder := seedUser(t, db, "intruder")
	convID := seedConversation(t, db, owner, "private")

	if _, err := svc.Exchange(context.Background(), intruder, convID, "hello"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("err = %v, want ErrConversationNotFound", err)
	}
	if n := countMessages(t, db, convID); n != 0 {
		t.Fatalf("persisted %d messages, want 0", n)
	}
}

func TestExchangeDegradesOnInitFailure(t *testing.T) {
	db := newTestDB(t)
	registry := engine.NewRegistry(func(ctx context.Context) (*engine.Engine, error) {
		return nil, errors.New("provider unreachable")
	}, zap.NewNop())
	svc := NewService(db, registry, NewHistoryCache(nil, nil), zap.NewNop())

	userID := seedUser(t, db, "dave")
	convID := seedConversation(t, db, userID, models.DefaultConversationTitle)

	result, err := svc.Exchange(context.Background(), userID, convID, "what is my budget")
	if err != nil {
		t.Fatalf("exchange should degrade, got error: %v", err)
	}
	if result.AssistantMessage.Content != initApology {
		t.Fatalf("assistant content = %q", result.AssistantMessage.Content)
	}
	if got := result.Understanding["error"]; got == nil {
		t.Fatalf("understanding = %#v", result.Understanding)
	}
	if n := countMessages(t, db, convID); n != 2 {
		t.Fatalf("persisted %d messages, want 2", n)
	}
}

func TestExchangeDegradesOnAcquireTimeout(t *testing.T) {
	db := newTestDB(t)
	registry := engine.NewRegistry(func(ctx context.Context) (*engine.Engine, error) {
		return nil, engine.ErrAcquireTimeout
	}, zap.NewNop())
	svc := NewService(db, registry, NewHistoryCache(nil, nil), zap.NewNop())

	userID := seedUser(t, db, "tim")
	convID := seedConversation(t, db, userID, models.DefaultConversationTitle)
	if _, err := db.Exec(
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour), convID,
	); err != nil {
		t.Fatalf("backdate conversation: %v", err)
	}

	result, err := svc.Exchange(context.Background(), userID, convID, "show my expenses")
	if err != nil {
		t.Fatalf("exchange should degrade, got error: %v", err)
	}
	if result.AssistantMessage.Content != timeoutApology {
		t.Fatalf("assistant content = %q", result.AssistantMessage.Content)
	}
	if got := result.Understanding["error"]; got != "timeout" {
		t.Fatalf("understanding = %#v", result.Understanding)
	}
	if n := countMessages(t, db, convID); n != 2 {
		t.Fatalf("persisted %d messages, want 2", n)
	}

	var updatedAt time.Time
	if err := db.QueryRow(`SELECT updated_at FROM conversations WHERE id = ?`, convID).Scan(&updatedAt); err != nil {
		t.Fatalf("read updated_at: %v", err)
	}
	if time.Since(updatedAt) > time.Minute {
		t.Fatalf("updated_at not advanced: %v", updatedAt)
	}
}

func TestExchangeKeepsCustomTitle(t *testing.T) {
	svc, db := newTestService(t)
	userID := seedUser(t, db, "erin")
	convID := seedConversation(t, db, userID, "Monthly budget review")

	if _, err := svc.Exchange(context.Background(), userID, convID, "how much did I spend"); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	var title string
	if err := db.QueryRow(`SELECT title FROM conversations WHERE id = ?`, convID).Scan(&title); err != nil {
		t.Fatalf("read title: %v", err)
	}
	if title != "Monthly budget review" {
		t.Fatalf("custom title overwritten: %q", title)
	}
}

func TestDeriveTitleTruncation(t *testing.T) {
	long := strings.Repeat("a", 70)
	got := deriveTitle(long)
	if got != strings.Repeat("a", 50)+"..." {
		t.Fatalf("title = %q", got)
	}

	short := "short title"
	if deriveTitle(short) != short {
		t.Fatalf("short content truncated: %q", deriveTitle(short))
	}

	// Multibyte content must not be cut mid-rune.
	wide := strings.Repeat("金", 60)
	if deriveTitle(wide) != strings.Repeat("金", 50)+"..." {
		t.Fatalf("multibyte title = %q", deriveTitle(wide))
	}
}

func TestHistoryWindowExcludesCurrentAndOrdersChronologically(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := seedUser(t, db, "frank")
	convID := seedConversation(t, db, userID, "history")

	base := time.Now().UTC().Add(-time.Hour)
	for i := 1; i <= 15; i++ {
		role := models.RoleUser
		if i%2 == 0 {
			role = models.RoleAssistant
		}
		if _, err := db.Exec(
			`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			convID, role, fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second),
		); err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
	}
	res, err := db.Exec(
		`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		convID, models.RoleUser, "current", base.Add(16*time.Second),
	)
	if err != nil {
		t.Fatalf("seed current message: %v", err)
	}
	currentID, _ := res.LastInsertId()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()

	history, err := svc.historyWindow(ctx, tx, convID, currentID)
	if err != nil {
		t.Fatalf("history window: %v", err)
	}
	if len(history) != 9 {
		t.Fatalf("history length = %d, want 9", len(history))
	}
	for i, entry := range history {
		want := fmt.Sprintf("m%d", 7+i)
		if entry.Content != want {
			t.Fatalf("history[%d] = %q, want %q", i, entry.Content, want)
		}
		if entry.Content == "current" {
			t.Fatal("history window included the current message")
		}
	}
}

func TestResetContext(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := seedUser(t, db, "grace")
	convID := seedConversation(t, db, userID, models.DefaultConversationTitle)

	if err := svc.ResetContext(ctx, userID, 999); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("err = %v, want ErrConversationNotFound", err)
	}

	// Reset before first exchange is a no-op.
	if err := svc.ResetContext(ctx, userID, convID); err != nil {
		t.Fatalf("reset on cold engine: %v", err)
	}

	if _, err := svc.Exchange(ctx, userID, convID, "hello"); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	eng := svc.registry.Peek()
	if eng == nil || eng.MemorySize() == 0 {
		t.Fatal("engine memory not populated by exchange")
	}
	if err := svc.ResetContext(ctx, userID, convID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if eng.MemorySize() != 0 {
		t.Fatalf("memory size after reset = %d", eng.MemorySize())
	}
}

func TestStatusNormalizesContext(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	status := svc.Status()
	if status.Initialized {
		t.Fatal("status initialized before first exchange")
	}

	userID := seedUser(t, db, "heidi")
	convID := seedConversation(t, db, userID, models.DefaultConversationTitle)
	if _, err := svc.Exchange(ctx, userID, convID, "hello"); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	status = svc.Status()
	if !status.Initialized {
		t.Fatal("status not initialized after exchange")
	}
	categories, ok := status.Context["known_categories"].([]string)
	if !ok {
		t.Fatalf("known_categories = %#v, want sorted []string", status.Context["known_categories"])
	}
	for i := 1; i < len(categories); i++ {
		if categories[i-1] > categories[i] {
			t.Fatalf("categories not sorted: %v", categories)
		}
	}
}
