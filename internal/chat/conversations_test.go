package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"finchat/internal/models"
)

func TestCreateConversationDefaults(t *testing.T) {
	svc, db := newTestService(t)
	userID := seedUser(t, db, "ada")

	conv, err := svc.CreateConversation(context.Background(), userID, "  ")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if conv.Title != models.DefaultConversationTitle {
		t.Fatalf("title = %q, want default", conv.Title)
	}
	if conv.ID == 0 || conv.UserID != userID {
		t.Fatalf("conversation = %+v", conv)
	}

	if _, err := svc.CreateConversation(context.Background(), 0, "x"); err == nil {
		t.Fatal("expected error for missing user id")
	}
}

func TestListConversationsOrdersByActivity(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := seedUser(t, db, "lee")
	other := seedUser(t, db, "other")

	first := seedConversation(t, db, userID, "first")
	second := seedConversation(t, db, userID, "second")
	seedConversation(t, db, other, "foreign")

	// Touching the older conversation moves it to the front.
	if _, err := db.Exec(
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Add(time.Minute), first,
	); err != nil {
		t.Fatalf("touch conversation: %v", err)
	}

	list, err := svc.ListConversations(ctx, userID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("listed %d conversations, want 2", len(list))
	}
	if list[0].ID != first || list[1].ID != second {
		t.Fatalf("order = [%d %d], want [%d %d]", list[0].ID, list[1].ID, first, second)
	}
}

func TestGetConversationWithMessages(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := seedUser(t, db, "mia")
	convID := seedConversation(t, db, userID, models.DefaultConversationTitle)

	if _, err := svc.Exchange(ctx, userID, convID, "hello there"); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	conv, messages, err := svc.GetConversationWithMessages(ctx, userID, convID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conv.ID != convID {
		t.Fatalf("conversation id = %d", conv.ID)
	}
	if len(messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(messages))
	}
	if messages[0].Role != models.RoleUser || messages[1].Role != models.RoleAssistant {
		t.Fatalf("roles = %q, %q", messages[0].Role, messages[1].Role)
	}

	if _, _, err := svc.GetConversationWithMessages(ctx, userID+1, convID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("foreign access err = %v", err)
	}
}

func TestDeleteConversation(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := seedUser(t, db, "nina")
	convID := seedConversation(t, db, userID, "to delete")

	if _, err := svc.Exchange(ctx, userID, convID, "hello"); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	if err := svc.DeleteConversation(ctx, userID, convID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := countMessages(t, db, convID); n != 0 {
		t.Fatalf("messages left after delete: %d", n)
	}
	if err := svc.DeleteConversation(ctx, userID, convID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestUpdateTitle(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := seedUser(t, db, "omar")
	convID := seedConversation(t, db, userID, "old title")

	if err := svc.UpdateTitle(ctx, userID, convID, "  new title  "); err != nil {
		t.Fatalf("update: %v", err)
	}
	var title string
	if err := db.QueryRow(`SELECT title FROM conversations WHERE id = ?`, convID).Scan(&title); err != nil {
		t.Fatalf("read title: %v", err)
	}
	if title != "new title" {
		t.Fatalf("title = %q", title)
	}

	if err := svc.UpdateTitle(ctx, userID, convID, "   "); err == nil {
		t.Fatal("expected error for blank title")
	}
	if err := svc.UpdateTitle(ctx, userID+1, convID, "hijack"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("foreign update err = %v", err)
	}
}

func TestSearchConversations(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := seedUser(t, db, "pia")

	budget := seedConversation(t, db, userID, "Budget planning")
	groceries := seedConversation(t, db, userID, "Chats")
	if _, err := db.Exec(
		`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		groceries, models.RoleUser, "how much for GROCERIES", time.Now().UTC(),
	); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	// Title match, case-insensitive.
	found, err := svc.SearchConversations(ctx, userID, "bUdGeT")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 || found[0].ID != budget {
		t.Fatalf("title search = %+v", found)
	}

	// Message content match.
	found, err = svc.SearchConversations(ctx, userID, "groceries")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 || found[0].ID != groceries {
		t.Fatalf("content search = %+v", found)
	}

	// Blank query returns an empty result, not everything.
	found, err = svc.SearchConversations(ctx, userID, "   ")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("blank search returned %d results", len(found))
	}
}
