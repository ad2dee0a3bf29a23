package models

import "time"

// DefaultConversationTitle is the placeholder assigned until the first
// exchange derives a real title from the user's message.
const DefaultConversationTitle = "New Conversation"

// Conversation groups a sequence of message exchanges. Visible and mutable
// only by its owning user.
type Conversation struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
