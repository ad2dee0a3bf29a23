package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a conversation. Rows are append-only and ordered
// by creation time; intent, confidence and entities are set only on
// assistant messages that carry engine output.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Intent         *string   `json:"intent,omitempty"`
	Confidence     *float64  `json:"confidence,omitempty"`
	Entities       []string  `json:"entities,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
