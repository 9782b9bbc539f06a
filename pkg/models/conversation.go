package models

import (
	"encoding/json"
	"time"
)

// Message roles stored in the conversation store.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn of a conversation.
type Message struct {
	ID             string          `json:"id" db:"id"`
	ConversationID string          `json:"conversation_id" db:"conversation_id"`
	Role           string          `json:"role" db:"role"`
	Content        string          `json:"content" db:"content"`
	Parts          json.RawMessage `json:"parts,omitempty" db:"parts"`
	Annotations    json.RawMessage `json:"annotations,omitempty" db:"annotations"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// QAPair links a user question to the assistant message that answered it.
type QAPair struct {
	UserMessageID      string `json:"user_message_id" db:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id" db:"assistant_message_id"`
	Question           string `json:"question" db:"question"`
}
