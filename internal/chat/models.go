package chat

import (
	"time"

	"gorm.io/datatypes"
)

// DefaultTitle is the placeholder title of a conversation nobody has named.
const DefaultTitle = "New Chat"

// Roles as stored. The wire protocol upper-cases them.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type MessageStatus string

const (
	StatusStreaming   MessageStatus = "STREAMING"
	StatusComplete    MessageStatus = "COMPLETE"
	StatusInterrupted MessageStatus = "INTERRUPTED"
	StatusError       MessageStatus = "ERROR"
)

// Terminal reports whether s is a final state.
func (s MessageStatus) Terminal() bool {
	return s == StatusComplete || s == StatusInterrupted || s == StatusError
}

type Conversation struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ConversationID string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"conversation_id"`
	Title          string    `gorm:"type:varchar(255);not null;default:'New Chat'" json:"title"`
	Model          string    `gorm:"type:varchar(128);not null" json:"model"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

type Message struct {
	// ID orders messages by creation.
	ID               uint64         `gorm:"primaryKey;autoIncrement" json:"-"`
	MessageID        string         `gorm:"type:varchar(36);uniqueIndex;not null" json:"message_id"`
	ConversationID   string         `gorm:"type:varchar(36);not null;index:idx_msg_conv_parent,priority:1" json:"conversation_id"`
	Role             string         `gorm:"type:varchar(16);index;not null" json:"role"`
	Content          string         `gorm:"type:text;not null" json:"content"`
	Status           MessageStatus  `gorm:"type:varchar(16);index;not null" json:"status"`
	ParentID         *string        `gorm:"type:varchar(36);index:idx_msg_conv_parent,priority:2" json:"parent_id"`
	VariantIndex     int            `gorm:"not null;default:0" json:"variant_index"`
	Model            string         `gorm:"type:varchar(128)" json:"model"`
	PromptTokens     int            `gorm:"not null;default:0" json:"prompt_tokens"`
	CompletionTokens int            `gorm:"not null;default:0" json:"completion_tokens"`
	FinishReason     *string        `gorm:"type:varchar(64)" json:"finish_reason"`
	StructuredData   datatypes.JSON `json:"structured_data,omitempty"`
	VizConfig        datatypes.JSON `json:"viz_config,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (Message) TableName() string { return "messages" }

// Models lists every table owned by this package, in migration order.
func Models() []any {
	return []any{&Conversation{}, &Message{}, &Job{}}
}
