package wire

import (
	"encoding/json"
	"time"
)

// Roles on the wire.
const (
	RoleSystem    = "SYSTEM"
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
)

// Message statuses.
const (
	StatusStreaming   = "STREAMING"
	StatusComplete    = "COMPLETE"
	StatusInterrupted = "INTERRUPTED"
	StatusError       = "ERROR"
)

// Finish reasons recorded on assistant rows that did not complete.
const (
	ReasonUserCancelled    = "user_cancelled"
	ReasonUserEditedPrompt = "user_edited_prompt"
	ReasonError            = "error"
	// ReasonOrphaned marks rows left streaming by a process that went away.
	ReasonOrphaned = "orphaned"
)

type Message struct {
	ID               string          `json:"id"`
	ConversationID   string          `json:"conversationId"`
	Role             string          `json:"role"`
	Content          string          `json:"content"`
	Status           string          `json:"status"`
	ParentID         *string         `json:"parentId"`
	VariantIndex     int             `json:"variantIndex"`
	Model            string          `json:"model,omitempty"`
	PromptTokens     int             `json:"promptTokens"`
	CompletionTokens int             `json:"completionTokens"`
	FinishReason     *string         `json:"finishReason,omitempty"`
	StructuredData   json.RawMessage `json:"structuredData,omitempty"`
	VizConfig        json.RawMessage `json:"vizConfig,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ConversationDetail struct {
	Conversation
	Messages []Message `json:"messages"`
}

// Job is the read model of a queued generation.
type Job struct {
	JobID              string  `json:"job_id"`
	ConversationID     string  `json:"conversation_id"`
	Status             string  `json:"status"`
	AssistantMessageID *string `json:"assistant_message_id,omitempty"`
	Error              *string `json:"error,omitempty"`
}
