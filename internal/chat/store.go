package chat

import "context"

// MessageFilter selects messages of one conversation. Empty fields match
// everything.
type MessageFilter struct {
	ConversationID string
	Roles          []string
	Statuses       []MessageStatus
	ParentID       *string
}

// Store is the persistence boundary of the chat package. Lookups of unknown
// ids return ErrNotFound. Message lists are in creation order.
type Store interface {
	CreateConversation(ctx context.Context, c *Conversation, seed ...*Message) error
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
	ListConversations(ctx context.Context, limit, offset int) ([]Conversation, error)
	UpdateConversation(ctx context.Context, conversationID string, fields map[string]any) error
	// SetTitleIf replaces the title only while it still equals expected.
	SetTitleIf(ctx context.Context, conversationID, expected, title string) (bool, error)
	DeleteConversation(ctx context.Context, conversationID string) error

	InsertMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, messageID string) (*Message, error)
	ListMessages(ctx context.Context, f MessageFilter) ([]Message, error)
	UpdateMessage(ctx context.Context, messageID string, fields map[string]any) error
	LastNonUserMessage(ctx context.Context, conversationID string) (*Message, error)
	// MaxVariantIndex returns -1 when parentID has no assistant answers.
	MaxVariantIndex(ctx context.Context, conversationID, parentID string) (int, error)
	// InterruptStreaming moves STREAMING assistant rows of the conversation
	// (optionally only those answering parentID) to INTERRUPTED.
	InterruptStreaming(ctx context.Context, conversationID string, parentID *string, reason string) (int64, error)

	CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error)
	GetJobByID(ctx context.Context, id string) (*Job, error)
	UpdateJobStatusRunning(ctx context.Context, id string) error
	MarkJobSucceeded(ctx context.Context, id string, assistantMessageID string) error
	MarkJobFailed(ctx context.Context, id string, errMsg string) error
	// RequeueJob puts a failed attempt back to queued with the request the
	// next attempt replays.
	RequeueJob(ctx context.Context, id string, request []byte, errMsg string) error
}
