package wire

import (
	"errors"
	"strings"
)

// GenerateRequest opens a generation for one conversation turn.
type GenerateRequest struct {
	ConversationID      string `json:"conversationId"`
	UserMessage         string `json:"userMessage"`
	Model               string `json:"model,omitempty"`
	SystemPrompt        string `json:"systemPrompt,omitempty"`
	ParentUserMessageID string `json:"parentUserMessageId,omitempty"`
	UserMessageParentID string `json:"userMessageParentId,omitempty"`
	VariantIndex        int    `json:"variantIndex"`
	IsRegeneration      bool   `json:"isRegeneration"`
	IsEditedPrompt      bool   `json:"isEditedPrompt"`

	// Deprecated: use ParentUserMessageID or UserMessageParentID.
	ParentID string `json:"parentId,omitempty"`
}

// Normalize trims identifiers and folds the deprecated ParentID into the
// parent field that applies to the request kind.
func (r *GenerateRequest) Normalize() {
	r.ConversationID = strings.TrimSpace(r.ConversationID)
	r.Model = strings.TrimSpace(r.Model)
	r.ParentUserMessageID = strings.TrimSpace(r.ParentUserMessageID)
	r.UserMessageParentID = strings.TrimSpace(r.UserMessageParentID)

	if p := strings.TrimSpace(r.ParentID); p != "" {
		if r.IsRegeneration {
			if r.ParentUserMessageID == "" {
				r.ParentUserMessageID = p
			}
		} else if r.UserMessageParentID == "" {
			r.UserMessageParentID = p
		}
	}
	r.ParentID = ""
}

func (r GenerateRequest) Validate() error {
	if r.ConversationID == "" {
		return errors.New("conversationId is required")
	}
	if r.VariantIndex < 0 {
		return errors.New("variantIndex must not be negative")
	}
	if r.IsRegeneration {
		if r.IsEditedPrompt {
			return errors.New("a request cannot be both a regeneration and an edit")
		}
		if r.ParentUserMessageID == "" {
			return errors.New("parentUserMessageId is required for regeneration")
		}
		return nil
	}
	if strings.TrimSpace(r.UserMessage) == "" {
		return errors.New("userMessage is required")
	}
	if r.IsEditedPrompt && r.UserMessageParentID == "" {
		return errors.New("userMessageParentId is required for an edited prompt")
	}
	return nil
}

type StopRequest struct {
	ConversationID string `json:"conversationId"`
}

type CreateConversationRequest struct {
	Title        string `json:"title,omitempty"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

type UpdateConversationRequest struct {
	Title *string `json:"title,omitempty"`
	Model *string `json:"model,omitempty"`
}
