package chat

import (
	"context"
	"errors"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Repo is the gorm implementation of Store.
type Repo struct {
	db *gorm.DB
}

var _ Store = (*Repo)(nil)

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (r *Repo) CreateConversation(ctx context.Context, c *Conversation, seed ...*Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		for _, m := range seed {
			if err := tx.Create(m).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repo) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// ListConversations returns the most recently updated conversations first.
func (r *Repo) ListConversations(ctx context.Context, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Conversation
	if err := r.db.WithContext(ctx).
		Order("updated_at DESC").Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) UpdateConversation(ctx context.Context, conversationID string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&Conversation{}).
		Where("conversation_id = ?", conversationID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) SetTitleIf(ctx context.Context, conversationID, expected, title string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Conversation{}).
		Where("conversation_id = ? AND title = ?", conversationID, expected).
		Update("title", title)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteConversation removes the conversation with its messages and jobs.
func (r *Repo) DeleteConversation(ctx context.Context, conversationID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&Job{}).Error; err != nil {
			return err
		}
		res := tx.Where("conversation_id = ?", conversationID).Delete(&Conversation{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// ListMessages returns messages in ASC id order (oldest -> newest).
func (r *Repo) ListMessages(ctx context.Context, f MessageFilter) ([]Message, error) {
	q := r.db.WithContext(ctx).Order("id ASC")
	if f.ConversationID != "" {
		q = q.Where("conversation_id = ?", f.ConversationID)
	}
	if len(f.Roles) > 0 {
		q = q.Where("role IN ?", f.Roles)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.ParentID != nil {
		q = q.Where("parent_id = ?", *f.ParentID)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) UpdateMessage(ctx context.Context, messageID string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&Message{}).
		Where("message_id = ?", messageID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) LastNonUserMessage(ctx context.Context, conversationID string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND role <> ?", conversationID, RoleUser).
		Order("id DESC").
		First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (r *Repo) MaxVariantIndex(ctx context.Context, conversationID, parentID string) (int, error) {
	var max int
	err := r.db.WithContext(ctx).Model(&Message{}).
		Select("COALESCE(MAX(variant_index), -1)").
		Where("conversation_id = ? AND role = ? AND parent_id = ?", conversationID, RoleAssistant, parentID).
		Row().Scan(&max)
	if err != nil {
		return 0, err
	}
	return max, nil
}

func (r *Repo) InterruptStreaming(ctx context.Context, conversationID string, parentID *string, reason string) (int64, error) {
	q := r.db.WithContext(ctx).Model(&Message{}).
		Where("conversation_id = ? AND role = ? AND status = ?", conversationID, RoleAssistant, StatusStreaming)
	if parentID != nil {
		q = q.Where("parent_id = ?", *parentID)
	}
	res := q.Updates(map[string]any{
		"status":        StatusInterrupted,
		"finish_reason": reason,
	})
	return res.RowsAffected, res.Error
}

// Job CRUD
func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &j, nil
}

func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning).Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, assistantMessageID string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": assistantMessageID,
			"error":             nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}

func (r *Repo) RequeueJob(ctx context.Context, id string, request []byte, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobRunning).
		Updates(map[string]any{
			"status":  JobQueued,
			"request": datatypes.JSON(request),
			"error":   errMsg,
		}).Error
}

func (r *Repo) getJobByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if idempotency_key already exists,
// it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.CreateJob(ctx, job); err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.CreateJob(ctx, job)
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.getJobByIdempotencyKey(ctx, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
