package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"

	"github.com/suPer8Hu/branchchat/internal/common"
	"github.com/suPer8Hu/branchchat/internal/wire"
)

// EnqueueGeneration stores req as a job and hands it to the worker. A repeated
// idempotency key returns the existing job with created=false.
func (s *Service) EnqueueGeneration(ctx context.Context, req wire.GenerateRequest, idempotencyKey string) (*Job, bool, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, err := s.store.GetConversation(ctx, req.ConversationID); err != nil {
		return nil, false, err
	}
	if s.jobs == nil {
		return nil, false, fmt.Errorf("%w: job queue is not configured", ErrConfiguration)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, false, err
	}
	jobID, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}

	job := &Job{
		ID:             jobID,
		ConversationID: req.ConversationID,
		Request:        datatypes.JSON(body),
		Status:         JobQueued,
	}
	if k := strings.TrimSpace(idempotencyKey); k != "" {
		job.IdempotencyKey = &k
	}

	job, created, err := s.store.CreateJobOrGetExisting(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return job, false, nil
	}

	if err := s.jobs.PublishJob(ctx, job.ID); err != nil {
		msg := "publish failed: " + err.Error()
		if mErr := s.store.MarkJobFailed(ctx, job.ID, msg); mErr != nil {
			s.log.Error("mark job failed", "job_id", job.ID, "err", mErr)
		}
		return nil, false, err
	}
	s.log.Info("generation queued", "job_id", job.ID, "conversation_id", job.ConversationID)
	return job, true, nil
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.store.GetJobByID(ctx, jobID)
}

// RunJob replays a queued generation. Events are logged instead of streamed.
// Jobs that already finished are skipped. A failure the queue may retry is
// returned with the job put back to queued; requests that can never succeed
// fail the job and return nil.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	job, err := s.store.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == JobSucceeded || job.Status == JobFailed {
		s.log.Debug("job already finished", "job_id", jobID, "status", job.Status)
		return nil
	}
	if err := s.store.UpdateJobStatusRunning(ctx, jobID); err != nil {
		return err
	}

	log := s.log.With("job_id", jobID)
	var req wire.GenerateRequest
	if err := json.Unmarshal(job.Request, &req); err != nil {
		log.Warn("bad job payload", "err", err)
		return s.store.MarkJobFailed(ctx, jobID, "bad request payload: "+err.Error())
	}

	tokens := 0
	sink := SinkFunc(func(e wire.Event) {
		switch ev := e.(type) {
		case wire.Token:
			tokens++
		case wire.Error:
			log.Warn("job generation error", "message", ev.Message)
		case wire.Title:
			log.Info("job generation titled", "title", ev.Title)
		}
	})

	outcome, genErr := s.Generate(ctx, req, sink)
	switch {
	case genErr != nil && permanent(genErr):
		log.Warn("job rejected", "err", genErr)
		return s.store.MarkJobFailed(ctx, jobID, genErr.Error())
	case genErr != nil:
		body, err := json.Marshal(retryRequest(req, outcome))
		if err != nil {
			return errors.Join(genErr, err)
		}
		if err := s.store.RequeueJob(ctx, jobID, body, genErr.Error()); err != nil {
			return errors.Join(genErr, err)
		}
		return genErr
	case outcome.Status != StatusComplete:
		return s.store.MarkJobFailed(ctx, jobID, "generation "+strings.ToLower(string(outcome.Status)))
	}

	log.Info("job generation complete", "message_id", outcome.AssistantMessageID, "tokens", tokens)
	return s.store.MarkJobSucceeded(ctx, jobID, outcome.AssistantMessageID)
}

// FailJob records a job the queue gave up on. Finished jobs are left alone.
func (s *Service) FailJob(ctx context.Context, jobID string, cause error) error {
	job, err := s.store.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == JobSucceeded || job.Status == JobFailed {
		return nil
	}
	msg := "retries exhausted"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return s.store.MarkJobFailed(ctx, jobID, msg)
}

func permanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrConfiguration)
}

// retryRequest turns a request whose user message already exists into a
// regeneration of it, so a retry does not store the prompt twice.
func retryRequest(req wire.GenerateRequest, out *Outcome) wire.GenerateRequest {
	if req.IsRegeneration || out == nil || out.UserMessageID == "" {
		return req
	}
	return wire.GenerateRequest{
		ConversationID:      req.ConversationID,
		Model:               req.Model,
		SystemPrompt:        req.SystemPrompt,
		IsRegeneration:      true,
		ParentUserMessageID: out.UserMessageID,
	}
}

// ToWireJob renders a job for the API.
func ToWireJob(j Job) wire.Job {
	return wire.Job{
		JobID:              j.ID,
		ConversationID:     j.ConversationID,
		Status:             string(j.Status),
		AssistantMessageID: j.ResultMessageID,
		Error:              j.Error,
	}
}
