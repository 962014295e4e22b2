package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/branchchat/internal/wire"
)

type fakePublisher struct {
	mu   sync.Mutex
	ids  []string
	err  error
	stop []string
}

func (f *fakePublisher) PublishJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, jobID)
	return nil
}

func (f *fakePublisher) PublishStop(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stop = append(f.stop, conversationID)
	return nil
}

func TestEnqueueGeneration_Idempotent(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, nil)
	pub := &fakePublisher{}
	h.svc.jobs = pub
	c := h.newConversation(t, "")
	ctx := context.Background()
	req := wire.GenerateRequest{ConversationID: c.ConversationID, UserMessage: "queued hello"}

	job, created, err := h.svc.EnqueueGeneration(ctx, req, "key-1")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, JobQueued, job.Status)
	require.Len(t, job.ID, 26)

	again, created, err := h.svc.EnqueueGeneration(ctx, req, "key-1")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, job.ID, again.ID)
	require.Equal(t, []string{job.ID}, pub.ids)

	require.NoError(t, h.svc.RunJob(ctx, job.ID))
	done, err := h.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, JobSucceeded, done.Status)
	require.NotNil(t, done.ResultMessageID)

	answer, err := h.repo.GetMessage(ctx, *done.ResultMessageID)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, answer.Status)
	require.Equal(t, "ok", answer.Content)

	// a redelivered job does not generate twice
	require.NoError(t, h.svc.RunJob(ctx, job.ID))
	require.Len(t, h.messages(t, c.ConversationID), 2)

	w := ToWireJob(*done)
	require.Equal(t, "succeeded", w.Status)
	require.Equal(t, done.ResultMessageID, w.AssistantMessageID)
}

func TestEnqueueGeneration_Failures(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, nil)
	c := h.newConversation(t, "")
	ctx := context.Background()
	req := wire.GenerateRequest{ConversationID: c.ConversationID, UserMessage: "hi"}

	_, _, err := h.svc.EnqueueGeneration(ctx, req, "")
	require.ErrorIs(t, err, ErrConfiguration)

	h.svc.jobs = &fakePublisher{}
	_, _, err = h.svc.EnqueueGeneration(ctx, wire.GenerateRequest{ConversationID: "nope", UserMessage: "hi"}, "")
	require.ErrorIs(t, err, ErrNotFound)

	_, _, err = h.svc.EnqueueGeneration(ctx, wire.GenerateRequest{ConversationID: c.ConversationID}, "")
	require.ErrorIs(t, err, ErrInvalidRequest)

	h.svc.jobs = &fakePublisher{err: errors.New("broker down")}
	_, _, err = h.svc.EnqueueGeneration(ctx, req, "k")
	require.Error(t, err)

	_, err = h.svc.GetJob(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRunJob_UpstreamFailureRequeuesAsRegeneration(t *testing.T) {
	p := &scriptedProvider{scripts: []script{
		{fragments: []string{"x"}, err: errors.New("rate limited")},
		{fragments: []string{"second try"}, finish: "stop"},
	}}
	h := newHarness(t, p, nil)
	h.svc.jobs = &fakePublisher{}
	c := h.newConversation(t, "")
	ctx := context.Background()

	job, _, err := h.svc.EnqueueGeneration(ctx, wire.GenerateRequest{ConversationID: c.ConversationID, UserMessage: "hi"}, "")
	require.NoError(t, err)
	require.Error(t, h.svc.RunJob(ctx, job.ID))

	got, err := h.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, JobQueued, got.Status)
	require.Contains(t, *got.Error, "rate limited")

	var replay wire.GenerateRequest
	require.NoError(t, json.Unmarshal(got.Request, &replay))
	require.True(t, replay.IsRegeneration)
	msgs := h.messages(t, c.ConversationID)
	require.Len(t, msgs, 2)
	require.Equal(t, msgs[0].MessageID, replay.ParentUserMessageID)

	// the redelivery answers the stored prompt instead of storing it again
	require.NoError(t, h.svc.RunJob(ctx, job.ID))
	got, err = h.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, JobSucceeded, got.Status)
	require.Nil(t, got.Error)

	users, answers := 0, map[MessageStatus]int{}
	for _, m := range h.messages(t, c.ConversationID) {
		if m.Role == RoleUser {
			users++
			continue
		}
		answers[m.Status]++
	}
	require.Equal(t, 1, users)
	require.Equal(t, map[MessageStatus]int{StatusError: 1, StatusComplete: 1}, answers)

	answer, err := h.repo.GetMessage(ctx, *got.ResultMessageID)
	require.NoError(t, err)
	require.Equal(t, "second try", answer.Content)
	require.Equal(t, 1, answer.VariantIndex)
}

func TestRunJob_PermanentFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, nil)
	h.svc.jobs = &fakePublisher{}
	c := h.newConversation(t, "")
	ctx := context.Background()

	// the provider has no API key; the model is only resolved when the job runs
	job, _, err := h.svc.EnqueueGeneration(ctx, wire.GenerateRequest{ConversationID: c.ConversationID, UserMessage: "hi", Model: "keyless"}, "")
	require.NoError(t, err)
	require.NoError(t, h.svc.RunJob(ctx, job.ID))

	got, err := h.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, JobFailed, got.Status)
	require.Contains(t, *got.Error, "provider not configured")
	require.Empty(t, h.messages(t, c.ConversationID))
}

func TestFailJob(t *testing.T) {
	p := &scriptedProvider{scripts: []script{{err: errors.New("upstream 503")}}}
	h := newHarness(t, p, nil)
	h.svc.jobs = &fakePublisher{}
	c := h.newConversation(t, "")
	ctx := context.Background()

	job, _, err := h.svc.EnqueueGeneration(ctx, wire.GenerateRequest{ConversationID: c.ConversationID, UserMessage: "hi"}, "")
	require.NoError(t, err)
	runErr := h.svc.RunJob(ctx, job.ID)
	require.Error(t, runErr)

	require.NoError(t, h.svc.FailJob(ctx, job.ID, runErr))
	got, err := h.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, JobFailed, got.Status)
	require.Contains(t, *got.Error, "retries exhausted")
	require.Contains(t, *got.Error, "upstream 503")

	// a failed job is not replayed
	require.NoError(t, h.svc.RunJob(ctx, job.ID))
	require.Equal(t, 1, p.calls)

	done, _, err := h.svc.EnqueueGeneration(ctx, wire.GenerateRequest{ConversationID: c.ConversationID, UserMessage: "again"}, "")
	require.NoError(t, err)
	require.NoError(t, h.repo.MarkJobSucceeded(ctx, done.ID, "m-1"))
	require.NoError(t, h.svc.FailJob(ctx, done.ID, errors.New("late")))
	got, err = h.svc.GetJob(ctx, done.ID)
	require.NoError(t, err)
	require.Equal(t, JobSucceeded, got.Status)

	require.ErrorIs(t, h.svc.FailJob(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ", nil), ErrNotFound)
}

func TestStop_Broadcasts(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, nil)
	pub := &fakePublisher{}
	h.svc.stops = pub

	require.False(t, h.svc.Stop(context.Background(), "conv-1"))
	require.Equal(t, []string{"conv-1"}, pub.stop)
}
