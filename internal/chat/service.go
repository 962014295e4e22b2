package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/suPer8Hu/branchchat/internal/ai"
	"github.com/suPer8Hu/branchchat/internal/budget"
	"github.com/suPer8Hu/branchchat/internal/config"
	"github.com/suPer8Hu/branchchat/internal/logger"
	"github.com/suPer8Hu/branchchat/internal/session"
	"github.com/suPer8Hu/branchchat/internal/wire"
)

const defaultSystemPrompt = "You are a helpful assistant."

// Sink receives the events of one generation in emission order.
type Sink interface {
	Send(e wire.Event)
}

type SinkFunc func(e wire.Event)

func (f SinkFunc) Send(e wire.Event) { f(e) }

// Visualizer turns a completed answer into chart data. It reports progress
// through emit and returns the JSON blobs to persist; nil blobs mean there
// was nothing to visualize.
type Visualizer interface {
	Visualize(ctx context.Context, model, question, answer string, emit func(wire.Event)) (structured, vizConfig json.RawMessage, err error)
}

// StopBroadcaster forwards stop requests to other processes.
type StopBroadcaster interface {
	PublishStop(ctx context.Context, conversationID string) error
}

// JobPublisher hands a queued generation to the worker.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Options struct {
	DefaultModel        string
	TitleModel          string
	HeadroomRatio       float64
	CheckpointEvery     int
	MinCompletionTokens int
	// FinalizeTimeout bounds terminal writes made after cancellation.
	FinalizeTimeout time.Duration
	// SupersedeWait bounds how long a new generation waits for the one it
	// replaced to settle.
	SupersedeWait time.Duration
}

func (o *Options) setDefaults() {
	if o.DefaultModel == "" {
		o.DefaultModel = "gpt-4o-mini"
	}
	if o.TitleModel == "" {
		o.TitleModel = o.DefaultModel
	}
	if o.HeadroomRatio <= 0 || o.HeadroomRatio >= 1 {
		o.HeadroomRatio = budget.DefaultHeadroomRatio
	}
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = 5
	}
	if o.MinCompletionTokens <= 0 {
		o.MinCompletionTokens = 64
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = 10 * time.Second
	}
	if o.SupersedeWait <= 0 {
		o.SupersedeWait = 5 * time.Second
	}
}

type Deps struct {
	Store     Store
	Providers *ai.Registry
	Catalog   *config.ModelCatalog
	Sessions  *session.Registry
	Counter   budget.Counter
	Log       *logger.Logger

	// optional
	Visualizer Visualizer
	Stops      StopBroadcaster
	Jobs       JobPublisher
}

type Service struct {
	store     Store
	providers *ai.Registry
	catalog   *config.ModelCatalog
	sessions  *session.Registry
	counter   budget.Counter
	viz       Visualizer
	stops     StopBroadcaster
	jobs      JobPublisher
	log       *logger.Logger
	opts      Options
}

func NewService(d Deps, opts Options) *Service {
	opts.setDefaults()
	if d.Sessions == nil {
		d.Sessions = session.NewRegistry()
	}
	if d.Counter == nil {
		d.Counter = budget.Heuristic{}
	}
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	if d.Catalog == nil {
		d.Catalog, _ = config.LoadModelCatalog("")
	}
	return &Service{
		store:     d.Store,
		providers: d.Providers,
		catalog:   d.Catalog,
		sessions:  d.Sessions,
		counter:   d.Counter,
		viz:       d.Visualizer,
		stops:     d.Stops,
		jobs:      d.Jobs,
		log:       d.Log.With("service", "chat"),
		opts:      opts,
	}
}

func newMessageID() string { return uuid.NewString() }

// CreateConversation starts an empty conversation, optionally rooted at a
// SYSTEM message.
func (s *Service) CreateConversation(ctx context.Context, req wire.CreateConversationRequest) (*Conversation, []Message, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.opts.DefaultModel
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = DefaultTitle
	}
	c := &Conversation{
		ConversationID: uuid.NewString(),
		Title:          title,
		Model:          model,
	}

	var seed []*Message
	if sp := strings.TrimSpace(req.SystemPrompt); sp != "" {
		seed = append(seed, &Message{
			MessageID:      newMessageID(),
			ConversationID: c.ConversationID,
			Role:           RoleSystem,
			Content:        sp,
			Status:         StatusComplete,
		})
	}
	if err := s.store.CreateConversation(ctx, c, seed...); err != nil {
		return nil, nil, err
	}

	msgs := make([]Message, 0, len(seed))
	for _, m := range seed {
		msgs = append(msgs, *m)
	}
	s.log.Info("conversation created", "conversation_id", c.ConversationID, "model", model)
	return c, msgs, nil
}

func (s *Service) ListConversations(ctx context.Context, limit, offset int) ([]Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListConversations(ctx, limit, offset)
}

// GetConversation returns the conversation with all its messages in
// creation order.
func (s *Service) GetConversation(ctx context.Context, conversationID string) (*Conversation, []Message, error) {
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.store.ListMessages(ctx, MessageFilter{ConversationID: conversationID})
	if err != nil {
		return nil, nil, err
	}
	return c, msgs, nil
}

func (s *Service) UpdateConversation(ctx context.Context, conversationID string, req wire.UpdateConversationRequest) (*Conversation, error) {
	fields := map[string]any{}
	if req.Title != nil {
		t := strings.TrimSpace(*req.Title)
		if t == "" {
			t = DefaultTitle
		}
		fields["title"] = t
	}
	if req.Model != nil {
		m := strings.TrimSpace(*req.Model)
		if m == "" {
			return nil, fmt.Errorf("%w: model must not be empty", ErrInvalidRequest)
		}
		fields["model"] = m
	}
	if len(fields) == 0 {
		return s.store.GetConversation(ctx, conversationID)
	}
	if err := s.store.UpdateConversation(ctx, conversationID, fields); err != nil {
		return nil, err
	}
	return s.store.GetConversation(ctx, conversationID)
}

// DeleteConversation stops any live generation before removing the rows.
func (s *Service) DeleteConversation(ctx context.Context, conversationID string) error {
	if h := s.sessions.Cancel(conversationID, session.ErrUserCancelled); h != nil {
		wctx, cancel := context.WithTimeout(ctx, s.opts.SupersedeWait)
		_ = h.Wait(wctx)
		cancel()
	}
	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	s.log.Info("conversation deleted", "conversation_id", conversationID)
	return nil
}

// Stop cancels the conversation's live generation. The open stream of that
// generation closes with end{interrupted}. Other processes are notified when
// a broadcaster is configured.
func (s *Service) Stop(ctx context.Context, conversationID string) bool {
	stopped := s.sessions.Stop(conversationID)
	if s.stops != nil {
		if err := s.stops.PublishStop(ctx, conversationID); err != nil {
			s.log.Warn("broadcast stop failed", "conversation_id", conversationID, "err", err)
		}
	}
	s.log.Info("stop requested", "conversation_id", conversationID, "local", stopped)
	return stopped
}

// StopLocal only touches this process's registry. The stop bus calls it.
func (s *Service) StopLocal(conversationID string) bool {
	return s.sessions.Stop(conversationID)
}

type resolvedModel struct {
	spec     config.ModelSpec
	provider ai.Provider
	stream   ai.StreamProvider
}

func (s *Service) resolveModel(ctx context.Context, modelID string) (*resolvedModel, error) {
	spec := s.catalog.Resolve(modelID)
	p, err := s.providers.Get(ctx, spec.Provider, spec.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	sp, ok := p.(ai.StreamProvider)
	if !ok {
		return nil, fmt.Errorf("%w: provider %s does not support streaming", ErrConfiguration, spec.Provider)
	}
	return &resolvedModel{spec: spec, provider: p, stream: sp}, nil
}

// ToWireMessage renders a stored message for the API.
func ToWireMessage(m Message) wire.Message {
	out := wire.Message{
		ID:               m.MessageID,
		ConversationID:   m.ConversationID,
		Role:             strings.ToUpper(m.Role),
		Content:          m.Content,
		Status:           string(m.Status),
		ParentID:         m.ParentID,
		VariantIndex:     m.VariantIndex,
		Model:            m.Model,
		PromptTokens:     m.PromptTokens,
		CompletionTokens: m.CompletionTokens,
		FinishReason:     m.FinishReason,
		CreatedAt:        m.CreatedAt,
	}
	if len(m.StructuredData) > 0 {
		out.StructuredData = json.RawMessage(m.StructuredData)
	}
	if len(m.VizConfig) > 0 {
		out.VizConfig = json.RawMessage(m.VizConfig)
	}
	return out
}

func ToWireConversation(c Conversation) wire.Conversation {
	return wire.Conversation{
		ID:        c.ConversationID,
		Title:     c.Title,
		Model:     c.Model,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func ToWireDetail(c Conversation, msgs []Message) wire.ConversationDetail {
	out := wire.ConversationDetail{
		Conversation: ToWireConversation(c),
		Messages:     make([]wire.Message, 0, len(msgs)),
	}
	for _, m := range msgs {
		out.Messages = append(out.Messages, ToWireMessage(m))
	}
	return out
}
