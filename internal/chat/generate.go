package chat

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/suPer8Hu/branchchat/internal/ai"
	"github.com/suPer8Hu/branchchat/internal/budget"
	"github.com/suPer8Hu/branchchat/internal/logger"
	"github.com/suPer8Hu/branchchat/internal/session"
	"github.com/suPer8Hu/branchchat/internal/wire"
)

// Outcome summarizes a finished generation.
type Outcome struct {
	ConversationID     string
	UserMessageID      string
	AssistantMessageID string
	Status             MessageStatus
}

// guardSink forwards events until the first terminal one.
type guardSink struct {
	mu     sync.Mutex
	next   Sink
	closed bool
}

func (g *guardSink) Send(e wire.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if wire.Terminal(e) {
		g.closed = true
	}
	g.next.Send(e)
}

func (g *guardSink) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// generation is the state of one request while it streams.
type generation struct {
	conv       *Conversation
	req        wire.GenerateRequest
	model      *resolvedModel
	user       *Message
	prior      *Message // version replaced by an edit
	regenerate bool
	// autoTitle may replace the title only while it still equals expectTitle.
	titleWasDefault bool
	expectTitle     string

	sink   *guardSink
	log    *logger.Logger
	handle *session.Handle
	// release ends the registry reservation taken before the turn resolved
	release func()

	assistant    *Message
	content      strings.Builder
	fragments    int
	usage        *ai.Usage
	finishReason string
	terminal     bool
}

func (g *generation) completionTokens(c budget.Counter) int {
	if g.usage != nil && g.usage.CompletionTokens > 0 {
		return g.usage.CompletionTokens
	}
	return c.Count(g.model.spec.Tokenizer, g.content.String())
}

// Generate runs one turn: it resolves the user message for a new, edited or
// regenerated turn, streams the assistant answer into sink and persists
// every state change. Requests that fail before streaming starts produce a
// single error event and no assistant row.
func (s *Service) Generate(ctx context.Context, req wire.GenerateRequest, sink Sink) (*Outcome, error) {
	out := &guardSink{next: sink}

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, s.fail(out, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	log := s.log.With("conversation_id", req.ConversationID)

	// a stop sent while the turn is being resolved still applies
	release := s.sessions.Reserve(req.ConversationID)
	defer release()

	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			err = fmt.Errorf("conversation %s: %w", req.ConversationID, ErrNotFound)
		}
		return nil, s.fail(out, err)
	}

	rm, err := s.resolveModel(ctx, firstNonEmpty(req.Model, conv.Model, s.opts.DefaultModel))
	if err != nil {
		log.Warn("model unavailable", "model", req.Model, "err", err)
		return nil, s.fail(out, err)
	}

	g := &generation{
		conv:            conv,
		req:             req,
		model:           rm,
		regenerate:      req.IsRegeneration,
		titleWasDefault: conv.Title == DefaultTitle,
		expectTitle:     conv.Title,
		sink:            out,
		log:             log.With("model", rm.spec.ID),
		release:         release,
	}

	// referenced messages are checked before any running generation is touched
	switch {
	case req.IsRegeneration:
		if g.user, err = s.userMessage(ctx, conv.ConversationID, req.ParentUserMessageID); err != nil {
			return nil, s.fail(out, err)
		}
	case req.IsEditedPrompt:
		if g.prior, err = s.userMessage(ctx, conv.ConversationID, req.UserMessageParentID); err != nil {
			return nil, s.fail(out, err)
		}
	}

	return s.run(ctx, g)
}

// createUserMessage persists the USER row of a new or edited turn. An edit
// hangs off the newest version of the prompt it replaces; anything else
// follows the most recent non-USER message.
func (s *Service) createUserMessage(ctx context.Context, g *generation) error {
	convID := g.conv.ConversationID

	var parentID *string
	if g.prior != nil {
		parentID = &g.prior.MessageID
	} else {
		last, err := s.store.LastNonUserMessage(ctx, convID)
		switch {
		case err == nil:
			parentID = &last.MessageID
		case errors.Is(err, ErrNotFound):
		default:
			return err
		}
	}

	u := &Message{
		MessageID:      newMessageID(),
		ConversationID: convID,
		Role:           RoleUser,
		Content:        g.req.UserMessage,
		Status:         StatusComplete,
		ParentID:       parentID,
		Model:          g.model.spec.ID,
	}
	u.PromptTokens = s.counter.Count(g.model.spec.Tokenizer, u.Content)
	if err := s.store.InsertMessage(ctx, u); err != nil {
		return err
	}
	g.user = u

	if g.titleWasDefault {
		interim := truncateRunes(strings.TrimSpace(g.req.UserMessage), 80)
		ok, err := s.store.SetTitleIf(ctx, convID, DefaultTitle, interim)
		if err != nil {
			g.log.Warn("set interim title failed", "err", err)
		} else if ok {
			g.expectTitle = interim
		}
	}
	return nil
}

func (s *Service) userMessage(ctx context.Context, conversationID, messageID string) (*Message, error) {
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("user message %s: %w", messageID, ErrNotFound)
		}
		return nil, err
	}
	if m.ConversationID != conversationID || m.Role != RoleUser {
		return nil, fmt.Errorf("user message %s: %w", messageID, ErrNotFound)
	}
	return m, nil
}

func (s *Service) run(ctx context.Context, g *generation) (result *Outcome, err error) {
	start := time.Now()
	convID := g.conv.ConversationID
	outcome := &Outcome{ConversationID: convID}

	cause := session.ErrSuperseded
	if g.prior != nil {
		cause = session.ErrPromptEdited
	}
	genCtx, handle, prev := s.sessions.Open(ctx, convID, cause)
	g.handle = handle
	if g.release != nil {
		g.release()
	}
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("generation panicked", "panic", r, "stack", string(debug.Stack()))
			if g.assistant != nil && !g.terminal {
				_ = s.finalize(ctx, g, StatusError, wire.ReasonError)
			}
			g.sink.Send(wire.Error{Message: "internal error"})
			outcome.Status = StatusError
			result, err = outcome, fmt.Errorf("generation panicked: %v", r)
		}
		s.sessions.Clear(convID, handle)
		handle.Finish()
		g.log.Info("generation finished",
			"status", outcome.Status,
			"message_id", outcome.AssistantMessageID,
			"fragments", g.fragments,
			"cost", time.Since(start),
		)
	}()

	if prev != nil {
		wctx, cancel := context.WithTimeout(ctx, s.opts.SupersedeWait)
		if err := prev.Wait(wctx); err != nil {
			g.log.Warn("superseded generation did not settle", "err", err)
		}
		cancel()
	}

	if g.prior != nil {
		// a newer version may exist by now; the edit extends the chain at its tip
		users, err := s.store.ListMessages(ctx, MessageFilter{ConversationID: convID, Roles: []string{RoleUser}})
		if err != nil {
			return nil, s.fail(g.sink, err)
		}
		if tip := editTip(users, g.prior.MessageID); tip != g.prior.MessageID {
			if g.prior, err = s.userMessage(ctx, convID, tip); err != nil {
				return nil, s.fail(g.sink, err)
			}
			g.log.Info("edit moved to newest version", "requested", g.req.UserMessageParentID, "tip", tip)
		}

		n, err := s.store.InterruptStreaming(ctx, convID, &g.prior.MessageID, wire.ReasonUserEditedPrompt)
		if err != nil {
			return nil, s.fail(g.sink, err)
		}
		if n > 0 {
			g.log.Info("interrupted answers of edited prompt", "prior_message_id", g.prior.MessageID, "count", n)
		}
	}
	if g.user == nil {
		if err := s.createUserMessage(ctx, g); err != nil {
			return nil, s.fail(g.sink, err)
		}
	}
	outcome.UserMessageID = g.user.MessageID

	if err := s.store.UpdateConversation(ctx, convID, map[string]any{
		"model":      g.model.spec.ID,
		"updated_at": time.Now(),
	}); err != nil {
		g.log.Warn("touch conversation failed", "err", err)
	}

	// rows left STREAMING by a crashed process
	if n, err := s.store.InterruptStreaming(ctx, convID, nil, wire.ReasonOrphaned); err != nil {
		g.log.Warn("orphan sweep failed", "err", err)
	} else if n > 0 {
		g.log.Info("interrupted orphaned answers", "count", n)
	}

	if session.Cancelled(genCtx) {
		outcome.Status = StatusInterrupted
		g.sink.Send(wire.End{Status: wire.EndInterrupted})
		return outcome, nil
	}

	all, err := s.store.ListMessages(ctx, MessageFilter{ConversationID: convID})
	if err != nil {
		return nil, s.fail(g.sink, err)
	}
	spec := g.model.spec
	thread := branchPath(all, g.user.MessageID)
	prompt := budget.BuildPrompt(s.counter, spec.Tokenizer, systemPrompt(g.req.SystemPrompt, all),
		toBudgetMessages(thread), spec.ContextWindow, s.opts.HeadroomRatio)
	maxTokens := budget.ClampCompletion(prompt.MaxCompletionTokens, spec.MaxCompletionTokens, s.opts.MinCompletionTokens)
	firstAnswer := !hasCompletedAnswer(all)

	variant := 0
	if g.regenerate {
		top, err := s.store.MaxVariantIndex(ctx, convID, g.user.MessageID)
		if err != nil {
			return nil, s.fail(g.sink, err)
		}
		variant = top + 1
		if g.req.VariantIndex != variant {
			g.log.Debug("variant index assigned", "requested", g.req.VariantIndex, "assigned", variant)
		}
	}

	parentID := g.user.MessageID
	g.assistant = &Message{
		MessageID:      newMessageID(),
		ConversationID: convID,
		Role:           RoleAssistant,
		Status:         StatusStreaming,
		ParentID:       &parentID,
		VariantIndex:   variant,
		Model:          spec.ID,
		PromptTokens:   prompt.PromptTokens,
	}
	if err := s.store.InsertMessage(ctx, g.assistant); err != nil {
		g.assistant = nil
		return nil, s.fail(g.sink, err)
	}
	outcome.AssistantMessageID = g.assistant.MessageID
	g.sink.Send(wire.Start{
		ConversationID: convID,
		MessageID:      g.assistant.MessageID,
		ParentID:       &parentID,
		Role:           wire.RoleAssistant,
		Model:          spec.ID,
	})
	g.log.Info("generation started",
		"message_id", g.assistant.MessageID,
		"parent_id", parentID,
		"variant", variant,
		"prompt_messages", len(prompt.Messages),
		"prompt_tokens", prompt.PromptTokens,
		"max_tokens", maxTokens,
	)

	msgs := make([]ai.Message, 0, len(prompt.Messages))
	for _, m := range prompt.Messages {
		msgs = append(msgs, ai.Message{Role: m.Role, Content: m.Content})
	}
	streamErr := s.consume(genCtx, g, ai.Request{Model: spec.ID, Messages: msgs, MaxTokens: maxTokens})

	switch {
	case session.Cancelled(genCtx):
		reason := wire.ReasonUserCancelled
		if errors.Is(context.Cause(genCtx), session.ErrPromptEdited) {
			reason = wire.ReasonUserEditedPrompt
		}
		_ = s.finalize(ctx, g, StatusInterrupted, reason)
		outcome.Status = StatusInterrupted
		g.sink.Send(wire.End{Status: wire.EndInterrupted})
		return outcome, nil

	case streamErr != nil:
		g.log.Error("upstream failed", "err", streamErr)
		_ = s.finalize(ctx, g, StatusError, wire.ReasonError)
		outcome.Status = StatusError
		g.sink.Send(wire.Error{Message: streamErr.Error()})
		return outcome, fmt.Errorf("upstream: %w", streamErr)
	}

	if err := s.finalize(ctx, g, StatusComplete, firstNonEmpty(g.finishReason, "stop")); err != nil {
		outcome.Status = StatusError
		g.sink.Send(wire.Error{Message: "failed to save the response"})
		return outcome, err
	}
	outcome.Status = StatusComplete

	if firstAnswer && g.titleWasDefault {
		s.autoTitle(genCtx, ctx, g)
	}
	if s.viz != nil {
		s.visualize(genCtx, ctx, g)
	}

	s.sessions.Clear(convID, handle)
	g.sink.Send(wire.End{Status: wire.EndComplete})
	return outcome, nil
}

// consume drains the provider stream into the sink, checkpointing the
// accumulated content every CheckpointEvery fragments.
func (s *Service) consume(ctx context.Context, g *generation, req ai.Request) error {
	chunks, errs := g.model.stream.StreamChat(ctx, req)
	for c := range chunks {
		if c.Content != "" {
			g.content.WriteString(c.Content)
			g.fragments++
			g.sink.Send(wire.Token{Token: c.Content})
			if g.fragments%s.opts.CheckpointEvery == 0 {
				s.checkpoint(ctx, g)
			}
		}
		if c.Usage != nil {
			g.usage = c.Usage
		}
		if c.FinishReason != "" && g.finishReason == "" {
			g.finishReason = c.FinishReason
			g.sink.Send(wire.Finish{FinishReason: c.FinishReason})
		}
	}
	return <-errs
}

func (s *Service) checkpoint(ctx context.Context, g *generation) {
	err := s.store.UpdateMessage(ctx, g.assistant.MessageID, map[string]any{
		"content":           g.content.String(),
		"completion_tokens": g.completionTokens(s.counter),
	})
	if err != nil {
		g.log.Warn("checkpoint failed", "message_id", g.assistant.MessageID, "fragments", g.fragments, "err", err)
	}
}

// finalize writes the terminal row once. The write is detached from the
// generation context so a cancelled generation still records its state.
func (s *Service) finalize(ctx context.Context, g *generation, status MessageStatus, reason string) error {
	if g.terminal {
		return nil
	}
	g.terminal = true
	defer g.handle.Finish()

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FinalizeTimeout)
	defer cancel()

	fields := map[string]any{
		"content":           g.content.String(),
		"status":            status,
		"completion_tokens": g.completionTokens(s.counter),
		"finish_reason":     reason,
	}
	if g.usage != nil && g.usage.PromptTokens > 0 {
		fields["prompt_tokens"] = g.usage.PromptTokens
	}
	if err := s.store.UpdateMessage(fctx, g.assistant.MessageID, fields); err != nil {
		g.log.Error("finalize failed", "message_id", g.assistant.MessageID, "status", status, "err", err)
		return err
	}
	return nil
}

func (s *Service) visualize(genCtx, ctx context.Context, g *generation) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("visualization panicked", "panic", r)
		}
	}()

	emit := func(e wire.Event) {
		if !wire.Terminal(e) {
			g.sink.Send(e)
		}
	}
	structured, vizCfg, err := s.viz.Visualize(genCtx, g.model.spec.ID, g.user.Content, g.content.String(), emit)
	if err != nil {
		g.log.Warn("visualization failed", "err", err)
		return
	}

	fields := map[string]any{}
	if len(structured) > 0 {
		fields["structured_data"] = datatypes.JSON(structured)
	}
	if len(vizCfg) > 0 {
		fields["viz_config"] = datatypes.JSON(vizCfg)
	}
	if len(fields) == 0 {
		return
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FinalizeTimeout)
	defer cancel()
	if err := s.store.UpdateMessage(fctx, g.assistant.MessageID, fields); err != nil {
		g.log.Warn("save visualization failed", "err", err)
	}
}

func (s *Service) fail(sink Sink, err error) error {
	sink.Send(wire.Error{Message: err.Error()})
	return err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
