// Package client mirrors one conversation's message tree on the client side.
// The flat message list is the only stored state; turns and the visible
// thread are derived from it on demand.
package client

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/suPer8Hu/branchchat/internal/logger"
	"github.com/suPer8Hu/branchchat/internal/wire"
)

const localIDPrefix = "local-"

// GenerationError is the message of an error frame.
type GenerationError struct {
	Message string
}

func (e *GenerationError) Error() string { return "generation failed: " + e.Message }

// API is the part of the HTTP client the model needs.
type API interface {
	GetConversation(ctx context.Context, id string) (*wire.ConversationDetail, error)
	Generate(ctx context.Context, req wire.GenerateRequest, onEvent func(wire.Event)) error
	Stop(ctx context.Context, conversationID string) (bool, error)
}

// Observer sees every applied event after the model has been updated.
type Observer func(e wire.Event)

type SendOptions struct {
	Model        string
	SystemPrompt string
}

// Model is the client-side cache of one conversation.
type Model struct {
	api            API
	conversationID string
	observer       Observer
	log            *logger.Logger

	mu          sync.Mutex
	title       string
	messages    []wire.Message
	pos         map[string]int
	streaming   bool
	streamingID string
	// cancel aborts the generation this client has open, if any.
	cancel  context.CancelFunc
	seq     uint64
	localID uint64
}

func NewModel(api API, conversationID string, observer Observer, log *logger.Logger) *Model {
	if log == nil {
		log = logger.Nop()
	}
	return &Model{
		api:            api,
		conversationID: conversationID,
		observer:       observer,
		log:            log.With("conversation_id", conversationID),
		pos:            map[string]int{},
	}
}

func (m *Model) ConversationID() string { return m.conversationID }

func (m *Model) Title() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.title
}

// Messages returns a copy of the flat list in creation order.
func (m *Model) Messages() []wire.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]wire.Message(nil), m.messages...)
}

func (m *Model) Message(id string) (wire.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.pos[id]
	if !ok {
		return wire.Message{}, false
	}
	return m.messages[i], true
}

// Streaming reports whether a generation is open and the id of its
// assistant message once known.
func (m *Model) Streaming() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streaming, m.streamingID
}

// Load replaces the cache with the server snapshot, keeping the progress of
// any in-flight local messages the server has not flushed yet.
func (m *Model) Load(ctx context.Context) error {
	detail, err := m.api.GetConversation(ctx, m.conversationID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.title = detail.Title

	var overlay []wire.Message
	for _, msg := range m.messages {
		if msg.Status == wire.StatusStreaming || isLocalID(msg.ID) {
			overlay = append(overlay, msg)
		}
	}
	m.messages = mergeSnapshot(detail.Messages, overlay)
	m.reindex()
	return nil
}

// mergeSnapshot applies the local overlay to a server snapshot. Messages in
// both keep the longer content and a STREAMING status if either side has it;
// overlay messages the server does not know yet are appended.
func mergeSnapshot(snapshot, overlay []wire.Message) []wire.Message {
	out := append([]wire.Message(nil), snapshot...)
	at := make(map[string]int, len(out))
	for i, msg := range out {
		at[msg.ID] = i
	}
	for _, local := range overlay {
		if i, ok := at[local.ID]; ok {
			out[i] = mergeMessage(out[i], local)
			continue
		}
		at[local.ID] = len(out)
		out = append(out, local)
	}
	return out
}

// mergeMessage combines the server and local copies of one message. Content
// and status are chosen symmetrically; everything else comes from the server.
func mergeMessage(server, local wire.Message) wire.Message {
	out := server
	if len(local.Content) > len(server.Content) ||
		(len(local.Content) == len(server.Content) && local.Content > server.Content) {
		out.Content = local.Content
	}
	if local.Status == wire.StatusStreaming {
		out.Status = wire.StatusStreaming
	}
	return out
}

// Send opens a generation for a new user message.
func (m *Model) Send(ctx context.Context, text string, opts SendOptions) error {
	m.mu.Lock()
	var parent *string
	if last := m.lastNonUser(); last != "" {
		parent = &last
	}
	m.mu.Unlock()

	req := wire.GenerateRequest{
		ConversationID: m.conversationID,
		UserMessage:    text,
		Model:          opts.Model,
		SystemPrompt:   opts.SystemPrompt,
	}
	return m.generate(ctx, req, &wire.Message{Role: wire.RoleUser, Content: text, ParentID: parent}, "")
}

// Edit opens a generation for a new version of userMessageID.
func (m *Model) Edit(ctx context.Context, userMessageID, text string) error {
	prior, ok := m.Message(userMessageID)
	if !ok || prior.Role != wire.RoleUser || isLocalID(userMessageID) {
		return fmt.Errorf("edit: unknown user message %s", userMessageID)
	}
	req := wire.GenerateRequest{
		ConversationID:      m.conversationID,
		UserMessage:         text,
		IsEditedPrompt:      true,
		UserMessageParentID: userMessageID,
	}
	parent := userMessageID
	return m.generate(ctx, req, &wire.Message{Role: wire.RoleUser, Content: text, ParentID: &parent}, userMessageID)
}

// Regenerate asks for another answer to userMessageID.
func (m *Model) Regenerate(ctx context.Context, userMessageID string) error {
	m.mu.Lock()
	i, ok := m.pos[userMessageID]
	if !ok || m.messages[i].Role != wire.RoleUser || isLocalID(userMessageID) {
		m.mu.Unlock()
		return fmt.Errorf("regenerate: unknown user message %s", userMessageID)
	}
	next := m.nextVariant(userMessageID)
	m.mu.Unlock()

	req := wire.GenerateRequest{
		ConversationID:      m.conversationID,
		IsRegeneration:      true,
		ParentUserMessageID: userMessageID,
		VariantIndex:        next,
	}
	return m.generate(ctx, req, nil, "")
}

// Stop asks the server to cancel the live generation. The open stream then
// delivers end{interrupted}.
func (m *Model) Stop(ctx context.Context) error {
	_, err := m.api.Stop(ctx, m.conversationID)
	return err
}

// stream is the client side of one open generation.
type stream struct {
	seq         uint64
	tempID      string
	assistantID string
	terminal    wire.Event
}

func (m *Model) generate(ctx context.Context, req wire.GenerateRequest, local *wire.Message, editedID string) error {
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if editedID != "" {
		m.interruptChildren(editedID, wire.ReasonUserEditedPrompt)
	}
	if m.cancel != nil {
		m.cancel()
		m.interruptStreaming(wire.ReasonUserCancelled)
	}
	m.seq++
	st := &stream{seq: m.seq}
	m.cancel = cancel
	m.streaming = true
	m.streamingID = ""
	if local != nil {
		m.localID++
		msg := *local
		msg.ID = localIDPrefix + strconv.FormatUint(m.localID, 10)
		msg.ConversationID = m.conversationID
		msg.Status = wire.StatusComplete
		m.messages = append(m.messages, msg)
		m.pos[msg.ID] = len(m.messages) - 1
		st.tempID = msg.ID
	}
	m.mu.Unlock()

	err := m.api.Generate(gctx, req, func(e wire.Event) { m.apply(st, e) })

	m.mu.Lock()
	defer m.mu.Unlock()
	current := st.seq == m.seq
	if current {
		m.cancel = nil
	}
	if st.assistantID == "" && st.tempID != "" {
		// nothing was created on the server
		m.remove(st.tempID)
	}
	if err != nil {
		if current {
			if msg := m.at(st.assistantID); msg != nil && msg.Status == wire.StatusStreaming {
				// the server keeps going; a reload shows its final state
				status, reason := wire.StatusError, wire.ReasonError
				if gctx.Err() != nil {
					status, reason = wire.StatusInterrupted, wire.ReasonUserCancelled
				}
				msg.Status = status
				msg.FinishReason = &reason
			}
			m.streaming = false
			m.streamingID = ""
		}
		return err
	}
	if e, ok := st.terminal.(wire.Error); ok {
		return &GenerationError{Message: e.Message}
	}
	return nil
}

// apply folds one event into the cache. Events of a superseded stream are
// dropped.
func (m *Model) apply(st *stream, e wire.Event) {
	m.mu.Lock()
	if st.seq != m.seq {
		m.mu.Unlock()
		return
	}
	if wire.Terminal(e) {
		st.terminal = e
	}

	switch ev := e.(type) {
	case wire.Start:
		parent := ev.ParentID
		if st.tempID != "" && parent != nil {
			m.rename(st.tempID, *parent)
			st.tempID = ""
		}
		variant := 0
		if parent != nil {
			variant = m.nextVariant(*parent)
		}
		m.messages = append(m.messages, wire.Message{
			ID:             ev.MessageID,
			ConversationID: ev.ConversationID,
			Role:           wire.RoleAssistant,
			Status:         wire.StatusStreaming,
			ParentID:       parent,
			VariantIndex:   variant,
			Model:          ev.Model,
		})
		m.pos[ev.MessageID] = len(m.messages) - 1
		st.assistantID = ev.MessageID
		m.streaming = true
		m.streamingID = ev.MessageID

	case wire.Token:
		if msg := m.at(st.assistantID); msg != nil {
			msg.Content += ev.Token
		}

	case wire.Finish:
		if msg := m.at(st.assistantID); msg != nil {
			reason := ev.FinishReason
			msg.FinishReason = &reason
		}

	case wire.Status:
		// progress only

	case wire.StructuredData:
		if msg := m.at(st.assistantID); msg != nil {
			msg.StructuredData = ev.Data
		}

	case wire.VizConfig:
		if msg := m.at(st.assistantID); msg != nil {
			msg.VizConfig = ev.Config
		}

	case wire.Title:
		m.title = ev.Title

	case wire.End:
		if msg := m.at(st.assistantID); msg != nil {
			if ev.Status == wire.EndComplete {
				msg.Status = wire.StatusComplete
			} else {
				msg.Status = wire.StatusInterrupted
				reason := wire.ReasonUserCancelled
				msg.FinishReason = &reason
			}
		}
		m.streaming = false
		m.streamingID = ""

	case wire.Error:
		if msg := m.at(st.assistantID); msg != nil {
			msg.Status = wire.StatusError
			reason := wire.ReasonError
			msg.FinishReason = &reason
		}
		m.streaming = false
		m.streamingID = ""

	default:
		m.log.Warn("unhandled event", "event", e.EventName())
	}
	obs := m.observer
	m.mu.Unlock()

	if obs != nil {
		obs(e)
	}
}

func (m *Model) at(id string) *wire.Message {
	if id == "" {
		return nil
	}
	i, ok := m.pos[id]
	if !ok {
		return nil
	}
	return &m.messages[i]
}

// rename gives a local message its server id. When a reload already brought
// the server copy, the local one is dropped instead.
func (m *Model) rename(from, to string) {
	i, ok := m.pos[from]
	if !ok {
		return
	}
	if _, exists := m.pos[to]; exists {
		m.remove(from)
		return
	}
	delete(m.pos, from)
	m.messages[i].ID = to
	m.pos[to] = i
}

func (m *Model) remove(id string) {
	i, ok := m.pos[id]
	if !ok {
		return
	}
	m.messages = append(m.messages[:i], m.messages[i+1:]...)
	m.reindex()
}

func (m *Model) reindex() {
	m.pos = make(map[string]int, len(m.messages))
	for i, msg := range m.messages {
		m.pos[msg.ID] = i
	}
}

func (m *Model) lastNonUser() string {
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].Role != wire.RoleUser {
			return m.messages[i].ID
		}
	}
	return ""
}

func (m *Model) nextVariant(userID string) int {
	next := 0
	for _, msg := range m.messages {
		if msg.Role == wire.RoleAssistant && msg.ParentID != nil && *msg.ParentID == userID && msg.VariantIndex >= next {
			next = msg.VariantIndex + 1
		}
	}
	return next
}

func (m *Model) interruptChildren(userID, reason string) {
	for i := range m.messages {
		msg := &m.messages[i]
		if msg.Role == wire.RoleAssistant && msg.Status == wire.StatusStreaming && msg.ParentID != nil && *msg.ParentID == userID {
			msg.Status = wire.StatusInterrupted
			r := reason
			msg.FinishReason = &r
		}
	}
}

func (m *Model) interruptStreaming(reason string) {
	for i := range m.messages {
		msg := &m.messages[i]
		if msg.Role == wire.RoleAssistant && msg.Status == wire.StatusStreaming {
			msg.Status = wire.StatusInterrupted
			r := reason
			msg.FinishReason = &r
		}
	}
}

func isLocalID(id string) bool { return strings.HasPrefix(id, localIDPrefix) }
