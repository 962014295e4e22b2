package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/suPer8Hu/branchchat/internal/ai"
	"github.com/suPer8Hu/branchchat/internal/wire"
)

const titleInstruction = "Write a title of 3 to 6 words for this conversation. " +
	"Reply with the title only, without quotes or punctuation at the end."

// autoTitle names the conversation after its first answer. Failures leave the
// title as it is and emit nothing.
func (s *Service) autoTitle(genCtx, ctx context.Context, g *generation) {
	title, err := s.generateTitle(genCtx, g)
	if err != nil {
		g.log.Warn("auto title failed", "err", err)
		return
	}
	ok, err := s.store.SetTitleIf(context.WithoutCancel(ctx), g.conv.ConversationID, g.expectTitle, title)
	if err != nil {
		g.log.Warn("save title failed", "err", err)
		return
	}
	if !ok {
		// renamed while the answer streamed
		return
	}
	g.sink.Send(wire.Title{Title: title})
}

func (s *Service) generateTitle(ctx context.Context, g *generation) (string, error) {
	provider, model := g.model.provider, g.model.spec.ID
	if rm, err := s.resolveModel(ctx, s.opts.TitleModel); err == nil {
		provider, model = rm.provider, rm.spec.ID
	}

	raw, err := provider.Chat(ctx, ai.Request{
		Model: model,
		Messages: []ai.Message{
			{Role: RoleSystem, Content: titleInstruction},
			{Role: RoleUser, Content: truncateRunes(g.user.Content, 1000)},
			{Role: RoleAssistant, Content: truncateRunes(g.content.String(), 1000)},
			{Role: RoleUser, Content: "Title:"},
		},
		MaxTokens: 24,
	})
	if err != nil {
		return "", err
	}
	title := cleanTitle(raw)
	if title == "" {
		return "", errors.New("empty title")
	}
	return title, nil
}

func cleanTitle(raw string) string {
	t := strings.TrimSpace(raw)
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[:i]
	}
	t = strings.TrimSpace(strings.TrimPrefix(t, "Title:"))
	t = strings.Trim(t, "\"'`*#.:!? ")
	words := strings.Fields(t)
	if len(words) > 6 {
		words = words[:6]
	}
	return truncateRunes(strings.Join(words, " "), 80)
}
