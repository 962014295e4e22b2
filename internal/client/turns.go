package client

import (
	"cmp"
	"slices"

	"github.com/suPer8Hu/branchchat/internal/wire"
)

// Version is one edit of a user prompt with the answers to it, ordered by
// variant index.
type Version struct {
	User    wire.Message
	Answers []wire.Message
}

// Turn is a root user message with all of its edited versions, oldest first.
// AnchorID is the message the root follows; empty for the first turn.
type Turn struct {
	AnchorID string
	Versions []Version
}

func (t Turn) RootID() string { return t.Versions[0].User.ID }

// Cursors select what the visible thread shows. Version is keyed by the turn
// root id, Variant by the user version id. Missing entries pick the newest.
type Cursors struct {
	Version map[string]int
	Variant map[string]int
}

// Turns groups the flat message list into turns in creation order.
func (m *Model) Turns() []Turn {
	m.mu.Lock()
	msgs := append([]wire.Message(nil), m.messages...)
	m.mu.Unlock()
	return buildTurns(msgs)
}

// ActivePath resolves the thread the cursors select, oldest first.
func (m *Model) ActivePath(c Cursors) []wire.Message {
	return activePath(m.Turns(), c)
}

func buildTurns(msgs []wire.Message) []Turn {
	byID := make(map[string]wire.Message, len(msgs))
	for _, msg := range msgs {
		byID[msg.ID] = msg
	}
	edits := map[string][]wire.Message{}
	answers := map[string][]wire.Message{}
	for _, msg := range msgs {
		if msg.ParentID == nil {
			continue
		}
		switch msg.Role {
		case wire.RoleUser:
			if p, ok := byID[*msg.ParentID]; ok && p.Role == wire.RoleUser {
				edits[p.ID] = append(edits[p.ID], msg)
			}
		case wire.RoleAssistant:
			answers[*msg.ParentID] = append(answers[*msg.ParentID], msg)
		}
	}

	var turns []Turn
	for _, msg := range msgs {
		if msg.Role != wire.RoleUser {
			continue
		}
		anchor := ""
		if msg.ParentID != nil {
			p, ok := byID[*msg.ParentID]
			if ok && p.Role == wire.RoleUser {
				continue // an edit, not a root
			}
			if ok && p.Role != wire.RoleSystem {
				anchor = p.ID
			}
		}

		t := Turn{AnchorID: anchor}
		seen := map[string]bool{}
		queue := []wire.Message{msg}
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			if seen[v.ID] {
				continue
			}
			seen[v.ID] = true
			t.Versions = append(t.Versions, Version{User: v, Answers: sortVariants(answers[v.ID])})
			queue = append(queue, edits[v.ID]...)
		}
		turns = append(turns, t)
	}
	return turns
}

// sortVariants orders answers by variant index, keeping creation order for
// equal indexes.
func sortVariants(in []wire.Message) []wire.Message {
	out := slices.Clone(in)
	slices.SortStableFunc(out, func(a, b wire.Message) int {
		return cmp.Compare(a.VariantIndex, b.VariantIndex)
	})
	return out
}

func activePath(turns []Turn, c Cursors) []wire.Message {
	byAnchor := map[string][]Turn{}
	for _, t := range turns {
		byAnchor[t.AnchorID] = append(byAnchor[t.AnchorID], t)
	}

	var path []wire.Message
	anchor := ""
	for steps := 0; steps <= len(turns); steps++ {
		candidates := byAnchor[anchor]
		if len(candidates) == 0 {
			break
		}
		t := candidates[len(candidates)-1]
		v := t.Versions[pick(c.Version, t.RootID(), len(t.Versions))]
		path = append(path, v.User)
		if len(v.Answers) == 0 {
			break
		}
		a := v.Answers[pick(c.Variant, v.User.ID, len(v.Answers))]
		path = append(path, a)
		anchor = a.ID
	}
	return path
}

func pick(cursors map[string]int, key string, n int) int {
	i, ok := cursors[key]
	if !ok || i < 0 || i >= n {
		return n - 1
	}
	return i
}
