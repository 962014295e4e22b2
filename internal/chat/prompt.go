package chat

import (
	"strings"

	"github.com/suPer8Hu/branchchat/internal/budget"
)

// branchPath returns the thread that ends at anchorID, oldest first, by
// walking parent pointers. Superseded versions of an edited prompt, system
// rows and assistant rows that are still streaming or empty are skipped.
func branchPath(all []Message, anchorID string) []Message {
	byID := make(map[string]*Message, len(all))
	for i := range all {
		byID[all[i].MessageID] = &all[i]
	}
	anchor, ok := byID[anchorID]
	if !ok {
		return nil
	}

	path := []Message{*anchor}
	seen := map[string]bool{anchorID: true}
	child := anchor
	for child.ParentID != nil {
		p, ok := byID[*child.ParentID]
		if !ok || seen[p.MessageID] {
			break
		}
		seen[p.MessageID] = true

		switch {
		case child.Role == RoleUser && p.Role == RoleUser:
			// p is an older version of child
		case p.Role == RoleSystem:
		case p.Role == RoleAssistant && (p.Status == StatusStreaming || strings.TrimSpace(p.Content) == ""):
		default:
			path = append(path, *p)
		}
		child = p
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// editTip follows the edit chain from versionID to its newest version. A
// chain that already forked continues through the most recent child.
func editTip(all []Message, versionID string) string {
	roles := make(map[string]string, len(all))
	for _, m := range all {
		roles[m.MessageID] = m.Role
	}
	next := map[string]string{}
	for _, m := range all {
		if m.Role == RoleUser && m.ParentID != nil && roles[*m.ParentID] == RoleUser {
			next[*m.ParentID] = m.MessageID
		}
	}

	tip := versionID
	seen := map[string]bool{tip: true}
	for {
		child, ok := next[tip]
		if !ok || seen[child] {
			return tip
		}
		seen[child] = true
		tip = child
	}
}

// systemPrompt picks the override, else the conversation's first SYSTEM
// message, else the default.
func systemPrompt(override string, all []Message) string {
	if s := strings.TrimSpace(override); s != "" {
		return s
	}
	for _, m := range all {
		if m.Role == RoleSystem && strings.TrimSpace(m.Content) != "" {
			return m.Content
		}
	}
	return defaultSystemPrompt
}

func toBudgetMessages(msgs []Message) []budget.Message {
	out := make([]budget.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, budget.Message{Role: strings.ToLower(m.Role), Content: m.Content})
	}
	return out
}

func hasCompletedAnswer(all []Message) bool {
	for _, m := range all {
		if m.Role == RoleAssistant && m.Status == StatusComplete {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
