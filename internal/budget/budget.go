// Package budget selects how much conversation history fits a model's context
// window and how many tokens remain for the completion.
package budget

// DefaultHeadroomRatio is used when the caller's ratio is outside (0, 1).
const DefaultHeadroomRatio = 0.25

// MessageOverhead is charged per message for role framing.
const MessageOverhead = 4

type Message struct {
	Role    string
	Content string
}

type Result struct {
	// Messages starts with the system message, followed by the selected
	// history in chronological order.
	Messages            []Message
	PromptTokens        int
	MaxCompletionTokens int
}

// Cost is the token charge of one message including its framing.
func Cost(c Counter, model string, m Message) int {
	return c.Count(model, m.Content) + MessageOverhead
}

// BuildPrompt keeps the longest suffix of history that, together with the
// system message, fits maxContextTokens minus the completion headroom. The
// walk stops at the first message that would overflow. The system message is
// always included, even when it alone exceeds the target.
func BuildPrompt(c Counter, model, systemPrompt string, history []Message, maxContextTokens int, headroomRatio float64) Result {
	if c == nil {
		c = Heuristic{}
	}
	if headroomRatio <= 0 || headroomRatio >= 1 {
		headroomRatio = DefaultHeadroomRatio
	}
	if maxContextTokens < 0 {
		maxContextTokens = 0
	}
	headroom := int(float64(maxContextTokens) * headroomRatio)
	target := maxContextTokens - headroom

	system := Message{Role: "system", Content: systemPrompt}
	used := Cost(c, model, system)

	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := Cost(c, model, history[i])
		if used+cost > target {
			break
		}
		used += cost
		start = i
	}

	out := make([]Message, 0, 1+len(history)-start)
	out = append(out, system)
	out = append(out, history[start:]...)
	return Result{
		Messages:            out,
		PromptTokens:        used,
		MaxCompletionTokens: headroom,
	}
}

// ClampCompletion bounds n by the model ceiling and raises it to floor.
func ClampCompletion(n, ceiling, floor int) int {
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	if n < floor {
		n = floor
	}
	return n
}
