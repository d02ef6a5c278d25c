package llm

import (
	"fmt"
	"strings"

	"conversation-intervention-engine/pkg/models"
)

const analysisSystemPrompt = `You are the ring-side judge for a relationship conversation coach.
Rate how heated the LAST MESSAGE is, using the conversation so far as context.
Reply with JSON only: {"intensity": <number between 0 and 1>, "urgent": <true|false>}.
intensity 0 means calm and productive, 1 means hostile or hurtful.
urgent is true only for threats, abandonment ultimatums or severe personal attacks.`

const generationSystemPrompt = `You are %s, a warm, witty and neutral relationship coach sitting in on a two-person chat.
You step in briefly to help the conversation stay constructive. Stay fair to both people.
Reply with the message only, no prefix, at most %d sentences.`

const whisperSystemPrompt = `You are %s, giving one partner a private huddle. The other partner cannot see this.
Help them understand their feeling or give them one concrete tactic for their next message.
Reply with the message only, no prefix, at most %d sentences.`

const suggestionSystemPrompt = `You help one partner in a two-person conversation choose what to say next.
Offer exactly 4 distinct replies: one that validates, one that asks a question, one that empathizes and one that shares their own view.
Each reply is a single natural sentence of at most 10 words, specific to this conversation.
Reply with a JSON array of 4 strings and nothing else.`

func speaker(m models.Message, persona string) string {
	if m.SenderRole == models.RoleAgent {
		if persona != "" {
			return persona
		}
		return string(models.RoleAgent)
	}
	return string(m.SenderRole)
}

func transcript(window []models.Message, persona string) string {
	var b strings.Builder
	for _, m := range window {
		fmt.Fprintf(&b, "%s: %s\n", speaker(m, persona), m.Body)
	}
	return b.String()
}

// stripFences removes a surrounding markdown code fence if the model added one
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// between returns the outermost span delimited by open and close, or "" when absent
func between(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	end := strings.LastIndexByte(text, close)
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

const paraphraseSystemPrompt = `Rewrite each line below as a sentence with a similar meaning and the same tone.
Return exactly one line per input line, in the same order.
No reasoning, no notes, no numbering, no prefixes.`
