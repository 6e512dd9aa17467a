package pipeline

import (
	"fmt"
	"strings"

	"github.com/quarryhq/quarry/internal/history"
)

// Canned responses for intents that never reach retrieval.
const (
	greetingResponse  = "Hello! Ask me anything about your documents."
	gratitudeResponse = "You're welcome. Happy to help with anything else."
	garbageResponse   = "I couldn't make sense of that. Try asking a question about your documents."
	offTopicResponse  = "That looks unrelated to your document collections. Ask me about their content and I can help."
	commandResponse   = "I answer questions about your documents; use the quarry subcommands (ingest, collections, sessions) for management actions."
	clarifyResponse   = "I'm not sure what you're asking. Could you rephrase with a bit more detail?"
	noContentResponse = "I couldn't find relevant content in this collection for that question."
)

const answerPromptHeader = `Answer the question using ONLY the evidence passages below. Cite nothing outside them. If the evidence does not contain the answer, say so plainly.`

// strictEvidenceInstruction is appended on regeneration after a failed
// groundedness check.
const strictEvidenceInstruction = `Your previous answer included claims not found in the evidence. Rewrite it using strictly and only facts stated in the evidence passages. Do not add background knowledge.`

const historyPromptHeader = `Continue this conversation. Use the prior exchange as context for the new request.`

// buildAnswerPrompt assembles the generation prompt from evidence,
// conversation history, and the query. strict adds the stay-within-evidence
// instruction used on retries.
func buildAnswerPrompt(query string, batch RetrievalBatch, turns []history.Turn, strict bool) string {
	var b strings.Builder

	b.WriteString(answerPromptHeader)
	if strict {
		b.WriteString("\n\n")
		b.WriteString(strictEvidenceInstruction)
	}
	b.WriteString("\n\n")

	for i, r := range batch {
		fmt.Fprintf(&b, "Evidence %d (source: %s):\n%s\n\n", i+1, r.Passage.Source, r.Passage.Content)
	}

	writeHistory(&b, turns)

	fmt.Fprintf(&b, "Question: %s\n\nAnswer:", query)
	return b.String()
}

// buildHistoryPrompt assembles a prompt for conversation-dependent intents
// (followup, simplify, deepen) that rework the previous answer rather than
// retrieving new evidence.
func buildHistoryPrompt(query string, intent IntentLabel, turns []history.Turn) string {
	var b strings.Builder

	b.WriteString(historyPromptHeader)
	b.WriteString("\n\n")
	writeHistory(&b, turns)

	switch intent {
	case IntentSimplify:
		b.WriteString("Restate your previous answer in simpler, plainer language.\n")
	case IntentDeepen:
		b.WriteString("Expand your previous answer with more technical depth, staying consistent with it.\n")
	default:
		b.WriteString("Continue from your previous answer, addressing the new request.\n")
	}

	fmt.Fprintf(&b, "\nNew request: %s\n\nAnswer:", query)
	return b.String()
}

func writeHistory(b *strings.Builder, turns []history.Turn) {
	if len(turns) == 0 {
		return
	}
	b.WriteString("Conversation so far:\n")
	for _, t := range turns {
		fmt.Fprintf(b, "User: %s\nAssistant: %s\n", t.Query, t.Answer)
	}
	b.WriteString("\n")
}

// evidenceText concatenates batch contents for groundedness checking.
func evidenceText(batch RetrievalBatch) string {
	parts := make([]string, len(batch))
	for i, r := range batch {
		parts[i] = r.Passage.Content
	}
	return strings.Join(parts, "\n")
}
