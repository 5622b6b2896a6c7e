package funnel

import (
	"fmt"
	"strings"
	"time"

	"ArtifactFunnel/internal/domain"
)

const screenSystemPrompt = `You screen chat transcripts for actionable artifacts: commitments, requests, decisions, deadlines and agreements.
Favour recall: when unsure, answer true with a lower confidence.
Respond ONLY with a JSON object:
{"has_artifacts": true|false, "candidate_types": ["commitment"|"request"|"decision"|"deadline"|"agreement"], "confidence": 0.0-1.0}`

const extractSystemPrompt = `You extract actionable artifacts from a chat transcript.
Each artifact is one of: commitment, request, decision, deadline, agreement.
Resolve relative dates ("by Friday") against the message timestamps. Use ISO dates (YYYY-MM-DD) or RFC3339.
Respond ONLY with a JSON object:
{"artifacts": [{"type": "...", "summary": "short imperative phrase", "verbatim_text": "quote", "actor": "who", "recipient": "whom",
"mentioned_at": "...", "due_date": "...", "priority": "low|medium|high", "confidence": 0.0-1.0}]}
Return {"artifacts": []} when there is nothing to extract.`

const statusSystemPrompt = `You decide whether a tracked artifact was fulfilled, using only messages written after its due date.
Statuses: open, pending (not done yet, no evidence of progress), fulfilled, blocked, cancelled.
If the messages are ambiguous, set needs_manual_review to true instead of guessing.
Respond ONLY with a JSON object:
{"status": "...", "rationale": "one or two sentences", "evidence": ["quoted message", ...], "needs_manual_review": true|false}`

const maxTranscriptRunes = 60000

// windowMeta travels with screening and extraction prompts.
type windowMeta struct {
	ConversationID string    `json:"conversation_id"`
	WindowID       string    `json:"window_id"`
	StartAt        time.Time `json:"start_at"`
	EndAt          time.Time `json:"end_at"`
}

func (m windowMeta) ref() domain.WindowRef {
	return domain.WindowRef{ConversationID: m.ConversationID, WindowID: m.WindowID}
}

// statusMeta travels with status-check prompts.
type statusMeta struct {
	ArtifactID string    `json:"artifact_id"`
	WindowFrom time.Time `json:"window_from"`
	WindowTo   time.Time `json:"window_to"`
}

func screenUserPrompt(w domain.ConversationWindow) string {
	return fmt.Sprintf("Conversation %s, window %s (%s to %s).\n\nTranscript:\n%s",
		w.ConversationID, w.WindowID, formatTime(w.StartAt), formatTime(w.EndAt), truncate(w.Transcript(), maxTranscriptRunes))
}

func extractUserPrompt(w domain.ConversationWindow, hint []domain.ArtifactType) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation %s, window %s (%s to %s).\n", w.ConversationID, w.WindowID, formatTime(w.StartAt), formatTime(w.EndAt))
	if len(hint) > 0 {
		names := make([]string, len(hint))
		for i, t := range hint {
			names[i] = string(t)
		}
		fmt.Fprintf(&b, "Screening suggested: %s.\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(&b, "\nTranscript:\n%s", truncate(w.Transcript(), maxTranscriptRunes))
	return b.String()
}

func statusUserPrompt(a domain.Artifact, messages []domain.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Artifact (%s): %s\n", a.Type, a.Summary)
	if a.Actor != "" {
		fmt.Fprintf(&b, "Who: %s\n", a.Actor)
	}
	if a.Recipient != "" {
		fmt.Fprintf(&b, "For: %s\n", a.Recipient)
	}
	if a.VerbatimText != "" {
		fmt.Fprintf(&b, "Original text: %q\n", a.VerbatimText)
	}
	if a.DueDate != nil {
		fmt.Fprintf(&b, "Due: %s\n", formatTime(*a.DueDate))
	}
	fmt.Fprintf(&b, "Current status: %s\n\nMessages after the due date:\n%s", a.Status, truncate(domain.Transcript(messages), maxTranscriptRunes))
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 MST")
}
