package domain

import (
	"fmt"
	"strings"
	"time"
)

// Message is a single chat message inside a conversation window.
type Message struct {
	ID     string    `json:"id"`
	Author string    `json:"author"`
	SentAt time.Time `json:"sent_at"`
	Text   string    `json:"text"`
}

// WindowRef identifies a window across conversations.
type WindowRef struct {
	ConversationID string `json:"conversation_id"`
	WindowID       string `json:"window_id"`
}

// Key is the globally unique textual form used inside correlation ids.
func (r WindowRef) Key() string {
	return r.ConversationID + "/" + r.WindowID
}

func (r WindowRef) String() string {
	return r.Key()
}

// IsZero reports whether the reference is unset.
func (r WindowRef) IsZero() bool {
	return r.ConversationID == "" && r.WindowID == ""
}

// ConversationWindow is an ordered, contiguous slice of one conversation.
// Windows are produced by an upstream chunker and never modified here.
type ConversationWindow struct {
	ConversationID string    `json:"conversation_id"`
	WindowID       string    `json:"window_id"`
	StartAt        time.Time `json:"start_at"`
	EndAt          time.Time `json:"end_at"`
	Messages       []Message `json:"messages"`
}

// Ref returns the identifying pair of the window.
func (w ConversationWindow) Ref() WindowRef {
	return WindowRef{ConversationID: w.ConversationID, WindowID: w.WindowID}
}

// Validate checks the structural invariants of an incoming window.
func (w ConversationWindow) Validate() error {
	if strings.TrimSpace(w.ConversationID) == "" || strings.TrimSpace(w.WindowID) == "" {
		return fmt.Errorf("window requires conversation and window ids")
	}
	if w.EndAt.Before(w.StartAt) {
		return fmt.Errorf("window %s ends before it starts", w.Ref())
	}
	for i := 1; i < len(w.Messages); i++ {
		if w.Messages[i].SentAt.Before(w.Messages[i-1].SentAt) {
			return fmt.Errorf("window %s messages are not ordered by time", w.Ref())
		}
	}
	return nil
}

// Transcript renders messages as "[2006-01-02 15:04] author: text" lines.
func (w ConversationWindow) Transcript() string {
	return Transcript(w.Messages)
}

// Transcript renders an arbitrary message slice the same way windows do.
func Transcript(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		author := m.Author
		if author == "" {
			author = "unknown"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.SentAt.UTC().Format("2006-01-02 15:04"), author, text)
	}
	return b.String()
}
