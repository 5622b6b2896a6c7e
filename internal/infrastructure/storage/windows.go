package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"ArtifactFunnel/internal/domain"
)

var windowColumns = []string{"conversation_id", "window_id", "start_at", "end_at", "messages"}

// SaveWindow stores a window once; repeated deliveries are ignored.
func (s *Store) SaveWindow(ctx context.Context, window domain.ConversationWindow) (bool, error) {
	if err := window.Validate(); err != nil {
		return false, err
	}
	messages, err := json.Marshal(window.Messages)
	if err != nil {
		return false, fmt.Errorf("encode messages: %w", err)
	}

	n, err := s.affected(ctx, s.sb.Insert("conversation_windows").
		Columns(append(windowColumns, "ingested_at")...).
		Values(window.ConversationID, window.WindowID, toMillis(window.StartAt), toMillis(window.EndAt), string(messages), toMillis(s.now())).
		Suffix("ON CONFLICT DO NOTHING"))
	if err != nil {
		return false, fmt.Errorf("insert window %s: %w", window.Ref(), err)
	}
	return n > 0, nil
}

// Windows returns windows that end at or after since, ordered by time.
func (s *Store) Windows(ctx context.Context, since time.Time) ([]domain.ConversationWindow, error) {
	rows, err := s.query(ctx, s.sb.Select(windowColumns...).
		From("conversation_windows").
		Where(sq.GtOrEq{"end_at": toMillis(since)}).
		OrderBy("start_at", "conversation_id", "window_id"))
	if err != nil {
		return nil, fmt.Errorf("query windows: %w", err)
	}
	return scanWindows(rows)
}

// Window loads one window by reference.
func (s *Store) Window(ctx context.Context, ref domain.WindowRef) (domain.ConversationWindow, error) {
	row, err := s.queryRow(ctx, s.sb.Select(windowColumns...).
		From("conversation_windows").
		Where(sq.Eq{"conversation_id": ref.ConversationID, "window_id": ref.WindowID}))
	if err != nil {
		return domain.ConversationWindow{}, err
	}
	w, err := scanWindow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ConversationWindow{}, fmt.Errorf("window %s: %w", ref, domain.ErrNotFound)
	}
	return w, err
}

// MessagesAfter flattens messages of one conversation sent strictly after the given time.
// Overlapping windows may repeat a message; repeats are dropped by message id.
func (s *Store) MessagesAfter(ctx context.Context, conversationID string, after time.Time, limit int) ([]domain.Message, error) {
	rows, err := s.query(ctx, s.sb.Select(windowColumns...).
		From("conversation_windows").
		Where(sq.Eq{"conversation_id": conversationID}).
		Where(sq.Gt{"end_at": toMillis(after)}).
		OrderBy("start_at", "window_id"))
	if err != nil {
		return nil, fmt.Errorf("query messages after: %w", err)
	}
	windows, err := scanWindows(rows)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []domain.Message
	for _, w := range windows {
		for _, m := range w.Messages {
			if !m.SentAt.After(after) {
				continue
			}
			if m.ID != "" {
				if _, dup := seen[m.ID]; dup {
					continue
				}
				seen[m.ID] = struct{}{}
			}
			out = append(out, m)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// ExcludedConversations lists every excluded conversation id.
func (s *Store) ExcludedConversations(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, s.sb.Select("conversation_id").
		From("excluded_conversations").
		OrderBy("conversation_id"))
	if err != nil {
		return nil, fmt.Errorf("query exclusions: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, closeRows(rows, fmt.Errorf("scan exclusion: %w", err))
		}
		ids = append(ids, id)
	}
	return ids, closeRows(rows, nil)
}

// ExcludeConversation adds a conversation to the exclusion list.
func (s *Store) ExcludeConversation(ctx context.Context, conversationID, reason string) error {
	if conversationID == "" {
		return fmt.Errorf("exclude: conversation id required")
	}
	_, err := s.exec(ctx, s.sb.Insert("excluded_conversations").
		Columns("conversation_id", "reason", "excluded_at").
		Values(conversationID, reason, toMillis(s.now())).
		Suffix("ON CONFLICT (conversation_id) DO UPDATE SET reason = EXCLUDED.reason"))
	if err != nil {
		return fmt.Errorf("exclude %s: %w", conversationID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWindow(row rowScanner) (domain.ConversationWindow, error) {
	var (
		w          domain.ConversationWindow
		start, end int64
		messages   string
	)
	if err := row.Scan(&w.ConversationID, &w.WindowID, &start, &end, &messages); err != nil {
		return domain.ConversationWindow{}, err
	}
	w.StartAt = fromMillis(start)
	w.EndAt = fromMillis(end)
	if err := json.Unmarshal([]byte(messages), &w.Messages); err != nil {
		return domain.ConversationWindow{}, fmt.Errorf("decode messages of %s: %w", w.Ref(), err)
	}
	return w, nil
}

func scanWindows(rows *sql.Rows) ([]domain.ConversationWindow, error) {
	var out []domain.ConversationWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, closeRows(rows, fmt.Errorf("scan window: %w", err))
		}
		out = append(out, w)
	}
	return out, closeRows(rows, nil)
}
