package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"ArtifactFunnel/internal/domain"
)

const refChunk = 200

// SaveScreening stores a terminal screening verdict; a second verdict for the same window is ignored.
func (s *Store) SaveScreening(ctx context.Context, result domain.ScreeningResult) error {
	types, err := json.Marshal(orEmpty(result.CandidateTypes))
	if err != nil {
		return fmt.Errorf("encode candidate types: %w", err)
	}
	_, err = s.exec(ctx, s.sb.Insert("screening_results").
		Columns("conversation_id", "window_id", "has_artifacts", "candidate_types", "confidence", "model",
			"screened_at", "needs_manual_review", "note").
		Values(result.Window.ConversationID, result.Window.WindowID, boolInt(result.HasArtifacts), string(types),
			result.Confidence, result.Model, toMillis(result.ScreenedAt), boolInt(result.NeedsManualReview), result.Note).
		Suffix("ON CONFLICT DO NOTHING"))
	if err != nil {
		return fmt.Errorf("insert screening %s: %w", result.Window, err)
	}
	return nil
}

// ScreenedWindows reports which of refs already carry a screening result.
func (s *Store) ScreenedWindows(ctx context.Context, refs []domain.WindowRef) (map[domain.WindowRef]bool, error) {
	out := make(map[domain.WindowRef]bool, len(refs))
	for start := 0; start < len(refs); start += refChunk {
		end := min(start+refChunk, len(refs))
		rows, err := s.query(ctx, s.sb.Select("conversation_id", "window_id").
			From("screening_results").
			Where(refsPredicate(refs[start:end])))
		if err != nil {
			return nil, fmt.Errorf("query screened: %w", err)
		}
		for rows.Next() {
			var ref domain.WindowRef
			if err := rows.Scan(&ref.ConversationID, &ref.WindowID); err != nil {
				return nil, closeRows(rows, fmt.Errorf("scan screened: %w", err))
			}
			out[ref] = true
		}
		if err := closeRows(rows, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ScreeningResults lists verdicts recorded at or after since.
func (s *Store) ScreeningResults(ctx context.Context, since time.Time) ([]domain.ScreeningResult, error) {
	rows, err := s.query(ctx, s.sb.Select("conversation_id", "window_id", "has_artifacts", "candidate_types",
		"confidence", "model", "screened_at", "needs_manual_review", "note").
		From("screening_results").
		Where(sq.GtOrEq{"screened_at": toMillis(since)}).
		OrderBy("screened_at", "conversation_id", "window_id"))
	if err != nil {
		return nil, fmt.Errorf("query screenings: %w", err)
	}

	var out []domain.ScreeningResult
	for rows.Next() {
		var (
			r              domain.ScreeningResult
			has, review    int
			types          string
			screenedMillis int64
		)
		if err := rows.Scan(&r.Window.ConversationID, &r.Window.WindowID, &has, &types, &r.Confidence, &r.Model,
			&screenedMillis, &review, &r.Note); err != nil {
			return nil, closeRows(rows, fmt.Errorf("scan screening: %w", err))
		}
		r.HasArtifacts = has != 0
		r.NeedsManualReview = review != 0
		r.ScreenedAt = fromMillis(screenedMillis)
		if err := json.Unmarshal([]byte(types), &r.CandidateTypes); err != nil {
			return nil, closeRows(rows, fmt.Errorf("decode candidate types: %w", err))
		}
		out = append(out, r)
	}
	return out, closeRows(rows, nil)
}

var artifactColumns = []string{
	"id", "conversation_id", "window_id", "type", "summary", "verbatim_text", "actor", "recipient",
	"mentioned_at", "due_date", "status", "priority", "confidence", "extracted_at",
}

// InsertArtifact stores a new artifact. It reports false when the window already
// holds an artifact with the same normalized summary.
func (s *Store) InsertArtifact(ctx context.Context, a domain.Artifact) (bool, error) {
	key := domain.NormalizeText(a.Summary)
	if key == "" {
		return false, fmt.Errorf("insert artifact: empty summary")
	}
	if a.ID == "" {
		a.ID = domain.ArtifactID(a.Window, a.Summary)
	}
	if a.Status == "" {
		a.Status = domain.StatusOpen
	}

	n, err := s.affected(ctx, s.sb.Insert("artifacts").
		Columns(append(artifactColumns, "summary_key", "updated_at")...).
		Values(a.ID, a.Window.ConversationID, a.Window.WindowID, string(a.Type), a.Summary, a.VerbatimText, a.Actor,
			a.Recipient, nullMillis(a.MentionedAt), nullMillis(a.DueDate), string(a.Status), string(a.Priority),
			a.Confidence, toMillis(a.ExtractedAt), key, toMillis(s.now())).
		Suffix("ON CONFLICT DO NOTHING"))
	if err != nil {
		return false, fmt.Errorf("insert artifact %s: %w", a.ID, err)
	}
	return n > 0, nil
}

// Artifact loads one artifact.
func (s *Store) Artifact(ctx context.Context, id string) (domain.Artifact, error) {
	row, err := s.queryRow(ctx, s.sb.Select(artifactColumns...).From("artifacts").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.Artifact{}, err
	}
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Artifact{}, fmt.Errorf("artifact %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("load artifact %s: %w", id, err)
	}
	return a, nil
}

// ListArtifacts applies filter and orders by due date (undated last), then id.
func (s *Store) ListArtifacts(ctx context.Context, filter domain.ArtifactFilter) ([]domain.Artifact, error) {
	q := s.sb.Select(artifactColumns...).From("artifacts")
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		q = q.Where(sq.Eq{"type": types})
	}
	if len(filter.Statuses) > 0 {
		q = q.Where(sq.Eq{"status": statusStrings(filter.Statuses)})
	}
	if filter.OverdueAt != nil {
		q = q.Where(sq.NotEq{"due_date": nil}).
			Where(sq.Lt{"due_date": toMillis(*filter.OverdueAt)}).
			Where(sq.NotEq{"status": statusStrings(domain.TerminalStatuses)})
	}
	if len(filter.WindowRefs) > 0 {
		q = q.Where(refsPredicate(filter.WindowRefs))
	}
	q = q.OrderBy("(due_date IS NULL)", "due_date", "id")
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	return s.listArtifacts(ctx, q)
}

// DueForStatusCheck selects non-terminal artifacts due before dueBefore. Due date and status
// come from the same row read.
func (s *Store) DueForStatusCheck(ctx context.Context, dueBefore time.Time, limit int) ([]domain.Artifact, error) {
	q := s.sb.Select(artifactColumns...).
		From("artifacts").
		Where(sq.NotEq{"due_date": nil}).
		Where(sq.Lt{"due_date": toMillis(dueBefore)}).
		Where(sq.NotEq{"status": statusStrings(domain.TerminalStatuses)}).
		OrderBy("due_date", "id")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return s.listArtifacts(ctx, q)
}

// UpdateArtifactStatus changes the status of a non-terminal artifact.
func (s *Store) UpdateArtifactStatus(ctx context.Context, id string, status domain.ArtifactStatus) (bool, error) {
	n, err := s.affected(ctx, s.sb.Update("artifacts").
		Set("status", string(status)).
		Set("updated_at", toMillis(s.now())).
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"status": statusStrings(domain.TerminalStatuses)}))
	if err != nil {
		return false, fmt.Errorf("update artifact status %s: %w", id, err)
	}
	return n > 0, nil
}

// AppendStatusCheck adds a check to the artifact's history.
func (s *Store) AppendStatusCheck(ctx context.Context, check domain.StatusCheck) error {
	if check.ID == "" {
		check.ID = uuid.NewString()
	}
	evidence, err := json.Marshal(orEmpty(check.Evidence))
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	_, err = s.exec(ctx, s.sb.Insert("status_checks").
		Columns("id", "artifact_id", "window_from", "window_to", "status", "previous_status", "rationale",
			"evidence", "needs_manual_review", "model", "checked_at").
		Values(check.ID, check.ArtifactID, toMillis(check.WindowFrom), toMillis(check.WindowTo), string(check.Status),
			string(check.PreviousStatus), check.Rationale, string(evidence), boolInt(check.NeedsManualReview),
			check.Model, toMillis(check.CheckedAt)))
	if err != nil {
		return fmt.Errorf("insert status check %s: %w", check.ArtifactID, err)
	}
	return nil
}

// StatusChecks returns check history per artifact, oldest first.
func (s *Store) StatusChecks(ctx context.Context, artifactIDs []string) (map[string][]domain.StatusCheck, error) {
	out := make(map[string][]domain.StatusCheck)
	for start := 0; start < len(artifactIDs); start += refChunk {
		end := min(start+refChunk, len(artifactIDs))
		rows, err := s.query(ctx, s.sb.Select("id", "artifact_id", "window_from", "window_to", "status",
			"previous_status", "rationale", "evidence", "needs_manual_review", "model", "checked_at").
			From("status_checks").
			Where(sq.Eq{"artifact_id": artifactIDs[start:end]}).
			OrderBy("checked_at", "id"))
		if err != nil {
			return nil, fmt.Errorf("query status checks: %w", err)
		}
		for rows.Next() {
			var (
				c                     domain.StatusCheck
				status, prev, evid    string
				review                int
				from, to, checkedAtMs int64
			)
			if err := rows.Scan(&c.ID, &c.ArtifactID, &from, &to, &status, &prev, &c.Rationale, &evid, &review,
				&c.Model, &checkedAtMs); err != nil {
				return nil, closeRows(rows, fmt.Errorf("scan status check: %w", err))
			}
			c.WindowFrom = fromMillis(from)
			c.WindowTo = fromMillis(to)
			c.Status = domain.ArtifactStatus(status)
			c.PreviousStatus = domain.ArtifactStatus(prev)
			c.NeedsManualReview = review != 0
			c.CheckedAt = fromMillis(checkedAtMs)
			if err := json.Unmarshal([]byte(evid), &c.Evidence); err != nil {
				return nil, closeRows(rows, fmt.Errorf("decode evidence: %w", err))
			}
			out[c.ArtifactID] = append(out[c.ArtifactID], c)
		}
		if err := closeRows(rows, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) listArtifacts(ctx context.Context, q sq.SelectBuilder) ([]domain.Artifact, error) {
	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	var out []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, closeRows(rows, fmt.Errorf("scan artifact: %w", err))
		}
		out = append(out, a)
	}
	return out, closeRows(rows, nil)
}

func scanArtifact(row rowScanner) (domain.Artifact, error) {
	var a domain.Artifact
	var typ, status, priority string
	var mentioned, due sql.NullInt64
	var extracted int64
	err := row.Scan(&a.ID, &a.Window.ConversationID, &a.Window.WindowID, &typ, &a.Summary, &a.VerbatimText,
		&a.Actor, &a.Recipient, &mentioned, &due, &status, &priority, &a.Confidence, &extracted)
	if err != nil {
		return domain.Artifact{}, err
	}
	a.Type = domain.ArtifactType(typ)
	a.Status = domain.ArtifactStatus(status)
	a.Priority = domain.Priority(priority)
	a.MentionedAt = timePtr(mentioned)
	a.DueDate = timePtr(due)
	a.ExtractedAt = fromMillis(extracted)
	return a, nil
}

func refsPredicate(refs []domain.WindowRef) sq.Sqlizer {
	byConversation := make(map[string][]string)
	var order []string
	for _, ref := range refs {
		if _, ok := byConversation[ref.ConversationID]; !ok {
			order = append(order, ref.ConversationID)
		}
		byConversation[ref.ConversationID] = append(byConversation[ref.ConversationID], ref.WindowID)
	}
	or := make(sq.Or, 0, len(order))
	for _, conv := range order {
		or = append(or, sq.Eq{"conversation_id": conv, "window_id": byConversation[conv]})
	}
	return or
}

func statusStrings(statuses []domain.ArtifactStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
