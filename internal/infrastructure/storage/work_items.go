package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/ports"
)

var workItemColumns = []string{
	"id", "correlation_id", "stage", "attempt", "payload", "state", "batch_handle", "result", "error",
	"flagged", "note", "created_at", "submitted_at", "completed_at", "handled_at", "superseded_at",
}

// liveItem restricts to the single row the unique index protects.
var liveItem = sq.And{sq.NotEq{"state": string(domain.WorkFailed)}, sq.Eq{"superseded_at": nil}}

// EnqueueWorkItem applies the idempotency contract: a live item for the correlation id is reused;
// a completed one is superseded only when force is set; failed attempts never block a new attempt.
func (s *Store) EnqueueWorkItem(ctx context.Context, item domain.BatchWorkItem, force bool) (domain.BatchWorkItem, bool, error) {
	if item.CorrelationID == "" {
		return domain.BatchWorkItem{}, false, fmt.Errorf("enqueue: correlation id required")
	}
	if item.Stage == "" {
		stage, err := domain.StageOf(item.CorrelationID)
		if err != nil {
			return domain.BatchWorkItem{}, false, fmt.Errorf("enqueue: %w", err)
		}
		item.Stage = stage
	}

	var (
		out     domain.BatchWorkItem
		created bool
	)
	err := s.InTx(ctx, func(repo ports.Repository) error {
		tx := repo.(*Store)
		now := tx.now()

		existing, err := tx.liveWorkItem(ctx, item.CorrelationID)
		switch {
		case err == nil:
			if existing.State != domain.WorkCompleted || !force {
				out = existing
				return nil
			}
			if _, err := tx.exec(ctx, tx.sb.Update("batch_work_items").
				Set("superseded_at", toMillis(now)).
				Where(sq.Eq{"id": existing.ID})); err != nil {
				return fmt.Errorf("supersede %d: %w", existing.ID, err)
			}
		case errors.Is(err, domain.ErrNotFound):
		default:
			return err
		}

		var maxAttempt sql.NullInt64
		row, err := tx.queryRow(ctx, tx.sb.Select("MAX(attempt)").
			From("batch_work_items").
			Where(sq.Eq{"correlation_id": item.CorrelationID}))
		if err != nil {
			return err
		}
		if err := row.Scan(&maxAttempt); err != nil {
			return fmt.Errorf("load attempts: %w", err)
		}

		item.Attempt = int(maxAttempt.Int64) + 1
		item.State = domain.WorkPending
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}

		row, err = tx.queryRow(ctx, tx.sb.Insert("batch_work_items").
			Columns("correlation_id", "stage", "attempt", "payload", "state", "created_at").
			Values(item.CorrelationID, string(item.Stage), item.Attempt, string(item.Payload), string(item.State), toMillis(item.CreatedAt)).
			Suffix("RETURNING id"))
		if err != nil {
			return err
		}
		if err := row.Scan(&item.ID); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("enqueue %s: %w", item.CorrelationID, domain.ErrIdempotencyViolation)
			}
			return fmt.Errorf("insert work item %s: %w", item.CorrelationID, err)
		}
		item.CreatedAt = fromMillis(toMillis(item.CreatedAt))
		out = item
		created = true
		return nil
	})
	if err != nil {
		return domain.BatchWorkItem{}, false, err
	}
	return out, created, nil
}

func (s *Store) liveWorkItem(ctx context.Context, correlationID string) (domain.BatchWorkItem, error) {
	row, err := s.queryRow(ctx, s.sb.Select(workItemColumns...).
		From("batch_work_items").
		Where(sq.Eq{"correlation_id": correlationID}).
		Where(liveItem))
	if err != nil {
		return domain.BatchWorkItem{}, err
	}
	item, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BatchWorkItem{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.BatchWorkItem{}, fmt.Errorf("load work item %s: %w", correlationID, err)
	}
	return item, nil
}

// PendingWorkItems returns the oldest pending items of a stage.
func (s *Store) PendingWorkItems(ctx context.Context, stage domain.Stage, limit int) ([]domain.BatchWorkItem, error) {
	q := s.sb.Select(workItemColumns...).
		From("batch_work_items").
		Where(sq.Eq{"stage": string(stage), "state": string(domain.WorkPending), "superseded_at": nil}).
		OrderBy("id")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return s.listWorkItems(ctx, q)
}

// ClaimPending moves up to limit of the oldest pending items of a stage to submitting
// under token. The state guard on the update is the arbiter between concurrent
// submitters: only rows this call moved are returned.
func (s *Store) ClaimPending(ctx context.Context, stage domain.Stage, limit int, token string, at time.Time) ([]domain.BatchWorkItem, error) {
	if token == "" {
		return nil, fmt.Errorf("claim %s: token required", stage)
	}

	var claimed []domain.BatchWorkItem
	err := s.InTx(ctx, func(repo ports.Repository) error {
		tx := repo.(*Store)
		pending, err := tx.PendingWorkItems(ctx, stage, limit)
		if err != nil || len(pending) == 0 {
			return err
		}
		ids := make([]int64, 0, len(pending))
		for _, item := range pending {
			ids = append(ids, item.ID)
		}

		if _, err := tx.exec(ctx, tx.sb.Update("batch_work_items").
			Set("state", string(domain.WorkSubmitting)).
			Set("claim_token", token).
			Set("claimed_at", toMillis(at)).
			Where(sq.Eq{"id": ids, "state": string(domain.WorkPending)})); err != nil {
			return fmt.Errorf("claim %s: %w", stage, err)
		}

		claimed, err = tx.listWorkItems(ctx, tx.sb.Select(workItemColumns...).
			From("batch_work_items").
			Where(sq.Eq{"id": ids, "claim_token": token, "state": string(domain.WorkSubmitting)}).
			OrderBy("id"))
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkSubmitted binds claimed items to one provider handle.
// Items no longer held under token indicate a second submitter and are reported as idempotency violations.
func (s *Store) MarkSubmitted(ctx context.Context, token string, ids []int64, handle string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	n, err := s.affected(ctx, s.sb.Update("batch_work_items").
		Set("state", string(domain.WorkSubmitted)).
		Set("batch_handle", handle).
		Set("submitted_at", toMillis(at)).
		Where(sq.Eq{"id": ids, "claim_token": token, "state": string(domain.WorkSubmitting)}))
	if err != nil {
		return fmt.Errorf("mark submitted %s: %w", handle, err)
	}
	if int(n) != len(ids) {
		return fmt.Errorf("mark submitted %s: %d of %d items were not claimed: %w", handle, len(ids)-int(n), len(ids), domain.ErrIdempotencyViolation)
	}
	return nil
}

// ReleaseClaim returns claimed items that never reached the provider to pending.
func (s *Store) ReleaseClaim(ctx context.Context, token string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.exec(ctx, s.sb.Update("batch_work_items").
		Set("state", string(domain.WorkPending)).
		Set("claim_token", "").
		Set("claimed_at", nil).
		Where(sq.Eq{"id": ids, "claim_token": token, "state": string(domain.WorkSubmitting)}))
	if err != nil {
		return fmt.Errorf("release claim %s: %w", token, err)
	}
	return nil
}

// OutstandingBatches groups submitted items by provider handle, oldest first.
func (s *Store) OutstandingBatches(ctx context.Context) ([]domain.OutstandingBatch, error) {
	return s.groupedBatches(ctx, "batch_handle", "submitted_at", sq.Eq{"state": string(domain.WorkSubmitted)})
}

// StaleClaims groups items still claimed before claimedBefore by claim token. Such items
// may already be at the provider, so they are never made pending again automatically.
func (s *Store) StaleClaims(ctx context.Context, claimedBefore time.Time) ([]domain.OutstandingBatch, error) {
	return s.groupedBatches(ctx, "claim_token", "claimed_at", sq.And{
		sq.Eq{"state": string(domain.WorkSubmitting)},
		sq.Lt{"claimed_at": toMillis(claimedBefore)},
	})
}

func (s *Store) groupedBatches(ctx context.Context, key, at string, where sq.Sqlizer) ([]domain.OutstandingBatch, error) {
	rows, err := s.query(ctx, s.sb.Select(key, "stage", "COUNT(*)", "MIN("+at+")").
		From("batch_work_items").
		Where(where).
		GroupBy(key, "stage").
		OrderBy("MIN("+at+")", key))
	if err != nil {
		return nil, fmt.Errorf("query outstanding: %w", err)
	}

	var out []domain.OutstandingBatch
	for rows.Next() {
		var (
			b         domain.OutstandingBatch
			id        string
			stage     string
			submitted sql.NullInt64
		)
		if err := rows.Scan(&id, &stage, &b.Items, &submitted); err != nil {
			return nil, closeRows(rows, fmt.Errorf("scan outstanding: %w", err))
		}
		if key == "claim_token" {
			b.Claim = id
		} else {
			b.Handle = id
		}
		b.Stage = domain.Stage(stage)
		if submitted.Valid {
			b.SubmittedAt = fromMillis(submitted.Int64)
		}
		out = append(out, b)
	}
	return out, closeRows(rows, nil)
}

// InFlightWorkItem reports whether an item whose correlation id starts with prefix
// is still pending or at the provider.
func (s *Store) InFlightWorkItem(ctx context.Context, prefix string) (bool, error) {
	var n int
	row, err := s.queryRow(ctx, s.sb.Select("COUNT(*)").
		From("batch_work_items").
		Where(sq.Like{"correlation_id": prefix + "%"}).
		Where(sq.Eq{
			"state":         []string{string(domain.WorkPending), string(domain.WorkSubmitting), string(domain.WorkSubmitted)},
			"superseded_at": nil,
		}))
	if err != nil {
		return false, err
	}
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("count in-flight %s: %w", prefix, err)
	}
	return n > 0, nil
}

// WorkItemsByHandle lists every item recorded under a provider handle.
func (s *Store) WorkItemsByHandle(ctx context.Context, handle string) ([]domain.BatchWorkItem, error) {
	return s.listWorkItems(ctx, s.sb.Select(workItemColumns...).
		From("batch_work_items").
		Where(sq.Eq{"batch_handle": handle}).
		OrderBy("id"))
}

// CompleteWorkItem stores the provider result. Items no longer submitted are left untouched.
func (s *Store) CompleteWorkItem(ctx context.Context, id int64, result []byte, at time.Time) error {
	_, err := s.exec(ctx, s.sb.Update("batch_work_items").
		Set("state", string(domain.WorkCompleted)).
		Set("result", string(result)).
		Set("completed_at", toMillis(at)).
		Where(sq.Eq{"id": id, "state": string(domain.WorkSubmitted)}))
	if err != nil {
		return fmt.Errorf("complete work item %d: %w", id, err)
	}
	return nil
}

// FailWorkItem records a terminal failure with its reason.
func (s *Store) FailWorkItem(ctx context.Context, id int64, reason string, at time.Time) error {
	_, err := s.exec(ctx, s.sb.Update("batch_work_items").
		Set("state", string(domain.WorkFailed)).
		Set("error", reason).
		Set("completed_at", toMillis(at)).
		Where(sq.Eq{"id": id, "state": []string{string(domain.WorkPending), string(domain.WorkSubmitting), string(domain.WorkSubmitted)}}))
	if err != nil {
		return fmt.Errorf("fail work item %d: %w", id, err)
	}
	return nil
}

// UnhandledCompleted returns completed items whose result was not yet dispatched.
func (s *Store) UnhandledCompleted(ctx context.Context, stage domain.Stage, limit int) ([]domain.BatchWorkItem, error) {
	q := s.sb.Select(workItemColumns...).
		From("batch_work_items").
		Where(sq.Eq{
			"stage":         string(stage),
			"state":         string(domain.WorkCompleted),
			"handled_at":    nil,
			"superseded_at": nil,
		}).
		OrderBy("id")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return s.listWorkItems(ctx, q)
}

// MarkHandled records dispatch of a completed item. It reports false when another
// caller handled the item first.
func (s *Store) MarkHandled(ctx context.Context, id int64, flagged bool, note string, at time.Time) (bool, error) {
	n, err := s.affected(ctx, s.sb.Update("batch_work_items").
		Set("handled_at", toMillis(at)).
		Set("flagged", boolInt(flagged)).
		Set("note", note).
		Where(sq.Eq{"id": id, "handled_at": nil}))
	if err != nil {
		return false, fmt.Errorf("mark handled %d: %w", id, err)
	}
	return n == 1, nil
}

// WorkItemHistory returns every attempt for a correlation id, oldest first.
func (s *Store) WorkItemHistory(ctx context.Context, correlationID string) ([]domain.BatchWorkItem, error) {
	return s.listWorkItems(ctx, s.sb.Select(workItemColumns...).
		From("batch_work_items").
		Where(sq.Eq{"correlation_id": correlationID}).
		OrderBy("attempt", "id"))
}

func (s *Store) listWorkItems(ctx context.Context, q sq.SelectBuilder) ([]domain.BatchWorkItem, error) {
	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query work items: %w", err)
	}
	var out []domain.BatchWorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, closeRows(rows, fmt.Errorf("scan work item: %w", err))
		}
		out = append(out, item)
	}
	return out, closeRows(rows, nil)
}

func scanWorkItem(row rowScanner) (domain.BatchWorkItem, error) {
	var item domain.BatchWorkItem
	var stage, state, payload, result string
	var flagged int
	var created int64
	var submitted, completed, handled, superseded sql.NullInt64
	err := row.Scan(&item.ID, &item.CorrelationID, &stage, &item.Attempt, &payload, &state, &item.BatchHandle,
		&result, &item.Error, &flagged, &item.Note, &created, &submitted, &completed, &handled, &superseded)
	if err != nil {
		return domain.BatchWorkItem{}, err
	}
	item.Stage = domain.Stage(stage)
	item.State = domain.WorkState(state)
	item.Payload = []byte(payload)
	if result != "" {
		item.Result = []byte(result)
	}
	item.Flagged = flagged != 0
	item.CreatedAt = fromMillis(created)
	item.SubmittedAt = timePtr(submitted)
	item.CompletedAt = timePtr(completed)
	item.HandledAt = timePtr(handled)
	item.SupersededAt = timePtr(superseded)
	return item, nil
}
