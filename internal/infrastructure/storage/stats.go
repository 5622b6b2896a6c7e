package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"ArtifactFunnel/internal/domain"
)

// FunnelStats aggregates counts across all funnel tables.
func (s *Store) FunnelStats(ctx context.Context, staleBefore time.Time) (domain.FunnelStats, error) {
	stats := domain.FunnelStats{ArtifactsByStatus: map[domain.ArtifactStatus]int{}}

	counts := []struct {
		dst *int
		q   sq.SelectBuilder
	}{
		{&stats.Windows, s.sb.Select("COUNT(*)").From("conversation_windows")},
		{&stats.Excluded, s.sb.Select("COUNT(*)").From("excluded_conversations")},
		{&stats.Screened, s.sb.Select("COUNT(*)").From("screening_results")},
		{&stats.Flagged, s.sb.Select("COUNT(*)").From("screening_results").Where(sq.Eq{"has_artifacts": 1})},
		{&stats.ScreeningNeedsReview, s.sb.Select("COUNT(*)").From("screening_results").Where(sq.Eq{"needs_manual_review": 1})},
		{&stats.Extracted, s.sb.Select("COUNT(*)").From("artifacts")},
		{&stats.StatusChecks, s.sb.Select("COUNT(*)").From("status_checks")},
		{&stats.StatusChecksNeedsReview, s.sb.Select("COUNT(*)").From("status_checks").Where(sq.Eq{"needs_manual_review": 1})},
	}
	for _, c := range counts {
		row, err := s.queryRow(ctx, c.q)
		if err != nil {
			return domain.FunnelStats{}, err
		}
		if err := row.Scan(c.dst); err != nil {
			return domain.FunnelStats{}, fmt.Errorf("count: %w", err)
		}
	}

	rows, err := s.query(ctx, s.sb.Select("status", "COUNT(*)").From("artifacts").GroupBy("status"))
	if err != nil {
		return domain.FunnelStats{}, fmt.Errorf("query artifact statuses: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.FunnelStats{}, closeRows(rows, fmt.Errorf("scan artifact status: %w", err))
		}
		stats.ArtifactsByStatus[domain.ArtifactStatus(status)] = n
	}
	if err := closeRows(rows, nil); err != nil {
		return domain.FunnelStats{}, err
	}

	byStage := make(map[domain.Stage]*domain.StageStats, len(domain.Stages))
	for _, stage := range domain.Stages {
		st := &domain.StageStats{Stage: stage, ByState: map[domain.WorkState]int{}}
		for _, state := range domain.WorkStates {
			st.ByState[state] = 0
		}
		byStage[stage] = st
	}

	rows, err = s.query(ctx, s.sb.Select("stage", "state", "COUNT(*)").
		From("batch_work_items").
		GroupBy("stage", "state"))
	if err != nil {
		return domain.FunnelStats{}, fmt.Errorf("query work item states: %w", err)
	}
	for rows.Next() {
		var stage, state string
		var n int
		if err := rows.Scan(&stage, &state, &n); err != nil {
			return domain.FunnelStats{}, closeRows(rows, fmt.Errorf("scan work item state: %w", err))
		}
		if st, ok := byStage[domain.Stage(stage)]; ok {
			st.ByState[domain.WorkState(state)] = n
		}
	}
	if err := closeRows(rows, nil); err != nil {
		return domain.FunnelStats{}, err
	}

	perStage := []struct {
		column string
		where  sq.Sqlizer
	}{
		{"flagged", sq.Eq{"flagged": 1}},
		{"unhandled", sq.Eq{"state": string(domain.WorkCompleted), "handled_at": nil, "superseded_at": nil}},
		{"stale", sq.Or{
			sq.And{sq.Eq{"state": string(domain.WorkSubmitted)}, sq.Lt{"submitted_at": toMillis(staleBefore)}},
			sq.And{sq.Eq{"state": string(domain.WorkSubmitting)}, sq.Lt{"claimed_at": toMillis(staleBefore)}},
		}},
	}
	for _, p := range perStage {
		rows, err := s.query(ctx, s.sb.Select("stage", "COUNT(*)").
			From("batch_work_items").
			Where(p.where).
			GroupBy("stage"))
		if err != nil {
			return domain.FunnelStats{}, fmt.Errorf("query %s items: %w", p.column, err)
		}
		for rows.Next() {
			var stage string
			var n int
			if err := rows.Scan(&stage, &n); err != nil {
				return domain.FunnelStats{}, closeRows(rows, fmt.Errorf("scan %s items: %w", p.column, err))
			}
			st, ok := byStage[domain.Stage(stage)]
			if !ok {
				continue
			}
			switch p.column {
			case "flagged":
				st.Flagged = n
			case "unhandled":
				st.Unhandled = n
			case "stale":
				st.Stale = n
			}
		}
		if err := closeRows(rows, nil); err != nil {
			return domain.FunnelStats{}, err
		}
	}

	for _, stage := range domain.Stages {
		stats.Stages = append(stats.Stages, *byStage[stage])
	}
	return stats, nil
}
