// Package matching reconciles extracted artifacts against tracker items.
package matching

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"ArtifactFunnel/internal/domain"
)

// Config holds the decision thresholds and the date tolerance.
type Config struct {
	Delta           time.Duration
	MatchThreshold  float64
	ReviewThreshold float64
}

// Engine emits one MatchCandidate per source task. It never mutates tracker items.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// NewEngine builds an Engine.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger.With("component", "matching")}
}

// Match scores every task against the tracker items inside its date window.
// Only items that fall in some task's window are embedded. Results follow the order of tasks.
func (e *Engine) Match(ctx context.Context, session *Session, tasks []domain.SourceTask, items []domain.TrackerItem) ([]domain.MatchCandidate, error) {
	scopes := make([][]int, len(tasks))
	embedItem := make([]bool, len(items))
	for i, task := range tasks {
		scopes[i] = e.scope(task, items)
		for _, idx := range scopes[i] {
			embedItem[idx] = true
		}
	}

	if session.Semantic() {
		var texts []string
		for i, t := range tasks {
			if len(scopes[i]) > 0 {
				texts = append(texts, taskText(t))
			}
		}
		for i, it := range items {
			if embedItem[i] {
				texts = append(texts, itemText(it))
			}
		}
		if err := session.Prepare(ctx, texts); err != nil {
			return nil, err
		}
	}

	out := make([]domain.MatchCandidate, 0, len(tasks))
	for i, task := range tasks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, e.matchOne(session, task, items, scopes[i]))
	}
	markDuplicates(out)
	for i := range out {
		out[i].Proposal = propose(out[i])
	}

	e.logger.Info("matching finished", "tasks", len(tasks), "items", len(items), "semantic", session.Semantic())
	return out, nil
}

// scope lists the indexes of items inside the task's date window.
func (e *Engine) scope(task domain.SourceTask, items []domain.TrackerItem) []int {
	lo, hi, bounded := e.window(task)
	var out []int
	for i := range items {
		if bounded && !inWindow(items[i], lo, hi) {
			continue
		}
		out = append(out, i)
	}
	return out
}

func (e *Engine) matchOne(session *Session, task domain.SourceTask, items []domain.TrackerItem, scope []int) domain.MatchCandidate {
	candidate := domain.MatchCandidate{Task: task, Decision: domain.DecisionCreate, Compared: len(scope)}

	var best *domain.TrackerItem
	bestScore := -1.0
	for _, idx := range scope {
		it := &items[idx]
		score := similarity(session, task, *it)
		if best == nil || score > bestScore || (score == bestScore && preferred(*it, *best)) {
			best, bestScore = it, score
		}
	}
	if best == nil {
		return candidate
	}

	item := *best
	candidate.Score = bestScore
	switch {
	case bestScore >= e.cfg.MatchThreshold:
		candidate.Decision = domain.DecisionMatch
		candidate.Item = &item
	case bestScore >= e.cfg.ReviewThreshold:
		candidate.Decision = domain.DecisionNeedsReview
		candidate.Item = &item
	default:
		candidate.Nearest = &item
	}
	return candidate
}

// window returns [earliest date − δ, latest date + δ] over the task's mention and due
// dates; bounded is false when the task carries neither.
func (e *Engine) window(task domain.SourceTask) (lo, hi time.Time, bounded bool) {
	var dates []time.Time
	if task.MentionedAt != nil {
		dates = append(dates, *task.MentionedAt)
	}
	if task.DueDate != nil {
		dates = append(dates, *task.DueDate)
	}
	if len(dates) == 0 {
		return time.Time{}, time.Time{}, false
	}
	lo, hi = dates[0], dates[0]
	for _, d := range dates[1:] {
		if d.Before(lo) {
			lo = d
		}
		if d.After(hi) {
			hi = d
		}
	}
	return lo.Add(-e.cfg.Delta), hi.Add(e.cfg.Delta), true
}

// inWindow tests the item's due date, falling back to its last update. Undated
// items cannot be placed and are left out of bounded comparisons.
func inWindow(it domain.TrackerItem, lo, hi time.Time) bool {
	date := it.UpdatedAt
	if it.DueDate != nil {
		date = *it.DueDate
	}
	if date.IsZero() {
		return false
	}
	return !date.Before(lo) && !date.After(hi)
}

func similarity(session *Session, task domain.SourceTask, it domain.TrackerItem) float64 {
	if key := domain.NormalizeText(task.Summary); key != "" && key == domain.NormalizeText(it.Title) {
		return 1
	}
	if session.Semantic() {
		a, okA := session.vector(taskText(task))
		b, okB := session.vector(itemText(it))
		if okA && okB {
			return Cosine(a, b)
		}
	}
	return Jaccard(taskText(task), itemText(it))
}

// preferred breaks score ties: the more recently updated item wins, then the lower id.
func preferred(a, b domain.TrackerItem) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID < b.ID
}

// markDuplicates keeps the strongest claim on each tracker item and points the rest at it.
func markDuplicates(candidates []domain.MatchCandidate) {
	byItem := map[string][]int{}
	for i, c := range candidates {
		if c.Item != nil {
			byItem[c.Item.ID] = append(byItem[c.Item.ID], i)
		}
	}
	for _, idx := range byItem {
		if len(idx) < 2 {
			continue
		}
		sort.Slice(idx, func(x, y int) bool {
			a, b := candidates[idx[x]], candidates[idx[y]]
			if a.Score != b.Score {
				return a.Score > b.Score
			}
			return a.Task.ArtifactID < b.Task.ArtifactID
		})
		owner := candidates[idx[0]].Task.ArtifactID
		for _, i := range idx[1:] {
			candidates[i].DuplicateOf = owner
		}
	}
}
