package matching

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/logging"
)

var day = time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)

func at(days int) *time.Time {
	t := day.AddDate(0, 0, days)
	return &t
}

func newEngine() *Engine {
	return NewEngine(Config{Delta: 7 * 24 * time.Hour, MatchThreshold: 0.75, ReviewThreshold: 0.65}, logging.Discard())
}

func lexical() *Session {
	return NewSession(nil, nil, logging.Discard())
}

func TestWindowFilterExcludesItemsOutsideDelta(t *testing.T) {
	t.Parallel()

	task := domain.SourceTask{ArtifactID: "a1", Summary: "send report", DueDate: &day}
	items := []domain.TrackerItem{
		{ID: "far-before", Title: "send report", DueDate: at(-8)},
		{ID: "far-after", Title: "send report", DueDate: at(10)},
		{ID: "undated-old", Title: "send report", UpdatedAt: day.AddDate(0, -1, 0)},
		{ID: "edge", Title: "send the report", DueDate: at(7)},
	}

	got, err := newEngine().Match(context.Background(), lexical(), []domain.SourceTask{task}, items)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Compared)
	require.NotNil(t, got[0].Item)
	assert.Equal(t, "edge", got[0].Item.ID)
	assert.Equal(t, domain.DecisionNeedsReview, got[0].Decision, "jaccard of 2/3 sits in the review band")
}

func TestUndatedTaskComparesEverythingAndCreatesWithoutCloseText(t *testing.T) {
	t.Parallel()

	task := domain.SourceTask{ArtifactID: "a1", Type: domain.TypeCommitment, Summary: "renew the domain", Actor: "ann"}
	items := []domain.TrackerItem{
		{ID: "1", Title: "quarterly budget", DueDate: at(-100)},
		{ID: "2", Title: "hire designer", DueDate: at(200)},
	}

	got, err := newEngine().Match(context.Background(), lexical(), []domain.SourceTask{task}, items)
	require.NoError(t, err)
	assert.Equal(t, 2, got[0].Compared)
	assert.Equal(t, domain.DecisionCreate, got[0].Decision)
	assert.Nil(t, got[0].Item)

	require.NotNil(t, got[0].Proposal)
	assert.Equal(t, domain.MutationCreate, got[0].Proposal.Kind)
	assert.Equal(t, "renew the domain", got[0].Proposal.Changes[0].To)
	assert.Contains(t, got[0].Proposal.Changes, domain.FieldChange{Field: "assignee", To: "ann"})
}

func TestTieBreakPrefersMostRecentlyUpdated(t *testing.T) {
	t.Parallel()

	task := domain.SourceTask{ArtifactID: "a1", Summary: "Send Report", DueDate: &day, Status: domain.StatusFulfilled}
	items := []domain.TrackerItem{
		{ID: "old", Title: "send report", DueDate: &day, UpdatedAt: day.AddDate(0, 0, -3)},
		{ID: "new", Title: "send  report", DueDate: &day, UpdatedAt: day.AddDate(0, 0, -1)},
	}

	got, err := newEngine().Match(context.Background(), lexical(), []domain.SourceTask{task}, items)
	require.NoError(t, err)
	require.NotNil(t, got[0].Item)
	assert.Equal(t, "new", got[0].Item.ID)
	assert.Equal(t, domain.DecisionMatch, got[0].Decision)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)

	require.NotNil(t, got[0].Proposal)
	assert.Equal(t, domain.MutationUpdate, got[0].Proposal.Kind)
	assert.Equal(t, []domain.FieldChange{{Field: "completed", From: "false", To: "true"}}, got[0].Proposal.Changes)
}

func TestDuplicateClaimsPointAtStrongestTask(t *testing.T) {
	t.Parallel()

	tasks := []domain.SourceTask{
		{ArtifactID: "b", Summary: "send report"},
		{ArtifactID: "a", Summary: "send report"},
		{ArtifactID: "c", Summary: "send weekly report"},
	}
	items := []domain.TrackerItem{{ID: "t1", Title: "send report"}}

	got, err := newEngine().Match(context.Background(), lexical(), tasks, items)
	require.NoError(t, err)
	assert.Equal(t, "a", got[0].DuplicateOf)
	assert.Empty(t, got[1].DuplicateOf)
	assert.Equal(t, "a", got[2].DuplicateOf)
	assert.Nil(t, got[0].Proposal)
}

type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	calls   [][]string
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, texts)
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := f.vectors[text]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

func (f *fakeEmbedder) Model() string { return "fake" }

type mapCache struct {
	mu sync.Mutex
	m  map[string][]float32
}

func (c *mapCache) Get(_ context.Context, key string) ([]float32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, v []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = v
	return nil
}

func TestSemanticMatchingUsesCosineAndCache(t *testing.T) {
	t.Parallel()

	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"ship the quarterly deck ann": {1, 0, 0},
		"Q3 presentation":             {0.9, 0.1, 0},
		"office party":                {0, 1, 0},
	}}
	cache := &mapCache{m: map[string][]float32{}}
	task := domain.SourceTask{ArtifactID: "a1", Summary: "ship the quarterly deck", Actor: "ann"}
	items := []domain.TrackerItem{{ID: "deck", Title: "Q3 presentation"}, {ID: "party", Title: "office party"}}

	got, err := newEngine().Match(context.Background(), NewSession(embedder, cache, logging.Discard()), []domain.SourceTask{task}, items)
	require.NoError(t, err)
	require.NotNil(t, got[0].Item)
	assert.Equal(t, "deck", got[0].Item.ID)
	assert.Equal(t, domain.DecisionMatch, got[0].Decision)
	assert.Len(t, cache.m, 3)

	_, err = newEngine().Match(context.Background(), NewSession(embedder, cache, logging.Discard()), []domain.SourceTask{task}, items)
	require.NoError(t, err)
	assert.Len(t, embedder.calls, 1, "second run is served from the cache")
}

func TestOnlyWindowedItemsAreEmbedded(t *testing.T) {
	t.Parallel()

	embedder := &fakeEmbedder{vectors: map[string][]float32{}}
	tasks := []domain.SourceTask{
		{ArtifactID: "a1", Summary: "send report", DueDate: &day},
		{ArtifactID: "a2", Summary: "book venue", DueDate: at(400)},
	}
	items := []domain.TrackerItem{
		{ID: "near", Title: "report draft", DueDate: at(2)},
		{ID: "last-year", Title: "annual review", DueDate: at(-300)},
		{ID: "undated", Title: "misc"},
	}

	got, err := newEngine().Match(context.Background(), NewSession(embedder, nil, logging.Discard()), tasks, items)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Compared)
	assert.Zero(t, got[1].Compared)

	var embedded []string
	for _, call := range embedder.calls {
		embedded = append(embedded, call...)
	}
	assert.ElementsMatch(t, []string{taskText(tasks[0]), itemText(items[0])}, embedded)
}

func TestCreateKeepsNearestBelowThreshold(t *testing.T) {
	t.Parallel()

	task := domain.SourceTask{ArtifactID: "a1", Type: domain.TypeCommitment, Summary: "renew the domain", DueDate: &day}
	items := []domain.TrackerItem{
		{ID: "lease", Title: "renew office lease", DueDate: at(1)},
		{ID: "hire", Title: "hire designer", DueDate: at(2)},
	}

	got, err := newEngine().Match(context.Background(), lexical(), []domain.SourceTask{task}, items)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionCreate, got[0].Decision)
	assert.Nil(t, got[0].Item)
	assert.InDelta(t, 0.2, got[0].Score, 1e-9)
	require.NotNil(t, got[0].Nearest)
	assert.Equal(t, "lease", got[0].Nearest.ID)
	require.NotNil(t, got[0].Proposal)
	assert.Equal(t, domain.MutationCreate, got[0].Proposal.Kind)
}

func TestSimilarityPrimitives(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.Zero(t, Cosine([]float32{1, 0}, []float32{0, 1}))
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 1}))

	assert.InDelta(t, 1.0, Jaccard("Send, report!", "send report"), 1e-9)
	assert.InDelta(t, 0.5, Jaccard("send report", "send invoice report now"), 1e-9)
	assert.Zero(t, Jaccard("", "x"))
}
