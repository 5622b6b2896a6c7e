package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/ports"
)

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("sqlite", filepath.Join(t.TempDir(), "funnel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	store.now = func() time.Time { return baseTime }
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func screenItem(ref domain.WindowRef) domain.BatchWorkItem {
	return domain.BatchWorkItem{
		CorrelationID: domain.ScreenCorrelationID(ref),
		Stage:         domain.StageScreen,
		Payload:       []byte(`{"system":"s","user":"u"}`),
	}
}

// submitPending claims every pending item of the stage and binds it to handle.
func submitPending(t *testing.T, store *Store, stage domain.Stage, handle string) []int64 {
	t.Helper()
	ctx := context.Background()
	token := "claim-" + handle
	claimed, err := store.ClaimPending(ctx, stage, 0, token, baseTime)
	require.NoError(t, err)
	ids := make([]int64, 0, len(claimed))
	for _, item := range claimed {
		ids = append(ids, item.ID)
	}
	require.NoError(t, store.MarkSubmitted(ctx, token, ids, handle, baseTime))
	return ids
}

func TestMigrateIsRepeatable(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	require.NoError(t, store.Migrate(context.Background()))
}

func TestEnqueueIsIdempotentWhileLive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	ref := domain.WindowRef{ConversationID: "c1", WindowID: "w1"}

	first, created, err := store.EnqueueWorkItem(ctx, screenItem(ref), false)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, domain.WorkPending, first.State)

	second, created, err := store.EnqueueWorkItem(ctx, screenItem(ref), false)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, []int64{first.ID}, submitPending(t, store, domain.StageScreen, "batch_1"))

	third, created, err := store.EnqueueWorkItem(ctx, screenItem(ref), true)
	require.NoError(t, err)
	assert.False(t, created, "force must not duplicate an in-flight item")
	assert.Equal(t, domain.WorkSubmitted, third.State)

	history, err := store.WorkItemHistory(ctx, first.CorrelationID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestEnqueueAfterFailureCreatesNewAttempt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	ref := domain.WindowRef{ConversationID: "c1", WindowID: "w2"}

	first, _, err := store.EnqueueWorkItem(ctx, screenItem(ref), false)
	require.NoError(t, err)
	assert.Equal(t, []int64{first.ID}, submitPending(t, store, domain.StageScreen, "batch_1"))
	require.NoError(t, store.FailWorkItem(ctx, first.ID, "expired", baseTime.Add(time.Hour)))

	retry, created, err := store.EnqueueWorkItem(ctx, screenItem(ref), false)
	require.NoError(t, err)
	require.True(t, created)
	assert.NotEqual(t, first.ID, retry.ID)
	assert.Equal(t, 2, retry.Attempt)

	history, err := store.WorkItemHistory(ctx, first.CorrelationID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.WorkFailed, history[0].State)
	assert.Equal(t, "expired", history[0].Error)
	assert.Equal(t, domain.WorkPending, history[1].State)
}

func TestEnqueueCompletedRequiresForce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	ref := domain.WindowRef{ConversationID: "c1", WindowID: "w3"}

	first, _, err := store.EnqueueWorkItem(ctx, screenItem(ref), false)
	require.NoError(t, err)
	assert.Equal(t, []int64{first.ID}, submitPending(t, store, domain.StageScreen, "batch_1"))
	require.NoError(t, store.CompleteWorkItem(ctx, first.ID, []byte(`{"ok":true}`), baseTime.Add(time.Hour)))

	again, created, err := store.EnqueueWorkItem(ctx, screenItem(ref), false)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, domain.WorkCompleted, again.State)
	assert.JSONEq(t, `{"ok":true}`, string(again.Result))

	forced, created, err := store.EnqueueWorkItem(ctx, screenItem(ref), true)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 2, forced.Attempt)

	history, err := store.WorkItemHistory(ctx, first.CorrelationID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.NotNil(t, history[0].SupersededAt)
	assert.Nil(t, history[1].SupersededAt)
}

func TestBatchLifecycleAndHandling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	var ids []int64
	for _, w := range []string{"w1", "w2", "w3"} {
		item, _, err := store.EnqueueWorkItem(ctx, screenItem(domain.WindowRef{ConversationID: "c", WindowID: w}), false)
		require.NoError(t, err)
		ids = append(ids, item.ID)
	}

	pending, err := store.PendingWorkItems(ctx, domain.StageScreen, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].ID)

	first, err := store.ClaimPending(ctx, domain.StageScreen, 2, "claim-a", baseTime)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, domain.WorkSubmitting, first[0].State)
	second, err := store.ClaimPending(ctx, domain.StageScreen, 0, "claim-b", baseTime)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, ids[2], second[0].ID)

	require.NoError(t, store.MarkSubmitted(ctx, "claim-a", ids[:2], "batch_9", baseTime))
	err = store.MarkSubmitted(ctx, "claim-b", ids[:1], "batch_10", baseTime)
	require.ErrorIs(t, err, domain.ErrIdempotencyViolation)
	require.NoError(t, store.MarkSubmitted(ctx, "claim-b", ids[2:], "batch_9", baseTime))

	outstanding, err := store.OutstandingBatches(ctx)
	require.NoError(t, err)
	require.Len(t, outstanding, 1)
	assert.Equal(t, "batch_9", outstanding[0].Handle)
	assert.Equal(t, 3, outstanding[0].Items)
	assert.Equal(t, domain.StageScreen, outstanding[0].Stage)

	require.NoError(t, store.CompleteWorkItem(ctx, ids[0], []byte("a"), baseTime))
	require.NoError(t, store.CompleteWorkItem(ctx, ids[1], []byte("b"), baseTime))
	require.NoError(t, store.FailWorkItem(ctx, ids[2], "line error", baseTime))

	unhandled, err := store.UnhandledCompleted(ctx, domain.StageScreen, 0)
	require.NoError(t, err)
	require.Len(t, unhandled, 2)

	ok, err := store.MarkHandled(ctx, ids[0], true, "malformed", baseTime)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.MarkHandled(ctx, ids[0], false, "", baseTime)
	require.NoError(t, err)
	assert.False(t, ok, "second dispatch must be rejected")

	unhandled, err = store.UnhandledCompleted(ctx, domain.StageScreen, 0)
	require.NoError(t, err)
	require.Len(t, unhandled, 1)
	assert.Equal(t, ids[1], unhandled[0].ID)

	stats, err := store.FunnelStats(ctx, baseTime.Add(time.Hour))
	require.NoError(t, err)
	screen := stats.Stages[0]
	assert.Equal(t, domain.StageScreen, screen.Stage)
	assert.Equal(t, 2, screen.ByState[domain.WorkCompleted])
	assert.Equal(t, 1, screen.ByState[domain.WorkFailed])
	assert.Equal(t, 1, screen.Flagged)
	assert.Equal(t, 1, screen.Unhandled)
	assert.Equal(t, 0, screen.Stale)
}

func TestClaimsHideItemsFromOtherSubmitters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	var ids []int64
	for _, w := range []string{"w1", "w2"} {
		item, _, err := store.EnqueueWorkItem(ctx, screenItem(domain.WindowRef{ConversationID: "c", WindowID: w}), false)
		require.NoError(t, err)
		ids = append(ids, item.ID)
	}

	claimed, err := store.ClaimPending(ctx, domain.StageScreen, 0, "claim-a", baseTime)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	pending, err := store.PendingWorkItems(ctx, domain.StageScreen, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
	again, err := store.ClaimPending(ctx, domain.StageScreen, 0, "claim-b", baseTime)
	require.NoError(t, err)
	assert.Empty(t, again)

	_, err = store.ClaimPending(ctx, domain.StageScreen, 0, "", baseTime)
	assert.Error(t, err)

	// A foreign token releases nothing.
	require.NoError(t, store.ReleaseClaim(ctx, "claim-b", ids))
	require.NoError(t, store.ReleaseClaim(ctx, "claim-a", ids[:1]))

	pending, err = store.PendingWorkItems(ctx, domain.StageScreen, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ids[0], pending[0].ID)

	stale, err := store.StaleClaims(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "claim-a", stale[0].Claim)
	assert.Empty(t, stale[0].Handle)
	assert.Equal(t, 1, stale[0].Items)
	assert.True(t, stale[0].SubmittedAt.Equal(baseTime))

	stale, err = store.StaleClaims(ctx, baseTime)
	require.NoError(t, err)
	assert.Empty(t, stale)

	outstanding, err := store.OutstandingBatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, outstanding)

	stats, err := store.FunnelStats(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Stages[0].ByState[domain.WorkSubmitting])
	assert.Equal(t, 1, stats.Stages[0].ByState[domain.WorkPending])
	assert.Equal(t, 1, stats.Stages[0].Stale)
}

func TestInTxRollsBackOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	ref := domain.WindowRef{ConversationID: "c", WindowID: "tx"}

	err := store.InTx(ctx, func(repo ports.Repository) error {
		if _, _, err := repo.EnqueueWorkItem(ctx, screenItem(ref), false); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	history, err := store.WorkItemHistory(ctx, domain.ScreenCorrelationID(ref))
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestArtifactsDedupAndStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	ref := domain.WindowRef{ConversationID: "c", WindowID: "w"}
	due := baseTime.Add(-72 * time.Hour)

	ok, err := store.InsertArtifact(ctx, domain.Artifact{
		Window: ref, Type: domain.TypeCommitment, Summary: "отправить отчёт",
		DueDate: &due, Confidence: 0.9, ExtractedAt: baseTime,
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.InsertArtifact(ctx, domain.Artifact{
		Window: ref, Type: domain.TypeCommitment, Summary: "  Отправить   Отчёт ",
		ExtractedAt: baseTime,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := store.ListArtifacts(ctx, domain.ArtifactFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	a := all[0]
	assert.Equal(t, domain.ArtifactID(ref, "отправить отчёт"), a.ID)
	assert.Equal(t, domain.StatusOpen, a.Status)
	require.NotNil(t, a.DueDate)
	assert.True(t, a.DueDate.Equal(due))

	dueNow, err := store.DueForStatusCheck(ctx, baseTime, 10)
	require.NoError(t, err)
	require.Len(t, dueNow, 1)

	require.NoError(t, store.AppendStatusCheck(ctx, domain.StatusCheck{
		ArtifactID: a.ID, WindowFrom: due, WindowTo: baseTime, Status: domain.StatusFulfilled,
		PreviousStatus: domain.StatusOpen, Evidence: []string{"sent it"}, CheckedAt: baseTime,
	}))
	updated, err := store.UpdateArtifactStatus(ctx, a.ID, domain.StatusFulfilled)
	require.NoError(t, err)
	assert.True(t, updated)

	updated, err = store.UpdateArtifactStatus(ctx, a.ID, domain.StatusPending)
	require.NoError(t, err)
	assert.False(t, updated, "terminal status must stick")

	dueNow, err = store.DueForStatusCheck(ctx, baseTime, 10)
	require.NoError(t, err)
	assert.Empty(t, dueNow)

	checks, err := store.StatusChecks(ctx, []string{a.ID})
	require.NoError(t, err)
	require.Len(t, checks[a.ID], 1)
	assert.Equal(t, []string{"sent it"}, checks[a.ID][0].Evidence)

	overdue, err := store.ListArtifacts(ctx, domain.ArtifactFilter{OverdueAt: &baseTime})
	require.NoError(t, err)
	assert.Empty(t, overdue)
}

func TestWindowsAndScreening(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	w1 := domain.ConversationWindow{
		ConversationID: "c", WindowID: "1", StartAt: baseTime, EndAt: baseTime.Add(time.Hour),
		Messages: []domain.Message{
			{ID: "m1", Author: "ann", SentAt: baseTime, Text: "I'll send the report by Friday"},
			{ID: "m2", Author: "bob", SentAt: baseTime.Add(30 * time.Minute), Text: "thanks"},
		},
	}
	w2 := domain.ConversationWindow{
		ConversationID: "c", WindowID: "2", StartAt: baseTime.Add(30 * time.Minute), EndAt: baseTime.Add(2 * time.Hour),
		Messages: []domain.Message{
			{ID: "m2", Author: "bob", SentAt: baseTime.Add(30 * time.Minute), Text: "thanks"},
			{ID: "m3", Author: "ann", SentAt: baseTime.Add(90 * time.Minute), Text: "sent"},
		},
	}
	for _, w := range []domain.ConversationWindow{w1, w2} {
		saved, err := store.SaveWindow(ctx, w)
		require.NoError(t, err)
		require.True(t, saved)
	}
	saved, err := store.SaveWindow(ctx, w1)
	require.NoError(t, err)
	assert.False(t, saved)

	windows, err := store.Windows(ctx, baseTime)
	require.NoError(t, err)
	require.Len(t, windows, 2)
	assert.Equal(t, w1.Messages, windows[0].Messages)

	msgs, err := store.MessagesAfter(ctx, "c", baseTime.Add(10*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)

	_, err = store.Window(ctx, domain.WindowRef{ConversationID: "c", WindowID: "missing"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.SaveScreening(ctx, domain.ScreeningResult{
		Window: w1.Ref(), HasArtifacts: true, Confidence: 0.8,
		CandidateTypes: []domain.ArtifactType{domain.TypeCommitment, domain.TypeDeadline}, ScreenedAt: baseTime,
	}))
	screened, err := store.ScreenedWindows(ctx, []domain.WindowRef{w1.Ref(), w2.Ref()})
	require.NoError(t, err)
	assert.True(t, screened[w1.Ref()])
	assert.False(t, screened[w2.Ref()])

	results, err := store.ScreeningResults(ctx, baseTime.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []domain.ArtifactType{domain.TypeCommitment, domain.TypeDeadline}, results[0].CandidateTypes)

	require.NoError(t, store.ExcludeConversation(ctx, "secret", "hr"))
	require.NoError(t, store.ExcludeConversation(ctx, "secret", "legal"))
	excluded, err := store.ExcludedConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"secret"}, excluded)
}
