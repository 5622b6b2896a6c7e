package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationIDs(t *testing.T) {
	t.Parallel()

	ref := WindowRef{ConversationID: "chat42", WindowID: "w7"}
	assert.Equal(t, "screen:chat42/w7", ScreenCorrelationID(ref))
	assert.Equal(t, "extract:chat42/w7", ExtractCorrelationID(ref))

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	id := StatusCorrelationID("a1", CheckWindowKey(from, to))
	assert.Equal(t, "status:a1:1709251200-1709337600", id)

	stage, err := StageOf(id)
	require.NoError(t, err)
	assert.Equal(t, StageStatus, stage)

	_, err = StageOf("nonsense")
	assert.Error(t, err)
	_, err = StageOf("bogus:x")
	assert.Error(t, err)
}

func TestNormalizeText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, NormalizeText("отправить отчёт"), NormalizeText("  Отправить\tОтчёт "))
	assert.Equal(t, "send the report", NormalizeText("Send   THE\nreport"))
	assert.Equal(t, ArtifactID(WindowRef{"c", "w"}, "Send report"), ArtifactID(WindowRef{"c", "w"}, "send  report"))
	assert.NotEqual(t, ArtifactID(WindowRef{"c", "w"}, "send report"), ArtifactID(WindowRef{"c", "w2"}, "send report"))
}

func TestWindowValidate(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	w := ConversationWindow{
		ConversationID: "c",
		WindowID:       "w",
		StartAt:        start,
		EndAt:          start.Add(time.Hour),
		Messages: []Message{
			{Author: "ann", SentAt: start, Text: "hello"},
			{Author: "", SentAt: start.Add(time.Minute), Text: "  "},
			{Author: "", SentAt: start.Add(2 * time.Minute), Text: "ok"},
		},
	}
	require.NoError(t, w.Validate())
	assert.Equal(t, "[2024-03-01 09:00] ann: hello\n[2024-03-01 09:02] unknown: ok\n", w.Transcript())

	w.Messages[0], w.Messages[2] = w.Messages[2], w.Messages[0]
	assert.Error(t, w.Validate())

	assert.Error(t, ConversationWindow{ConversationID: "c"}.Validate())
}

func TestStatusCheckEligibility(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	due := now.Add(-72 * time.Hour)

	a := Artifact{DueDate: &due, Status: StatusOpen}
	assert.True(t, a.EligibleForStatusCheck(now, 48*time.Hour))
	assert.False(t, a.EligibleForStatusCheck(now, 96*time.Hour))
	assert.True(t, a.Overdue(now))

	a.Status = StatusFulfilled
	assert.False(t, a.EligibleForStatusCheck(now, 0))
	assert.False(t, a.Overdue(now))

	undated := Artifact{Status: StatusOpen}
	assert.False(t, undated.EligibleForStatusCheck(now, 0))
}

func TestParsers(t *testing.T) {
	t.Parallel()

	typ, err := ParseArtifactType(" Commitment ")
	require.NoError(t, err)
	assert.Equal(t, TypeCommitment, typ)
	_, err = ParseArtifactType("promise")
	assert.Error(t, err)

	assert.Equal(t, PriorityHigh, ParsePriority("HIGH"))
	assert.Equal(t, PriorityNone, ParsePriority("urgent"))
	assert.True(t, IsTransient(Transient("poll", assert.AnError)))
	assert.False(t, IsTransient(assert.AnError))
}
