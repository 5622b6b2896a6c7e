package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ArtifactFunnel/internal/domain"
)

func TestRenderStats(t *testing.T) {
	out := renderStats(domain.FunnelStats{
		Windows:           12,
		Screened:          10,
		Extracted:         4,
		ArtifactsByStatus: map[domain.ArtifactStatus]int{domain.StatusOpen: 3, domain.StatusFulfilled: 1},
		Stages: []domain.StageStats{{
			Stage:   domain.StageScreen,
			ByState: map[domain.WorkState]int{domain.WorkCompleted: 10, domain.WorkSubmitted: 2},
			Stale:   1,
		}},
	})

	assert.Contains(t, out, "windows")
	assert.Contains(t, out, "12")
	assert.Contains(t, out, "fulfilled")
	assert.Contains(t, out, "SUBMITTED")

	var screenRow string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "screen ") {
			screenRow = line
		}
	}
	require.NotEmpty(t, screenRow)
	assert.Equal(t, []string{"screen", "0", "0", "2", "10", "0", "0", "0", "1"}, strings.Fields(screenRow))
}

func TestRenderArtifacts(t *testing.T) {
	due := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	out := renderArtifacts([]domain.Artifact{
		{ID: "a1", Type: domain.TypeCommitment, Status: domain.StatusOpen, DueDate: &due, Summary: "send   the\nreport"},
	}, due.Add(24*time.Hour))
	assert.Contains(t, out, "a1")
	assert.Contains(t, out, "send the report")
	assert.Contains(t, out, "2024-03-08")

	assert.Contains(t, renderArtifacts(nil, due), "no artifacts")
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

func TestImportAndStatsCommands(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_DSN", filepath.Join(dir, "cli.db"))

	input := filepath.Join(dir, "windows.jsonl")
	require.NoError(t, os.WriteFile(input, []byte(
		`{"conversation_id": "team", "window_id": "w1", "start_at": "2024-03-04T10:00:00Z", "end_at": "2024-03-04T11:00:00Z", "messages": [{"id": "1", "author": "ann", "sent_at": "2024-03-04T10:00:00Z", "text": "I'll send it"}]}`+"\n"), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	rootCmd.SetArgs([]string{"import-windows", input})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "imported=1")

	out.Reset()
	rootCmd.SetArgs([]string{"exclude", "team", "--reason", "private"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "conversation team excluded")

	out.Reset()
	rootCmd.SetArgs([]string{"stats", "--json"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), `"windows": 1`)
	assert.Contains(t, out.String(), `"excluded_conversations": 1`)
}
