// Package tracker reads snapshots of the external task tracker.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/ports"
)

// Snapshot serves tracker items exported to a JSON file, for offline reconciliation.
type Snapshot struct {
	path string
}

var _ ports.TrackerSource = (*Snapshot)(nil)

// NewSnapshot reads items from path on every fetch.
func NewSnapshot(path string) *Snapshot {
	return &Snapshot{path: path}
}

type snapshotItem struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Assignee    string     `json:"assignee"`
	DueDate     *time.Time `json:"due_date"`
	Status      string     `json:"status"`
	Completed   bool       `json:"completed"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (s *Snapshot) FetchItems(_ context.Context) ([]domain.TrackerItem, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read tracker snapshot: %w", err)
	}
	var decoded []snapshotItem
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode tracker snapshot %s: %w", s.path, err)
	}

	items := make([]domain.TrackerItem, 0, len(decoded))
	for _, it := range decoded {
		items = append(items, domain.TrackerItem{
			ID:          it.ID,
			Title:       it.Title,
			Description: it.Description,
			Assignee:    it.Assignee,
			DueDate:     it.DueDate,
			Status:      it.Status,
			Completed:   it.Completed,
			UpdatedAt:   it.UpdatedAt,
		})
	}
	return items, nil
}
