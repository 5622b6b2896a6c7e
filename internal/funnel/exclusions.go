package funnel

import (
	"context"
	"fmt"

	"ArtifactFunnel/internal/ports"
)

// Exclusions is the predicate deciding which conversations never reach the provider.
// It unions the persisted list with statically configured ids.
type Exclusions struct {
	store  ports.ExclusionStore
	static []string
}

// NewExclusions builds the predicate source.
func NewExclusions(store ports.ExclusionStore, static []string) *Exclusions {
	return &Exclusions{store: store, static: static}
}

// Snapshot loads the current set.
func (e *Exclusions) Snapshot(ctx context.Context) (ExclusionSet, error) {
	set := ExclusionSet{}
	if e == nil {
		return set, nil
	}
	for _, id := range e.static {
		set[id] = struct{}{}
	}
	if e.store == nil {
		return set, nil
	}
	ids, err := e.store.ExcludedConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load exclusions: %w", err)
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// ExclusionSet is a loaded exclusion predicate.
type ExclusionSet map[string]struct{}

// Excluded reports whether conversationID is excluded.
func (s ExclusionSet) Excluded(conversationID string) bool {
	_, ok := s[conversationID]
	return ok
}
