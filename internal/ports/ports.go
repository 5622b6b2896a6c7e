package ports

import (
	"context"
	"time"

	"ArtifactFunnel/internal/domain"
)

// ConversationSource serves already-chunked conversation windows.
type ConversationSource interface {
	Windows(ctx context.Context, since time.Time) ([]domain.ConversationWindow, error)
	Window(ctx context.Context, ref domain.WindowRef) (domain.ConversationWindow, error)
	MessagesAfter(ctx context.Context, conversationID string, after time.Time, limit int) ([]domain.Message, error)
}

// WindowStore persists windows arriving from the ingestion side.
type WindowStore interface {
	SaveWindow(ctx context.Context, window domain.ConversationWindow) (bool, error)
}

// ExclusionStore keeps conversations that must never reach the provider.
type ExclusionStore interface {
	ExcludedConversations(ctx context.Context) ([]string, error)
	ExcludeConversation(ctx context.Context, conversationID, reason string) error
}

// WorkItemStore is the persistent record of every unit of provider work.
type WorkItemStore interface {
	// EnqueueWorkItem inserts a pending item unless a non-failed item with the same
	// correlation id exists; the existing item is returned with created=false.
	EnqueueWorkItem(ctx context.Context, item domain.BatchWorkItem, force bool) (domain.BatchWorkItem, bool, error)
	PendingWorkItems(ctx context.Context, stage domain.Stage, limit int) ([]domain.BatchWorkItem, error)
	// ClaimPending moves pending items to submitting under token; only rows this call moved are returned.
	ClaimPending(ctx context.Context, stage domain.Stage, limit int, token string, at time.Time) ([]domain.BatchWorkItem, error)
	MarkSubmitted(ctx context.Context, token string, ids []int64, handle string, at time.Time) error
	ReleaseClaim(ctx context.Context, token string, ids []int64) error
	OutstandingBatches(ctx context.Context) ([]domain.OutstandingBatch, error)
	StaleClaims(ctx context.Context, claimedBefore time.Time) ([]domain.OutstandingBatch, error)
	InFlightWorkItem(ctx context.Context, prefix string) (bool, error)
	WorkItemsByHandle(ctx context.Context, handle string) ([]domain.BatchWorkItem, error)
	CompleteWorkItem(ctx context.Context, id int64, result []byte, at time.Time) error
	FailWorkItem(ctx context.Context, id int64, reason string, at time.Time) error
	UnhandledCompleted(ctx context.Context, stage domain.Stage, limit int) ([]domain.BatchWorkItem, error)
	MarkHandled(ctx context.Context, id int64, flagged bool, note string, at time.Time) (bool, error)
	WorkItemHistory(ctx context.Context, correlationID string) ([]domain.BatchWorkItem, error)
}

// ScreeningStore keeps screening verdicts.
type ScreeningStore interface {
	SaveScreening(ctx context.Context, result domain.ScreeningResult) error
	ScreenedWindows(ctx context.Context, refs []domain.WindowRef) (map[domain.WindowRef]bool, error)
	ScreeningResults(ctx context.Context, since time.Time) ([]domain.ScreeningResult, error)
}

// ArtifactStore keeps extracted artifacts and their status history.
type ArtifactStore interface {
	InsertArtifact(ctx context.Context, artifact domain.Artifact) (bool, error)
	Artifact(ctx context.Context, id string) (domain.Artifact, error)
	ListArtifacts(ctx context.Context, filter domain.ArtifactFilter) ([]domain.Artifact, error)
	// DueForStatusCheck reads due dates and statuses in one snapshot.
	DueForStatusCheck(ctx context.Context, dueBefore time.Time, limit int) ([]domain.Artifact, error)
	UpdateArtifactStatus(ctx context.Context, id string, status domain.ArtifactStatus) (bool, error)
	AppendStatusCheck(ctx context.Context, check domain.StatusCheck) error
	StatusChecks(ctx context.Context, artifactIDs []string) (map[string][]domain.StatusCheck, error)
}

// StatsStore aggregates counters for operators.
type StatsStore interface {
	FunnelStats(ctx context.Context, staleBefore time.Time) (domain.FunnelStats, error)
}

// Repository is the full persistence surface, transactional when needed.
type Repository interface {
	WindowStore
	ExclusionStore
	WorkItemStore
	ScreeningStore
	ArtifactStore
	StatsStore
	ConversationSource
	InTx(ctx context.Context, fn func(Repository) error) error
}

// InferenceProvider is the slow, asynchronous batch endpoint.
type InferenceProvider interface {
	SubmitBatch(ctx context.Context, stage domain.Stage, requests []domain.BatchRequest) (string, error)
	BatchStatus(ctx context.Context, handle string) (domain.BatchStatus, error)
	BatchResults(ctx context.Context, handle string) ([]domain.BatchResult, error)
}

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// EmbeddingCache memoizes embeddings across runs.
type EmbeddingCache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vector []float32) error
}

// TrackerSource reads the external task tracker.
type TrackerSource interface {
	FetchItems(ctx context.Context) ([]domain.TrackerItem, error)
}

// ReportArchiver stores rendered reconciliation reports.
type ReportArchiver interface {
	Archive(ctx context.Context, name string, body []byte, contentType string) error
}

// Notifier streams report summaries to operators.
type Notifier interface {
	PublishReport(ctx context.Context, summary string) error
}

// Scheduler controls when recurring jobs execute.
type Scheduler interface {
	Every(name string, interval time.Duration, job func(context.Context)) error
	Cron(name, expression string, job func(context.Context)) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
