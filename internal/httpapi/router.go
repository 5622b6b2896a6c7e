// Package httpapi serves the read-only operator API.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/usecase"
)

// ArtifactLister reads persisted artifacts.
type ArtifactLister interface {
	ListArtifacts(ctx context.Context, filter domain.ArtifactFilter) ([]domain.Artifact, error)
}

// StatsReader returns the funnel aggregate.
type StatsReader interface {
	Stats(ctx context.Context, now time.Time) (domain.FunnelStats, error)
}

// ReportReader returns the latest reconciliation report of the process.
type ReportReader interface {
	Latest() (*usecase.Published, bool)
}

// Pinger checks backing storage.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the handlers; a nil Reports disables /reports/latest.
type Deps struct {
	Artifacts ArtifactLister
	Stats     StatsReader
	Reports   ReportReader
	Health    Pinger
	Logger    *slog.Logger
}

type handlers struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// NewRouter constructs a Gin engine with registered routes.
func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{deps: deps, logger: logger.With("component", "httpapi"), now: func() time.Time { return time.Now().UTC() }}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/artifacts", h.listArtifacts)
	r.GET("/stats", h.stats)
	r.GET("/reports/latest", h.latestReport)
	return r
}

func (h *handlers) health(c *gin.Context) {
	if h.deps.Health != nil {
		if err := h.deps.Health.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type artifactView struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	WindowID       string     `json:"window_id"`
	Type           string     `json:"type"`
	Summary        string     `json:"summary"`
	VerbatimText   string     `json:"verbatim_text,omitempty"`
	Actor          string     `json:"actor,omitempty"`
	Recipient      string     `json:"recipient,omitempty"`
	MentionedAt    *time.Time `json:"mentioned_at,omitempty"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	Status         string     `json:"status"`
	Priority       string     `json:"priority"`
	Confidence     float64    `json:"confidence"`
	ExtractedAt    time.Time  `json:"extracted_at"`
	Overdue        bool       `json:"overdue"`
}

func newArtifactView(a domain.Artifact, now time.Time) artifactView {
	return artifactView{
		ID:             a.ID,
		ConversationID: a.Window.ConversationID,
		WindowID:       a.Window.WindowID,
		Type:           string(a.Type),
		Summary:        a.Summary,
		VerbatimText:   a.VerbatimText,
		Actor:          a.Actor,
		Recipient:      a.Recipient,
		MentionedAt:    a.MentionedAt,
		DueDate:        a.DueDate,
		Status:         string(a.Status),
		Priority:       string(a.Priority),
		Confidence:     a.Confidence,
		ExtractedAt:    a.ExtractedAt,
		Overdue:        a.Overdue(now),
	}
}

// GET /artifacts?type=commitment,request&status=open&overdue=true&limit=50
func (h *handlers) listArtifacts(c *gin.Context) {
	filter, err := parseFilter(c, h.now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	artifacts, err := h.deps.Artifacts.ListArtifacts(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("list artifacts failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list artifacts"})
		return
	}

	now := h.now()
	out := make([]artifactView, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, newArtifactView(a, now))
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": out, "count": len(out)})
}

func parseFilter(c *gin.Context, now time.Time) (domain.ArtifactFilter, error) {
	var filter domain.ArtifactFilter
	for _, raw := range splitQuery(c.Query("type")) {
		t, err := domain.ParseArtifactType(raw)
		if err != nil {
			return filter, err
		}
		filter.Types = append(filter.Types, t)
	}
	for _, raw := range splitQuery(c.Query("status")) {
		s, err := domain.ParseArtifactStatus(raw)
		if err != nil {
			return filter, err
		}
		filter.Statuses = append(filter.Statuses, s)
	}
	if raw := c.Query("overdue"); raw != "" {
		overdue, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, err
		}
		if overdue {
			filter.OverdueAt = &now
		}
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func splitQuery(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (h *handlers) stats(c *gin.Context) {
	stats, err := h.deps.Stats.Stats(c.Request.Context(), h.now())
	if err != nil {
		h.logger.Error("stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GET /reports/latest?format=md|json|html
func (h *handlers) latestReport(c *gin.Context) {
	if h.deps.Reports == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "reconciliation is not configured"})
		return
	}
	published, ok := h.deps.Reports.Latest()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no report yet"})
		return
	}

	switch strings.ToLower(c.DefaultQuery("format", "json")) {
	case "json":
		c.Data(http.StatusOK, "application/json", published.JSON)
	case "md", "markdown":
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", published.Markdown)
	case "html":
		c.Data(http.StatusOK, "text/html; charset=utf-8", published.HTML)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be json, md or html"})
	}
}
