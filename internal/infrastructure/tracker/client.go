package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/ports"
)

const (
	pageSize   = 100
	taskFields = "name,notes,html_notes,assignee.name,due_on,due_at,completed,modified_at"
)

// Client reads project tasks from an Asana-style REST API. It never writes.
type Client struct {
	baseURL   string
	token     string
	projectID string
	http      *http.Client
	logger    *slog.Logger
}

var _ ports.TrackerSource = (*Client)(nil)

// NewClient creates a reusable HTTP client.
func NewClient(baseURL, token, projectID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		projectID: projectID,
		http:      &http.Client{Timeout: 30 * time.Second},
		logger:    logger.With("component", "tracker"),
	}
}

type taskPage struct {
	Data     []task `json:"data"`
	NextPage *struct {
		Offset string `json:"offset"`
	} `json:"next_page"`
}

type task struct {
	GID       string `json:"gid"`
	Name      string `json:"name"`
	Notes     string `json:"notes"`
	HTMLNotes string `json:"html_notes"`
	Assignee  *struct {
		Name string `json:"name"`
	} `json:"assignee"`
	DueOn      string `json:"due_on"`
	DueAt      string `json:"due_at"`
	Completed  bool   `json:"completed"`
	ModifiedAt string `json:"modified_at"`
}

// FetchItems pages through every task of the configured project.
func (c *Client) FetchItems(ctx context.Context) ([]domain.TrackerItem, error) {
	if c.projectID == "" {
		return nil, fmt.Errorf("tracker project is not configured")
	}

	var (
		items  []domain.TrackerItem
		offset string
	)
	for {
		pageURL, err := c.pageURL(offset)
		if err != nil {
			return nil, err
		}
		var page taskPage
		if err := c.get(ctx, pageURL, &page); err != nil {
			return nil, err
		}
		for _, t := range page.Data {
			items = append(items, t.toItem())
		}
		if page.NextPage == nil || page.NextPage.Offset == "" {
			break
		}
		offset = page.NextPage.Offset
	}

	c.logger.Debug("tracker items fetched", "project", c.projectID, "count", len(items))
	return items, nil
}

func (c *Client) pageURL(offset string) (string, error) {
	parsed, err := url.Parse(c.baseURL + "/projects/" + url.PathEscape(c.projectID) + "/tasks")
	if err != nil {
		return "", fmt.Errorf("invalid tracker url: %w", err)
	}
	query := parsed.Query()
	query.Set("opt_fields", taskFields)
	query.Set("limit", strconv.Itoa(pageSize))
	if offset != "" {
		query.Set("offset", offset)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (c *Client) get(ctx context.Context, pageURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Transient("tracker", fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %s", resp.Status)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return domain.Transient("tracker", err)
		}
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (t task) toItem() domain.TrackerItem {
	item := domain.TrackerItem{
		ID:          t.GID,
		Title:       strings.TrimSpace(t.Name),
		Description: strings.TrimSpace(t.Notes),
		Completed:   t.Completed,
		Status:      "open",
	}
	if item.Description == "" && t.HTMLNotes != "" {
		item.Description = htmlText(t.HTMLNotes)
	}
	if t.Completed {
		item.Status = "completed"
	}
	if t.Assignee != nil {
		item.Assignee = t.Assignee.Name
	}
	if due := parseDue(t.DueAt, t.DueOn); due != nil {
		item.DueDate = due
	}
	if modified, err := time.Parse(time.RFC3339, t.ModifiedAt); err == nil {
		item.UpdatedAt = modified.UTC()
	}
	return item
}

func parseDue(dueAt, dueOn string) *time.Time {
	if t, err := time.Parse(time.RFC3339, dueAt); err == nil {
		t = t.UTC()
		return &t
	}
	if t, err := time.Parse("2006-01-02", dueOn); err == nil {
		return &t
	}
	return nil
}

// htmlText flattens rich-text notes into whitespace-normalized plain text.
func htmlText(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, li, h1, h2, h3, div").AppendHtml("\n")

	var lines []string
	for _, line := range strings.Split(doc.Find("body").Text(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
