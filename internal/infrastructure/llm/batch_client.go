package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ArtifactFunnel/internal/config"
	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/ports"
)

const (
	chatCompletionsPath = "/v1/chat/completions"
	maxResultLine       = 16 << 20
)

// BatchClient implements ports.InferenceProvider on top of the OpenAI Batch API.
type BatchClient struct {
	baseURL          string
	apiKey           string
	completionWindow string
	httpClient       *http.Client
	limiter          *rate.Limiter
	logger           *slog.Logger
}

var _ ports.InferenceProvider = (*BatchClient)(nil)

// NewBatchClient builds a client from configuration.
func NewBatchClient(cfg config.ProviderConfig, logger *slog.Logger) *BatchClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	window := cfg.CompletionWindow
	if window == "" {
		window = "24h"
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60)
	}

	return &BatchClient{
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:           cfg.APIKey,
		completionWindow: window,
		httpClient:       &http.Client{Timeout: timeout},
		limiter:          rate.NewLimiter(limit, 1),
		logger:           logger.With("component", "batch_client"),
	}
}

type batchLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     chatRequestBody `json:"body"`
}

type chatRequestBody struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type batchObject struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OutputFileID string `json:"output_file_id"`
	ErrorFileID  string `json:"error_file_id"`
	Errors       *struct {
		Data []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"data"`
	} `json:"errors"`
}

// SubmitBatch uploads the requests as a JSONL file and creates a batch over it.
func (c *BatchClient) SubmitBatch(ctx context.Context, stage domain.Stage, requests []domain.BatchRequest) (string, error) {
	if c.apiKey == "" || c.baseURL == "" {
		return "", fmt.Errorf("batch client misconfigured")
	}
	if len(requests) == 0 {
		return "", fmt.Errorf("submit batch: no requests")
	}

	payload, err := EncodeJSONL(requests)
	if err != nil {
		return "", err
	}

	fileID, err := c.uploadFile(ctx, string(stage)+".jsonl", payload)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]any{
		"input_file_id":     fileID,
		"endpoint":          chatCompletionsPath,
		"completion_window": c.completionWindow,
		"metadata":          map[string]string{"stage": string(stage)},
	})
	if err != nil {
		return "", fmt.Errorf("marshal batch request: %w", err)
	}

	var created batchObject
	if err := c.doJSON(ctx, http.MethodPost, "/v1/batches", "application/json", bytes.NewReader(body), &created); err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("create batch: empty batch id")
	}

	c.logger.Info("batch created", "stage", stage, "handle", created.ID, "items", len(requests), "file", fileID)
	return created.ID, nil
}

// BatchStatus maps the provider lifecycle onto running/completed/failed.
func (c *BatchClient) BatchStatus(ctx context.Context, handle string) (domain.BatchStatus, error) {
	obj, err := c.batch(ctx, handle)
	if err != nil {
		return domain.BatchStatus{}, err
	}
	status := domain.BatchStatus{Handle: handle}
	switch obj.Status {
	case "completed":
		status.State = domain.BatchCompleted
	case "failed", "expired", "cancelled":
		status.State = domain.BatchFailed
		status.Reason = obj.Status
		if obj.Errors != nil && len(obj.Errors.Data) > 0 {
			status.Reason += ": " + obj.Errors.Data[0].Message
		}
	default:
		status.State = domain.BatchRunning
	}
	return status, nil
}

// BatchResults downloads the output and error files of a finished batch.
func (c *BatchClient) BatchResults(ctx context.Context, handle string) ([]domain.BatchResult, error) {
	obj, err := c.batch(ctx, handle)
	if err != nil {
		return nil, err
	}

	var results []domain.BatchResult
	for _, fileID := range []string{obj.OutputFileID, obj.ErrorFileID} {
		if fileID == "" {
			continue
		}
		raw, err := c.fileContent(ctx, fileID)
		if err != nil {
			return nil, err
		}
		parsed, err := DecodeResults(raw)
		if err != nil {
			return nil, fmt.Errorf("decode results of %s: %w", handle, err)
		}
		results = append(results, parsed...)
	}
	return results, nil
}

// EncodeJSONL renders requests as provider batch lines.
func EncodeJSONL(requests []domain.BatchRequest) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, req := range requests {
		messages := make([]chatMessage, 0, 2)
		if strings.TrimSpace(req.Prompt.System) != "" {
			messages = append(messages, chatMessage{Role: "system", Content: req.Prompt.System})
		}
		messages = append(messages, chatMessage{Role: "user", Content: req.Prompt.User})

		line := batchLine{
			CustomID: req.CorrelationID,
			Method:   http.MethodPost,
			URL:      chatCompletionsPath,
			Body: chatRequestBody{
				Model:          req.Profile.Model,
				Messages:       messages,
				MaxTokens:      req.Profile.MaxTokens,
				Temperature:    req.Profile.Temperature,
				ResponseFormat: map[string]string{"type": "json_object"},
			},
		}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("encode %s: %w", req.CorrelationID, err)
		}
	}
	return buf.Bytes(), nil
}

type resultLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// DecodeResults parses an output or error file. A line that fails for one
// correlation id never hides the other lines.
func DecodeResults(raw []byte) ([]domain.BatchResult, error) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), maxResultLine)

	var out []domain.BatchResult
	for scanner.Scan() {
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var line resultLine
		if err := json.Unmarshal(text, &line); err != nil {
			return nil, fmt.Errorf("decode result line: %w", err)
		}
		if line.CustomID == "" {
			continue
		}

		res := domain.BatchResult{CorrelationID: line.CustomID}
		switch {
		case line.Error != nil && line.Error.Message != "":
			res.Err = line.Error.Message
		case line.Response == nil:
			res.Err = "missing response"
		case line.Response.StatusCode != http.StatusOK:
			res.Err = fmt.Sprintf("status %d", line.Response.StatusCode)
			if line.Response.Body.Error != nil {
				res.Err += ": " + line.Response.Body.Error.Message
			}
		case len(line.Response.Body.Choices) == 0:
			res.Err = "no choices in response"
		default:
			res.Text = line.Response.Body.Choices[0].Message.Content
		}
		out = append(out, res)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan results: %w", err)
	}
	return out, nil
}

func (c *BatchClient) uploadFile(ctx context.Context, name string, payload []byte) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("write purpose: %w", err)
	}
	part, err := form.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	var file struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/files", form.FormDataContentType(), &body, &file); err != nil {
		return "", fmt.Errorf("upload batch file: %w", err)
	}
	if file.ID == "" {
		return "", fmt.Errorf("upload batch file: empty file id")
	}
	return file.ID, nil
}

func (c *BatchClient) batch(ctx context.Context, handle string) (batchObject, error) {
	var obj batchObject
	if err := c.doJSON(ctx, http.MethodGet, "/v1/batches/"+handle, "", nil, &obj); err != nil {
		return batchObject{}, fmt.Errorf("get batch %s: %w", handle, err)
	}
	return obj, nil
}

func (c *BatchClient) fileContent(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/files/"+fileID+"/content", "", nil)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.Transient("read file "+fileID, err)
	}
	return raw, nil
}

func (c *BatchClient) doJSON(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	resp, err := c.do(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do performs one rate-limited request. 429, 5xx and network failures come back as transient errors.
func (c *BatchClient) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, domain.Transient(method+" "+path, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		apiErr := fmt.Errorf("provider error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return nil, domain.Transient(method+" "+path, apiErr)
		}
		return nil, apiErr
	}
	return resp, nil
}
