// ABOUTME: HTTP adapter for the asynchronous image generation pipeline.
// ABOUTME: Submits generation jobs and reports their status until terminal.

package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"
)

// Job states reported by Poll.
const (
	StatePending = "pending"
	StateDone    = "done"
	StateError   = "error"
)

// Status is the decoded outcome of one poll.
type Status struct {
	State     string
	Artifacts []string // image payloads: URLs or base64 data, set when done
}

// Config holds the settings for the image generation client.
type Config struct {
	BaseURL    string
	APIKey     string
	SecretKey  string
	Width      int
	Height     int
	HTTPClient *http.Client
}

// Client wraps the image generation service. Construct once at process start
// and share; all methods are safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	authKey    string
	authSecret string
	width      int
	height     int

	mu         sync.Mutex
	pipelineID string
}

// NewClient creates a new image generation client from the given config.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	width := cfg.Width
	if width <= 0 {
		width = 1024
	}
	height := cfg.Height
	if height <= 0 {
		height = 1024
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With("component", "imagegen"),
		authKey:    cfg.APIKey,
		authSecret: cfg.SecretKey,
		width:      width,
		height:     height,
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("X-Key", "Key "+c.authKey)
	req.Header.Set("X-Secret", "Secret "+c.authSecret)
}

// pipelineInfo is one entry of the pipelines listing.
type pipelineInfo struct {
	ID string `json:"id"`
}

// Pipeline returns the generation pipeline ID, fetching and caching it on
// first use.
func (c *Client) Pipeline(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipelineID != "" {
		return c.pipelineID, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/key/api/v1/pipelines", nil)
	if err != nil {
		return "", fmt.Errorf("creating pipelines request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("listing pipelines: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.apiError("pipelines", resp)
	}

	var pipelines []pipelineInfo
	if err := json.NewDecoder(resp.Body).Decode(&pipelines); err != nil {
		return "", fmt.Errorf("decoding pipelines response: %w", err)
	}
	if len(pipelines) == 0 {
		return "", fmt.Errorf("no generation pipelines available")
	}

	c.pipelineID = pipelines[0].ID
	c.logger.Debug("pipeline resolved", "pipeline_id", c.pipelineID)
	return c.pipelineID, nil
}

// generateParams is the params payload of a job submission.
type generateParams struct {
	Type           string            `json:"type"`
	NumImages      int               `json:"numImages"`
	Width          int               `json:"width"`
	Height         int               `json:"height"`
	GenerateParams map[string]string `json:"generateParams"`
}

// submitResponse is the JSON response of a job submission.
type submitResponse struct {
	UUID string `json:"uuid"`
}

// Submit sends a generation job for the given prompt and returns the job ID.
func (c *Client) Submit(ctx context.Context, prompt string) (string, error) {
	pipelineID, err := c.Pipeline(ctx)
	if err != nil {
		return "", err
	}

	params, err := json.Marshal(generateParams{
		Type:           "GENERATE",
		NumImages:      1,
		Width:          c.width,
		Height:         c.height,
		GenerateParams: map[string]string{"query": prompt},
	})
	if err != nil {
		return "", fmt.Errorf("encoding generate params: %w", err)
	}

	// The service expects a multipart form with a pipeline_id field and a
	// JSON params part.
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("pipeline_id", pipelineID); err != nil {
		return "", fmt.Errorf("writing pipeline_id field: %w", err)
	}
	partHeader := textproto.MIMEHeader{}
	partHeader.Set("Content-Disposition", `form-data; name="params"`)
	partHeader.Set("Content-Type", "application/json")
	part, err := writer.CreatePart(partHeader)
	if err != nil {
		return "", fmt.Errorf("creating params part: %w", err)
	}
	if _, err := part.Write(params); err != nil {
		return "", fmt.Errorf("writing params part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/key/api/v1/pipeline/run", &body)
	if err != nil {
		return "", fmt.Errorf("creating run request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submitting job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", c.apiError("pipeline run", resp)
	}

	var submitted submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return "", fmt.Errorf("decoding run response: %w", err)
	}
	if submitted.UUID == "" {
		return "", fmt.Errorf("job submission returned no id")
	}

	c.logger.Debug("job submitted", "job_id", submitted.UUID)
	return submitted.UUID, nil
}

// statusResponse is the JSON response of a status poll.
type statusResponse struct {
	Status string `json:"status"`
	Result struct {
		Files []string `json:"files"`
	} `json:"result"`
	ErrorDescription string `json:"errorDescription"`
}

// Poll fetches the current status of a job. The caller drives the polling
// loop; one call maps to one status request.
func (c *Client) Poll(ctx context.Context, jobID string) (*Status, error) {
	url := fmt.Sprintf("%s/key/api/v1/pipeline/status/%s", c.baseURL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating status request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError("pipeline status", resp)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding status response: %w", err)
	}

	switch status.Status {
	case "DONE":
		return &Status{State: StateDone, Artifacts: status.Result.Files}, nil
	case "FAIL":
		c.logger.Warn("job reported failure", "job_id", jobID, "description", status.ErrorDescription)
		return &Status{State: StateError}, nil
	default:
		// INITIAL and PROCESSING both mean the job is still running
		return &Status{State: StatePending}, nil
	}
}

// apiError reads the response body and builds an error for a non-2xx status.
func (c *Client) apiError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(msg)))
}
