// ABOUTME: OpenAI Assistants adapter for conversation runs against a thread.
// ABOUTME: Supports blocking runs with bounded polling and SSE-streamed runs.

package assistant

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultBaseURL      = "https://api.openai.com/v1"
	defaultModel        = "gpt-4o"
	defaultPollInterval = 400 * time.Millisecond
	defaultPollAttempts = 150
)

// RunError is a terminal failure reported by the assistant service for one run.
// The user message appended to the thread before the run is not rolled back.
type RunError struct {
	Reason string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("assistant run failed: %s", e.Reason)
}

// Config holds the settings for the assistant client.
type Config struct {
	APIKey       string
	BaseURL      string        // defaults to the public OpenAI endpoint
	Model        string        // model used when creating the shared assistant
	AssistantID  string        // pre-provisioned assistant; created lazily if empty
	PollInterval time.Duration // interval between run status polls
	PollAttempts int           // poll budget before a run is considered stuck
	HTTPClient   *http.Client  // used for the streaming endpoint
}

// Client wraps the assistant service. Construct once at process start and
// share; all methods are safe for concurrent use.
type Client struct {
	api        *openai.Client
	httpClient *http.Client
	logger     *slog.Logger

	apiKey       string
	baseURL      string
	model        string
	pollInterval time.Duration
	pollAttempts int

	mu          sync.Mutex
	assistantID string
}

// NewClient creates a new assistant client from the given config.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	attempts := cfg.PollAttempts
	if attempts <= 0 {
		attempts = defaultPollAttempts
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = baseURL
	apiCfg.HTTPClient = httpClient

	return &Client{
		api:          openai.NewClientWithConfig(apiCfg),
		httpClient:   httpClient,
		logger:       logger.With("component", "assistant"),
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		model:        model,
		pollInterval: interval,
		pollAttempts: attempts,
		assistantID:  cfg.AssistantID,
	}
}

// ensureAssistant returns the shared assistant ID, creating the assistant on
// first use when none was configured. The assistant itself is a generic
// container; per-avatar instructions are supplied on every run.
func (c *Client) ensureAssistant(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.assistantID != "" {
		return c.assistantID, nil
	}

	name := "AI Character Avatar"
	instructions := "Generic container; avatar instructions are supplied per run."
	created, err := c.api.CreateAssistant(ctx, openai.AssistantRequest{
		Model:        c.model,
		Name:         &name,
		Instructions: &instructions,
	})
	if err != nil {
		return "", fmt.Errorf("creating assistant: %w", err)
	}

	c.assistantID = created.ID
	c.logger.Info("assistant created", "assistant_id", created.ID, "model", c.model)
	return created.ID, nil
}

// CreateThread creates a new conversation thread and returns its ID.
// Threads are bound 1:1 to chat sessions at creation and never reused.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	thread, err := c.api.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("creating thread: %w", err)
	}
	return thread.ID, nil
}

// Run appends the user message to the thread, starts a run with the given
// instructions, and blocks until the run reaches a terminal status. Returns
// the assistant's reply text, or a RunError if the run terminally failed.
func (c *Client) Run(ctx context.Context, threadID, instructions, userText string) (string, error) {
	assistantID, err := c.ensureAssistant(ctx)
	if err != nil {
		return "", err
	}

	if _, err := c.api.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: userText,
	}); err != nil {
		return "", fmt.Errorf("appending user message: %w", err)
	}

	run, err := c.api.CreateRun(ctx, threadID, openai.RunRequest{
		AssistantID:  assistantID,
		Instructions: instructions,
	})
	if err != nil {
		return "", fmt.Errorf("starting run: %w", err)
	}

	run, err = c.pollRun(ctx, threadID, run)
	if err != nil {
		return "", err
	}

	return c.latestReply(ctx, threadID, run.ID)
}

// pollRun polls the run status at a fixed interval until it is terminal or
// the poll budget is exhausted.
func (c *Client) pollRun(ctx context.Context, threadID string, run openai.Run) (openai.Run, error) {
	for attempt := 0; attempt < c.pollAttempts; attempt++ {
		switch run.Status {
		case openai.RunStatusCompleted:
			return run, nil
		case openai.RunStatusFailed, openai.RunStatusCancelled, openai.RunStatusExpired:
			reason := string(run.Status)
			if run.LastError != nil && run.LastError.Message != "" {
				reason = run.LastError.Message
			}
			return run, &RunError{Reason: reason}
		case openai.RunStatusRequiresAction:
			// No tools are attached to the shared assistant, so a run that
			// asks for tool output can never make progress.
			return run, &RunError{Reason: "run requires unsupported tool action"}
		}

		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		var err error
		run, err = c.api.RetrieveRun(ctx, threadID, run.ID)
		if err != nil {
			return run, fmt.Errorf("polling run: %w", err)
		}
	}

	return run, fmt.Errorf("run %s not terminal after %d polls", run.ID, c.pollAttempts)
}

// latestReply fetches the assistant message produced by the given run.
func (c *Client) latestReply(ctx context.Context, threadID, runID string) (string, error) {
	limit := 1
	order := "desc"
	list, err := c.api.ListMessage(ctx, threadID, &limit, &order, nil, nil, &runID)
	if err != nil {
		return "", fmt.Errorf("listing run messages: %w", err)
	}
	if len(list.Messages) == 0 {
		return "", fmt.Errorf("run %s produced no messages", runID)
	}

	var reply strings.Builder
	for _, part := range list.Messages[0].Content {
		if part.Text != nil {
			reply.WriteString(part.Text.Value)
		}
	}
	return strings.TrimSpace(reply.String()), nil
}

// streamRunRequest is the JSON body for a streamed run.
// go-openai has no Assistants streaming support, so the request is issued
// directly against the runs endpoint with stream enabled.
type streamRunRequest struct {
	AssistantID  string `json:"assistant_id"`
	Instructions string `json:"instructions,omitempty"`
	Stream       bool   `json:"stream"`
}

// RunStream appends the user message to the thread and starts a streamed run.
// The returned channel yields decoded events in arrival order and is closed
// after a terminal event or when ctx is cancelled. KindUnknown events are
// filtered here; consumers only see fragments and terminal signals.
func (c *Client) RunStream(ctx context.Context, threadID, instructions, userText string) (<-chan Event, error) {
	assistantID, err := c.ensureAssistant(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := c.api.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: userText,
	}); err != nil {
		return nil, fmt.Errorf("appending user message: %w", err)
	}

	body, err := json.Marshal(streamRunRequest{
		AssistantID:  assistantID,
		Instructions: instructions,
		Stream:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding run request: %w", err)
	}

	url := fmt.Sprintf("%s/threads/%s/runs", c.baseURL, threadID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("starting streamed run: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("streamed run rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	events := make(chan Event, 16)
	go c.readStream(ctx, resp.Body, events)
	return events, nil
}

// readStream scans the SSE response and forwards decoded events.
// The stream format is "event: <name>" followed by "data: <json>" lines,
// terminated by a blank line per event.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			event := decodeStreamEvent(eventName, []byte(data))
			if event.Kind == KindUnknown {
				continue
			}

			select {
			case events <- event:
			case <-ctx.Done():
				return
			}

			if event.Kind == KindCompleted || event.Kind == KindFailed {
				return
			}
		default:
			// Blank separator or comment line
			continue
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Warn("run stream ended unexpectedly", "error", err)
		select {
		case events <- Event{Kind: KindFailed, Reason: "stream interrupted: " + err.Error()}:
		case <-ctx.Done():
		}
	}
}
