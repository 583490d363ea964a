// Package generator adapts to an external Ollama-shaped text-generation
// HTTP service: a model-list endpoint, a generate endpoint accepting
// {model, prompt, stream=false} and returning a single text payload, and a
// lightweight health probe.
package generator

import (
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

	"github.com/clank-bot/clank/errtaxonomy"
)

// Result discriminates a generation attempt instead of relying on error
// values for the expected "backend down" and "output rejected" cases.
type Result int

const (
	ResultOK Result = iota
	ResultUnavailable
	ResultInvalid
)

const (
	egressCharLimit  = 500
	catalogTTL       = 5 * time.Minute
)

// Client talks to the generator backend over HTTP.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client

	mu           sync.Mutex
	catalog      []string
	catalogAt    time.Time
}

// New constructs a Client bound to baseURL with the given per-request
// timeout. baseURL should have no trailing slash requirement; it is trimmed.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
	}
}

// IsAvailable performs a lightweight probe against the model-list endpoint.
func (c *Client) IsAvailable(ctx context.Context) bool {
	_, err := c.listModelsUncached(ctx)
	return err == nil
}

// ListModels returns the model catalog, refreshing it if the cache has
// expired. The catalog is cached for a short interval to avoid hammering the
// backend on every command invocation.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if len(c.catalog) > 0 && time.Since(c.catalogAt) < catalogTTL {
		cached := c.catalog
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	models, err := c.listModelsUncached(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.catalog = models
	c.catalogAt = time.Now()
	c.mu.Unlock()
	return models, nil
}

// invalidateCatalog forces the next ListModels call to hit the network,
// called after any validation failure per the caching discipline.
func (c *Client) invalidateCatalog() {
	c.mu.Lock()
	c.catalog = nil
	c.catalogAt = time.Time{}
	c.mu.Unlock()
}

func (c *Client) listModelsUncached(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errtaxonomy.Wrap(errtaxonomy.BackendUnavailable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, errtaxonomy.Wrap(errtaxonomy.BackendUnavailable, fmt.Errorf("generator model list failed: %s: %s", resp.Status, string(body)))
	}

	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errtaxonomy.Wrap(errtaxonomy.BackendUnavailable, err)
	}

	names := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// ValidateStartupModel fails with a startup_fatal-classed error if
// defaultModel is not present in the catalog.
func (c *Client) ValidateStartupModel(ctx context.Context, defaultModel string) error {
	models, err := c.ListModels(ctx)
	if err != nil {
		return errtaxonomy.Wrap(errtaxonomy.StartupFatal, fmt.Errorf("probe generator catalog: %w", err))
	}
	for _, m := range models {
		if m == defaultModel {
			return nil
		}
	}
	c.invalidateCatalog()
	return errtaxonomy.Wrap(errtaxonomy.StartupFatal, fmt.Errorf("default model %q not present in generator catalog %v", defaultModel, models))
}

// ContextLine is one rendered line of recent-message context, newest last.
type ContextLine struct {
	DisplayName string
	Content     string
}

func renderContext(lines []ContextLine, contextLimit int) string {
	if contextLimit > 0 && len(lines) > contextLimit {
		lines = lines[len(lines)-contextLimit:]
	}
	var b strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&b, "[%s]: %s\n", l.DisplayName, l.Content)
	}
	return b.String()
}

const spontaneousPromptTemplate = `You are a participant in a Twitch chat. Produce exactly one short, casual message that matches the tone of the conversation below. Do not address any specific user by name. Do not use markdown or role labels.

Recent chat:
%s
Your message:`

const responsePromptTemplate = `You are a participant in a Twitch chat replying to a specific user. Produce exactly one short, casual reply to %s's message: %q. Use the recent conversation below for tone and context. Do not use markdown or role labels.

Recent chat:
%s
Your reply:`

// GenerateSpontaneous requests one conversational utterance not addressed to
// any particular user.
func (c *Client) GenerateSpontaneous(ctx context.Context, model string, recent []ContextLine, contextLimit int) (string, Result, error) {
	prompt := fmt.Sprintf(spontaneousPromptTemplate, renderContext(recent, contextLimit))
	return c.generate(ctx, model, prompt)
}

// GenerateResponse requests a reply addressed to userName's userText.
func (c *Client) GenerateResponse(ctx context.Context, model string, recent []ContextLine, contextLimit int, userName, userText string) (string, Result, error) {
	prompt := fmt.Sprintf(responsePromptTemplate, userName, userText, renderContext(recent, contextLimit))
	return c.generate(ctx, model, prompt)
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (c *Client) generate(ctx context.Context, model, prompt string) (string, Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqBody, err := json.Marshal(generateRequest{Model: model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", ResultInvalid, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return "", ResultInvalid, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", ResultUnavailable, errtaxonomy.Wrap(errtaxonomy.BackendUnavailable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", ResultUnavailable, errtaxonomy.Wrap(errtaxonomy.BackendUnavailable, fmt.Errorf("generator returned %s: %s", resp.Status, string(body)))
	}

	var payload generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", ResultUnavailable, errtaxonomy.Wrap(errtaxonomy.BackendUnavailable, err)
	}

	text := PostProcess(payload.Response)
	if text == "" {
		return "", ResultInvalid, errtaxonomy.Wrap(errtaxonomy.InvalidOutput, fmt.Errorf("generator produced empty output after post-processing"))
	}
	return text, ResultOK, nil
}

var formattingMarkers = strings.NewReplacer(
	"**", "", "__", "", "*", "", "`", "", "\r", "",
)

// PostProcess strips whitespace, collapses internal newlines, removes
// formatting markers, and enforces the egress character limit by truncating
// on the last word boundary below the limit. Idempotent: running it twice
// yields the same result as running it once.
func PostProcess(text string) string {
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "\n", " ")
	text = formattingMarkers.Replace(text)
	text = strings.Join(strings.Fields(text), " ")
	text = strings.TrimSpace(text)

	if len(text) <= egressCharLimit {
		return text
	}
	truncated := text[:egressCharLimit]
	if idx := strings.LastIndexByte(truncated, ' '); idx > 0 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}
