package router

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/apex-build/buildforge/internal/corelib"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1"
	anthropicAPIVersion     = "2023-06-01"
)

// AnthropicProvider calls Anthropic's native Messages API directly over
// net/http (spec §4.2; grounded on the same raw-HTTP-plus-SSE shape every
// real LLM provider in this router follows).
type AnthropicProvider struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
	log        corelib.Logger
	costPerTok float64
	baseLatMS  int64
	maxTok     int
	reliability float64
}

// NewAnthropicProvider builds a client for the given API key/model.
func NewAnthropicProvider(apiKey, model string, log corelib.Logger) *AnthropicProvider {
	if model == "" {
		model = "claude-3-5-sonnet-20241022"
	}
	if log == nil {
		log = corelib.NoOpLogger{}
	}
	return &AnthropicProvider{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		apiKey:      apiKey,
		baseURL:     anthropicDefaultBaseURL,
		model:       model,
		log:         log,
		costPerTok:  0.000003,
		baseLatMS:   1800,
		maxTok:      4096,
		reliability: 0.97,
	}
}

func (c *AnthropicProvider) Name() string { return "anthropic" }

func (c *AnthropicProvider) Capabilities() []Capability {
	return []Capability{CapPlanner, CapSchemaDesign, CapCoder, CapDebugger, CapReviewer}
}

func (c *AnthropicProvider) CostPerToken() float64    { return c.costPerTok }
func (c *AnthropicProvider) BaseLatencyMS() int64     { return c.baseLatMS }
func (c *AnthropicProvider) MaxTokens() int           { return c.maxTok }
func (c *AnthropicProvider) ReliabilityScore() float64 { return c.reliability }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage anthropicUsage `json:"usage"`
}

func (c *AnthropicProvider) Complete(ctx context.Context, task Task) (Response, error) {
	if c.apiKey == "" {
		return Response{Model: c.model}, fmt.Errorf("%w: anthropic API key not configured", corelib.ErrAuthentication)
	}

	reqBody := anthropicRequest{
		Model:     c.model,
		Messages:  []anthropicMessage{{Role: "user", Content: task.Prompt}},
		MaxTokens: c.maxTok,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Response{Model: c.model}, fmt.Errorf("marshal anthropic request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return Response{Model: c.model}, fmt.Errorf("build anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{Model: c.model}, fmt.Errorf("%w: %v", corelib.ErrConnectionReset, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{Model: c.model}, fmt.Errorf("%w: reading anthropic response: %v", corelib.ErrServerError, err)
	}

	if resp.StatusCode != http.StatusOK {
		return Response{Model: c.model}, classifyHTTPStatus(resp.StatusCode, resp.Header.Get("Retry-After"), "anthropic", body)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Response{Model: c.model}, fmt.Errorf("%w: parsing anthropic response: %v", corelib.ErrServerError, err)
	}

	var content strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	total := parsed.Usage.InputTokens + parsed.Usage.OutputTokens
	return Response{
		Content:      content.String(),
		PromptTokens: parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
		TotalTokens:  total,
		Cost:         float64(total) * c.costPerTok,
		Provider:     c.Name(),
		Model:        parsed.Model,
	}, nil
}

func (c *AnthropicProvider) StreamComplete(ctx context.Context, task Task, onChunk func(chunk string)) (Response, error) {
	if c.apiKey == "" {
		return Response{Model: c.model}, fmt.Errorf("%w: anthropic API key not configured", corelib.ErrAuthentication)
	}

	reqBody := anthropicRequest{
		Model:     c.model,
		Messages:  []anthropicMessage{{Role: "user", Content: task.Prompt}},
		MaxTokens: c.maxTok,
		Stream:    true,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Response{Model: c.model}, fmt.Errorf("marshal anthropic request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return Response{Model: c.model}, fmt.Errorf("build anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{Model: c.model}, fmt.Errorf("%w: %v", corelib.ErrConnectionReset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Response{Model: c.model}, classifyHTTPStatus(resp.StatusCode, resp.Header.Get("Retry-After"), "anthropic", body)
	}

	reader := bufio.NewReader(resp.Body)
	var full strings.Builder
	var inputTokens, outputTokens int

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return Response{Content: full.String(), Model: c.model}, fmt.Errorf("%w: reading anthropic stream: %v", corelib.ErrConnectionReset, err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt struct {
			Type    string `json:"type"`
			Message *struct {
				Model string         `json:"model"`
				Usage anthropicUsage `json:"usage"`
			} `json:"message"`
			Delta *struct {
				Text string `json:"text"`
			} `json:"delta"`
			Usage *anthropicUsage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "message_start":
			if evt.Message != nil {
				inputTokens = evt.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if evt.Delta != nil {
				full.WriteString(evt.Delta.Text)
				onChunk(evt.Delta.Text)
			}
		case "message_delta":
			if evt.Usage != nil {
				outputTokens = evt.Usage.OutputTokens
			}
		}
	}

	total := inputTokens + outputTokens
	return Response{
		Content:      full.String(),
		PromptTokens: inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  total,
		Cost:         float64(total) * c.costPerTok,
		Provider:     c.Name(),
		Model:        c.model,
	}, nil
}

// classifyHTTPStatus maps an HTTP failure onto the router's error taxonomy
// (spec §4.2/§7), so every provider's retry/fast-fail behavior is uniform.
func classifyHTTPStatus(status int, retryAfterHeader, provider string, body []byte) error {
	msg := fmt.Sprintf("%s API error (status %d): %s", provider, status, truncate(body, 200))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", corelib.ErrAuthentication, msg)
	case status == http.StatusTooManyRequests:
		if d, ok := parseRetryAfter(retryAfterHeader); ok {
			return fmt.Errorf("%w: %s (retry-after %s)", corelib.ErrRateLimited, msg, d)
		}
		return fmt.Errorf("%w: %s", corelib.ErrRateLimited, msg)
	case status == http.StatusBadRequest || (status >= 400 && status < 500 && status != http.StatusRequestTimeout):
		return fmt.Errorf("%w: %s", corelib.ErrInvalidPayload, msg)
	case status == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %s", corelib.ErrTimeout, msg)
	case status == http.StatusBadGateway:
		return fmt.Errorf("%w: %s", corelib.ErrBadGateway, msg)
	case status >= 500:
		return fmt.Errorf("%w: %s", corelib.ErrServerError, msg)
	default:
		return fmt.Errorf("%w: %s", corelib.ErrServerError, msg)
	}
}

func parseRetryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n]
	}
	return s
}
