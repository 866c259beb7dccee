package router

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/apex-build/buildforge/internal/corelib"
)

const openaiDefaultBaseURL = "https://api.openai.com/v1"

// OpenAIProvider calls the Chat Completions API (spec §4.2; grounded on
// itsneelabh-gomind's openai client request/response shape, trimmed to the
// fields this router actually needs).
type OpenAIProvider struct {
	httpClient  *http.Client
	apiKey      string
	baseURL     string
	model       string
	log         corelib.Logger
	costPerTok  float64
	baseLatMS   int64
	maxTok      int
	reliability float64
}

// NewOpenAIProvider builds a client for the given API key/model.
func NewOpenAIProvider(apiKey, model string, log corelib.Logger) *OpenAIProvider {
	if model == "" {
		model = "gpt-4o"
	}
	if log == nil {
		log = corelib.NoOpLogger{}
	}
	return &OpenAIProvider{
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		apiKey:      apiKey,
		baseURL:     openaiDefaultBaseURL,
		model:       model,
		log:         log,
		costPerTok:  0.000005,
		baseLatMS:   1500,
		maxTok:      4096,
		reliability: 0.95,
	}
}

func (c *OpenAIProvider) Name() string { return "openai" }

func (c *OpenAIProvider) Capabilities() []Capability {
	return []Capability{CapInterviewer, CapPlanner, CapCoder, CapTester, CapDebugger, CapReviewer}
}

func (c *OpenAIProvider) CostPerToken() float64     { return c.costPerTok }
func (c *OpenAIProvider) BaseLatencyMS() int64      { return c.baseLatMS }
func (c *OpenAIProvider) MaxTokens() int            { return c.maxTok }
func (c *OpenAIProvider) ReliabilityScore() float64 { return c.reliability }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
}

func (c *OpenAIProvider) Complete(ctx context.Context, task Task) (Response, error) {
	if c.apiKey == "" {
		return Response{Model: c.model}, fmt.Errorf("%w: openai API key not configured", corelib.ErrAuthentication)
	}

	reqBody := openAIRequest{
		Model:       c.model,
		Messages:    []openAIMessage{{Role: "user", Content: task.Prompt}},
		MaxTokens:   c.maxTok,
		Temperature: 0.7,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Response{Model: c.model}, fmt.Errorf("marshal openai request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return Response{Model: c.model}, fmt.Errorf("build openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{Model: c.model}, fmt.Errorf("%w: %v", corelib.ErrConnectionReset, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{Model: c.model}, fmt.Errorf("%w: reading openai response: %v", corelib.ErrServerError, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{Model: c.model}, classifyHTTPStatus(resp.StatusCode, resp.Header.Get("Retry-After"), "openai", body)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Response{Model: c.model}, fmt.Errorf("%w: parsing openai response: %v", corelib.ErrServerError, err)
	}
	if len(parsed.Choices) == 0 {
		return Response{Model: c.model}, fmt.Errorf("%w: openai returned no choices", corelib.ErrServerError)
	}

	return Response{
		Content:      parsed.Choices[0].Message.Content,
		PromptTokens: parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		TotalTokens:  parsed.Usage.TotalTokens,
		Cost:         float64(parsed.Usage.TotalTokens) * c.costPerTok,
		Provider:     c.Name(),
		Model:        parsed.Model,
	}, nil
}

func (c *OpenAIProvider) StreamComplete(ctx context.Context, task Task, onChunk func(chunk string)) (Response, error) {
	if c.apiKey == "" {
		return Response{Model: c.model}, fmt.Errorf("%w: openai API key not configured", corelib.ErrAuthentication)
	}

	reqBody := openAIRequest{
		Model:       c.model,
		Messages:    []openAIMessage{{Role: "user", Content: task.Prompt}},
		MaxTokens:   c.maxTok,
		Temperature: 0.7,
		Stream:      true,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Response{Model: c.model}, fmt.Errorf("marshal openai request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return Response{Model: c.model}, fmt.Errorf("build openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{Model: c.model}, fmt.Errorf("%w: %v", corelib.ErrConnectionReset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Response{Model: c.model}, classifyHTTPStatus(resp.StatusCode, resp.Header.Get("Retry-After"), "openai", body)
	}

	reader := bufio.NewReader(resp.Body)
	var full strings.Builder

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return Response{Content: full.String(), Model: c.model}, fmt.Errorf("%w: reading openai stream: %v", corelib.ErrConnectionReset, err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}
		var evt struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			continue
		}
		for _, choice := range evt.Choices {
			if choice.Delta.Content != "" {
				full.WriteString(choice.Delta.Content)
				onChunk(choice.Delta.Content)
			}
		}
	}

	tokens := len(full.String()) / 4
	return Response{
		Content:     full.String(),
		OutputTokens: tokens,
		TotalTokens: tokens,
		Cost:        float64(tokens) * c.costPerTok,
		Provider:    c.Name(),
		Model:       c.model,
	}, nil
}
