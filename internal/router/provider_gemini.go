package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/apex-build/buildforge/internal/corelib"
)

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider calls Google's native GenerateContent API (spec §4.2;
// grounded on itsneelabh-gomind's gemini client content/parts request shape).
// Gemini authenticates via an API-key query parameter rather than a header,
// and has no first-class server-sent-events streaming endpoint in this pack,
// so StreamComplete here delivers the full response as one terminal chunk.
type GeminiProvider struct {
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

// NewGeminiProvider builds a client for the given API key/model.
func NewGeminiProvider(apiKey, model string, log corelib.Logger) *GeminiProvider {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	if log == nil {
		log = corelib.NoOpLogger{}
	}
	return &GeminiProvider{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		apiKey:      apiKey,
		baseURL:     geminiDefaultBaseURL,
		model:       model,
		log:         log,
		costPerTok:  0.0000015,
		baseLatMS:   1200,
		maxTok:      1000,
		reliability: 0.93,
	}
}

func (c *GeminiProvider) Name() string { return "gemini" }

func (c *GeminiProvider) Capabilities() []Capability {
	return []Capability{CapPlanner, CapSchemaDesign, CapCoder, CapTester}
}

func (c *GeminiProvider) CostPerToken() float64     { return c.costPerTok }
func (c *GeminiProvider) BaseLatencyMS() int64      { return c.baseLatMS }
func (c *GeminiProvider) MaxTokens() int            { return c.maxTok }
func (c *GeminiProvider) ReliabilityScore() float64 { return c.reliability }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
}

func (c *GeminiProvider) Complete(ctx context.Context, task Task) (Response, error) {
	if c.apiKey == "" {
		return Response{Model: c.model}, fmt.Errorf("%w: gemini API key not configured", corelib.ErrAuthentication)
	}

	reqBody := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: task.Prompt}}}},
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     0.7,
			MaxOutputTokens: c.maxTok,
		},
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Response{Model: c.model}, fmt.Errorf("marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return Response{Model: c.model}, fmt.Errorf("build gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{Model: c.model}, fmt.Errorf("%w: %v", corelib.ErrConnectionReset, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{Model: c.model}, fmt.Errorf("%w: reading gemini response: %v", corelib.ErrServerError, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{Model: c.model}, classifyHTTPStatus(resp.StatusCode, resp.Header.Get("Retry-After"), "gemini", body)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Response{Model: c.model}, fmt.Errorf("%w: parsing gemini response: %v", corelib.ErrServerError, err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return Response{Model: c.model}, fmt.Errorf("%w: gemini returned no candidates", corelib.ErrServerError)
	}

	var content string
	for _, part := range parsed.Candidates[0].Content.Parts {
		content += part.Text
	}

	return Response{
		Content:      content,
		PromptTokens: parsed.UsageMetadata.PromptTokenCount,
		OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		TotalTokens:  parsed.UsageMetadata.TotalTokenCount,
		Cost:         float64(parsed.UsageMetadata.TotalTokenCount) * c.costPerTok,
		Provider:     c.Name(),
		Model:        c.model,
	}, nil
}

// StreamComplete delivers the whole response as a single chunk: Gemini's
// generateContent endpoint (unlike its streamGenerateContent variant) is not
// chunked, and this router does not need the streaming variant's different
// wire format for the providers it fronts.
func (c *GeminiProvider) StreamComplete(ctx context.Context, task Task, onChunk func(chunk string)) (Response, error) {
	resp, err := c.Complete(ctx, task)
	if err != nil {
		return resp, err
	}
	onChunk(resp.Content)
	return resp, nil
}
