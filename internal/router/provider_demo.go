package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DemoProvider is the built-in provider that always succeeds with
// deterministic mock content (spec §4.2: "used as the last-resort fallback
// and for auto-detected 'no real keys' mode").
type DemoProvider struct{}

// NewDemoProvider builds the always-available demo provider.
func NewDemoProvider() *DemoProvider { return &DemoProvider{} }

func (d *DemoProvider) Name() string { return "demo" }

func (d *DemoProvider) Capabilities() []Capability {
	return []Capability{
		CapInterviewer, CapPlanner, CapSchemaDesign, CapCoder,
		CapTester, CapDebugger, CapReviewer, CapDeployer,
	}
}

func (d *DemoProvider) CostPerToken() float64    { return 0 }
func (d *DemoProvider) BaseLatencyMS() int64     { return 50 }
func (d *DemoProvider) MaxTokens() int           { return 4096 }
func (d *DemoProvider) ReliabilityScore() float64 { return 1.0 }

// deterministicContent derives mock output from the prompt's hash, so
// identical tasks produce identical responses across calls.
func deterministicContent(role Capability, prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return fmt.Sprintf("// demo-generated %s output (ref %s)\n", role, hex.EncodeToString(sum[:4]))
}

func (d *DemoProvider) Complete(ctx context.Context, task Task) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}
	content := deterministicContent(task.Role, task.Prompt)
	tokens := len(content) / 4
	return Response{
		Content:      content,
		PromptTokens: len(task.Prompt) / 4,
		OutputTokens: tokens,
		TotalTokens:  tokens + len(task.Prompt)/4,
		Cost:         0,
		Provider:     d.Name(),
		Model:        "demo-v1",
	}, nil
}

func (d *DemoProvider) StreamComplete(ctx context.Context, task Task, onChunk func(chunk string)) (Response, error) {
	content := deterministicContent(task.Role, task.Prompt)
	for i := 0; i < len(content); i += 8 {
		end := i + 8
		if end > len(content) {
			end = len(content)
		}
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		default:
		}
		onChunk(content[i:end])
		time.Sleep(time.Millisecond)
	}
	return Response{
		Content:     content,
		TotalTokens: len(content) / 4,
		Provider:    d.Name(),
		Model:       "demo-v1",
	}, nil
}
