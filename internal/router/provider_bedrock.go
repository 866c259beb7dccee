package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/apex-build/buildforge/internal/corelib"
)

// BedrockModelClaudeSonnet is the default Bedrock model id this provider
// targets (spec §4.2; grounded on itsneelabh-gomind's bedrock client, which
// defaults to the same family).
const BedrockModelClaudeSonnet = "anthropic.claude-3-sonnet-20240229-v1:0"

// BedrockProvider calls AWS Bedrock's Converse API via aws-sdk-go-v2
// (grounded on itsneelabh-gomind's bedrock client.go Converse-input
// construction, adapted to this router's Provider contract instead of a
// core.AIClient).
type BedrockProvider struct {
	client      *bedrockruntime.Client
	model       string
	log         corelib.Logger
	costPerTok  float64
	baseLatMS   int64
	maxTok      int
	reliability float64
}

// NewBedrockProvider wraps an already-configured bedrockruntime.Client (the
// caller resolves AWS credentials/region via config.LoadDefaultConfig the
// way every other aws-sdk-go-v2 consumer in this ecosystem does).
func NewBedrockProvider(client *bedrockruntime.Client, model string, log corelib.Logger) *BedrockProvider {
	if model == "" {
		model = BedrockModelClaudeSonnet
	}
	if log == nil {
		log = corelib.NoOpLogger{}
	}
	return &BedrockProvider{
		client:      client,
		model:       model,
		log:         log,
		costPerTok:  0.000003,
		baseLatMS:   2000,
		maxTok:      1000,
		reliability: 0.94,
	}
}

func (c *BedrockProvider) Name() string { return "bedrock" }

func (c *BedrockProvider) Capabilities() []Capability {
	return []Capability{CapPlanner, CapSchemaDesign, CapCoder, CapReviewer}
}

func (c *BedrockProvider) CostPerToken() float64     { return c.costPerTok }
func (c *BedrockProvider) BaseLatencyMS() int64      { return c.baseLatMS }
func (c *BedrockProvider) MaxTokens() int            { return c.maxTok }
func (c *BedrockProvider) ReliabilityScore() float64 { return c.reliability }

func (c *BedrockProvider) Complete(ctx context.Context, task Task) (Response, error) {
	if c.client == nil {
		return Response{Model: c.model}, fmt.Errorf("%w: bedrock client not configured", corelib.ErrAuthentication)
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.model),
		Messages: []types.Message{
			{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: task.Prompt}},
			},
		},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(c.maxTok)),
		},
	}

	output, err := c.client.Converse(ctx, input)
	if err != nil {
		return Response{Model: c.model}, classifyBedrockError(err)
	}
	if output.Output == nil {
		return Response{Model: c.model}, fmt.Errorf("%w: bedrock returned no output", corelib.ErrServerError)
	}

	var content string
	switch v := output.Output.(type) {
	case *types.ConverseOutputMemberMessage:
		for _, block := range v.Value.Content {
			if text, ok := block.(*types.ContentBlockMemberText); ok {
				content += text.Value
			}
		}
	default:
		return Response{Model: c.model}, fmt.Errorf("%w: unexpected bedrock output type", corelib.ErrServerError)
	}

	var promptTokens, outputTokens int
	if output.Usage != nil {
		promptTokens = int(aws.ToInt32(output.Usage.InputTokens))
		outputTokens = int(aws.ToInt32(output.Usage.OutputTokens))
	}
	total := promptTokens + outputTokens

	return Response{
		Content:      content,
		PromptTokens: promptTokens,
		OutputTokens: outputTokens,
		TotalTokens:  total,
		Cost:         float64(total) * c.costPerTok,
		Provider:     c.Name(),
		Model:        c.model,
	}, nil
}

// StreamComplete uses ConverseStream, Bedrock's event-stream variant of the
// same Converse API, emitting each content-delta event as it arrives.
func (c *BedrockProvider) StreamComplete(ctx context.Context, task Task, onChunk func(chunk string)) (Response, error) {
	if c.client == nil {
		return Response{Model: c.model}, fmt.Errorf("%w: bedrock client not configured", corelib.ErrAuthentication)
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(c.model),
		Messages: []types.Message{
			{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: task.Prompt}},
			},
		},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(c.maxTok)),
		},
	}

	output, err := c.client.ConverseStream(ctx, input)
	if err != nil {
		return Response{Model: c.model}, classifyBedrockError(err)
	}

	stream := output.GetStream()
	defer stream.Close()

	var full string
	var promptTokens, outputTokens int

	for event := range stream.Events() {
		switch v := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			if text, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
				full += text.Value
				onChunk(text.Value)
			}
		case *types.ConverseStreamOutputMemberMetadata:
			if v.Value.Usage != nil {
				promptTokens = int(aws.ToInt32(v.Value.Usage.InputTokens))
				outputTokens = int(aws.ToInt32(v.Value.Usage.OutputTokens))
			}
		}
	}
	if err := stream.Err(); err != nil {
		return Response{Content: full, Model: c.model}, classifyBedrockError(err)
	}

	total := promptTokens + outputTokens
	return Response{
		Content:      full,
		PromptTokens: promptTokens,
		OutputTokens: outputTokens,
		TotalTokens:  total,
		Cost:         float64(total) * c.costPerTok,
		Provider:     c.Name(),
		Model:        c.model,
	}, nil
}

// classifyBedrockError maps AWS SDK response errors onto the router's error
// taxonomy using the smithy-go response-error wrapper every aws-sdk-go-v2
// service client returns on a non-2xx response.
func classifyBedrockError(err error) error {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return classifyHTTPStatus(respErr.HTTPStatusCode(), "", "bedrock", []byte(err.Error()))
	}
	return fmt.Errorf("%w: %v", corelib.ErrConnectionReset, err)
}
