package modelrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"github.com/cadencehq/cadence/internal/apperr"
)

// BedrockProvider invokes Anthropic models through AWS Bedrock.
type BedrockProvider struct {
	client *bedrockruntime.Client
	region string
}

type bedrockMessage struct {
	Role    string                `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature,omitempty"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewBedrockProvider creates a provider from the default AWS credential
// chain.
func NewBedrockProvider(ctx context.Context, region string) (*BedrockProvider, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	p := &BedrockProvider{
		client: bedrockruntime.NewFromConfig(cfg),
		region: region,
	}
	log.Printf("[ModelRouter] Bedrock provider initialized (region=%s)", region)
	return p, nil
}

// Invoke calls one model. Failures are classified: throttling and 5xx are
// transient (the router falls back), auth and validation rejections are
// permanent.
func (p *BedrockProvider) Invoke(ctx context.Context, model string, req *Request) (*Response, error) {
	messages := make([]bedrockMessage, 0, len(req.History)+1)
	for _, turn := range req.History {
		messages = append(messages, bedrockMessage{
			Role:    turn.Role,
			Content: []bedrockContentBlock{{Type: "text", Text: turn.Content}},
		})
	}
	messages = append(messages, bedrockMessage{
		Role:    "user",
		Content: []bedrockContentBlock{{Type: "text", Text: req.Prompt}},
	})

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		System:           req.SystemPrompt,
		Messages:         messages,
		Temperature:      req.Temperature,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeModelPermanent, "marshal model request", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classifyBedrockError(err)
	}

	var parsed bedrockResponse
	if err := json.Unmarshal(output.Body, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.CodeModelTransient, "parse model response", err)
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &Response{
		Text:         text,
		Model:        model,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}

func classifyBedrockError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "ValidationException", "ResourceNotFoundException":
			return apperr.Wrap(apperr.CodeModelPermanent, "model call rejected", err)
		case "ThrottlingException", "ServiceUnavailableException", "ModelTimeoutException", "InternalServerException":
			return apperr.Wrap(apperr.CodeModelTransient, "model call failed", err)
		}
	}
	return apperr.Wrap(apperr.CodeModelTransient, "model call failed", err)
}
