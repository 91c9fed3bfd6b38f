package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/recapio/recap/internal/taxonomy"
)

// converseAPI is the slice of the Bedrock runtime client the adapter uses.
type converseAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, opts ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// bedrockClient analyzes transcripts through the AWS Bedrock Converse API.
// Credentials come from the standard AWS chain; SDK auto-retry is disabled
// so the worker stays the sole retry authority.
type bedrockClient struct {
	api     converseAPI
	model   string
	timeout time.Duration
}

func newBedrock(ctx context.Context, cfg Config) (*bedrockClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	)
	if err != nil {
		return nil, fmt.Errorf("llm: load aws config: %w", err)
	}
	return &bedrockClient{
		api:     bedrockruntime.NewFromConfig(awsCfg),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

// newBedrockWithAPI wires the adapter around an existing client. For tests.
func newBedrockWithAPI(api converseAPI, model string, timeout time.Duration) *bedrockClient {
	return &bedrockClient{api: api, model: model, timeout: timeout}
}

const bedrockMaxTokens = 2048

func (c *bedrockClient) Analyze(ctx context.Context, req Request) (*Result, error) {
	// Job contexts carry no deadline, so the adapter must bound the call
	// itself or a hung Converse blocks the worker slot past the lease TTL.
	timeout := c.timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := c.api.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.model),
		System: []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: systemPrompt(req.PromptVersion, req.SchemaVersion)},
		},
		Messages: []brtypes.Message{{
			Role: brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: req.TranscriptText},
			},
		}},
		InferenceConfig: &brtypes.InferenceConfiguration{
			Temperature: aws.Float32(0),
			MaxTokens:   aws.Int32(bedrockMaxTokens),
		},
	})
	if err != nil {
		return nil, classifyBedrock(err)
	}

	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok || len(msg.Value.Content) == 0 {
		return nil, callError(taxonomy.CodeLLMCallFailed, false, "empty analyzer response")
	}
	text, ok := msg.Value.Content[0].(*brtypes.ContentBlockMemberText)
	if !ok {
		return nil, callError(taxonomy.CodeLLMCallFailed, false, "analyzer returned non-text content")
	}

	return decodeResult(ProviderBedrock, c.model, req, text.Value)
}

// classifyBedrock maps Bedrock service exceptions onto the taxonomy.
func classifyBedrock(err error) *CallError {
	var (
		throttled   *brtypes.ThrottlingException
		modelTO     *brtypes.ModelTimeoutException
		unavailable *brtypes.ServiceUnavailableException
		internal    *brtypes.InternalServerException
	)
	switch {
	case errors.As(err, &throttled):
		return callError(taxonomy.CodeLLMRateLimited, true, "analyzer rate limited: %v", err)
	case errors.As(err, &modelTO):
		return callError(taxonomy.CodeLLMTimeout, true, "analyzer model timeout: %v", err)
	case errors.As(err, &unavailable), errors.As(err, &internal):
		return callError(taxonomy.CodeLLMTransient, true, "analyzer upstream error: %v", err)
	}

	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return classifyStatus(re.HTTPStatusCode(), err.Error())
	}
	return classifyTransport(err)
}
