package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ivsrealtime"
	"github.com/aws/aws-sdk-go-v2/service/ivsrealtime/types"
	"golang.org/x/time/rate"
)

// createStageRate bounds CreateStage calls to stay under the provider's
// effective create limit of five stages per second.
const createStageRate = rate.Limit(5)

// IVSConfig configures the IVS Real-Time adapter.
type IVSConfig struct {
	Region string
	// Client overrides the SDK client, used by tests.
	Client IVSClient
}

// IVSClient is the subset of the ivsrealtime SDK client the adapter uses.
type IVSClient interface {
	CreateStage(ctx context.Context, params *ivsrealtime.CreateStageInput, optFns ...func(*ivsrealtime.Options)) (*ivsrealtime.CreateStageOutput, error)
	GetStage(ctx context.Context, params *ivsrealtime.GetStageInput, optFns ...func(*ivsrealtime.Options)) (*ivsrealtime.GetStageOutput, error)
	ListStages(ctx context.Context, params *ivsrealtime.ListStagesInput, optFns ...func(*ivsrealtime.Options)) (*ivsrealtime.ListStagesOutput, error)
	DeleteStage(ctx context.Context, params *ivsrealtime.DeleteStageInput, optFns ...func(*ivsrealtime.Options)) (*ivsrealtime.DeleteStageOutput, error)
	CreateParticipantToken(ctx context.Context, params *ivsrealtime.CreateParticipantTokenInput, optFns ...func(*ivsrealtime.Options)) (*ivsrealtime.CreateParticipantTokenOutput, error)
	StartComposition(ctx context.Context, params *ivsrealtime.StartCompositionInput, optFns ...func(*ivsrealtime.Options)) (*ivsrealtime.StartCompositionOutput, error)
	StopComposition(ctx context.Context, params *ivsrealtime.StopCompositionInput, optFns ...func(*ivsrealtime.Options)) (*ivsrealtime.StopCompositionOutput, error)
	ListCompositions(ctx context.Context, params *ivsrealtime.ListCompositionsInput, optFns ...func(*ivsrealtime.Options)) (*ivsrealtime.ListCompositionsOutput, error)
}

// IVS adapts the AWS IVS Real-Time control plane to the API interface.
type IVS struct {
	client  IVSClient
	limiter *rate.Limiter
}

var _ API = (*IVS)(nil)

// NewIVS builds an adapter using the default AWS credential chain.
func NewIVS(ctx context.Context, cfg IVSConfig) (*IVS, error) {
	client := cfg.Client
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client = ivsrealtime.NewFromConfig(awsCfg)
	}
	return &IVS{
		client:  client,
		limiter: rate.NewLimiter(createStageRate, 1),
	}, nil
}

func (c *IVS) CreateStage(ctx context.Context, name string, tags map[string]string) (Stage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Stage{}, err
	}
	out, err := c.client.CreateStage(ctx, &ivsrealtime.CreateStageInput{
		Name: aws.String(name),
		Tags: tags,
	})
	if err != nil {
		return Stage{}, fmt.Errorf("create stage: %w", err)
	}
	if out.Stage == nil {
		return Stage{}, fmt.Errorf("create stage: empty response")
	}
	return stageFromSDK(out.Stage), nil
}

func (c *IVS) GetStage(ctx context.Context, arn string) (*Stage, error) {
	out, err := c.client.GetStage(ctx, &ivsrealtime.GetStageInput{Arn: aws.String(arn)})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get stage %s: %w", arn, err)
	}
	if out.Stage == nil {
		return nil, nil
	}
	stage := stageFromSDK(out.Stage)
	return &stage, nil
}

func (c *IVS) ListStages(ctx context.Context) ([]Stage, error) {
	var stages []Stage
	var next *string
	for {
		out, err := c.client.ListStages(ctx, &ivsrealtime.ListStagesInput{
			MaxResults: aws.Int32(100),
			NextToken:  next,
		})
		if err != nil {
			return nil, fmt.Errorf("list stages: %w", err)
		}
		for _, summary := range out.Stages {
			stages = append(stages, Stage{
				Arn:             aws.ToString(summary.Arn),
				Name:            aws.ToString(summary.Name),
				ActiveSessionID: aws.ToString(summary.ActiveSessionId),
				Tags:            summary.Tags,
			})
		}
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		next = out.NextToken
	}
	return stages, nil
}

func (c *IVS) DeleteStage(ctx context.Context, arn string) error {
	if _, err := c.client.DeleteStage(ctx, &ivsrealtime.DeleteStageInput{Arn: aws.String(arn)}); err != nil {
		return fmt.Errorf("delete stage %s: %w", arn, err)
	}
	return nil
}

func (c *IVS) CreateParticipantToken(ctx context.Context, params TokenParams) (Token, error) {
	capabilities := make([]types.ParticipantTokenCapability, 0, len(params.Capabilities))
	for _, capability := range params.Capabilities {
		capabilities = append(capabilities, types.ParticipantTokenCapability(capability))
	}
	input := &ivsrealtime.CreateParticipantTokenInput{
		StageArn:     aws.String(params.StageArn),
		UserId:       aws.String(params.UserID),
		Capabilities: capabilities,
		Attributes:   params.Attributes,
	}
	if params.Duration > 0 {
		input.Duration = aws.Int32(int32(params.Duration / time.Minute))
	}
	out, err := c.client.CreateParticipantToken(ctx, input)
	if err != nil {
		return Token{}, fmt.Errorf("create participant token: %w", err)
	}
	if out.ParticipantToken == nil {
		return Token{}, fmt.Errorf("create participant token: empty response")
	}
	token := Token{
		Token:         aws.ToString(out.ParticipantToken.Token),
		ParticipantID: aws.ToString(out.ParticipantToken.ParticipantId),
	}
	if out.ParticipantToken.ExpirationTime != nil {
		token.ExpiresAt = *out.ParticipantToken.ExpirationTime
	}
	return token, nil
}

func (c *IVS) StartComposition(ctx context.Context, params CompositionParams) (Composition, error) {
	var destinations []types.DestinationConfiguration
	if params.ChannelArn != "" {
		destinations = append(destinations, types.DestinationConfiguration{
			Channel: &types.ChannelDestinationConfiguration{ChannelArn: aws.String(params.ChannelArn)},
		})
	}
	if params.StorageArn != "" {
		destinations = append(destinations, types.DestinationConfiguration{
			S3: &types.S3DestinationConfiguration{StorageConfigurationArn: aws.String(params.StorageArn)},
		})
	}
	if len(destinations) == 0 {
		return Composition{}, fmt.Errorf("start composition: no destinations configured")
	}
	input := &ivsrealtime.StartCompositionInput{
		StageArn:     aws.String(params.StageArn),
		Destinations: destinations,
	}
	if params.IdempotencyToken != "" {
		input.IdempotencyToken = aws.String(params.IdempotencyToken)
	}
	out, err := c.client.StartComposition(ctx, input)
	if err != nil {
		return Composition{}, fmt.Errorf("start composition: %w", err)
	}
	if out.Composition == nil {
		return Composition{}, fmt.Errorf("start composition: empty response")
	}
	return Composition{
		Arn:      aws.ToString(out.Composition.Arn),
		StageArn: aws.ToString(out.Composition.StageArn),
		State:    string(out.Composition.State),
	}, nil
}

func (c *IVS) StopComposition(ctx context.Context, arn string) error {
	if _, err := c.client.StopComposition(ctx, &ivsrealtime.StopCompositionInput{Arn: aws.String(arn)}); err != nil {
		return fmt.Errorf("stop composition %s: %w", arn, err)
	}
	return nil
}

func (c *IVS) ListCompositions(ctx context.Context, stageArn string) ([]Composition, error) {
	var compositions []Composition
	var next *string
	for {
		input := &ivsrealtime.ListCompositionsInput{NextToken: next}
		if stageArn != "" {
			input.FilterByStageArn = aws.String(stageArn)
		}
		out, err := c.client.ListCompositions(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list compositions: %w", err)
		}
		for _, summary := range out.Compositions {
			compositions = append(compositions, Composition{
				Arn:      aws.ToString(summary.Arn),
				StageArn: aws.ToString(summary.StageArn),
				State:    string(summary.State),
			})
		}
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		next = out.NextToken
	}
	return compositions, nil
}

func stageFromSDK(stage *types.Stage) Stage {
	return Stage{
		Arn:             aws.ToString(stage.Arn),
		Name:            aws.ToString(stage.Name),
		ActiveSessionID: aws.ToString(stage.ActiveSessionId),
		Tags:            stage.Tags,
	}
}
