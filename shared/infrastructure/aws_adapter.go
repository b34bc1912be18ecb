package infrastructure

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/pkg/errors"
)

// AWSConfig selects the region and an optional endpoint override such as
// LocalStack.
type AWSConfig struct {
	Region   string
	Endpoint string
}

func loadAWSConfig(ctx context.Context, cfg AWSConfig) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, errors.Wrap(err, "failed to load AWS config")
	}
	return awsCfg, nil
}

// NewSNSPublisher builds an SNS client from the default credential chain
func NewSNSPublisher(ctx context.Context, cfg AWSConfig, topicArn string) (*SNSEventPublisher, error) {
	if topicArn == "" {
		return nil, errors.New("SNS topic ARN is required")
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewSNSEventPublisher(client, topicArn), nil
}

// NewSQSSubscriber builds an SQS client from the default credential chain
func NewSQSSubscriber(ctx context.Context, cfg AWSConfig, queueURL string, opts ...SQSSubscriberOption) (*SQSEventSubscriber, error) {
	if queueURL == "" {
		return nil, errors.New("SQS queue URL is required")
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewSQSEventSubscriber(client, queueURL, opts...), nil
}
