// Package aws runs the task queue on SNS topics fanned into SQS queues. Each
// task queue name maps to one topic and one SQS queue of the same name, so
// every worker consumes from the same queue.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/eventflow/transport"
)

const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	accountIDLength     = 12
)

var (
	ConfigLoader         = awsconfig.LoadDefaultConfig
	TopicResolverFactory = sns.NewGenerateArnTopicResolver
)

var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	transport.Register(TransportName, Build, transport.AWSCapabilities)
}

// Build loads the AWS configuration and creates the SNS publisher and the
// SNS-to-SQS subscriber. A custom endpoint (LocalStack) overrides both clients.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	endpoint, err := endpointURL(cfg.GetAWSEndpoint())
	if err != nil {
		return transport.Transport{}, err
	}
	awsCfg, err := loadConfig(ctx, cfg)
	if err != nil {
		logger.Error("Failed to load AWS config", err, watermill.LogFields{"region": cfg.GetAWSRegion()})
		return transport.Transport{}, fmt.Errorf("aws config: %w", err)
	}

	accountID, region := resolveAccountAndRegion(cfg, awsCfg.Region, endpoint != nil)
	resolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("aws topic resolver: %w", err)
	}
	logger.Info("Using AWS task queue", watermill.LogFields{
		"account_id":      accountID,
		"region":          region,
		"custom_endpoint": endpoint != nil,
	})

	snsOpts, sqsOpts := endpointOptions(endpoint)

	publisher, err := PublisherFactory(sns.PublisherConfig{
		AWSConfig:     awsCfg,
		OptFns:        snsOpts,
		TopicResolver: resolver,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("aws publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(sns.SubscriberConfig{
		AWSConfig:            awsCfg,
		OptFns:               snsOpts,
		TopicResolver:        resolver,
		GenerateSqsQueueName: queueNameFromTopic,
	}, sqs.SubscriberConfig{
		AWSConfig: awsCfg,
		OptFns:    sqsOpts,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("aws subscriber: %w", err)
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func loadConfig(ctx context.Context, cfg transport.Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region := cfg.GetAWSRegion(); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if key, secret := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); key != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentials(key, secret)))
	}

	awsCfg, err := ConfigLoader(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if region := cfg.GetAWSRegion(); region != "" {
		awsCfg.Region = region
	}
	return awsCfg, nil
}

// queueNameFromTopic names the SQS queue after the topic, so workers share it.
func queueNameFromTopic(_ context.Context, topic sns.TopicArn) (string, error) {
	name, err := sns.ExtractTopicNameFromTopicArn(topic)
	if err != nil {
		return "", err
	}
	return string(name), nil
}

func endpointOptions(endpoint *url.URL) ([]func(*amazonsns.Options), []func(*amazonsqs.Options)) {
	if endpoint == nil {
		return nil, nil
	}
	resolved := smithyendpoints.Endpoint{URI: *endpoint}
	return []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: resolved}),
		}, []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: resolved}),
		}
}

// resolveAccountAndRegion falls back to the LocalStack account when a custom
// endpoint is set and the configured account is not a 12 digit ID.
func resolveAccountAndRegion(cfg transport.Config, fallbackRegion string, customEndpoint bool) (string, string) {
	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	region := cfg.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}
	if customEndpoint && len(accountID) != accountIDLength {
		accountID = localstackAccountID
	}
	return accountID, region
}

func endpointURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("aws endpoint: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("aws endpoint: %q needs a scheme and host", raw)
	}
	return parsed, nil
}

func staticCredentials(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: accessKeyID, SecretAccessKey: secretAccessKey, Source: "eventflow"}, nil
	})
}
