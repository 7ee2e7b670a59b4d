package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

// DefaultAWSRegion is used for AWS S3 when neither config nor the SDK
// resolves a region.
const DefaultAWSRegion = "us-east-1"

const manuscriptContentType = "text/markdown; charset=utf-8"

// S3Config configures S3Publisher. Credentials follow the AWS SDK v2 default
// chain unless AccessKeyID and SecretAccessKey are both set.
//
// For S3-compatible stores (MinIO, Wasabi) set Endpoint and usually
// ForcePathStyle.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Prefix          string `mapstructure:"prefix"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// Validate checks required fields.
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3 publish: bucket is required")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return errors.New("s3 publish: access key id and secret access key must be set together")
	}
	return nil
}

// PutObjectAPI is the slice of the S3 client the publisher needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Publisher uploads manuscripts to a bucket.
type S3Publisher struct {
	client PutObjectAPI
	cfg    S3Config
}

// NewS3Publisher loads AWS configuration and builds the S3 client.
func NewS3Publisher(ctx context.Context, cfg S3Config) (*S3Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &Error{Op: "config", Target: TargetS3, Err: err}
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Publisher{client: client, cfg: cfg}, nil
}

// NewS3PublisherFromClient wraps an existing client.
func NewS3PublisherFromClient(client PutObjectAPI, cfg S3Config) (*S3Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &S3Publisher{client: client, cfg: cfg}, nil
}

func loadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// resolveRegion defaults to us-east-1 for AWS S3 only; S3-compatible
// endpoints get no default.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

// Name implements orchestrator.Publisher.
func (p *S3Publisher) Name() string { return TargetS3 }

// Publish uploads the manuscript and returns its s3:// URI.
func (p *S3Publisher) Publish(ctx context.Context, job *pipeline.Job, m *pipeline.Artifact) (string, error) {
	if err := checkManuscript(m); err != nil {
		return "", &Error{Op: "check", Target: TargetS3, Err: err}
	}
	key := ObjectName(p.cfg.Prefix, job)
	uri := fmt.Sprintf("s3://%s/%s", p.cfg.Bucket, key)
	body := strings.NewReader(m.Content)
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.cfg.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(int64(len(m.Content))),
		ContentType:   aws.String(manuscriptContentType),
		Metadata: map[string]string{
			"job-id":      job.ID,
			"artifact-id": m.ID,
			"version":     fmt.Sprint(m.Version),
		},
	})
	if err != nil {
		return "", &Error{Op: "PutObject", Target: TargetS3, Location: uri, Err: mapS3Error(err)}
	}
	return uri, nil
}

// mapS3Error maps SDK errors onto the package sentinels, keeping the
// original error in the chain.
func mapS3Error(err error) error {
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return fmt.Errorf("%w: %w", ErrBucketNotFound, err)
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "NoSuchBucket":
		return fmt.Errorf("%w: %w", ErrBucketNotFound, err)
	case "AccessDenied", "Forbidden":
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	case "SlowDown", "Throttling", "RequestLimitExceeded":
		return fmt.Errorf("%w: %w", ErrThrottled, err)
	case "ServiceUnavailable", "InternalError":
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
