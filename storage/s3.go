package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/richinsley/comfyworker/job"
	"go.uber.org/zap"
)

const (
	defaultUploadTimeout = 60 * time.Second
	defaultPresignExpiry = 24 * time.Hour
	maxAttempts          = 3
)

type S3Config struct {
	Bucket    string
	AccessKey string
	SecretKey string
	// Endpoint points at an S3-compatible service (R2, MinIO). Empty means AWS.
	Endpoint string
	Region   string
	// PublicURL, when set, is the base of the returned URLs instead of a presigned link.
	PublicURL     string
	UploadTimeout time.Duration
	PresignExpiry time.Duration
}

// S3Publisher uploads artifacts to an S3-compatible bucket.
type S3Publisher struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     S3Config
	logger  *zap.Logger
}

func NewS3Publisher(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Bucket == "" {
		return nil, job.NewConfigurationError("S3 bucket is not configured")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = defaultPresignExpiry
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.NewAdaptiveMode(func(o *retry.AdaptiveModeOptions) {
				o.StandardOptions = append(o.StandardOptions, func(so *retry.StandardOptions) {
					so.MaxAttempts = maxAttempts
				})
			})
		}),
	)
	if err != nil {
		return nil, job.WrapConfigurationError("loading S3 configuration", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Publisher{
		client:  client,
		presign: s3.NewPresignClient(client),
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Publish uploads data and returns its public or presigned URL.
func (p *S3Publisher) Publish(ctx context.Context, key string, contentType string, data []byte) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", job.NewStorageError("publish", err)
	}

	uctx, cancel := context.WithTimeout(ctx, p.cfg.UploadTimeout)
	defer cancel()

	start := time.Now()
	_, err = p.client.PutObject(uctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.cfg.Bucket),
		Key:           aws.String(k),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", job.NewStorageError(fmt.Sprintf("upload s3://%s/%s", p.cfg.Bucket, k), err)
	}
	p.logger.Debug("uploaded artifact",
		zap.String("bucket", p.cfg.Bucket),
		zap.String("key", k),
		zap.Int("bytes", len(data)),
		zap.Duration("took", time.Since(start)),
	)

	return p.URL(ctx, k)
}

// URL returns the address an uploaded object is served from.
func (p *S3Publisher) URL(ctx context.Context, key string) (string, error) {
	if p.cfg.PublicURL != "" {
		return strings.TrimRight(p.cfg.PublicURL, "/") + "/" + key, nil
	}
	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.cfg.PresignExpiry))
	if err != nil {
		return "", job.NewStorageError(fmt.Sprintf("presign s3://%s/%s", p.cfg.Bucket, key), err)
	}
	return req.URL, nil
}

// Exists reports whether key is present in the bucket.
func (p *S3Publisher) Exists(ctx context.Context, key string) (bool, error) {
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound {
		return false, nil
	}
	return false, job.NewStorageError(fmt.Sprintf("head s3://%s/%s", p.cfg.Bucket, key), err)
}
