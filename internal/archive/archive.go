// Package archive uploads finished campaign reports to S3-compatible storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/unclebandit/groupcast/internal/model"
)

var (
	ErrInvalidConfig = errors.New("archive: bucket and region are required")
	ErrUpload        = errors.New("archive: upload failed")
)

// S3Client is the subset of *s3.Client used here.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	AccessKeyID    string
	SecretKey      string
	Prefix         string
	ForcePathStyle bool
}

type S3Archiver struct {
	client S3Client
	bucket string
	prefix string
}

type Option func(*options)

type options struct {
	client S3Client
}

// WithS3Client skips building a client from Config.
func WithS3Client(c S3Client) Option {
	return func(o *options) { o.client = c }
}

func NewS3Archiver(ctx context.Context, cfg Config, opts ...Option) (*S3Archiver, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, ErrInvalidConfig
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	client := o.client
	if client == nil {
		loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
		if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
			loadOpts = append(loadOpts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
			))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("archive: load aws config: %w", err)
		}
		client = s3.NewFromConfig(awsCfg, func(so *s3.Options) {
			if cfg.Endpoint != "" {
				so.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			so.UsePathStyle = cfg.ForcePathStyle
		})
	}

	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Key is the object key a report is stored under.
func (a *S3Archiver) Key(r *model.Report) string {
	return path.Join(a.prefix, r.AccountID, r.CampaignID+".json")
}

// Archive uploads r as JSON and returns its key.
func (a *S3Archiver) Archive(ctx context.Context, r *model.Report) (string, error) {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("archive: encode report: %w", err)
	}
	key := a.Key(r)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"campaign-id": r.CampaignID,
			"account-id":  r.AccountID,
			"status":      string(r.Status),
		},
	})
	if err != nil {
		return "", errors.Join(ErrUpload, err)
	}
	return key, nil
}
