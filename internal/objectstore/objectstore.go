// Package objectstore hands out time-limited download links for stored assets.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"recapflow/api-gateway/config"
)

// ErrDisabled is returned when no object storage is configured.
var ErrDisabled = errors.New("object storage is not configured")

// Signer creates a signed download URL for an object path.
type Signer interface {
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
	Name() string
}

// New builds the signer selected by cfg.StorageBackend.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (Signer, error) {
	switch cfg.StorageBackend {
	case "supabase":
		client, err := config.NewSupabaseClient(cfg)
		if err != nil {
			return nil, err
		}
		log.WithField("bucket", cfg.StorageBucket).Info("Signed downloads served from Supabase storage")
		return NewSupabaseSigner(cfg.StorageBucket, func(bucket, path string, expiresIn int) (string, error) {
			resp, err := client.Storage.CreateSignedUrl(bucket, path, expiresIn)
			if err != nil {
				return "", err
			}
			return resp.SignedURL, nil
		}), nil
	case "s3":
		signer, err := NewS3Signer(ctx, cfg)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"bucket": cfg.StorageBucket, "endpoint": cfg.S3Endpoint}).Info("Signed downloads served from S3")
		return signer, nil
	default:
		log.Warn("No object storage configured; asset downloads are disabled")
		return Disabled{}, nil
	}
}

// SignFunc signs path in bucket for expiresIn seconds.
type SignFunc func(bucket, path string, expiresIn int) (string, error)

type SupabaseSigner struct {
	bucket string
	sign   SignFunc
}

func NewSupabaseSigner(bucket string, sign SignFunc) *SupabaseSigner {
	return &SupabaseSigner{bucket: bucket, sign: sign}
}

func (s *SupabaseSigner) Name() string { return "supabase" }

func (s *SupabaseSigner) SignedURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	seconds := int(ttl / time.Second)
	if seconds <= 0 {
		seconds = 60
	}
	url, err := s.sign(s.bucket, strings.TrimPrefix(path, "/"), seconds)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", path, err)
	}
	if url == "" {
		return "", fmt.Errorf("sign %s: storage returned an empty url", path)
	}
	return url, nil
}

type S3Signer struct {
	bucket  string
	presign *s3.PresignClient
}

func NewS3Signer(ctx context.Context, cfg *config.Config) (*S3Signer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})
	return &S3Signer{bucket: cfg.StorageBucket, presign: s3.NewPresignClient(client)}, nil
}

func (s *S3Signer) Name() string { return "s3" }

func (s *S3Signer) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(strings.TrimPrefix(path, "/")),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", path, err)
	}
	return req.URL, nil
}

// Disabled refuses every request with ErrDisabled.
type Disabled struct{}

func (Disabled) Name() string { return "none" }

func (Disabled) SignedURL(context.Context, string, time.Duration) (string, error) {
	return "", ErrDisabled
}
