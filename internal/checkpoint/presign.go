// Package checkpoint issues presigned S3 URLs so workers upload and
// download checkpoint artifacts directly. The engine never proxies
// checkpoint bytes; it only hands out scoped, expiring URLs and tracks
// the resulting object references.
package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"trainengine/internal/apperrors"
)

const defaultTTL = 15 * time.Minute

// Config holds the checkpoint bucket settings.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for S3-compatible stores (MinIO), empty = AWS
	TTL      time.Duration

	// Static credentials for S3-compatible stores; empty means the
	// default AWS credential chain.
	AccessKey string
	SecretKey string
}

// Issuer creates presigned checkpoint URLs.
type Issuer struct {
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
}

// NewIssuer connects to S3 and returns an issuer for the configured
// bucket.
func NewIssuer(ctx context.Context, cfg Config) (*Issuer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("checkpoint bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Issuer{presign: s3.NewPresignClient(client), bucket: cfg.Bucket, ttl: ttl}, nil
}

// Grant is a presigned URL plus the stable reference recorded on the
// job once the upload happens.
type Grant struct {
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Ref       string    `json:"ref"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PresignPut issues an upload URL for a named checkpoint of a job.
func (i *Issuer) PresignPut(ctx context.Context, jobID, name string) (*Grant, error) {
	key, err := objectKey(jobID, name)
	if err != nil {
		return nil, err
	}
	req, err := i.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(i.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(i.ttl))
	if err != nil {
		return nil, fmt.Errorf("presign put: %w", err)
	}
	return &Grant{
		URL:       req.URL,
		Method:    req.Method,
		Ref:       i.ref(key),
		ExpiresAt: time.Now().UTC().Add(i.ttl),
	}, nil
}

// PresignGet issues a download URL for an existing checkpoint ref.
// The ref must point into the issuer's bucket.
func (i *Issuer) PresignGet(ctx context.Context, ref string) (*Grant, error) {
	key, err := i.keyFromRef(ref)
	if err != nil {
		return nil, err
	}
	req, err := i.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(i.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(i.ttl))
	if err != nil {
		return nil, fmt.Errorf("presign get: %w", err)
	}
	return &Grant{
		URL:       req.URL,
		Method:    req.Method,
		Ref:       ref,
		ExpiresAt: time.Now().UTC().Add(i.ttl),
	}, nil
}

func (i *Issuer) ref(key string) string {
	return fmt.Sprintf("s3://%s/%s", i.bucket, key)
}

func (i *Issuer) keyFromRef(ref string) (string, error) {
	prefix := "s3://" + i.bucket + "/"
	if !strings.HasPrefix(ref, prefix) {
		return "", apperrors.Validation("ref", fmt.Sprintf("checkpoint ref must be under s3://%s/", i.bucket))
	}
	key := strings.TrimPrefix(ref, prefix)
	if key == "" {
		return "", apperrors.Validation("ref", "checkpoint ref has no object key")
	}
	return key, nil
}

// objectKey builds the per-job key. name is a single path element.
func objectKey(jobID, name string) (string, error) {
	if name == "" {
		return "", apperrors.Validation("name", "checkpoint name is required")
	}
	if strings.ContainsAny(name, "/\\") || name == ".." {
		return "", apperrors.Validation("name", "checkpoint name must be a single path element")
	}
	return fmt.Sprintf("checkpoints/%s/%s", jobID, name), nil
}
