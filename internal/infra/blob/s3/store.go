// Package s3 implements the blob store on an S3-compatible backend
// (AWS S3, MinIO, or Supabase storage through its S3 endpoint).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"labportal/internal/blob/core"
)

// Store implements core.Store against a single bucket. Keys map to object keys directly.
type Store struct {
	client     *s3.Client
	bucket     string
	publicBase *url.URL
}

// Config holds explicit construction parameters. For prod
// we rely primarily on environment variables.
type Config struct {
	Region          string
	Bucket          string
	Endpoint        string // optional; custom endpoint (MinIO, Supabase)
	AccessKeyID     string // optional (falls back to default credentials chain)
	SecretAccessKey string // optional
	SessionToken    string // optional
	PathStyle       bool
	// PublicURL is the base under which objects are publicly readable, e.g.
	// https://<project>.supabase.co/storage/v1/object/public/<bucket>.
	PublicURL string
}

// Environment variables:
//   LABPORTAL_BLOB_DRIVER=s3
//   LABPORTAL_BLOB_S3_BUCKET=<bucket> (required)
//   LABPORTAL_BLOB_S3_REGION=<region> (default us-east-1)
//   LABPORTAL_BLOB_S3_ENDPOINT=<url> (optional)
//   LABPORTAL_BLOB_S3_PATH_STYLE=true|false (default false)
//   LABPORTAL_BLOB_S3_PUBLIC_URL=<url> (optional)
//   LABPORTAL_BLOB_S3_ACCESS_KEY_ID / LABPORTAL_BLOB_S3_SECRET_ACCESS_KEY (optional)
//   AWS_* default credential chain otherwise

// New creates an S3 blob store from Config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	base, err := publicBase(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{client: client, bucket: cfg.Bucket, publicBase: base}, nil
}

// OpenFromEnv constructs an S3 store from process environment.
func OpenFromEnv(ctx context.Context) (*Store, error) {
	bucket := os.Getenv("LABPORTAL_BLOB_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("LABPORTAL_BLOB_S3_BUCKET required for s3 driver")
	}
	cfg := Config{
		Bucket:          bucket,
		Region:          os.Getenv("LABPORTAL_BLOB_S3_REGION"),
		Endpoint:        os.Getenv("LABPORTAL_BLOB_S3_ENDPOINT"),
		PathStyle:       strings.EqualFold(os.Getenv("LABPORTAL_BLOB_S3_PATH_STYLE"), "true"),
		PublicURL:       os.Getenv("LABPORTAL_BLOB_S3_PUBLIC_URL"),
		AccessKeyID:     os.Getenv("LABPORTAL_BLOB_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("LABPORTAL_BLOB_S3_SECRET_ACCESS_KEY"),
	}
	return New(ctx, cfg)
}

func publicBase(cfg Config) (*url.URL, error) {
	raw := cfg.PublicURL
	switch {
	case raw != "":
	case cfg.Endpoint != "":
		raw = strings.TrimSuffix(cfg.Endpoint, "/") + "/" + cfg.Bucket
	default:
		raw = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
	u, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse public url: %w", err)
	}
	return u, nil
}

// Driver returns the blob driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverS3 }

// Put uploads r to key. A HEAD probe rejects occupied keys early; the
// conditional If-None-Match write closes the race on backends that honour it.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key}); err == nil {
		return core.Info{}, fmt.Errorf("blob %s: %w", key, core.ErrExists)
	}
	input := &s3.PutObjectInput{Bucket: &s.bucket, Key: &key, Body: r, IfNoneMatch: aws.String("*")}
	if opts.ContentType != "" {
		input.ContentType = &opts.ContentType
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		if isPreconditionFailed(err) {
			return core.Info{}, fmt.Errorf("blob %s: %w", key, core.ErrExists)
		}
		return core.Info{}, err
	}
	return s.Head(ctx, key)
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		return true
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusPreconditionFailed
}

// Get streams an object.
func (s *Store) Get(ctx context.Context, key string) (core.Info, io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return core.Info{}, nil, err
	}
	info := s.fromHead(key, aws.ToInt64(out.ContentLength), out.ContentType, out.ETag, out.Metadata, out.LastModified)
	return info, out.Body, nil
}

// Head returns object metadata.
func (s *Store) Head(ctx context.Context, key string) (core.Info, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return core.Info{}, err
	}
	return s.fromHead(key, aws.ToInt64(out.ContentLength), out.ContentType, out.ETag, out.Metadata, out.LastModified), nil
}

// Delete removes an object. S3 does not report whether the key existed, so a
// successful call always returns true.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) urlFor(key string) string {
	u := *s.publicBase
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + key
	return u.String()
}

func (s *Store) fromHead(key string, size int64, contentType, etag *string, md map[string]string, lastModified *time.Time) core.Info {
	lm := time.Now().UTC()
	if lastModified != nil {
		lm = *lastModified
	}
	return core.Info{
		Key:          key,
		Size:         size,
		ContentType:  aws.ToString(contentType),
		ETag:         strings.Trim(aws.ToString(etag), "\""),
		Metadata:     md,
		LastModified: lm,
		URL:          s.urlFor(key),
	}
}
