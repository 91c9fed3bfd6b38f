// Package blob is the object store adapter. It speaks to any S3-compatible
// endpoint with path-style addressing and maps transport failures to a typed
// error carrying the HTTP status when one is available. The adapter never
// retries; retry policy belongs to the worker.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/recapio/recap/internal/taxonomy"
)

// defaultRequestTimeout bounds each object store call.
const defaultRequestTimeout = 30 * time.Second

// Store is the object store surface consumed by the upload enqueuer, the
// report pipeline, and the owner report reader.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	GetText(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Config holds the S3 connection settings. All fields are required.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string

	// RequestTimeout bounds each call; zero means defaultRequestTimeout.
	RequestTimeout time.Duration
}

// StoreError is a typed object store failure. Status is the HTTP status of
// the failed request, or zero when the request never got a response.
type StoreError struct {
	Op     string
	Key    string
	Status int
	Err    error
}

func (e *StoreError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("s3 %s %s: HTTP %d: %v", e.Op, e.Key, e.Status, e.Err)
	}
	return fmt.Sprintf("s3 %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Transient reports whether the failure warrants a retry: HTTP 429/5xx or a
// transient network error.
func (e *StoreError) Transient() bool {
	if e.Status != 0 {
		return taxonomy.TransientHTTPStatus(e.Status)
	}
	return taxonomy.TransientNetErr(e.Err)
}

// s3API is the subset of the S3 client the adapter uses. Tests substitute a
// fake; production passes *s3.Client.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store implements Store against an S3-compatible endpoint.
type S3Store struct {
	api     s3API
	bucket  string
	timeout time.Duration
}

// New builds an S3Store from config. The underlying SDK client has retries
// disabled and path-style addressing forced (MinIO and friends require it).
func New(ctx context.Context, cfg Config) (*S3Store, error) {
	if cfg.Endpoint == "" || cfg.Region == "" || cfg.Bucket == "" ||
		cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("blob: endpoint, region, bucket, and credentials are all required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	)
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	return NewWithAPI(client, cfg.Bucket, cfg.RequestTimeout), nil
}

// NewWithAPI wires an S3Store around an existing client. Used by tests.
func NewWithAPI(api s3API, bucket string, timeout time.Duration) *S3Store {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &S3Store{api: api, bucket: bucket, timeout: timeout}
}

// Put writes an object.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return s.wrap("put", key, err)
	}
	return nil
}

// GetText reads an object and returns its body as a string.
func (s *S3Store) GetText(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", s.wrap("get", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return "", s.wrap("get", key, err)
	}
	return string(body), nil
}

// Delete removes an object. Deleting a missing key is not an error in S3.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s.wrap("delete", key, err)
	}
	return nil
}

// wrap converts an SDK error into a *StoreError, extracting the HTTP status
// when the response made it back.
func (s *S3Store) wrap(op, key string, err error) error {
	status := 0
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		status = re.HTTPStatusCode()
	}
	return &StoreError{Op: op, Key: key, Status: status, Err: err}
}
