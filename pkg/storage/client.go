package storage

import (
	"context"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/fly-io/imagemeta/pkg/errors"
)

// API is the subset of the S3 client used by Client
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Options configures a Client
type Options struct {
	Bucket    string
	Region    string
	Endpoint  string // S3-compatible endpoint, empty for AWS
	Container string // key prefix that image names live under
	Anonymous bool

	MaxRetries    uint64
	RetryInterval time.Duration
	// MaxObjectSize caps how many bytes Fetch reads. Zero means unlimited.
	MaxObjectSize int64
}

// ObjectInfo describes a listed object
type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

// Client provides blob operations against one bucket and container
type Client struct {
	api  API
	opts Options
}

// NewClient creates a new S3 client
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	slog.Info("s3_client_init", "bucket", opts.Bucket, "region", opts.Region, "endpoint", opts.Endpoint)

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.Anonymous {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	slog.Info("s3_client_created", "bucket", opts.Bucket)
	return NewWithAPI(s3Client, opts), nil
}

// NewWithAPI wraps an existing S3 API implementation
func NewWithAPI(api API, opts Options) *Client {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 200 * time.Millisecond
	}
	return &Client{api: api, opts: opts}
}

// Key returns the object key for an image name
func (c *Client) Key(name string) string {
	if c.opts.Container == "" {
		return name
	}
	return path.Join(c.opts.Container, name)
}

// Fetch downloads the bytes of the named image, retrying transient failures
// with exponential backoff. A missing object is not retried.
func (c *Client) Fetch(ctx context.Context, name string) ([]byte, error) {
	key := c.Key(name)
	slog.Info("s3_download_start", "bucket", c.opts.Bucket, "s3_key", key)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.opts.MaxRetries), ctx)

	var data []byte
	attempt := 0
	op := func() error {
		attempt++
		body, err := c.get(ctx, key)
		if err != nil {
			var nsk *types.NoSuchKey
			if errors.As(err, &nsk) {
				return backoff.Permanent(err)
			}
			slog.Warn("s3_download_attempt_failed", "s3_key", key, "attempt", attempt, "error", err)
			return err
		}
		data = body
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		slog.Error("s3_download_failed", "s3_key", key, "attempts", attempt, "error", err)
		return nil, errors.E(errors.KindDownload, err, "fetch "+key)
	}

	slog.Info("s3_download_complete", "s3_key", key, "size_bytes", len(data), "attempts", attempt)
	return data, nil
}

func (c *Client) get(ctx context.Context, key string) ([]byte, error) {
	result, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer result.Body.Close()

	var r io.Reader = result.Body
	if c.opts.MaxObjectSize > 0 {
		// One byte past the limit so the size check downstream still trips.
		r = io.LimitReader(r, c.opts.MaxObjectSize+1)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read object body")
	}
	return data, nil
}

// ListObjects lists all objects in the container with a given name prefix
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	full := c.Key(prefix)
	if prefix == "" && c.opts.Container != "" {
		full = strings.TrimSuffix(c.opts.Container, "/") + "/"
	}
	slog.Info("s3_list_start", "bucket", c.opts.Bucket, "prefix", full)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.opts.Bucket),
		Prefix: aws.String(full),
	}

	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(c.api, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", full, "error", err)
			return nil, errors.Wrap(err, "failed to list objects")
		}

		for _, obj := range page.Contents {
			if obj.Key == nil || strings.HasSuffix(*obj.Key, "/") {
				continue
			}
			objects = append(objects, ObjectInfo{
				Key:  *obj.Key,
				Size: aws.ToInt64(obj.Size),
				ETag: strings.Trim(aws.ToString(obj.ETag), `"`),
			})
		}
	}

	slog.Info("s3_list_complete", "prefix", full, "object_count", len(objects))
	return objects, nil
}

// Exists checks if the named image exists in the container
func (c *Client) Exists(ctx context.Context, name string) (bool, error) {
	key := c.Key(name)
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.opts.Bucket),
		Key:    aws.String(key),
	})

	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			slog.Info("s3_object_not_found", "s3_key", key)
			return false, nil
		}
		slog.Error("s3_head_object_failed", "s3_key", key, "error", err)
		return false, errors.Wrap(err, "failed to check object existence")
	}

	slog.Info("s3_object_exists", "s3_key", key)
	return true, nil
}
