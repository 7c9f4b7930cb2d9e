// Package storage provides the remote object-store client the data
// preparation pipeline downloads dataset shards with.
//
// Only "s3://" URLs are accepted for remote paths; any other scheme is a
// configuration error. Pipeline code depends on the small ObjectStore
// interface, so tests substitute in-memory stores.
package storage

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/ec2rolecreds"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ObjectStore is the capability the download pipeline needs from a remote
// object store.
type ObjectStore interface {
	// Download copies the object bucket/key into w.
	Download(ctx context.Context, bucket, key string, w io.Writer) error
}

// CloudSpaceIDEnvVar marks a managed cloud execution context. When set, the
// Client acquires credentials from the EC2 instance metadata service and
// refreshes them periodically, instead of using the default credential chain.
const CloudSpaceIDEnvVar = "DATAPRESS_CLOUD_SPACE_ID"

// DefaultRefetchInterval is how long instance-metadata credentials are used
// before being fetched again.
const DefaultRefetchInterval = 3300 * time.Second

// DefaultMaxAttempts bounds the SDK retries per request.
const DefaultMaxAttempts = 1000

// Client lazily constructs an S3 client on first use.
//
// Outside a managed cloud context the client is built once from the default
// credential chain. Inside one, it is rebuilt from instance-metadata
// credentials whenever more than the refetch interval elapsed since the last
// build. Retries are delegated to the SDK: adaptive mode with a bounded
// attempt count, no retry policy of our own on top.
type Client struct {
	mu              sync.Mutex
	refetchInterval time.Duration
	maxAttempts     int
	inCloud         bool
	lastFetch       time.Time
	s3              *s3.Client
}

var _ ObjectStore = (*Client)(nil)

// NewClient returns an unconnected Client. The managed-cloud detection
// happens here, once: it checks CloudSpaceIDEnvVar.
func NewClient() *Client {
	_, inCloud := os.LookupEnv(CloudSpaceIDEnvVar)
	return &Client{
		refetchInterval: DefaultRefetchInterval,
		maxAttempts:     DefaultMaxAttempts,
		inCloud:         inCloud,
	}
}

// WithRefetchInterval sets how long instance-metadata credentials are reused.
// Only relevant inside a managed cloud context.
func (c *Client) WithRefetchInterval(interval time.Duration) *Client {
	c.refetchInterval = interval
	return c
}

// WithMaxAttempts bounds the SDK retry count per request.
func (c *Client) WithMaxAttempts(n int) *Client {
	c.maxAttempts = n
	return c
}

// Download copies the object bucket/key into w.
func (c *Client) Download(ctx context.Context, bucket, key string, w io.Writer) error {
	s3Client, err := c.client(ctx)
	if err != nil {
		return err
	}
	out, err := s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.Wrapf(err, "failed downloading s3://%s/%s", bucket, key)
	}
	defer func() {
		_ = out.Body.Close()
	}()
	if _, err = io.Copy(w, out.Body); err != nil {
		return errors.Wrapf(err, "failed reading s3://%s/%s", bucket, key)
	}
	return nil
}

func (c *Client) retryer() aws.Retryer {
	return retry.NewAdaptiveMode(func(o *retry.AdaptiveModeOptions) {
		o.StandardOptions = append(o.StandardOptions, func(so *retry.StandardOptions) {
			so.MaxAttempts = c.maxAttempts
		})
	})
}

// client returns the underlying S3 client, building or refreshing it as
// needed.
func (c *Client) client(ctx context.Context) (*s3.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inCloud {
		if c.s3 == nil {
			cfg, err := awsconfig.LoadDefaultConfig(ctx,
				awsconfig.WithRetryer(func() aws.Retryer { return c.retryer() }))
			if err != nil {
				return nil, errors.Wrap(err, "failed loading default AWS configuration")
			}
			c.s3 = s3.NewFromConfig(cfg)
		}
		return c.s3, nil
	}

	// Managed cloud context: credentials come from the instance metadata
	// service and expire, re-fetch after refetchInterval.
	if c.s3 == nil || time.Since(c.lastFetch) > c.refetchInterval {
		klog.V(1).Infof("fetching S3 credentials from instance metadata")
		provider := ec2rolecreds.New(func(o *ec2rolecreds.Options) {
			o.Client = imds.New(imds.Options{})
		})
		cfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithCredentialsProvider(aws.NewCredentialsCache(provider)),
			awsconfig.WithRetryer(func() aws.Retryer { return c.retryer() }))
		if err != nil {
			return nil, errors.Wrap(err, "failed loading AWS configuration with instance metadata credentials")
		}
		c.s3 = s3.NewFromConfig(cfg)
		c.lastFetch = time.Now()
	}
	return c.s3, nil
}

// ParseURL splits an "s3://bucket/key" URL. Any other scheme is a
// configuration error.
func ParseURL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", errors.Wrapf(err, "invalid remote path %q", rawURL)
	}
	if u.Scheme != "s3" {
		return "", "", errors.Errorf("expected scheme to be `s3`, instead, got %q for remote=%q", u.Scheme, rawURL)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}
