// Package s3 handles S3 and S3-compatible storage of backup artifacts.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/denkoushi/backupguard/pkg/backuperr"
	"github.com/denkoushi/backupguard/pkg/config"
	"github.com/denkoushi/backupguard/pkg/storage"
)

func init() {
	storage.Register(config.ProviderS3, func(cfg *config.StorageSettings, _ storage.Deps) (storage.Provider, error) {
		return NewClient(context.Background(), cfg.S3)
	})
}

// Client stores artifacts in an S3 bucket under an optional prefix.
type Client struct {
	api    *awss3.Client
	bucket string
	prefix string
}

// NewClient creates an S3 storage client from the configured options.
func NewClient(ctx context.Context, opts config.S3Options) (*Client, error) {
	if opts.Bucket == "" {
		return nil, &backuperr.ConfigurationError{
			Field:   "storage.s3.bucket",
			Message: "s3 storage needs a bucket name",
		}
	}

	sdkOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		sdkOptions = append(sdkOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, sdkOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	api := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{api: api, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

// Name returns the provider name.
func (c *Client) Name() string { return config.ProviderS3 }

func (c *Client) key(remotePath string) string {
	if c.prefix == "" {
		return remotePath
	}
	return path.Join(c.prefix, remotePath)
}

// Upload stores the local file as an S3 object.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	key := c.key(remotePath)
	_, err = c.api.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return &backuperr.TransportError{Provider: config.ProviderS3, Op: "upload", Err: err}
	}

	logrus.WithFields(logrus.Fields{"bucket": c.bucket, "key": key}).Info("uploaded backup to S3")
	return nil
}

// Download fetches an S3 object.
func (c *Client) Download(ctx context.Context, remotePath string) ([]byte, error) {
	out, err := c.api.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(remotePath)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, &backuperr.NoMatchError{Provider: config.ProviderS3, Pattern: remotePath}
		}
		return nil, &backuperr.TransportError{Provider: config.ProviderS3, Op: "download", Err: err}
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

// Delete removes an S3 object. S3 deletes are idempotent, so a missing key
// is detected with a HeadObject first.
func (c *Client) Delete(ctx context.Context, remotePath string) error {
	key := c.key(remotePath)

	_, err := c.api.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return &backuperr.NoMatchError{Provider: config.ProviderS3, Pattern: remotePath}
		}
		return &backuperr.TransportError{Provider: config.ProviderS3, Op: "delete", Err: err}
	}

	_, err = c.api.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return &backuperr.TransportError{Provider: config.ProviderS3, Op: "delete", Err: err}
	}
	return nil
}

// List returns objects under the prefix, oldest first.
func (c *Client) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var objects []storage.ObjectInfo

	paginator := awss3.NewListObjectsV2Paginator(c.api, &awss3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &backuperr.TransportError{Provider: config.ProviderS3, Op: "list", Err: err}
		}
		for _, obj := range page.Contents {
			p := aws.ToString(obj.Key)
			if c.prefix != "" {
				rel, err := relativeKey(c.prefix, p)
				if err != nil {
					continue
				}
				p = rel
			}
			objects = append(objects, storage.ObjectInfo{
				Path:       p,
				SizeBytes:  aws.ToInt64(obj.Size),
				ModifiedAt: aws.ToTime(obj.LastModified),
			})
		}
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].ModifiedAt.Before(objects[j].ModifiedAt)
	})
	return objects, nil
}

func relativeKey(prefix, key string) (string, error) {
	cleaned := path.Clean(prefix) + "/"
	if len(key) <= len(cleaned) || key[:len(cleaned)] != cleaned {
		return "", fmt.Errorf("key %q outside prefix %q", key, prefix)
	}
	return key[len(cleaned):], nil
}
