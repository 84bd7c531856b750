package s3

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// PresignDownload creates a time-limited URL for downloading a stored backup
// without routing the bytes through this process.
func (c *Client) PresignDownload(ctx context.Context, remotePath string, expiry time.Duration) (string, error) {
	presigner := awss3.NewPresignClient(c.api)

	result, err := presigner.PresignGetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(remotePath)),
	}, func(opts *awss3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign download: %w", err)
	}

	logrus.WithFields(logrus.Fields{"key": c.key(remotePath), "expires": expiry}).
		Debug("generated presigned download URL")
	return result.URL, nil
}
