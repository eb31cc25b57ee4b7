// Package objstore keeps canonical dataset copies in an S3-compatible
// object store.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotExist reports that no canonical copy is stored for the id.
var ErrNotExist = errors.New("objstore: object does not exist")

// Client wraps a minio client pinned to the datasets bucket.
type Client struct {
	mc     *minio.Client
	bucket string
}

// New connects to the object store. The bucket name is the configured
// prefix plus "datasets".
func New(endpoint, accessKey, secretKey, bucketPrefix string, secure bool) (*Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: connect %s: %w", endpoint, err)
	}
	return &Client{mc: mc, bucket: bucketPrefix + "datasets"}, nil
}

// EnsureBucket creates the datasets bucket if missing.
func (c *Client) EnsureBucket(ctx context.Context) error {
	ok, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("objstore: check bucket %s: %w", c.bucket, err)
	}
	if ok {
		return nil
	}
	if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("objstore: create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// Get streams the canonical copy for a dataset id. The caller closes
// the reader.
func (c *Client) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("objstore: get %s: %w", id, err)
	}
	// GetObject is lazy; Stat forces the first request so absence is
	// reported here rather than on first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("objstore: stat %s: %w", id, err)
	}
	return obj, nil
}

// Put stores the canonical copy for a dataset id. size may be -1 when
// unknown.
func (c *Client) Put(ctx context.Context, id string, r io.Reader, size int64) error {
	_, err := c.mc.PutObject(ctx, c.bucket, id, r, size, minio.PutObjectOptions{
		ContentType: "text/csv",
	})
	if err != nil {
		return fmt.Errorf("objstore: put %s: %w", id, err)
	}
	return nil
}

// Size returns the stored size for a dataset id, or ErrNotExist.
func (c *Client) Size(ctx context.Context, id string) (int64, error) {
	info, err := c.mc.StatObject(ctx, c.bucket, id, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return 0, ErrNotExist
		}
		return 0, fmt.Errorf("objstore: stat %s: %w", id, err)
	}
	return info.Size, nil
}

// Delete removes the canonical copy for a dataset id. Deleting a
// missing object is not an error.
func (c *Client) Delete(ctx context.Context, id string) error {
	err := c.mc.RemoveObject(ctx, c.bucket, id, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("objstore: delete %s: %w", id, err)
	}
	return nil
}
