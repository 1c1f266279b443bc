// Package minio is the blob-backed artifact store for large payloads
// (extracted tables, preview samples). Objects are content-addressed by the
// artifact ID.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/tabulate-labs/tabulator/internal/artifact"
	"github.com/tabulate-labs/tabulator/internal/config"
)

type Client struct {
	mc     *minio.Client
	bucket string
}

func NewClient(cfg config.MinIOConfig) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Client{mc: mc, bucket: cfg.Bucket}, nil
}

func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

// Put stores the payload under its content ID. Re-putting identical content
// overwrites the object with the same bytes, which is harmless.
func (c *Client) Put(ctx context.Context, payload []byte, kind artifact.Kind, warnings []string) (*artifact.Ref, error) {
	id := artifact.ContentID(payload)

	_, err := c.mc.PutObject(ctx, c.bucket, id,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return nil, fmt.Errorf("put artifact: %w", err)
	}

	return &artifact.Ref{ID: id, Kind: kind, Size: int64(len(payload)), Warnings: warnings}, nil
}

func (c *Client) Get(ctx context.Context, id string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		var mErr minio.ErrorResponse
		if errors.As(err, &mErr) && mErr.Code == "NoSuchKey" {
			return nil, artifact.ErrNotFound
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// Release leaves the object orphaned: content-addressed objects may be shared
// by several stages, so reclamation is delegated to a bucket lifecycle rule
// rather than deleted eagerly.
func (c *Client) Release(_ context.Context, _ string) error {
	return nil
}
