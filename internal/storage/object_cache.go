package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/digkill/TGImageBot/internal/cache"
)

var _ cache.Store = (*ObjectCache)(nil)

// ObjectCache stores generated artifacts in the bucket under
// <cache prefix>/<fp[:2]>/<fp>.png. Eviction is left to bucket lifecycle rules.
type ObjectCache struct {
	bucket string
	prefix string
	client objectAPI
}

func NewObjectCache(cfg Config) (*ObjectCache, error) {
	client, err := newS3Client(cfg)
	if err != nil {
		return nil, err
	}
	return newObjectCache(cfg, client), nil
}

func newObjectCache(cfg Config, client objectAPI) *ObjectCache {
	prefix := strings.Trim(cfg.CachePrefix, "/")
	if prefix == "" {
		prefix = "cache"
	}
	return &ObjectCache{bucket: cfg.Bucket, prefix: prefix, client: client}
}

func (c *ObjectCache) key(fp string) string {
	return path.Join(c.prefix, fp[:2], fp+".png")
}

func (c *ObjectCache) Lookup(ctx context.Context, fp string) ([]byte, bool, error) {
	if !cache.ValidFingerprint(fp) {
		return nil, false, cache.ErrInvalidFingerprint
	}
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(fp)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noKey) || errors.As(err, &notFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get cache object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("read cache object: %w", err)
	}
	return data, true, nil
}

func (c *ObjectCache) Put(ctx context.Context, fp string, data []byte) error {
	if !cache.ValidFingerprint(fp) {
		return cache.ErrInvalidFingerprint
	}
	if len(data) == 0 {
		return ErrEmptyObject
	}
	if err := putObject(ctx, c.client, c.bucket, c.key(fp), data, "image/png", ""); err != nil {
		return fmt.Errorf("put cache object: %w", err)
	}
	return nil
}
