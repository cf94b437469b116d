package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

var ErrEmptyObject = errors.New("refusing to store an empty object")

// Uploader publishes source photos so the image provider can fetch them by URL.
type Uploader struct {
	cfg    Config
	client objectAPI
	now    func() time.Time
}

func NewUploader(cfg Config) (*Uploader, error) {
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("s3 public base url is required")
	}
	client, err := newS3Client(cfg)
	if err != nil {
		return nil, err
	}
	return newUploader(cfg, client), nil
}

func newUploader(cfg Config, client objectAPI) *Uploader {
	if cfg.Prefix == "" {
		cfg.Prefix = "references"
	}
	return &Uploader{cfg: cfg, client: client, now: time.Now}
}

// Upload stores data under <prefix>/YYYY/MM/DD/<uuid><ext> and returns its
// public URL. An empty content type is sniffed from the bytes.
func (u *Uploader) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyObject
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	key := u.objectKey(contentType)
	if err := putObject(ctx, u.client, u.cfg.Bucket, key, data, contentType, types.ObjectCannedACLPublicRead); err != nil {
		return "", fmt.Errorf("upload reference: %w", err)
	}
	return strings.TrimRight(u.cfg.PublicBaseURL, "/") + "/" + key, nil
}

func (u *Uploader) objectKey(contentType string) string {
	day := u.now().UTC().Format("2006/01/02")
	return path.Join(strings.Trim(u.cfg.Prefix, "/"), day, uuid.NewString()+extensionFromContentType(contentType))
}

func extensionFromContentType(contentType string) string {
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
