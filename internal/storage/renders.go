// Package storage uploads checkpoint audio renders to S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	renderPrefix       = "renders"
	defaultContentType = "audio/wav"
	// MaxRenderBytes bounds a single upload.
	MaxRenderBytes = 64 << 20
)

var (
	ErrEmptyRender    = errors.New("storage: render is empty")
	ErrRenderTooLarge = errors.New("storage: render exceeds size limit")
	errMissingConfig  = errors.New("storage: endpoint, bucket, access key and secret key are required")
)

type S3Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	PublicBaseURL string
}

func (c S3Config) validate() error {
	if strings.TrimSpace(c.Endpoint) == "" || strings.TrimSpace(c.Bucket) == "" ||
		strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == "" {
		return errMissingConfig
	}
	return nil
}

// RenderStore writes renders under content-addressed keys, so identical audio is stored once.
type RenderStore struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

func NewRenderStore(cfg S3Config) (*RenderStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}
	baseURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}
	return &RenderStore{client: client, bucket: cfg.Bucket, baseURL: baseURL}, nil
}

// RenderKey derives the object key for a render of a thread.
func RenderKey(threadID string, data []byte, contentType string) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s/%s/%s%s", renderPrefix, url.PathEscape(threadID), hex.EncodeToString(sum[:]), extensionFor(contentType))
}

// PutRender uploads the audio and returns the completed render descriptor.
func (s *RenderStore) PutRender(ctx context.Context, threadID string, data []byte, contentType string) (threads.Render, error) {
	if len(data) == 0 {
		return threads.Render{}, ErrEmptyRender
	}
	if len(data) > MaxRenderBytes {
		return threads.Render{}, ErrRenderTooLarge
	}
	if strings.TrimSpace(contentType) == "" {
		contentType = defaultContentType
	}
	key := RenderKey(threadID, data, contentType)
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return threads.Render{}, fmt.Errorf("storage: put render: %w", err)
	}
	return threads.Render{
		ID:           key,
		URL:          s.baseURL + "/" + key,
		UploadStatus: threads.UploadStatusCompleted,
	}, nil
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".bin"
	}
	switch mediaType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "audio/webm":
		return ".webm"
	case "audio/flac":
		return ".flac"
	default:
		return ".bin"
	}
}
