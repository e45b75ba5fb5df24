package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"merchant-sync/internal/config"
	"merchant-sync/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

type trailExporter interface {
	ExportAccount(ctx context.Context, accountID string) ([]byte, int, error)
}

// ArchiveHandler copies an account's audit trail to S3, or to a local
// directory when no bucket is configured.
type ArchiveHandler struct {
	exporter trailExporter
	uploader uploader
	logger   zerolog.Logger
}

// NewArchiveHandler chooses an uploader (local or S3) from cfg.
func NewArchiveHandler(ctx context.Context, cfg config.Config, exporter trailExporter, logger zerolog.Logger) (*ArchiveHandler, error) {
	var up uploader
	if cfg.ArchiveBucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &s3Uploader{client: client, bucket: cfg.ArchiveBucket}
	} else {
		baseDir := cfg.ArchiveDir
		if baseDir == "" {
			baseDir = "./data/archive"
		}
		up = &localUploader{baseDir: baseDir}
	}
	return &ArchiveHandler{
		exporter: exporter,
		uploader: up,
		logger:   logger.With().Str("component", "archive").Logger(),
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveRegion),
	}
	if cfg.ArchiveEndpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveEndpoint,
					HostnameImmutable: cfg.ArchivePathStyle,
					SigningRegion:     cfg.ArchiveRegion,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchivePathStyle
	}), nil
}

// ArchiveKey is where the trail exported by job lands.
func ArchiveKey(job models.Job) string {
	return sanitizeKey(fmt.Sprintf("%s/%s_audit.jsonl", job.AccountID, job.ID))
}

// Handle exports and uploads the trail of the job's account.
func (h *ArchiveHandler) Handle(ctx context.Context, job models.Job) error {
	data, count, err := h.exporter.ExportAccount(ctx, job.AccountID)
	if err != nil {
		return fmt.Errorf("export audit trail: %w", err)
	}
	location, err := h.uploader.Upload(ctx, ArchiveKey(job), data, "application/x-ndjson")
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	h.logger.Info().Str("job_id", job.ID).Str("account_id", job.AccountID).
		Int("events", count).Str("location", location).Msg("audit trail archived")
	return nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
