package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"llm_flow/internal/models"
	"llm_flow/internal/utils"
)

// BatchWriter uploads a batch of entries as one object and returns its key.
type BatchWriter interface {
	WriteBatch(ctx context.Context, entries []*models.LogEntry) (string, error)
}

// encodeJSONL renders entries as JSON lines, skipping any that fail to encode.
func encodeJSONL(logger *utils.Logger, entries []*models.LogEntry) []byte {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			logger.Error("Failed to encode entry", "request_id", entry.RequestID, "error", err)
		}
	}
	return buf.Bytes()
}

// S3Config configures an S3Writer. Endpoint and UsePathStyle target
// S3-compatible stores such as MinIO.
type S3Config struct {
	Bucket       string
	Region       string
	Prefix       string
	PodName      string
	Endpoint     string
	UsePathStyle bool
}

// S3Writer handles writing batches of log entries to S3
type S3Writer struct {
	client  *s3.Client
	bucket  string
	prefix  string
	podName string
	now     func() time.Time
	logger  *utils.Logger
}

// NewS3Writer creates a new S3 writer using the default AWS credential chain
func NewS3Writer(ctx context.Context, cfg S3Config) (*S3Writer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewS3WriterWithClient(client, cfg), nil
}

// NewS3WriterWithClient wraps an existing client
func NewS3WriterWithClient(client *s3.Client, cfg S3Config) *S3Writer {
	return &S3Writer{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		podName: cfg.PodName,
		now:     time.Now,
		logger:  utils.NewLogger("s3-writer"),
	}
}

// objectKey formats the key for a batch written at t.
// Format: logs/2025/11/30/flow-0-20251130-143022-123456789.jsonl
func (w *S3Writer) objectKey(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%04d/%02d/%02d/%s-%s-%09d.jsonl",
		w.prefix,
		t.Year(),
		t.Month(),
		t.Day(),
		w.podName,
		t.Format("20060102-150405"),
		t.Nanosecond(),
	)
}

// WriteBatch writes a batch of entries to S3 as a JSON Lines file
func (w *S3Writer) WriteBatch(ctx context.Context, entries []*models.LogEntry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}

	key := w.objectKey(w.now())
	body := encodeJSONL(w.logger, entries)

	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	w.logger.Info("Wrote batch to S3", "key", key, "count", len(entries), "bytes", len(body))
	return key, nil
}

// GCSWriter writes batches of log entries to Google Cloud Storage
type GCSWriter struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
	logger *utils.Logger
}

// NewGCSWriter creates a writer using application default credentials
func NewGCSWriter(ctx context.Context, bucket, prefix string) (*GCSWriter, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return NewGCSWriterWithClient(client, bucket, prefix), nil
}

func NewGCSWriterWithClient(client *storage.Client, bucket, prefix string) *GCSWriter {
	return &GCSWriter{
		client: client,
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
		logger: utils.NewLogger("gcs-writer"),
	}
}

// objectName formats the name for a batch written at t.
// Format: prefix/2024-06-01/1717243200000-1a2b3c4d.jsonl
func (w *GCSWriter) objectName(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s/%s/%d-%s.jsonl", w.prefix, t.Format("2006-01-02"), t.UnixMilli(), uuid.New().String()[:8])
}

func (w *GCSWriter) WriteBatch(ctx context.Context, entries []*models.LogEntry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}

	name := w.objectName(w.now())
	body := encodeJSONL(w.logger, entries)

	obj := w.client.Bucket(w.bucket).Object(name).NewWriter(ctx)
	obj.ContentType = "application/x-ndjson"

	if _, err := obj.Write(body); err != nil {
		obj.Close()
		return "", fmt.Errorf("gcs write: %w", err)
	}
	// The upload completes on Close.
	if err := obj.Close(); err != nil {
		return "", fmt.Errorf("gcs close: %w", err)
	}

	w.logger.Info("Wrote batch to GCS", "object", name, "count", len(entries), "bytes", len(body))
	return name, nil
}

func (w *GCSWriter) Close() error {
	return w.client.Close()
}
