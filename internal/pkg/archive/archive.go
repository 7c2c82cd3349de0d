package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Config holds S3 connection settings. Endpoint is optional and enables
// S3-compatible stores (MinIO, R2) with path-style addressing.
type Config struct {
	Enabled         bool
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// Uploader writes JSONL batches to an S3 bucket before destructive sweeps
// delete the rows.
type Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// New builds an Uploader. A disabled or incomplete config yields a disabled
// uploader whose Enabled() reports false.
func New(cfg Config) *Uploader {
	if !cfg.Enabled || cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return &Uploader{}
	}

	opts := s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "trigger-events"
	}

	return &Uploader{
		client: s3.New(opts),
		bucket: cfg.Bucket,
		prefix: prefix,
	}
}

// Enabled reports whether uploads will actually happen.
func (u *Uploader) Enabled() bool { return u.client != nil }

// UploadJSONL marshals each record to one JSON line and puts the batch under
// "<prefix>/<yyyy-mm-dd>/<uuid>.jsonl". It returns the object key.
func (u *Uploader) UploadJSONL(ctx context.Context, records []interface{}) (string, error) {
	if u.client == nil {
		return "", fmt.Errorf("archive uploader is disabled")
	}
	if len(records) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, record := range records {
		if err := enc.Encode(record); err != nil {
			return "", fmt.Errorf("encode archive record: %w", err)
		}
	}

	key := fmt.Sprintf("%s/%s/%s.jsonl",
		u.prefix,
		time.Now().UTC().Format("2006-01-02"),
		uuid.New().String(),
	)

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("put archive object: %w", err)
	}
	return key, nil
}
