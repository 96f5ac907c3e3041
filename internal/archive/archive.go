// Package archive writes the final record of ended stream sessions to an
// S3-compatible bucket (AWS S3 or Cloudflare R2).
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/onnwee/livestage/internal/stream"
	"github.com/onnwee/livestage/internal/tracing"
)

// Archive errors.
var (
	ErrNotEnded       = errors.New("session has not ended")
	ErrMissingBucket  = errors.New("bucket name is required")
	ErrMissingKeyID   = errors.New("access key ID is required")
	ErrMissingSecret  = errors.New("secret access key is required")
	ErrArchiveFailure = errors.New("archive write failed")
)

// DefaultPrefix is the key prefix for archived sessions.
const DefaultPrefix = "sessions/"

// ObjectPutter is the subset of *s3.Client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds bucket settings. Endpoint is empty for AWS S3 and set to the
// account endpoint for R2.
type Config struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// Record is the archived document.
type Record struct {
	Session    *stream.Session `json:"session"`
	ArchivedAt time.Time       `json:"archived_at"`
}

// S3Archiver stores ended sessions as JSON objects keyed by end date.
type S3Archiver struct {
	client  ObjectPutter
	bucket  string
	prefix  string
	logger  *slog.Logger
	timeNow func() time.Time
}

// New builds an S3 client from cfg and returns an archiver over it.
func New(cfg Config, logger *slog.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, ErrMissingBucket
	}
	if cfg.AccessKeyID == "" {
		return nil, ErrMissingKeyID
	}
	if cfg.SecretAccessKey == "" {
		return nil, ErrMissingSecret
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := s3.Options{
		Region: region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	}
	if cfg.Endpoint != "" {
		// R2 and other S3-compatible stores need path-style addressing.
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}

	return NewWithClient(s3.New(opts), cfg.Bucket, cfg.Prefix, logger), nil
}

// NewWithClient returns an archiver over an existing client.
func NewWithClient(client ObjectPutter, bucket, prefix string, logger *slog.Logger) *S3Archiver {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Archiver{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		logger:  logger,
		timeNow: time.Now,
	}
}

// Key returns the object key for an ended session, e.g.
// sessions/2026/10/17/<id>.json. Sessions are partitioned by end date.
func (a *S3Archiver) Key(s *stream.Session) string {
	day := s.CreatedAt
	if s.EndedAt != nil {
		day = *s.EndedAt
	}
	return a.prefix + day.UTC().Format("2006/01/02") + "/" + s.ID + ".json"
}

// Archive writes s. Only ended sessions are archived; rewriting the same
// session overwrites the earlier object.
func (a *S3Archiver) Archive(ctx context.Context, s *stream.Session) (err error) {
	if s == nil || !s.IsEnded() {
		return ErrNotEnded
	}
	ctx, endSpan := tracing.StartStoreSpan(ctx, "s3", a.bucket, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx, tracing.SessionAttributes(s.ID, s.Version)...)

	body, err := json.Marshal(Record{Session: s, ArchivedAt: a.timeNow().UTC()})
	if err != nil {
		return fmt.Errorf("encode archive record: %w", err)
	}

	key := a.Key(s)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
		Metadata: map[string]string{
			"stream-id": s.ID,
			"room-id":   s.RoomID,
			"version":   strconv.FormatInt(s.Version, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrArchiveFailure, key, err)
	}

	a.logger.Info("session archived",
		slog.String("stream_id", s.ID),
		slog.String("bucket", a.bucket),
		slog.String("key", key),
		slog.Int("size_bytes", len(body)))
	return nil
}
