// Package backup exports a ciphertext-only snapshot of the vault to S3 as
// JSON lines. Plaintext tokens never leave the database.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/segmentio/ksuid"

	"github.com/dmitrijs2005/authmanager/internal/common"
	"github.com/dmitrijs2005/authmanager/internal/logging"
	"github.com/dmitrijs2005/authmanager/internal/server/models"
)

const (
	pageSize    = 500
	contentType = "application/x-ndjson"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	putObject = func(c *s3.Client, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		return c.PutObject(ctx, in, optFns...)
	}

	now = func() time.Time { return time.Now().UTC() }
)

type Config struct {
	Region       string
	AccessKey    string
	SecretKey    string
	Bucket       string
	BaseEndpoint string
}

// Lister pages through vault entries ordered by id.
type Lister interface {
	List(ctx context.Context, afterID string, limit int) ([]*models.VaultEntry, error)
}

// Record is one line of the snapshot. Byte slices are base64 encoded by
// encoding/json.
type Record struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	TokenType      string         `json:"token_type"`
	EncryptedToken []byte         `json:"encrypted_token"`
	IV             []byte         `json:"iv"`
	TokenHash      string         `json:"token_hash"`
	SessionStateID string         `json:"session_state_id"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      *time.Time     `json:"updated_at,omitempty"`
}

type Result struct {
	Bucket  string
	Key     string
	Entries int
}

type Exporter struct {
	cfg    Config
	logger logging.Logger
}

func NewExporter(cfg Config, l logging.Logger) *Exporter {
	return &Exporter{cfg: cfg, logger: l.With("module", "backup")}
}

func (e *Exporter) client(ctx context.Context) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(e.cfg.Region)}
	if e.cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(e.cfg.AccessKey, e.cfg.SecretKey, "")))
	}

	cfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if e.cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(e.cfg.BaseEndpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// ObjectKey names a snapshot taken at t.
func ObjectKey(t time.Time) string {
	return fmt.Sprintf("snapshots/%d/%02d/%02d/%s.jsonl", t.Year(), t.Month(), t.Day(), ksuid.New().String())
}

// Snapshot writes every entry of src to w as JSON lines and returns the count.
func Snapshot(ctx context.Context, src Lister, w *bytes.Buffer) (int, error) {
	enc := json.NewEncoder(w)
	count := 0
	after := ""
	for {
		page, err := src.List(ctx, after, pageSize)
		if err != nil {
			return count, err
		}
		for _, e := range page {
			if err := enc.Encode(toRecord(e)); err != nil {
				return count, common.ErrorInternal.WithMessage("snapshot encoding failed").Wrap(err)
			}
			count++
		}
		if len(page) < pageSize {
			return count, nil
		}
		after = page[len(page)-1].ID
	}
}

func toRecord(e *models.VaultEntry) Record {
	return Record{
		ID:             e.ID,
		UserID:         e.UserID,
		TokenType:      string(e.TokenType),
		EncryptedToken: e.EncryptedToken,
		IV:             e.IV,
		TokenHash:      e.TokenHash,
		SessionStateID: e.SessionStateID,
		Attributes:     e.Attributes,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

// Export snapshots src and uploads it to the configured bucket.
func (e *Exporter) Export(ctx context.Context, src Lister) (*Result, error) {
	var buf bytes.Buffer
	count, err := Snapshot(ctx, src, &buf)
	if err != nil {
		return nil, err
	}

	c, err := e.client(ctx)
	if err != nil {
		return nil, common.ErrStorage.WithMessage("object storage client init failed").Wrap(err)
	}

	key := ObjectKey(now())
	_, err = putObject(c, ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return nil, common.ErrStorage.WithMessage("snapshot upload failed").WithDetail("key", key).Wrap(err)
	}

	e.logger.Info(ctx, "vault snapshot exported", "bucket", e.cfg.Bucket, "key", key, "entries", count)
	return &Result{Bucket: e.cfg.Bucket, Key: key, Entries: count}, nil
}
