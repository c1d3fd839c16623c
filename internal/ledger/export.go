package ledger

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the subset of the S3 client used for export.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// S3Exporter ships the ledger as a JSONL snapshot to object storage.
type S3Exporter struct {
	Client ObjectPutter
	Bucket string
	Prefix string
	Now    func() time.Time
}

func NewS3Exporter(ctx context.Context, cfg S3Config) (*S3Exporter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("export bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Exporter{Client: client, Bucket: cfg.Bucket, Prefix: cfg.Prefix}, nil
}

// ExportResult names the uploaded object.
type ExportResult struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Events   int    `json:"events"`
	HeadHash string `json:"head_hash"`
}

// Export uploads the full ledger. The key embeds the head hash so repeated
// exports of an unchanged ledger overwrite the same object.
func (x *S3Exporter) Export(ctx context.Context, s Store) (ExportResult, error) {
	now := time.Now
	if x.Now != nil {
		now = x.Now
	}
	_, head, err := s.Head(ctx)
	if err != nil {
		return ExportResult{}, err
	}
	var buf bytes.Buffer
	n, err := s.ExportJSONL(ctx, &buf)
	if err != nil {
		return ExportResult{}, fmt.Errorf("render ledger: %w", err)
	}
	short := head
	if len(short) > 16 {
		short = short[:16]
	}
	key := fmt.Sprintf("%saudit-%s-%s.jsonl", x.Prefix, now().UTC().Format("20060102"), short)
	_, err = x.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(x.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
		Metadata:    map[string]string{"head-hash": head, "events": fmt.Sprint(n)},
	})
	if err != nil {
		return ExportResult{}, fmt.Errorf("s3 put failed: %w", err)
	}
	return ExportResult{Bucket: x.Bucket, Key: key, Events: n, HeadHash: head}, nil
}
