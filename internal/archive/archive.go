// Package archive ships end-of-session snapshots to an S3-compatible
// bucket as gzipped msgpack and prunes old ones past the retention
// count.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/tape/internal/config"
	"github.com/aristath/tape/internal/events"
	"github.com/aristath/tape/internal/session"
)

// objectAPI is the S3 surface the uploader needs
type objectAPI interface {
	manager.UploadAPIClient
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Uploader encodes snapshots and uploads them
type Uploader struct {
	client objectAPI
	cfg    config.ArchiveConfig
	events *events.Manager
	log    zerolog.Logger
}

// New builds an uploader from the archive config. Custom endpoints
// (R2, MinIO) use path-style addressing.
func New(ctx context.Context, cfg config.ArchiveConfig, em *events.Manager, log zerolog.Logger) (*Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive credentials: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Uploader{
		client: client,
		cfg:    cfg,
		events: em,
		log:    log.With().Str("service", "archive").Logger(),
	}, nil
}

// newWithClient is the test seam
func newWithClient(client objectAPI, cfg config.ArchiveConfig, em *events.Manager, log zerolog.Logger) *Uploader {
	return &Uploader{client: client, cfg: cfg, events: em, log: log.With().Str("service", "archive").Logger()}
}

// Key returns the object key for a session snapshot
func (u *Uploader) Key(exchange string, date time.Time) string {
	return fmt.Sprintf("%s/%s/%s.msgpack.gz", u.cfg.Prefix, exchange, date.Format("2006-01-02"))
}

// Upload encodes and ships one snapshot, then prunes past retention
func (u *Uploader) Upload(ctx context.Context, exchange string, date time.Time, snap *session.Snapshot) error {
	if snap == nil || len(snap.Symbols) == 0 {
		u.log.Debug().Msg("Empty snapshot, nothing to archive")
		return nil
	}

	body, bars, err := encode(snap)
	if err != nil {
		return err
	}
	key := u.Key(exchange, date)

	uploader := manager.NewUploader(u.client)
	if _, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(u.cfg.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/x-msgpack"),
		ContentEncoding: aws.String("gzip"),
	}); err != nil {
		return fmt.Errorf("failed to upload snapshot %s: %w", key, err)
	}

	u.log.Info().
		Str("key", key).
		Int("bytes", len(body)).
		Int("bars", bars).
		Msg("Session snapshot archived")
	u.events.EmitTyped("archive", &events.ArchiveUploadedData{
		Key:   key,
		Bytes: int64(len(body)),
		Bars:  bars,
	})

	if u.cfg.Keep > 0 {
		if err := u.Prune(ctx, exchange); err != nil {
			u.log.Warn().Err(err).Msg("Snapshot pruning failed")
		}
	}
	return nil
}

// Prune deletes the oldest snapshots beyond the retention count.
// Keys sort lexicographically by date, so ordering is free.
func (u *Uploader) Prune(ctx context.Context, exchange string) error {
	prefix := fmt.Sprintf("%s/%s/", u.cfg.Prefix, exchange)

	var keys []string
	var token *string
	for {
		out, err := u.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(u.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("failed to list snapshots: %w", err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}

	if len(keys) <= u.cfg.Keep {
		return nil
	}
	sort.Strings(keys)

	stale := keys[:len(keys)-u.cfg.Keep]
	for _, key := range stale {
		if _, err := u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(u.cfg.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("failed to delete snapshot %s: %w", key, err)
		}
		u.log.Debug().Str("key", key).Msg("Stale snapshot pruned")
	}
	u.log.Info().Int("pruned", len(stale)).Int("kept", u.cfg.Keep).Msg("Snapshot retention applied")
	return nil
}

// encode serializes a snapshot to gzipped msgpack and counts its bars
func encode(snap *session.Snapshot) ([]byte, int, error) {
	bars := 0
	for _, sym := range snap.Symbols {
		for _, series := range sym.Intervals {
			bars += len(series.Bars)
		}
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := msgpack.NewEncoder(gz).Encode(snap); err != nil {
		return nil, 0, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, 0, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	return buf.Bytes(), bars, nil
}

// Decode restores a snapshot from its archived form
func Decode(body []byte) (*session.Snapshot, error) {
	gz, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot archive: %w", err)
	}
	defer gz.Close()

	var snap session.Snapshot
	if err := msgpack.NewDecoder(gz).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}
