package fleetsync

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveConfig configures where purged records are written.
type ArchiveConfig struct {
	// Dir is the local directory for archive snapshots. Empty disables
	// local archiving.
	Dir string `yaml:"dir"`

	// S3 optionally uploads each snapshot to object storage as well.
	S3 S3ArchiveConfig `yaml:"s3"`
}

// S3ArchiveConfig holds object storage settings. Prefer environment or
// instance credentials over static keys.
type S3ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// archiveSnapshot is the on-disk shape of one purge.
type archiveSnapshot struct {
	DeviceID  string           `json:"device_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Trips     []*TripRecord    `json:"trips,omitempty"`
	Closures  []*TripClosure   `json:"closures,omitempty"`
	Expenses  []*ExpenseRecord `json:"expenses,omitempty"`
	GPSCount  int              `json:"gps_count,omitempty"`
}

// SnapshotArchiver writes purged records as gzipped JSON snapshots, one file
// per purge, to a local directory and optionally to S3. Archive failures are
// reported but the purge itself is already done; archiving is best effort.
type SnapshotArchiver struct {
	config   ArchiveConfig
	deviceID string
	client   *s3.Client
	logger   *slog.Logger

	now func() time.Time
}

// NewSnapshotArchiver creates an archiver. The S3 client is only constructed
// when S3 archiving is enabled.
func NewSnapshotArchiver(config ArchiveConfig, deviceID string, logger *slog.Logger) (*SnapshotArchiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &SnapshotArchiver{
		config:   config,
		deviceID: deviceID,
		logger:   logger,
		now:      time.Now,
	}
	if config.Dir != "" {
		if err := os.MkdirAll(config.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
	}
	if config.S3.Enabled {
		client, err := newS3Client(config.S3)
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		a.client = client
	}
	return a, nil
}

func newS3Client(cfg S3ArchiveConfig) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// Archive writes one snapshot of purged records.
func (a *SnapshotArchiver) Archive(ctx context.Context, purged *PurgeResult) error {
	if purged == nil || purged.Empty() {
		return nil
	}
	snap := archiveSnapshot{
		DeviceID:  a.deviceID,
		CreatedAt: a.now().UTC(),
		Trips:     purged.Trips,
		Closures:  purged.Closures,
		Expenses:  purged.Expenses,
		GPSCount:  purged.GPS,
	}
	data, err := a.encode(snap)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("archive-%s.json.gz", snap.CreatedAt.Format("20060102-150405"))

	if a.config.Dir != "" {
		path := filepath.Join(a.config.Dir, name)
		if err := writeFileAtomic(path, data); err != nil {
			return fmt.Errorf("write archive %s: %w", path, err)
		}
		a.logger.Info("archive snapshot written", "path", path, "bytes", len(data))
	}

	if a.client != nil {
		key := a.config.S3.Prefix + name
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:          aws.String(a.config.S3.Bucket),
			Key:             aws.String(key),
			Body:            bytes.NewReader(data),
			ContentType:     aws.String("application/json"),
			ContentEncoding: aws.String("gzip"),
		})
		if err != nil {
			return fmt.Errorf("upload archive %s: %w", key, err)
		}
		a.logger.Info("archive snapshot uploaded", "bucket", a.config.S3.Bucket, "key", key)
	}
	return nil
}

func (a *SnapshotArchiver) encode(snap archiveSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(snap); err != nil {
		gz.Close()
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// writeFileAtomic writes via a temp file and rename so a crash mid-write
// never leaves a truncated archive.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
