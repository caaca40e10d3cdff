// Package archive uploads session reports, evidence and encrypted store
// backups to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/samber/lo"

	"github.com/luxfi/rounds/pkg/encoding"
	"github.com/luxfi/rounds/pkg/kvstore"
	"github.com/luxfi/rounds/pkg/logger"
)

const (
	DefaultBucket = "rounds-archive"
	uploadTimeout = 5 * time.Minute
)

// S3Config configures S3-compatible storage.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"` // e.g. "s3.amazonaws.com" or "minio.example.com"
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Prefix    string `mapstructure:"prefix"` // e.g. "rounds/node0/"
}

// Enabled reports whether an endpoint is configured.
func (c *S3Config) Enabled() bool {
	return c != nil && c.Endpoint != ""
}

func (c *S3Config) normalize(nodeID string) {
	if c.Bucket == "" {
		c.Bucket = DefaultBucket
	}
	if c.Prefix == "" {
		c.Prefix = fmt.Sprintf("rounds/%s/", nodeID)
	}
	if !strings.HasSuffix(c.Prefix, "/") {
		c.Prefix += "/"
	}
}

// objectStore is the subset of *minio.Client the archiver uses.
type objectStore interface {
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FPutObject(ctx context.Context, bucket, object, path string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archiver writes objects under a per-node prefix.
type Archiver struct {
	cfg    S3Config
	client objectStore
}

// New connects to the configured endpoint and makes sure the bucket exists.
// Bucket errors are logged, uploads will report them.
func New(ctx context.Context, nodeID string, cfg S3Config) (*Archiver, error) {
	cfg.normalize(nodeID)
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		logger.Warn("Failed to check S3 bucket", "bucket", cfg.Bucket, "err", err)
	} else if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			logger.Warn("Failed to create S3 bucket", "bucket", cfg.Bucket, "err", err)
		} else {
			logger.Info("Created S3 bucket", "bucket", cfg.Bucket)
		}
	}

	logger.Info("S3 archive enabled", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return &Archiver{cfg: cfg, client: client}, nil
}

func (a *Archiver) put(ctx context.Context, object string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	info, err := a.client.PutObject(ctx, a.cfg.Bucket, a.cfg.Prefix+object, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("S3 upload of %s failed: %w", object, err)
	}
	logger.Debug("Uploaded object", "bucket", a.cfg.Bucket, "object", a.cfg.Prefix+object, "size", info.Size)
	return nil
}

// UploadReport writes the report as JSON and each piece of evidence in the
// report's own format, so it can be fed to verify-evidence unchanged.
func (a *Archiver) UploadReport(ctx context.Context, r *kvstore.StoredReport) error {
	if r.Record == nil {
		return fmt.Errorf("archive: report has no record")
	}
	format, err := encoding.FormatByName(r.Format)
	if err != nil {
		return err
	}
	sid := r.Record.SessionID.String()

	data, err := encoding.JSON.Marshal(r)
	if err != nil {
		return err
	}
	if err := a.put(ctx, fmt.Sprintf("reports/%s/%s.json", sid, r.Party), data, "application/json"); err != nil {
		return err
	}

	for _, ev := range r.Record.Evidence {
		data, err := format.Marshal(ev)
		if err != nil {
			return err
		}
		object := fmt.Sprintf("evidence/%s/%s/%s.%s", sid, r.Party, ev.Guilty, format.Name())
		if err := a.put(ctx, object, data, "application/octet-stream"); err != nil {
			return err
		}
	}
	logger.Info("Report archived", "session", sid, "party", r.Party, "evidence", len(r.Record.Evidence))
	return nil
}

// UploadFile copies a local file, such as an encrypted backup, into the
// backups/ prefix.
func (a *Archiver) UploadFile(ctx context.Context, localPath string) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	filename := filepath.Base(localPath)
	object := a.cfg.Prefix + "backups/" + filename
	info, err := a.client.FPutObject(ctx, a.cfg.Bucket, object, localPath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("S3 upload failed: %w", err)
	}
	logger.Info("Backup uploaded to S3", "file", filename, "bucket", a.cfg.Bucket, "object", object, "size", info.Size)
	return nil
}

// Manager takes periodic store backups and uploads the new files when an
// archiver is set.
type Manager struct {
	store    *kvstore.Store
	archiver *Archiver
	period   time.Duration
	done     chan struct{}
}

func NewManager(store *kvstore.Store, archiver *Archiver, period time.Duration) *Manager {
	return &Manager{
		store:    store,
		archiver: archiver,
		period:   period,
		done:     make(chan struct{}),
	}
}

// Start begins the periodic backup loop.
func (m *Manager) Start() {
	go m.loop()
}

func (m *Manager) Stop() {
	close(m.done)
}

func (m *Manager) loop() {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if err := m.RunBackup(context.Background()); err != nil {
				logger.Error("Backup failed", err)
			}
		}
	}
}

// RunBackup executes a local backup and uploads any file it produced.
// Upload failures are logged; the local backup still counts.
func (m *Manager) RunBackup(ctx context.Context) error {
	before := m.store.Exec.SortedEncryptedBackups()
	if err := m.store.Backup(); err != nil {
		return fmt.Errorf("local backup failed: %w", err)
	}
	created := lo.Without(m.store.Exec.SortedEncryptedBackups(), before...)

	if m.archiver == nil {
		return nil
	}
	for _, f := range created {
		if err := m.archiver.UploadFile(ctx, f); err != nil {
			logger.Error("S3 upload failed", err, "file", f)
		}
	}
	return nil
}
