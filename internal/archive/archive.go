// Package archive implements the optional off-host Archive Store
// (SPEC_FULL.md §3.10): pushing a completed backup directory to, and
// pulling one back from, an S3-compatible bucket for durability across
// host reinstalls. It is supplemental — the Transfer Pipeline never
// depends on it, and a Store with no bucket configured simply isn't
// constructed.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/fly-sync/devicecore/internal/manifest"
)

// maxObjectSize bounds a single uploaded/downloaded file, the same 10GB
// resource-exhaustion guard the teacher's s3.Client enforces.
const maxObjectSize = 10 * 1024 * 1024 * 1024

// ProgressFunc reports bytes transferred so far against the known total.
type ProgressFunc func(transferred, total int64)

// Config holds the S3-compatible bucket this Store targets.
type Config struct {
	Region string
	Bucket string
}

// DefaultConfig mirrors the teacher's s3.DefaultConfig shape, generalized
// to this module's bucket naming.
func DefaultConfig() Config {
	return Config{Region: "us-east-1", Bucket: "devicecore-backup-archive"}
}

// Store pushes and pulls whole backup directories to/from an S3-compatible
// bucket, built directly from the teacher's s3.Client (streaming transfer,
// a SHA-256 digest computed inline while each object streams, atomic
// temp-file-then-rename on pull). The digests are not compared against the
// stored objects.
type Store struct {
	client       *s3.Client
	bucket       string
	logger       logrus.FieldLogger
	progressFunc ProgressFunc
}

// New constructs a Store using the AWS SDK default credential chain
// (env vars, shared credentials file, IAM role), falling back to
// anonymous credentials when none are configured — same fallback the
// teacher's s3.New applies for publicly-readable buckets.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: loading AWS config: %w", err)
	}
	return &Store{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		logger: logrus.StandardLogger().WithField("component", "archive-store"),
	}, nil
}

// SetLogger overrides the default logger, the same dependency-injection
// style as the teacher's Client.SetLogger.
func (s *Store) SetLogger(logger logrus.FieldLogger) { s.logger = logger }

// SetProgressFunc registers a transfer-progress callback.
func (s *Store) SetProgressFunc(fn ProgressFunc) { s.progressFunc = fn }

// objectKey builds the S3 key for a file within a backup, validating it
// against the same path-traversal rules the teacher's validateS3Key
// enforces.
func objectKey(backupID, relPath string) (string, error) {
	key := path.Join(backupID, filepath.ToSlash(relPath))
	if err := validateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("archive: object key cannot be empty")
	}
	if len(key) > 1024 {
		return fmt.Errorf("archive: object key too long: %d characters (max 1024)", len(key))
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return fmt.Errorf("archive: object key contains path traversal: %s", key)
		}
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("archive: object key should not start with /: %s", key)
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("archive: object key contains null byte")
	}
	return nil
}

// PushResult summarizes a completed Push.
type PushResult struct {
	FilesUploaded int
	BytesUploaded int64
}

// Push uploads every regular file under backupDir (including manifest.json,
// which the caller must have already written) to the bucket under a
// backupID-prefixed key, streaming each file and computing its SHA-256
// digest on the way up. The digest is logged at debug level; it is not
// compared with the uploaded object.
func (s *Store) Push(ctx context.Context, backupDir string, man *manifest.Manifest) (*PushResult, error) {
	if man == nil || !man.Valid() {
		return nil, fmt.Errorf("archive: refusing to push an invalid manifest")
	}
	logger := s.logger.WithFields(logrus.Fields{"backup_id": man.BackupID, "bucket": s.bucket})
	logger.Info("starting archive push")

	result := &PushResult{}
	err := filepath.Walk(backupDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if info.Size() > maxObjectSize {
			return fmt.Errorf("archive: %s exceeds max object size %d bytes", p, maxObjectSize)
		}
		rel, err := filepath.Rel(backupDir, p)
		if err != nil {
			return err
		}
		key, err := objectKey(man.BackupID, rel)
		if err != nil {
			return err
		}
		uploaded, digest, err := s.putFile(ctx, p, key, info.Size())
		if err != nil {
			return fmt.Errorf("archive: uploading %s: %w", rel, err)
		}
		logger.WithFields(logrus.Fields{"key": key, "bytes": uploaded, "sha256": digest}).Debug("archive object uploaded")
		result.FilesUploaded++
		result.BytesUploaded += uploaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"files": result.FilesUploaded,
		"bytes": result.BytesUploaded,
	}).Info("archive push completed")
	return result, nil
}

func (s *Store) putFile(ctx context.Context, localPath, key string, total int64) (int64, string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, "", fmt.Errorf("opening local file: %w", err)
	}
	defer f.Close()

	hash := sha256.New()
	pr := newProgressReader(io.TeeReader(f, hash), s.progressFunc, total)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   pr,
	})
	if err != nil {
		return 0, "", fmt.Errorf("PutObject: %w", err)
	}
	return pr.read, hex.EncodeToString(hash.Sum(nil)), nil
}

// Pull downloads every object under the backupID prefix into destDir,
// streaming each object to a temp file, computing its SHA-256 digest
// while writing, and only renaming into place once the write completes —
// the same atomic temp-file-then-rename idiom as the teacher's
// DownloadImage.
func (s *Store) Pull(ctx context.Context, backupID, destDir string) error {
	logger := s.logger.WithFields(logrus.Fields{"backup_id": backupID, "bucket": s.bucket})
	logger.Info("starting archive pull")

	prefix := backupID + "/"
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("archive: listing objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("archive: no objects found for backup %s", backupID)
	}

	for _, key := range keys {
		rel := strings.TrimPrefix(key, prefix)
		destPath := filepath.Join(destDir, filepath.FromSlash(rel))
		if err := s.getObject(ctx, key, destPath); err != nil {
			return fmt.Errorf("archive: downloading %s: %w", key, err)
		}
	}

	logger.WithField("files", len(keys)).Info("archive pull completed")
	return nil
}

func (s *Store) getObject(ctx context.Context, key, destPath string) error {
	headResp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("HeadObject: %w", err)
	}
	var total int64
	if headResp.ContentLength != nil {
		total = *headResp.ContentLength
	}
	if total > maxObjectSize {
		return fmt.Errorf("object too large: %d bytes (max %d)", total, maxObjectSize)
	}

	getResp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("GetObject: %w", err)
	}
	defer getResp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}

	tmpPath := destPath + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		if _, err := os.Stat(tmpPath); err == nil {
			os.Remove(tmpPath)
		}
	}()

	hash := sha256.New()
	pr := newProgressReader(io.TeeReader(getResp.Body, hash), s.progressFunc, total)
	if _, err := io.Copy(tmpFile, pr); err != nil {
		return fmt.Errorf("streaming download: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// progressReader wraps an io.Reader and invokes a ProgressFunc as bytes
// flow through it — single-threaded, used only with io.Copy, same shape
// as the teacher's progressReader.
type progressReader struct {
	r     io.Reader
	fn    ProgressFunc
	total int64
	read  int64
}

func newProgressReader(r io.Reader, fn ProgressFunc, total int64) *progressReader {
	return &progressReader{r: r, fn: fn, total: total}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.fn != nil {
			p.fn(p.read, p.total)
		}
	}
	return n, err
}
