// Package s3 implements a cloud storage.Backend over an S3-compatible bucket.
//
// Folders are zero-byte marker objects whose key ends in "/". Folders that
// only exist implicitly, as key prefixes, are reported too. Content is
// materialized into a local cache directory on RequestDownload.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/starford/docscope/internal/apperr"
	"github.com/starford/docscope/internal/checksum"
	"github.com/starford/docscope/internal/item"
	"github.com/starford/docscope/internal/metrics"
	"github.com/starford/docscope/internal/storage"
)

// Config holds S3 connection settings for one scope.
type Config struct {
	ID        string
	Name      string
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
	// CacheDir receives downloaded content. Empty disables materialization.
	CacheDir string
	Hooks    storage.Hooks
}

// Backend implements storage.Backend using S3/MinIO.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string // "" or ends with "/"
	id     string
	name   string
	cache  string
	hooks  storage.Hooks
	logger *slog.Logger
}

// New creates an S3 backend and checks the bucket is reachable.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required: %w", apperr.ErrInvalidInput)
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	b := &Backend{
		client: client,
		bucket: cfg.Bucket,
		prefix: normalizePrefix(cfg.Prefix),
		id:     cfg.ID,
		name:   cfg.Name,
		cache:  cfg.CacheDir,
		hooks:  cfg.Hooks,
		logger: logger,
	}
	if b.id == "" {
		b.id = "s3-" + checksum.Identifier(b.DocumentsURL())
	}
	if b.name == "" {
		b.name = cfg.Bucket
	}

	if err := b.checkBucket(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) Identifier() string   { return b.id }
func (b *Backend) DisplayName() string  { return b.name }
func (b *Backend) Kind() storage.Kind   { return storage.KindCloud }
func (b *Backend) Hooks() storage.Hooks { return b.hooks }

// DocumentsURL returns "s3://bucket/prefix".
func (b *Backend) DocumentsURL() string {
	return strings.TrimSuffix("s3://"+b.bucket+"/"+b.prefix, "/")
}

func (b *Backend) checkBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	metrics.RecordS3Operation("head_bucket", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("s3: bucket %s not reachable: %w", b.bucket, err)
	}
	return nil
}

func normalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

func (b *Backend) key(rel string) string { return b.prefix + rel }

func (b *Backend) folderKey(rel string) string { return b.prefix + rel + "/" }

func validRel(rel string) error {
	if rel == "" || strings.HasPrefix(rel, "/") {
		return fmt.Errorf("s3: invalid path %q: %w", rel, apperr.ErrInvalidInput)
	}
	for _, part := range strings.Split(rel, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("s3: invalid path %q: %w", rel, apperr.ErrInvalidInput)
		}
	}
	return nil
}

// entriesFromKeys turns a flat key listing under prefix into scan entries,
// adding the folders implied by deeper keys.
func entriesFromKeys(prefix string, objects []types.Object) []item.ScanEntry {
	seen := make(map[string]int)
	var out []item.ScanEntry
	add := func(e item.ScanEntry) {
		if i, ok := seen[e.RelativePath]; ok {
			// An explicit marker carries the folder's date.
			if e.IsFolder && !e.FileModTime.IsZero() {
				out[i].FileModTime = e.FileModTime
			}
			return
		}
		seen[e.RelativePath] = len(out)
		out = append(out, e)
	}
	for _, obj := range objects {
		k := aws.ToString(obj.Key)
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rel := strings.TrimPrefix(k, prefix)
		isFolder := strings.HasSuffix(rel, "/")
		rel = strings.TrimSuffix(rel, "/")
		if rel == "" {
			continue
		}
		var mod time.Time
		if obj.LastModified != nil {
			mod = *obj.LastModified
		}
		for p := item.ParentPath(rel); p != ""; p = item.ParentPath(p) {
			add(item.ScanEntry{RelativePath: p, IsFolder: true, IsDownloaded: true})
		}
		add(item.ScanEntry{
			RelativePath: rel,
			IsFolder:     isFolder,
			FileModTime:  mod,
			IsDownloaded: isFolder,
		})
	}
	return out
}

func (b *Backend) list(ctx context.Context, prefix string) ([]types.Object, error) {
	start := time.Now()
	var out []types.Object
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			metrics.RecordS3Operation("list_objects", time.Since(start), false)
			return nil, fmt.Errorf("s3: list %s: %w", prefix, err)
		}
		out = append(out, page.Contents...)
	}
	metrics.RecordS3Operation("list_objects", time.Since(start), true)
	return out, nil
}

// Scan lists the bucket under the prefix.
func (b *Backend) Scan(ctx context.Context) ([]item.ScanEntry, error) {
	objects, err := b.list(ctx, b.prefix)
	if err != nil {
		return nil, err
	}
	entries := entriesFromKeys(b.prefix, objects)
	for i := range entries {
		if !entries[i].IsFolder && b.cache != "" {
			_, statErr := os.Stat(b.cachePath(entries[i].RelativePath))
			entries[i].IsDownloaded = statErr == nil
		}
	}
	return entries, nil
}

func (b *Backend) cachePath(rel string) string {
	return filepath.Join(b.cache, filepath.FromSlash(rel))
}

// RequestDownload copies rel into the cache directory.
func (b *Backend) RequestDownload(ctx context.Context, rel string) error {
	if err := validRel(rel); err != nil {
		return err
	}
	if b.cache == "" {
		return nil
	}
	body, err := b.Open(ctx, rel)
	if err != nil {
		return err
	}
	defer body.Close()

	dst := b.cachePath(rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("s3: cache mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return fmt.Errorf("s3: cache temp: %w", err)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("s3: download %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("s3: download %s: %w", rel, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("s3: download %s: %w", rel, err)
	}
	b.logger.Debug("s3: downloaded", slog.String("path", rel))
	return nil
}

// keysUnder returns every key that belongs to rel: the object itself, its
// folder marker and anything below it.
func (b *Backend) keysUnder(ctx context.Context, rel string) ([]string, error) {
	objects, err := b.list(ctx, b.key(rel))
	if err != nil {
		return nil, err
	}
	var keys []string
	exact, folder := b.key(rel), b.folderKey(rel)
	for _, obj := range objects {
		k := aws.ToString(obj.Key)
		if k == exact || strings.HasPrefix(k, folder) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Exists reports whether rel is an object or a folder.
func (b *Backend) Exists(ctx context.Context, rel string) (bool, error) {
	if err := validRel(rel); err != nil {
		return false, err
	}
	keys, err := b.keysUnder(ctx, rel)
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

func (b *Backend) copyObject(ctx context.Context, src, dst string) error {
	start := time.Now()
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(b.bucket + "/" + src),
	})
	metrics.RecordS3Operation("copy_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("s3: copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

func (b *Backend) deleteObject(ctx context.Context, key string) error {
	start := time.Now()
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	metrics.RecordS3Operation("delete_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("s3: delete %s: %w", key, err)
	}
	return nil
}

func (b *Backend) putObject(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	metrics.RecordS3Operation("put_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("s3: put %s: %w", key, err)
	}
	return nil
}

// rekey maps a key under from to the same position under to.
func (b *Backend) rekey(k, from, to string) string {
	return b.key(to) + strings.TrimPrefix(k, b.key(from))
}

func (b *Backend) clearDestination(ctx context.Context, to string, replace bool) error {
	existing, err := b.keysUnder(ctx, to)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return nil
	}
	if !replace {
		return fmt.Errorf("s3: %s: %w", to, apperr.ErrAlreadyExists)
	}
	for _, k := range existing {
		if err := b.deleteObject(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) sourceKeys(ctx context.Context, from string) ([]string, error) {
	keys, err := b.keysUnder(ctx, from)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("s3: %s: %w", from, apperr.ErrNotFound)
	}
	return keys, nil
}

// Move copies every key under from to to, then deletes the originals.
func (b *Backend) Move(ctx context.Context, from, to string, replace bool) error {
	if err := errors.Join(validRel(from), validRel(to)); err != nil {
		return err
	}
	keys, err := b.sourceKeys(ctx, from)
	if err != nil {
		return err
	}
	if err := b.clearDestination(ctx, to, replace); err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.copyObject(ctx, k, b.rekey(k, from, to)); err != nil {
			return err
		}
	}
	for _, k := range keys {
		if err := b.deleteObject(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Copy duplicates every key under from to to.
func (b *Backend) Copy(ctx context.Context, from, to string) error {
	if err := errors.Join(validRel(from), validRel(to)); err != nil {
		return err
	}
	keys, err := b.sourceKeys(ctx, from)
	if err != nil {
		return err
	}
	if err := b.clearDestination(ctx, to, false); err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.copyObject(ctx, k, b.rekey(k, from, to)); err != nil {
			return err
		}
	}
	return nil
}

// MakeFolder writes a folder marker.
func (b *Backend) MakeFolder(ctx context.Context, rel string) error {
	if err := validRel(rel); err != nil {
		return err
	}
	if err := b.clearDestination(ctx, rel, false); err != nil {
		return err
	}
	return b.putObject(ctx, b.folderKey(rel), nil)
}

// Import uploads a local file or directory tree to rel.
func (b *Backend) Import(ctx context.Context, externalPath, rel string, replace bool) error {
	if err := validRel(rel); err != nil {
		return err
	}
	if err := b.clearDestination(ctx, rel, replace); err != nil {
		return err
	}
	root, err := filepath.Abs(externalPath)
	if err != nil {
		return fmt.Errorf("s3: resolve import source: %w", err)
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return fmt.Errorf("s3: import %s: %w", externalPath, apperr.ErrNotFound)
			}
			return walkErr
		}
		sub, _ := filepath.Rel(root, p)
		target := rel
		if sub != "." {
			target = rel + "/" + filepath.ToSlash(sub)
		}
		if d.IsDir() {
			return b.putObject(ctx, b.folderKey(target), nil)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("s3: read %s: %w", p, err)
		}
		return b.putObject(ctx, b.key(target), data)
	})
}

// Open streams the object at rel.
func (b *Backend) Open(ctx context.Context, rel string) (io.ReadCloser, error) {
	if err := validRel(rel); err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(rel)),
	})
	metrics.RecordS3Operation("get_object", time.Since(start), err == nil)
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("s3: open %s: %w", rel, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("s3: open %s: %w", rel, err)
	}
	return out.Body, nil
}

// Create uploads r to rel.
func (b *Backend) Create(ctx context.Context, rel string, r io.Reader) error {
	if err := validRel(rel); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("s3: read content: %w", err)
	}
	return b.putObject(ctx, b.key(rel), data)
}

// DeleteItems removes every key under each rel.
func (b *Backend) DeleteItems(ctx context.Context, rels []string) ([]string, []error) {
	var deleted []string
	var errs []error
	for _, rel := range rels {
		if err := b.deleteOne(ctx, rel); err != nil {
			errs = append(errs, apperr.ForItem(rel, err))
			continue
		}
		if b.cache != "" {
			_ = os.RemoveAll(b.cachePath(rel))
		}
		deleted = append(deleted, rel)
	}
	return deleted, errs
}

func (b *Backend) deleteOne(ctx context.Context, rel string) error {
	if err := validRel(rel); err != nil {
		return err
	}
	keys, err := b.sourceKeys(ctx, rel)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.deleteObject(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

var _ storage.Backend = (*Backend)(nil)
