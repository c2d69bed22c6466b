// Package local implements a storage.Backend over a directory on disk.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/docscope/internal/apperr"
	"github.com/starford/docscope/internal/checksum"
	"github.com/starford/docscope/internal/item"
	"github.com/starford/docscope/internal/storage"
)

const tmpPrefix = ".docscope-tmp-"

// FS implements storage.Backend backed by the local file system.
type FS struct {
	root     string // absolute path to the container directory
	id       string
	name     string
	packages map[string]struct{} // lower-case extensions of package documents
	hooks    storage.Hooks
}

// Option configures an FS.
type Option func(*FS)

// WithIdentifier overrides the identifier derived from the root path.
func WithIdentifier(id string) Option {
	return func(f *FS) {
		if id != "" {
			f.id = id
		}
	}
}

// WithDisplayName sets the user-facing name. It defaults to the root's base name.
func WithDisplayName(name string) Option {
	return func(f *FS) {
		if name != "" {
			f.name = name
		}
	}
}

// WithPackageExtensions marks directories with these extensions as package
// documents, reported as single files.
func WithPackageExtensions(exts ...string) Option {
	return func(f *FS) {
		for _, e := range exts {
			f.packages[strings.ToLower(strings.TrimPrefix(e, "."))] = struct{}{}
		}
	}
}

// WithHooks installs lifecycle and relinquish hooks.
func WithHooks(h storage.Hooks) Option {
	return func(f *FS) {
		f.hooks = h
	}
}

// NewFS creates a new FS backend rooted at the given directory.
// The directory must already exist.
func NewFS(root string, opts ...Option) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	f := &FS{
		root:     abs,
		id:       "local-" + checksum.Identifier(filepath.ToSlash(abs)),
		name:     filepath.Base(abs),
		packages: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Root returns the absolute directory the backend serves.
func (f *FS) Root() string { return f.root }

func (f *FS) Identifier() string   { return f.id }
func (f *FS) DisplayName() string  { return f.name }
func (f *FS) DocumentsURL() string { return filepath.ToSlash(f.root) }
func (f *FS) Kind() storage.Kind   { return storage.KindLocal }
func (f *FS) Hooks() storage.Hooks { return f.hooks }

// LocalPath returns the on-disk path of rel.
func (f *FS) LocalPath(rel string) (string, error) {
	return f.safePath(rel)
}

// safePath resolves a relative path against the root and rejects any result
// that escapes it (directory traversal).
func (f *FS) safePath(rel string) (string, error) {
	if rel == "" {
		return f.root, nil
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: absolute paths not allowed: %s: %w", rel, apperr.ErrInvalidInput)
	}
	abs, err := filepath.Abs(filepath.Join(f.root, cleaned))
	if err != nil {
		return "", fmt.Errorf("storage: resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) && abs != f.root {
		return "", fmt.Errorf("storage: path escapes root: %s: %w", rel, apperr.ErrInvalidInput)
	}
	return abs, nil
}

func (f *FS) isPackage(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		return false
	}
	_, ok := f.packages[ext]
	return ok
}

func classify(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", apperr.ErrNotFound, err)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %w", apperr.ErrAlreadyExists, err)
	default:
		return err
	}
}

// Scan walks the root and reports every folder and file. Package directories
// are reported as files and not descended into.
func (f *FS) Scan(ctx context.Context) ([]item.ScanEntry, error) {
	var out []item.ScanEntry
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == f.root {
			return nil
		}
		if strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, _ := filepath.Rel(f.root, p)
		e := item.ScanEntry{
			RelativePath: filepath.ToSlash(rel),
			FileModTime:  info.ModTime(),
			IsDownloaded: true,
		}
		if d.IsDir() {
			if f.isPackage(d.Name()) {
				e.IsDirectory = true
				out = append(out, e)
				return filepath.SkipDir
			}
			e.IsFolder = true
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan: %w", err)
	}
	return out, nil
}

// RequestDownload verifies rel exists; local content is always present.
func (f *FS) RequestDownload(_ context.Context, rel string) error {
	abs, err := f.safePath(rel)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("storage: download %s: %w", rel, classify(err))
	}
	return nil
}

// Exists reports whether rel is present.
func (f *FS) Exists(_ context.Context, rel string) (bool, error) {
	abs, err := f.safePath(rel)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("storage: stat %s: %w", rel, err)
	}
	return true, nil
}

// Move renames from to to within the root.
func (f *FS) Move(_ context.Context, from, to string, replace bool) error {
	absOld, err := f.safePath(from)
	if err != nil {
		return err
	}
	absNew, err := f.safePath(to)
	if err != nil {
		return err
	}
	if err := f.prepareDestination(absNew, to, replace); err != nil {
		return err
	}
	if err := os.Rename(absOld, absNew); err != nil {
		return fmt.Errorf("storage: move %s -> %s: %w", from, to, classify(err))
	}
	return nil
}

// prepareDestination makes sure abs's parent exists and abs itself is free,
// removing it first when replace is set.
func (f *FS) prepareDestination(abs, rel string, replace bool) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("storage: mkdir for %s: %w", rel, err)
	}
	if _, err := os.Lstat(abs); err == nil {
		if !replace {
			return fmt.Errorf("storage: %s: %w", rel, apperr.ErrAlreadyExists)
		}
		if err := os.RemoveAll(abs); err != nil {
			return fmt.Errorf("storage: replace %s: %w", rel, err)
		}
	}
	return nil
}

// Copy duplicates from to to, recursively for directories.
func (f *FS) Copy(_ context.Context, from, to string) error {
	absFrom, err := f.safePath(from)
	if err != nil {
		return err
	}
	absTo, err := f.safePath(to)
	if err != nil {
		return err
	}
	if err := f.prepareDestination(absTo, to, false); err != nil {
		return err
	}
	if err := copyTree(absFrom, absTo); err != nil {
		_ = os.RemoveAll(absTo)
		return fmt.Errorf("storage: copy %s -> %s: %w", from, to, classify(err))
	}
	return nil
}

// MakeFolder creates an empty directory at rel.
func (f *FS) MakeFolder(_ context.Context, rel string) error {
	abs, err := f.safePath(rel)
	if err != nil {
		return err
	}
	if err := os.Mkdir(abs, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir %s: %w", rel, classify(err))
	}
	return nil
}

// Import copies externalPath, a file or directory outside the root, to rel.
func (f *FS) Import(_ context.Context, externalPath, rel string, replace bool) error {
	abs, err := f.safePath(rel)
	if err != nil {
		return err
	}
	src, err := filepath.Abs(externalPath)
	if err != nil {
		return fmt.Errorf("storage: resolve import source: %w", err)
	}
	if err := f.prepareDestination(abs, rel, replace); err != nil {
		return err
	}
	if err := copyTree(src, abs); err != nil {
		_ = os.RemoveAll(abs)
		return fmt.Errorf("storage: import %s -> %s: %w", externalPath, rel, classify(err))
	}
	return nil
}

// Open returns a reader for the file at rel.
func (f *FS) Open(_ context.Context, rel string) (io.ReadCloser, error) {
	abs, err := f.safePath(rel)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", rel, classify(err))
	}
	return file, nil
}

// Create atomically writes r to rel: tmp file → fsync → rename.
func (f *FS) Create(_ context.Context, rel string, r io.Reader) error {
	abs, err := f.safePath(rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}

// DeleteItems removes each rel, recursively for directories.
func (f *FS) DeleteItems(_ context.Context, rels []string) ([]string, []error) {
	var deleted []string
	var errs []error
	for _, rel := range rels {
		if err := f.deleteOne(rel); err != nil {
			errs = append(errs, apperr.ForItem(rel, err))
			continue
		}
		deleted = append(deleted, rel)
	}
	return deleted, errs
}

func (f *FS) deleteOne(rel string) error {
	if rel == "" {
		return fmt.Errorf("storage: refusing to delete root: %w", apperr.ErrInvalidInput)
	}
	abs, err := f.safePath(rel)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(abs); err != nil {
		return fmt.Errorf("storage: delete %s: %w", rel, classify(err))
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("storage: delete %s: %w", rel, err)
	}
	return nil
}

// copyTree copies a file or directory. Symlinks are recreated, not followed.
func copyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	case info.IsDir():
		if err := os.Mkdir(dst, info.Mode().Perm()|0o700); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		return os.Chtimes(dst, info.ModTime(), info.ModTime())
	default:
		return copyFile(src, dst, info)
	}
}

func copyFile(src, dst string, info fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

var (
	_ storage.Backend     = (*FS)(nil)
	_ storage.LocalPather = (*FS)(nil)
)
