// Package testutil provides shared test helpers: an in-memory storage backend
// with injectable failures and a throwaway catalog.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/docscope/internal/apperr"
	"github.com/starford/docscope/internal/catalog"
	"github.com/starford/docscope/internal/item"
	"github.com/starford/docscope/internal/storage"
)

// TestCatalog creates a temporary catalog database that is automatically
// cleaned up.
func TestCatalog(t *testing.T) *catalog.DB {
	t.Helper()
	db, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type node struct {
	folder bool
	pkg    bool
	data   []byte
	mod    time.Time
}

// FakeBackend is an in-memory storage.Backend. Paths listed with Fail make
// the named operation fail for that path.
type FakeBackend struct {
	id   string
	name string
	url  string
	kind storage.Kind

	mu       sync.Mutex
	nodes    map[string]*node
	failures map[string]error
	calls    map[string]int
	hooks    storage.Hooks
}

var _ storage.Backend = (*FakeBackend)(nil)

// NewFakeBackend returns an empty local-kind backend addressed as mem://id.
func NewFakeBackend(id string) *FakeBackend {
	return &FakeBackend{
		id:       id,
		name:     id,
		url:      "mem://" + id,
		nodes:    make(map[string]*node),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// SetKind changes the backend's kind.
func (b *FakeBackend) SetKind(k storage.Kind) { b.kind = k }

// SetDisplayName changes the backend's display name.
func (b *FakeBackend) SetDisplayName(name string) { b.name = name }

// SetHooks installs backend hooks.
func (b *FakeBackend) SetHooks(h storage.Hooks) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = h
}

// Fail makes op ("move", "copy", "delete", "mkdir", "import", "create",
// "open", "scan") fail with err for rel. An empty rel matches every path.
func (b *FakeBackend) Fail(op, rel string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op+"\x00"+rel] = err
}

// Calls returns how many times op was invoked.
func (b *FakeBackend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *FakeBackend) check(op, rel string) error {
	b.calls[op]++
	if err, ok := b.failures[op+"\x00"+rel]; ok {
		return err
	}
	return b.failures[op+"\x00"]
}

// AddFile stores a file, creating its parent folders.
func (b *FakeBackend) AddFile(rel, content string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mkdirs(item.ParentPath(rel))
	b.nodes[rel] = &node{data: []byte(content), mod: time.Now()}
}

// AddFolder stores a folder and its parents.
func (b *FakeBackend) AddFolder(rel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mkdirs(rel)
}

// Has reports whether rel is stored.
func (b *FakeBackend) Has(rel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.nodes[rel]
	return ok
}

// Content returns the bytes stored at rel.
func (b *FakeBackend) Content(rel string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n, ok := b.nodes[rel]; ok {
		return string(n.data)
	}
	return ""
}

// Paths returns every stored path, sorted.
func (b *FakeBackend) Paths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.nodes))
	for p := range b.nodes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (b *FakeBackend) mkdirs(rel string) {
	for p := rel; p != ""; p = item.ParentPath(p) {
		if _, ok := b.nodes[p]; !ok {
			b.nodes[p] = &node{folder: true, mod: time.Now()}
		}
	}
}

func (b *FakeBackend) under(rel string) []string {
	var out []string
	for p := range b.nodes {
		if p == rel || strings.HasPrefix(p, rel+"/") {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (b *FakeBackend) Identifier() string   { return b.id }
func (b *FakeBackend) DisplayName() string  { return b.name }
func (b *FakeBackend) DocumentsURL() string { return b.url }
func (b *FakeBackend) Kind() storage.Kind   { return b.kind }

func (b *FakeBackend) Hooks() storage.Hooks {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hooks
}

func (b *FakeBackend) Scan(context.Context) ([]item.ScanEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("scan", ""); err != nil {
		return nil, err
	}
	var out []item.ScanEntry
	for p, n := range b.nodes {
		if b.insidePackage(p) {
			continue
		}
		out = append(out, item.ScanEntry{
			RelativePath: p,
			IsFolder:     n.folder && !n.pkg,
			IsDirectory:  n.pkg,
			FileModTime:  n.mod,
			IsDownloaded: true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out, nil
}

func (b *FakeBackend) insidePackage(rel string) bool {
	for p := item.ParentPath(rel); p != ""; p = item.ParentPath(p) {
		if n, ok := b.nodes[p]; ok && n.pkg {
			return true
		}
	}
	return false
}

func (b *FakeBackend) RequestDownload(_ context.Context, rel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.nodes[rel]; !ok {
		return fmt.Errorf("fake: %s: %w", rel, apperr.ErrNotFound)
	}
	return nil
}

func (b *FakeBackend) Exists(_ context.Context, rel string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.nodes[rel]
	return ok, nil
}

func (b *FakeBackend) Move(_ context.Context, from, to string, replace bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("move", from); err != nil {
		return err
	}
	if _, ok := b.nodes[from]; !ok {
		return fmt.Errorf("fake: %s: %w", from, apperr.ErrNotFound)
	}
	if err := b.free(to, replace); err != nil {
		return err
	}
	for _, p := range b.under(from) {
		b.nodes[to+p[len(from):]] = b.nodes[p]
		delete(b.nodes, p)
	}
	return nil
}

func (b *FakeBackend) free(rel string, replace bool) error {
	if _, ok := b.nodes[rel]; ok {
		if !replace {
			return fmt.Errorf("fake: %s: %w", rel, apperr.ErrAlreadyExists)
		}
		for _, p := range b.under(rel) {
			delete(b.nodes, p)
		}
	}
	b.mkdirs(item.ParentPath(rel))
	return nil
}

func (b *FakeBackend) Copy(_ context.Context, from, to string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("copy", from); err != nil {
		return err
	}
	if _, ok := b.nodes[from]; !ok {
		return fmt.Errorf("fake: %s: %w", from, apperr.ErrNotFound)
	}
	if err := b.free(to, false); err != nil {
		return err
	}
	for _, p := range b.under(from) {
		n := *b.nodes[p]
		n.data = bytes.Clone(n.data)
		b.nodes[to+p[len(from):]] = &n
	}
	return nil
}

func (b *FakeBackend) MakeFolder(_ context.Context, rel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("mkdir", rel); err != nil {
		return err
	}
	if err := b.free(rel, false); err != nil {
		return err
	}
	b.nodes[rel] = &node{folder: true, mod: time.Now()}
	return nil
}

// Import reads a file or directory from disk. A directory imported as a
// non-folder item is stored as a package.
func (b *FakeBackend) Import(_ context.Context, externalPath, rel string, replace bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("import", rel); err != nil {
		return err
	}
	info, err := os.Stat(externalPath)
	if err != nil {
		return fmt.Errorf("fake: import %s: %w", externalPath, apperr.ErrNotFound)
	}
	if err := b.free(rel, replace); err != nil {
		return err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(externalPath)
		if err != nil {
			return err
		}
		b.nodes[rel] = &node{data: data, mod: info.ModTime()}
		return nil
	}
	return filepath.WalkDir(externalPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		sub, _ := filepath.Rel(externalPath, p)
		target := rel
		if sub != "." {
			target = rel + "/" + filepath.ToSlash(sub)
		}
		if d.IsDir() {
			b.nodes[target] = &node{folder: true, pkg: target == rel && filepath.Ext(rel) != "", mod: time.Now()}
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		b.nodes[target] = &node{data: data, mod: time.Now()}
		return nil
	})
}

func (b *FakeBackend) Open(_ context.Context, rel string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("open", rel); err != nil {
		return nil, err
	}
	n, ok := b.nodes[rel]
	if !ok || n.folder {
		return nil, fmt.Errorf("fake: %s: %w", rel, apperr.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(n.data))), nil
}

func (b *FakeBackend) Create(_ context.Context, rel string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("create", rel); err != nil {
		return err
	}
	b.mkdirs(item.ParentPath(rel))
	b.nodes[rel] = &node{data: data, mod: time.Now()}
	return nil
}

func (b *FakeBackend) DeleteItems(_ context.Context, rels []string) ([]string, []error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var (
		deleted []string
		errs    []error
	)
	for _, rel := range rels {
		if err := b.check("delete", rel); err != nil {
			errs = append(errs, apperr.ForItem(rel, err))
			continue
		}
		if _, ok := b.nodes[rel]; !ok {
			errs = append(errs, apperr.ForItem(rel, apperr.ErrNotFound))
			continue
		}
		for _, p := range b.under(rel) {
			delete(b.nodes, p)
		}
		deleted = append(deleted, rel)
	}
	return deleted, errs
}
