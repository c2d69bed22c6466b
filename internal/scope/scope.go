// Package scope binds a storage backend to an in-memory tree and a serializer.
//
// A Scope mirrors one storage container. Every mutation of the container and
// of the tree runs as a unit on the scope's serializer: scan reconciliation,
// batch transfers and their structural updates. Readers may query the tree
// from any goroutine; observers receive changes in order through Events.
package scope

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/docscope/internal/apperr"
	"github.com/starford/docscope/internal/catalog"
	"github.com/starford/docscope/internal/item"
	"github.com/starford/docscope/internal/metrics"
	"github.com/starford/docscope/internal/naming"
	"github.com/starford/docscope/internal/serializer"
	"github.com/starford/docscope/internal/storage"
	"github.com/starford/docscope/internal/tree"
)

// Options configure a scope at registration.
type Options struct {
	// Role marks the scope as the trash or template scope.
	Role Role
	// Catalog persists listings and user modification dates. Optional.
	Catalog catalog.Store
	Logger  *slog.Logger
}

// Scope is one storage container and the tree mirroring it.
type Scope struct {
	backend  storage.Backend
	tree     *tree.Tree
	queue    *serializer.Queue
	catalog  catalog.Store
	logger   *slog.Logger
	registry *Registry

	scanned     chan struct{}
	scannedOnce sync.Once
	initialScan atomic.Bool
}

// New creates a scope that is not part of any registry. Most callers want
// Registry.Add instead.
func New(backend storage.Backend, opts Options) *Scope {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("scope", backend.Identifier()))
	return &Scope{
		backend: backend,
		tree:    tree.New(backend.DocumentsURL()),
		queue:   serializer.New(backend.Identifier(), logger),
		catalog: opts.Catalog,
		logger:  logger,
		scanned: make(chan struct{}),
	}
}

func (s *Scope) Identifier() string   { return s.backend.Identifier() }
func (s *Scope) DisplayName() string  { return s.backend.DisplayName() }
func (s *Scope) DocumentsURL() string { return s.tree.DocumentsURL() }
func (s *Scope) Kind() storage.Kind   { return s.backend.Kind() }

// Backend returns the storage behind the scope.
func (s *Scope) Backend() storage.Backend { return s.backend }

// HasFinishedInitialScan reports whether the first scan has been reconciled.
func (s *Scope) HasFinishedInitialScan() bool { return s.initialScan.Load() }

// ScanDone is closed once the first scan has been reconciled.
func (s *Scope) ScanDone() <-chan struct{} { return s.scanned }

// IsTrash reports whether the scope currently holds the trash role.
func (s *Scope) IsTrash() bool {
	return s.registry != nil && s.registry.TrashScope() == s
}

// IsTemplate reports whether the scope currently holds the template role.
func (s *Scope) IsTemplate() bool {
	return s.registry != nil && s.registry.TemplateScope() == s
}

func (s *Scope) RootFolder() *item.FolderItem { return s.tree.RootFolder() }
func (s *Scope) TopLevelItems() []item.Item   { return s.tree.TopLevelItems() }
func (s *Scope) FileItems() []*item.FileItem  { return s.tree.FileItems() }

// Children returns the direct children of folder.
func (s *Scope) Children(folder *item.FolderItem) []item.Item { return s.tree.Children(folder) }

// Lookup returns the file at url, or nil.
func (s *Scope) Lookup(url string) *item.FileItem { return s.tree.Lookup(url) }

// LookupPath returns the file or folder at rel.
func (s *Scope) LookupPath(rel string) (item.Item, bool) { return s.tree.LookupPath(rel) }

// Folder returns the folder at rel, or nil.
func (s *Scope) Folder(rel string) *item.FolderItem { return s.tree.Folder(rel) }

// ParentFolder returns the folder holding it. It panics if it is not in the
// scope.
func (s *Scope) ParentFolder(it item.Item) *item.FolderItem { return s.tree.ParentFolder(it) }

// IsFileInContainer reports whether url lies inside the scope's container.
func (s *Scope) IsFileInContainer(url string) bool {
	return item.IsInContainer(url, s.DocumentsURL())
}

// Events subscribes to tree changes. Call cancel to unsubscribe.
func (s *Scope) Events() (<-chan tree.Change, func()) { return s.tree.Notifier().Subscribe() }

// Rescan enumerates the backend and reconciles the tree with the result. The
// scan runs on the serializer, so it never interleaves with a transfer.
func (s *Scope) Rescan(ctx context.Context) error {
	return s.queue.Do(ctx, func() error {
		return s.scanAndReconcile(ctx)
	})
}

func (s *Scope) scanAndReconcile(ctx context.Context) error {
	entries, err := s.backend.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scope: scan %s: %w", s.Identifier(), err)
	}
	if s.catalog != nil {
		dates, err := s.catalog.UserDates(s.Identifier())
		if err != nil {
			s.logger.Warn("scope: load user dates failed", slog.String("error", err.Error()))
		}
		for i := range entries {
			if entries[i].UserModTime.IsZero() {
				entries[i].UserModTime = dates[entries[i].RelativePath]
			}
		}
	}

	start := time.Now()
	change := s.tree.Reconcile(entries)
	metrics.RecordReconcile(s.Identifier(), time.Since(start))
	metrics.SetScopeItems(s.Identifier(), s.tree.Len())

	if s.catalog != nil {
		if err := s.catalog.Replace(s.Identifier(), entries); err != nil {
			s.logger.Warn("scope: persist listing failed", slog.String("error", err.Error()))
		}
	}
	if !change.Empty() {
		s.logger.Debug("scope: reconciled",
			slog.Int("added", len(change.Added)),
			slog.Int("removed", len(change.Removed)),
			slog.Int("changed", len(change.Changed)))
	}
	s.scannedOnce.Do(func() {
		s.initialScan.Store(true)
		close(s.scanned)
		s.logger.Info("scope: initial scan finished", slog.Int("items", s.tree.Len()))
	})
	return nil
}

// warmStart fills the tree from the catalog before the first scan.
func (s *Scope) warmStart(ctx context.Context) error {
	if s.catalog == nil {
		return nil
	}
	return s.queue.Do(ctx, func() error {
		entries, err := s.catalog.Load(s.Identifier())
		if err != nil {
			return fmt.Errorf("scope: warm start: %w", err)
		}
		if len(entries) > 0 {
			s.tree.Reconcile(entries)
			s.logger.Debug("scope: warm start", slog.Int("entries", len(entries)))
		}
		return nil
	})
}

// URLForNewDocument returns a free location for a new document in folder, or
// in the root when folder is nil. The location is only free at call time.
func (s *Scope) URLForNewDocument(folder *item.FolderItem, baseName, fileType string) string {
	if folder == nil {
		folder = s.RootFolder()
	}
	name := naming.ResolveNewName(s.takenIn(folder.RelativePath()), baseName, fileType)
	return item.Join(s.DocumentsURL(), item.ChildPath(folder.RelativePath(), name))
}

func (s *Scope) takenIn(folderRel string) naming.Taken {
	return func(name string) bool {
		_, ok := s.tree.LookupPath(item.ChildPath(folderRel, name))
		return ok
	}
}

// PrepareToRelinquish asks the backend whether items may leave the scope. It
// runs on the serializer, so it also waits for every unit submitted before it.
// The first refusal vetoes the whole set.
func (s *Scope) PrepareToRelinquish(ctx context.Context, items []item.Item) error {
	hook := s.backend.Hooks().Relinquish
	return s.queue.Do(ctx, func() error {
		if hook == nil {
			return nil
		}
		for _, it := range items {
			if err := hook(it.RelativePath()); err != nil {
				metrics.RecordRelinquishVeto()
				return fmt.Errorf("scope: %s refused to relinquish %s: %w: %w",
					s.Identifier(), it.RelativePath(), apperr.ErrRelinquishRefused, err)
			}
		}
		return nil
	})
}

// RequestDownload materializes file's content. The download runs on the
// calling goroutine; only the resulting tree update is serialized.
func (s *Scope) RequestDownload(ctx context.Context, file *item.FileItem) error {
	if err := s.backend.RequestDownload(ctx, file.RelativePath()); err != nil {
		return apperr.ForItem(file.RelativePath(), err)
	}
	s.queue.RunExclusive(func() error {
		s.tree.Update(func(tx *tree.Txn) {
			cur, ok := tx.Get(file.RelativePath())
			if f, isFile := cur.(*item.FileItem); ok && isFile && !f.IsDownloaded() {
				tx.Replace(f.WithDownloaded(true))
			}
		})
		return nil
	})
	return nil
}

// Drain waits for every unit submitted so far.
func (s *Scope) Drain(ctx context.Context) error { return s.queue.Drain(ctx) }

// close tears the scope down. Queued units fail with apperr.ErrScopeGone.
func (s *Scope) close() {
	s.queue.Close()
	s.tree.Close()
	metrics.ForgetScope(s.Identifier())
}
