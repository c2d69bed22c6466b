package scope

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/starford/docscope/internal/apperr"
	"github.com/starford/docscope/internal/catalog"
	"github.com/starford/docscope/internal/item"
	"github.com/starford/docscope/internal/storage"
)

// Role is a distinguished purpose a registry may assign to one scope.
type Role int

const (
	RoleNone Role = iota
	RoleTrash
	RoleTemplate
)

func (r Role) String() string {
	switch r {
	case RoleTrash:
		return "trash"
	case RoleTemplate:
		return "template"
	default:
		return "none"
	}
}

// Registry is the set of live scopes. At most one scope holds each role; a
// later assignment replaces the earlier one.
type Registry struct {
	mu       sync.RWMutex
	scopes   map[string]*Scope
	trash    *Scope
	template *Scope

	catalog catalog.Store
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewRegistry returns an empty registry. store may be nil.
func NewRegistry(logger *slog.Logger, store catalog.Store) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		scopes:  make(map[string]*Scope),
		catalog: store,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers a scope for backend and starts its initial scan in the
// background. The tree is warm-started from the catalog when one is set.
func (r *Registry) Add(ctx context.Context, backend storage.Backend, opts Options) (*Scope, error) {
	if opts.Catalog == nil {
		opts.Catalog = r.catalog
	}
	if opts.Logger == nil {
		opts.Logger = r.logger
	}

	r.mu.Lock()
	if _, dup := r.scopes[backend.Identifier()]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("scope: %s already registered: %w", backend.Identifier(), apperr.ErrConflict)
	}
	s := New(backend, opts)
	s.registry = r
	r.scopes[s.Identifier()] = s
	r.mu.Unlock()

	if err := s.warmStart(ctx); err != nil {
		s.logger.Warn("scope: warm start failed", slog.String("error", err.Error()))
	}
	switch opts.Role {
	case RoleTrash:
		r.SetTrashScope(s)
	case RoleTemplate:
		r.SetTemplateScope(s)
	}
	if hook := backend.Hooks().AddedToStore; hook != nil {
		hook()
	}
	s.logger.Info("scope: registered",
		slog.String("kind", s.Kind().String()),
		slog.String("role", opts.Role.String()),
		slog.String("url", s.DocumentsURL()))

	go func() {
		if err := s.Rescan(r.ctx); err != nil {
			s.logger.Error("scope: initial scan failed", slog.String("error", err.Error()))
		}
	}()
	return s, nil
}

// Remove unregisters the scope with id and tears it down. Units still queued
// on it fail with apperr.ErrScopeGone.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.scopes[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("scope: %s: %w", id, apperr.ErrNotFound)
	}
	delete(r.scopes, id)
	if r.trash == s {
		r.trash = nil
	}
	if r.template == s {
		r.template = nil
	}
	r.mu.Unlock()

	if hook := s.backend.Hooks().RemovedFromStore; hook != nil {
		hook()
	}
	s.close()
	s.logger.Info("scope: removed")
	return nil
}

// Get returns the scope with id.
func (r *Registry) Get(id string) (*Scope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scopes[id]
	return s, ok
}

// Scopes returns every registered scope in presentation order.
func (r *Registry) Scopes() []*Scope {
	r.mu.RLock()
	out := make([]*Scope, 0, len(r.scopes))
	for _, s := range r.scopes {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return r.CompareScopes(out[i], out[j]) < 0 })
	return out
}

// ScopeContaining returns the scope whose container holds url. Nested
// containers resolve to the innermost one.
func (r *Registry) ScopeContaining(url string) (*Scope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Scope
	for _, s := range r.scopes {
		if !s.IsFileInContainer(url) {
			continue
		}
		if best == nil || len(s.DocumentsURL()) > len(best.DocumentsURL()) {
			best = s
		}
	}
	return best, best != nil
}

// SetTrashScope gives s the trash role. nil clears it.
func (r *Registry) SetTrashScope(s *Scope) {
	r.mu.Lock()
	prev := r.trash
	r.trash = s
	r.mu.Unlock()
	if prev != nil && prev != s {
		r.logger.Info("scope: trash role reassigned",
			slog.String("from", prev.Identifier()),
			slog.String("to", idOf(s)))
	}
}

// SetTemplateScope gives s the template role. nil clears it.
func (r *Registry) SetTemplateScope(s *Scope) {
	r.mu.Lock()
	prev := r.template
	r.template = s
	r.mu.Unlock()
	if prev != nil && prev != s {
		r.logger.Info("scope: template role reassigned",
			slog.String("from", prev.Identifier()),
			slog.String("to", idOf(s)))
	}
}

func idOf(s *Scope) string {
	if s == nil {
		return ""
	}
	return s.Identifier()
}

func (r *Registry) TrashScope() *Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.trash
}

func (r *Registry) TemplateScope() *Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.template
}

// TrashItemAtURL moves the item at url into the root of the trash scope,
// renaming it when the name is taken there. It returns the new location.
func (r *Registry) TrashItemAtURL(ctx context.Context, url string) (string, error) {
	trash := r.TrashScope()
	if trash == nil {
		return "", fmt.Errorf("scope: no trash scope: %w", apperr.ErrNotFound)
	}
	source, ok := r.ScopeContaining(url)
	if !ok {
		return "", fmt.Errorf("scope: no scope contains %s: %w", url, apperr.ErrNotFound)
	}
	rel, _ := item.RelativeTo(url, source.DocumentsURL())
	it, ok := source.LookupPath(rel)
	if !ok {
		return "", apperr.ForItem(rel, fmt.Errorf("scope: %s: %w", url, apperr.ErrNotFound))
	}
	if source == trash {
		return "", apperr.ForItem(rel, fmt.Errorf("scope: %s is already in the trash: %w", url, apperr.ErrInvalidInput))
	}

	res := trash.takeItems(ctx, source, []item.Item{it}, nil, nil, true, nil)
	if len(res.Errors) > 0 {
		return "", res.Errors[0]
	}
	return res.Items[0].URL(), nil
}

// GroupRank orders scopes into presentation groups: local, cloud, trash,
// template.
func (r *Registry) GroupRank(s *Scope) int {
	switch {
	case s == r.TrashScope():
		return 2
	case s == r.TemplateScope():
		return 3
	case s.Kind() == storage.KindCloud:
		return 1
	default:
		return 0
	}
}

// CompareScopes orders scopes by group, then case-insensitively by display
// name, then by identifier.
func (r *Registry) CompareScopes(a, b *Scope) int {
	if ga, gb := r.GroupRank(a), r.GroupRank(b); ga != gb {
		return ga - gb
	}
	if c := strings.Compare(strings.ToLower(a.DisplayName()), strings.ToLower(b.DisplayName())); c != 0 {
		return c
	}
	return strings.Compare(a.Identifier(), b.Identifier())
}

// Close drains every scope, then tears them all down.
func (r *Registry) Close(ctx context.Context) error {
	r.cancel()
	r.mu.RLock()
	scopes := make([]*Scope, 0, len(r.scopes))
	for _, s := range r.scopes {
		scopes = append(scopes, s)
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range scopes {
		g.Go(func() error { return s.Drain(gctx) })
	}
	err := g.Wait()
	for _, s := range scopes {
		_ = r.Remove(s.Identifier())
	}
	return err
}
