package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/docscope/internal/apperr"
	"github.com/starford/docscope/internal/item"
	"github.com/starford/docscope/internal/scope"
)

// scopeFor resolves the {id} route parameter.
func (h *Handler) scopeFor(w http.ResponseWriter, r *http.Request) (*scope.Scope, bool) {
	id := chi.URLParam(r, "id")
	s, ok := h.reg.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody(fmt.Sprintf("scope %q not found", id)))
		return nil, false
	}
	return s, true
}

func cleanRel(rel string) string {
	return strings.Trim(rel, "/")
}

// folderAt resolves a destination folder; "" is the root and yields nil.
func folderAt(s *scope.Scope, rel string) (*item.FolderItem, error) {
	rel = cleanRel(rel)
	if rel == "" {
		return nil, nil
	}
	f := s.Folder(rel)
	if f == nil {
		return nil, fmt.Errorf("folder %s: %w", rel, apperr.ErrNotFound)
	}
	return f, nil
}

// itemsAt resolves paths to items. Paths that do not resolve are returned as
// item errors so they can be reported alongside the batch outcome.
func itemsAt(s *scope.Scope, paths []string) ([]item.Item, []error) {
	items := make([]item.Item, 0, len(paths))
	var errs []error
	for _, p := range paths {
		rel := cleanRel(p)
		it, ok := s.LookupPath(rel)
		if !ok || rel == "" {
			errs = append(errs, apperr.ForItem(rel, apperr.ErrNotFound))
			continue
		}
		items = append(items, it)
	}
	return items, errs
}

func filesAt(s *scope.Scope, paths []string) []*item.FileItem {
	var out []*item.FileItem
	for _, p := range paths {
		if it, ok := s.LookupPath(cleanRel(p)); ok {
			if f, isFile := it.(*item.FileItem); isFile {
				out = append(out, f)
			}
		}
	}
	return out
}
