// Package tree keeps the in-memory model of a scope's files and folders.
//
// A Tree is the single source of truth for what a scope contains. Scan results
// are folded in with Reconcile; structural edits made by batch operations go
// through Update. Both hold the write lock for the whole edit and publish one
// Change, so readers never see a half-applied state.
package tree

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/starford/docscope/internal/apperr"
	"github.com/starford/docscope/internal/item"
)

type node struct {
	item     item.Item
	children map[string]*node // nil for files
}

func (n *node) isFolder() bool { return n.children != nil }

// Change describes one atomic edit of a tree.
type Change struct {
	Added   []item.Item
	Removed []item.Item
	Changed []item.Item
}

// Empty reports whether the change touched nothing.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// Tree mirrors one storage container.
type Tree struct {
	container string
	notifier  *Notifier

	mu      sync.RWMutex
	nodes   map[string]*node  // relative path -> node, "" is the root
	parents map[string]string // relative path -> parent relative path
	files   map[string]*item.FileItem
}

// New returns an empty tree for the container at documentsURL.
func New(documentsURL string) *Tree {
	documentsURL = strings.TrimSuffix(documentsURL, "/")
	root := &node{
		item:     item.NewFolder(documentsURL, "", time.Time{}, time.Time{}),
		children: make(map[string]*node),
	}
	return &Tree{
		container: documentsURL,
		notifier:  NewNotifier(),
		nodes:     map[string]*node{"": root},
		parents:   make(map[string]string),
		files:     make(map[string]*item.FileItem),
	}
}

// DocumentsURL returns the container location the tree mirrors.
func (t *Tree) DocumentsURL() string { return t.container }

// Notifier returns the tree's change notifier.
func (t *Tree) Notifier() *Notifier { return t.notifier }

// Close stops change delivery.
func (t *Tree) Close() { t.notifier.Close() }

// RootFolder returns the folder with the empty relative path.
func (t *Tree) RootFolder() *item.FolderItem {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[""].item.(*item.FolderItem)
}

// Lookup returns the file item at url, or nil.
func (t *Tree) Lookup(url string) *item.FileItem {
	rel, ok := item.RelativeTo(url, t.container)
	if !ok {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.files[rel]
}

// LookupPath returns the item at rel, file or folder.
func (t *Tree) LookupPath(rel string) (item.Item, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[rel]
	if !ok {
		return nil, false
	}
	return n.item, true
}

// Folder returns the folder at rel, or nil if there is none.
func (t *Tree) Folder(rel string) *item.FolderItem {
	it, ok := t.LookupPath(rel)
	if !ok {
		return nil
	}
	f, _ := it.(*item.FolderItem)
	return f
}

// Contains reports whether an item with the same path and kind as it is in the tree.
func (t *Tree) Contains(it item.Item) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[it.RelativePath()]
	return ok && n.item.IsFolder() == it.IsFolder()
}

// ParentFolder returns the folder holding it. Asking for the parent of an item
// that is not in the tree, or of the root, is a programming error and panics.
func (t *Tree) ParentFolder(it item.Item) *item.FolderItem {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rel := it.RelativePath()
	if rel == "" {
		apperr.Invariant("root folder of %s has no parent", t.container)
	}
	if _, ok := t.nodes[rel]; !ok {
		apperr.Invariant("item %q is not in the tree of %s", rel, t.container)
	}
	p, ok := t.parents[rel]
	if !ok {
		apperr.Invariant("item %q has no parent entry", rel)
	}
	return t.nodes[p].item.(*item.FolderItem)
}

// MakeFileItem builds a detached file item for url. It is not inserted.
func (t *Tree) MakeFileItem(url string, isDirectory bool, fileMod, userMod time.Time) (*item.FileItem, error) {
	rel, ok := item.RelativeTo(url, t.container)
	if !ok || rel == "" {
		return nil, fmt.Errorf("tree: %s is not a file location inside %s: %w", url, t.container, apperr.ErrInvalidInput)
	}
	return item.NewFile(t.container, rel, isDirectory, fileMod, userMod), nil
}

// MakeFolderItem builds a detached folder item for rel.
func (t *Tree) MakeFolderItem(rel string, fileMod, userMod time.Time) *item.FolderItem {
	return item.NewFolder(t.container, rel, fileMod, userMod)
}

// FileItems returns every file reachable from the root, sorted by path.
func (t *Tree) FileItems() []*item.FileItem {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*item.FileItem, 0, len(t.files))
	for _, f := range t.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath() < out[j].RelativePath() })
	return out
}

// Children returns the direct children of folder, sorted by name.
func (t *Tree) Children(folder *item.FolderItem) []item.Item {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[folder.RelativePath()]
	if !ok || !n.isFolder() {
		return nil
	}
	return sortedChildren(n)
}

// TopLevelItems returns the children of the root folder.
func (t *Tree) TopLevelItems() []item.Item {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedChildren(t.nodes[""])
}

// HasChildNamed reports whether folder currently holds a child called name.
func (t *Tree) HasChildNamed(folder *item.FolderItem, name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[folder.RelativePath()]
	if !ok || !n.isFolder() {
		return false
	}
	_, taken := n.children[name]
	return taken
}

// FilesUnder returns every file at or below rel.
func (t *Tree) FilesUnder(rel string) []*item.FileItem {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[rel]
	if !ok {
		return nil
	}
	var out []*item.FileItem
	walk(n, func(c *node) {
		if f, ok := c.item.(*item.FileItem); ok {
			out = append(out, f)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath() < out[j].RelativePath() })
	return out
}

// Len returns the number of items below the root.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes) - 1
}

func sortedChildren(n *node) []item.Item {
	out := make([]item.Item, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c.item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func walk(n *node, fn func(*node)) {
	fn(n)
	for _, c := range n.children {
		walk(c, fn)
	}
}

// Reconcile replaces the tree's contents with the authoritative enumeration in
// entries and returns what changed. Folders implied by nested paths are
// created. Entries below a package document are ignored.
func (t *Tree) Reconcile(entries []item.ScanEntry) Change {
	desired := make(map[string]item.ScanEntry, len(entries))
	for _, e := range entries {
		rel := strings.Trim(e.RelativePath, "/")
		if rel == "" {
			continue
		}
		e.RelativePath = rel
		desired[rel] = e
		for p := item.ParentPath(rel); p != ""; p = item.ParentPath(p) {
			if _, ok := desired[p]; ok {
				break
			}
			desired[p] = item.ScanEntry{RelativePath: p, IsFolder: true}
		}
	}

	paths := make([]string, 0, len(desired))
	for p := range desired {
		paths = append(paths, p)
	}
	// Parents sort before their children.
	sort.Strings(paths)

	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.nodes
	root := old[""]
	nodes := map[string]*node{"": {item: root.item, children: make(map[string]*node)}}
	parents := make(map[string]string, len(paths))
	files := make(map[string]*item.FileItem)
	var change Change

	for _, rel := range paths {
		parentRel := item.ParentPath(rel)
		parent, ok := nodes[parentRel]
		if !ok || !parent.isFolder() {
			continue
		}
		e := desired[rel]
		prev := old[rel]
		it := t.itemFor(e, prev)
		n := &node{item: it}
		if e.IsFolder {
			n.children = make(map[string]*node)
		}
		switch {
		case prev == nil || prev.isFolder() != e.IsFolder:
			if prev != nil {
				change.Removed = append(change.Removed, prev.item)
			}
			change.Added = append(change.Added, it)
		case prev.item != it:
			change.Changed = append(change.Changed, it)
		}
		parent.children[item.BaseName(rel)] = n
		nodes[rel] = n
		parents[rel] = parentRel
		if f, ok := it.(*item.FileItem); ok {
			files[rel] = f
		}
	}

	for rel, n := range old {
		if rel == "" {
			continue
		}
		if nn, ok := nodes[rel]; !ok || nn.isFolder() != n.isFolder() {
			if ok {
				// Kind flip, already reported above.
				continue
			}
			change.Removed = append(change.Removed, n.item)
		}
	}
	sortItems(change.Removed)

	t.nodes = nodes
	t.parents = parents
	t.files = files
	if !change.Empty() {
		t.notifier.publish(change)
	}
	return change
}

// itemFor returns prev's item when e describes it unchanged, or a new item.
func (t *Tree) itemFor(e item.ScanEntry, prev *node) item.Item {
	userMod := e.UserModTime
	if prev != nil && userMod.IsZero() {
		userMod = prev.item.UserModificationDate()
	}
	if userMod.IsZero() {
		userMod = e.FileModTime
	}
	if e.IsFolder {
		if prev != nil && prev.isFolder() && prev.item.FileModificationDate().Equal(e.FileModTime) &&
			prev.item.UserModificationDate().Equal(userMod) {
			return prev.item
		}
		return item.NewFolder(t.container, e.RelativePath, e.FileModTime, userMod)
	}
	if prev != nil && !prev.isFolder() {
		pf := prev.item.(*item.FileItem)
		if pf.FileModificationDate().Equal(e.FileModTime) && pf.UserModificationDate().Equal(userMod) &&
			pf.IsDirectory() == e.IsDirectory && pf.IsDownloaded() == e.IsDownloaded {
			return pf
		}
	}
	return item.NewFile(t.container, e.RelativePath, e.IsDirectory, e.FileModTime, userMod).WithDownloaded(e.IsDownloaded)
}

func sortItems(items []item.Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].RelativePath() < items[j].RelativePath() })
}
