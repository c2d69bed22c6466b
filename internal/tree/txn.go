package tree

import (
	"strings"

	"github.com/starford/docscope/internal/apperr"
	"github.com/starford/docscope/internal/item"
)

// Txn is a structural edit in progress. It is only valid inside the function
// passed to Update.
type Txn struct {
	t      *Tree
	change Change
}

// Moved pairs a file item with its retargeted replacement.
type Moved struct {
	From *item.FileItem
	To   *item.FileItem
}

// Update applies fn to the tree under the write lock and publishes the
// resulting change once fn returns.
func (t *Tree) Update(fn func(*Txn)) Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx := &Txn{t: t}
	fn(tx)
	if !tx.change.Empty() {
		t.notifier.publish(tx.change)
	}
	return tx.change
}

// Get returns the item at rel.
func (x *Txn) Get(rel string) (item.Item, bool) {
	n, ok := x.t.nodes[rel]
	if !ok {
		return nil, false
	}
	return n.item, true
}

// HasChildNamed reports whether the folder at folderRel holds name.
func (x *Txn) HasChildNamed(folderRel, name string) bool {
	n, ok := x.t.nodes[folderRel]
	if !ok || !n.isFolder() {
		return false
	}
	_, taken := n.children[name]
	return taken
}

func (x *Txn) parentNode(rel string) *node {
	p, ok := x.t.nodes[item.ParentPath(rel)]
	if !ok || !p.isFolder() {
		apperr.Invariant("no parent folder for %q in %s", rel, x.t.container)
	}
	return p
}

func (x *Txn) checkContainer(it item.Item) {
	if it.RelativePath() == "" || !item.IsInContainer(it.URL(), x.t.container) {
		apperr.Invariant("item %q (%s) does not belong to %s", it.RelativePath(), it.URL(), x.t.container)
	}
}

// InsertFile adds f, replacing a file already at the same path. Replacing a
// folder with a file is an invariant violation.
func (x *Txn) InsertFile(f *item.FileItem) {
	x.checkContainer(f)
	rel := f.RelativePath()
	parent := x.parentNode(rel)
	if prev, ok := x.t.nodes[rel]; ok {
		if prev.isFolder() {
			apperr.Invariant("file %q would replace a folder", rel)
		}
		x.change.Changed = append(x.change.Changed, f)
	} else {
		x.change.Added = append(x.change.Added, f)
	}
	n := &node{item: f}
	parent.children[item.BaseName(rel)] = n
	x.t.nodes[rel] = n
	x.t.parents[rel] = item.ParentPath(rel)
	x.t.files[rel] = f
}

// InsertFolder adds folder if absent and returns the folder now at its path.
func (x *Txn) InsertFolder(folder *item.FolderItem) *item.FolderItem {
	x.checkContainer(folder)
	rel := folder.RelativePath()
	if prev, ok := x.t.nodes[rel]; ok {
		if !prev.isFolder() {
			apperr.Invariant("folder %q would replace a file", rel)
		}
		return prev.item.(*item.FolderItem)
	}
	parent := x.parentNode(rel)
	n := &node{item: folder, children: make(map[string]*node)}
	parent.children[item.BaseName(rel)] = n
	x.t.nodes[rel] = n
	x.t.parents[rel] = item.ParentPath(rel)
	x.change.Added = append(x.change.Added, folder)
	return folder
}

// Replace swaps the file at f's path for f, keeping its position.
func (x *Txn) Replace(f *item.FileItem) {
	rel := f.RelativePath()
	prev, ok := x.t.nodes[rel]
	if !ok || prev.isFolder() {
		apperr.Invariant("no file at %q to replace", rel)
	}
	prev.item = f
	x.t.files[rel] = f
	x.change.Changed = append(x.change.Changed, f)
}

// Remove deletes the item at rel and everything below it. It returns the
// removed items; removing a missing path is a no-op.
func (x *Txn) Remove(rel string) []item.Item {
	if rel == "" {
		apperr.Invariant("cannot remove the root folder of %s", x.t.container)
	}
	n, ok := x.t.nodes[rel]
	if !ok {
		return nil
	}
	delete(x.parentNode(rel).children, item.BaseName(rel))
	var removed []item.Item
	walk(n, func(c *node) {
		r := c.item.RelativePath()
		delete(x.t.nodes, r)
		delete(x.t.parents, r)
		delete(x.t.files, r)
		removed = append(removed, c.item)
	})
	sortItems(removed)
	x.change.Removed = append(x.change.Removed, removed...)
	return removed
}

// Move retargets the item at oldRel, and every descendant, to newRel. The
// destination's parent must exist and the destination must be free. It
// returns the moved files.
func (x *Txn) Move(oldRel, newRel string) []Moved {
	if oldRel == "" || newRel == "" {
		apperr.Invariant("cannot move the root folder of %s", x.t.container)
	}
	if newRel == oldRel || strings.HasPrefix(newRel, oldRel+"/") {
		apperr.Invariant("cannot move %q into itself (%q)", oldRel, newRel)
	}
	n, ok := x.t.nodes[oldRel]
	if !ok {
		apperr.Invariant("no item at %q to move", oldRel)
	}
	if _, taken := x.t.nodes[newRel]; taken {
		apperr.Invariant("move destination %q is taken", newRel)
	}
	dst := x.parentNode(newRel)
	delete(x.parentNode(oldRel).children, item.BaseName(oldRel))
	dst.children[item.BaseName(newRel)] = n

	var moved []Moved
	walk(n, func(c *node) {
		from := c.item.RelativePath()
		to := newRel + strings.TrimPrefix(from, oldRel)
		delete(x.t.nodes, from)
		delete(x.t.parents, from)
		delete(x.t.files, from)
		x.change.Removed = append(x.change.Removed, c.item)
		switch it := c.item.(type) {
		case *item.FileItem:
			nf := it.Retarget(x.t.container, to)
			c.item = nf
			x.t.files[to] = nf
			moved = append(moved, Moved{From: it, To: nf})
		case *item.FolderItem:
			c.item = it.Retarget(x.t.container, to)
		}
		x.t.nodes[to] = c
		x.t.parents[to] = item.ParentPath(to)
		x.change.Added = append(x.change.Added, c.item)
	})
	return moved
}
