// Package item defines the values that make up a scope's tree.
package item

import (
	"strings"
	"time"
)

// Item is a node of a scope tree: either a *FileItem or a *FolderItem.
//
// Items are immutable. A move or metadata change produces a new value; the
// tree swaps it in. An item never points at its parent, the tree keeps a
// derived child-to-parent index instead.
type Item interface {
	// RelativePath is the slash-separated path from the scope root. The root
	// folder's path is "".
	RelativePath() string
	// URL is the absolute location, always inside the scope's documents URL.
	URL() string
	Name() string
	IsFolder() bool
	FileModificationDate() time.Time
	UserModificationDate() time.Time
}

type base struct {
	relativePath string
	url          string
	fileMod      time.Time
	userMod      time.Time
}

func (b base) RelativePath() string            { return b.relativePath }
func (b base) URL() string                     { return b.url }
func (b base) Name() string                    { return BaseName(b.relativePath) }
func (b base) FileModificationDate() time.Time { return b.fileMod }
func (b base) UserModificationDate() time.Time { return b.userMod }

// FileItem is a leaf of the tree. Package documents stored as directories are
// still FileItems, with IsDirectory reporting true.
type FileItem struct {
	base
	isDirectory  bool
	isDownloaded bool
}

// NewFile builds a FileItem for rel inside container.
func NewFile(container, rel string, isDirectory bool, fileMod, userMod time.Time) *FileItem {
	return &FileItem{
		base: base{
			relativePath: rel,
			url:          Join(container, rel),
			fileMod:      fileMod,
			userMod:      userMod,
		},
		isDirectory:  isDirectory,
		isDownloaded: true,
	}
}

func (f *FileItem) IsFolder() bool     { return false }
func (f *FileItem) IsDirectory() bool  { return f.isDirectory }
func (f *FileItem) IsDownloaded() bool { return f.isDownloaded }

// WithDownloaded returns a copy of f with the downloaded flag set.
func (f *FileItem) WithDownloaded(downloaded bool) *FileItem {
	c := *f
	c.isDownloaded = downloaded
	return &c
}

// WithUserModificationDate returns a copy of f with a new user modification date.
func (f *FileItem) WithUserModificationDate(t time.Time) *FileItem {
	c := *f
	c.userMod = t
	return &c
}

// Retarget returns a copy of f placed at rel inside container.
func (f *FileItem) Retarget(container, rel string) *FileItem {
	c := *f
	c.relativePath = rel
	c.url = Join(container, rel)
	return &c
}

// FolderItem is a branch of the tree. Its children are owned by the tree and
// looked up through it.
type FolderItem struct {
	base
}

// NewFolder builds a FolderItem for rel inside container.
func NewFolder(container, rel string, fileMod, userMod time.Time) *FolderItem {
	return &FolderItem{base: base{
		relativePath: rel,
		url:          Join(container, rel),
		fileMod:      fileMod,
		userMod:      userMod,
	}}
}

func (f *FolderItem) IsFolder() bool { return true }

// IsRoot reports whether f is a scope's root folder.
func (f *FolderItem) IsRoot() bool { return f.relativePath == "" }

// Retarget returns a copy of f placed at rel inside container.
func (f *FolderItem) Retarget(container, rel string) *FolderItem {
	c := *f
	c.relativePath = rel
	c.url = Join(container, rel)
	return &c
}

// ScanEntry is one path reported by a backend enumeration.
type ScanEntry struct {
	RelativePath string
	IsFolder     bool
	// IsDirectory marks a package document: a directory that is a FileItem.
	IsDirectory  bool
	FileModTime  time.Time
	UserModTime  time.Time
	IsDownloaded bool
}

// Join appends a relative path to a container location.
func Join(container, rel string) string {
	container = strings.TrimSuffix(container, "/")
	if rel == "" {
		return container
	}
	return container + "/" + rel
}

// IsInContainer reports whether location is container itself or lies below it.
func IsInContainer(location, container string) bool {
	container = strings.TrimSuffix(container, "/")
	return location == container || strings.HasPrefix(location, container+"/")
}

// RelativeTo returns location's path relative to container.
func RelativeTo(location, container string) (string, bool) {
	if !IsInContainer(location, container) {
		return "", false
	}
	container = strings.TrimSuffix(container, "/")
	return strings.TrimPrefix(strings.TrimPrefix(location, container), "/"), true
}

// ParentPath returns the relative path of rel's parent folder ("" for top level).
func ParentPath(rel string) string {
	i := strings.LastIndexByte(rel, '/')
	if i < 0 {
		return ""
	}
	return rel[:i]
}

// ChildPath joins a folder's relative path with a child name.
func ChildPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// BaseName returns the last element of rel.
func BaseName(rel string) string {
	return rel[strings.LastIndexByte(rel, '/')+1:]
}
