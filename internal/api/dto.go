package api

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/docscope/internal/item"
	"github.com/starford/docscope/internal/scope"
)

// ScopeDTO describes one registered scope.
type ScopeDTO struct {
	ID      string `json:"id" example:"docs" validate:"required"`
	Name    string `json:"name" example:"Documents" validate:"required"`
	Kind    string `json:"kind" example:"local" validate:"required"`
	Role    string `json:"role,omitempty" example:"trash"`
	URL     string `json:"url" example:"/srv/docs" validate:"required"`
	Items   int    `json:"items" example:"42"`
	Scanned bool   `json:"scanned" example:"true"`
}

// ItemDTO describes a file or folder.
type ItemDTO struct {
	Path         string    `json:"path" example:"reports/q1.txt" validate:"required"`
	Name         string    `json:"name" example:"q1.txt" validate:"required"`
	URL          string    `json:"url" example:"/srv/docs/reports/q1.txt" validate:"required"`
	Folder       bool      `json:"folder"`
	Package      bool      `json:"package,omitempty"`
	Downloaded   bool      `json:"downloaded,omitempty"`
	FileModified time.Time `json:"file_modified"`
	UserModified time.Time `json:"user_modified"`
}

// ItemErrorDTO is one failed item of a batch.
type ItemErrorDTO struct {
	Path  string `json:"path" example:"reports/q1.txt"`
	Error string `json:"error" example:"already exists" validate:"required"`
}

// BatchResponse is returned by every batch operation.
type BatchResponse struct {
	Items  []ItemDTO      `json:"items" validate:"required"`
	Errors []ItemErrorDTO `json:"errors" validate:"required"`
}

// FolderResponse is returned when a folder is made from a selection.
type FolderResponse struct {
	Folder *ItemDTO `json:"folder"`
	BatchResponse
}

// TrashResponse carries the new location of a trashed item.
type TrashResponse struct {
	URL string `json:"url" example:"/srv/trash/q1 2.txt" validate:"required"`
}

func scopeDTO(s *scope.Scope) ScopeDTO {
	role := ""
	switch {
	case s.IsTrash():
		role = scope.RoleTrash.String()
	case s.IsTemplate():
		role = scope.RoleTemplate.String()
	}
	return ScopeDTO{
		ID:      s.Identifier(),
		Name:    s.DisplayName(),
		Kind:    s.Kind().String(),
		Role:    role,
		URL:     s.DocumentsURL(),
		Items:   len(s.FileItems()),
		Scanned: s.HasFinishedInitialScan(),
	}
}

func itemDTO(it item.Item) ItemDTO {
	d := ItemDTO{
		Path:         it.RelativePath(),
		Name:         it.Name(),
		URL:          it.URL(),
		Folder:       it.IsFolder(),
		FileModified: it.FileModificationDate(),
		UserModified: it.UserModificationDate(),
	}
	if f, ok := it.(*item.FileItem); ok {
		d.Package = f.IsDirectory()
		d.Downloaded = f.IsDownloaded()
	}
	return d
}

func itemDTOs(items []item.Item) []ItemDTO {
	out := make([]ItemDTO, 0, len(items))
	for _, it := range items {
		out = append(out, itemDTO(it))
	}
	return out
}

// CreateDocumentRequest is the request body for creating a document.
type CreateDocumentRequest struct {
	Folder  string `json:"folder" example:"reports"`
	Name    string `json:"name" example:"Report" validate:"required"`
	Type    string `json:"type" example:"txt"`
	Content string `json:"content" example:"hello"`
}

func (r CreateDocumentRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.Type, validation.Length(0, 32)),
	)
}

// Import options.
const (
	ImportNormal  = "normal"
	ImportReplace = "replace"
	ImportRename  = "rename"
)

// ImportRequest is the request body for importing a file from the server's
// file system.
type ImportRequest struct {
	Folder   string `json:"folder" example:"reports"`
	Name     string `json:"name" example:"Q1"`
	FromPath string `json:"from_path" example:"/tmp/q1.txt" validate:"required"`
	Option   string `json:"option" example:"rename" enums:"normal,replace,rename"`
}

func (r ImportRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.FromPath, validation.Required),
		validation.Field(&r.Option, validation.In(ImportNormal, ImportReplace, ImportRename)),
	)
}

func (r ImportRequest) addOption() scope.AddOption {
	switch r.Option {
	case ImportReplace:
		return scope.AddByReplacing
	case ImportRename:
		return scope.AddByRenaming
	default:
		return scope.AddNormally
	}
}

// ItemsRequest names items of a scope and, for copy and move, a destination
// folder. An empty folder is the root.
type ItemsRequest struct {
	Paths  []string `json:"paths" example:"a.txt,b.txt" validate:"required"`
	Folder string   `json:"folder" example:"archive"`
}

func (r ItemsRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Paths, validation.Required),
	)
}

// TakeRequest moves items from another scope into this one.
type TakeRequest struct {
	Source  string   `json:"source" example:"inbox" validate:"required"`
	Paths   []string `json:"paths" example:"a.txt" validate:"required"`
	Folder  string   `json:"folder" example:"archive"`
	Ignored []string `json:"ignored,omitempty" example:"b.txt"`
}

func (r TakeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Source, validation.Required),
		validation.Field(&r.Paths, validation.Required),
	)
}

// RenameRequest renames a file or folder. Type applies to files only; when
// empty the current extension is kept.
type RenameRequest struct {
	Path string `json:"path" example:"draft.txt" validate:"required"`
	Name string `json:"name" example:"final" validate:"required"`
	Type string `json:"type" example:"txt"`
}

func (r RenameRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Path, validation.Required),
		validation.Field(&r.Name, validation.Required, validation.Length(1, 255)),
	)
}

// FolderRequest creates a folder in Parent and moves Paths into it.
type FolderRequest struct {
	Parent string   `json:"parent" example:"reports"`
	Name   string   `json:"name" example:"2024"`
	Paths  []string `json:"paths" example:"a.txt,b.txt"`
}

func (r FolderRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Length(0, 255)),
	)
}

// TrashRequest names the item to move to the trash scope.
type TrashRequest struct {
	URL string `json:"url" example:"/srv/docs/a.txt" validate:"required"`
}

func (r TrashRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.URL, validation.Required),
	)
}
