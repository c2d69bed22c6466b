// Package storage defines the capabilities a scope expects from its backend.
//
// A backend owns the bytes: it enumerates its container, performs moves,
// copies and deletes, and materializes remote content. Scopes never touch
// storage except through this interface, and always from their serializer.
package storage

import (
	"context"
	"io"

	"github.com/starford/docscope/internal/item"
)

// Kind groups backends for presentation.
type Kind int

const (
	KindLocal Kind = iota
	KindCloud
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindCloud:
		return "cloud"
	default:
		return "unknown"
	}
}

// Hooks are optional backend callbacks. A nil field is a no-op; a nil
// Relinquish always consents.
type Hooks struct {
	// AddedToStore runs after the scope is registered.
	AddedToStore func()
	// RemovedFromStore runs before the scope is torn down.
	RemovedFromStore func()
	// Relinquish is asked before rel leaves this backend in a cross-scope
	// transfer. A non-nil error vetoes the whole transfer.
	Relinquish func(rel string) error
}

// Backend is the storage behind one scope. All paths are relative to the
// backend's container and slash-separated.
type Backend interface {
	Identifier() string
	DisplayName() string
	// DocumentsURL is the absolute container location items are addressed by.
	DocumentsURL() string
	Kind() Kind

	// Scan returns an authoritative enumeration of the container.
	Scan(ctx context.Context) ([]item.ScanEntry, error)
	// RequestDownload makes the content of rel available locally.
	RequestDownload(ctx context.Context, rel string) error

	// Exists reports whether rel is present in storage.
	Exists(ctx context.Context, rel string) (bool, error)
	// Move renames from to to. It fails with apperr.ErrAlreadyExists when to
	// exists and replace is false.
	Move(ctx context.Context, from, to string, replace bool) error
	// Copy duplicates from, recursively for folders, to to.
	Copy(ctx context.Context, from, to string) error
	// MakeFolder creates an empty folder at rel.
	MakeFolder(ctx context.Context, rel string) error
	// Import copies a file or directory from outside the container to rel.
	Import(ctx context.Context, externalPath, rel string, replace bool) error
	// Open reads the file at rel.
	Open(ctx context.Context, rel string) (io.ReadCloser, error)
	// Create writes r to rel, replacing any file there.
	Create(ctx context.Context, rel string, r io.Reader) error
	// DeleteItems removes every rel, recursively for folders. It returns the
	// paths deleted and one error per path that was not.
	DeleteItems(ctx context.Context, rels []string) (deleted []string, errs []error)

	Hooks() Hooks
}

// LocalPather is implemented by backends whose items live on the local file
// system. Transfers out of such a backend import straight from disk instead
// of streaming item by item.
type LocalPather interface {
	LocalPath(rel string) (string, error)
}
