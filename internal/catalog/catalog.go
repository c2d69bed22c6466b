package catalog

import (
	"time"

	"github.com/starford/docscope/internal/item"
)

// Store defines the catalog operations scopes depend on.
// Consumers should depend on this interface rather than the concrete *DB type.
type Store interface {
	// Replace overwrites the stored listing of scope.
	Replace(scope string, entries []item.ScanEntry) error
	// Load returns the stored listing of scope, folders before their contents.
	Load(scope string) ([]item.ScanEntry, error)
	// UserDates returns the stored user modification date per path.
	UserDates(scope string) (map[string]time.Time, error)
	// SetUserModified records a user modification date for path.
	SetUserModified(scope, path string, t time.Time) error
	// Rename moves path and everything below it to a new path.
	Rename(scope, from, to string) error
	// Forget removes everything stored for scope.
	Forget(scope string) error
	Close() error
}

// Verify *DB satisfies Store at compile time.
var _ Store = (*DB)(nil)
