package scope

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/starford/docscope/internal/apperr"
	"github.com/starford/docscope/internal/item"
	"github.com/starford/docscope/internal/metrics"
	"github.com/starford/docscope/internal/tree"
)

// Result is the outcome of a batch: the items that succeeded and one error
// per item that did not. Every error is an *apperr.ItemError.
type Result struct {
	Items  []item.Item
	Errors []error
}

func (r *Result) fail(path string, err error) {
	r.Errors = append(r.Errors, apperr.ForItem(path, err))
}

// Status reports the outcome for one file while a batch runs. For folders a
// status is reported for every descendant file.
type Status struct {
	Source      *item.FileItem
	Destination *item.FileItem
	Err         error
}

// StatusFunc receives statuses on the serializer goroutine. It must not block.
type StatusFunc func(Status)

type phase int

const (
	phasePreparing phase = iota
	phaseRelinquishing
	phaseTransferring
	phaseReconciling
	phaseCompleted
)

func (p phase) String() string {
	switch p {
	case phasePreparing:
		return "preparing"
	case phaseRelinquishing:
		return "relinquishing"
	case phaseTransferring:
		return "transferring"
	case phaseReconciling:
		return "reconciling"
	case phaseCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// batch is one caller-issued operation moving through its phases.
type batch struct {
	id     string
	op     string
	phase  phase
	logger *slog.Logger
	status StatusFunc
	start  time.Time
	result Result
}

func (s *Scope) newBatch(op string, n int, status StatusFunc) *batch {
	b := &batch{
		id:     uuid.NewString(),
		op:     op,
		phase:  phasePreparing,
		status: status,
		start:  time.Now(),
	}
	b.logger = s.logger.With(slog.String("batch", b.id), slog.String("op", op))
	b.logger.Debug("motion: batch preparing", slog.Int("items", n))
	return b
}

func (b *batch) enter(p phase) {
	b.logger.Debug("motion: batch phase",
		slog.String("from", b.phase.String()),
		slog.String("to", p.String()))
	b.phase = p
}

func (b *batch) report(st Status) {
	if b.status != nil {
		b.status(st)
	}
}

// complete closes the batch and returns its result.
func (b *batch) complete() Result {
	b.enter(phaseCompleted)
	metrics.RecordBatch(b.op, len(b.result.Items), len(b.result.Errors))
	b.logger.Debug("motion: batch completed",
		slog.Int("succeeded", len(b.result.Items)),
		slog.Int("failed", len(b.result.Errors)),
		slog.Duration("took", time.Since(b.start)))
	return b.result
}

// abort ends the batch with a single error, used when the batch as a whole
// could not run: a relinquish veto, a gone scope, a context that ended before
// any unit was queued. abort leaves b.result alone.
func (b *batch) abort(path string, err error) Result {
	var r Result
	r.fail(path, err)
	metrics.RecordBatch(b.op, 0, 1)
	b.logger.Debug("motion: batch aborted",
		slog.String("error", err.Error()),
		slog.Duration("took", time.Since(b.start)))
	return r
}

// transfer is one top-level item of a batch.
type transfer struct {
	src   item.Item
	to    string      // destination relative path
	below []item.Item // src's descendants, captured when a copy starts
	err   error
}

func (t *transfer) path() string { return t.src.RelativePath() }

// run executes a batch's transfers on s's serializer, one unit per transfer,
// followed by one reconciling unit that applies every success to the tree in
// a single update. Transfers that already failed during preparation are
// skipped. Once the units are queued run waits for the reconciling unit
// regardless of ctx, since abandoning the wait would misreport work that
// still happens.
func (s *Scope) run(ctx context.Context, b *batch, transfers []*transfer,
	do func(*transfer) error, apply func(*tree.Txn, *transfer) []item.Item) Result {
	if err := ctx.Err(); err != nil {
		return b.abort("", fmt.Errorf("scope: %s: %w", b.op, err))
	}
	b.enter(phaseTransferring)
	for _, t := range transfers {
		if t.err != nil {
			continue
		}
		s.queue.RunExclusive(func() error {
			t.err = do(t)
			return t.err
		})
	}
	done := s.queue.RunExclusive(func() error {
		b.enter(phaseReconciling)
		s.tree.Update(func(tx *tree.Txn) {
			for _, t := range transfers {
				if t.err != nil {
					continue
				}
				b.result.Items = append(b.result.Items, apply(tx, t)...)
			}
		})
		for _, t := range transfers {
			if t.err != nil {
				b.result.fail(t.path(), t.err)
			}
		}
		metrics.SetScopeItems(s.Identifier(), s.tree.Len())
		return nil
	})
	<-done.Done()
	if err := done.Err(); err != nil {
		return b.abort("", fmt.Errorf("scope: %s: %w", b.op, err))
	}
	return b.complete()
}

// current resolves it to the value currently in the tree.
func (s *Scope) current(it item.Item) (item.Item, error) {
	if it == nil {
		return nil, fmt.Errorf("scope: nil item: %w", apperr.ErrInvalidInput)
	}
	if !item.IsInContainer(it.URL(), s.DocumentsURL()) {
		return nil, fmt.Errorf("scope: %s is not in %s: %w", it.URL(), s.Identifier(), apperr.ErrInvalidInput)
	}
	if it.RelativePath() == "" {
		return nil, fmt.Errorf("scope: the root folder cannot be transferred: %w", apperr.ErrInvalidInput)
	}
	cur, ok := s.tree.LookupPath(it.RelativePath())
	if !ok || cur.IsFolder() != it.IsFolder() {
		return nil, fmt.Errorf("scope: %s: %w", it.RelativePath(), apperr.ErrNotFound)
	}
	return cur, nil
}

// destination resolves folder to the folder currently in the tree, nil
// meaning the root.
func (s *Scope) destination(folder *item.FolderItem) (*item.FolderItem, error) {
	if folder == nil {
		return s.RootFolder(), nil
	}
	if !item.IsInContainer(folder.URL(), s.DocumentsURL()) {
		return nil, fmt.Errorf("scope: %s is not in %s: %w", folder.URL(), s.Identifier(), apperr.ErrInvalidInput)
	}
	f := s.tree.Folder(folder.RelativePath())
	if f == nil {
		return nil, fmt.Errorf("scope: folder %s: %w", folder.RelativePath(), apperr.ErrNotFound)
	}
	return f, nil
}

// ensureFolders inserts the folders leading to rel that the tree does not
// know yet. Storage is authoritative: a file in the way is stale and dropped.
func ensureFolders(tx *tree.Txn, container, rel string) {
	parent := item.ParentPath(rel)
	if parent == "" {
		return
	}
	if it, ok := tx.Get(parent); ok {
		if it.IsFolder() {
			return
		}
		tx.Remove(parent)
	}
	ensureFolders(tx, container, parent)
	tx.InsertFolder(item.NewFolder(container, parent, time.Time{}, time.Time{}))
}

// place makes rel free and its parents present.
func place(tx *tree.Txn, container, rel string) {
	ensureFolders(tx, container, rel)
	tx.Remove(rel)
}

// relocate moves the tree node at from to to, tolerating a tree that lags
// storage. It returns the item now at to and the moved files.
func relocate(tx *tree.Txn, container string, src item.Item, to string) (item.Item, []tree.Moved) {
	place(tx, container, to)
	var moved []tree.Moved
	if _, ok := tx.Get(src.RelativePath()); ok {
		moved = tx.Move(src.RelativePath(), to)
	} else {
		insertLike(tx, container, src, to)
	}
	it, _ := tx.Get(to)
	return it, moved
}

// insertLike inserts an item shaped like src at to.
func insertLike(tx *tree.Txn, container string, src item.Item, to string) item.Item {
	switch v := src.(type) {
	case *item.FileItem:
		f := v.Retarget(container, to)
		tx.InsertFile(f)
		return f
	case *item.FolderItem:
		return tx.InsertFolder(v.Retarget(container, to))
	}
	return nil
}

// retargeted maps the files at or below src onto to, as they will look after
// a transfer into container.
func retargeted(files []*item.FileItem, src item.Item, container, to string) []tree.Moved {
	out := make([]tree.Moved, 0, len(files))
	for _, f := range files {
		rel := to + f.RelativePath()[len(src.RelativePath()):]
		out = append(out, tree.Moved{From: f, To: f.Retarget(container, rel)})
	}
	return out
}
