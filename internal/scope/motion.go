package scope

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/starford/docscope/internal/apperr"
	"github.com/starford/docscope/internal/item"
	"github.com/starford/docscope/internal/naming"
	"github.com/starford/docscope/internal/storage"
	"github.com/starford/docscope/internal/tree"
)

// AddOption selects how AddDocument treats an existing item with the same name.
type AddOption int

const (
	// AddNormally fails with apperr.ErrAlreadyExists on a collision.
	AddNormally AddOption = iota
	// AddByReplacing overwrites the existing item.
	AddByReplacing
	// AddByRenaming picks a free disambiguated name.
	AddByRenaming
)

// ContentAction writes a document's content through b at rel and returns the
// location actually written: a relative path, a location inside the
// container, or "" for rel itself.
type ContentAction func(ctx context.Context, b storage.Backend, rel string) (string, error)

const (
	// NewFolderName names folders created from a selection without a name.
	NewFolderName = "New Folder"

	maxNameAttempts = 16
)

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return fmt.Errorf("scope: invalid name %q: %w", name, apperr.ErrInvalidInput)
	}
	return nil
}

// commitName runs write with a free name in folderRel and returns the path it
// succeeded at. A collision reported by storage but unknown to the tree marks
// the name taken and resolution starts again. Names in reserved are treated
// as taken; the committed name is added to it.
func (s *Scope) commitName(folderRel, base, ext string, reserved map[string]struct{}, write func(rel string) error) (string, error) {
	late := make(map[string]struct{})
	taken := naming.Either(s.takenIn(folderRel), naming.InSet(reserved), naming.InSet(late))
	for range maxNameAttempts {
		name := naming.ResolveNewName(taken, base, ext)
		rel := item.ChildPath(folderRel, name)
		err := write(rel)
		if errors.Is(err, apperr.ErrAlreadyExists) {
			s.logger.Debug("motion: late name collision", slog.String("path", rel))
			late[name] = struct{}{}
			continue
		}
		if err == nil && reserved != nil {
			reserved[name] = struct{}{}
		}
		return rel, err
	}
	return "", fmt.Errorf("scope: no free name for %s: %w", naming.Compose(base, ext), apperr.ErrAlreadyExists)
}

// relative turns a location returned by a ContentAction into a relative path.
func (s *Scope) relative(loc, fallback string) (string, error) {
	if loc == "" {
		return fallback, nil
	}
	if rel, ok := item.RelativeTo(loc, s.DocumentsURL()); ok {
		loc = rel
	}
	loc = strings.Trim(loc, "/")
	for _, part := range strings.Split(loc, "/") {
		if err := validName(part); err != nil {
			return "", fmt.Errorf("scope: location %q outside %s: %w", loc, s.Identifier(), apperr.ErrInvalidInput)
		}
	}
	return loc, nil
}

func (s *Scope) persistUserDate(rel string, t time.Time) {
	if s.catalog == nil {
		return
	}
	if err := s.catalog.SetUserModified(s.Identifier(), rel, t); err != nil {
		s.logger.Warn("motion: persist user date failed", slog.String("path", rel), slog.String("error", err.Error()))
	}
}

func (s *Scope) persistRename(from, to string) {
	if s.catalog == nil {
		return
	}
	if err := s.catalog.Rename(s.Identifier(), from, to); err != nil {
		s.logger.Warn("motion: persist rename failed", slog.String("path", from), slog.String("error", err.Error()))
	}
}

// subtree returns every item below folder, parents before children.
func (s *Scope) subtree(folder *item.FolderItem) []item.Item {
	var out []item.Item
	var walk func(*item.FolderItem)
	walk = func(f *item.FolderItem) {
		for _, c := range s.tree.Children(f) {
			out = append(out, c)
			if sub, ok := c.(*item.FolderItem); ok {
				walk(sub)
			}
		}
	}
	walk(folder)
	return out
}

// filesOf returns it itself when it is a file, or the files below it.
func (s *Scope) filesOf(it item.Item) []*item.FileItem {
	if f, ok := it.(*item.FileItem); ok {
		return []*item.FileItem{f}
	}
	return s.tree.FilesUnder(it.RelativePath())
}

// reportFiles streams one status per file at or below src.
func (b *batch) reportFiles(files []*item.FileItem, src item.Item, container, to string, err error) {
	if b.status == nil {
		return
	}
	for _, m := range retargeted(files, src, container, to) {
		st := Status{Source: m.From, Err: err}
		if err == nil {
			st.Destination = m.To
		}
		b.report(st)
	}
}

// AddDocument imports the file or package directory at fromPath into folder
// (the root when nil). baseName replaces the imported name when set; when it
// has no extension the source's extension is kept.
func (s *Scope) AddDocument(ctx context.Context, folder *item.FolderItem, baseName, fromPath string, opt AddOption) (*item.FileItem, error) {
	b := s.newBatch("add", 1, nil)
	name, info, dst, err := s.prepareAdd(folder, baseName, fromPath, opt)
	if err != nil {
		r := b.abort(fromPath, err)
		return nil, r.Errors[0]
	}

	var created *item.FileItem
	err = s.queue.Do(ctx, func() error {
		b.enter(phaseTransferring)
		var (
			rel string
			err error
		)
		if opt == AddByRenaming {
			base, ext := naming.Split(name)
			rel, err = s.commitName(dst.RelativePath(), base, ext, nil, func(rel string) error {
				return s.backend.Import(ctx, fromPath, rel, false)
			})
		} else {
			rel = item.ChildPath(dst.RelativePath(), name)
			err = s.backend.Import(ctx, fromPath, rel, opt == AddByReplacing)
		}
		if err != nil {
			return err
		}

		b.enter(phaseReconciling)
		now := time.Now()
		created = item.NewFile(s.DocumentsURL(), rel, info.IsDir(), info.ModTime(), now)
		s.tree.Update(func(tx *tree.Txn) {
			place(tx, s.DocumentsURL(), rel)
			tx.InsertFile(created)
		})
		s.persistUserDate(rel, now)
		return nil
	})
	if err != nil {
		r := b.abort(item.ChildPath(dst.RelativePath(), name), err)
		return nil, r.Errors[0]
	}
	b.result.Items = []item.Item{created}
	b.complete()
	return created, nil
}

func (s *Scope) prepareAdd(folder *item.FolderItem, baseName, fromPath string, opt AddOption) (string, os.FileInfo, *item.FolderItem, error) {
	dst, err := s.destination(folder)
	if err != nil {
		return "", nil, nil, err
	}
	info, err := os.Stat(fromPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil, nil, fmt.Errorf("scope: add %s: %w", fromPath, apperr.ErrNotFound)
		}
		return "", nil, nil, fmt.Errorf("scope: add %s: %w", fromPath, err)
	}
	srcName := filepath.Base(fromPath)
	name := strings.TrimSpace(baseName)
	switch {
	case name == "":
		name = srcName
	default:
		if _, ext := naming.Split(name); ext == "" {
			_, srcExt := naming.Split(srcName)
			name = naming.Compose(name, srcExt)
		}
	}
	if err := validName(name); err != nil {
		return "", nil, nil, err
	}
	if opt == AddNormally && s.tree.HasChildNamed(dst, name) {
		return "", nil, nil, fmt.Errorf("scope: %s: %w", item.ChildPath(dst.RelativePath(), name), apperr.ErrAlreadyExists)
	}
	return name, info, dst, nil
}

// CreateDocument resolves a free name for baseName.fileType in folder (the
// root when nil) and runs action to write the content there. The item is
// inserted at the location action reports.
func (s *Scope) CreateDocument(ctx context.Context, folder *item.FolderItem, baseName, fileType string, action ContentAction) (*item.FileItem, error) {
	b := s.newBatch("create", 1, nil)
	dst, err := s.destination(folder)
	if err != nil {
		r := b.abort(baseName, err)
		return nil, r.Errors[0]
	}

	var created *item.FileItem
	err = s.queue.Do(ctx, func() error {
		b.enter(phaseTransferring)
		var written string
		rel, err := s.commitName(dst.RelativePath(), baseName, fileType, nil, func(rel string) error {
			exists, err := s.backend.Exists(ctx, rel)
			if err != nil {
				return err
			}
			if exists {
				return apperr.ErrAlreadyExists
			}
			written, err = action(ctx, s.backend, rel)
			return err
		})
		if err != nil {
			return err
		}
		if rel, err = s.relative(written, rel); err != nil {
			return err
		}

		b.enter(phaseReconciling)
		now := time.Now()
		created = item.NewFile(s.DocumentsURL(), rel, false, now, now)
		s.tree.Update(func(tx *tree.Txn) {
			place(tx, s.DocumentsURL(), rel)
			tx.InsertFile(created)
		})
		s.persistUserDate(rel, now)
		return nil
	})
	if err != nil {
		r := b.abort(item.ChildPath(dst.RelativePath(), naming.Compose(baseName, fileType)), err)
		return nil, r.Errors[0]
	}
	b.result.Items = []item.Item{created}
	b.complete()
	return created, nil
}

// UpdateFileItem runs action against file's content and bumps its user
// modification date. action may write to a different location, in which case
// the item moves there.
func (s *Scope) UpdateFileItem(ctx context.Context, file *item.FileItem, action ContentAction) (*item.FileItem, error) {
	b := s.newBatch("update", 1, nil)
	var updated *item.FileItem
	err := s.queue.Do(ctx, func() error {
		cur, err := s.current(file)
		if err != nil {
			return err
		}
		f, ok := cur.(*item.FileItem)
		if !ok {
			return fmt.Errorf("scope: %s is a folder: %w", cur.RelativePath(), apperr.ErrInvalidInput)
		}

		b.enter(phaseTransferring)
		written, err := action(ctx, s.backend, f.RelativePath())
		if err != nil {
			return err
		}
		rel, err := s.relative(written, f.RelativePath())
		if err != nil {
			return err
		}

		b.enter(phaseReconciling)
		now := time.Now()
		updated = f.Retarget(s.DocumentsURL(), rel).WithUserModificationDate(now)
		s.tree.Update(func(tx *tree.Txn) {
			if rel != f.RelativePath() {
				tx.Remove(f.RelativePath())
			}
			place(tx, s.DocumentsURL(), rel)
			tx.InsertFile(updated)
		})
		if rel != f.RelativePath() {
			s.persistRename(f.RelativePath(), rel)
		}
		s.persistUserDate(rel, now)
		return nil
	})
	if err != nil {
		r := b.abort(file.RelativePath(), err)
		return nil, r.Errors[0]
	}
	b.result.Items = []item.Item{updated}
	b.complete()
	return updated, nil
}

// moveApply relocates a transfer within one tree.
func (s *Scope) moveApply(tx *tree.Txn, t *transfer) []item.Item {
	if t.to == t.path() {
		it, _ := tx.Get(t.to)
		return []item.Item{it}
	}
	it, _ := relocate(tx, s.DocumentsURL(), t.src, t.to)
	return []item.Item{it}
}

// moveDo performs a transfer's storage move and streams its statuses.
func (s *Scope) moveDo(ctx context.Context, b *batch) func(*transfer) error {
	return func(t *transfer) error {
		if t.to == t.path() {
			return nil
		}
		files := s.filesOf(t.src)
		err := s.backend.Move(ctx, t.path(), t.to, false)
		b.reportFiles(files, t.src, s.DocumentsURL(), t.to, err)
		if err == nil {
			s.persistRename(t.path(), t.to)
		}
		return err
	}
}

// RenameFileItem renames file to baseName.fileType. An empty fileType keeps
// the current extension.
func (s *Scope) RenameFileItem(ctx context.Context, file *item.FileItem, baseName, fileType string) (*item.FileItem, error) {
	b := s.newBatch("rename-file", 1, nil)
	t, err := s.prepareRename(file, baseName, fileType)
	if err != nil {
		r := b.abort(file.RelativePath(), err)
		return nil, r.Errors[0]
	}
	res := s.run(ctx, b, []*transfer{t}, s.moveDo(ctx, b), s.moveApply)
	if len(res.Errors) > 0 {
		return nil, res.Errors[0]
	}
	return res.Items[0].(*item.FileItem), nil
}

func (s *Scope) prepareRename(file *item.FileItem, baseName, fileType string) (*transfer, error) {
	if file == nil {
		return nil, fmt.Errorf("scope: nil item: %w", apperr.ErrInvalidInput)
	}
	cur, err := s.current(file)
	if err != nil {
		return nil, err
	}
	if fileType == "" {
		_, fileType = naming.Split(cur.Name())
	}
	name := naming.Compose(strings.TrimSpace(baseName), fileType)
	if err := validName(name); err != nil {
		return nil, err
	}
	to := item.ChildPath(item.ParentPath(cur.RelativePath()), name)
	if to != cur.RelativePath() {
		if _, taken := s.tree.LookupPath(to); taken {
			return nil, fmt.Errorf("scope: %s: %w", to, apperr.ErrAlreadyExists)
		}
	}
	return &transfer{src: cur, to: to}, nil
}

// RenameFolderItem renames folder and returns every descendant file at its
// new location. When the rename fails, each descendant file is reported as a
// failure.
func (s *Scope) RenameFolderItem(ctx context.Context, folder *item.FolderItem, baseName string) Result {
	b := s.newBatch("rename-folder", 1, nil)
	if folder == nil {
		return b.abort("", fmt.Errorf("scope: nil folder: %w", apperr.ErrInvalidInput))
	}
	cur, err := s.current(folder)
	if err != nil {
		return b.abort(folder.RelativePath(), err)
	}
	name := strings.TrimSpace(baseName)
	if err := validName(name); err != nil {
		return b.abort(folder.RelativePath(), err)
	}
	to := item.ChildPath(item.ParentPath(cur.RelativePath()), name)
	if to == cur.RelativePath() {
		b.result.Items = filesAsItems(s.tree.FilesUnder(to))
		return b.complete()
	}
	if _, taken := s.tree.LookupPath(to); taken {
		return b.abort(cur.RelativePath(), fmt.Errorf("scope: %s: %w", to, apperr.ErrAlreadyExists))
	}

	descendants := s.tree.FilesUnder(cur.RelativePath())
	t := &transfer{src: cur, to: to}
	res := s.run(ctx, b, []*transfer{t}, s.moveDo(ctx, b), func(tx *tree.Txn, t *transfer) []item.Item {
		_, moved := relocate(tx, s.DocumentsURL(), t.src, t.to)
		out := make([]item.Item, 0, len(moved))
		for _, m := range moved {
			out = append(out, m.To)
		}
		return out
	})
	if len(res.Errors) == 1 && len(descendants) > 0 {
		cause := res.Errors[0]
		var ie *apperr.ItemError
		if errors.As(cause, &ie) {
			cause = ie.Err
		}
		res.Errors = nil
		for _, f := range descendants {
			res.fail(f.RelativePath(), cause)
		}
	}
	return res
}

func filesAsItems(files []*item.FileItem) []item.Item {
	out := make([]item.Item, 0, len(files))
	for _, f := range files {
		out = append(out, f)
	}
	return out
}

// MoveItems moves items into folder (the root when nil) within the scope.
// Items keep their names; a name taken in folder fails that item.
func (s *Scope) MoveItems(ctx context.Context, items []item.Item, folder *item.FolderItem) Result {
	return s.moveItems(ctx, "move", items, folder, nil)
}

// MoveItemsWithStatus is MoveItems with per-file status reporting.
func (s *Scope) MoveItemsWithStatus(ctx context.Context, items []item.Item, folder *item.FolderItem, status StatusFunc) Result {
	return s.moveItems(ctx, "move", items, folder, status)
}

func (s *Scope) moveItems(ctx context.Context, op string, items []item.Item, folder *item.FolderItem, status StatusFunc) Result {
	b := s.newBatch(op, len(items), status)
	dst, err := s.destination(folder)
	if err != nil {
		for _, it := range items {
			b.result.fail(pathOf(it), err)
		}
		return b.complete()
	}

	reserved := make(map[string]struct{})
	transfers := make([]*transfer, 0, len(items))
	for _, it := range items {
		t := &transfer{src: it}
		transfers = append(transfers, t)
		cur, err := s.current(it)
		if err != nil {
			t.err = err
			continue
		}
		t.src = cur
		if cur.IsFolder() && (dst.RelativePath() == cur.RelativePath() || strings.HasPrefix(dst.RelativePath(), cur.RelativePath()+"/")) {
			t.err = fmt.Errorf("scope: cannot move %s into itself: %w", cur.RelativePath(), apperr.ErrInvalidInput)
			continue
		}
		t.to = item.ChildPath(dst.RelativePath(), cur.Name())
		if t.to == cur.RelativePath() {
			continue
		}
		_, inBatch := reserved[cur.Name()]
		if _, taken := s.tree.LookupPath(t.to); taken || inBatch {
			t.err = fmt.Errorf("scope: %s: %w", t.to, apperr.ErrAlreadyExists)
			continue
		}
		reserved[cur.Name()] = struct{}{}
	}
	return s.run(ctx, b, transfers, s.moveDo(ctx, b), s.moveApply)
}

func pathOf(it item.Item) string {
	if it == nil {
		return ""
	}
	return it.RelativePath()
}

// CopyItems duplicates items, recursively for folders, into folder (the root
// when nil). Copies whose name is taken are disambiguated.
func (s *Scope) CopyItems(ctx context.Context, items []item.Item, folder *item.FolderItem, status StatusFunc) Result {
	b := s.newBatch("copy", len(items), status)
	dst, err := s.destination(folder)
	if err != nil {
		for _, it := range items {
			b.result.fail(pathOf(it), err)
		}
		return b.complete()
	}

	transfers := make([]*transfer, 0, len(items))
	for _, it := range items {
		t := &transfer{src: it}
		transfers = append(transfers, t)
		cur, err := s.current(it)
		if err != nil {
			t.err = err
			continue
		}
		t.src = cur
		if cur.IsFolder() && (dst.RelativePath() == cur.RelativePath() || strings.HasPrefix(dst.RelativePath(), cur.RelativePath()+"/")) {
			t.err = fmt.Errorf("scope: cannot copy %s into itself: %w", cur.RelativePath(), apperr.ErrInvalidInput)
		}
	}

	reserved := make(map[string]struct{})
	do := func(t *transfer) error {
		base, ext := t.src.Name(), ""
		if !t.src.IsFolder() {
			base, ext = naming.Split(t.src.Name())
		}
		if f, ok := t.src.(*item.FolderItem); ok {
			t.below = s.subtree(f)
		}
		files := s.filesOf(t.src)
		rel, err := s.commitName(dst.RelativePath(), base, ext, reserved, func(rel string) error {
			return s.backend.Copy(ctx, t.path(), rel)
		})
		t.to = rel
		b.reportFiles(files, t.src, s.DocumentsURL(), rel, err)
		return err
	}
	return s.run(ctx, b, transfers, do, func(tx *tree.Txn, t *transfer) []item.Item {
		return []item.Item{s.insertCopy(tx, s.DocumentsURL(), t)}
	})
}

// insertCopy inserts t.src and the captured subtree at t.to in container.
func (s *Scope) insertCopy(tx *tree.Txn, container string, t *transfer) item.Item {
	place(tx, container, t.to)
	top := insertLike(tx, container, t.src, t.to)
	base := t.src.RelativePath()
	for _, d := range t.below {
		insertLike(tx, container, d, t.to+d.RelativePath()[len(base):])
	}
	return top
}

// TakeItems moves items out of source into folder of this scope (the root
// when nil). source must consent through its relinquish hook first; one
// refusal aborts the transfer with no item moved. Files listed in ignored are
// skipped without being reported. The result lists the moved files, with
// folders expanded into the files below them.
func (s *Scope) TakeItems(ctx context.Context, source *Scope, items []item.Item, folder *item.FolderItem, ignored []*item.FileItem) Result {
	return s.TakeItemsWithStatus(ctx, source, items, folder, ignored, nil)
}

// TakeItemsWithStatus is TakeItems streaming one status per transferred file.
func (s *Scope) TakeItemsWithStatus(ctx context.Context, source *Scope, items []item.Item, folder *item.FolderItem, ignored []*item.FileItem, status StatusFunc) Result {
	res := s.takeItems(ctx, source, items, folder, ignored, false, status)
	files := make([]item.Item, 0, len(res.Items))
	for _, it := range res.Items {
		files = append(files, filesAsItems(s.filesOf(it))...)
	}
	res.Items = files
	return res
}

// takeItems moves items out of source and returns the top-level items as
// they now sit in s.
func (s *Scope) takeItems(ctx context.Context, source *Scope, items []item.Item, folder *item.FolderItem, ignored []*item.FileItem, rename bool, status StatusFunc) Result {
	skip := make(map[string]struct{}, len(ignored))
	for _, f := range ignored {
		if f != nil {
			skip[f.RelativePath()] = struct{}{}
		}
	}
	kept := make([]item.Item, 0, len(items))
	for _, it := range items {
		if f, ok := it.(*item.FileItem); ok {
			if _, ignore := skip[f.RelativePath()]; ignore {
				continue
			}
		}
		kept = append(kept, it)
	}
	if source == s {
		return s.moveItems(ctx, "take", kept, folder, status)
	}

	b := s.newBatch("take", len(kept), status)
	dst, err := s.destination(folder)
	if err != nil {
		for _, it := range kept {
			b.result.fail(pathOf(it), err)
		}
		return b.complete()
	}

	reserved := make(map[string]struct{})
	transfers := make([]*transfer, 0, len(kept))
	var movable []item.Item
	for _, it := range kept {
		t := &transfer{src: it}
		transfers = append(transfers, t)
		cur, err := source.current(it)
		if err != nil {
			t.err = err
			continue
		}
		t.src = cur
		movable = append(movable, cur)
		if rename {
			continue
		}
		t.to = item.ChildPath(dst.RelativePath(), cur.Name())
		_, inBatch := reserved[cur.Name()]
		if _, taken := s.tree.LookupPath(t.to); taken || inBatch {
			t.err = fmt.Errorf("scope: %s: %w", t.to, apperr.ErrAlreadyExists)
			continue
		}
		reserved[cur.Name()] = struct{}{}
	}

	if len(movable) > 0 {
		b.enter(phaseRelinquishing)
		if err := source.PrepareToRelinquish(ctx, movable); err != nil {
			b.logger.Info("motion: transfer vetoed", slog.String("source", source.Identifier()), slog.String("error", err.Error()))
			return b.abort("", err)
		}
	}

	do := func(t *transfer) error {
		if f, ok := t.src.(*item.FolderItem); ok {
			t.below = source.subtree(f)
		}
		err := s.transferIn(ctx, source, t, dst, reserved, rename)
		to := t.to
		if to == "" {
			to = item.ChildPath(dst.RelativePath(), t.src.Name())
		}
		b.reportFiles(source.filesOf(t.src), t.src, s.DocumentsURL(), to, err)
		return err
	}
	res := s.run(ctx, b, transfers, do, func(tx *tree.Txn, t *transfer) []item.Item {
		return []item.Item{s.insertCopy(tx, s.DocumentsURL(), t)}
	})
	return s.releaseSources(ctx, source, transfers, res)
}

// transferIn receives t.src at t.to, or under a free name in dst when rename
// is set.
func (s *Scope) transferIn(ctx context.Context, source *Scope, t *transfer, dst *item.FolderItem, reserved map[string]struct{}, rename bool) error {
	if !rename {
		return s.receive(ctx, source, t.src, t.below, t.to)
	}
	base, ext := t.src.Name(), ""
	if !t.src.IsFolder() {
		base, ext = naming.Split(t.src.Name())
	}
	rel, err := s.commitName(dst.RelativePath(), base, ext, reserved, func(rel string) error {
		return s.receive(ctx, source, t.src, t.below, rel)
	})
	t.to = rel
	return err
}

// receive copies src, with its subtree below, from source's storage to rel in
// this scope's storage.
func (s *Scope) receive(ctx context.Context, source *Scope, src item.Item, below []item.Item, rel string) error {
	if lp, ok := source.backend.(storage.LocalPather); ok {
		p, err := lp.LocalPath(src.RelativePath())
		if err != nil {
			return err
		}
		return s.backend.Import(ctx, p, rel, false)
	}
	if exists, err := s.backend.Exists(ctx, rel); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("scope: %s: %w", rel, apperr.ErrAlreadyExists)
	}
	all := append([]item.Item{src}, below...)
	base := src.RelativePath()
	for _, it := range all {
		to := rel + it.RelativePath()[len(base):]
		if it.IsFolder() {
			if err := s.backend.MakeFolder(ctx, to); err != nil {
				return err
			}
			continue
		}
		if err := s.streamFile(ctx, source, it.RelativePath(), to); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scope) streamFile(ctx context.Context, source *Scope, from, to string) error {
	r, err := source.backend.Open(ctx, from)
	if err != nil {
		return err
	}
	defer r.Close()
	return s.backend.Create(ctx, to, r)
}

// releaseSources deletes what was transferred from source. An item that
// reached this scope but could not be removed from source is reported as a
// failure. The release runs even when ctx has ended: content already copied
// must not stay in both scopes.
func (s *Scope) releaseSources(ctx context.Context, source *Scope, transfers []*transfer, res Result) Result {
	if len(res.Items) == 0 {
		return res
	}
	var rels []string
	for _, t := range transfers {
		if t.err == nil {
			rels = append(rels, t.path())
		}
	}
	if len(rels) == 0 {
		return res
	}
	ctx = context.WithoutCancel(ctx)

	failed := make(map[string]error)
	err := source.queue.Do(ctx, func() error {
		deleted, errs := source.backend.DeleteItems(ctx, rels)
		for _, e := range errs {
			var ie *apperr.ItemError
			if errors.As(e, &ie) {
				failed[ie.Path] = e
			}
		}
		source.tree.Update(func(tx *tree.Txn) {
			for _, rel := range deleted {
				tx.Remove(rel)
			}
		})
		return nil
	})
	if err != nil {
		for _, rel := range rels {
			failed[rel] = err
		}
	}
	if len(failed) == 0 {
		return res
	}

	out := Result{Errors: res.Errors}
	for _, t := range transfers {
		if t.err != nil {
			continue
		}
		if ferr, ok := failed[t.path()]; ok {
			s.logger.Warn("motion: source not released",
				slog.String("source", source.Identifier()),
				slog.String("path", t.path()),
				slog.String("error", ferr.Error()))
			out.fail(t.path(), fmt.Errorf("scope: transferred but not removed from %s: %w", source.Identifier(), ferr))
			continue
		}
		if it, ok := s.tree.LookupPath(t.to); ok {
			out.Items = append(out.Items, it)
		}
	}
	return out
}

// MakeFolderFromItems creates a folder named name (NewFolderName when empty,
// disambiguated when taken) in parent (the root when nil) and moves items
// into it. The folder stays even when some or all moves fail.
func (s *Scope) MakeFolderFromItems(ctx context.Context, items []item.Item, parent *item.FolderItem, name string) (*item.FolderItem, Result) {
	b := s.newBatch("make-folder", len(items), nil)
	failAll := func(err error) Result {
		for _, it := range items {
			b.result.fail(pathOf(it), err)
		}
		if len(items) == 0 {
			b.result.fail("", err)
		}
		return b.complete()
	}

	dst, err := s.destination(parent)
	if err != nil {
		return nil, failAll(err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = NewFolderName
	}
	if err := validName(name); err != nil {
		return nil, failAll(err)
	}

	var created *item.FolderItem
	err = s.queue.Do(ctx, func() error {
		b.enter(phaseTransferring)
		rel, err := s.commitName(dst.RelativePath(), name, "", nil, func(rel string) error {
			return s.backend.MakeFolder(ctx, rel)
		})
		if err != nil {
			return err
		}
		b.enter(phaseReconciling)
		now := time.Now()
		s.tree.Update(func(tx *tree.Txn) {
			place(tx, s.DocumentsURL(), rel)
			created = tx.InsertFolder(item.NewFolder(s.DocumentsURL(), rel, now, now))
		})
		return nil
	})
	if err != nil {
		return nil, failAll(err)
	}
	b.complete()
	return created, s.moveItems(ctx, "make-folder", items, created, nil)
}

// DeleteItems removes items from storage through the backend's batch delete.
// Items inside another item of the same request are deleted with it.
func (s *Scope) DeleteItems(ctx context.Context, items []item.Item) Result {
	b := s.newBatch("delete", len(items), nil)

	type target struct {
		it      item.Item
		path    string
		coverer string // topmost ancestor in the same request
		err     error
	}
	targets := make([]*target, 0, len(items))
	for _, it := range items {
		t := &target{it: it, path: pathOf(it)}
		targets = append(targets, t)
		cur, err := s.current(it)
		if err != nil {
			t.err = err
			continue
		}
		t.it = cur
	}
	valid := make(map[string]bool)
	for _, t := range targets {
		if t.err == nil {
			valid[t.path] = true
		}
	}
	var rels []string
	for _, t := range targets {
		if t.err != nil {
			continue
		}
		for p := item.ParentPath(t.path); p != ""; p = item.ParentPath(p) {
			if valid[p] {
				t.coverer = p
			}
		}
		if t.coverer == "" && !slices.Contains(rels, t.path) {
			rels = append(rels, t.path)
		}
	}
	sort.Strings(rels)

	deletedSet := make(map[string]bool)
	if len(rels) > 0 {
		b.enter(phaseTransferring)
		err := s.queue.Do(ctx, func() error {
			deleted, errs := s.backend.DeleteItems(ctx, rels)
			byPath := make(map[string]error, len(errs))
			for _, e := range errs {
				var ie *apperr.ItemError
				if errors.As(e, &ie) {
					byPath[ie.Path] = e
				}
			}
			b.enter(phaseReconciling)
			s.tree.Update(func(tx *tree.Txn) {
				for _, rel := range deleted {
					tx.Remove(rel)
					deletedSet[rel] = true
				}
			})
			for _, t := range targets {
				if t.err == nil && t.coverer == "" && !deletedSet[t.path] {
					t.err = byPath[t.path]
					if t.err == nil {
						t.err = fmt.Errorf("scope: %s was not deleted: %w", t.path, apperr.ErrConflict)
					}
				}
			}
			return nil
		})
		if err != nil {
			return b.abort("", fmt.Errorf("scope: delete: %w", err))
		}
	}

	for _, t := range targets {
		switch {
		case t.err != nil:
			b.result.fail(t.path, t.err)
		case t.coverer != "" && !deletedSet[t.coverer]:
			b.result.fail(t.path, fmt.Errorf("scope: containing folder %s was not deleted: %w", t.coverer, apperr.ErrConflict))
		default:
			b.result.Items = append(b.result.Items, t.it)
		}
	}
	return b.complete()
}
