package scope

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/docscope/internal/apperr"
	"github.com/starford/docscope/internal/item"
	"github.com/starford/docscope/internal/storage"
	"github.com/starford/docscope/internal/testutil"
)

func writeContent(content string) ContentAction {
	return func(ctx context.Context, b storage.Backend, rel string) (string, error) {
		return "", b.Create(ctx, rel, strings.NewReader(content))
	}
}

func itemPath(t *testing.T, err error) string {
	t.Helper()
	var ie *apperr.ItemError
	if !errors.As(err, &ie) {
		t.Fatalf("error %v is not an item error", err)
	}
	return ie.Path
}

func TestMoveItemsPartialFailure(t *testing.T) {
	r := newRegistry(t)
	b := testutil.NewFakeBackend("docs")
	b.AddFile("a.txt", "a")
	b.AddFile("b.txt", "b")
	b.AddFile("c.txt", "c")
	b.AddFolder("dest")
	s := addScope(t, r, b, RoleNone)

	boom := errors.New("disk full")
	b.Fail("move", "b.txt", boom)

	var (
		mu       sync.Mutex
		statuses []Status
	)
	items := []item.Item{mustLookup(t, s, "a.txt"), mustLookup(t, s, "b.txt"), mustLookup(t, s, "c.txt")}
	res := s.MoveItemsWithStatus(context.Background(), items, mustFolder(t, s, "dest"), func(st Status) {
		mu.Lock()
		statuses = append(statuses, st)
		mu.Unlock()
	})

	if len(res.Items) != 2 || len(res.Errors) != 1 {
		t.Fatalf("result = %d items, %d errors", len(res.Items), len(res.Errors))
	}
	if p := itemPath(t, res.Errors[0]); p != "b.txt" {
		t.Errorf("failed path = %q", p)
	}
	if !errors.Is(res.Errors[0], boom) {
		t.Errorf("error = %v", res.Errors[0])
	}
	for _, rel := range []string{"dest/a.txt", "dest/c.txt", "b.txt"} {
		mustLookup(t, s, rel)
	}
	if _, ok := s.LookupPath("a.txt"); ok {
		t.Error("a.txt still at the old location")
	}
	if len(statuses) != 3 {
		t.Fatalf("statuses = %d", len(statuses))
	}
	for _, st := range statuses {
		if st.Source.Name() == "b.txt" && (st.Err == nil || st.Destination != nil) {
			t.Errorf("status for b.txt = %+v", st)
		}
		if st.Source.Name() != "b.txt" && st.Err != nil {
			t.Errorf("status for %s = %+v", st.Source.Name(), st)
		}
	}
}

func TestMoveItemsCollisionAndSelf(t *testing.T) {
	r := newRegistry(t)
	b := testutil.NewFakeBackend("docs")
	b.AddFile("a.txt", "a")
	b.AddFile("dest/a.txt", "other")
	b.AddFile("dest/inner/x.txt", "x")
	s := addScope(t, r, b, RoleNone)

	dest := mustFolder(t, s, "dest")
	res := s.MoveItems(context.Background(), []item.Item{mustLookup(t, s, "a.txt"), dest}, mustFolder(t, s, "dest/inner"))
	if len(res.Errors) != 1 || !errors.Is(res.Errors[0], apperr.ErrInvalidInput) {
		t.Fatalf("errors = %v", res.Errors)
	}
	if len(res.Items) != 1 {
		t.Fatalf("items = %v", names(res.Items))
	}

	res = s.MoveItems(context.Background(), []item.Item{mustLookup(t, s, "dest/inner/a.txt")}, dest)
	if len(res.Errors) != 1 || !errors.Is(res.Errors[0], apperr.ErrAlreadyExists) {
		t.Fatalf("errors = %v", res.Errors)
	}
	if b.Content("dest/a.txt") != "other" {
		t.Error("existing file overwritten")
	}
}

func TestCreateDocumentAutoRenames(t *testing.T) {
	r := newRegistry(t)
	b := testutil.NewFakeBackend("docs")
	b.AddFile("Report.txt", "old")
	s := addScope(t, r, b, RoleNone)

	f, err := s.CreateDocument(context.Background(), nil, "Report", "txt", writeContent("new"))
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if f.Name() != "Report 2.txt" {
		t.Errorf("name = %q", f.Name())
	}
	if b.Content("Report.txt") != "old" || b.Content("Report 2.txt") != "new" {
		t.Errorf("storage = %v", b.Paths())
	}
	mustLookup(t, s, "Report 2.txt")
}

func TestCreateDocumentLateCollision(t *testing.T) {
	r := newRegistry(t)
	b := testutil.NewFakeBackend("docs")
	s := addScope(t, r, b, RoleNone)

	// Present in storage, unknown to the tree.
	b.AddFile("Report.txt", "old")

	f, err := s.CreateDocument(context.Background(), nil, "Report", "txt", writeContent("new"))
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if f.Name() != "Report 2.txt" {
		t.Errorf("name = %q", f.Name())
	}
	if b.Content("Report.txt") != "old" {
		t.Error("late collision overwrote the existing file")
	}
}

func TestCreateDocumentActionFailure(t *testing.T) {
	r := newRegistry(t)
	b := testutil.NewFakeBackend("docs")
	s := addScope(t, r, b, RoleNone)

	boom := errors.New("template missing")
	_, err := s.CreateDocument(context.Background(), nil, "Plan", "txt",
		func(context.Context, storage.Backend, string) (string, error) { return "", boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if len(s.TopLevelItems()) != 0 {
		t.Error("tree changed after a failed create")
	}
}

func TestAddDocumentOptions(t *testing.T) {
	r := newRegistry(t)
	b := testutil.NewFakeBackend("docs")
	b.AddFile("notes.txt", "existing")
	s := addScope(t, r, b, RoleNone)

	src := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(src, []byte("imported"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := s.AddDocument(ctx, nil, "", src, AddNormally); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Fatalf("AddNormally err = %v", err)
	}

	f, err := s.AddDocument(ctx, nil, "", src, AddByRenaming)
	if err != nil {
		t.Fatalf("AddByRenaming: %v", err)
	}
	if f.Name() != "notes 2.txt" || b.Content("notes 2.txt") != "imported" {
		t.Errorf("renamed add = %q, storage %v", f.Name(), b.Paths())
	}

	f, err = s.AddDocument(ctx, nil, "", src, AddByReplacing)
	if err != nil {
		t.Fatalf("AddByReplacing: %v", err)
	}
	if f.Name() != "notes.txt" || b.Content("notes.txt") != "imported" {
		t.Errorf("replaced add = %q", f.Name())
	}

	f, err = s.AddDocument(ctx, nil, "Summary", src, AddNormally)
	if err != nil {
		t.Fatalf("named add: %v", err)
	}
	if f.Name() != "Summary.txt" {
		t.Errorf("name = %q, want the source extension kept", f.Name())
	}
}

func TestUpdateFileItem(t *testing.T) {
	r := newRegistry(t)
	b := testutil.NewFakeBackend("docs")
	b.AddFile("a.txt", "v1")
	s := addScope(t, r, b, RoleNone)

	before := mustLookup(t, s, "a.txt").(*item.FileItem)
	f, err := s.UpdateFileItem(context.Background(), before, writeContent("v2"))
	if err != nil {
		t.Fatalf("UpdateFileItem: %v", err)
	}
	if b.Content("a.txt") != "v2" {
		t.Error("content not written")
	}
	if !f.UserModificationDate().After(before.UserModificationDate()) {
		t.Error("user modification date not bumped")
	}

	moved, err := s.UpdateFileItem(context.Background(), f, func(ctx context.Context, sb storage.Backend, rel string) (string, error) {
		return "archive/a.txt", sb.Move(ctx, rel, "archive/a.txt", false)
	})
	if err != nil {
		t.Fatalf("relocating update: %v", err)
	}
	if moved.RelativePath() != "archive/a.txt" {
		t.Errorf("path = %q", moved.RelativePath())
	}
	if _, ok := s.LookupPath("a.txt"); ok {
		t.Error("old location still in the tree")
	}
	mustFolder(t, s, "archive")
}

func TestRenameFileItem(t *testing.T) {
	r := newRegistry(t)
	b := testutil.NewFakeBackend("docs")
	b.AddFile("draft.txt", "d")
	b.AddFile("taken.txt", "t")
	s := addScope(t, r, b, RoleNone)
	ctx := context.Background()

	f, err := s.RenameFileItem(ctx, mustLookup(t, s, "draft.txt").(*item.FileItem), "final", "")
	if err != nil {
		t.Fatalf("RenameFileItem: %v", err)
	}
	if f.Name() != "final.txt" || !b.Has("final.txt") {
		t.Errorf("renamed to %q, storage %v", f.Name(), b.Paths())
	}

	_, err = s.RenameFileItem(ctx, f, "taken", "txt")
	if !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("collision err = %v", err)
	}
	_, err = s.RenameFileItem(ctx, f, "a/b", "txt")
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("slash err = %v", err)
	}
}

func TestRenameFolderItem(t *testing.T) {
	r := newRegistry(t)
	b := testutil.NewFakeBackend("docs")
	b.AddFile("proj/a.txt", "a")
	b.AddFile("proj/b.txt", "b")
	b.AddFile("proj/sub/c.txt", "c")
	s := addScope(t, r, b, RoleNone)

	res := s.RenameFolderItem(context.Background(), mustFolder(t, s, "proj"), "project")
	if len(res.Items) != 3 || len(res.Errors) != 0 {
		t.Fatalf("result = %v / %v", names(res.Items), res.Errors)
	}
	for _, it := range res.Items {
		if !strings.HasPrefix(it.RelativePath(), "project/") {
			t.Errorf("item %q not under the new name", it.RelativePath())
		}
	}
	mustLookup(t, s, "project/sub/c.txt")
	if s.Folder("proj") != nil {
		t.Error("old folder still present")
	}
}

func TestRenameFolderItemFailureReportsEveryFile(t *testing.T) {
	r := newRegistry(t)
	b := testutil.NewFakeBackend("docs")
	b.AddFile("proj/a.txt", "a")
	b.AddFile("proj/b.txt", "b")
	b.AddFile("proj/sub/c.txt", "c")
	s := addScope(t, r, b, RoleNone)

	b.Fail("move", "proj", errors.New("locked"))
	res := s.RenameFolderItem(context.Background(), mustFolder(t, s, "proj"), "project")
	if len(res.Items) != 0 || len(res.Errors) != 3 {
		t.Fatalf("result = %v / %v", names(res.Items), res.Errors)
	}
	mustLookup(t, s, "proj/sub/c.txt")
}

func TestCopyItemsFolder(t *testing.T) {
	r := newRegistry(t)
	b := testutil.NewFakeBackend("docs")
	b.AddFile("proj/a.txt", "a")
	b.AddFile("proj/sub/b.txt", "b")
	s := addScope(t, r, b, RoleNone)

	res := s.CopyItems(context.Background(), []item.Item{mustFolder(t, s, "proj")}, nil, nil)
	if len(res.Items) != 1 || len(res.Errors) != 0 {
		t.Fatalf("result = %v / %v", names(res.Items), res.Errors)
	}
	if res.Items[0].RelativePath() != "proj 2" {
		t.Errorf("copy at %q", res.Items[0].RelativePath())
	}
	mustLookup(t, s, "proj 2/sub/b.txt")
	mustLookup(t, s, "proj/sub/b.txt")
	if b.Content("proj 2/a.txt") != "a" {
		t.Error("content not copied")
	}
}

func TestDeleteItemsNested(t *testing.T) {
	r := newRegistry(t)
	b := testutil.NewFakeBackend("docs")
	b.AddFile("proj/a.txt", "a")
	b.AddFile("keep.txt", "k")
	b.AddFile("locked.txt", "l")
	s := addScope(t, r, b, RoleNone)

	b.Fail("delete", "locked.txt", errors.New("in use"))
	items := []item.Item{mustFolder(t, s, "proj"), mustLookup(t, s, "proj/a.txt"), mustLookup(t, s, "locked.txt")}
	res := s.DeleteItems(context.Background(), items)
	if len(res.Items) != 2 || len(res.Errors) != 1 {
		t.Fatalf("result = %v / %v", names(res.Items), res.Errors)
	}
	if p := itemPath(t, res.Errors[0]); p != "locked.txt" {
		t.Errorf("failed path = %q", p)
	}
	if s.Folder("proj") != nil || b.Has("proj/a.txt") {
		t.Error("folder not deleted")
	}
	mustLookup(t, s, "keep.txt")
	mustLookup(t, s, "locked.txt")
}

func TestMakeFolderFromItemsPartial(t *testing.T) {
	r := newRegistry(t)
	b := testutil.NewFakeBackend("docs")
	b.AddFile("a.txt", "a")
	b.AddFile("b.txt", "b")
	s := addScope(t, r, b, RoleNone)

	b.Fail("move", "b.txt", errors.New("locked"))
	folder, res := s.MakeFolderFromItems(context.Background(),
		[]item.Item{mustLookup(t, s, "a.txt"), mustLookup(t, s, "b.txt")}, nil, "")
	if folder == nil {
		t.Fatal("folder not created")
	}
	if folder.Name() != NewFolderName {
		t.Errorf("folder = %q", folder.Name())
	}
	if len(res.Items) != 1 || len(res.Errors) != 1 {
		t.Fatalf("result = %v / %v", names(res.Items), res.Errors)
	}
	if kids := s.Children(folder); len(kids) != 1 || kids[0].Name() != "a.txt" {
		t.Errorf("children = %v", names(kids))
	}

	second, _ := s.MakeFolderFromItems(context.Background(), nil, nil, "")
	if second == nil || second.Name() != NewFolderName+" 2" {
		t.Errorf("second folder = %v", second)
	}
}

func TestTakeItemsBetweenScopes(t *testing.T) {
	r := newRegistry(t)
	src := testutil.NewFakeBackend("inbox")
	src.AddFile("a.txt", "alpha")
	src.AddFile("proj/b.txt", "beta")
	dst := testutil.NewFakeBackend("archive")
	from := addScope(t, r, src, RoleNone)
	to := addScope(t, r, dst, RoleNone)

	res := to.TakeItems(context.Background(), from,
		[]item.Item{mustLookup(t, from, "a.txt"), mustFolder(t, from, "proj")}, nil, nil)
	if len(res.Errors) != 0 {
		t.Fatalf("errors = %v", res.Errors)
	}
	if got := strings.Join(names(res.Items), ","); got != "a.txt,proj/b.txt" {
		t.Errorf("moved files = %s", got)
	}
	if dst.Content("a.txt") != "alpha" || dst.Content("proj/b.txt") != "beta" {
		t.Errorf("destination storage = %v", dst.Paths())
	}
	if src.Has("a.txt") || src.Has("proj") {
		t.Errorf("source storage = %v", src.Paths())
	}
	mustLookup(t, to, "proj/b.txt")
	if _, ok := from.LookupPath("a.txt"); ok {
		t.Error("source tree still holds a.txt")
	}
}

func TestTakeItemsVetoed(t *testing.T) {
	r := newRegistry(t)
	src := testutil.NewFakeBackend("inbox")
	src.AddFile("a.txt", "a")
	src.AddFile("b.txt", "b")
	src.SetHooks(storage.Hooks{Relinquish: func(rel string) error {
		if rel == "b.txt" {
			return errors.New("still syncing")
		}
		return nil
	}})
	dst := testutil.NewFakeBackend("archive")
	from := addScope(t, r, src, RoleNone)
	to := addScope(t, r, dst, RoleNone)

	res := to.TakeItems(context.Background(), from,
		[]item.Item{mustLookup(t, from, "a.txt"), mustLookup(t, from, "b.txt")}, nil, nil)
	if len(res.Items) != 0 || len(res.Errors) != 1 {
		t.Fatalf("result = %v / %v", names(res.Items), res.Errors)
	}
	if !errors.Is(res.Errors[0], apperr.ErrRelinquishRefused) {
		t.Errorf("error = %v", res.Errors[0])
	}
	if !src.Has("a.txt") || !src.Has("b.txt") || len(dst.Paths()) != 0 {
		t.Errorf("storage changed: src %v dst %v", src.Paths(), dst.Paths())
	}
	mustLookup(t, from, "a.txt")
}

func TestTakeItemsSkipsIgnored(t *testing.T) {
	r := newRegistry(t)
	src := testutil.NewFakeBackend("inbox")
	src.AddFile("a.txt", "a")
	src.AddFile("b.txt", "b")
	from := addScope(t, r, src, RoleNone)
	to := addScope(t, r, testutil.NewFakeBackend("archive"), RoleNone)

	b := mustLookup(t, from, "b.txt").(*item.FileItem)
	res := to.TakeItems(context.Background(), from,
		[]item.Item{mustLookup(t, from, "a.txt"), b}, nil, []*item.FileItem{b})
	if len(res.Items) != 1 || len(res.Errors) != 0 {
		t.Fatalf("result = %v / %v", names(res.Items), res.Errors)
	}
	if !src.Has("b.txt") {
		t.Error("ignored file was moved")
	}
}

func TestTakeItemsStreamsContent(t *testing.T) {
	r := newRegistry(t)
	src := testutil.NewFakeBackend("inbox")
	src.AddFile("a.txt", "alpha")
	from := addScope(t, r, src, RoleNone)
	to := addScope(t, r, testutil.NewFakeBackend("archive"), RoleNone)

	res := to.TakeItems(context.Background(), from, []item.Item{mustLookup(t, from, "a.txt")}, nil, nil)
	if len(res.Errors) != 0 {
		t.Fatalf("errors = %v", res.Errors)
	}
	rc, err := to.Backend().Open(context.Background(), "a.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "alpha" {
		t.Errorf("content = %q", data)
	}
}

// blockQueue parks s's serializer until the returned func is called.
func blockQueue(t *testing.T, s *Scope) func() {
	t.Helper()
	gate := make(chan struct{})
	started := make(chan struct{})
	s.queue.RunExclusive(func() error {
		close(started)
		<-gate
		return nil
	})
	<-started
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return release
}

// waitQueued waits until at least n units are pending on s's serializer.
func waitQueued(t *testing.T, s *Scope, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.queue.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("%s: %d units queued, want %d", s.Identifier(), s.queue.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTakeItemsCancelledWhileQueued(t *testing.T) {
	r := newRegistry(t)
	src := testutil.NewFakeBackend("inbox")
	src.AddFile("a.txt", "alpha")
	dst := testutil.NewFakeBackend("archive")
	from := addScope(t, r, src, RoleNone)
	to := addScope(t, r, dst, RoleNone)

	release := blockQueue(t, to)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		done <- to.TakeItems(ctx, from, []item.Item{mustLookup(t, from, "a.txt")}, nil, nil)
	}()

	// The transfer unit and the reconciling unit wait behind the gate.
	waitQueued(t, to, 2)
	cancel()
	release()

	var res Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("take did not return")
	}
	if len(res.Items) != 1 || len(res.Errors) != 0 {
		t.Fatalf("result = %v / %v", names(res.Items), res.Errors)
	}
	if src.Has("a.txt") || !dst.Has("a.txt") {
		t.Errorf("src %v dst %v", src.Paths(), dst.Paths())
	}
	if _, ok := from.LookupPath("a.txt"); ok {
		t.Error("source tree still holds a.txt")
	}
	mustLookup(t, to, "a.txt")
}

func TestTakeItemsWithCancelledContextMovesNothing(t *testing.T) {
	r := newRegistry(t)
	src := testutil.NewFakeBackend("inbox")
	src.AddFile("a.txt", "alpha")
	dst := testutil.NewFakeBackend("archive")
	from := addScope(t, r, src, RoleNone)
	to := addScope(t, r, dst, RoleNone)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := to.TakeItems(ctx, from, []item.Item{mustLookup(t, from, "a.txt")}, nil, nil)
	if len(res.Items) != 0 || len(res.Errors) != 1 || !errors.Is(res.Errors[0], context.Canceled) {
		t.Fatalf("result = %v / %v", names(res.Items), res.Errors)
	}
	if !src.Has("a.txt") || dst.Has("a.txt") {
		t.Errorf("src %v dst %v", src.Paths(), dst.Paths())
	}
}

func TestMoveItemsCancelledWhileQueued(t *testing.T) {
	r := newRegistry(t)
	b := testutil.NewFakeBackend("docs")
	b.AddFile("a.txt", "a")
	b.AddFolder("dest")
	s := addScope(t, r, b, RoleNone)
	a, dest := mustLookup(t, s, "a.txt"), mustFolder(t, s, "dest")

	release := blockQueue(t, s)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		done <- s.MoveItems(ctx, []item.Item{a}, dest)
	}()
	waitQueued(t, s, 2)
	cancel()
	release()

	res := <-done
	if len(res.Items) != 1 || len(res.Errors) != 0 {
		t.Fatalf("result = %v / %v", names(res.Items), res.Errors)
	}
	if !b.Has("dest/a.txt") {
		t.Errorf("backend paths = %v", b.Paths())
	}
	mustLookup(t, s, "dest/a.txt")
}

func TestTakeItemsWithStatusReportsEveryFile(t *testing.T) {
	r := newRegistry(t)
	src := testutil.NewFakeBackend("inbox")
	src.AddFile("proj/a.txt", "a")
	src.AddFile("proj/sub/b.txt", "b")
	src.AddFile("c.txt", "c")
	from := addScope(t, r, src, RoleNone)
	to := addScope(t, r, testutil.NewFakeBackend("archive"), RoleNone)
	to.Backend().(*testutil.FakeBackend).Fail("create", "c.txt", errors.New("quota"))

	var (
		mu       sync.Mutex
		statuses []Status
	)
	res := to.TakeItemsWithStatus(context.Background(), from,
		[]item.Item{mustFolder(t, from, "proj"), mustLookup(t, from, "c.txt")}, nil, nil,
		func(st Status) {
			mu.Lock()
			statuses = append(statuses, st)
			mu.Unlock()
		})

	if got := strings.Join(names(res.Items), ","); got != "proj/a.txt,proj/sub/b.txt" {
		t.Errorf("moved files = %s", got)
	}
	if len(res.Errors) != 1 || itemPath(t, res.Errors[0]) != "c.txt" {
		t.Fatalf("errors = %v", res.Errors)
	}
	if !src.Has("c.txt") {
		t.Error("failed file was removed from the source")
	}
	if len(statuses) != 3 {
		t.Fatalf("statuses = %d", len(statuses))
	}
	for _, st := range statuses {
		switch st.Source.RelativePath() {
		case "c.txt":
			if st.Err == nil || st.Destination != nil {
				t.Errorf("status for c.txt = %+v", st)
			}
		default:
			if st.Err != nil || st.Destination == nil || st.Destination.URL() != "mem://archive/"+st.Source.RelativePath() {
				t.Errorf("status for %s = %+v", st.Source.RelativePath(), st)
			}
		}
	}
}
