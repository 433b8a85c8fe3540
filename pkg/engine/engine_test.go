package engine

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/fastfile/ntfsindex/pkg/fileindex"
	"github.com/fastfile/ntfsindex/pkg/search"
	"github.com/fastfile/ntfsindex/pkg/walk"
)

// fakeWalker is a walk.Walker stand-in that returns a pre-built FileIndex
// (or a canned error) without touching any real filesystem or volume.
type fakeWalker struct {
	fi      *fileindex.FileIndex
	err     error
	started chan struct{} // closed once Walk is entered, if non-nil
	release chan struct{} // Walk blocks here until closed, if non-nil
}

func (w *fakeWalker) Walk(root string, cancelled func() bool, progress func(walk.Progress)) (*fileindex.FileIndex, error) {
	if w.started != nil {
		close(w.started)
	}
	if w.release != nil {
		<-w.release
	}
	if progress != nil {
		progress(walk.Progress{RecordsVisited: 1, Done: true})
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.fi, nil
}

// buildFixture is spec.md §8 scenario 1's index: C:/a.txt, C:/b/c.txt.
func buildFixture() *fileindex.FileIndex {
	names := "C:\x00a.txt\x00b\x00c.txt\x00"
	lower := "c:\x00a.txt\x00b\x00c.txt\x00"
	return &fileindex.FileIndex{
		Entries: []fileindex.FileEntry{
			{ParentID: 0, Size: 300, NameAndKind: fileindex.DirBit | 0},
			{ParentID: 0, Size: 100, NameAndKind: 3},
			{ParentID: 0, Size: 200, NameAndKind: fileindex.DirBit | 9},
			{ParentID: 2, Size: 200, NameAndKind: 11},
		},
		Names:      []byte(names),
		LowerNames: []byte(lower),
	}
}

func waitForIDs(t *testing.T, e *Engine, want []uint32) search.Results {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last search.Results
	for time.Now().Before(deadline) {
		last = e.TakeResults()
		if reflect.DeepEqual(last.IDs, want) {
			return last
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("results never settled to %v, last seen %v", want, last.IDs)
	return search.Results{}
}

func newTestEngine(w walk.Walker) *Engine {
	e := New("C:")
	e.mftWalker = w
	e.dirWalker = &fakeWalker{err: errors.New("dirwalk should not be used in this test")}
	return e
}

func TestRefreshIndexPublishesIndexAndNotifiesSearch(t *testing.T) {
	e := newTestEngine(&fakeWalker{fi: buildFixture()})
	defer e.Close()

	if err := e.RefreshIndex(""); err != nil {
		t.Fatalf("RefreshIndex: %v", err)
	}
	if got := e.CurrentState(); got != Ready {
		t.Fatalf("CurrentState() = %v, want Ready", got)
	}
	if got := e.Index().Len(); got != 4 {
		t.Fatalf("Index().Len() = %d, want 4", got)
	}

	e.SubmitQuery(search.Query{
		Pattern:         "c.txt",
		AllowSubstrings: true,
		IncludeFiles:    true,
		IncludeDirs:     true,
	})
	waitForIDs(t, e, []uint32{3})
}

func TestRefreshIndexFallsBackToDirWalkOnMftFailure(t *testing.T) {
	e := New("C:")
	e.mftWalker = &fakeWalker{err: walk.ErrRawVolumeUnavailable}
	e.dirWalker = &fakeWalker{fi: buildFixture()}
	defer e.Close()

	if err := e.RefreshIndex(""); err != nil {
		t.Fatalf("RefreshIndex: %v", err)
	}
	if got := e.Index().Len(); got != 4 {
		t.Fatalf("Index().Len() = %d, want 4 (from the dirwalk fallback)", got)
	}
}

func TestRefreshIndexSurfacesErrorWhenBothWalkersFail(t *testing.T) {
	e := New("C:")
	e.mftWalker = &fakeWalker{err: walk.ErrRawVolumeUnavailable}
	e.dirWalker = &fakeWalker{err: walk.ErrDeniedPrivileges}
	defer e.Close()

	err := e.RefreshIndex("")
	if !errors.Is(err, walk.ErrDeniedPrivileges) {
		t.Fatalf("RefreshIndex error = %v, want wrapping walk.ErrDeniedPrivileges", err)
	}
	if got := e.CurrentState(); got != Idle {
		t.Fatalf("CurrentState() = %v, want Idle after a failed build", got)
	}
}

func TestRefreshIndexRejectsConcurrentBuild(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	e := newTestEngine(&fakeWalker{fi: buildFixture(), started: started, release: release})
	defer e.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- e.RefreshIndex("") }()

	<-started
	if err := e.RefreshIndex(""); !errors.Is(err, ErrBuildInProgress) {
		t.Fatalf("second RefreshIndex error = %v, want ErrBuildInProgress", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first RefreshIndex: %v", err)
	}
}

func TestSaveAndLoadIndexRoundTrip(t *testing.T) {
	e := newTestEngine(&fakeWalker{fi: buildFixture()})
	defer e.Close()

	path := t.TempDir() + "/index.dat"
	if err := e.RefreshIndex(path); err != nil {
		t.Fatalf("RefreshIndex: %v", err)
	}

	e2 := New("C:")
	defer e2.Close()
	if err := e2.LoadIndex(path); err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	if got := e2.CurrentState(); got != Ready {
		t.Fatalf("CurrentState() = %v, want Ready", got)
	}
	if got, want := e2.Index().Len(), e.Index().Len(); got != want {
		t.Fatalf("loaded Len() = %d, want %d", got, want)
	}
	if got, want := e2.Sorts().Len(), e2.Index().Len(); got != want {
		t.Fatalf("loaded Sorts().Len() = %d, want %d", got, want)
	}
}

func TestEntryNameFullPath(t *testing.T) {
	e := newTestEngine(&fakeWalker{fi: buildFixture()})
	defer e.Close()
	if err := e.RefreshIndex(""); err != nil {
		t.Fatalf("RefreshIndex: %v", err)
	}

	entry, ok := e.Entry(3)
	if !ok {
		t.Fatal("Entry(3) not found")
	}
	if entry.Size != 200 {
		t.Errorf("Entry(3).Size = %v, want 200", entry.Size)
	}
	if got := e.Name(3); got != "c.txt" {
		t.Errorf("Name(3) = %q, want c.txt", got)
	}
	if got, want := e.FullPath(3), `C:\b\c.txt`; got != want {
		t.Errorf("FullPath(3) = %q, want %q", got, want)
	}

	if _, ok := e.Entry(99); ok {
		t.Error("Entry(99) should report not found")
	}
}

func TestRefreshIndexResubmitsLastQuery(t *testing.T) {
	e := newTestEngine(&fakeWalker{fi: buildFixture()})
	defer e.Close()

	// Submit before any index exists: the search worker evaluates against
	// an empty FileIndex and publishes empty results.
	e.SubmitQuery(search.Query{
		Pattern:         "c.txt",
		AllowSubstrings: true,
		IncludeFiles:    true,
		IncludeDirs:     true,
	})
	waitForIDs(t, e, nil)

	if err := e.RefreshIndex(""); err != nil {
		t.Fatalf("RefreshIndex: %v", err)
	}
	// RefreshIndex must re-run the last submitted query against the newly
	// published index without a fresh SubmitQuery call.
	waitForIDs(t, e, []uint32{3})
}
