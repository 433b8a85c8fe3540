// Package engine drives the build/publish/search orchestration state
// machine of spec.md §4.7/§5: it wires the walkers (pkg/walk/mft,
// pkg/walk/dirwalk), the codec, the sort-index builder, and the search
// worker together behind the collaborator interface a presentation layer
// (here, cmd/ntfsindex) calls into.
package engine

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/fastfile/ntfsindex/pkg/codec"
	"github.com/fastfile/ntfsindex/pkg/fileindex"
	"github.com/fastfile/ntfsindex/pkg/search"
	"github.com/fastfile/ntfsindex/pkg/sortindex"
	"github.com/fastfile/ntfsindex/pkg/walk"
	"github.com/fastfile/ntfsindex/pkg/walk/dirwalk"
	"github.com/fastfile/ntfsindex/pkg/walk/mft"
)

// State names the build state machine of spec.md §4.7:
// Idle → Building → Publishing → Indexing → Ready.
type State int

const (
	Idle State = iota
	Building
	Publishing
	Indexing
	Ready
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Building:
		return "building"
	case Publishing:
		return "publishing"
	case Indexing:
		return "indexing"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// ErrBuildInProgress is returned by RefreshIndex when a prior build is still
// running, per spec.md §4.7's Idle→Building transition ("if a prior build
// is in flight, reject").
var ErrBuildInProgress = fmt.Errorf("engine: a build is already in progress")

// Engine is the single orchestration object a presentation layer drives. Its
// zero value is not usable; construct with New.
type Engine struct {
	root string

	mftWalker walk.Walker
	dirWalker walk.Walker
	codec     *codec.Codec

	// buildMu serializes RefreshIndex calls and stands in for the
	// Idle/Building state transition: a failed TryLock means a build is
	// already running.
	buildMu sync.Mutex
	state   struct {
		mu sync.RWMutex
		v  State
	}

	// global guards fi: the publisher takes it exclusively only for the
	// pointer swap; readers (search, sort-index build, persistence) take
	// it shared. Mirrors spec.md §5's "global" latch.
	global sync.RWMutex
	fi     *fileindex.FileIndex

	// indexes guards sorts, spec.md §5's distinct "indexes" latch.
	indexes sync.RWMutex
	sorts   *sortindex.Set

	// file serializes on-disk persistence, spec.md §5's "file" latch.
	file sync.Mutex

	progressMu sync.RWMutex
	progress   walk.Progress

	search *search.Engine

	lastQueryMu sync.Mutex
	lastQuery   search.Query
	haveQuery   bool
}

// New constructs an Engine for the given volume root (e.g. "C:" on Windows,
// or a directory path anywhere the MFT walker is unavailable and the
// dirwalk fallback is used instead). The engine starts empty: call
// RefreshIndex or LoadIndex before submitting queries.
func New(root string) *Engine {
	e := &Engine{
		root:      root,
		mftWalker: &mft.Walker{},
		dirWalker: &dirwalk.Walker{},
		codec:     codec.New(),
		fi:        &fileindex.FileIndex{},
	}
	e.search = search.NewEngine(e)
	return e
}

// Index implements search.Source: it hands back the current published
// FileIndex pointer under the global latch's read side.
func (e *Engine) Index() *fileindex.FileIndex {
	e.global.RLock()
	defer e.global.RUnlock()
	return e.fi
}

// Sorts implements search.Source the same way, guarded by the indexes
// latch.
func (e *Engine) Sorts() *sortindex.Set {
	e.indexes.RLock()
	defer e.indexes.RUnlock()
	return e.sorts
}

func (e *Engine) setState(s State) {
	e.state.mu.Lock()
	e.state.v = s
	e.state.mu.Unlock()
}

// CurrentState reports the build state machine's current state.
func (e *Engine) CurrentState() State {
	e.state.mu.RLock()
	defer e.state.mu.RUnlock()
	return e.state.v
}

// Progress reads the shared progress gauge last reported by a walker in
// flight (or the final snapshot of the most recent completed build).
func (e *Engine) Progress() walk.Progress {
	e.progressMu.RLock()
	defer e.progressMu.RUnlock()
	return e.progress
}

func (e *Engine) reportProgress(p walk.Progress) {
	e.progressMu.Lock()
	e.progress = p
	e.progressMu.Unlock()
}

// RefreshIndex drives the Idle→Building→Publishing→Indexing→Ready state
// machine of spec.md §4.7. It walks the volume (MFT first, falling back to
// a directory walk when raw access is unavailable), publishes the new
// FileIndex, then concurrently builds the sort permutations and persists
// the index to indexPath, notifying the search worker of the new data once
// both finish. It blocks until the whole cycle completes.
func (e *Engine) RefreshIndex(indexPath string) error {
	if !e.buildMu.TryLock() {
		return ErrBuildInProgress
	}
	defer e.buildMu.Unlock()

	e.setState(Building)
	log.Printf("engine: building index for %q", e.root)
	start := time.Now()

	fi, err := e.walk()
	if err != nil {
		e.setState(Idle)
		return fmt.Errorf("engine: building index: %w", err)
	}
	log.Printf("engine: walked %s entries in %s", humanize.Comma(int64(fi.Len())), time.Since(start))

	e.setState(Publishing)
	e.global.Lock()
	e.fi = fi
	e.global.Unlock()

	e.setState(Indexing)
	var g errgroup.Group
	g.Go(func() error {
		sorts, err := sortindex.Build(fi)
		if err != nil {
			return fmt.Errorf("engine: building sort indexes: %w", err)
		}
		e.indexes.Lock()
		e.sorts = sorts
		e.indexes.Unlock()
		return nil
	})
	g.Go(func() error {
		if indexPath == "" {
			return nil
		}
		if err := e.SaveIndex(indexPath); err != nil {
			// Persistence failure doesn't invalidate the freshly built
			// in-memory index; only log it.
			log.Printf("engine: persisting index: %v", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		e.setState(Idle)
		return err
	}

	e.setState(Ready)
	log.Printf("engine: build complete in %s", time.Since(start))
	e.resubmitLastQuery()
	return nil
}

func (e *Engine) walk() (*fileindex.FileIndex, error) {
	progress := func(p walk.Progress) { e.reportProgress(p) }

	fi, err := e.mftWalker.Walk(e.root, nil, progress)
	if err == nil {
		return fi, nil
	}
	log.Printf("engine: MFT walk unavailable (%v), falling back to directory walk", err)
	return e.dirWalker.Walk(e.root, nil, progress)
}

// LoadIndex replaces the published FileIndex with the contents of path,
// rebuilding the sort permutations from it and notifying the search
// worker. It does not run the build state machine: a loaded index is
// already built.
func (e *Engine) LoadIndex(path string) error {
	e.file.Lock()
	fi, err := e.codec.Load(path)
	e.file.Unlock()
	if err != nil {
		return err
	}

	e.global.Lock()
	e.fi = fi
	e.global.Unlock()

	sorts, err := sortindex.Build(fi)
	if err != nil {
		return fmt.Errorf("engine: building sort indexes: %w", err)
	}
	e.indexes.Lock()
	e.sorts = sorts
	e.indexes.Unlock()

	e.setState(Ready)
	e.resubmitLastQuery()
	return nil
}

// SaveIndex persists the currently published FileIndex to path.
func (e *Engine) SaveIndex(path string) error {
	fi := e.Index()
	e.file.Lock()
	defer e.file.Unlock()
	return e.codec.Save(path, fi)
}

// SubmitQuery wakes the search worker to evaluate q against the currently
// published index; it never blocks on the evaluation itself.
func (e *Engine) SubmitQuery(q search.Query) {
	e.lastQueryMu.Lock()
	e.lastQuery = q
	e.haveQuery = true
	e.lastQueryMu.Unlock()
	e.search.Submit(q)
}

func (e *Engine) resubmitLastQuery() {
	e.lastQueryMu.Lock()
	q, have := e.lastQuery, e.haveQuery
	e.lastQueryMu.Unlock()
	if have {
		e.search.Submit(q)
	}
}

// TakeResults returns the most recently completed search evaluation.
func (e *Engine) TakeResults() search.Results {
	return e.search.TakeResults()
}

// Entry returns the raw FileEntry record at i, and false if i is out of
// range for the currently published index.
func (e *Engine) Entry(i uint32) (fileindex.FileEntry, bool) {
	fi := e.Index()
	if fi == nil || int(i) >= fi.Len() {
		return fileindex.FileEntry{}, false
	}
	return fi.Entries[i], true
}

// Name resolves entry i's own name out of the currently published index's
// name arena.
func (e *Engine) Name(i uint32) string {
	fi := e.Index()
	if fi == nil || int(i) >= fi.Len() {
		return ""
	}
	return fi.Name(i)
}

// FullPath reconstructs the backslash-joined path from the volume root to
// entry i.
func (e *Engine) FullPath(i uint32) string {
	fi := e.Index()
	if fi == nil || int(i) >= fi.Len() {
		return ""
	}
	return fi.FullPath(i)
}

// Close stops the search worker goroutine. The engine must not be used
// after Close returns.
func (e *Engine) Close() {
	e.search.Close()
}
