// Package dirwalk is the portable fallback for building a fileindex.FileIndex
// when raw MFT access is unavailable (no admin rights, non-NTFS volume, or a
// non-Windows platform): it walks the directory tree with os.ReadDir instead
// of parsing volume sectors.
package dirwalk

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fastfile/ntfsindex/pkg/concurrency"
	"github.com/fastfile/ntfsindex/pkg/fileindex"
	"github.com/fastfile/ntfsindex/pkg/walk"
)

// handoffLevel is the recursion depth at which a subdirectory's traversal is
// handed off to the worker pool instead of continuing inline, matching the
// reference implementation's level == 4 cutoff: shallow enough that the top
// of the tree fans out across workers quickly, deep enough that most
// individual tasks still do meaningful work.
const handoffLevel = 4

// Walker recursively walks a directory tree with the platform's directory
// listing API (os.ReadDir), skipping symlinks and reparse points.
type Walker struct {
	// Workers bounds the worker pool used for subtrees at handoffLevel.
	// Zero means runtime.NumCPU().
	Workers int
}

var _ walk.Walker = (*Walker)(nil)

type walkState struct {
	names     *concurrency.NameArena
	intern    *concurrency.DedupSet
	entries   *concurrency.Seg[fileindex.FileEntry]
	nextID    uint64
	pool      *concurrency.Pool
	visited   uint64
	progress  func(walk.Progress)
	cancelled func() bool

	// handedOff collects the (entry id, computed size) of every subtree
	// whose traversal ran on the worker pool. Sizes are propagated up to
	// ancestors once, single-threaded, after the pool drains — mirroring
	// the reference implementation's addToParentSizeIds deferral, which
	// exists so that concurrent handoff tasks never add into the same
	// ancestor's size concurrently.
	handedOffMu sync.Mutex
	handedOff   []handedOffSize
}

type handedOffSize struct {
	id   uint32
	size float32
}

// Walk builds a FileIndex rooted at root (a directory path). Entry 0 is
// root itself.
func (w *Walker) Walk(root string, cancelled func() bool, progress func(walk.Progress)) (*fileindex.FileIndex, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return nil, fmt.Errorf("dirwalk: %w: %v", walk.ErrDeniedPrivileges, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dirwalk: %s is not a directory", root)
	}

	st := &walkState{
		names:     concurrency.NewNameArena(),
		intern:    concurrency.NewDedupSet(1024),
		entries:   concurrency.NewSeg[fileindex.FileEntry](),
		nextID:    1,
		pool:      concurrency.NewPool(w.Workers),
		progress:  progress,
		cancelled: cancelled,
	}

	rootName := filepath.Clean(root)
	nameOff := st.names.Append(rootName)
	rootEntry := st.entries.At(0)
	rootEntry.NameAndKind = nameOff | fileindex.DirBit
	rootEntry.ParentID = 0

	rootSize := st.iterateDir(root, 0, 0)

	st.pool.Wait()
	st.pool.Close()

	if cancelled != nil && cancelled() {
		return nil, walk.ErrSearchCancelled
	}

	st.entries.At(0).Size = rootSize
	st.propagateHandedOffSizes()

	n := int(atomic.LoadUint64(&st.nextID))
	finalEntries := st.entries.Flatten(n)
	names := st.names.Bytes()
	lowered := make([]byte, len(names))
	copy(lowered, names)
	for i, c := range lowered {
		if c >= 'A' && c <= 'Z' {
			lowered[i] = c + ('a' - 'A')
		}
	}

	if progress != nil {
		progress(walk.Progress{RecordsVisited: atomic.LoadUint64(&st.visited), Done: true})
	}

	return &fileindex.FileIndex{
		Entries:    finalEntries,
		Names:      names,
		LowerNames: lowered,
	}, nil
}

// iterateDir lists dirPath's children, appending one FileEntry per child and
// recursing into subdirectories. At handoffLevel it hands the recursive call
// off to the worker pool instead of continuing inline: the subtree's size is
// computed asynchronously and recorded in st.handedOff rather than added
// straight into sizeSum, since the handoff task may still be running when
// iterateDir returns to its caller.
func (st *walkState) iterateDir(dirPath string, parentID uint32, level int) float32 {
	if st.cancelled != nil && st.cancelled() {
		return 0
	}
	children, err := os.ReadDir(dirPath)
	if err != nil {
		return 0
	}

	var sizeSum float32
	for _, child := range children {
		info, err := child.Info()
		if err != nil {
			continue
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			continue
		}

		id := uint32(atomic.AddUint64(&st.nextID, 1) - 1)
		childPath := filepath.Join(dirPath, child.Name())

		childName := child.Name()
		nameOff := st.intern.FindOrInsert(childName, func() uint32 {
			return st.names.Append(childName)
		})
		entry := st.entries.At(int(id))
		entry.ParentID = parentID
		entry.NameAndKind = nameOff
		entry.MtimeMinutes = uint32(info.ModTime().Unix() / 60)

		if info.IsDir() {
			entry.NameAndKind |= fileindex.DirBit
			if level == handoffLevel {
				st.pool.Add(func() {
					size := st.iterateDir(childPath, id, level+1)
					st.entries.At(int(id)).Size = size
					st.handedOffMu.Lock()
					st.handedOff = append(st.handedOff, handedOffSize{id: id, size: size})
					st.handedOffMu.Unlock()
				})
			} else {
				size := st.iterateDir(childPath, id, level+1)
				entry.Size = size
				sizeSum += size
			}
		} else {
			entry.Size = float32(info.Size())
			sizeSum += entry.Size
			atomic.AddUint64(&st.visited, 1)
			if st.progress != nil {
				st.progress(walk.Progress{RecordsVisited: atomic.LoadUint64(&st.visited)})
			}
		}
	}
	return sizeSum
}

// propagateHandedOffSizes adds every handed-off subtree's size into its
// ancestor chain, layer by layer, single-threaded: each pass moves one level
// up, so an ancestor that is itself a handed-off subtree's root is only
// updated after its own children's contributions have already landed.
func (st *walkState) propagateHandedOffSizes() {
	pending := make(map[uint32]float32, len(st.handedOff))
	for _, h := range st.handedOff {
		pending[h.id] += h.size
	}
	for len(pending) > 0 {
		next := make(map[uint32]float32)
		for id, size := range pending {
			if id == 0 {
				continue
			}
			parent := st.entries.At(int(id)).ParentID
			if parent == id {
				continue
			}
			st.entries.At(int(parent)).Size += size
			next[parent] += size
		}
		pending = next
	}
}
