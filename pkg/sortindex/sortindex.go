// Package sortindex builds the three entry-id permutations the search
// engine orders its results by: name (case-folded), size, and modification
// date. All three are built concurrently, one goroutine per permutation,
// fanned out with golang.org/x/sync/errgroup the way the teacher repo's
// pkg/blobserver fans out independent per-blob work.
package sortindex

import (
	"bytes"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/fastfile/ntfsindex/pkg/fileindex"
)

// Set holds the three permutations of [0, N) for a FileIndex with N
// entries. A Set is only valid for the FileIndex it was built from: the
// search engine refuses to use one whose Len doesn't match the current
// entry count (spec.md §4.5).
type Set struct {
	Name []uint32 // by lowercased name, descending strcmp order
	Size []uint32 // by size, descending
	Date []uint32 // by mtime, descending
}

// Len returns the number of entries this Set was built for.
func (s *Set) Len() int {
	if s == nil {
		return -1
	}
	return len(s.Name)
}

// Build constructs all three permutations in parallel. The natural iteration
// order of Name is alphabetically descending; the search engine's `reverse`
// flag (or its own traversal direction) is what turns that into an
// ascending presentation, matching spec.md §4.5's note on name_sort.
func Build(fi *fileindex.FileIndex) (*Set, error) {
	n := fi.Len()
	var g errgroup.Group
	s := &Set{}

	g.Go(func() error {
		s.Name = identity(n)
		sort.Slice(s.Name, func(i, j int) bool {
			a, b := s.Name[i], s.Name[j]
			return bytes.Compare(lowerNameBytes(fi, a), lowerNameBytes(fi, b)) > 0
		})
		return nil
	})
	g.Go(func() error {
		s.Size = identity(n)
		sort.Slice(s.Size, func(i, j int) bool {
			return fi.Entries[s.Size[i]].Size > fi.Entries[s.Size[j]].Size
		})
		return nil
	})
	g.Go(func() error {
		s.Date = identity(n)
		sort.Slice(s.Date, func(i, j int) bool {
			return fi.Entries[s.Date[i]].MtimeMinutes > fi.Entries[s.Date[j]].MtimeMinutes
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s, nil
}

func identity(n int) []uint32 {
	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = uint32(i)
	}
	return ids
}

func lowerNameBytes(fi *fileindex.FileIndex, id uint32) []byte {
	off := fi.Entries[id].NameOffset()
	end := off
	for end < uint32(len(fi.LowerNames)) && fi.LowerNames[end] != 0 {
		end++
	}
	return fi.LowerNames[off:end]
}
