package search

import (
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/fastfile/ntfsindex/pkg/fileindex"
)

// stripeBits is the number of entries evaluated by one worker task in phase
// 1, matching the reference implementation's stepSize = 64 bits * 1024.
const stripeBits = 64 * 1024

// bitset is a flat bit-per-entry predicate result, built once per
// evaluation and discarded after phase 2 walks it.
type bitset struct {
	words []uint64
}

func newBitset(n int) *bitset {
	return &bitset{words: make([]uint64, (n+63)/64)}
}

func (b *bitset) set(i uint32)       { b.words[i/64] |= 1 << (i % 64) }
func (b *bitset) test(i uint32) bool { return b.words[i/64]&(1<<(i%64)) != 0 }

// evaluate runs phase 1 of spec.md §4.6: it partitions [0, N) into
// fixed-size stripes, fans them out across an errgroup, and returns the
// resulting bitset. cancelled is polled between stripes and between entries
// within a stripe; a cancelled evaluation may return a partially-set bitset,
// which the caller must discard rather than publish.
func evaluate(fi *fileindex.FileIndex, q Query, cancelled func() bool) (*bitset, bool) {
	n := fi.Len()
	bits := newBitset(n)
	segments := q.segments()

	var g errgroup.Group
	for start := 0; start < n; start += stripeBits {
		start := start
		end := start + stripeBits
		if end > n {
			end = n
		}
		g.Go(func() error {
			if cancelled != nil && cancelled() {
				return nil
			}
			evalStripe(fi, q, segments, bits, start, end, cancelled)
			return nil
		})
	}
	g.Wait()

	if cancelled != nil && cancelled() {
		return bits, false
	}
	return bits, true
}

func evalStripe(fi *fileindex.FileIndex, q Query, segments []string, bits *bitset, start, end int, cancelled func() bool) {
	for i := start; i < end; i++ {
		if cancelled != nil && cancelled() {
			return
		}
		id := uint32(i)
		entry := fi.Entries[id]

		if entry.IsDir() {
			if !q.IncludeDirs {
				continue
			}
		} else if !q.IncludeFiles {
			continue
		}

		if len(segments) == 1 && segments[0] == "" {
			bits.set(id)
			continue
		}

		name := entryName(fi, id, q.CaseSensitive)
		if !matchName(name, segments[0], q.AllowSubstrings) {
			continue
		}
		if len(segments) >= 2 && !matchAncestors(fi, id, segments, q.CaseSensitive) {
			continue
		}
		bits.set(id)
	}
}

func matchName(name, segment string, allowSubstrings bool) bool {
	if allowSubstrings {
		return strings.Contains(name, segment)
	}
	return strings.HasPrefix(name, segment)
}

// matchAncestors implements the path-segment walk of spec.md §4.6:
// segments[1] may match any ancestor found by walking up from entry's
// parent; once a candidate is found, segments[2:] must match that
// ancestor's immediate parent chain exactly and consecutively. If that
// chain check fails partway up, the search for another segments[1]
// candidate resumes from exactly where the chain check left off (not from
// entry's parent again), matching the reference implementation's single
// upward pointer.
func matchAncestors(fi *fileindex.FileIndex, entry uint32, segments []string, caseSensitive bool) bool {
	index := fi.Entries[entry].ParentID
	for {
		found := false
		for {
			if entryName(fi, index, caseSensitive) == segments[1] {
				found = true
				break
			}
			parent := fi.Entries[index].ParentID
			if parent == index {
				break
			}
			index = parent
		}
		if !found {
			return false
		}

		matched := true
		for i := 2; i < len(segments); i++ {
			parent := fi.Entries[index].ParentID
			if parent == index {
				// Hit the root with segments left to match; nothing
				// higher up can satisfy the chain either.
				return false
			}
			index = parent
			if entryName(fi, index, caseSensitive) != segments[i] {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
}

func entryName(fi *fileindex.FileIndex, id uint32, caseSensitive bool) string {
	if caseSensitive {
		return fi.Name(id)
	}
	return fi.LowerName(id)
}
