// Package search evaluates Query predicates over a fileindex.FileIndex and
// emits ordered results, split into the two-phase predicate/emission design
// of spec.md §4.6: Engine owns the long-lived worker goroutine and result
// double-buffering; predicate.go holds the phase-1 bitmap evaluation.
package search

import (
	"strings"

	"go4.org/strutil"
)

// SortMode selects which of the three sortindex.Set permutations orders a
// Query's results, or Direct for ascending-by-id (the identity order).
type SortMode int

const (
	Direct SortMode = iota
	Name
	Size
	Date
)

// Query describes one search request against a FileIndex, mirroring
// SearchSettings plus the raw pattern string from the reference
// implementation's fileSearching.h.
type Query struct {
	// Pattern may contain path separators ('/' or '\'); see segments().
	Pattern string

	CaseSensitive   bool
	AllowSubstrings bool
	IncludeFiles    bool
	IncludeDirs     bool

	Sort    SortMode
	Reverse bool
}

// segments splits Pattern on path separators in the order typed:
// segments()[0] is the terminal name to match against each entry's own
// name; segments()[1] names an ancestor directory at any depth above it, and
// each later segment names the directory directly containing the one the
// previous segment matched. Ancestor names must match exactly (not a
// substring). A pattern like `report.pdf\2024\archive` means "an entry whose
// name matches report.pdf, somewhere inside a folder named 2024 that sits
// directly inside a folder named archive" — read innermost-first, the
// opposite of a filesystem path string.
func (q Query) segments() []string {
	normalized := q.Pattern
	if !q.CaseSensitive {
		normalized = strings.ToLower(normalized)
	}
	if normalized == "" {
		return []string{""}
	}
	// Either separator is accepted; strutil.AppendSplitN only splits on one,
	// so fold '/' onto '\' first.
	normalized = strings.ReplaceAll(normalized, "/", `\`)
	return strutil.AppendSplitN(nil, normalized, `\`, -1)
}
