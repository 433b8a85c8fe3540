// Package fileindex holds the in-memory summary of every record on an NTFS
// volume: a flat array of FileEntry records plus a name-byte arena and its
// case-folded shadow.
package fileindex

import (
	"fmt"
	"strings"
)

// DirBit marks NameAndKind as a directory. The low 31 bits are the byte
// offset of the entry's name in the name arena.
const DirBit uint32 = 1 << 31

// FileEntry is the packed 16-byte on-disk and in-memory record for one file
// or directory.
type FileEntry struct {
	ParentID     uint32  // index into Entries; root's ParentID == 0
	Size         float32 // logical size for files, recursive total for dirs
	NameAndKind  uint32  // high bit: directory; low 31 bits: name offset
	MtimeMinutes uint32  // minutes since the platform epoch
}

// IsDir reports whether e is a directory.
func (e FileEntry) IsDir() bool { return e.NameAndKind&DirBit != 0 }

// NameOffset returns e's byte offset into the name arena.
func (e FileEntry) NameOffset() uint32 { return e.NameAndKind &^ DirBit }

// FileIndex is a flat, read-mostly summary of a volume, built once per
// rebuild and then published atomically. Entry 0 is always the volume root.
type FileIndex struct {
	Entries    []FileEntry
	Names      []byte // NUL-terminated names in original case, concatenated
	LowerNames []byte // same layout as Names, ASCII-lowercased in place
}

// Len returns the number of entries, including the root.
func (fi *FileIndex) Len() int { return len(fi.Entries) }

// nameAt reads the NUL-terminated string starting at off out of arena.
func nameAt(arena []byte, off uint32) string {
	end := off
	for end < uint32(len(arena)) && arena[end] != 0 {
		end++
	}
	return string(arena[off:end])
}

// Name returns the original-case name of entry i.
func (fi *FileIndex) Name(i uint32) string {
	return nameAt(fi.Names, fi.Entries[i].NameOffset())
}

// LowerName returns the lowercased name of entry i.
func (fi *FileIndex) LowerName(i uint32) string {
	return nameAt(fi.LowerNames, fi.Entries[i].NameOffset())
}

// FullPath reconstructs the backslash-joined path from the root to entry i.
func (fi *FileIndex) FullPath(i uint32) string {
	if i == 0 {
		return fi.Name(0)
	}
	var parts []string
	for {
		parts = append(parts, fi.Name(i))
		parent := fi.Entries[i].ParentID
		if parent == i {
			break
		}
		i = parent
	}
	// parts were collected leaf-first; reverse and join.
	for l, r := 0, len(parts)-1; l < r; l, r = l+1, r-1 {
		parts[l], parts[r] = parts[r], parts[l]
	}
	return strings.Join(parts, `\`)
}

// Validate checks the invariants of spec.md §3/§8. It is intended for tests
// and for sanity-checking freshly loaded or built indexes; it is not run on
// the hot path.
func (fi *FileIndex) Validate() error {
	if fi.Len() == 0 {
		return fmt.Errorf("fileindex: empty index has no root")
	}
	if fi.Entries[0].ParentID != 0 {
		return fmt.Errorf("fileindex: root ParentID = %d, want 0", fi.Entries[0].ParentID)
	}
	if !fi.Entries[0].IsDir() {
		return fmt.Errorf("fileindex: root entry is not a directory")
	}
	if len(fi.Names) != len(fi.LowerNames) {
		return fmt.Errorf("fileindex: names arena len %d != lower_names arena len %d", len(fi.Names), len(fi.LowerNames))
	}
	for i, e := range fi.Entries {
		if i == 0 {
			continue
		}
		if e.ParentID >= uint32(i) {
			return fmt.Errorf("fileindex: entry %d has parent_id %d >= self", i, e.ParentID)
		}
		if !fi.Entries[e.ParentID].IsDir() {
			return fmt.Errorf("fileindex: entry %d's parent %d is not a directory", i, e.ParentID)
		}
		off := e.NameOffset()
		if int(off) >= len(fi.Names) {
			return fmt.Errorf("fileindex: entry %d name offset %d out of range", i, off)
		}
	}
	childSizes := make(map[uint32]float32)
	for i, e := range fi.Entries {
		if i == 0 {
			continue
		}
		childSizes[e.ParentID] += e.Size
	}
	for i, e := range fi.Entries {
		if !e.IsDir() {
			continue
		}
		want := childSizes[uint32(i)]
		// Allow float32 rounding slack accumulated across aggregation.
		diff := want - e.Size
		if diff < 0 {
			diff = -diff
		}
		if diff > want*1e-4+1 {
			return fmt.Errorf("fileindex: directory %d size %v != sum of children %v", i, e.Size, want)
		}
	}
	return nil
}
