package codec

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/fastfile/ntfsindex/pkg/fileindex"
)

// buildFiveEntryIndex is spec.md §8 scenario 4's fixture: a small,
// well-formed index exercising both files and a nested directory.
func buildFiveEntryIndex() *fileindex.FileIndex {
	names := []string{"C:", "Documents", "report.pdf", "notes.txt", "archive.zip"}
	var arena []byte
	offsets := make([]uint32, len(names))
	for i, n := range names {
		offsets[i] = uint32(len(arena))
		arena = append(arena, n...)
		arena = append(arena, 0)
	}
	lower := append([]byte(nil), arena...)
	asciiLower(lower)

	entries := []fileindex.FileEntry{
		{ParentID: 0, Size: 3000, NameAndKind: offsets[0] | fileindex.DirBit, MtimeMinutes: 100},
		{ParentID: 0, Size: 1500, NameAndKind: offsets[1] | fileindex.DirBit, MtimeMinutes: 200},
		{ParentID: 1, Size: 1000, NameAndKind: offsets[2], MtimeMinutes: 300},
		{ParentID: 1, Size: 500, NameAndKind: offsets[3], MtimeMinutes: 400},
		{ParentID: 0, Size: 1500, NameAndKind: offsets[4], MtimeMinutes: 500},
	}
	return &fileindex.FileIndex{Entries: entries, Names: arena, LowerNames: lower}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	fi := buildFiveEntryIndex()
	c := New()

	path := filepath.Join(t.TempDir(), "index.bin")
	if err := c.Save(path, fi); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := c.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got, fi) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, fi)
	}
}

func TestLoadReaderRoundTrip(t *testing.T) {
	fi := buildFiveEntryIndex()
	c := New()

	path := filepath.Join(t.TempDir(), "index.bin")
	if err := c.Save(path, fi); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading saved file: %v", err)
	}

	got, err := LoadReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("LoadReader: %v", err)
	}
	if !reflect.DeepEqual(got, fi) {
		t.Fatalf("LoadReader round trip mismatch:\n got  %+v\n want %+v", got, fi)
	}
}

func TestLoadMissingFileIsCorrupt(t *testing.T) {
	c := New()
	_, err := c.Load(filepath.Join(t.TempDir(), "does-not-exist.bin"))
	if !errors.Is(err, ErrCorruptIndexFile) {
		t.Fatalf("Load of a missing file: err = %v, want wrapping ErrCorruptIndexFile", err)
	}
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	_, err := LoadReader(bytes.NewReader([]byte{1, 2, 3}))
	if err == nil {
		t.Fatal("decode should reject a file shorter than the header")
	}
}

func TestDecodeRejectsTruncatedBody(t *testing.T) {
	fi := buildFiveEntryIndex()
	c := New()
	path := filepath.Join(t.TempDir(), "index.bin")
	if err := c.Save(path, fi); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading saved file: %v", err)
	}
	truncated := raw[:len(raw)-4]
	_, err = LoadReader(bytes.NewReader(truncated))
	if err == nil {
		t.Fatal("decode should reject a truncated compressed blob")
	}
}

func TestAsciiLowerPassesThroughNonASCII(t *testing.T) {
	b := []byte("RÉSUMÉ.TXT")
	asciiLower(b)
	if string(b) != "rÉsumÉ.txt" {
		t.Fatalf("asciiLower(%q) = %q", "RÉSUMÉ.TXT", b)
	}
}
