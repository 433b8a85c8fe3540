// Package codec serializes a fileindex.FileIndex to and from the persisted
// index file format described in spec.md §4.4: a small fixed header
// followed by an LZ4 block-compressed payload of the packed entries array
// concatenated with the name arena. lower_names is never persisted; it is
// regenerated on load by lowercasing a copy of names, exactly as the MFT and
// directory walkers do after a fresh build.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/pierrec/lz4/v4"

	"github.com/fastfile/ntfsindex/pkg/fileindex"
)

func floatBits(f float32) uint32     { return math.Float32bits(f) }
func floatFromBits(b uint32) float32 { return math.Float32frombits(b) }

// entrySize is the packed, on-disk width of one fileindex.FileEntry: four
// uint32-sized fields, no padding.
const entrySize = 16

// headerSize is the width of the six little-endian int32 header fields that
// precede the compressed blob.
const headerSize = 6 * 4

// ErrCorruptIndexFile is returned by Load when the file is too short for its
// own header, the header's sizes are inconsistent, or decompression fails.
// Load returns it together with an empty FileIndex, so a caller can discard
// the file and continue with an empty index.
var ErrCorruptIndexFile = fmt.Errorf("codec: corrupt index file")

// Codec serializes and deserializes a single persisted index file. All
// operations serialize on a single mutex, mirroring the reference
// implementation's one file-level lock shared by loadFileList/saveFileList.
type Codec struct {
	mu sync.Mutex
}

// New returns a ready-to-use Codec.
func New() *Codec { return &Codec{} }

// Save writes fi to path as a single atomic-looking file: it serializes,
// compresses, and writes the whole buffer with one os.WriteFile call rather
// than streaming, since the in-memory payload already has to exist once for
// compression.
func (c *Codec) Save(path string, fi *fileindex.FileIndex) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fileCount := len(fi.Entries)
	nameTableSize := len(fi.Names)
	originalSize := fileCount*entrySize + nameTableSize

	payload := make([]byte, originalSize)
	for i, e := range fi.Entries {
		off := i * entrySize
		binary.LittleEndian.PutUint32(payload[off:], e.ParentID)
		binary.LittleEndian.PutUint32(payload[off+4:], floatBits(e.Size))
		binary.LittleEndian.PutUint32(payload[off+8:], e.NameAndKind)
		binary.LittleEndian.PutUint32(payload[off+12:], e.MtimeMinutes)
	}
	copy(payload[fileCount*entrySize:], fi.Names)

	compressed := make([]byte, lz4.CompressBlockBound(len(payload)))
	var compressor lz4.Compressor
	compressedSize, err := compressor.CompressBlock(payload, compressed)
	if err != nil {
		return fmt.Errorf("codec: compressing index: %w", err)
	}
	if compressedSize == 0 {
		// lz4 reports 0 when the input is incompressible within the
		// destination bound; store it verbatim in that case.
		compressed = payload
		compressedSize = len(payload)
	} else {
		compressed = compressed[:compressedSize]
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + len(compressed))
	header := [6]int32{
		int32(originalSize),
		int32(compressedSize),
		int32(fileCount),
		int32(nameTableSize),
		0,                          // files_offset
		int32(fileCount * entrySize), // names_offset
	}
	for _, h := range header {
		if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
			return fmt.Errorf("codec: writing header: %w", err)
		}
	}
	buf.Write(compressed)

	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Load reads and decompresses the index file at path. If the file is
// missing, truncated, or fails a size/decompression sanity check, Load
// returns ErrCorruptIndexFile and an empty FileIndex — callers should
// discard the file and proceed with a fresh, empty index rather than treat
// this as fatal.
func (c *Codec) Load(path string) (*fileindex.FileIndex, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileindex.FileIndex{}, fmt.Errorf("%w: %v", ErrCorruptIndexFile, err)
		}
		return &fileindex.FileIndex{}, fmt.Errorf("codec: reading %s: %w", path, err)
	}
	return decode(raw)
}

// LoadReader is the same as Load but reads from an already-open reader,
// useful for in-memory round-trip tests.
func LoadReader(r io.Reader) (*fileindex.FileIndex, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return &fileindex.FileIndex{}, fmt.Errorf("%w: %v", ErrCorruptIndexFile, err)
	}
	return decode(raw)
}

func decode(raw []byte) (*fileindex.FileIndex, error) {
	if len(raw) < headerSize {
		return &fileindex.FileIndex{}, fmt.Errorf("%w: file shorter than header", ErrCorruptIndexFile)
	}
	r := bytes.NewReader(raw)
	var header [6]int32
	for i := range header {
		if err := binary.Read(r, binary.LittleEndian, &header[i]); err != nil {
			return &fileindex.FileIndex{}, fmt.Errorf("%w: %v", ErrCorruptIndexFile, err)
		}
	}
	originalSize, compressedSize, fileCount, nameTableSize, filesOffset, namesOffset := header[0], header[1], header[2], header[3], header[4], header[5]
	if originalSize < 0 || compressedSize < 0 || fileCount < 0 || nameTableSize < 0 {
		return &fileindex.FileIndex{}, fmt.Errorf("%w: negative header field", ErrCorruptIndexFile)
	}
	if filesOffset != 0 || namesOffset != int32(fileCount)*entrySize {
		return &fileindex.FileIndex{}, fmt.Errorf("%w: unexpected offsets", ErrCorruptIndexFile)
	}
	if int64(fileCount)*entrySize+int64(nameTableSize) != int64(originalSize) {
		return &fileindex.FileIndex{}, fmt.Errorf("%w: size fields disagree", ErrCorruptIndexFile)
	}
	remaining := raw[headerSize:]
	if int64(len(remaining)) < int64(compressedSize) {
		return &fileindex.FileIndex{}, fmt.Errorf("%w: truncated compressed blob", ErrCorruptIndexFile)
	}
	compressed := remaining[:compressedSize]

	payload := make([]byte, originalSize)
	if compressedSize == originalSize {
		copy(payload, compressed)
	} else {
		n, err := lz4.UncompressBlock(compressed, payload)
		if err != nil {
			return &fileindex.FileIndex{}, fmt.Errorf("%w: %v", ErrCorruptIndexFile, err)
		}
		if n != int(originalSize) {
			return &fileindex.FileIndex{}, fmt.Errorf("%w: decompressed size mismatch", ErrCorruptIndexFile)
		}
	}

	entries := make([]fileindex.FileEntry, fileCount)
	for i := range entries {
		off := i * entrySize
		entries[i] = fileindex.FileEntry{
			ParentID:     binary.LittleEndian.Uint32(payload[off:]),
			Size:         floatFromBits(binary.LittleEndian.Uint32(payload[off+4:])),
			NameAndKind:  binary.LittleEndian.Uint32(payload[off+8:]),
			MtimeMinutes: binary.LittleEndian.Uint32(payload[off+12:]),
		}
	}
	names := make([]byte, nameTableSize)
	copy(names, payload[int(namesOffset):int(namesOffset)+int(nameTableSize)])

	lowerNames := make([]byte, len(names))
	copy(lowerNames, names)
	asciiLower(lowerNames)

	return &fileindex.FileIndex{
		Entries:    entries,
		Names:      names,
		LowerNames: lowerNames,
	}, nil
}

// asciiLower lowercases ASCII bytes in place; non-ASCII bytes pass through
// unchanged, matching the SIMD-equivalent byte-at-a-time fallback described
// in spec.md §9.
func asciiLower(b []byte) {
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
}
