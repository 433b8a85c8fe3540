//go:build windows

package mft

import (
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.org/x/text/encoding/unicode"

	"github.com/fastfile/ntfsindex/pkg/concurrency"
	"github.com/fastfile/ntfsindex/pkg/fileindex"
	"github.com/fastfile/ntfsindex/pkg/walk"
)

const fsctlGetNTFSFileRecord = 0x00090068

// rootRecordNumber is the fixed MFT record number of the volume root
// directory on every NTFS volume.
const rootRecordNumber = 5

// Walker builds a fileindex.FileIndex by parsing a volume's Master File
// Table directly out of raw sectors, bypassing the filesystem driver's
// directory enumeration entirely. The volume is opened twice: once
// with default flags to read the boot sector, once with FILE_FLAG_NO_BUFFERING |
// FILE_FLAG_OVERLAPPED for the bulk extent reads, matching the reference
// implementation's readMft.
type Walker struct {
	// Workers bounds the worker pool that processes $MFT data-run extents
	// concurrently. Zero means runtime.NumCPU().
	Workers int
}

var _ walk.Walker = (*Walker)(nil)

type bootSector struct {
	bytesPerSector    uint16
	sectorsPerCluster uint8
}

func readBootSector(h windows.Handle) (bootSector, error) {
	buf := make([]byte, 512)
	var overlapped windows.Overlapped
	var n uint32
	if err := windows.ReadFile(h, buf, &n, &overlapped); err != nil && err != windows.ERROR_IO_PENDING {
		return bootSector{}, err
	}
	if err := windows.GetOverlappedResult(h, &overlapped, &n, true); err != nil {
		return bootSector{}, err
	}
	return bootSector{
		bytesPerSector:    uint16(buf[11]) | uint16(buf[12])<<8,
		sectorsPerCluster: buf[13],
	}, nil
}

// readMftRecordZero fetches MFT record 0 (the $MFT file itself) via
// FSCTL_GET_NTFS_FILE_RECORD, which is dramatically faster than a raw
// ReadFile for this one record (see the note in the reference
// implementation's readMftFileRecord).
func readMftRecordZero(h windows.Handle) ([]byte, error) {
	type ntfsFileRecordInputBuffer struct {
		FileReferenceNumber int64
	}
	in := ntfsFileRecordInputBuffer{FileReferenceNumber: 0}

	outSize := 8 + 4 + fileRecordSize
	out := make([]byte, outSize)
	var overlapped windows.Overlapped
	var bytesReturned uint32

	err := windows.DeviceIoControl(h, fsctlGetNTFSFileRecord,
		(*byte)(unsafe.Pointer(&in)), uint32(unsafe.Sizeof(in)),
		&out[0], uint32(outSize), &bytesReturned, &overlapped)
	if err != nil && err != windows.ERROR_IO_PENDING {
		return nil, err
	}
	if err := windows.GetOverlappedResult(h, &overlapped, &bytesReturned, true); err != nil {
		return nil, err
	}
	// NTFS_FILE_RECORD_OUTPUT_BUFFER: FileReferenceNumber(8) FileRecordLength(4) FileRecordBuffer[...]
	return out[12:], nil
}

func readVolumeAt(h windows.Handle, from uint64, buf []byte) error {
	overlapped := windows.Overlapped{
		Offset:     uint32(from & 0xffffffff),
		OffsetHigh: uint32(from >> 32),
	}
	var n uint32
	err := windows.ReadFile(h, buf, &n, &overlapped)
	if err != nil && err != windows.ERROR_IO_PENDING {
		return err
	}
	return windows.GetOverlappedResult(h, &overlapped, &n, true)
}

var utf16Decoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()

func decodeUTF16(b []byte) string {
	out, err := utf16Decoder.Bytes(b)
	if err != nil {
		return ""
	}
	return string(out)
}

// walkState carries everything processRecord needs to share across the
// worker pool's goroutines while scanning one extent's worth of records.
type walkState struct {
	names          *concurrency.NameArena
	intern         *concurrency.DedupSet
	entries        *concurrency.Seg[fileindex.FileEntry]
	uniqueFileID   uint64 // next id to hand out; atomically incremented
	parentOfRecord []uint32
	recordOfUnique *concurrency.Seg[uint32] // unique id -> MFT record number
	sizeOfRecord   []float32
	clusterBytes   uint32
	volumeLabel    string
}

// Walk opens the given drive (e.g. "C:") as a raw volume and returns a
// FileIndex built from every in-use MFT record.
func (w *Walker) Walk(root string, cancelled func() bool, progress func(walk.Progress)) (*fileindex.FileIndex, error) {
	path := `\\.\` + strings.TrimSuffix(root, `\`)
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, fmt.Errorf("mft: %w", walk.ErrRawVolumeUnavailable)
	}

	bootHandle, err := windows.CreateFile(pathPtr, windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil, windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("mft: opening %s: %w", path, walk.ErrDeniedPrivileges)
	}
	boot, err := readBootSector(bootHandle)
	windows.CloseHandle(bootHandle)
	if err != nil {
		return nil, fmt.Errorf("mft: reading boot sector: %w", walk.ErrRawVolumeUnavailable)
	}

	volume, err := windows.CreateFile(pathPtr, windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil, windows.OPEN_EXISTING,
		windows.FILE_FLAG_RANDOM_ACCESS|windows.FILE_FLAG_NO_BUFFERING|windows.FILE_FLAG_OVERLAPPED, 0)
	if err != nil {
		return nil, fmt.Errorf("mft: opening %s for bulk reads: %w", path, walk.ErrRawVolumeUnavailable)
	}
	defer windows.CloseHandle(volume)

	clusterSize := uint32(boot.bytesPerSector) * uint32(boot.sectorsPerCluster)
	if clusterSize == 0 {
		return nil, fmt.Errorf("mft: %w: zero cluster size", walk.ErrRawVolumeUnavailable)
	}
	recordsPerCluster := clusterSize / fileRecordSize
	if recordsPerCluster == 0 {
		recordsPerCluster = 1
	}

	mftRecordZero, err := readMftRecordZero(volume)
	if err != nil {
		return nil, fmt.Errorf("mft: reading $MFT record: %w", walk.ErrRawVolumeUnavailable)
	}
	header := parseFileRecordHeader(mftRecordZero)
	if !header.isValid() {
		return nil, &walk.MalformedRecordError{RecordNumber: 0, Reason: "bad $MFT record magic"}
	}
	resolveFixup(mftRecordZero, header)

	var dataAttr, bitmapAttr []byte
	off := int(header.firstAttributeOffset)
	for off+16 <= len(mftRecordZero) {
		a := parseAttributeHeader(mftRecordZero[off:])
		if a.attributeType == attrEndMarker || a.length == 0 {
			break
		}
		if off+int(a.length) > len(mftRecordZero) {
			break
		}
		switch a.attributeType {
		case attrData:
			dataAttr = mftRecordZero[off : off+int(a.length)]
		case attrBitmap:
			bitmapAttr = mftRecordZero[off : off+int(a.length)]
		}
		off += int(a.length)
	}
	if dataAttr == nil || bitmapAttr == nil {
		return nil, &walk.MalformedRecordError{RecordNumber: 0, Reason: "$MFT missing $DATA or $BITMAP"}
	}

	recordCount := nonResidentAttributeSize(bitmapAttr) * 8

	const fileRecordLimit = 1 << 10
	clusterCountLimit := fileRecordLimit / recordsPerCluster
	if clusterCountLimit == 0 {
		clusterCountLimit = 1
	}
	freeList := concurrency.NewFreeList(int(clusterCountLimit*clusterSize), 64)

	st := &walkState{
		names:          concurrency.NewNameArena(),
		intern:         concurrency.NewDedupSet(1024),
		entries:        concurrency.NewSeg[fileindex.FileEntry](),
		uniqueFileID:   1, // root is assigned id 0 up front
		parentOfRecord: make([]uint32, recordCount),
		recordOfUnique: concurrency.NewSeg[uint32](),
		sizeOfRecord:   make([]float32, recordCount),
		clusterBytes:   clusterSize,
		volumeLabel:    strings.TrimSuffix(root, `\`),
	}
	// Offset 0 holds an empty string, so records that never yield a
	// $FILE_NAME read back as nameless rather than aliasing a real name.
	st.names.Append("")
	st.entries.At(0) // reserve the root's slot

	var recordsProcessed uint64

	pool := concurrency.NewPool(w.Workers)
	runs := newDataRunDecoder(dataAttr)
	for {
		extent, ok := runs.next(clusterCountLimit)
		if !ok {
			break
		}
		if cancelled != nil && cancelled() {
			break
		}
		pool.Add(func() {
			buf := freeList.Get()
			defer freeList.Put(buf)
			if err := readVolumeAt(volume, uint64(extent.lcn)*uint64(clusterSize), buf); err != nil {
				return
			}
			filesToLoad := int(extent.clusterCount) * int(recordsPerCluster)
			for i := 0; i < filesToLoad; i++ {
				rec := buf[fileRecordSize*i : fileRecordSize*(i+1)]
				h := parseFileRecordHeader(rec)
				if !h.inUse() || !h.isValid() {
					continue
				}
				if !resolveFixup(rec, h) {
					continue
				}
				processRecord(rec, h, st)
			}
			atomic.AddUint64(&recordsProcessed, uint64(filesToLoad))
			if progress != nil {
				progress(walk.Progress{
					RecordsVisited: atomic.LoadUint64(&recordsProcessed),
					RecordsTotal:   recordCount,
				})
			}
		})
	}
	pool.Wait()
	pool.Close()

	if cancelled != nil && cancelled() {
		return nil, walk.ErrSearchCancelled
	}

	finalEntries := st.entries.Flatten(int(atomic.LoadUint64(&st.uniqueFileID)))
	for i := range finalEntries {
		// Every ParentID still holds the parent's MFT record number,
		// including the root's (record 5 references itself); rewriting
		// uniformly maps it to the assigned id, 0 for the root.
		parentRecord := finalEntries[i].ParentID
		if int(parentRecord) >= len(st.parentOfRecord) {
			finalEntries[i].ParentID = 0
			continue
		}
		finalEntries[i].ParentID = st.parentOfRecord[parentRecord]
	}
	for i := range finalEntries {
		if finalEntries[i].IsDir() {
			continue
		}
		size := st.sizeOfRecord[*st.recordOfUnique.At(i)]
		finalEntries[i].Size = size
		idx := uint32(i)
		for finalEntries[idx].ParentID != idx {
			parent := finalEntries[idx].ParentID
			finalEntries[parent].Size += size
			idx = parent
		}
	}

	names := st.names.Bytes()
	lowered := make([]byte, len(names))
	copy(lowered, names)
	asciiLower(lowered)

	if progress != nil {
		progress(walk.Progress{RecordsVisited: recordCount, RecordsTotal: recordCount, Done: true})
	}

	return &fileindex.FileIndex{
		Entries:    finalEntries,
		Names:      names,
		LowerNames: lowered,
	}, nil
}

func asciiLower(b []byte) {
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
}

// processRecord decodes one in-use file record's $STANDARD_INFORMATION,
// $DATA, and $FILE_NAME attributes. A record normally yields at most one
// FileEntry, identified by a unique id handed out the first time its
// $FILE_NAME is seen; hard-linked files can yield several entries that all
// point back at the same underlying record for size accounting.
func processRecord(rec []byte, h fileRecordHeader, st *walkState) {
	if int(h.recordNumber) >= len(st.parentOfRecord) {
		return
	}

	var mtimeMinutes uint32
	var fileSize float32
	var ids []uint32

	off := int(h.firstAttributeOffset)
	for off+16 <= len(rec) && off < fileRecordSize {
		a := parseAttributeHeader(rec[off:])
		if a.attributeType == attrEndMarker || a.length == 0 {
			break
		}
		if off+int(a.length) > len(rec) {
			break
		}
		body := rec[off : off+int(a.length)]
		off += int(a.length)

		switch a.attributeType {
		case attrStandardInformation:
			if a.nonResident || len(body) < 22 {
				continue
			}
			valueOff := int(residentValueOffset(body))
			if valueOff > len(body) {
				continue
			}
			mtimeMinutes = uint32(standardInformationAlteredTime(body[valueOff:]) / date100nsTo1MinPrecision)

		case attrData:
			switch {
			case !a.nonResident:
				if len(body) >= 20 {
					fileSize += float32(residentValueLength(body))
				}
			case len(body) < nonResidentHeaderSize:
				// truncated non-resident header; contributes nothing
			case a.flags&attrFlagSparse != 0: // sparse: size is sum of allocated extents
				sparseRuns := newDataRunDecoder(body)
				for {
					e, ok := sparseRuns.next(^uint32(0))
					if !ok {
						break
					}
					fileSize += float32(e.clusterCount) * float32(st.clusterBytes)
				}
			case nonResidentFirstCluster(body) == 0: // first extent of the attribute
				fileSize += float32(nonResidentValidDataLength(body))
			}

		case attrFileName:
			if a.nonResident || len(body) < 22 {
				continue
			}
			valueOff := residentValueOffset(body)
			valueLen := residentValueLength(body)
			if int(valueOff)+int(valueLen) > len(body) {
				continue
			}
			fna, ok := parseFileNameAttribute(body[valueOff:valueOff+uint16(valueLen)], decodeUTF16)
			if !ok || fna.namespaceType == dosNamespace {
				continue
			}

			var id uint32
			if h.recordNumber == rootRecordNumber {
				id = 0
			} else {
				id = uint32(atomic.AddUint64(&st.uniqueFileID, 1) - 1)
			}
			*st.recordOfUnique.At(int(id)) = h.recordNumber
			st.parentOfRecord[h.recordNumber] = id

			name := fna.name
			if name == "." {
				name = st.volumeLabel
			}
			nameOff := st.intern.FindOrInsert(name, func() uint32 {
				return st.names.Append(name)
			})

			nameAndKind := nameOff
			if h.isDirectory() {
				nameAndKind |= fileindex.DirBit
			}
			entry := st.entries.At(int(id))
			entry.NameAndKind = nameAndKind
			entry.ParentID = fna.parentRecordNumber
			ids = append(ids, id)
		}
	}

	baseRecord := uint32(h.baseFileRecordSegment & 0x0000FFFFFFFFFFFF)
	if baseRecord == 0 || int(baseRecord) >= len(st.sizeOfRecord) {
		baseRecord = h.recordNumber
	}
	concurrency.AtomicAddFloat32(&st.sizeOfRecord[baseRecord], fileSize)

	for _, id := range ids {
		st.entries.At(int(id)).MtimeMinutes = mtimeMinutes
	}
}
