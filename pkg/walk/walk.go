// Package walk defines the shared error taxonomy and progress-reporting
// types used by both the MFT walker (pkg/walk/mft) and the directory-walk
// fallback (pkg/walk/dirwalk), and the Walker interface pkg/engine drives
// without caring which implementation produced a FileIndex.
package walk

import (
	"errors"
	"fmt"

	"github.com/fastfile/ntfsindex/pkg/fileindex"
)

// Sentinel errors matching spec.md §7's taxonomy. Callers should use
// errors.Is against these, not string comparison.
var (
	// ErrDeniedPrivileges is returned when raw volume access or a
	// privileged directory is refused by the platform.
	ErrDeniedPrivileges = errors.New("walk: access denied")

	// ErrRawVolumeUnavailable is returned when the MFT walker cannot open
	// or read the raw volume device at all (not present, not NTFS, or the
	// boot sector could not be parsed).
	ErrRawVolumeUnavailable = errors.New("walk: raw volume unavailable")

	// ErrSearchCancelled is returned by long-running walk operations that
	// observe a caller-owned cancellation flag mid-traversal.
	ErrSearchCancelled = errors.New("walk: cancelled")
)

// MalformedRecordError reports a structurally invalid MFT file record: bad
// fix-up signature, attribute length running past the record boundary, or
// an unrecognized record header magic.
type MalformedRecordError struct {
	RecordNumber uint64
	Reason       string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("walk: malformed MFT record %d: %s", e.RecordNumber, e.Reason)
}

// ExtentIoFailureError reports an I/O failure reading one data-run extent of
// an attribute, identified by its starting logical cluster number.
type ExtentIoFailureError struct {
	StartLCN int64
	Err      error
}

func (e *ExtentIoFailureError) Error() string {
	return fmt.Sprintf("walk: extent I/O failure at LCN %d: %v", e.StartLCN, e.Err)
}

func (e *ExtentIoFailureError) Unwrap() error { return e.Err }

// Progress is a snapshot of an in-progress walk, reported through
// engine.Engine.Progress. Counts are approximate while a walk is running and
// exact once it completes. RecordsTotal is zero when the walker cannot know
// the total up front (the directory walker discovers entries as it goes; the
// MFT walker reads the total from the $MFT bitmap before scanning).
type Progress struct {
	RecordsVisited uint64
	RecordsTotal   uint64
	BytesRead      uint64
	Done           bool
}

// Fraction reports build completion in [0, 1]. Without a known total it is 0
// until the walk finishes and 1 after.
func (p Progress) Fraction() float64 {
	if p.RecordsTotal == 0 {
		if p.Done {
			return 1
		}
		return 0
	}
	f := float64(p.RecordsVisited) / float64(p.RecordsTotal)
	if f > 1 {
		f = 1
	}
	return f
}

// Walker builds a fileindex.FileIndex for a volume or directory tree. Walk
// must be safe to call from a single goroutine at a time; internal
// parallelism is the walker's own responsibility. cancelled is polled
// cooperatively; a Walker is not required to observe it with bounded
// latency, only to eventually stop.
type Walker interface {
	Walk(root string, cancelled func() bool, progress func(Progress)) (*fileindex.FileIndex, error)
}
