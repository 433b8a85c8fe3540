//go:build !windows

package mft

import (
	"fmt"

	"github.com/fastfile/ntfsindex/pkg/fileindex"
	"github.com/fastfile/ntfsindex/pkg/walk"
)

// Walker is unavailable outside Windows: raw NTFS volume access and
// FSCTL_GET_NTFS_FILE_RECORD have no portable equivalent. Callers should
// fall back to pkg/walk/dirwalk on other platforms.
type Walker struct {
	Workers int
}

var _ walk.Walker = (*Walker)(nil)

func (w *Walker) Walk(root string, cancelled func() bool, progress func(walk.Progress)) (*fileindex.FileIndex, error) {
	return nil, fmt.Errorf("mft: %w: not supported on this platform", walk.ErrRawVolumeUnavailable)
}
