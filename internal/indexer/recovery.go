package indexer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Recover scans the memory root for leftover .pending markers from an
// interrupted run and re-indexes the files they point at, bounded by cap so
// a pathological backlog cannot stall startup. Markers beyond the cap stay
// on disk for the retry sweep.
func (ix *Indexer) Recover(ctx context.Context, cap int) (int, error) {
	var markers []string
	err := filepath.WalkDir(ix.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, pendingSuffix) {
			markers = append(markers, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	if len(markers) == 0 {
		return 0, nil
	}

	deferred := 0
	if cap > 0 && len(markers) > cap {
		deferred = len(markers) - cap
		markers = markers[:cap]
	}
	ix.logger.Info("recovering interrupted index operations", "count", len(markers), "deferred", deferred)

	recovered := 0
	for _, marker := range markers {
		source := strings.TrimSuffix(marker, pendingSuffix)
		if _, err := os.Stat(source); err != nil {
			// Source file is gone; the marker is all that is left.
			ix.removeMarker(source)
			continue
		}
		if _, err := ix.Index(ctx, source, true); err != nil {
			ix.logger.Warn("recovery reindex failed", "path", source, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}
