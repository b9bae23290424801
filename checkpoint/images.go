package checkpoint

import (
	"errors"
	"fmt"
	"os"

	"github.com/aluiziolira/go-wikidump/models"
)

// LocateImages cross-references the image list with the files present in
// dir. nameFor maps a filename to its on-disk name; keep excludes records
// that are never downloaded. The resume point is the kept record before the
// first missing one, so a possibly torn last file is fetched again.
func LocateImages(records []models.ImageRecord, dir string, nameFor func(string) string, keep func(models.ImageRecord) bool) (Decision, error) {
	present := map[string]struct{}{}
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Decision{}, fmt.Errorf("list image directory: %w", err)
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			present[entry.Name()] = struct{}{}
		}
	}

	prev := -1
	for i, rec := range records {
		if keep != nil && !keep(rec) {
			continue
		}
		if _, ok := present[nameFor(rec.Filename)]; !ok {
			if prev < 0 {
				return Decision{State: NotStarted}, nil
			}
			return Decision{State: IncompleteAt, Marker: records[prev].Filename, Index: prev}, nil
		}
		prev = i
	}
	return Decision{State: Complete, Index: len(records)}, nil
}
