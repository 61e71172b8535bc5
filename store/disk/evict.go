package disk

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// entryFile is a committed entry found by a directory scan.
type entryFile struct {
	path    string
	size    int64
	modTime time.Time
}

// scanEntries lists the committed entry files under dir with their total
// size. A missing dir holds nothing.
func scanEntries(dir string) ([]entryFile, int64, error) {
	var (
		files []entryFile
		total int64
	)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || !isEntryName(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, entryFile{path: path, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, nil
	}
	return files, total, err
}

// evictOldest deletes the least recently written entries under dir until at
// most budget bytes remain.
func evictOldest(dir string, budget int64) (freed, remaining int64, err error) {
	files, remaining, err := scanEntries(dir)
	if err != nil || remaining <= budget {
		return 0, remaining, err
	}
	slices.SortFunc(files, func(a, b entryFile) int {
		if c := a.modTime.Compare(b.modTime); c != 0 {
			return c
		}
		return strings.Compare(a.path, b.path)
	})
	for _, f := range files {
		if remaining <= budget {
			break
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return freed, remaining, err
		}
		remaining -= f.size
		freed += f.size
	}
	return freed, remaining, nil
}
