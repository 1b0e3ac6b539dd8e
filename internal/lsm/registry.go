package lsm

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// registry is the ordered set of committed sorted files, newest first.
// It is an immutable value: flush and compaction never mutate a registry
// in place, they install a freshly built one. Readers capture the
// current pointer once per scan, so an in-flight scan is never touched
// by a concurrent swap.
type registry struct {
	files []*SortedFile
}

func newRegistry() *registry {
	return &registry{}
}

// withAppended returns a new registry with sf as the newest file.
func (r *registry) withAppended(sf *SortedFile) *registry {
	files := make([]*SortedFile, 0, len(r.files)+1)
	files = append(files, sf)
	files = append(files, r.files...)
	return &registry{files: files}
}

// replaced returns a new registry with the removed files swapped for
// added, which take the recency position of the newest removed file.
func (r *registry) replaced(removed, added []*SortedFile) *registry {
	rm := make(map[uint64]struct{}, len(removed))
	for _, f := range removed {
		rm[f.id] = struct{}{}
	}

	files := make([]*SortedFile, 0, len(r.files)-len(removed)+len(added))
	inserted := false
	for _, f := range r.files {
		if _, gone := rm[f.id]; gone {
			if !inserted {
				files = append(files, added...)
				inserted = true
			}
			continue
		}
		files = append(files, f)
	}
	if !inserted {
		files = append(files, added...)
	}
	return &registry{files: files}
}

func (r *registry) len() int {
	return len(r.files)
}

// release drops one reference on every file of this registry value;
// used by readers done with a captured snapshot and by Close for the
// store's own references.
func (r *registry) release() {
	for _, sf := range r.files {
		sf.release()
	}
}

// loadRegistry rebuilds the registry from the storage directory. Only
// files with a valid, fully written footer are trusted; anything else is
// an orphan from a crashed write and is skipped. Returns the registry,
// the highest file id seen and the highest sequence number persisted.
func loadRegistry(dir string) (*registry, uint64, uint64, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("list storage dir: %w", err)
	}

	var files []*SortedFile
	var maxID, maxSeq uint64
	for _, de := range dirents {
		name := de.Name()
		if !strings.HasPrefix(name, "sst-") || !strings.HasSuffix(name, ".sst") {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(name, "sst-%d.sst", &id); err != nil {
			continue
		}

		sf, err := OpenSortedFile(filepath.Join(dir, name), id)
		if err != nil {
			slog.Warn("Ignoring unreadable sorted file",
				"component", "lsm", "file", name, "error", err)
			continue
		}
		files = append(files, sf)
		if id > maxID {
			maxID = id
		}
		if _, hi := sf.SeqRange(); hi > maxSeq {
			maxSeq = hi
		}
	}

	// Newest first: file ids encode recency order.
	sort.Slice(files, func(i, j int) bool { return files[i].id > files[j].id })
	return &registry{files: files}, maxID, maxSeq, nil
}
