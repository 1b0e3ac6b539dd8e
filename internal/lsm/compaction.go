package lsm

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// compactFiles k-way merges the given sorted files into one or more
// size-bounded output files, keeping only the newest version of each
// key. Tombstones are dropped only when full is true, i.e. when inputs
// cover every file that could hold an older version of a key; a partial
// merge must keep them or a stale value in an unmerged file would
// resurface as live.
//
// Outputs are committed through the normal footer protocol before the
// caller swaps the registry, so a failure here leaves nothing visible:
// finished outputs are unreferenced orphans and are removed eagerly.
func (e *LSMEngine) compactFiles(inputs []*SortedFile, full bool) ([]*SortedFile, error) {
	iters := make([]entryIterator, 0, len(inputs))
	for _, sf := range inputs {
		iters = append(iters, NewSSTableIterator(sf))
	}
	merged := NewMergingIterator(iters)
	defer merged.Close()

	var outputs []*SortedFile
	var w *SSTWriter
	var wID uint64

	fail := func(err error) ([]*SortedFile, error) {
		if w != nil {
			w.Abort()
		}
		for _, sf := range outputs {
			sf.Close()
			os.Remove(sf.Path())
		}
		return nil, err
	}

	finishCurrent := func() error {
		if w == nil {
			return nil
		}
		if err := w.Finish(); err != nil {
			w.Abort()
			w = nil
			return err
		}
		sf, err := OpenSortedFile(w.Path(), wID)
		if err != nil {
			os.Remove(w.Path())
			w = nil
			return err
		}
		outputs = append(outputs, sf)
		w = nil
		return nil
	}

	for merged.Next() {
		entry := merged.Entry()
		if entry.Tombstone && full {
			continue
		}
		if w == nil {
			wID = e.nextFileID()
			path := filepath.Join(e.dir, sstFileName(wID))
			nw, err := NewSSTWriter(path, e.opts.SparseIndexInterval, e.opts.FilterFalsePositiveRate)
			if err != nil {
				return fail(err)
			}
			w = nw
		}
		if err := w.Add(entry); err != nil {
			return fail(err)
		}
		if w.Count() >= uint64(e.opts.MaxFileEntries) {
			if err := finishCurrent(); err != nil {
				return fail(err)
			}
		}
	}
	if err := merged.Error(); err != nil {
		return fail(err)
	}
	if err := finishCurrent(); err != nil {
		return fail(err)
	}
	return outputs, nil
}

// compactOnce merges the whole current registry snapshot. Callers must
// hold ioMu, which makes compaction mutually exclusive with flush; once
// the registry swap happens the operation runs to old-file deletion.
func (e *LSMEngine) compactOnce() error {
	e.mu.RLock()
	snapshot := e.current
	e.mu.RUnlock()

	inputs := snapshot.files
	if len(inputs) < 2 {
		return nil
	}

	slog.Info("Starting compaction", "component", "lsm", "files", len(inputs))
	start := time.Now()

	// The merge covers the entire registry, so tombstones can be
	// reclaimed: every version they shadow is in the inputs.
	outputs, err := e.compactFiles(inputs, true)
	if err != nil {
		return fmt.Errorf("compact %d files: %w", len(inputs), err)
	}

	e.mu.Lock()
	e.current = e.current.replaced(inputs, outputs)
	e.mu.Unlock()

	// Old files are fully represented by the committed outputs. Readers
	// that captured the previous registry still hold references, so each
	// input is closed and unlinked only when its last reference drops;
	// with no readers that is right here, oldest first, so a value is
	// gone before the tombstone that shadowed it. Stale files surviving
	// a crash are shadowed on rebuild by the higher-id outputs and
	// removed by the next compaction.
	for i := len(inputs) - 1; i >= 0; i-- {
		inputs[i].markObsolete()
	}

	e.metrics.compactions.Add(1)
	slog.Info("Compaction finished",
		"component", "lsm",
		"in", len(inputs), "out", len(outputs),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
