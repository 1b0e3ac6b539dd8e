package lsm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nconghau/avlkv/internal/engine"
)

// MaxImmutableTables bounds concurrent not-yet-flushed generations.
const MaxImmutableTables = 3

// Options is the construction configuration of a store.
type Options struct {
	// MemoryThreshold is the entry count at which the active memtable
	// generation is swapped out and flushed.
	MemoryThreshold int

	// SparseIndexInterval is M: every Mth entry of a sorted file is
	// recorded in its sparse index.
	SparseIndexInterval int

	// FilterFalsePositiveRate is the target false-positive rate of each
	// file's existence filter.
	FilterFalsePositiveRate float64

	// CompactionTrigger is the file count at which a background
	// compaction is scheduled after flush.
	CompactionTrigger int

	// MaxFileEntries bounds the size of a single compaction output file.
	MaxFileEntries int
}

func DefaultOptions() Options {
	return Options{
		MemoryThreshold:         4096,
		SparseIndexInterval:     16,
		FilterFalsePositiveRate: 0.01,
		CompactionTrigger:       4,
		MaxFileEntries:          1 << 17,
	}
}

func (o Options) validate() error {
	if o.MemoryThreshold <= 0 {
		return fmt.Errorf("memory threshold %d: %w", o.MemoryThreshold, engine.ErrCapacityExceeded)
	}
	if o.SparseIndexInterval <= 0 {
		return fmt.Errorf("sparse index interval %d: %w", o.SparseIndexInterval, engine.ErrCapacityExceeded)
	}
	if o.FilterFalsePositiveRate <= 0 || o.FilterFalsePositiveRate >= 1 {
		return fmt.Errorf("filter false-positive rate %g: %w", o.FilterFalsePositiveRate, engine.ErrCapacityExceeded)
	}
	if o.CompactionTrigger < 2 {
		return fmt.Errorf("compaction trigger %d: %w", o.CompactionTrigger, engine.ErrCapacityExceeded)
	}
	if o.MaxFileEntries <= 0 {
		return fmt.Errorf("max file entries %d: %w", o.MaxFileEntries, engine.ErrCapacityExceeded)
	}
	return nil
}

// LSMEngine is the store coordinator. It exclusively owns the active
// memtable and the registry reference, assigns sequence numbers, and
// routes writes and reads. Flush and compaction run on background
// workers and are mutually exclusive with each other (ioMu); inserts are
// never blocked by either thanks to memtable double-buffering.
type LSMEngine struct {
	dir  string
	opts Options

	mu      sync.RWMutex // guards mem, seq, current, closed
	mem     *MemTable
	seq     uint64
	current *registry
	closed  bool

	fileID atomic.Uint64

	immutMu    sync.RWMutex
	immutables []*MemTable // generations handed off to flush, oldest first

	ioMu sync.Mutex // held by flush and compaction, never both

	flushCh   chan *MemTable
	compactCh chan struct{}
	wg        sync.WaitGroup
	flushErr  atomic.Value

	metrics struct {
		puts        atomic.Int64
		gets        atomic.Int64
		deletes     atomic.Int64
		flushes     atomic.Int64
		compactions atomic.Int64
	}
}

var _ engine.Engine = (*LSMEngine)(nil)

// Open loads the registry from dir (trusting only files with a valid
// footer) and starts the flush and compaction workers.
func Open(dir string, opts Options) (*LSMEngine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	reg, maxID, maxSeq, err := loadRegistry(dir)
	if err != nil {
		return nil, err
	}

	e := &LSMEngine{
		dir:       dir,
		opts:      opts,
		mem:       NewMemTable(),
		seq:       maxSeq,
		current:   reg,
		flushCh:   make(chan *MemTable, MaxImmutableTables),
		compactCh: make(chan struct{}, 1),
	}
	e.fileID.Store(maxID)

	e.wg.Add(2)
	go e.flushWorker()
	go e.compactionWorker()

	slog.Info("Store opened",
		"component", "lsm", "dir", dir,
		"files", reg.len(), "seq", maxSeq,
	)
	return e, nil
}

func (e *LSMEngine) nextFileID() uint64 {
	return e.fileID.Add(1)
}

func (e *LSMEngine) NewBatch() engine.Batch {
	return NewBatch()
}

// ApplyBatch applies all operations of a batch under one lock, with
// consecutive sequence numbers. Keys are validated before anything is
// mutated. If a generation fills up mid-batch it is swapped for a fresh
// one and handed to the flush worker; when the flush backlog is at
// capacity the rotation is refused and the active generation keeps
// absorbing writes, so backpressure never orphans acknowledged entries.
func (e *LSMEngine) ApplyBatch(b engine.Batch) error {
	lb, ok := b.(*lsmBatch)
	if !ok {
		return errors.New("invalid batch type provided")
	}
	if lb.Len() == 0 {
		return nil
	}
	for _, be := range lb.entries {
		if err := validateKey(be.key); err != nil {
			return err
		}
		if len(be.value) > MaxValueLen {
			return fmt.Errorf("value for key %q: %w", be.key, engine.ErrCapacityExceeded)
		}
	}

	var toFlush []*MemTable
	var applyErr error

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return engine.ErrClosed
	}
	for _, be := range lb.entries {
		if e.mem.Len() >= e.opts.MemoryThreshold {
			if old := e.rotateLocked(); old != nil {
				toFlush = append(toFlush, old)
			}
		}
		e.seq++
		if be.tombstone {
			applyErr = e.mem.Delete(string(be.key), e.seq)
		} else {
			applyErr = e.mem.Put(string(be.key), be.value, e.seq)
		}
		if applyErr != nil {
			break
		}
	}
	// The sends stay inside the critical section: a rotated generation
	// is already registered, so the channel has room for it, and Close
	// cannot shut the channel while a writer holds mu.
	for _, mt := range toFlush {
		e.flushCh <- mt
	}
	e.mu.Unlock()
	return applyErr
}

// rotateLocked swaps the active generation out and registers it with
// the flush backlog. Callers hold mu. At capacity the rotation is
// refused and the caller keeps writing into the active generation; a
// generation holding acknowledged entries is never left unregistered.
func (e *LSMEngine) rotateLocked() *MemTable {
	e.immutMu.Lock()
	defer e.immutMu.Unlock()
	if len(e.immutables) >= MaxImmutableTables {
		return nil
	}
	old := e.mem
	e.immutables = append(e.immutables, old)
	e.mem = NewMemTable()
	return old
}

func (e *LSMEngine) Put(key, value []byte) error {
	e.metrics.puts.Add(1)
	b := &lsmBatch{}
	b.Put(key, value)
	return e.ApplyBatch(b)
}

func (e *LSMEngine) Delete(key []byte) error {
	e.metrics.deletes.Add(1)
	b := &lsmBatch{}
	b.Delete(key)
	return e.ApplyBatch(b)
}

// Get resolves key from the active memtable, then the immutable
// generations newest first, then a captured registry snapshot newest
// first. The first definitive answer wins; a tombstone anywhere means
// not-found. A missing key is never an error.
func (e *LSMEngine) Get(key []byte) ([]byte, error) {
	e.metrics.gets.Add(1)
	if err := validateKey(key); err != nil {
		return nil, err
	}
	k := string(key)

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, engine.ErrClosed
	}
	mem := e.mem
	e.mu.RUnlock()

	if ent, ok := mem.Get(k); ok {
		return liveValue(ent)
	}

	e.immutMu.RLock()
	immutables := make([]*MemTable, len(e.immutables))
	copy(immutables, e.immutables)
	e.immutMu.RUnlock()
	for i := len(immutables) - 1; i >= 0; i-- {
		if ent, ok := immutables[i].Get(k); ok {
			return liveValue(ent)
		}
	}

	// The registry is captured after the immutables: a generation that
	// left the immutable list has already been appended here, so no
	// entry can fall between the two scans.
	reg := e.captureRegistry()
	defer reg.release()

	for _, sf := range reg.files {
		ent, err := sf.Lookup(k)
		if err != nil {
			return nil, err
		}
		if ent != nil {
			return liveValue(ent)
		}
	}
	return nil, engine.ErrKeyNotFound
}

func liveValue(e *Entry) ([]byte, error) {
	if e.Tombstone {
		return nil, engine.ErrKeyNotFound
	}
	return e.Value, nil
}

// captureRegistry snapshots the current registry with a reference held
// on every file, keeping a concurrent compaction from closing or
// unlinking them under the scan. Callers release the snapshot when the
// scan is done.
func (e *LSMEngine) captureRegistry() *registry {
	e.mu.RLock()
	reg := e.current
	for _, sf := range reg.files {
		sf.acquire()
	}
	e.mu.RUnlock()
	return reg
}

// Compact synchronously merges the current registry snapshot down to
// size-bounded output files, surfacing any IO or corruption error. On
// failure before the commit point the registry is untouched.
func (e *LSMEngine) Compact() error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return engine.ErrClosed
	}

	e.ioMu.Lock()
	defer e.ioMu.Unlock()
	return e.compactOnce()
}

func (e *LSMEngine) flushWorker() {
	defer e.wg.Done()
	slog.Info("Flush worker started", "component", "lsm")

	for mt := range e.flushCh {
		start := time.Now()

		e.ioMu.Lock()
		err := e.flushMemTable(mt)
		e.ioMu.Unlock()

		if err != nil {
			e.flushErr.Store(err)
			slog.Error("Memtable flush error",
				"component", "lsm", "error", err,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		} else {
			slog.Info("Memtable flush complete",
				"component", "lsm",
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}

		e.tryScheduleCompaction()
	}
	slog.Info("Flush worker stopped", "component", "lsm")
}

// flushMemTable drains one immutable generation into a new sorted file
// and appends it to the registry. A failed write never becomes visible:
// the file is only referenced once its footer is committed.
func (e *LSMEngine) flushMemTable(mt *MemTable) error {
	if mt.Len() == 0 {
		e.removeImmutable(mt)
		return nil
	}

	id := e.nextFileID()
	path := filepath.Join(e.dir, sstFileName(id))
	w, err := NewSSTWriter(path, e.opts.SparseIndexInterval, e.opts.FilterFalsePositiveRate)
	if err != nil {
		return err
	}

	it := NewMemTableIterator(mt)
	for it.Next() {
		if err := w.Add(it.Entry()); err != nil {
			it.Close()
			w.Abort()
			return err
		}
	}
	it.Close()

	if err := w.Finish(); err != nil {
		w.Abort()
		return err
	}

	sf, err := OpenSortedFile(path, id)
	if err != nil {
		os.Remove(path)
		return err
	}

	e.mu.Lock()
	e.current = e.current.withAppended(sf)
	e.mu.Unlock()

	// Only after the file is visible in the registry may the generation
	// leave the immutable list, or a read could miss its entries.
	e.removeImmutable(mt)
	e.metrics.flushes.Add(1)
	return nil
}

func (e *LSMEngine) removeImmutable(mt *MemTable) {
	e.immutMu.Lock()
	defer e.immutMu.Unlock()
	for i, m := range e.immutables {
		if m == mt {
			e.immutables = append(e.immutables[:i], e.immutables[i+1:]...)
			break
		}
	}
}

func (e *LSMEngine) compactionWorker() {
	defer e.wg.Done()
	slog.Info("Compaction worker started", "component", "lsm")

	for range e.compactCh {
		e.ioMu.Lock()
		err := e.compactOnce()
		e.ioMu.Unlock()

		if err != nil {
			slog.Error("Compaction error", "component", "lsm", "error", err)
		}

		// Re-check in case files piled up while merging.
		e.tryScheduleCompaction()
	}
	slog.Info("Compaction worker stopped", "component", "lsm")
}

// tryScheduleCompaction signals the compaction worker, without blocking,
// when the file count reaches the trigger.
func (e *LSMEngine) tryScheduleCompaction() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	if e.current.len() < e.opts.CompactionTrigger {
		return
	}
	select {
	case e.compactCh <- struct{}{}:
	default:
	}
}

// NewIterator returns an ascending iterator over the live key set,
// merging the active memtable, the immutable generations and every
// sorted file of a captured registry snapshot.
func (e *LSMEngine) NewIterator() (engine.Iterator, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, engine.ErrClosed
	}
	mem := e.mem
	e.mu.RUnlock()

	iters := []entryIterator{NewMemTableIterator(mem)}

	e.immutMu.RLock()
	for i := len(e.immutables) - 1; i >= 0; i-- {
		iters = append(iters, NewMemTableIterator(e.immutables[i]))
	}
	e.immutMu.RUnlock()

	reg := e.captureRegistry()
	for _, sf := range reg.files {
		iters = append(iters, NewSSTableIterator(sf))
	}

	return &liveIterator{src: NewMergingIterator(iters), reg: reg}, nil
}

type dumpRecord struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Dump streams the live key set to a JSON-lines file.
func (e *LSMEngine) Dump(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	it, err := e.NewIterator()
	if err != nil {
		return err
	}
	defer it.Close()

	enc := json.NewEncoder(f)
	for it.Next() {
		if err := enc.Encode(dumpRecord{Key: it.Key(), Value: it.Value()}); err != nil {
			return err
		}
	}
	return it.Error()
}

// Restore replays a Dump file through the normal write path.
func (e *LSMEngine) Restore(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for dec.More() {
		var rec dumpRecord
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("decode dump record: %w", err)
		}
		if err := e.Put([]byte(rec.Key), rec.Value); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the workers, drains the final generation to disk and
// releases the registry's file references.
func (e *LSMEngine) Close() error {
	slog.Info("Store closing", "component", "lsm")

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return engine.ErrClosed
	}
	e.closed = true
	final := e.mem
	e.mem = NewMemTable()
	e.mu.Unlock()

	close(e.flushCh)
	close(e.compactCh)
	e.wg.Wait()

	// The workers are gone; flush the last generation directly so every
	// acknowledged entry reaches a committed file.
	var firstErr error
	if final.Len() > 0 {
		e.ioMu.Lock()
		firstErr = e.flushMemTable(final)
		e.ioMu.Unlock()
	}

	e.mu.Lock()
	reg := e.current
	e.mu.Unlock()
	reg.release()

	slog.Info("Store closed", "component", "lsm")
	return firstErr
}

// Metrics returns operation counters.
func (e *LSMEngine) Metrics() map[string]int64 {
	return map[string]int64{
		"puts":        e.metrics.puts.Load(),
		"gets":        e.metrics.gets.Load(),
		"deletes":     e.metrics.deletes.Load(),
		"flushes":     e.metrics.flushes.Load(),
		"compactions": e.metrics.compactions.Load(),
	}
}

// FlushErr reports the most recent background flush failure, if any.
func (e *LSMEngine) FlushErr() error {
	if v := e.flushErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}
