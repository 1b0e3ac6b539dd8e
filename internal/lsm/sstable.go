package lsm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/golang/snappy"
	"github.com/huandu/skiplist"

	"github.com/nconghau/avlkv/internal/engine"
)

// Sorted file layout (one file per flush or compaction output):
//
//	Entry block : keyLen(u32) | valueLen(i32, -1 = tombstone) | seq(u64)
//	              | key | value?          repeated, sorted by key
//	Sparse index: count(u32), then keyLen(u32) | key | offset(u64)
//	              for every Mth entry
//	Filter      : bit-array size, hash count, bit array
//	Footer      : section offsets, entryCount, seq range, min/max key,
//	              footerLen(u32) | crc32(u32) | magic(u32)
//
// The footer is written last and doubles as the commit marker: a file
// with no valid footer was never committed and is ignored, not repaired.
// Values are stored snappy-compressed; offsets stay exact because
// compression is per value.
const (
	sstMagic     = 0x41564B31 // "AVK1"
	sstTailLen   = 12         // footerLen + crc + magic
	sstHeaderLen = 16         // keyLen + valueLen + seq

	tombstoneLen = int32(-1)

	sstWriteBufferSize = 256 * 1024
	sstReadBufferSize  = 64 * 1024
)

func sstFileName(id uint64) string {
	return fmt.Sprintf("sst-%08d.sst", id)
}

// maxEncodedValueLen bounds the stored length of one compressed value;
// anything larger is a corrupt header, not a real entry.
var maxEncodedValueLen = int32(snappy.MaxEncodedLen(MaxValueLen))

// SSTWriter streams an ascending entry sequence into a new sorted file.
// Callers must Add entries in strictly ascending key order and finish
// with either Finish (commit) or Abort (discard).
type SSTWriter struct {
	file *os.File
	w    *bufio.Writer
	path string

	interval int
	fpRate   float64

	offset int64 // bytes written into the entry block
	count  uint64
	minKey string
	maxKey string
	seqMin uint64
	seqMax uint64

	index []sparseIndexEntry
	keys  []string // final key set, feeds the filter in Finish
}

type sparseIndexEntry struct {
	key    string
	offset uint64
}

func NewSSTWriter(path string, interval int, fpRate float64) (*SSTWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create sorted file: %w", err)
	}
	return &SSTWriter{
		file:     f,
		w:        bufio.NewWriterSize(f, sstWriteBufferSize),
		path:     path,
		interval: interval,
		fpRate:   fpRate,
	}, nil
}

// Add appends one entry to the entry block and records it in the sparse
// index if it falls on an interval boundary.
func (w *SSTWriter) Add(e *Entry) error {
	if w.count == 0 {
		w.minKey = e.Key
		w.seqMin = e.Seq
		w.seqMax = e.Seq
	}
	w.maxKey = e.Key
	if e.Seq < w.seqMin {
		w.seqMin = e.Seq
	}
	if e.Seq > w.seqMax {
		w.seqMax = e.Seq
	}

	if w.count%uint64(w.interval) == 0 {
		w.index = append(w.index, sparseIndexEntry{key: e.Key, offset: uint64(w.offset)})
	}
	w.keys = append(w.keys, e.Key)
	w.count++

	n, err := encodeEntry(w.w, e)
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	w.offset += n
	return nil
}

// Finish writes the sparse index, the filter and finally the footer,
// then syncs. Only after Finish returns nil is the file committed.
func (w *SSTWriter) Finish() error {
	indexOffset := w.offset

	var idx bytes.Buffer
	binary.Write(&idx, binary.LittleEndian, uint32(len(w.index)))
	for _, ie := range w.index {
		binary.Write(&idx, binary.LittleEndian, uint32(len(ie.key)))
		idx.WriteString(ie.key)
		binary.Write(&idx, binary.LittleEndian, ie.offset)
	}
	if _, err := w.w.Write(idx.Bytes()); err != nil {
		return fmt.Errorf("write sparse index: %w", err)
	}
	indexLen := int64(idx.Len())

	filter := NewFilter(uint(len(w.keys)), w.fpRate)
	for _, k := range w.keys {
		filter.Add(k)
	}
	filterLen, err := filter.WriteTo(w.w)
	if err != nil {
		return fmt.Errorf("write filter: %w", err)
	}

	var footer bytes.Buffer
	binary.Write(&footer, binary.LittleEndian, uint64(indexOffset))
	binary.Write(&footer, binary.LittleEndian, uint64(indexLen))
	binary.Write(&footer, binary.LittleEndian, uint64(indexOffset+indexLen))
	binary.Write(&footer, binary.LittleEndian, uint64(filterLen))
	binary.Write(&footer, binary.LittleEndian, w.count)
	binary.Write(&footer, binary.LittleEndian, w.seqMin)
	binary.Write(&footer, binary.LittleEndian, w.seqMax)
	binary.Write(&footer, binary.LittleEndian, uint32(len(w.minKey)))
	footer.WriteString(w.minKey)
	binary.Write(&footer, binary.LittleEndian, uint32(len(w.maxKey)))
	footer.WriteString(w.maxKey)

	footerLen := uint32(footer.Len())
	crc := crc32.ChecksumIEEE(footer.Bytes())
	binary.Write(&footer, binary.LittleEndian, footerLen)
	binary.Write(&footer, binary.LittleEndian, crc)
	binary.Write(&footer, binary.LittleEndian, uint32(sstMagic))

	if _, err := w.w.Write(footer.Bytes()); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("flush sorted file: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync sorted file: %w", err)
	}
	return w.file.Close()
}

// Abort discards a partially written file. Without a footer it could
// never be opened anyway; removing it just reclaims space early.
func (w *SSTWriter) Abort() {
	w.file.Close()
	os.Remove(w.path)
}

func (w *SSTWriter) Count() uint64 { return w.count }
func (w *SSTWriter) Path() string  { return w.path }

func encodeEntry(w io.Writer, e *Entry) (int64, error) {
	vlen := tombstoneLen
	var vb []byte
	if !e.Tombstone {
		vb = snappy.Encode(nil, e.Value)
		vlen = int32(len(vb))
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Key))); err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.LittleEndian, vlen); err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.LittleEndian, e.Seq); err != nil {
		return 0, err
	}
	if _, err := io.WriteString(w, e.Key); err != nil {
		return 0, err
	}
	if _, err := w.Write(vb); err != nil {
		return 0, err
	}
	return int64(sstHeaderLen + len(e.Key) + len(vb)), nil
}

// decodeEntry reads one entry from r. io.EOF means a clean end of the
// entry block.
func decodeEntry(r *bufio.Reader) (*Entry, error) {
	var klen uint32
	if err := binary.Read(r, binary.LittleEndian, &klen); err != nil {
		return nil, err
	}
	// The footer checksum covers only the footer, so a flipped bit in
	// the entry block arrives here unnoticed. Lengths are bounds-checked
	// before they size an allocation.
	if klen == 0 || klen > MaxKeyLen {
		return nil, fmt.Errorf("key length %d: %w", klen, engine.ErrCorruptFile)
	}
	var vlen int32
	if err := binary.Read(r, binary.LittleEndian, &vlen); err != nil {
		return nil, fmt.Errorf("read value length: %w", err)
	}
	if vlen != tombstoneLen && (vlen < 0 || vlen > maxEncodedValueLen) {
		return nil, fmt.Errorf("value length %d: %w", vlen, engine.ErrCorruptFile)
	}
	var seq uint64
	if err := binary.Read(r, binary.LittleEndian, &seq); err != nil {
		return nil, fmt.Errorf("read seq: %w", err)
	}

	kb := make([]byte, klen)
	if _, err := io.ReadFull(r, kb); err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	e := &Entry{Key: string(kb), Seq: seq}
	if vlen == tombstoneLen {
		e.Tombstone = true
		return e, nil
	}

	vb := make([]byte, vlen)
	if _, err := io.ReadFull(r, vb); err != nil {
		return nil, fmt.Errorf("read value: %w", err)
	}
	v, err := snappy.Decode(nil, vb)
	if err != nil {
		return nil, fmt.Errorf("decompress value: %w", err)
	}
	e.Value = v
	return e, nil
}

// SortedFile is an open, committed sorted file. Its sparse index and
// filter are loaded once and held for the descriptor's lifetime.
type SortedFile struct {
	id   uint64
	path string
	file *os.File

	index  *skiplist.SkipList // indexed key -> entry-block offset
	filter *Filter

	minKey     string
	maxKey     string
	entryCount uint64
	seqMin     uint64
	seqMax     uint64
	dataLen    int64 // entry-block length; bounded scans stop here

	refs     atomic.Int32 // registry plus captured snapshots
	obsolete atomic.Bool  // superseded by compaction, unlink on last release
}

// OpenSortedFile validates the footer and loads the sparse index and
// filter. Files without a valid footer (crashed writes) surface
// ErrCorruptFile and must be ignored by the caller.
func OpenSortedFile(path string, id uint64) (*SortedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sf, err := readSortedFile(f, path, id)
	if err != nil {
		f.Close()
		return nil, err
	}
	sf.refs.Store(1)
	return sf, nil
}

func readSortedFile(f *os.File, path string, id uint64) (*SortedFile, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	if size < sstTailLen {
		return nil, corruptf(path, "file too small")
	}

	tail := make([]byte, sstTailLen)
	if _, err := f.ReadAt(tail, size-sstTailLen); err != nil {
		return nil, fmt.Errorf("read footer tail: %w", err)
	}
	footerLen := binary.LittleEndian.Uint32(tail[0:4])
	crc := binary.LittleEndian.Uint32(tail[4:8])
	magic := binary.LittleEndian.Uint32(tail[8:12])
	if magic != sstMagic {
		return nil, corruptf(path, "bad magic")
	}
	if int64(footerLen)+sstTailLen > size {
		return nil, corruptf(path, "bad footer length")
	}

	footer := make([]byte, footerLen)
	if _, err := f.ReadAt(footer, size-sstTailLen-int64(footerLen)); err != nil {
		return nil, fmt.Errorf("read footer: %w", err)
	}
	if crc32.ChecksumIEEE(footer) != crc {
		return nil, corruptf(path, "footer checksum mismatch")
	}

	r := bytes.NewReader(footer)
	var indexOffset, indexLen, filterOffset, filterLen uint64
	sf := &SortedFile{id: id, path: path, file: f}
	binary.Read(r, binary.LittleEndian, &indexOffset)
	binary.Read(r, binary.LittleEndian, &indexLen)
	binary.Read(r, binary.LittleEndian, &filterOffset)
	binary.Read(r, binary.LittleEndian, &filterLen)
	binary.Read(r, binary.LittleEndian, &sf.entryCount)
	binary.Read(r, binary.LittleEndian, &sf.seqMin)
	binary.Read(r, binary.LittleEndian, &sf.seqMax)
	minKey, err := readLenPrefixed(r)
	if err != nil {
		return nil, corruptf(path, "bad min key")
	}
	maxKey, err := readLenPrefixed(r)
	if err != nil {
		return nil, corruptf(path, "bad max key")
	}
	sf.minKey, sf.maxKey = minKey, maxKey
	sf.dataLen = int64(indexOffset)

	if int64(indexOffset+indexLen) > size || int64(filterOffset+filterLen) > size {
		return nil, corruptf(path, "section offsets out of range")
	}

	indexData := make([]byte, indexLen)
	if _, err := f.ReadAt(indexData, int64(indexOffset)); err != nil {
		return nil, fmt.Errorf("read sparse index: %w", err)
	}
	if err := sf.parseIndex(indexData); err != nil {
		return nil, corruptf(path, "bad sparse index")
	}

	filterData := make([]byte, filterLen)
	if _, err := f.ReadAt(filterData, int64(filterOffset)); err != nil {
		return nil, fmt.Errorf("read filter: %w", err)
	}
	filter, err := ReadFilterFrom(bytes.NewReader(filterData))
	if err != nil {
		return nil, corruptf(path, "bad filter")
	}
	sf.filter = filter
	return sf, nil
}

func (s *SortedFile) parseIndex(data []byte) error {
	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}
	s.index = skiplist.New(skiplist.String)
	for i := uint32(0); i < count; i++ {
		key, err := readLenPrefixed(r)
		if err != nil {
			return err
		}
		var off uint64
		if err := binary.Read(r, binary.LittleEndian, &off); err != nil {
			return err
		}
		s.index.Set(key, off)
	}
	return nil
}

func readLenPrefixed(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > MaxKeyLen {
		return "", fmt.Errorf("length %d out of range", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// Lookup resolves key within this file: nil,nil means the file
// definitively does not hold the key. A returned tombstone entry is a
// definitive deletion.
func (s *SortedFile) Lookup(key string) (*Entry, error) {
	if key < s.minKey || key > s.maxKey {
		return nil, nil
	}
	if !s.filter.MightContain(key) {
		return nil, nil
	}

	start, ok := s.regionStart(key)
	if !ok {
		return nil, nil
	}

	r := bufio.NewReaderSize(io.NewSectionReader(s.file, int64(start), s.dataLen-int64(start)), sstReadBufferSize)
	for {
		e, err := decodeEntry(r)
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: scan region: %w", filepath.Base(s.path), err)
		}
		if e.Key == key {
			return e, nil
		}
		if e.Key > key {
			return nil, nil
		}
	}
}

// regionStart finds the greatest indexed key <= key, bounding the scan
// to at most one sparse-index interval.
func (s *SortedFile) regionStart(key string) (uint64, bool) {
	elem := s.index.Find(key)
	if elem != nil && elem.Key().(string) == key {
		return elem.Value.(uint64), true
	}
	var prev *skiplist.Element
	if elem == nil {
		prev = s.index.Back()
	} else {
		prev = elem.Prev()
	}
	if prev == nil {
		// key sorts before the first indexed entry, which is minKey;
		// unreachable after the range gate.
		return 0, false
	}
	return prev.Value.(uint64), true
}

func (s *SortedFile) ID() uint64         { return s.id }
func (s *SortedFile) Path() string       { return s.path }
func (s *SortedFile) MinKey() string     { return s.minKey }
func (s *SortedFile) MaxKey() string     { return s.maxKey }
func (s *SortedFile) EntryCount() uint64 { return s.entryCount }

// SeqRange returns the lowest and highest sequence number in the file.
func (s *SortedFile) SeqRange() (uint64, uint64) { return s.seqMin, s.seqMax }

// acquire adds a reference for a captured snapshot.
func (s *SortedFile) acquire() { s.refs.Add(1) }

// release drops one reference. The handle stays open until the last
// holder (registry or snapshot) is gone; a file compaction marked
// obsolete is also unlinked at that point.
func (s *SortedFile) release() {
	if s.refs.Add(-1) != 0 {
		return
	}
	s.file.Close()
	if s.obsolete.Load() {
		if err := os.Remove(s.path); err != nil {
			slog.Warn("Failed to delete obsolete sorted file",
				"component", "lsm", "file", s.path, "error", err)
		}
	}
}

// markObsolete returns the registry's reference and schedules the file
// for deletion once the last reader lets go of it.
func (s *SortedFile) markObsolete() {
	s.obsolete.Store(true)
	s.release()
}

// Close drops the caller's reference.
func (s *SortedFile) Close() error {
	s.release()
	return nil
}

func corruptf(path, detail string) error {
	return fmt.Errorf("%s: %s: %w", filepath.Base(path), detail, engine.ErrCorruptFile)
}
