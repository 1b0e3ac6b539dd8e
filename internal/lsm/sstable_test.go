package lsm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nconghau/avlkv/internal/engine"
)

// writeTestFile builds a committed sorted file from pre-sorted entries.
func writeTestFile(t *testing.T, dir string, id uint64, interval int, entries []*Entry) *SortedFile {
	t.Helper()
	path := filepath.Join(dir, sstFileName(id))
	w, err := NewSSTWriter(path, interval, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if err := w.Add(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}
	sf, err := OpenSortedFile(path, id)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sf.Close() })
	return sf
}

func TestSSTable_WriteAndLookup(t *testing.T) {
	dir := t.TempDir()
	sf := writeTestFile(t, dir, 1, 3, []*Entry{
		{Key: "apple", Value: []byte("red"), Seq: 1},
		{Key: "banana", Value: []byte("yellow"), Seq: 2},
		{Key: "cherry", Tombstone: true, Seq: 3},
		{Key: "date", Value: []byte("brown"), Seq: 4},
	})

	e, err := sf.Lookup("banana")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || string(e.Value) != "yellow" || e.Seq != 2 {
		t.Errorf("expected yellow/seq=2, got %+v", e)
	}

	// Tombstone is a definitive answer, not an absence.
	e, err = sf.Lookup("cherry")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || !e.Tombstone {
		t.Errorf("expected tombstone for cherry, got %+v", e)
	}

	// Key inside the range but not present.
	e, err = sf.Lookup("coconut")
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Errorf("expected absent for coconut, got %+v", e)
	}

	// Out of range on both sides.
	for _, k := range []string{"aardvark", "zebra"} {
		e, err := sf.Lookup(k)
		if err != nil || e != nil {
			t.Errorf("expected range-gated absent for %q, got %+v err=%v", k, e, err)
		}
	}
}

func TestSSTable_Metadata(t *testing.T) {
	dir := t.TempDir()
	sf := writeTestFile(t, dir, 7, 2, []*Entry{
		{Key: "a", Value: []byte("1"), Seq: 10},
		{Key: "b", Value: []byte("2"), Seq: 12},
		{Key: "c", Value: []byte("3"), Seq: 11},
	})

	if sf.MinKey() != "a" || sf.MaxKey() != "c" {
		t.Errorf("expected range [a,c], got [%s,%s]", sf.MinKey(), sf.MaxKey())
	}
	if sf.EntryCount() != 3 {
		t.Errorf("expected 3 entries, got %d", sf.EntryCount())
	}
	lo, hi := sf.SeqRange()
	if lo != 10 || hi != 12 {
		t.Errorf("expected seq range [10,12], got [%d,%d]", lo, hi)
	}
	if sf.ID() != 7 {
		t.Errorf("expected id 7, got %d", sf.ID())
	}
}

func TestSSTable_SparseIndexBoundsEveryKey(t *testing.T) {
	// With a large interval most keys are not in the sparse index, so
	// every lookup exercises the bounded-region scan.
	dir := t.TempDir()
	var entries []*Entry
	for i := 0; i < 100; i++ {
		entries = append(entries, &Entry{
			Key:   fmt.Sprintf("key-%03d", i),
			Value: []byte(fmt.Sprintf("value-%03d", i)),
			Seq:   uint64(i + 1),
		})
	}
	sf := writeTestFile(t, dir, 1, 7, entries)

	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("key-%03d", i)
		e, err := sf.Lookup(k)
		if err != nil {
			t.Fatal(err)
		}
		if e == nil || string(e.Value) != fmt.Sprintf("value-%03d", i) {
			t.Fatalf("lookup %q: got %+v", k, e)
		}
	}

	// Keys that fall between stored keys must come back absent.
	e, err := sf.Lookup("key-042x")
	if err != nil || e != nil {
		t.Errorf("expected absent for in-between key, got %+v err=%v", e, err)
	}
}

func TestSSTable_CompressedValuesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	big := []byte(strings.Repeat("compressible payload ", 500))
	sf := writeTestFile(t, dir, 1, 4, []*Entry{
		{Key: "big", Value: big, Seq: 1},
	})

	e, err := sf.Lookup("big")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || !bytes.Equal(e.Value, big) {
		t.Fatal("compressed value did not round-trip")
	}
}

func TestSSTable_CorruptFooterRejected(t *testing.T) {
	dir := t.TempDir()
	sf := writeTestFile(t, dir, 1, 3, []*Entry{
		{Key: "a", Value: []byte("1"), Seq: 1},
	})
	path := sf.Path()
	sf.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Flip a byte inside the footer (before the 12-byte tail).
	data[len(data)-sstTailLen-4] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := OpenSortedFile(path, 1); !errors.Is(err, engine.ErrCorruptFile) {
		t.Errorf("expected ErrCorruptFile, got %v", err)
	}
}

func TestSSTable_TruncatedFileRejected(t *testing.T) {
	// A crash mid-write leaves a file without a committed footer. Open
	// must reject it so the registry never references it.
	dir := t.TempDir()
	sf := writeTestFile(t, dir, 1, 3, []*Entry{
		{Key: "a", Value: []byte("1"), Seq: 1},
		{Key: "b", Value: []byte("2"), Seq: 2},
	})
	path := sf.Path()
	sf.Close()

	stat, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, stat.Size()/2); err != nil {
		t.Fatal(err)
	}

	if _, err := OpenSortedFile(path, 1); !errors.Is(err, engine.ErrCorruptFile) {
		t.Errorf("expected ErrCorruptFile for truncated file, got %v", err)
	}
}

func TestSSTable_IteratorYieldsAllEntriesInOrder(t *testing.T) {
	dir := t.TempDir()
	sf := writeTestFile(t, dir, 1, 2, []*Entry{
		{Key: "a", Value: []byte("1"), Seq: 1},
		{Key: "b", Tombstone: true, Seq: 2},
		{Key: "c", Value: []byte("3"), Seq: 3},
	})

	it := NewSSTableIterator(sf)
	defer it.Close()

	var keys []string
	tombs := 0
	for it.Next() {
		keys = append(keys, it.Entry().Key)
		if it.Entry().Tombstone {
			tombs++
		}
	}
	if it.Error() != nil {
		t.Fatal(it.Error())
	}
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Errorf("unexpected keys %v", keys)
	}
	if tombs != 1 {
		t.Errorf("expected the tombstone to be yielded, tombs=%d", tombs)
	}
}

func TestSSTable_CorruptEntryHeaderSurfacesError(t *testing.T) {
	// A bit flip in the entry block passes the footer checks, so decode
	// must reject insane lengths instead of trusting them.
	dir := t.TempDir()
	sf := writeTestFile(t, dir, 1, 3, []*Entry{
		{Key: "alpha", Value: []byte("1"), Seq: 1},
		{Key: "beta", Value: []byte("2"), Seq: 2},
	})
	path := sf.Path()
	sf.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// First entry header: keyLen u32 | valueLen i32 | seq u64. Overwrite
	// valueLen with -2, which is neither a real length nor the tombstone
	// sentinel.
	binary.LittleEndian.PutUint32(data[4:8], 0xFFFFFFFE)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenSortedFile(path, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if _, err := reopened.Lookup("alpha"); !errors.Is(err, engine.ErrCorruptFile) {
		t.Errorf("expected ErrCorruptFile from corrupt entry header, got %v", err)
	}
}

func TestSSTable_DecodeRejectsInsaneLengths(t *testing.T) {
	header := func(klen uint32, vlen int32) *bufio.Reader {
		var buf bytes.Buffer
		binary.Write(&buf, binary.LittleEndian, klen)
		binary.Write(&buf, binary.LittleEndian, vlen)
		binary.Write(&buf, binary.LittleEndian, uint64(1))
		buf.WriteString("k")
		return bufio.NewReader(&buf)
	}

	if _, err := decodeEntry(header(0, 1)); !errors.Is(err, engine.ErrCorruptFile) {
		t.Errorf("zero key length: got %v", err)
	}
	if _, err := decodeEntry(header(MaxKeyLen+1, 1)); !errors.Is(err, engine.ErrCorruptFile) {
		t.Errorf("oversized key length: got %v", err)
	}
	if _, err := decodeEntry(header(1, -2)); !errors.Is(err, engine.ErrCorruptFile) {
		t.Errorf("negative value length: got %v", err)
	}
	if _, err := decodeEntry(header(1, maxEncodedValueLen+1)); !errors.Is(err, engine.ErrCorruptFile) {
		t.Errorf("oversized value length: got %v", err)
	}
}
