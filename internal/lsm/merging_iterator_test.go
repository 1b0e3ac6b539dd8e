package lsm

import (
	"fmt"
	"testing"
)

func memWith(t *testing.T, entries ...*Entry) *MemTable {
	t.Helper()
	mt := NewMemTable()
	for _, e := range entries {
		var err error
		if e.Tombstone {
			err = mt.Delete(e.Key, e.Seq)
		} else {
			err = mt.Put(e.Key, e.Value, e.Seq)
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	return mt
}

func TestMergingIterator_NewestVersionWins(t *testing.T) {
	older := memWith(t,
		&Entry{Key: "k", Value: []byte("old"), Seq: 1},
		&Entry{Key: "x", Value: []byte("only"), Seq: 2},
	)
	newer := memWith(t,
		&Entry{Key: "k", Value: []byte("new"), Seq: 5},
	)

	mi := NewMergingIterator([]entryIterator{
		NewMemTableIterator(older),
		NewMemTableIterator(newer),
	})
	defer mi.Close()

	var got []string
	for mi.Next() {
		e := mi.Entry()
		got = append(got, fmt.Sprintf("%s=%s@%d", e.Key, e.Value, e.Seq))
	}
	if mi.Error() != nil {
		t.Fatal(mi.Error())
	}

	want := []string{"k=new@5", "x=only@2"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestMergingIterator_YieldsTombstones(t *testing.T) {
	// Dropping tombstones is compaction policy; the merge itself must
	// surface them so partial merges can retain them.
	a := memWith(t, &Entry{Key: "k", Value: []byte("v"), Seq: 1})
	b := memWith(t, &Entry{Key: "k", Tombstone: true, Seq: 2})

	mi := NewMergingIterator([]entryIterator{
		NewMemTableIterator(a),
		NewMemTableIterator(b),
	})
	defer mi.Close()

	if !mi.Next() {
		t.Fatal("expected one entry")
	}
	e := mi.Entry()
	if !e.Tombstone || e.Seq != 2 {
		t.Errorf("expected the newer tombstone, got %+v", e)
	}
	if mi.Next() {
		t.Error("expected exactly one entry for the duplicated key")
	}
}

func TestMergingIterator_AscendingAcrossManyInputs(t *testing.T) {
	var iters []entryIterator
	for src := 0; src < 4; src++ {
		mt := NewMemTable()
		for i := src; i < 40; i += 4 {
			mt.Put(fmt.Sprintf("key-%02d", i), []byte("v"), uint64(i+1))
		}
		iters = append(iters, NewMemTableIterator(mt))
	}

	mi := NewMergingIterator(iters)
	defer mi.Close()

	prev := ""
	count := 0
	for mi.Next() {
		k := mi.Entry().Key
		if count > 0 && k <= prev {
			t.Fatalf("merge not strictly ascending: %q after %q", k, prev)
		}
		prev = k
		count++
	}
	if count != 40 {
		t.Errorf("expected 40 merged entries, got %d", count)
	}
}
