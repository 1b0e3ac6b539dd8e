package lsm

import (
	"fmt"
	"io"

	"github.com/bits-and-blooms/bloom/v3"
)

// Filter is the per-file existence filter. It is built once from the
// final key set of a sorted file and never updated afterwards. A false
// answer from MightContain is definitive; a true answer may be a false
// positive at roughly the configured rate.
type Filter struct {
	bf *bloom.BloomFilter
}

// NewFilter sizes the filter for n keys at false-positive rate p. The
// bit-array size m and hash count k follow the usual estimates
// (m = -n*ln(p)/ln(2)^2, k = m/n*ln(2)).
func NewFilter(n uint, p float64) *Filter {
	if n == 0 {
		n = 1
	}
	return &Filter{bf: bloom.NewWithEstimates(n, p)}
}

func (f *Filter) Add(key string) {
	f.bf.Add([]byte(key))
}

func (f *Filter) MightContain(key string) bool {
	return f.bf.Test([]byte(key))
}

// WriteTo serializes the filter (bit-array size, hash count, bit array).
func (f *Filter) WriteTo(w io.Writer) (int64, error) {
	return f.bf.WriteTo(w)
}

// ReadFilterFrom restores a filter serialized by WriteTo.
func ReadFilterFrom(r io.Reader) (*Filter, error) {
	var bf bloom.BloomFilter
	if _, err := bf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("read filter: %w", err)
	}
	return &Filter{bf: &bf}, nil
}
