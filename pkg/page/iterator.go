package page

import (
	"github.com/KevoDB/diskmap/pkg/record"
)

// Iterator walks the records that were live when it was created. Each step
// reads one record under the page's read lock. Records removed or replaced
// since then are skipped; keys saved since then are not visited. A vacuum,
// clear or close of the page ends the iteration with ErrIteratorInvalidated.
type Iterator struct {
	page       *Page
	offsets    []int64
	pos        int
	generation uint64
	current    *record.Record
	err        error
}

// Iterator snapshots the live offsets of the page
func (p *Page) Iterator() *Iterator {
	p.mu.RLock()
	defer p.mu.RUnlock()

	it := &Iterator{page: p, generation: p.generation}
	if p.closed {
		it.err = ErrPageClosed
		return it
	}
	it.offsets = p.index.Offsets()
	return it
}

// Next advances to the next live record. It returns false at the end or on
// error; Err tells the two apart.
func (it *Iterator) Next() bool {
	it.current = nil
	if it.err != nil {
		return false
	}

	for it.pos < len(it.offsets) {
		offset := it.offsets[it.pos]
		it.pos++

		r, err := it.read(offset)
		if err != nil {
			it.err = err
			return false
		}
		if r == nil {
			continue
		}
		it.current = r
		return true
	}
	return false
}

// read returns the record at offset, or nil if it is no longer live
func (it *Iterator) read(offset int64) (*record.Record, error) {
	p := it.page
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.generation != it.generation {
		return nil, ErrIteratorInvalidated
	}

	r, err := p.io.Read(offset)
	if err != nil {
		return nil, err
	}
	if !r.IsActive() {
		return nil, nil
	}
	return r, nil
}

// Key returns the key of the current record
func (it *Iterator) Key() []byte {
	if it.current == nil {
		return nil
	}
	return it.current.Key
}

// Value returns the value of the current record
func (it *Iterator) Value() []byte {
	if it.current == nil {
		return nil
	}
	return it.current.Value
}

// Hash returns the hash the current record was stored under
func (it *Iterator) Hash() int32 {
	if it.current == nil {
		return 0
	}
	return it.current.Hash
}

// Err returns the error that stopped the iteration, if any
func (it *Iterator) Err() error {
	return it.err
}
