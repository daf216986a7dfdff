package engine_util

import (
	"bytes"

	"github.com/Connor1996/badger"
)

type CFItem struct {
	item      *badger.Item
	prefixLen int
}

func (i *CFItem) String() string {
	return i.item.String()
}

func (i *CFItem) Key() []byte {
	return i.item.Key()[i.prefixLen:]
}

func (i *CFItem) KeyCopy(dst []byte) []byte {
	return i.item.KeyCopy(dst)[i.prefixLen:]
}

func (i *CFItem) Value() ([]byte, error) {
	return i.item.Value()
}

func (i *CFItem) ValueSize() int {
	return i.item.ValueSize()
}

func (i *CFItem) ValueCopy(dst []byte) ([]byte, error) {
	return i.item.ValueCopy(dst)
}

// IterOptions bounds an iterator inside one column family. Lower/Upper are
// cf-relative keys; Upper is exclusive. Reverse walks descending, in which
// case Seek positions at the largest key <= target.
type IterOptions struct {
	Lower   []byte
	Upper   []byte
	Reverse bool
}

// BadgerIterator iterates one column family of the shared keyspace. All keys
// exposed are cf-relative (the cf prefix is stripped).
type BadgerIterator struct {
	iter   *badger.Iterator
	prefix string
	opts   IterOptions
}

func NewCFIterator(cf string, txn *badger.Txn) *BadgerIterator {
	return &BadgerIterator{
		iter:   txn.NewIterator(badger.DefaultIteratorOptions),
		prefix: cf + "_",
	}
}

// NewBoundedCFIterator makes an iterator honoring bounds and direction.
func NewBoundedCFIterator(cf string, txn *badger.Txn, opts IterOptions) *BadgerIterator {
	badgerOpts := badger.DefaultIteratorOptions
	badgerOpts.Reverse = opts.Reverse
	return &BadgerIterator{
		iter:   txn.NewIterator(badgerOpts),
		prefix: cf + "_",
		opts:   opts,
	}
}

func (it *BadgerIterator) Item() *CFItem {
	return &CFItem{
		item:      it.iter.Item(),
		prefixLen: len(it.prefix),
	}
}

func (it *BadgerIterator) Valid() bool {
	if !it.iter.ValidForPrefix([]byte(it.prefix)) {
		return false
	}
	key := it.Item().Key()
	if it.opts.Reverse {
		if len(it.opts.Lower) > 0 && bytes.Compare(key, it.opts.Lower) < 0 {
			return false
		}
		if len(it.opts.Upper) > 0 && bytes.Compare(key, it.opts.Upper) >= 0 {
			// Landed at or past the exclusive upper bound, step back.
			return false
		}
	} else {
		if len(it.opts.Upper) > 0 && bytes.Compare(key, it.opts.Upper) >= 0 {
			return false
		}
	}
	return true
}

func (it *BadgerIterator) ValidForPrefix(prefix []byte) bool {
	return it.iter.ValidForPrefix(append([]byte(it.prefix), prefix...))
}

func (it *BadgerIterator) Close() {
	it.iter.Close()
}

func (it *BadgerIterator) Next() {
	it.iter.Next()
}

func (it *BadgerIterator) Seek(key []byte) {
	if !it.opts.Reverse && len(it.opts.Lower) > 0 && bytes.Compare(key, it.opts.Lower) < 0 {
		key = it.opts.Lower
	}
	it.iter.Seek(append([]byte(it.prefix), key...))
	if it.opts.Reverse {
		// A reverse badger iterator seeks to the largest key <= target, but an
		// exclusive upper bound requires skipping entries at or past it.
		for it.iter.ValidForPrefix([]byte(it.prefix)) {
			k := it.Item().Key()
			if len(it.opts.Upper) == 0 || bytes.Compare(k, it.opts.Upper) < 0 {
				break
			}
			it.iter.Next()
		}
	}
}

// SeekToFirst positions at the first entry inside the bounds.
func (it *BadgerIterator) SeekToFirst() {
	if it.opts.Reverse {
		if len(it.opts.Upper) > 0 {
			it.Seek(it.opts.Upper)
		} else {
			// End of the cf keyspace: the prefix followed by 0xFF fill.
			it.Seek(bytes.Repeat([]byte{0xFF}, 32))
		}
	} else {
		it.Seek(it.opts.Lower)
	}
}
