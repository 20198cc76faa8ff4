package pebblestore

import (
	"errors"

	"github.com/cockroachdb/pebble"
)

// ErrReadOnly is returned by writes through a View.
var ErrReadOnly = errors.New("pebble: read-only view")

// View is a read-only, point-in-time view of the database backed by a
// snapshot. It exposes the same read surface as Txn so stores can serve
// queries from it while the writer keeps committing.
type View struct {
	snap *pebble.Snapshot
}

// View opens a snapshot view. Callers must Close it.
func (db *DB) View() *View {
	return &View{snap: db.NewSnapshot()}
}

// Get copies the value stored under key. It returns ErrNotFound when absent.
func (v *View) Get(key []byte) ([]byte, error) {
	val, closer, err := v.snap.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (v *View) Has(key []byte) (bool, error) {
	_, err := v.Get(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (v *View) Set([]byte, []byte) error { return ErrReadOnly }
func (v *View) Delete([]byte) error      { return ErrReadOnly }

// NewIter returns an iterator over [lower, upper) at the snapshot.
func (v *View) NewIter(lower, upper []byte) (*pebble.Iterator, error) {
	return v.snap.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
}

// Close releases the snapshot.
func (v *View) Close() error { return v.snap.Close() }
