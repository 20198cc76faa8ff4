package state

import (
	"github.com/rzbill/correlator/internal/keys"
	"github.com/rzbill/correlator/pkg/id"
)

// KeyGenerator issues partition-scoped keys. The last issued key is stored
// in the same transaction as the rows that use it, so replay issues the same
// keys again.
type KeyGenerator struct {
	tx          Txn
	partitionID int32
}

func newKeyGenerator(tx Txn, partitionID int32) *KeyGenerator {
	return &KeyGenerator{tx: tx, partitionID: partitionID}
}

func lastKeyKey() []byte { return keys.New(keys.Meta).Str("last_key").Bytes() }

// Next returns a fresh key.
func (g *KeyGenerator) Next() (int64, error) {
	last, err := getInt64(g.tx, lastKeyKey())
	if err != nil {
		return 0, err
	}
	if last == 0 {
		last = id.Encode(g.partitionID, 0)
	}
	next, err := id.Next(last)
	if err != nil {
		return 0, err
	}
	if err := setInt64(g.tx, lastKeyKey(), next); err != nil {
		return 0, err
	}
	return next, nil
}
