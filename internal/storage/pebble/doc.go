// Package pebblestore provides a thin wrapper around Pebble with fsync policy,
// snapshots, batches, read-your-writes transactions, and minimal metrics hooks.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	// One transaction per applied command
//	tx := db.Begin()
//	defer tx.Rollback()
//	_ = tx.Set([]byte("k"), []byte("v"))
//	v, _ := tx.Get([]byte("k")) // sees the staged write
//	_ = tx.Commit(context.Background())
package pebblestore
