// Package commandlog is the partition's durable, append-only command log.
//
// # Overview
//
// Every command a partition applies is first appended here, then applied in
// sequence order. The applied position is written in the same transaction as
// the state change it produced, so a restart replays exactly the records that
// were appended but not yet applied.
//
// Keys (see internal/keys):
//   - log/m                 last assigned sequence
//   - log/e/{seq}           entries
//   - log/cur/{name}        applied cursors
//
// Records are stored as: varint headerLen | header | payload | crc32c(header|payload).
// The header carries the command type so the log can be listed without
// decoding payloads.
//
//	l, _ := commandlog.Open(db)
//	seqs, _ := l.Append(ctx, []protocol.Command{cmd})
//
//	tx := db.Begin()
//	// apply cmd ...
//	_ = commandlog.SetApplied(tx, commandlog.Applier, seqs[0])
//	_ = tx.Commit(ctx)
//
//	entries, next, _ := l.Read(commandlog.ReadOptions{Start: commandlog.TokenFromSeq(1), Limit: 100})
//	_, _ = l.TrimApplied(ctx, 10_000, 1024)
package commandlog
