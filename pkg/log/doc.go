// Package log provides the structured logging facade used across the
// correlator.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. Entries are encoded and written
// by zap, so output is either human readable console text or one JSON object
// per line.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormat(log.FormatText),
//	)
//	l = l.With(log.Component("partition"), log.Int32("partition_id", 1))
//	l.Info("partition recovered", log.Int("pending", 3))
//
// # Configuration
//
// Use ApplyConfig to build a logger from a declarative Config (level, format,
// output). RedirectStdLog routes the standard library logger, which Pebble
// writes to, into the same sink.
package log
