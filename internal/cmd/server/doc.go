// Package serverrun exposes the Run entrypoint used by the CLI to start the
// correlator: it opens every partition of the node, serves gRPC health and
// the HTTP API, and shuts everything down on cancellation or signal.
//
// Example:
//
//	cfg := config.Default()
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{Config: cfg})
package serverrun
