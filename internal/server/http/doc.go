// Package httpserver provides the correlator's JSON API: health, synchronous
// message publishing, engine command submission, state queries, stats and
// command log paging.
//
// Example:
//
//	s := httpserver.New(cluster, cfg.Correlation.DefaultTTLMs, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
