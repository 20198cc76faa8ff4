// Package grpcserver hosts the correlator's gRPC endpoint. It serves the
// standard grpc.health.v1 service, reporting NOT_SERVING once any partition
// stopped on a fatal error.
//
// Example:
//
//	s := grpcserver.New(cluster, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":26500")
package grpcserver
