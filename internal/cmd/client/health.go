package client

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// NewHealthCommand constructs the `health` command, which queries the
// standard gRPC health service.
func NewHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health over gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			service, _ := cmd.Flags().GetString("service")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			asJSON, _ := cmd.Flags().GetBool("json")

			conn, err := dialGRPC(addr)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
			if err != nil {
				return err
			}
			if asJSON {
				b, err := protojson.Marshal(res)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "status:", res.GetStatus())
			}
			if res.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("server is %s", res.GetStatus())
			}
			return nil
		},
	}
	cmd.Flags().String("addr", grpcAddrFromEnv(), "gRPC address")
	cmd.Flags().String("service", "", "Service name (empty for the whole server)")
	cmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")
	cmd.Flags().Bool("json", false, "Print the response as protobuf JSON")
	return cmd
}
