package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"recapflow/api-gateway/internal/grpchealth"
)

// newHealthcheckCommand probes a running gateway, for container health checks.
func newHealthcheckCommand() *cobra.Command {
	var (
		addr    string
		service string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:         "healthcheck",
		Short:       "Probe the gRPC health service of a running gateway",
		Annotations: map[string]string{skipConfigLoad: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			status, err := grpchealth.Probe(ctx, addr, service)
			if err != nil {
				return err
			}
			if status != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("%s is %s", addr, status)
			}
			cmd.Println(status.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8081", "Address of the gRPC health service")
	cmd.Flags().StringVar(&service, "service", grpchealth.Service, "Service name to check (empty for the whole server)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "Probe timeout")
	return cmd
}
