package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

//go:generate swag init --dir ../../ --generalInfo cmd/recapgw/main.go --output ../../docs

// @title RecapFlow API Gateway
// @version 1.0
// @description Tenant-scoped projects, uploads and processing jobs for the movie recap pipeline.
// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the access token.
func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
