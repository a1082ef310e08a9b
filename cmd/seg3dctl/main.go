// Package main runs the seg3dctl client.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	seg3dctl "github.com/louisbranch/seg3d/internal/cmd/seg3dctl"
	"github.com/louisbranch/seg3d/internal/platform/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := seg3dctl.Run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		stop()
		config.Exitf("seg3dctl: %v", err)
	}
}
