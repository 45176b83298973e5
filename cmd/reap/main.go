// cmd/reap force-removes leftover sandbox containers and their socket
// volumes. graphd runs the same sweep at startup; this tool covers
// cleanup after a host crash without bouncing the service.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/sandbox"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	docker, err := sandbox.NewDockerClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: docker client:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	n, err := sandbox.NewReaper(docker, log).Sweep(ctx)
	if err != nil {
		log.Fatal("sweep failed", zap.Error(err))
	}
	log.Info("sweep complete", zap.Int("removed", n))
}
