package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/LerianStudio/payment-outbox/internal/bootstrap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "payment-outbox: %v\n", err)
		os.Exit(1)
	}

	service, err := bootstrap.InitServers(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "payment-outbox: %v\n", err)
		os.Exit(1)
	}

	if err := service.Run(); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "payment-outbox: %v\n", err)
		os.Exit(1)
	}
}
