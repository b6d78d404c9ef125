// Package main starts the account command consumer.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	consumercmd "github.com/shogotsuneto/go-simple-messagestore/internal/cmd/consumer"
	"github.com/shogotsuneto/go-simple-messagestore/internal/config"
)

func main() {
	cfg, err := consumercmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := consumercmd.Run(ctx, cfg); err != nil {
		stop()
		config.Exitf("account consumer: %v", err)
	}
}
