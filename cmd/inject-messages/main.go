// Package main writes account commands to the command category.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	injectcmd "github.com/shogotsuneto/go-simple-messagestore/internal/cmd/inject"
	"github.com/shogotsuneto/go-simple-messagestore/internal/config"
)

func main() {
	cfg, err := injectcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := injectcmd.Run(ctx, cfg); err != nil {
		stop()
		config.Exitf("inject messages: %v", err)
	}
}
