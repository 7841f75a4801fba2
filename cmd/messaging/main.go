// Package main starts the messaging real-time service and handles
// termination.
//
// The process is a transport adapter around scoped conversations and message
// streaming; user and project membership stays owned by the application core.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	messagingcmd "github.com/SharadaShehan/Project-Management-App-Monolithic/internal/cmd/messaging"
	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/platform/config"
)

func main() {
	cfg, err := messagingcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[MESSAGING] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := messagingcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
