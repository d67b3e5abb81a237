// Package main starts the classroom RPC server process lifecycle.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	classroomcmd "github.com/louisbranch/classroom-rpc/internal/cmd/classroom"
	"github.com/louisbranch/classroom-rpc/internal/platform/config"
)

func main() {
	cfg, err := classroomcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[CLASSROOM] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := classroomcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
