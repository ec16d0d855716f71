// Command ruleflow runs file-based rule pipelines.
//
// Usage:
//
//	ruleflow [-f pipeline.yml] <command> [flags]
//
// Commands:
//
//	run        build targets, running only stale jobs
//	show-dag   list planned jobs without running them
//	clean      delete outputs and markers of targets and their dependents
//	status     audit completion markers
//	history    show recorded runs
//	config     show, init or edit the engine configuration
//	worker     run jobs submitted over AMQP
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/ruleflow/internal/cli"
)

// version is set with -ldflags at build time.
var version = "dev"

func main() {
	// Cancelling the context lets running jobs be stopped and the report
	// written before exit.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, version, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
