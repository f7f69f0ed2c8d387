package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/rendis/flowcore/pkg/schema"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:                  "flowcore",
		Usage:                 "Run and inspect DAG workflows",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to settings.json",
				Value:   settingsPath(),
				Sources: cli.EnvVars("FLOWCORE_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error); overrides the configuration",
			},
		},
		Commands: []*cli.Command{
			NewRunCommand(),
			NewResumeCommand(),
			NewValidateCommand(),
			NewStatusCommand(),
			NewCancelCommand(),
			NewEventsCommand(),
			NewGraphCommand(),
			NewScheduleCommand(),
			NewVersionCommand(),
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error codes to process exit statuses.
func exitCode(err error) int {
	switch schema.CodeOf(err) {
	case schema.ErrCodeValidation, schema.ErrCodeParse, schema.ErrCodeGraphValidation:
		return 2
	case schema.ErrCodeNotFound:
		return 3
	default:
		return 1
	}
}
