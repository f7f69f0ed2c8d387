package main

import (
	"context"
	"fmt"
	goruntime "runtime"

	"github.com/urfave/cli/v3"
)

// Set at build time with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

func NewVersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print build information",
		Action: func(_ context.Context, command *cli.Command) error {
			_, err := fmt.Fprintf(command.Root().Writer, "flowcore %s (%s) %s %s/%s\n",
				version, commit, goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)
			return err
		},
	}
}
