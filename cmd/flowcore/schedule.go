package main

import (
	"context"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/trigger"
)

func NewScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:    "schedule",
		Aliases: []string{"s"},
		Usage:   "Manage cron-triggered flow runs",
		Commands: []*cli.Command{
			newScheduleAddCommand(),
			newScheduleListCommand(),
			newScheduleRemoveCommand(),
			newScheduleServeCommand(),
		},
	}
}

func newScheduleAddCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "Register a flow to run on a cron spec",
		ArgsUsage: "<flow.yaml>",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "cron",
				Usage:    "Five-field cron spec or descriptor such as @hourly",
				Required: true,
			},
		}, inputFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			path, err := requireArg(command, "flow file")
			if err != nil {
				return err
			}
			inputs, err := parseInputs(command)
			if err != nil {
				return err
			}
			rt, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			def, err := rt.loadFlow(path)
			if err != nil {
				return err
			}
			// Reject inputs now rather than on every tick.
			if _, err := rt.validator.PrepareInputs(def, inputs); err != nil {
				return err
			}
			sched, err := trigger.NewCronTrigger(rt.store, rt, rt.logger).Add(ctx, command.String("cron"), def, inputs)
			if err != nil {
				return err
			}
			return writeJSON(command.Root().Writer, sched)
		},
	}
}

func newScheduleListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List registered schedules",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "flow",
				Usage: "Only schedules of this flow ID",
			},
			&cli.BoolFlag{
				Name:  "enabled",
				Usage: "Only enabled schedules",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			filter := store.ScheduleFilter{FlowID: command.String("flow")}
			if command.Bool("enabled") {
				enabled := true
				filter.Enabled = &enabled
			}
			schedules, err := rt.store.ListSchedules(ctx, filter)
			if err != nil {
				return err
			}
			// Definitions are bulky; the list shows metadata only.
			for _, sc := range schedules {
				sc.Definition = nil
			}
			return writeJSON(command.Root().Writer, schedules)
		},
	}
}

func newScheduleRemoveCommand() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Aliases:   []string{"rm"},
		Usage:     "Delete a schedule",
		ArgsUsage: "<schedule-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := requireArg(command, "schedule id")
			if err != nil {
				return err
			}
			rt, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			return rt.store.DeleteSchedule(ctx, id)
		},
	}
}

func newScheduleServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run due schedules until interrupted",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "interval",
				Usage:   "How often due schedules are checked",
				Value:   30 * time.Second,
				Sources: cli.EnvVars("FLOWCORE_SCHEDULE_INTERVAL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			t := trigger.NewCronTrigger(rt.store, rt, rt.logger, trigger.WithInterval(command.Duration("interval")))
			if err := t.Start(ctx); err != nil {
				return err
			}
			rt.logger.InfoContext(ctx, "schedule trigger started", "interval", command.Duration("interval"))
			<-ctx.Done()
			t.Stop()
			rt.logger.Info("schedule trigger stopped")
			return nil
		},
	}
}
