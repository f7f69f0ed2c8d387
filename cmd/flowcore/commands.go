package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/rendis/flowcore/internal/diagram"
	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/pkg/schema"
)

// setup loads the configuration and wires a runtime for one command.
func setup(ctx context.Context, command *cli.Command) (*runtime, error) {
	cfg, err := loadConfig(command.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := command.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return newRuntime(ctx, cfg, logger)
}

func requireArg(command *cli.Command, name string) (string, error) {
	v := strings.TrimSpace(command.Args().First())
	if v == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%s is required", name)
	}
	return v, nil
}

// parseInputs merges --inputs-file (a JSON object) with --input key=value
// pairs. Values that parse as JSON keep their JSON type.
func parseInputs(command *cli.Command) (map[string]any, error) {
	inputs := make(map[string]any)
	if path := command.String("inputs-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "read inputs file: %s", err.Error()).WithCause(err)
		}
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "inputs file must hold a JSON object: %s", err.Error()).WithCause(err)
		}
	}
	for _, pair := range command.StringSlice("input") {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "input %q must be key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		inputs[key] = v
	}
	return inputs, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// resultError turns a non-completed result into the command's error.
func resultError(res *engine.ExecutionResult) error {
	if res.Status == schema.ExecutionCompleted {
		return nil
	}
	if res.Error != nil {
		return res.Error
	}
	return schema.NewErrorf(schema.ErrCodeNodeExecution, "execution %s %s", res.ExecutionID, res.Status)
}

// watchEvents prints the live events of one execution as JSON lines. The
// returned stop func flushes the runtime's emitter, then waits for the
// printer to drain.
func watchEvents(ctx context.Context, rt *runtime, executionID string, w io.Writer) (func(), error) {
	events, unsubscribe, err := rt.hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: executionID})
	if err != nil {
		return nil, err
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		enc := json.NewEncoder(w)
		for ev := range events {
			_ = enc.Encode(ev)
		}
	}()
	return func() {
		rt.close(context.Background())
		unsubscribe()
		wg.Wait()
	}, nil
}

func inputFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "input",
			Aliases: []string{"i"},
			Usage:   "Flow input as key=value; repeatable",
		},
		&cli.StringFlag{
			Name:  "inputs-file",
			Usage: "JSON file with flow inputs",
		},
	}
}

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Aliases:   []string{"r"},
		Usage:     "Execute a flow and print its result",
		ArgsUsage: "<flow.yaml>",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:  "execution-id",
				Usage: "Execution ID (generated if not provided)",
			},
			&cli.StringFlag{
				Name:    "tenant",
				Usage:   "Tenant ID exposed to expressions as $tenant_id",
				Sources: cli.EnvVars("FLOWCORE_TENANT"),
			},
			&cli.StringFlag{
				Name:    "user",
				Usage:   "User ID exposed to expressions as $user_id",
				Sources: cli.EnvVars("FLOWCORE_USER"),
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Stream execution events to stderr while running",
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

			executionID := command.String("execution-id")
			if executionID == "" {
				executionID = uuid.NewString()
			}
			stopWatch := func() {}
			if command.Bool("watch") {
				stopWatch, err = watchEvents(ctx, rt, executionID, os.Stderr)
				if err != nil {
					return err
				}
			}

			res, err := rt.Run(ctx, def, inputs, engine.RunOptions{
				ExecutionID: executionID,
				TenantID:    command.String("tenant"),
				UserID:      command.String("user"),
			})
			stopWatch()
			if err != nil {
				return err
			}
			if err := writeJSON(command.Root().Writer, res); err != nil {
				return err
			}
			return resultError(res)
		},
	}
}

func NewResumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Continue an interrupted execution from its latest checkpoint",
		ArgsUsage: "<execution-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := requireArg(command, "execution id")
			if err != nil {
				return err
			}
			rt, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			rec, err := rt.store.GetExecution(ctx, id)
			if err != nil {
				return err
			}
			if len(rec.Definition) == 0 {
				return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s has no recorded definition", id)
			}
			var def schema.FlowDefinition
			if err := json.Unmarshal(rec.Definition, &def); err != nil {
				return schema.NewErrorf(schema.ErrCodeSnapshotCorrupt, "decode definition of %s: %s", id, err.Error()).WithCause(err)
			}
			res, err := rt.executor.Resume(ctx, &def, id)
			if err != nil {
				return err
			}
			if err := writeJSON(command.Root().Writer, res); err != nil {
				return err
			}
			return resultError(res)
		},
	}
}

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check a flow definition without running it",
		ArgsUsage: "<flow.yaml>",
		Action: func(ctx context.Context, command *cli.Command) error {
			path, err := requireArg(command, "flow file")
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
			return writeJSON(command.Root().Writer, map[string]any{
				"flow_id": def.ID,
				"version": def.Version,
				"nodes":   len(def.Nodes),
				"result":  rt.validator.Validate(def),
			})
		},
	}
}

func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the state of an execution",
		ArgsUsage: "<execution-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := requireArg(command, "execution id")
			if err != nil {
				return err
			}
			rt, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			view, err := rt.executor.Status(ctx, id)
			if err != nil {
				return err
			}
			return writeJSON(command.Root().Writer, view)
		},
	}
}

func NewCancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Mark a non-terminal execution as cancelled",
		ArgsUsage: "<execution-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "reason",
				Usage: "Cancellation reason recorded on the execution",
				Value: "cancelled from cli",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := requireArg(command, "execution id")
			if err != nil {
				return err
			}
			rt, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			return rt.executor.Cancel(ctx, id, command.String("reason"))
		},
	}
}

func NewEventsCommand() *cli.Command {
	return &cli.Command{
		Name:      "events",
		Usage:     "Print the recorded event log of an execution",
		ArgsUsage: "<execution-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "trace",
				Usage: "Fold events into per-node traces",
			},
			&cli.StringFlag{
				Name:  "node",
				Usage: "Only events of this node",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := requireArg(command, "execution id")
			if err != nil {
				return err
			}
			rt, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			if command.Bool("trace") {
				traces, err := store.NewEventLog(rt.store).Replay(ctx, id)
				if err != nil {
					return err
				}
				return writeJSON(command.Root().Writer, traces)
			}
			events, err := rt.store.QueryEvents(ctx, store.EventFilter{
				ExecutionID: id,
				NodeID:      command.String("node"),
			})
			if err != nil {
				return err
			}
			return writeJSON(command.Root().Writer, events)
		},
	}
}

func NewGraphCommand() *cli.Command {
	return &cli.Command{
		Name:      "graph",
		Usage:     "Render a flow as a Mermaid diagram or PNG image",
		ArgsUsage: "<flow.yaml>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "format",
				Usage: "Output format (mermaid, png)",
				Value: "mermaid",
			},
			&cli.StringFlag{
				Name:  "execution",
				Usage: "Color nodes by the latest checkpoint of this execution",
			},
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "Output file (stdout if not provided)",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			path, err := requireArg(command, "flow file")
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
			var overlay map[string]*diagram.StatusOverlay
			if id := command.String("execution"); id != "" {
				snap, err := rt.snapshots.LoadSnapshot(ctx, id)
				if err != nil {
					return err
				}
				overlay = diagram.OverlayFromSnapshot(snap)
			}
			model, err := diagram.Build(def, overlay)
			if err != nil {
				return err
			}

			var out []byte
			switch command.String("format") {
			case "mermaid":
				out = []byte(diagram.RenderMermaid(model))
			case "png":
				out, err = diagram.RenderImage(ctx, model)
				if err != nil {
					return err
				}
			default:
				return schema.NewErrorf(schema.ErrCodeValidation, "unknown format %q", command.String("format"))
			}
			if dest := command.String("out"); dest != "" {
				return os.WriteFile(dest, out, 0o644)
			}
			_, err = command.Root().Writer.Write(out)
			return err
		},
	}
}
