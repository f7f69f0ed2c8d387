package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/pkg/schema"
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "libsql", cfg.SnapshotBackend)
	assert.Equal(t, 256, cfg.EventBuffer)
	assert.Equal(t, "flowcore.db", filepath.Base(cfg.DBPath))
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeSettings(t, `{"log_level": "debug", "max_parallelism": 4, "event_buffer": 32}`)
	t.Setenv("FLOWCORE_LOG_LEVEL", "warn")
	t.Setenv("FLOWCORE_EVENT_BUFFER", "64")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 4, cfg.MaxParallelism)
	assert.Equal(t, 64, cfg.EventBuffer)
}

func TestLoadConfig_MCPServers(t *testing.T) {
	path := writeSettings(t, `{"mcp_servers": {"files": {"command": "mcp-files", "args": ["--root", "/tmp"]}}}`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Contains(t, cfg.MCPServers, "files")
	assert.Equal(t, "mcp-files", cfg.MCPServers["files"].Command)
	assert.Equal(t, []string{"--root", "/tmp"}, cfg.MCPServers["files"].Args)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"log_level":`},
		{"unknown level", `{"log_level": "verbose"}`},
		{"redis without addr", `{"snapshot_backend": "redis"}`},
		{"unknown backend", `{"snapshot_backend": "s3"}`},
		{"negative buffer", `{"event_buffer": -1}`},
		{"bad amqp url", `{"amqp_url": "not a url"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadConfig(writeSettings(t, tc.body))
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
		})
	}
}

func TestLoadConfig_MemoryBackendNeedsNoDB(t *testing.T) {
	cfg, err := loadConfig(writeSettings(t, `{"snapshot_backend": "memory", "db_path": ""}`))
	require.NoError(t, err)
	assert.Empty(t, cfg.DBPath)
}

func TestParseInputs(t *testing.T) {
	inputsFile := filepath.Join(t.TempDir(), "inputs.json")
	require.NoError(t, os.WriteFile(inputsFile, []byte(`{"a": 1, "b": "file"}`), 0o600))

	var got map[string]any
	cmd := &cli.Command{
		Name:  "test",
		Flags: inputFlags(),
		Action: func(_ context.Context, c *cli.Command) error {
			var err error
			got, err = parseInputs(c)
			return err
		},
	}
	err := cmd.Run(context.Background(), []string{"test",
		"--inputs-file", inputsFile,
		"--input", "b=cli",
		"--input", "items=[1,2]",
		"--input", "name=plain text",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1), got["a"])
	assert.Equal(t, "cli", got["b"])
	assert.Equal(t, []any{float64(1), float64(2)}, got["items"])
	assert.Equal(t, "plain text", got["name"])
}

func TestParseInputs_MissingEquals(t *testing.T) {
	cmd := &cli.Command{
		Name:  "test",
		Flags: inputFlags(),
		Action: func(_ context.Context, c *cli.Command) error {
			_, err := parseInputs(c)
			return err
		},
	}
	err := cmd.Run(context.Background(), []string{"test", "--input", "novalue"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(schema.NewError(schema.ErrCodeGraphValidation, "cycle")))
	assert.Equal(t, 3, exitCode(schema.NewError(schema.ErrCodeNotFound, "gone")))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestResultError(t *testing.T) {
	assert.NoError(t, resultError(&engine.ExecutionResult{Status: schema.ExecutionCompleted}))

	fe := schema.NewError(schema.ErrCodeTimeout, "too slow")
	assert.Same(t, fe, resultError(&engine.ExecutionResult{Status: schema.ExecutionCancelled, Error: fe}))

	err := resultError(&engine.ExecutionResult{ExecutionID: "x", Status: schema.ExecutionFailed})
	assert.Equal(t, schema.ErrCodeNodeExecution, schema.CodeOf(err))
}

func memoryRuntime(t *testing.T) *runtime {
	t.Helper()
	cfg := defaultConfig()
	cfg.SnapshotBackend = "memory"
	cfg.DBPath = ""
	logger := logging.NewLogger(io.Discard, 0, "text")
	rt, err := newRuntime(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { rt.close(context.Background()) })
	return rt
}

func TestRuntimeRunsFlow(t *testing.T) {
	rt := memoryRuntime(t)
	ctx := context.Background()

	def, err := rt.loadFlow("testdata/double.yaml")
	require.NoError(t, err)

	res, err := rt.Run(ctx, def, map[string]any{"n": 21}, engine.RunOptions{ExecutionID: "exec-double"})
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionCompleted, res.Status, "%+v", res.Error)
	assert.EqualValues(t, 42, res.Outputs["doubled"])

	view, err := rt.executor.Status(ctx, "exec-double")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, view.Status)

	// Closing flushes the emitter into the store.
	rt.close(ctx)
	events, err := rt.store.GetEvents(ctx, "exec-double", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestRuntimeRejectsBadInputs(t *testing.T) {
	rt := memoryRuntime(t)

	def, err := rt.loadFlow("testdata/double.yaml")
	require.NoError(t, err)

	_, err = rt.Run(context.Background(), def, map[string]any{"n": "many"}, engine.RunOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestRuntimeRegistersHTTPTools(t *testing.T) {
	rt := memoryRuntime(t)
	assert.True(t, rt.registry.Has(schema.NodeExec, "https://example.com/api"))
	assert.False(t, rt.registry.Has(schema.NodeExec, "mcp://files/read"))
}
