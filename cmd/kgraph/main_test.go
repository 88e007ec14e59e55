package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func findFlag[T cli.Flag](flags []cli.Flag, name string) T {
	var zero T
	for _, flag := range flags {
		if f, ok := flag.(T); ok {
			for _, n := range flag.Names() {
				if n == name {
					return f
				}
			}
		}
	}
	return zero
}

func findCommand(app *cli.App, path ...string) *cli.Command {
	cmds := app.Commands
	var found *cli.Command
	for _, name := range path {
		found = nil
		for _, cmd := range cmds {
			if cmd.Name == name {
				found = cmd
				break
			}
		}
		if found == nil {
			return nil
		}
		cmds = found.Subcommands
	}
	return found
}

func TestAppFlags(t *testing.T) {
	app := newApp()

	t.Run("log-level defaults to info", func(t *testing.T) {
		f := findFlag[*cli.StringFlag](app.Flags, "log-level")
		require.NotNil(t, f)
		assert.Equal(t, "info", f.Value)
		assert.Contains(t, f.Aliases, "l")
	})

	t.Run("config reads KGRAPH_CONFIG", func(t *testing.T) {
		f := findFlag[*cli.StringFlag](app.Flags, "config")
		require.NotNil(t, f)
		assert.Equal(t, []string{"KGRAPH_CONFIG"}, f.EnvVars)
	})

	t.Run("reembed flags have no defaults", func(t *testing.T) {
		cmd := findCommand(app, "reembed")
		require.NotNil(t, cmd)
		batch := findFlag[*cli.IntFlag](cmd.Flags, "batch-size")
		require.NotNil(t, batch)
		assert.Zero(t, batch.Value)
		delay := findFlag[*cli.DurationFlag](cmd.Flags, "retry-delay")
		require.NotNil(t, delay)
		assert.Zero(t, delay.Value)
	})

	t.Run("dataset commands require user and dataset", func(t *testing.T) {
		for _, path := range [][]string{{"dataset", "status"}, {"cognify"}, {"add"}, {"prune"}, {"reembed"}} {
			cmd := findCommand(app, path...)
			require.NotNil(t, cmd, path)
			user := findFlag[*cli.StringFlag](cmd.Flags, "user")
			require.NotNil(t, user, path)
			assert.True(t, user.Required)
			ds := findFlag[*cli.StringFlag](cmd.Flags, "dataset")
			require.NotNil(t, ds, path)
			assert.True(t, ds.Required)
		}
	})
}

func TestCommandValidation(t *testing.T) {
	t.Run("missing user flag fails", func(t *testing.T) {
		err := newApp().Run([]string{"kgraph", "cognify", "-d", "science"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "user")
	})

	t.Run("missing email flag fails", func(t *testing.T) {
		err := newApp().Run([]string{"kgraph", "user", "create"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "email")
	})

	t.Run("invalid log level fails before any command", func(t *testing.T) {
		err := newApp().Run([]string{"kgraph", "-l", "verbose", "user", "create", "--email", "a@example.com"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})
}

type cliHarness struct {
	t      *testing.T
	config string
}

func newHarness(t *testing.T) *cliHarness {
	t.Helper()
	dir := t.TempDir()
	config := filepath.Join(dir, "kgraph.yaml")
	body := fmt.Sprintf("storage:\n  root: %s\n", filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(config, []byte(body), 0o644))
	return &cliHarness{t: t, config: config}
}

func (h *cliHarness) run(args ...string) (string, error) {
	h.t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"kgraph", "-l", "error", "-c", h.config}, args...))
	return out.String(), err
}

func (h *cliHarness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	require.NoError(h.t, err, "kgraph %s", strings.Join(args, " "))
	return out
}

// firstField returns the first tab separated field of the first output line.
func firstField(out string) string {
	line, _, _ := strings.Cut(out, "\n")
	field, _, _ := strings.Cut(line, "\t")
	return field
}

func TestCommands(t *testing.T) {
	h := newHarness(t)

	h.mustRun("user", "create", "--email", "owner@example.com")
	h.mustRun("user", "create", "--email", "reader@example.com")

	out := h.mustRun("dataset", "create", "-u", "owner@example.com", "--name", "science")
	dsID := firstField(out)
	require.NotEmpty(t, dsID)
	assert.Contains(t, out, "science")

	t.Run("add text", func(t *testing.T) {
		out := h.mustRun("add", "-u", "owner@example.com", "-d", "science",
			"--label", "curie", "--text", "Marie Curie discovered polonium.")
		assert.Contains(t, out, "curie")
		assert.Contains(t, out, "pending")
	})

	t.Run("add requires items", func(t *testing.T) {
		_, err := h.run("add", "-u", "owner@example.com", "-d", "science")
		assert.ErrorContains(t, err, "nothing to add")
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := h.run("dataset", "list", "-u", "nobody@example.com")
		assert.ErrorContains(t, err, "unknown user")
	})

	t.Run("unknown dataset", func(t *testing.T) {
		_, err := h.run("dataset", "status", "-u", "owner@example.com", "-d", "history")
		assert.ErrorContains(t, err, "unknown dataset")
	})

	t.Run("status by name and id", func(t *testing.T) {
		assert.Equal(t, "created\n", h.mustRun("dataset", "status", "-u", "owner@example.com", "-d", "science"))
		assert.Equal(t, "created\n", h.mustRun("dataset", "status", "-u", "owner@example.com", "-d", dsID))
	})

	t.Run("grant and revoke read", func(t *testing.T) {
		assert.Empty(t, h.mustRun("dataset", "list", "-u", "reader@example.com"))
		_, err := h.run("dataset", "status", "-u", "reader@example.com", "-d", dsID)
		require.Error(t, err)

		h.mustRun("grant", "-g", "owner@example.com", "--to-user", "reader@example.com", "-d", "science", "read")
		assert.Contains(t, h.mustRun("dataset", "list", "-u", "reader@example.com"), "science")

		h.mustRun("revoke", "-g", "owner@example.com", "--to-user", "reader@example.com", "-d", "science", "read")
		assert.Empty(t, h.mustRun("dataset", "list", "-u", "reader@example.com"))
	})

	t.Run("grant to a role", func(t *testing.T) {
		h.mustRun("role", "create", "--name", "analysts")
		h.mustRun("role", "add-user", "--role", "analysts", "-u", "reader@example.com")
		h.mustRun("grant", "-g", "owner@example.com", "--to-role", "analysts", "-d", "science", "read")
		assert.Contains(t, h.mustRun("dataset", "list", "-u", "reader@example.com"), "science")
	})

	t.Run("grant validation", func(t *testing.T) {
		_, err := h.run("grant", "-g", "owner@example.com", "-d", "science", "read")
		assert.ErrorContains(t, err, "--to-user")

		_, err = h.run("grant", "-g", "owner@example.com", "--to-user", "reader@example.com", "-d", "science", "admin")
		assert.Error(t, err)
	})

	t.Run("lexical search before cognify is empty", func(t *testing.T) {
		out := h.mustRun("search", "-u", "owner@example.com", "-s", "lexical", "polonium")
		assert.Empty(t, out)
	})

	t.Run("no runs yet", func(t *testing.T) {
		assert.Empty(t, h.mustRun("runs", "-u", "owner@example.com", "-d", "science"))
	})

	t.Run("prune rejects invalid ids", func(t *testing.T) {
		_, err := h.run("prune", "-u", "owner@example.com", "-d", "science", "not-an-id")
		assert.ErrorContains(t, err, "invalid data point id")
	})

	t.Run("delete dataset", func(t *testing.T) {
		h.mustRun("dataset", "delete", "-u", "owner@example.com", "-d", "science")
		assert.Empty(t, h.mustRun("dataset", "list", "-u", "owner@example.com"))
	})
}

func TestCognifyWithNothingPending(t *testing.T) {
	h := newHarness(t)
	h.mustRun("user", "create", "--email", "owner@example.com")
	h.mustRun("dataset", "create", "-u", "owner@example.com", "--name", "empty")

	out := h.mustRun("cognify", "-u", "owner@example.com", "-d", "empty")
	assert.Equal(t, "Nothing to cognify\n", out)
}

func TestSeed(t *testing.T) {
	h := newHarness(t)

	out := h.mustRun("seed", "--email", "demo@example.com", "--name", "demo")
	assert.Contains(t, out, fmt.Sprintf("Added %d sentences", len(sentences)))

	// Seeding again reuses the user and dataset.
	out = h.mustRun("seed", "--email", "demo@example.com", "--name", "demo")
	assert.Contains(t, out, fmt.Sprintf("Added %d sentences", len(sentences)))
	assert.Equal(t, 1, strings.Count(h.mustRun("dataset", "list", "-u", "demo@example.com"), "demo"))
}

func TestSetupLogger(t *testing.T) {
	t.Run("valid log levels", func(t *testing.T) {
		testCases := []struct {
			input    string
			expected slog.Level
		}{
			{"debug", slog.LevelDebug},
			{"info", slog.LevelInfo},
			{"warn", slog.LevelWarn},
			{"error", slog.LevelError},
		}

		for _, tc := range testCases {
			t.Run(tc.input, func(t *testing.T) {
				app := &cli.App{
					Name: "test",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:  "log-level",
							Value: tc.input,
						},
					},
					Before: setupLogger,
					Action: func(c *cli.Context) error {
						return nil
					},
				}

				err := app.Run([]string{"test", "--log-level", tc.input})
				require.NoError(t, err)
				assert.True(t, slog.Default().Enabled(context.Background(), tc.expected))
			})
		}
	})

	t.Run("case insensitive log levels", func(t *testing.T) {
		for _, tc := range []string{"DEBUG", "Info", "WaRn", "ERROR"} {
			t.Run(tc, func(t *testing.T) {
				app := &cli.App{
					Name: "test",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:  "log-level",
							Value: "info",
						},
					},
					Before: setupLogger,
					Action: func(c *cli.Context) error {
						return nil
					},
				}

				err := app.Run([]string{"test", "--log-level", tc})
				require.NoError(t, err)
			})
		}
	})

	t.Run("invalid log level returns error", func(t *testing.T) {
		app := &cli.App{
			Name: "test",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "log-level",
					Value: "info",
				},
			},
			Before: setupLogger,
			Action: func(c *cli.Context) error {
				return nil
			},
		}

		err := app.Run([]string{"test", "--log-level", "invalid"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})
}
