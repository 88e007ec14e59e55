// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func userFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "user",
		Aliases:  []string{"u"},
		Usage:    "Email of the acting user",
		EnvVars:  []string{"KGRAPH_USER"},
		Required: true,
	}
}

func datasetFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "dataset",
		Aliases:  []string{"d"},
		Usage:    "Dataset id, or the name of a dataset owned by the acting user",
		Required: true,
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "kgraph",
		Usage: "Build and query knowledge graphs from documents",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				EnvVars: []string{"KGRAPH_CONFIG"},
			},
		},
		Before:   setupLogger,
		Commands: []*cli.Command{
			{
				Name:  "user",
				Usage: "Manage users",
				Subcommands: []*cli.Command{
					{
						Name:   "create",
						Usage:  "Register a user",
						Action: withSystem(createUserCommand),
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "email", Usage: "Email of the new user", Required: true},
						},
					},
				},
			},
			{
				Name:  "role",
				Usage: "Manage roles",
				Subcommands: []*cli.Command{
					{
						Name:   "create",
						Usage:  "Create a role",
						Action: withSystem(createRoleCommand),
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "name", Usage: "Role name", Required: true},
						},
					},
					{
						Name:   "add-user",
						Usage:  "Add a user to a role",
						Action: withSystem(addUserToRoleCommand),
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "role", Usage: "Role name", Required: true},
							userFlag(),
						},
					},
				},
			},
			{
				Name:  "dataset",
				Usage: "Manage datasets",
				Subcommands: []*cli.Command{
					{
						Name:   "create",
						Usage:  "Create a dataset owned by the user",
						Action: withSystem(createDatasetCommand),
						Flags: []cli.Flag{
							userFlag(),
							&cli.StringFlag{Name: "name", Usage: "Dataset name", Required: true},
						},
					},
					{
						Name:   "list",
						Usage:  "List the datasets the user can read",
						Action: withSystem(listDatasetsCommand),
						Flags:  []cli.Flag{userFlag()},
					},
					{
						Name:   "status",
						Usage:  "Show the processing status of a dataset",
						Action: withSystem(datasetStatusCommand),
						Flags:  []cli.Flag{userFlag(), datasetFlag()},
					},
					{
						Name:   "delete",
						Usage:  "Delete a dataset from every backend",
						Action: withSystem(deleteDatasetCommand),
						Flags:  []cli.Flag{userFlag(), datasetFlag()},
					},
				},
			},
			{
				Name:      "grant",
				Usage:     "Grant a permission on a dataset",
				ArgsUsage: "read|write|delete|share",
				Action:    withSystem(grantCommand(true)),
				Flags:     grantFlags(),
			},
			{
				Name:      "revoke",
				Usage:     "Revoke a permission on a dataset",
				ArgsUsage: "read|write|delete|share",
				Action:    withSystem(grantCommand(false)),
				Flags:     grantFlags(),
			},
			{
				Name:      "add",
				Usage:     "Add files or text to a dataset",
				ArgsUsage: "FILE...",
				Action:    withSystem(addCommand),
				Flags: []cli.Flag{
					userFlag(),
					datasetFlag(),
					&cli.StringSliceFlag{Name: "text", Aliases: []string{"t"}, Usage: "Add literal text instead of files"},
					&cli.StringFlag{Name: "label", Usage: "Label for a single added item"},
				},
			},
			{
				Name:   "cognify",
				Usage:  "Build the knowledge graph from the dataset's pending data",
				Action: withSystem(cognifyCommand),
				Flags:  []cli.Flag{userFlag(), datasetFlag()},
			},
			{
				Name:   "runs",
				Usage:  "List the pipeline runs of a dataset",
				Action: withSystem(listRunsCommand),
				Flags:  []cli.Flag{userFlag(), datasetFlag()},
			},
			{
				Name:      "search",
				Usage:     "Search the datasets the user can read",
				ArgsUsage: "QUERY...",
				Action:    withSystem(searchCommand),
				Flags: []cli.Flag{
					userFlag(),
					&cli.StringSliceFlag{Name: "dataset", Aliases: []string{"d"}, Usage: "Restrict the search to these datasets"},
					&cli.StringFlag{Name: "strategy", Aliases: []string{"s"}, Usage: "chunks, graph or lexical", Value: "chunks"},
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum number of results", Value: 10},
				},
			},
			{
				Name:      "prune",
				Usage:     "Delete data points and their edges from a dataset",
				ArgsUsage: "ID...",
				Action:    withSystem(pruneCommand),
				Flags:     []cli.Flag{userFlag(), datasetFlag()},
			},
			{
				Name:   "reembed",
				Usage:  "Recompute the vectors of a dataset with the configured embedder",
				Action: withSystem(reembedCommand),
				Flags: []cli.Flag{
					userFlag(),
					datasetFlag(),
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of data points to process in each batch",
					},
					&cli.IntFlag{
						Name:  "report-interval",
						Usage: "Report progress every N data points",
					},
					&cli.IntFlag{
						Name:  "max-retries",
						Usage: "Maximum retry attempts for failed operations",
					},
					&cli.DurationFlag{
						Name:  "retry-delay",
						Usage: "Base delay for exponential backoff",
					},
				},
			},
			{
				Name:   "seed",
				Usage:  "Create a demo user and dataset filled with sample sentences",
				Action: withSystem(seedCommand),
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Usage: "Email of the demo user", Value: "demo@example.com"},
					&cli.StringFlag{Name: "name", Usage: "Name of the demo dataset", Value: "demo"},
					&cli.BoolFlag{Name: "cognify", Usage: "Run cognify after adding the sentences"},
				},
			},
		},
	}
}

func grantFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "granter", Aliases: []string{"g"}, Usage: "Email of the user granting access", Required: true},
		&cli.StringFlag{Name: "to-user", Usage: "Email of the user receiving the permission"},
		&cli.StringFlag{Name: "to-role", Usage: "Name of the role receiving the permission"},
		datasetFlag(),
	}
}

func setupLogger(c *cli.Context) error {
	// Get log level from flag and normalize to lowercase
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
