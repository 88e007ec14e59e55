package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/poiesic/kgraph"
	"github.com/poiesic/kgraph/config"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/permission"
	"github.com/poiesic/kgraph/search"
	"github.com/poiesic/kgraph/storage"
	"github.com/urfave/cli/v2"
)

type systemAction func(ctx context.Context, c *cli.Context, sys *kgraph.System) error

// withSystem opens the configured system around action.
func withSystem(action systemAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx := c.Context
		if ctx == nil {
			ctx = context.Background()
		}
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return err
		}
		sys, err := kgraph.Open(ctx, cfg, kgraph.WithLogger(slog.Default()))
		if err != nil {
			return fmt.Errorf("failed to open system: %w", err)
		}
		defer func() {
			if err := sys.Close(); err != nil {
				slog.Error("error closing system", "err", err)
			}
		}()
		return action(ctx, c, sys)
	}
}

func resolveUser(ctx context.Context, sys *kgraph.System, email string) (*core.User, error) {
	user, err := sys.Store().GetUserByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("unknown user %q", email)
	}
	return user, err
}

// resolveDataset accepts a dataset id or the name of a dataset owned by user.
func resolveDataset(ctx context.Context, sys *kgraph.System, user core.ID, ref string) (core.ID, error) {
	if id, err := core.ParseID(ref); err == nil {
		return id, nil
	}
	ds, err := sys.Store().GetDatasetByName(ctx, user, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return core.ID{}, fmt.Errorf("unknown dataset %q", ref)
	}
	if err != nil {
		return core.ID{}, err
	}
	return ds.Id, nil
}

func actingUser(ctx context.Context, c *cli.Context, sys *kgraph.System) (*core.User, error) {
	return resolveUser(ctx, sys, c.String("user"))
}

func actingUserAndDataset(ctx context.Context, c *cli.Context, sys *kgraph.System) (*core.User, core.ID, error) {
	user, err := actingUser(ctx, c, sys)
	if err != nil {
		return nil, core.ID{}, err
	}
	ds, err := resolveDataset(ctx, sys, user.Id, c.String("dataset"))
	if err != nil {
		return nil, core.ID{}, err
	}
	return user, ds, nil
}

func createUserCommand(ctx context.Context, c *cli.Context, sys *kgraph.System) error {
	user, err := sys.CreateUser(ctx, c.String("email"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s\t%s\n", user.Id, user.Email)
	return nil
}

func createRoleCommand(ctx context.Context, c *cli.Context, sys *kgraph.System) error {
	role, err := sys.CreateRole(ctx, c.String("name"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s\t%s\n", role.Id, role.Name)
	return nil
}

func addUserToRoleCommand(ctx context.Context, c *cli.Context, sys *kgraph.System) error {
	user, err := actingUser(ctx, c, sys)
	if err != nil {
		return err
	}
	role, err := sys.Store().GetRoleByName(ctx, c.String("role"))
	if err != nil {
		return fmt.Errorf("unknown role %q: %w", c.String("role"), err)
	}
	return sys.AddUserToRole(ctx, user.Id, role.Id)
}

func createDatasetCommand(ctx context.Context, c *cli.Context, sys *kgraph.System) error {
	user, err := actingUser(ctx, c, sys)
	if err != nil {
		return err
	}
	ds, err := sys.CreateDataset(ctx, user.Id, c.String("name"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s\t%s\n", ds.Id, ds.Name)
	return nil
}

func listDatasetsCommand(ctx context.Context, c *cli.Context, sys *kgraph.System) error {
	user, err := actingUser(ctx, c, sys)
	if err != nil {
		return err
	}
	datasets, err := sys.ListDatasets(ctx, user.Id)
	if err != nil {
		return err
	}
	for _, ds := range datasets {
		fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\n", ds.Id, ds.Name, ds.Status)
	}
	return nil
}

func datasetStatusCommand(ctx context.Context, c *cli.Context, sys *kgraph.System) error {
	user, ds, err := actingUserAndDataset(ctx, c, sys)
	if err != nil {
		return err
	}
	status, err := sys.DatasetStatus(ctx, user.Id, ds)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, status)
	return nil
}

func deleteDatasetCommand(ctx context.Context, c *cli.Context, sys *kgraph.System) error {
	user, ds, err := actingUserAndDataset(ctx, c, sys)
	if err != nil {
		return err
	}
	return sys.DeleteDataset(ctx, user.Id, ds)
}

func grantCommand(grant bool) systemAction {
	return func(ctx context.Context, c *cli.Context, sys *kgraph.System) error {
		if c.NArg() != 1 {
			return errors.New("exactly one permission is required")
		}
		perm := core.Permission(strings.ToLower(c.Args().First()))
		if err := core.ValidatePermission(perm); err != nil {
			return err
		}

		granter, err := resolveUser(ctx, sys, c.String("granter"))
		if err != nil {
			return err
		}
		ds, err := resolveDataset(ctx, sys, granter.Id, c.String("dataset"))
		if err != nil {
			return err
		}

		var principal permission.Principal
		switch {
		case c.String("to-user") != "" && c.String("to-role") != "":
			return errors.New("only one of --to-user and --to-role may be set")
		case c.String("to-user") != "":
			user, err := resolveUser(ctx, sys, c.String("to-user"))
			if err != nil {
				return err
			}
			principal = permission.User(user.Id)
		case c.String("to-role") != "":
			role, err := sys.Store().GetRoleByName(ctx, c.String("to-role"))
			if err != nil {
				return fmt.Errorf("unknown role %q: %w", c.String("to-role"), err)
			}
			principal = permission.Role(role.Id)
		default:
			return errors.New("one of --to-user and --to-role is required")
		}

		if grant {
			return sys.Grant(ctx, granter.Id, principal, ds, perm)
		}
		return sys.Revoke(ctx, granter.Id, principal, ds, perm)
	}
}

func addCommand(ctx context.Context, c *cli.Context, sys *kgraph.System) error {
	user, ds, err := actingUserAndDataset(ctx, c, sys)
	if err != nil {
		return err
	}

	var items []core.IngestItem
	for _, text := range c.StringSlice("text") {
		items = append(items, core.TextItem(text))
	}
	for _, path := range c.Args().Slice() {
		items = append(items, core.FileItem(path))
	}
	if len(items) == 0 {
		return errors.New("nothing to add: pass files or --text")
	}
	if label := c.String("label"); label != "" {
		if len(items) > 1 {
			return errors.New("--label applies to a single item")
		}
		items[0] = items[0].WithLabel(label)
	}

	data, err := sys.Add(ctx, user.Id, ds, items...)
	if err != nil {
		return err
	}
	for _, d := range data {
		fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\n", d.Id, d.Label, d.Status)
	}
	return nil
}

func cognifyCommand(ctx context.Context, c *cli.Context, sys *kgraph.System) error {
	user, ds, err := actingUserAndDataset(ctx, c, sys)
	if err != nil {
		return err
	}
	run, err := sys.Cognify(ctx, user.Id, ds)
	if errors.Is(err, kgraph.ErrNoPendingData) {
		fmt.Fprintln(c.App.Writer, "Nothing to cognify")
		return nil
	}
	if run != nil {
		printRun(c, run)
	}
	return err
}

func listRunsCommand(ctx context.Context, c *cli.Context, sys *kgraph.System) error {
	user, ds, err := actingUserAndDataset(ctx, c, sys)
	if err != nil {
		return err
	}
	runs, err := sys.ListRuns(ctx, user.Id, ds)
	if err != nil {
		return err
	}
	for _, run := range runs {
		printRun(c, run)
	}
	return nil
}

func printRun(c *cli.Context, run *core.PipelineRun) {
	fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\titems=%d", run.Id, run.Status, run.TaskList(), run.ItemsProduced)
	if run.ErrorCode != "" {
		fmt.Fprintf(c.App.Writer, "\t%s: %s", run.ErrorCode, run.Error)
	}
	fmt.Fprintln(c.App.Writer)
}

func searchCommand(ctx context.Context, c *cli.Context, sys *kgraph.System) error {
	user, err := actingUser(ctx, c, sys)
	if err != nil {
		return err
	}
	text := strings.Join(c.Args().Slice(), " ")
	if text == "" {
		return errors.New("a query is required")
	}

	q := search.Query{
		Text:     text,
		Strategy: search.Strategy(c.String("strategy")),
		Limit:    c.Int("limit"),
	}
	for _, ref := range c.StringSlice("dataset") {
		ds, err := resolveDataset(ctx, sys, user.Id, ref)
		if err != nil {
			return err
		}
		q.Datasets = append(q.Datasets, ds)
	}

	results, err := sys.Search(ctx, user.Id, q)
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Fprintf(c.App.Writer, "%.3f\t%s\t%s\t%s\n", r.Score, r.Point.Type, r.Point.Id, r.Point.IndexText())
		for i, e := range r.Edges {
			if i < len(r.Related) {
				fmt.Fprintf(c.App.Writer, "\t%s -> %s\n", e.Label, r.Related[i].IndexText())
			}
		}
	}
	return nil
}

func pruneCommand(ctx context.Context, c *cli.Context, sys *kgraph.System) error {
	user, ds, err := actingUserAndDataset(ctx, c, sys)
	if err != nil {
		return err
	}
	if c.NArg() == 0 {
		return errors.New("at least one data point id is required")
	}
	ids := make([]core.ID, 0, c.NArg())
	for _, arg := range c.Args().Slice() {
		id, err := core.ParseID(arg)
		if err != nil {
			return fmt.Errorf("invalid data point id %q: %w", arg, err)
		}
		ids = append(ids, id)
	}
	return sys.Prune(ctx, user.Id, ds, ids...)
}

func reembedCommand(ctx context.Context, c *cli.Context, sys *kgraph.System) error {
	user, ds, err := actingUserAndDataset(ctx, c, sys)
	if err != nil {
		return err
	}

	cfg := sys.Config().Reembed
	if c.IsSet("batch-size") {
		cfg.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("report-interval") {
		cfg.ReportInterval = c.Int("report-interval")
	}
	if c.IsSet("max-retries") {
		cfg.MaxRetries = c.Int("max-retries")
	}
	if c.IsSet("retry-delay") {
		cfg.RetryDelay = c.Duration("retry-delay")
	}

	n, err := sys.Reembed(ctx, user.Id, ds, c.App.ErrWriter)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Reembedded %d data points\n", n)
	return nil
}
