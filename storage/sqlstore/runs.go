package sqlstore

import (
	"context"
	"errors"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
)

var runColumns = []string{
	"id", "dataset_id", "user_id", "run_key", "tasks", "status",
	"error", "error_code", "items_produced", "created_at", "started_at", "ended_at",
}

// CreateRun records a new pipeline run.
func (s *Store) CreateRun(ctx context.Context, run *core.PipelineRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now()
	}
	return s.caller.Do(ctx, "create_run", func(ctx context.Context) error {
		_, err := s.stbl.
			Insert("pipeline_runs").
			Columns(runColumns...).
			Values(
				run.Id.String(), run.DatasetId.String(), run.UserId.String(), run.RunKey,
				run.TaskList(), string(run.Status), run.Error, run.ErrorCode, run.ItemsProduced,
				toMicro(run.CreatedAt), toMicro(run.StartedAt), toMicro(run.EndedAt),
			).
			ExecContext(ctx)
		return HandleSQLError(err)
	})
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(ctx context.Context, id core.ID) (*core.PipelineRun, error) {
	return storage.Call(ctx, s.caller, "get_run", func(ctx context.Context) (*core.PipelineRun, error) {
		row := s.stbl.
			Select(runColumns...).
			From("pipeline_runs").
			Where(sq.Eq{"id": id.String()}).
			QueryRowContext(ctx)
		return scanRun(row)
	})
}

// FindCompletedRun returns the completed run for the dataset with the given
// key. Returns storage.ErrNotFound when there is none.
func (s *Store) FindCompletedRun(ctx context.Context, datasetID core.ID, runKey string) (*core.PipelineRun, error) {
	if runKey == "" {
		return nil, storage.ErrNotFound
	}
	return storage.Call(ctx, s.caller, "find_completed_run", func(ctx context.Context) (*core.PipelineRun, error) {
		row := s.stbl.
			Select(runColumns...).
			From("pipeline_runs").
			Where(sq.Eq{
				"dataset_id": datasetID.String(),
				"run_key":    runKey,
				"status":     string(core.RunStatusCompleted),
			}).
			OrderBy("ended_at DESC").
			Limit(1).
			QueryRowContext(ctx)
		return scanRun(row)
	})
}

// ListRuns returns the runs of a dataset, most recent first.
func (s *Store) ListRuns(ctx context.Context, datasetID core.ID) ([]*core.PipelineRun, error) {
	return storage.Call(ctx, s.caller, "list_runs", func(ctx context.Context) ([]*core.PipelineRun, error) {
		rows, err := s.stbl.
			Select(runColumns...).
			From("pipeline_runs").
			Where(sq.Eq{"dataset_id": datasetID.String()}).
			OrderBy("created_at DESC", "id").
			QueryContext(ctx)
		if err != nil {
			return nil, HandleSQLError(err)
		}
		defer rows.Close()

		var out []*core.PipelineRun
		for rows.Next() {
			run, err := scanRun(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, run)
		}
		return out, HandleSQLError(rows.Err())
	})
}

// TransitionRun moves a run from one status to another. The update only
// applies while the stored status still equals from, so concurrent or stale
// writers cannot move a run backwards. Returns storage.ErrStaleTransition when
// the transition is not allowed or the stored status has moved on.
func (s *Store) TransitionRun(ctx context.Context, run *core.PipelineRun, from core.RunStatus) error {
	if !from.CanTransitionTo(run.Status) {
		return storage.ErrStaleTransition
	}
	return s.caller.Do(ctx, "transition_run", func(ctx context.Context) error {
		res, err := s.stbl.
			Update("pipeline_runs").
			Set("status", string(run.Status)).
			Set("error", run.Error).
			Set("error_code", run.ErrorCode).
			Set("items_produced", run.ItemsProduced).
			Set("started_at", toMicro(run.StartedAt)).
			Set("ended_at", toMicro(run.EndedAt)).
			Where(sq.Eq{"id": run.Id.String(), "status": string(from)}).
			ExecContext(ctx)
		if err != nil {
			return HandleSQLError(err)
		}
		if err := requireRow(res); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return storage.ErrStaleTransition
			}
			return err
		}
		return nil
	})
}

func scanRun(row sq.RowScanner) (*core.PipelineRun, error) {
	var id, ds, user, tasks, status string
	var created, started, ended int64
	run := &core.PipelineRun{}
	err := row.Scan(&id, &ds, &user, &run.RunKey, &tasks, &status,
		&run.Error, &run.ErrorCode, &run.ItemsProduced, &created, &started, &ended)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	if run.Id, err = scanID(id); err != nil {
		return nil, err
	}
	if run.DatasetId, err = scanID(ds); err != nil {
		return nil, err
	}
	if run.UserId, err = scanID(user); err != nil {
		return nil, err
	}
	if tasks != "" {
		run.Tasks = strings.Split(tasks, ",")
	}
	run.Status = core.RunStatus(status)
	run.CreatedAt = fromMicro(created)
	run.StartedAt = fromMicro(started)
	run.EndedAt = fromMicro(ended)
	return run, nil
}
