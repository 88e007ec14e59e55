package sqlstore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenTemp(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newOwnedDataset(t *testing.T, s *Store) (*core.User, *core.Dataset) {
	t.Helper()
	ctx := context.Background()
	u, err := s.CreateUser(ctx, core.NewID().String()+"@example.com")
	require.NoError(t, err)
	ds, err := s.CreateDataset(ctx, u.Id, "papers")
	require.NoError(t, err)
	return u, ds
}

func TestPrepareDSN(t *testing.T) {
	dsn, err := PrepareDSN("/tmp/x.db")
	require.NoError(t, err)
	assert.Contains(t, dsn, "journal_mode%28WAL%29")
	assert.Contains(t, dsn, "foreign_keys%281%29")
	assert.Contains(t, dsn, "_txlock=immediate")

	dsn, err = PrepareDSN("/tmp/x.db?_pragma=journal_mode(DELETE)&_txlock=deferred")
	require.NoError(t, err)
	assert.NotContains(t, dsn, "WAL")
	assert.Contains(t, dsn, "_txlock=deferred")
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
}

func TestOpen_MigrationsApplied(t *testing.T) {
	s := newTestStore(t)
	v, err := SchemaVersion(context.Background(), s.db, s.driver)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestOpen_RegistersMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := Open(context.Background(), Config{
		DSN:        filepath.Join(t.TempDir(), "m.db"),
		Registerer: reg,
	})
	require.NoError(t, err)
	defer s.Close()

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "Ada@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", u.Email)

	got, err := s.GetUser(ctx, u.Id)
	require.NoError(t, err)
	assert.Equal(t, u.Email, got.Email)

	got, err = s.GetUserByEmail(ctx, "ADA@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.Id, got.Id)

	_, err = s.CreateUser(ctx, "ada@example.com")
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	_, err = s.GetUser(ctx, core.NewID())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.CreateUser(ctx, " ")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestRoles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "bob@example.com")
	require.NoError(t, err)
	r, err := s.CreateRole(ctx, "analysts")
	require.NoError(t, err)

	require.NoError(t, s.AddUserToRole(ctx, u.Id, r.Id))
	require.NoError(t, s.AddUserToRole(ctx, u.Id, r.Id))

	roles, err := s.RolesForUser(ctx, u.Id)
	require.NoError(t, err)
	assert.Equal(t, []core.ID{r.Id}, roles)

	got, err := s.GetRoleByName(ctx, "analysts")
	require.NoError(t, err)
	assert.Equal(t, r.Id, got.Id)
}

func TestCreateDataset_GrantsOwnerEveryPermission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, ds := newOwnedDataset(t, s)

	assert.Equal(t, core.DatasetStatusCreated, ds.Status)

	acl, err := s.ListACL(ctx, ds.Id)
	require.NoError(t, err)
	require.Len(t, acl, len(core.AllPermissions))
	for _, ace := range acl {
		assert.Equal(t, u.Id, ace.PrincipalId)
		assert.Equal(t, core.PrincipalUser, ace.PrincipalType)
	}

	for _, perm := range core.AllPermissions {
		ok, err := s.HasPermission(ctx, u.Id, ds.Id, perm)
		require.NoError(t, err)
		assert.True(t, ok, perm)
	}

	_, err = s.CreateDataset(ctx, u.Id, "papers")
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	_, err = s.CreateDataset(ctx, u.Id, "a/b")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestDatasets_LookupAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, ds := newOwnedDataset(t, s)

	got, err := s.GetDatasetByName(ctx, u.Id, "papers")
	require.NoError(t, err)
	assert.Equal(t, ds.Id, got.Id)

	require.NoError(t, s.SetDatasetStatus(ctx, ds.Id, core.DatasetStatusProcessing))
	got, err = s.GetDataset(ctx, ds.Id)
	require.NoError(t, err)
	assert.Equal(t, core.DatasetStatusProcessing, got.Status)

	assert.ErrorIs(t, s.SetDatasetStatus(ctx, core.NewID(), core.DatasetStatusReady), storage.ErrNotFound)

	owned, err := s.ListOwnedDatasets(ctx, u.Id)
	require.NoError(t, err)
	assert.Len(t, owned, 1)

	listed, err := s.ListDatasets(ctx, []core.ID{ds.Id, core.NewID()})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestPermissions_DirectAndRole(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ds := newOwnedDataset(t, s)

	other, err := s.CreateUser(ctx, "other@example.com")
	require.NoError(t, err)

	ok, err := s.HasPermission(ctx, other.Id, ds.Id, core.PermissionRead)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.GrantPermission(ctx, other.Id, core.PrincipalUser, ds.Id, core.PermissionRead))
	ok, err = s.HasPermission(ctx, other.Id, ds.Id, core.PermissionRead)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasPermission(ctx, other.Id, ds.Id, core.PermissionWrite)
	require.NoError(t, err)
	assert.False(t, ok)

	role, err := s.CreateRole(ctx, "writers")
	require.NoError(t, err)
	require.NoError(t, s.GrantPermission(ctx, role.Id, core.PrincipalRole, ds.Id, core.PermissionWrite))
	require.NoError(t, s.AddUserToRole(ctx, other.Id, role.Id))

	ok, err = s.HasPermission(ctx, other.Id, ds.Id, core.PermissionWrite)
	require.NoError(t, err)
	assert.True(t, ok)

	ids, err := s.DatasetsWithPermission(ctx, other.Id, core.PermissionRead)
	require.NoError(t, err)
	assert.Equal(t, []core.ID{ds.Id}, ids)

	require.NoError(t, s.RevokePermission(ctx, other.Id, core.PrincipalUser, ds.Id, core.PermissionRead))
	ok, err = s.HasPermission(ctx, other.Id, ds.Id, core.PermissionRead)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestData_UpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, ds := newOwnedDataset(t, s)

	hash := core.ContentHash([]byte("hello"))
	d := &core.Data{
		Id:          core.DataIDFor(hash, u.Id),
		DatasetId:   ds.Id,
		ContentHash: hash,
		Location:    "/tmp/hello.txt",
		MimeType:    "text/plain",
		Size:        5,
	}
	require.NoError(t, s.UpsertData(ctx, d))

	again := *d
	again.Label = "greeting"
	again.Location = "/elsewhere"
	require.NoError(t, s.UpsertData(ctx, &again))

	items, err := s.ListData(ctx, ds.Id)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "greeting", items[0].Label)
	assert.Equal(t, "/tmp/hello.txt", items[0].Location)
	assert.Equal(t, core.DataStatusPending, items[0].Status)

	require.NoError(t, s.SetDataStatus(ctx, ds.Id, []core.ID{d.Id}, core.DataStatusProcessed))
	pending, err := s.ListData(ctx, ds.Id, core.DataStatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	unlabeled := *d
	unlabeled.Label = ""
	unlabeled.Status = ""
	require.NoError(t, s.UpsertData(ctx, &unlabeled))

	got, err := s.GetData(ctx, ds.Id, d.Id)
	require.NoError(t, err)
	assert.Equal(t, core.DataStatusProcessed, got.Status)
	assert.Equal(t, "greeting", got.Label)
}

func TestRuns_MonotonicTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, ds := newOwnedDataset(t, s)

	run := &core.PipelineRun{
		Id:        core.NewID(),
		DatasetId: ds.Id,
		UserId:    u.Id,
		RunKey:    "k1",
		Tasks:     []string{"chunk", "persist"},
		Status:    core.RunStatusPending,
	}
	require.NoError(t, s.CreateRun(ctx, run))

	run.Status = core.RunStatusRunning
	run.StartedAt = now()
	require.NoError(t, s.TransitionRun(ctx, run, core.RunStatusPending))

	// A stale writer that still believes the run is pending cannot move it.
	stale := *run
	stale.Status = core.RunStatusCancelled
	assert.ErrorIs(t, s.TransitionRun(ctx, &stale, core.RunStatusPending), storage.ErrStaleTransition)

	run.Status = core.RunStatusCompleted
	run.EndedAt = now()
	run.ItemsProduced = 12
	require.NoError(t, s.TransitionRun(ctx, run, core.RunStatusRunning))

	// Terminal states are final.
	back := *run
	back.Status = core.RunStatusRunning
	assert.ErrorIs(t, s.TransitionRun(ctx, &back, core.RunStatusCompleted), storage.ErrStaleTransition)

	got, err := s.GetRun(ctx, run.Id)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCompleted, got.Status)
	assert.Equal(t, []string{"chunk", "persist"}, got.Tasks)
	assert.Equal(t, int64(12), got.ItemsProduced)

	found, err := s.FindCompletedRun(ctx, ds.Id, "k1")
	require.NoError(t, err)
	assert.Equal(t, run.Id, found.Id)

	_, err = s.FindCompletedRun(ctx, ds.Id, "other")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.FindCompletedRun(ctx, ds.Id, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	runs, err := s.ListRuns(ctx, ds.Id)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestDeleteDataset_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, ds := newOwnedDataset(t, s)
	rel := NewRelationalRepository(s)
	h := storage.NewHandle(u.Id, u.Id, ds.Id)

	dp := &core.DataPoint{Id: core.NewID(), DatasetId: ds.Id, Type: core.TypeEntity}
	require.NoError(t, rel.Upsert(ctx, h, dp))
	require.NoError(t, s.CreateRun(ctx, &core.PipelineRun{Id: core.NewID(), DatasetId: ds.Id, UserId: u.Id, Status: core.RunStatusPending}))

	require.NoError(t, s.DeleteDataset(ctx, ds.Id))

	_, err := s.GetDataset(ctx, ds.Id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	acl, err := s.ListACL(ctx, ds.Id)
	require.NoError(t, err)
	assert.Empty(t, acl)
	_, err = rel.Get(ctx, h, dp.Id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	runs, err := s.ListRuns(ctx, ds.Id)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestHandleSQLError_Passthrough(t *testing.T) {
	assert.Nil(t, HandleSQLError(nil))
	err := HandleSQLError(assert.AnError)
	assert.True(t, strings.HasPrefix(err.Error(), "sql error"))
}
