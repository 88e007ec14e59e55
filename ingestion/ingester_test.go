package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/permission"
	"github.com/poiesic/kgraph/storage/sqlstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	ingester *Ingester
	store    *sqlstore.Store
	owner    *core.User
	other    *core.User
	ds       *core.Dataset
}

func setupIngester(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	store, err := sqlstore.OpenTemp(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gate, err := permission.NewGate(store)
	require.NoError(t, err)
	content, err := NewFileStore(filepath.Join(t.TempDir(), "content"))
	require.NoError(t, err)
	ingester, err := NewIngester(store, gate, content, WithPoolSize(2))
	require.NoError(t, err)
	t.Cleanup(ingester.Release)

	owner, err := store.CreateUser(ctx, "owner@example.com")
	require.NoError(t, err)
	other, err := store.CreateUser(ctx, "other@example.com")
	require.NoError(t, err)
	ds, err := store.CreateDataset(ctx, owner.Id, "notes")
	require.NoError(t, err)

	return &testEnv{ingester: ingester, store: store, owner: owner, other: other, ds: ds}
}

func TestNewIngester_RequiresDependencies(t *testing.T) {
	content, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = NewIngester(nil, nil, content)
	assert.ErrorIs(t, err, ErrStoreRequired)
}

func TestAdd_TextAndFileItems(t *testing.T) {
	env := setupIngester(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "Report.MD")
	require.NoError(t, os.WriteFile(path, []byte("# Findings\n"), 0o644))

	added, err := env.ingester.Add(ctx, env.owner.Id, env.ds.Id, []core.IngestItem{
		core.TextItem("Alan Turing worked at Bletchley Park.").WithLabel("turing"),
		core.FileItem(path),
	})
	require.NoError(t, err)
	require.Len(t, added, 2)

	text := added[0]
	hash := core.ContentHash([]byte("Alan Turing worked at Bletchley Park."))
	assert.Equal(t, core.DataIDFor(hash, env.owner.Id), text.Id)
	assert.Equal(t, env.ds.Id, text.DatasetId)
	assert.Equal(t, "turing", text.Label)
	assert.Equal(t, hash, text.ContentHash)
	assert.Equal(t, "text/plain", text.MimeType)
	assert.Equal(t, core.DataStatusPending, text.Status)

	file := added[1]
	assert.Equal(t, "Report.MD", file.Label)
	assert.Equal(t, ".md", file.Extension)
	assert.Equal(t, int64(11), file.Size)

	content, err := env.ingester.Content().ReadContent(ctx, file.Location)
	require.NoError(t, err)
	assert.Equal(t, "# Findings\n", string(content))

	stored, err := env.store.ListData(ctx, env.ds.Id)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestAdd_SameContentIsOneRecord(t *testing.T) {
	env := setupIngester(t)
	ctx := context.Background()

	first, err := env.ingester.Add(ctx, env.owner.Id, env.ds.Id, []core.IngestItem{core.TextItem("same")})
	require.NoError(t, err)
	require.NoError(t, env.store.SetDataStatus(ctx, env.ds.Id, []core.ID{first[0].Id}, core.DataStatusProcessed))

	again, err := env.ingester.Add(ctx, env.owner.Id, env.ds.Id, []core.IngestItem{
		core.TextItem("same").WithLabel("renamed"),
		core.TextItem("same"),
	})
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, first[0].Id, again[0].Id)
	assert.Equal(t, first[0].Id, again[1].Id)

	got, err := env.store.GetData(ctx, env.ds.Id, first[0].Id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Label)
	assert.Equal(t, core.DataStatusProcessed, got.Status)

	all, err := env.store.ListData(ctx, env.ds.Id)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAdd_InvalidItemsStoreNothing(t *testing.T) {
	env := setupIngester(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		items []core.IngestItem
	}{
		{"no items", nil},
		{"empty item", []core.IngestItem{core.TextItem("ok"), {}}},
		{"text and path", []core.IngestItem{{Text: "a", Path: "/b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.ingester.Add(ctx, env.owner.Id, env.ds.Id, tt.items)
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}

	all, err := env.store.ListData(ctx, env.ds.Id)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAdd_MissingFile(t *testing.T) {
	env := setupIngester(t)

	_, err := env.ingester.Add(context.Background(), env.owner.Id, env.ds.Id, []core.IngestItem{
		core.FileItem(filepath.Join(t.TempDir(), "missing.txt")),
	})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestAdd_RequiresWritePermission(t *testing.T) {
	env := setupIngester(t)
	ctx := context.Background()

	_, err := env.ingester.Add(ctx, env.other.Id, env.ds.Id, []core.IngestItem{core.TextItem("sneaky")})
	require.ErrorIs(t, err, core.ErrPermissionDenied)

	all, err := env.store.ListData(ctx, env.ds.Id)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	hash := core.ContentHash([]byte("payload"))
	loc, err := fs.Put(ctx, hash, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, hash[:2]+"/"+hash, loc)

	again, err := fs.Put(ctx, hash, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, loc, again)

	got, err := fs.ReadContent(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	for _, bad := range []string{"", "../escape", "/etc/passwd", "a/../../x"} {
		_, err := fs.ReadContent(ctx, bad)
		assert.ErrorIs(t, err, ErrInvalidLocation, bad)
	}
	_, err = fs.Put(ctx, "../x", nil)
	assert.ErrorIs(t, err, ErrInvalidLocation)

	require.NoError(t, fs.Remove(loc))
	require.NoError(t, fs.Remove(loc))
	_, err = fs.ReadContent(ctx, loc)
	assert.True(t, os.IsNotExist(err))
}
