package search

import (
	"context"
	"log/slog"
	"testing"

	"github.com/poiesic/kgraph/ai/mock"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/permission"
	"github.com/poiesic/kgraph/router"
	"github.com/poiesic/kgraph/storage/sqlstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	searcher *Searcher
	router   *router.Router
	gate     *permission.Gate
	owner    *core.User
	stranger *core.User
	ds       *core.Dataset
	other    *core.Dataset
}

func setupSearch(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	store, err := sqlstore.OpenTemp(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gate, err := permission.NewGate(store)
	require.NoError(t, err)
	factory, err := router.NewFactory(router.FactoryConfig{
		InMemory:   true,
		Relational: sqlstore.NewRelationalRepository(store),
	})
	require.NoError(t, err)
	r, err := router.New(gate, store, factory)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	searcher, err := NewSearcher(r, gate, mock.NewMockEmbedder())
	require.NoError(t, err)

	owner, err := store.CreateUser(ctx, "owner@example.com")
	require.NoError(t, err)
	stranger, err := store.CreateUser(ctx, "stranger@example.com")
	require.NoError(t, err)
	ds, err := store.CreateDataset(ctx, owner.Id, "history")
	require.NoError(t, err)
	other, err := store.CreateDataset(ctx, owner.Id, "physics")
	require.NoError(t, err)

	return &testEnv{searcher: searcher, router: r, gate: gate, owner: owner, stranger: stranger, ds: ds, other: other}
}

func chunk(ds *core.Dataset, text string) *core.DataPoint {
	return &core.DataPoint{
		Id:        core.IDFromContent(ds.Id.String(), "chunk", text),
		DatasetId: ds.Id,
		Type:      core.TypeChunk,
		Text:      text,
		Vector:    mock.Vector(text, mock.DefaultDimensions),
	}
}

func entity(ds *core.Dataset, name string) *core.DataPoint {
	return &core.DataPoint{
		Id:        core.EntityID(ds.Id, "person", name),
		DatasetId: ds.Id,
		Type:      core.TypeEntity,
		Text:      name,
		Vector:    mock.Vector(name, mock.DefaultDimensions),
		Payload:   map[string]any{"name": name, "entity_type": "person"},
	}
}

func (env *testEnv) seed(t *testing.T, ds *core.Dataset, dps ...*core.DataPoint) {
	t.Helper()
	require.NoError(t, env.router.UpsertDataPoints(context.Background(), env.owner.Id, ds.Id, dps))
}

func TestNewSearcher(t *testing.T) {
	env := setupSearch(t)

	t.Run("with custom logger", func(t *testing.T) {
		s, err := NewSearcher(env.router, env.gate, nil, WithLogger(slog.Default()))
		require.NoError(t, err)
		assert.NotNil(t, s)
	})

	t.Run("nil reader", func(t *testing.T) {
		_, err := NewSearcher(nil, env.gate, nil)
		assert.Equal(t, ErrReaderRequired, err)
	})

	t.Run("nil dataset lister", func(t *testing.T) {
		_, err := NewSearcher(env.router, nil, nil)
		assert.Equal(t, ErrDatasetsRequired, err)
	})

	t.Run("min score out of range", func(t *testing.T) {
		_, err := NewSearcher(env.router, env.gate, nil, WithMinScore(2))
		assert.ErrorIs(t, err, core.ErrValidation)
	})
}

func TestSearch_Chunks(t *testing.T) {
	env := setupSearch(t)
	ctx := context.Background()

	hit := chunk(env.ds, "Ada Lovelace wrote the first program")
	miss := chunk(env.ds, "Bread rises when yeast ferments")
	env.seed(t, env.ds, hit, miss, entity(env.ds, "Ada Lovelace wrote the first program"))

	results, err := env.searcher.Search(ctx, env.owner.Id, Query{Text: "Ada Lovelace wrote the first program"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, hit.Id, results[0].Point.Id)
	assert.Equal(t, env.ds.Id, results[0].DatasetId)
	assert.InDelta(t, 1.0+verbatimBoost, results[0].Score, 0.001)
}

func TestSearch_MergesDatasetsAndRanks(t *testing.T) {
	env := setupSearch(t)
	ctx := context.Background()

	text := "Marie Curie discovered polonium"
	env.seed(t, env.ds, chunk(env.ds, text))
	env.seed(t, env.other, chunk(env.other, text))

	results, err := env.searcher.Search(ctx, env.owner.Id, Query{Text: text, Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.ElementsMatch(t, []core.ID{env.ds.Id, env.other.Id}, []core.ID{results[0].DatasetId, results[1].DatasetId})

	only, err := env.searcher.Search(ctx, env.owner.Id, Query{Text: text, Datasets: []core.ID{env.other.Id}})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, env.other.Id, only[0].DatasetId)

	limited, err := env.searcher.Search(ctx, env.owner.Id, Query{Text: text, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSearch_UnreadableDatasetsAreEmpty(t *testing.T) {
	env := setupSearch(t)
	ctx := context.Background()

	text := "classified findings"
	env.seed(t, env.ds, chunk(env.ds, text))

	for _, strategy := range []Strategy{StrategyChunks, StrategyGraph, StrategyLexical} {
		results, err := env.searcher.Search(ctx, env.stranger.Id, Query{Text: text, Strategy: strategy})
		require.NoError(t, err)
		assert.Empty(t, results, strategy)

		results, err = env.searcher.Search(ctx, env.stranger.Id, Query{Text: text, Strategy: strategy, Datasets: []core.ID{env.ds.Id}})
		require.NoError(t, err)
		assert.Empty(t, results, strategy)
	}

	require.NoError(t, env.gate.Grant(ctx, env.owner.Id, permission.User(env.stranger.Id), env.ds.Id, core.PermissionRead))
	results, err := env.searcher.Search(ctx, env.stranger.Id, Query{Text: text})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearch_GraphExpandsNeighbors(t *testing.T) {
	env := setupSearch(t)
	ctx := context.Background()

	ada := entity(env.ds, "ada lovelace")
	babbage := entity(env.ds, "charles babbage")
	c := chunk(env.ds, "ada lovelace worked with charles babbage")
	env.seed(t, env.ds, ada, babbage, c)
	require.NoError(t, env.router.UpsertEdges(ctx, env.owner.Id, env.ds.Id, []*core.Edge{
		{SourceId: ada.Id, TargetId: babbage.Id, Label: "worked_with", DatasetId: env.ds.Id},
		{SourceId: c.Id, TargetId: ada.Id, Label: core.LabelContainsEntity, DatasetId: env.ds.Id},
	}))

	var monitor recordingMonitor
	results, err := env.searcher.SearchWithMonitor(ctx, env.owner.Id, Query{Text: "ada lovelace", Strategy: StrategyGraph}, &monitor)
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, ada.Id, r.Point.Id)
	assert.Len(t, r.Edges, 2)
	related := make([]core.ID, len(r.Related))
	for i, dp := range r.Related {
		related[i] = dp.Id
	}
	assert.ElementsMatch(t, []core.ID{babbage.Id, c.Id}, related)
	assert.InDelta(t, 1.0+verbatimBoost+verbatimBoost*neighborWeight, r.Score, 0.001)

	assert.True(t, monitor.started)
	assert.Equal(t, 2, monitor.edges)
	assert.Len(t, monitor.results, 1)
}

func TestSearch_Lexical(t *testing.T) {
	env := setupSearch(t)
	ctx := context.Background()

	full := chunk(env.ds, "The Analytical Engine was designed by Babbage.")
	partial := chunk(env.ds, "Babbage also built the Difference Engine.")
	none := chunk(env.ds, "Unrelated notes about gardening.")
	full.Vector, partial.Vector, none.Vector = nil, nil, nil
	env.seed(t, env.ds, full, partial, none)

	s, err := NewSearcher(env.router, env.gate, nil)
	require.NoError(t, err)
	results, err := s.Search(ctx, env.owner.Id, Query{Text: "analytical engine Babbage", Strategy: StrategyLexical})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, full.Id, results[0].Point.Id)
	assert.InDelta(t, 1.0+verbatimBoost, results[0].Score, 0.001)
	assert.Equal(t, partial.Id, results[1].Point.Id)
	assert.InDelta(t, 2.0/3.0, results[1].Score, 0.001)
}

func TestSearch_InvalidQueries(t *testing.T) {
	env := setupSearch(t)
	ctx := context.Background()

	_, err := env.searcher.Search(ctx, env.owner.Id, Query{Text: "  "})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = env.searcher.Search(ctx, env.owner.Id, Query{Text: "x", Strategy: "fuzzy"})
	assert.ErrorIs(t, err, core.ErrValidation)

	lexicalOnly, err := NewSearcher(env.router, env.gate, nil)
	require.NoError(t, err)
	_, err = lexicalOnly.Search(ctx, env.owner.Id, Query{Text: "x"})
	assert.ErrorIs(t, err, ErrEmbedderRequired)
}

func TestKeywordCoverage(t *testing.T) {
	words := keywords("What is the Analytical Engine engine?")
	assert.Equal(t, []string{"analytical", "engine"}, words)
	assert.InDelta(t, 1.0, keywordCoverage("the analytical engine", words), 0.001)
	assert.InDelta(t, 0.5, keywordCoverage("a steam engine", words), 0.001)
	assert.Zero(t, keywordCoverage("anything", nil))
	assert.True(t, containsAllQueryWords("Engine, analytical!", "analytical engine"))
	assert.False(t, containsAllQueryWords("the and of", "the"))
}

type recordingMonitor struct {
	noopMonitor
	started bool
	edges   int
	results []*Result
}

func (m *recordingMonitor) Start(_ Query) { m.started = true }

func (m *recordingMonitor) AfterExpansion(_ core.ID, edges []*core.Edge) { m.edges += len(edges) }

func (m *recordingMonitor) Finish(results []*Result) { m.results = results }
