package tasks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/kgraph/ai"
	"github.com/poiesic/kgraph/ai/mock"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/permission"
	"github.com/poiesic/kgraph/pipeline"
	"github.com/poiesic/kgraph/storage/sqlstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryContent map[string][]byte

func (m memoryContent) ReadContent(_ context.Context, location string) ([]byte, error) {
	b, ok := m[location]
	if !ok {
		return nil, fmt.Errorf("no content at %s", location)
	}
	return b, nil
}

// recordingWriter keeps everything written to it. Edges are rejected when an
// endpoint was never written, like the router does.
type recordingWriter struct {
	mu     sync.Mutex
	points map[core.ID]*core.DataPoint
	edges  []*core.Edge
	calls  int
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{points: make(map[core.ID]*core.DataPoint)}
}

func (w *recordingWriter) UpsertDataPoints(_ context.Context, _, _ core.ID, dps []*core.DataPoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	for _, dp := range dps {
		if _, ok := w.points[dp.Id]; !ok {
			w.points[dp.Id] = dp
		}
	}
	return nil
}

func (w *recordingWriter) UpsertEdges(_ context.Context, _, _ core.ID, edges []*core.Edge) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range edges {
		if w.points[e.SourceId] == nil || w.points[e.TargetId] == nil {
			return core.NewValidationError("edge", "endpoint missing")
		}
	}
	w.edges = append(w.edges, edges...)
	return nil
}

func (w *recordingWriter) ofType(typ string) []*core.DataPoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*core.DataPoint
	for _, dp := range w.points {
		if dp.Type == typ {
			out = append(out, dp)
		}
	}
	return out
}

func (w *recordingWriter) labels() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int)
	for _, e := range w.edges {
		out[e.Label]++
	}
	return out
}

type fixture struct {
	exec    *pipeline.Executor
	owner   *core.User
	ds      *core.Dataset
	content memoryContent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := sqlstore.OpenTemp(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gate, err := permission.NewGate(store)
	require.NoError(t, err)
	exec, err := pipeline.NewExecutor(store, gate, pipeline.WithRetryBaseDelay(time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { exec.Close(context.Background()) })

	owner, err := store.CreateUser(ctx, "owner@example.com")
	require.NoError(t, err)
	ds, err := store.CreateDataset(ctx, owner.Id, "papers")
	require.NoError(t, err)

	return &fixture{exec: exec, owner: owner, ds: ds, content: memoryContent{}}
}

func (f *fixture) data(label, text string) *core.Data {
	hash := core.ContentHash([]byte(text))
	location := "mem://" + hash
	f.content[location] = []byte(text)
	return &core.Data{
		Id:          core.DataIDFor(hash, f.owner.Id),
		DatasetId:   f.ds.Id,
		Label:       label,
		ContentHash: hash,
		Location:    location,
		Size:        int64(len(text)),
		Status:      core.DataStatusPending,
	}
}

func (f *fixture) run(t *testing.T, input pipeline.Seq, list ...pipeline.Task) (*core.PipelineRun, error) {
	t.Helper()
	return f.exec.Run(context.Background(), pipeline.RunRequest{
		UserId:    f.owner.Id,
		DatasetId: f.ds.Id,
		Tasks:     list,
		Input:     input,
	})
}

func collect[T any](out *[]T) pipeline.Task {
	var mu sync.Mutex
	return pipeline.Map("collect", func(_ context.Context, _ *pipeline.TaskContext, v T) (T, error) {
		mu.Lock()
		*out = append(*out, v)
		mu.Unlock()
		return v, nil
	}, pipeline.NonDeterministic())
}

const curie = `The physicist Marie Curie shared the prize with Pierre Curie.
Later the Sorbonne appointed Marie Curie as professor.`

func TestSplitDocuments_StableChunkIDs(t *testing.T) {
	f := newFixture(t)
	text := strings.Repeat("Knowledge graphs connect entities with typed relations. ", 40)
	d := f.data("notes.txt", text)

	cfg := ChunkConfig{Size: 200, Overlap: 20}
	var first, second []*core.Chunk
	_, err := f.run(t, pipeline.Items(d), LoadDocuments(f.content, DocumentConfig{}), SplitDocuments(cfg), collect(&first))
	require.NoError(t, err)
	_, err = f.run(t, pipeline.Items(d), LoadDocuments(f.content, DocumentConfig{}), SplitDocuments(cfg), collect(&second))
	require.NoError(t, err)

	require.Greater(t, len(first), 1)
	require.Len(t, second, len(first))
	for i, c := range first {
		assert.Equal(t, ChunkID(d.ContentHash, c.Index), c.Id)
		assert.Equal(t, second[i].Id, c.Id)
		assert.Equal(t, d.Id, c.DocumentId)
		assert.Equal(t, f.ds.Id, c.DatasetId)
		assert.Equal(t, "notes.txt", c.Source)
		assert.LessOrEqual(t, len(c.Text), 200)
	}
}

func TestLoadDocuments_RejectsBinaryContent(t *testing.T) {
	f := newFixture(t)
	d := f.data("blob.bin", "placeholder")
	f.content[d.Location] = []byte{0xff, 0xfe, 0x00, 0x81}

	_, err := f.run(t, pipeline.Items(d), LoadDocuments(f.content, DocumentConfig{}))
	require.ErrorIs(t, err, core.ErrValidation)
	var aborted *core.PipelineAbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, "document", aborted.Task)
}

func TestLoadDocuments_MaxBytes(t *testing.T) {
	f := newFixture(t)
	d := f.data("big.txt", strings.Repeat("x", 100))

	_, err := f.run(t, pipeline.Items(d), LoadDocuments(f.content, DocumentConfig{MaxBytes: 10}))
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestCognify_BuildsGraph(t *testing.T) {
	f := newFixture(t)
	w := newRecordingWriter()
	embedder := mock.NewMockEmbedder()
	deps := Deps{
		Content:   f.content,
		Extractor: mock.NewMockGraphExtractor(),
		Embedder:  embedder,
		Writer:    w,
	}

	list := Cognify(deps, DefaultCognifyConfig())
	names := make([]string, len(list))
	for i, task := range list {
		names[i] = task.Name()
	}
	assert.Equal(t, []string{"document", "chunk", "extract_graph", "embed", "persist"}, names)

	run, err := f.run(t, pipeline.Items(f.data("curie.txt", curie)), list...)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCompleted, run.Status)

	docs := w.ofType(core.TypeDocument)
	require.Len(t, docs, 1)
	assert.Equal(t, "curie.txt", docs[0].Payload["name"])
	assert.False(t, docs[0].HasVector())

	chunks := w.ofType(core.TypeChunk)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.True(t, c.HasVector())
	}

	entities := w.ofType(core.TypeEntity)
	names = names[:0]
	for _, e := range entities {
		assert.True(t, e.HasVector(), e.Text)
		names = append(names, e.Text)
	}
	assert.ElementsMatch(t, []string{"marie curie", "pierre curie", "sorbonne"}, names)
	assert.Len(t, w.ofType(core.TypeEntityType), 1)

	labels := w.labels()
	assert.Equal(t, len(chunks), labels[core.LabelPartOf])
	assert.Positive(t, labels[core.LabelContainsEntity])
	assert.Positive(t, labels[core.LabelIsEntityType])
	assert.Equal(t, 2, labels["related_to"])
}

func TestCognify_WithoutExtractorStoresChunks(t *testing.T) {
	f := newFixture(t)
	w := newRecordingWriter()

	list := Cognify(Deps{Content: f.content, Writer: w}, DefaultCognifyConfig())
	require.Len(t, list, 4)
	assert.Equal(t, "chunk_points", list[2].Name())

	_, err := f.run(t, pipeline.Items(f.data("curie.txt", curie)), list...)
	require.NoError(t, err)
	assert.Len(t, w.ofType(core.TypeDocument), 1)
	assert.NotEmpty(t, w.ofType(core.TypeChunk))
	assert.Empty(t, w.ofType(core.TypeEntity))
	for _, c := range w.ofType(core.TypeChunk) {
		assert.False(t, c.HasVector())
	}
}

func TestEmbedPoints_SharedIDsEmbeddedOnce(t *testing.T) {
	f := newFixture(t)
	embedder := mock.NewMockEmbedder()
	var texts []string
	embedder.EmbedTextsFunc = func(_ context.Context, in []string) ([][]float32, error) {
		texts = append(texts, in...)
		out := make([][]float32, len(in))
		for i, s := range in {
			out[i] = mock.Vector(s, 8)
		}
		return out, nil
	}

	id := core.IDFromContent("entity", "paris")
	k1 := &Knowledge{Points: []*core.DataPoint{{Id: id, Type: core.TypeEntity, Text: "paris"}}}
	k2 := &Knowledge{Points: []*core.DataPoint{
		{Id: id, Type: core.TypeEntity, Text: "paris"},
		{Id: core.NewID(), Type: core.TypeDocument, Payload: map[string]any{"name": "doc"}},
	}}

	_, err := f.run(t, pipeline.Items(k1, k2), EmbedPoints(embedder, DefaultEmbedConfig()))
	require.NoError(t, err)

	assert.Equal(t, []string{"paris"}, texts)
	assert.Equal(t, 1, embedder.CallCount())
	assert.Equal(t, mock.Vector("paris", 8), k1.Points[0].Vector)
	assert.Equal(t, mock.Vector("paris", 8), k2.Points[0].Vector)
	assert.False(t, k2.Points[1].HasVector())
}

func TestEmbedPoints_CountMismatch(t *testing.T) {
	f := newFixture(t)
	embedder := mock.NewMockEmbedder()
	embedder.EmbedTextsFunc = func(context.Context, []string) ([][]float32, error) {
		return nil, nil
	}

	k := &Knowledge{Points: []*core.DataPoint{{Id: core.NewID(), Type: core.TypeChunk, Text: "text"}}}
	_, err := f.run(t, pipeline.Items(k), EmbedPoints(embedder, DefaultEmbedConfig()))
	require.ErrorIs(t, err, core.ErrPipelineAborted)
	assert.Contains(t, err.Error(), "0 vectors for 1 texts")
}

func TestExtractGraph_SchemaFromConfig(t *testing.T) {
	f := newFixture(t)
	extractor := mock.NewMockGraphExtractor()
	var schemas []ai.Schema
	extractor.ExtractGraphFunc = func(_ context.Context, _ string, schema ai.Schema) (*ai.Graph, error) {
		schemas = append(schemas, schema)
		return &ai.Graph{}, nil
	}

	cfg := ExtractConfig{Schema: ai.Schema{NodeTypes: []string{"gene"}}, Workers: 1}
	c := &core.Chunk{Id: core.NewID(), DatasetId: f.ds.Id, DocumentId: core.NewID(), Text: "BRCA1"}
	var out []*Knowledge
	_, err := f.run(t, pipeline.Items(c), ExtractGraph(extractor, cfg), collect(&out))
	require.NoError(t, err)

	require.Len(t, schemas, 1)
	assert.Equal(t, []string{"gene"}, schemas[0].NodeTypes)
	require.Len(t, out, 1)
	assert.Len(t, out[0].Points, 2)
	assert.Len(t, out[0].Edges, 1)
}

func TestTaskValidation(t *testing.T) {
	tests := []struct {
		name string
		task pipeline.Task
	}{
		{"missing reader", LoadDocuments(nil, DocumentConfig{})},
		{"missing extractor", ExtractGraph(nil, DefaultExtractConfig())},
		{"missing embedder", EmbedPoints(nil, DefaultEmbedConfig())},
		{"missing writer", Persist(nil, DefaultPersistConfig())},
		{"overlap not below size", SplitDocuments(ChunkConfig{Size: 100, Overlap: 100})},
		{"tiny chunks", SplitDocuments(ChunkConfig{Size: 10})},
		{"no embed types", EmbedPoints(mock.NewMockEmbedder(), EmbedConfig{BatchSize: 1})},
		{"no extract workers", ExtractGraph(mock.NewMockGraphExtractor(), ExtractConfig{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.task.Validate(), core.ErrValidation)
		})
	}

	for _, task := range Cognify(Deps{Content: memoryContent{}, Writer: newRecordingWriter()}, DefaultCognifyConfig()) {
		assert.NoError(t, task.Validate(), task.Name())
	}
}

func TestFingerprint_IgnoresTuning(t *testing.T) {
	a := ExtractGraph(mock.NewMockGraphExtractor(), ExtractConfig{Model: "m", Workers: 1})
	b := ExtractGraph(mock.NewMockGraphExtractor(), ExtractConfig{Model: "m", Workers: 8})
	c := ExtractGraph(mock.NewMockGraphExtractor(), ExtractConfig{Model: "other", Workers: 1})

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}
