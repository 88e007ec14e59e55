package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/poiesic/kgraph/storage/sqlstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, sqlstore.DriverSQLite, cfg.RecordStore.Driver)
	assert.Equal(t, filepath.Join(DefaultRoot, "kgraph.db"), cfg.RecordStoreDSN())
	assert.Equal(t, filepath.Join(DefaultRoot, "content"), cfg.ContentRoot())
	assert.Equal(t, filepath.Join(DefaultRoot, "datasets"), cfg.GraphRoot())
	assert.Equal(t, GraphBadger, cfg.Storage.Graph)
	assert.Equal(t, VectorBadger, cfg.Storage.Vector)
	assert.Equal(t, "http://localhost:11434/v1", cfg.AI.EmbeddingHost)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
record_store:
  driver: postgres
  dsn: postgres://kgraph@localhost/kgraph
storage:
  root: /var/lib/kgraph
  graph: neo4j
  call_timeout: 3s
  neo4j:
    uri: bolt://localhost:7687
    username: neo4j
pipeline:
  max_task_retries: 4
  retry_base_delay: 250ms
ai:
  embedding_host: http://embedder:8080
  embedding_model: text-embedding-3-small
tasks:
  chunk:
    size: 512
    overlap: 64
reembed:
  batch_size: 32
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://kgraph@localhost/kgraph", cfg.RecordStoreDSN())
	assert.Equal(t, "/var/lib/kgraph", cfg.Storage.Root)
	assert.Equal(t, GraphNeo4j, cfg.Storage.Graph)
	assert.Equal(t, VectorBadger, cfg.Storage.Vector, "unset keys keep their defaults")
	assert.Equal(t, 3*time.Second, cfg.Storage.CallTimeout)
	assert.Equal(t, "bolt://localhost:7687", cfg.Storage.Neo4j.URI)
	assert.Equal(t, 4, cfg.Pipeline.MaxTaskRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.RetryBaseDelay)

	assert.Equal(t, "http://embedder:8080/v1", cfg.AI.EmbeddingHost, "hosts are normalized")
	assert.Equal(t, "text-embedding-3-small", cfg.AI.EmbeddingModel)
	assert.Equal(t, "qwen2.5:7b", cfg.AI.ExtractorModel)

	assert.Equal(t, 512, cfg.Tasks.Chunk.Size)
	assert.Equal(t, 64, cfg.Tasks.Chunk.Overlap)
	assert.NotEmpty(t, cfg.Tasks.Embed.Types)
	assert.Equal(t, 32, cfg.Reembed.BatchSize)
	assert.Equal(t, 3, cfg.Reembed.MaxRetries)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.NotNil(t, cfg.Reembed)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = Load(writeConfig(t, "storage: [not, a, map]"))
	assert.ErrorContains(t, err, "parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown driver", func(c *Config) { c.RecordStore.Driver = "mysql" }, "Driver"},
		{"postgres without dsn", func(c *Config) { c.RecordStore.Driver = sqlstore.DriverPostgres }, "record_store.dsn"},
		{"no root", func(c *Config) { c.Storage.Root = "" }, "storage.root"},
		{"unknown graph backend", func(c *Config) { c.Storage.Graph = "dgraph" }, "Graph"},
		{"neo4j without uri", func(c *Config) { c.Storage.Graph = GraphNeo4j }, "storage.neo4j.uri"},
		{"redis without addr", func(c *Config) { c.Storage.Vector = VectorRedis }, "storage.redis.addr"},
		{"call attempts", func(c *Config) { c.Storage.CallAttempts = 0 }, "CallAttempts"},
		{"min score", func(c *Config) { c.Search.MinScore = 1.5 }, "MinScore"},
		{"chunk overlap", func(c *Config) { c.Tasks.Chunk.Overlap = c.Tasks.Chunk.Size }, "Overlap"},
		{"reembed batch", func(c *Config) { c.Reembed.BatchSize = 0 }, "BatchSize"},
		{"ai model", func(c *Config) { c.AI.EmbeddingModel = "" }, "EmbeddingModel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_FillsMissingSections(t *testing.T) {
	cfg := &Config{
		Storage: StorageConfig{Root: t.TempDir(), CallAttempts: 1},
		Tasks:   Default().Tasks,
	}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, sqlstore.DriverSQLite, cfg.RecordStore.Driver)
	assert.Equal(t, GraphBadger, cfg.Storage.Graph)
	assert.NotNil(t, cfg.AI)
	assert.NotNil(t, cfg.Reembed)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(envMap(map[string]string{
		"KGRAPH_RECORD_STORE_DSN":  "/tmp/records.db",
		"KGRAPH_STORAGE_VECTOR":    "redis",
		"KGRAPH_REDIS_ADDR":        "localhost:6379",
		"KGRAPH_REDIS_DB":          "2",
		"KGRAPH_STORAGE_IN_MEMORY": "true",
		"KGRAPH_AI_HOST":           "http://gpu:11434",
		"KGRAPH_AI_API_KEY":        "secret",
		"KGRAPH_NEO4J_PASSWORD":    "hunter2",
		"RECORD_STORE_DSN":         "ignored",
	})))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/tmp/records.db", cfg.RecordStoreDSN())
	assert.Equal(t, VectorRedis, cfg.Storage.Vector)
	assert.Equal(t, "localhost:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 2, cfg.Storage.Redis.DB)
	assert.True(t, cfg.Storage.InMemory)
	assert.Equal(t, "http://gpu:11434/v1", cfg.AI.EmbeddingHost)
	assert.Equal(t, "http://gpu:11434/v1", cfg.AI.ExtractorHost)
	assert.Equal(t, "secret", cfg.AI.APIKey)
	assert.Equal(t, "hunter2", cfg.Storage.Neo4j.Password)

	assert.Error(t, Default().ApplyEnv(envMap(map[string]string{"KGRAPH_REDIS_DB": "two"})))
	assert.Error(t, Default().ApplyEnv(envMap(map[string]string{"KGRAPH_STORAGE_IN_MEMORY": "maybe"})))

	unchanged := Default()
	require.NoError(t, unchanged.ApplyEnv(noEnv))
	assert.Equal(t, Default(), unchanged)
}
