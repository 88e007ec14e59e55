// Package config loads the configuration of a kgraph system from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/poiesic/kgraph/ai"
	"github.com/poiesic/kgraph/pipeline"
	"github.com/poiesic/kgraph/reembed"
	"github.com/poiesic/kgraph/storage"
	"github.com/poiesic/kgraph/storage/neo4j"
	"github.com/poiesic/kgraph/storage/redis"
	"github.com/poiesic/kgraph/storage/sqlstore"
	"github.com/poiesic/kgraph/tasks"
	"gopkg.in/yaml.v3"
)

const (
	GraphBadger  = "badger"
	GraphNeo4j   = "neo4j"
	VectorBadger = "badger"
	VectorRedis  = "redis"

	// DefaultRoot is the data directory used when none is configured.
	DefaultRoot = "kgraph-data"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KGRAPH_"

// Config is the configuration of a kgraph system.
type Config struct {
	RecordStore RecordStoreConfig   `yaml:"record_store"`
	Storage     StorageConfig       `yaml:"storage"`
	Pipeline    PipelineConfig      `yaml:"pipeline"`
	Search      SearchConfig        `yaml:"search"`
	AI          *ai.Config          `yaml:"ai"`
	Tasks       tasks.CognifyConfig `yaml:"tasks"`
	Reembed     *reembed.Config     `yaml:"reembed"`
}

// RecordStoreConfig selects the SQL database holding users, datasets, runs
// and the relational copy of the graph.
type RecordStoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite postgres"`
	// DSN is a file path or URI for sqlite and a connection string for
	// postgres. An empty sqlite DSN places the database in the storage root.
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"gte=0"`
}

// StorageConfig selects the graph and vector backends.
type StorageConfig struct {
	// Root holds the content store and the embedded per-dataset databases.
	Root string `yaml:"root"`
	// InMemory keeps embedded backends in memory. Content still goes to Root.
	InMemory     bool          `yaml:"in_memory"`
	Graph        string        `yaml:"graph" validate:"oneof=badger neo4j"`
	Vector       string        `yaml:"vector" validate:"oneof=badger redis"`
	CallTimeout  time.Duration `yaml:"call_timeout" validate:"gte=0"`
	CallAttempts int           `yaml:"call_attempts" validate:"min=1,max=10"`
	Neo4j        neo4j.Config  `yaml:"neo4j"`
	Redis        redis.Config  `yaml:"redis"`
}

// PipelineConfig tunes the executor.
type PipelineConfig struct {
	// PoolSize bounds concurrent batch work. Zero means runtime.NumCPU() / 2.
	PoolSize       int           `yaml:"pool_size" validate:"gte=0"`
	MaxTaskRetries int           `yaml:"max_task_retries" validate:"gte=0,max=10"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" validate:"gte=0"`
	// IngestWorkers bounds concurrent reads of ingested items. Zero means
	// runtime.NumCPU() / 2.
	IngestWorkers int `yaml:"ingest_workers" validate:"gte=0"`
}

// SearchConfig tunes retrieval.
type SearchConfig struct {
	MinScore float32 `yaml:"min_score" validate:"gte=-1,lte=1"`
}

// Default returns a configuration for a single-process system keeping all
// state under DefaultRoot.
func Default() *Config {
	return &Config{
		RecordStore: RecordStoreConfig{Driver: sqlstore.DriverSQLite},
		Storage: StorageConfig{
			Root:         DefaultRoot,
			Graph:        GraphBadger,
			Vector:       VectorBadger,
			CallTimeout:  storage.DefaultCallTimeout,
			CallAttempts: storage.DefaultCallAttempts,
		},
		Pipeline: PipelineConfig{
			MaxTaskRetries: pipeline.DefaultMaxTaskRetries,
			RetryBaseDelay: pipeline.DefaultRetryBaseDelay,
		},
		Search:  SearchConfig{MinScore: 0.60},
		AI:      ai.DefaultConfig(),
		Tasks:   tasks.DefaultCognifyConfig(),
		Reembed: reembed.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides connection settings and secrets from the environment.
// lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"RECORD_STORE_DRIVER": &c.RecordStore.Driver,
		"RECORD_STORE_DSN":    &c.RecordStore.DSN,
		"STORAGE_ROOT":        &c.Storage.Root,
		"STORAGE_GRAPH":       &c.Storage.Graph,
		"STORAGE_VECTOR":      &c.Storage.Vector,
		"NEO4J_URI":           &c.Storage.Neo4j.URI,
		"NEO4J_USERNAME":      &c.Storage.Neo4j.Username,
		"NEO4J_PASSWORD":      &c.Storage.Neo4j.Password,
		"NEO4J_DATABASE":      &c.Storage.Neo4j.Database,
		"REDIS_ADDR":          &c.Storage.Redis.Addr,
		"REDIS_PASSWORD":      &c.Storage.Redis.Password,
	}
	if c.AI == nil {
		c.AI = ai.DefaultConfig()
	}
	strs["AI_EMBEDDING_HOST"] = &c.AI.EmbeddingHost
	strs["AI_EXTRACTOR_HOST"] = &c.AI.ExtractorHost
	strs["AI_EMBEDDING_MODEL"] = &c.AI.EmbeddingModel
	strs["AI_EXTRACTOR_MODEL"] = &c.AI.ExtractorModel
	strs["AI_API_KEY"] = &c.AI.APIKey

	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	if v, ok := lookup(EnvPrefix + "AI_HOST"); ok {
		c.AI.EmbeddingHost = v
		c.AI.ExtractorHost = v
	}
	if v, ok := lookup(EnvPrefix + "REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREDIS_DB: %w", EnvPrefix, err)
		}
		c.Storage.Redis.DB = db
	}
	if v, ok := lookup(EnvPrefix + "STORAGE_IN_MEMORY"); ok {
		inMemory, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sSTORAGE_IN_MEMORY: %w", EnvPrefix, err)
		}
		c.Storage.InMemory = inMemory
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate fills in derived defaults and checks the configuration.
func (c *Config) Validate() error {
	if c.AI == nil {
		c.AI = ai.DefaultConfig()
	}
	if c.Reembed == nil {
		c.Reembed = reembed.DefaultConfig()
	}
	if c.RecordStore.Driver == "" {
		c.RecordStore.Driver = sqlstore.DriverSQLite
	}
	if c.Storage.Graph == "" {
		c.Storage.Graph = GraphBadger
	}
	if c.Storage.Vector == "" {
		c.Storage.Vector = VectorBadger
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var errs []error
	if c.Storage.Root == "" {
		errs = append(errs, errors.New("config: storage.root is required"))
	}
	if c.RecordStore.Driver == sqlstore.DriverPostgres && c.RecordStore.DSN == "" {
		errs = append(errs, errors.New("config: record_store.dsn is required for postgres"))
	}
	if c.Storage.Graph == GraphNeo4j && c.Storage.Neo4j.URI == "" {
		errs = append(errs, errors.New("config: storage.neo4j.uri is required for the neo4j graph backend"))
	}
	if c.Storage.Vector == VectorRedis && c.Storage.Redis.Addr == "" {
		errs = append(errs, errors.New("config: storage.redis.addr is required for the redis vector backend"))
	}
	if err := c.AI.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RecordStoreDSN returns the record store DSN, placing an unset sqlite
// database in the storage root.
func (c *Config) RecordStoreDSN() string {
	if c.RecordStore.DSN == "" && c.RecordStore.Driver != sqlstore.DriverPostgres {
		return filepath.Join(c.Storage.Root, "kgraph.db")
	}
	return c.RecordStore.DSN
}

// ContentRoot is the directory holding ingested content.
func (c *Config) ContentRoot() string {
	return filepath.Join(c.Storage.Root, "content")
}

// GraphRoot is the directory holding the embedded per-dataset databases.
func (c *Config) GraphRoot() string {
	return filepath.Join(c.Storage.Root, "datasets")
}
