// Package redis implements storage.VectorAdapter on a shared Redis server.
// Records live under keys prefixed by the handle namespace, and a set per
// dataset indexes the stored ids.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
	goredis "github.com/redis/go-redis/v9"
)

const scanBatch = 256

// Config holds Redis connection configuration.
type Config struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db" validate:"gte=0"`
	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gte=0"`
}

// VectorRepository implements storage.VectorAdapter on Redis with a
// brute-force similarity scan.
type VectorRepository struct {
	rdb    *goredis.Client
	caller *storage.Caller
	logger *slog.Logger
}

var _ storage.VectorAdapter = (*VectorRepository)(nil)

// NewVectorRepository connects to Redis and verifies the connection.
func NewVectorRepository(ctx context.Context, cfg Config, logger *slog.Logger) (*VectorRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: timeout,
	})

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	logger = logger.With("backend", "redis")
	logger.Info("connected to redis", "addr", cfg.Addr)
	return &VectorRepository{
		rdb:    rdb,
		caller: storage.NewCaller("redis", storage.WithTransient(IsTransient), storage.WithCallerLogger(logger)),
		logger: logger,
	}, nil
}

// IsTransient reports whether err is a network-level failure worth retrying.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, goredis.Nil) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return storage.IsTransient(err)
}

// Name identifies the backend.
func (r *VectorRepository) Name() string {
	return "redis-vector"
}

// Close closes the Redis connection.
func (r *VectorRepository) Close() error {
	return r.rdb.Close()
}

func recordKey(h storage.Handle, id core.ID) string {
	return h.Namespace + ":vec:" + id.String()
}

func indexKey(h storage.Handle) string {
	return h.Namespace + ":vec_ids"
}

// Get retrieves a single vector record by ID.
func (r *VectorRepository) Get(ctx context.Context, h storage.Handle, id core.ID) (*core.VectorRecord, error) {
	return storage.Call(ctx, r.caller, "vector.get", func(ctx context.Context) (*core.VectorRecord, error) {
		data, err := r.rdb.Get(ctx, recordKey(h, id)).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return storage.UnmarshalVectorRecord(data)
	})
}

// GetMany retrieves the vector records that exist among ids.
func (r *VectorRepository) GetMany(ctx context.Context, h storage.Handle, ids []core.ID) ([]*core.VectorRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(h, id)
	}
	return storage.Call(ctx, r.caller, "vector.get_many", func(ctx context.Context) ([]*core.VectorRecord, error) {
		return r.load(ctx, keys)
	})
}

// Upsert creates or replaces a vector record.
func (r *VectorRepository) Upsert(ctx context.Context, h storage.Handle, rec *core.VectorRecord) error {
	return r.UpsertMany(ctx, h, []*core.VectorRecord{rec})
}

// UpsertMany writes records and their index entries in one MULTI/EXEC.
func (r *VectorRepository) UpsertMany(ctx context.Context, h storage.Handle, recs []*core.VectorRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return r.caller.Do(ctx, "vector.upsert", func(ctx context.Context) error {
		_, err := r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			members := make([]any, 0, len(recs))
			for _, rec := range recs {
				pipe.Set(ctx, recordKey(h, rec.Id), storage.MarshalVectorRecord(rec), 0)
				members = append(members, rec.Id.String())
			}
			pipe.SAdd(ctx, indexKey(h), members...)
			return nil
		})
		return err
	})
}

// Delete removes a vector record.
func (r *VectorRepository) Delete(ctx context.Context, h storage.Handle, id core.ID) error {
	return r.DeleteMany(ctx, h, []core.ID{id})
}

// DeleteMany removes vector records. Missing records are ignored.
func (r *VectorRepository) DeleteMany(ctx context.Context, h storage.Handle, ids []core.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.caller.Do(ctx, "vector.delete", func(ctx context.Context) error {
		_, err := r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			keys := make([]string, len(ids))
			members := make([]any, len(ids))
			for i, id := range ids {
				keys[i] = recordKey(h, id)
				members[i] = id.String()
			}
			pipe.Del(ctx, keys...)
			pipe.SRem(ctx, indexKey(h), members...)
			return nil
		})
		return err
	})
}

// DeleteDataset removes every vector record of the dataset.
func (r *VectorRepository) DeleteDataset(ctx context.Context, h storage.Handle) error {
	return r.caller.Do(ctx, "vector.delete_dataset", func(ctx context.Context) error {
		return r.eachKeyBatch(ctx, h, func(keys []string) error {
			if len(keys) == 0 {
				return nil
			}
			return r.rdb.Del(ctx, keys...).Err()
		}, func() error {
			return r.rdb.Del(ctx, indexKey(h)).Err()
		})
	})
}

// Search finds vector records similar to the given vector.
func (r *VectorRepository) Search(ctx context.Context, h storage.Handle, vector []float32, limit int, minScore float32) ([]core.ScoredVector, error) {
	return storage.Call(ctx, r.caller, "vector.search", func(ctx context.Context) ([]core.ScoredVector, error) {
		var results []core.ScoredVector
		err := r.eachKeyBatch(ctx, h, func(keys []string) error {
			recs, err := r.load(ctx, keys)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				if len(rec.Vector) == 0 {
					continue
				}
				score := storage.CosineSimilarity(vector, rec.Vector)
				if score >= minScore {
					results = append(results, core.ScoredVector{Record: rec, Score: score})
				}
			}
			return nil
		}, nil)
		if err != nil {
			return nil, err
		}
		return storage.TopScored(results, limit), nil
	})
}

// eachKeyBatch walks the dataset index with SSCAN and calls fn with the
// record keys of each batch. done runs after the last batch.
func (r *VectorRepository) eachKeyBatch(ctx context.Context, h storage.Handle, fn func(keys []string) error, done func() error) error {
	var cursor uint64
	for {
		members, next, err := r.rdb.SScan(ctx, indexKey(h), cursor, "", scanBatch).Result()
		if err != nil {
			return err
		}
		if len(members) > 0 {
			keys := make([]string, 0, len(members))
			for _, m := range members {
				id, err := core.ParseID(m)
				if err != nil {
					r.logger.Warn("skipping malformed vector index entry", "member", m, "error", err)
					continue
				}
				keys = append(keys, recordKey(h, id))
			}
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if done != nil {
		return done()
	}
	return nil
}

func (r *VectorRepository) load(ctx context.Context, keys []string) ([]*core.VectorRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*core.VectorRecord, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := storage.UnmarshalVectorRecord([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
