// Package redis implements the key-value engine on Redis.
//
// Every partition is one hash stored at "<namespace>:<partition>", with one
// hash field per item. Apply runs inside WATCH/MULTI over the touched hashes,
// so all partitions of a call must map to the same slot on Redis Cluster.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/jacentio/strata/backend/kv"
)

// Engine is a kv.Engine backed by Redis hashes.
type Engine struct {
	client goredis.UniversalClient
	config Config
	log    zerolog.Logger
}

var _ kv.Engine = (*Engine)(nil)

// New creates a new Engine. The engine owns the client and closes it on Close.
func New(client goredis.UniversalClient, config Config) *Engine {
	config.validate()
	return &Engine{
		client: client,
		config: config,
		log:    config.Logger.With().Str("engine", "redis").Str("namespace", config.Namespace).Logger(),
	}
}

// Open connects to the Redis server at url, such as redis://localhost:6379/0.
func Open(ctx context.Context, url string, config Config) (*Engine, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, config), nil
}

// HashKey returns the Redis key holding a partition.
func (e *Engine) HashKey(partition []string) string {
	return e.config.Namespace + ":" + kv.PartitionKey(partition)
}

// partitionOf reverses HashKey.
func (e *Engine) partitionOf(key string) (string, bool) {
	prefix := e.config.Namespace + ":"
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return strings.TrimPrefix(key, prefix), true
}

// Get returns the value stored at k.
func (e *Engine) Get(ctx context.Context, k kv.Key) ([]byte, bool, error) {
	v, err := e.client.HGet(ctx, e.HashKey(k.Partition), k.Item).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// List returns every entry of a partition ordered by item.
func (e *Engine) List(ctx context.Context, partition []string) ([]kv.Entry, error) {
	fields, err := e.client.HGetAll(ctx, e.HashKey(partition)).Result()
	if err != nil {
		return nil, err
	}
	return entries(partition, fields), nil
}

func entries(partition []string, fields map[string]string) []kv.Entry {
	out := make([]kv.Entry, 0, len(fields))
	for item, value := range fields {
		out = append(out, kv.Entry{
			Key:   kv.Key{Partition: partition, Item: item},
			Value: []byte(value),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Item < out[j].Key.Item })
	return out
}

// Scan returns every entry whose partition equals prefix or extends it
// with a "#" separated suffix, ordered by partition then item.
func (e *Engine) Scan(ctx context.Context, prefix []string) ([]kv.Entry, error) {
	joined := kv.PartitionKey(prefix)
	pattern := e.config.Namespace + ":" + escapePattern(joined) + "*"

	var partitions []string
	var cursor uint64
	for {
		keys, next, err := e.client.Scan(ctx, cursor, pattern, e.config.ScanCount).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			p, ok := e.partitionOf(key)
			if ok && (p == joined || strings.HasPrefix(p, joined+"#")) {
				partitions = append(partitions, p)
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(partitions)
	partitions = dedupe(partitions)

	cmds := make([]*goredis.StringStringMapCmd, len(partitions))
	_, err := e.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, p := range partitions {
			cmds[i] = pipe.HGetAll(ctx, e.config.Namespace+":"+p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []kv.Entry
	for i, p := range partitions {
		out = append(out, entries(kv.SplitPartition(p), cmds[i].Val())...)
	}
	e.log.Debug().Str("prefix", joined).Int("partitions", len(partitions)).Int("entries", len(out)).Msg("scan")
	return out, nil
}

// dedupe removes adjacent duplicates; SCAN may return a key more than once.
func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

// escapePattern escapes glob metacharacters for SCAN MATCH.
func escapePattern(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Apply writes muts in one MULTI/EXEC block. Conditions are read under
// WATCH, so a concurrent change to any touched partition aborts the attempt
// and Apply retries up to Config.MaxRetries times.
func (e *Engine) Apply(ctx context.Context, muts []kv.Mutation) error {
	if len(muts) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var keys []string
	for _, m := range muts {
		hk := e.HashKey(m.Key.Partition)
		if !seen[hk] {
			seen[hk] = true
			keys = append(keys, hk)
		}
	}

	txf := func(tx *goredis.Tx) error {
		exists := make(map[string]bool, len(muts))
		for i, m := range muts {
			id := m.Key.String()
			present, known := exists[id]
			if !known && m.Condition != kv.Always {
				var err error
				present, err = tx.HExists(ctx, e.HashKey(m.Key.Partition), m.Key.Item).Result()
				if err != nil {
					return err
				}
			}
			if (m.Condition == kv.MustNotExist && present) || (m.Condition == kv.MustExist && !present) {
				return &kv.ConditionError{Index: i, Key: m.Key}
			}
			exists[id] = !m.Delete
		}

		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, m := range muts {
				hk := e.HashKey(m.Key.Partition)
				if m.Delete {
					pipe.HDel(ctx, hk, m.Key.Item)
				} else {
					pipe.HSet(ctx, hk, m.Key.Item, m.Value)
				}
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < e.config.MaxRetries; attempt++ {
		err := e.client.Watch(ctx, txf, keys...)
		if errors.Is(err, goredis.TxFailedErr) {
			e.log.Debug().Int("attempt", attempt).Msg("apply conflict, retrying")
			continue
		}
		return err
	}
	return fmt.Errorf("redis: apply: %w", goredis.TxFailedErr)
}

// Increment atomically adds delta to the counter at k.
func (e *Engine) Increment(ctx context.Context, k kv.Key, delta int64) (int64, error) {
	return e.client.HIncrBy(ctx, e.HashKey(k.Partition), k.Item, delta).Result()
}

// Close closes the client.
func (e *Engine) Close() error {
	return e.client.Close()
}
