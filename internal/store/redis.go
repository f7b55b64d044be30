package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "admp:"

// Redis is the Redis-backed document store. Each document lives under its
// own key so WATCH gives per-document compare-and-swap for Claim; a set per
// collection indexes the ids.
type Redis struct {
	rdb *redis.Client
}

// ConnectRedis parses the store URL, connects, and pings to verify the
// connection. The valkey:// scheme is accepted and treated as redis://.
func ConnectRedis(ctx context.Context, rawURL string, dialTimeout time.Duration) (*Redis, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	if strings.EqualFold(parsed.Scheme, "valkey") {
		parsed.Scheme = "redis"
	}

	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	opts.DialTimeout = dialTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{rdb: client}, nil
}

// NewRedis wraps an existing client. Used by tests with miniredis.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{rdb: client}
}

func docKey(collection, id string) string { return keyPrefix + collection + ":" + id }
func indexKey(collection string) string   { return keyPrefix + collection }

// Get returns the document with the given id, or ErrNotFound.
func (r *Redis) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	val, err := r.rdb.Get(ctx, docKey(collection, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapRedisErr("get", err)
	}
	return json.RawMessage(val), nil
}

// Put creates or replaces a document.
func (r *Redis) Put(ctx context.Context, collection, id string, doc json.RawMessage) error {
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, docKey(collection, id), string(doc), 0)
	pipe.SAdd(ctx, indexKey(collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedisErr("put", err)
	}
	return nil
}

// Insert creates a document, failing with ErrConflict if the id exists.
func (r *Redis) Insert(ctx context.Context, collection, id string, doc json.RawMessage) error {
	ok, err := r.rdb.SetNX(ctx, docKey(collection, id), string(doc), 0).Result()
	if err != nil {
		return wrapRedisErr("insert", err)
	}
	if !ok {
		return ErrConflict
	}
	if err := r.rdb.SAdd(ctx, indexKey(collection), id).Err(); err != nil {
		return wrapRedisErr("insert index", err)
	}
	return nil
}

// Delete removes a document. Deleting a missing document is a no-op.
func (r *Redis) Delete(ctx context.Context, collection, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, docKey(collection, id))
	pipe.SRem(ctx, indexKey(collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedisErr("delete", err)
	}
	return nil
}

// List returns matching documents in the requested order. The scan is capped
// at MaxListLimit ids per call.
func (r *Redis) List(ctx context.Context, collection string, opts ListOptions) ([]json.RawMessage, string, error) {
	matched, err := r.scan(ctx, collection, opts.Filter, MaxListLimit)
	if err != nil {
		return nil, "", err
	}
	docs, next := paginate(matched, opts)
	return docs, next, nil
}

// scan loads documents of a collection and filters them. A positive max caps
// the number of ids considered; zero scans the whole index.
func (r *Redis) scan(ctx context.Context, collection string, filter Filter, max int) ([]doc, error) {
	conds, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}

	var ids []string
	var scanCursor uint64
	for {
		page, next, err := r.rdb.SScan(ctx, indexKey(collection), scanCursor, "", MaxListLimit).Result()
		if err != nil {
			return nil, wrapRedisErr("scan index", err)
		}
		ids = append(ids, page...)
		if next == 0 || (max > 0 && len(ids) >= max) {
			break
		}
		scanCursor = next
	}
	if max > 0 && len(ids) > max {
		ids = ids[:max]
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = docKey(collection, id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapRedisErr("mget", err)
	}

	matched := make([]doc, 0)
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // id in the index but the doc was deleted concurrently
		}
		d, err := decodeDoc(ids[i], json.RawMessage(s))
		if err != nil {
			return nil, err
		}
		if match(d, conds) {
			matched = append(matched, d)
		}
	}
	return matched, nil
}

// Claim finds the first matching document and applies mutate under WATCH so
// a concurrent writer invalidates the transaction. Losing a race moves on to
// the next candidate.
func (r *Redis) Claim(ctx context.Context, collection string, opts ListOptions, mutate Mutate) (json.RawMessage, error) {
	conds, err := parseFilter(opts.Filter)
	if err != nil {
		return nil, err
	}

	// The scan is uncapped: the winner must be the first match across the
	// whole collection.
	matched, err := r.scan(ctx, collection, opts.Filter, 0)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, ErrNoMatch
	}
	sortDocs(matched, opts)

	for _, candidate := range matched {
		key := docKey(collection, candidate.id)
		var mutated json.RawMessage

		txErr := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				return redis.TxFailedErr // deleted since the scan
			}
			if err != nil {
				return err
			}
			d, err := decodeDoc(candidate.id, json.RawMessage(val))
			if err != nil {
				return err
			}
			if !match(d, conds) {
				return redis.TxFailedErr // claimed by someone else since the scan
			}
			mutated, err = mutate(d.raw)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, string(mutated), 0)
				return nil
			})
			return err
		}, key)

		if txErr == nil {
			return mutated, nil
		}
		if errors.Is(txErr, redis.TxFailedErr) {
			continue
		}
		return nil, wrapRedisErr("claim", txErr)
	}
	return nil, ErrNoMatch
}

// Apply performs the batch in a single MULTI/EXEC transaction. Insert writes
// watch their keys so a concurrent create fails the whole batch with
// ErrConflict and nothing is applied.
func (r *Redis) Apply(ctx context.Context, writes []Write) error {
	var insertKeys []string
	for _, w := range writes {
		if w.Insert && w.Doc != nil {
			insertKeys = append(insertKeys, docKey(w.Collection, w.ID))
		}
	}

	run := func(pipe redis.Pipeliner) error {
		for _, w := range writes {
			if w.Doc == nil {
				pipe.Del(ctx, docKey(w.Collection, w.ID))
				pipe.SRem(ctx, indexKey(w.Collection), w.ID)
				continue
			}
			pipe.Set(ctx, docKey(w.Collection, w.ID), string(w.Doc), 0)
			pipe.SAdd(ctx, indexKey(w.Collection), w.ID)
		}
		return nil
	}

	if len(insertKeys) == 0 {
		if _, err := r.rdb.TxPipelined(ctx, run); err != nil {
			return wrapRedisErr("apply", err)
		}
		return nil
	}

	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, insertKeys...).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, run)
		return err
	}, insertKeys...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict):
		return ErrConflict
	case errors.Is(err, redis.TxFailedErr):
		// A watched insert key was created mid-transaction.
		return ErrConflict
	default:
		return wrapRedisErr("apply", err)
	}
}

// Ping verifies the connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return wrapRedisErr("ping", err)
	}
	return nil
}

// Close releases the client.
func (r *Redis) Close() error { return r.rdb.Close() }

// wrapRedisErr tags transport failures as retriable ErrUnavailable.
func wrapRedisErr(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, ErrUnavailable, err)
}
