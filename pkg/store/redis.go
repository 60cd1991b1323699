package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vosiander/llm-key-requestor/pkg/keyrequest"
)

const maxTxRetries = 16

// Redis stores each request as a hash and maintains one sorted set per label
// value, scored by creation time, so label scans come back oldest first.
type Redis struct {
	client *redis.Client
	prefix string
	opts   options
}

// NewRedis wraps client. Keys are namespaced under prefix.
func NewRedis(client *redis.Client, prefix string, opts ...Option) *Redis {
	if prefix == "" {
		prefix = "keyrequest"
	}
	return &Redis{client: client, prefix: prefix, opts: applyOptions(opts)}
}

func (s *Redis) recordKey(id string) string {
	return s.prefix + ":req:" + id
}

func (s *Redis) allKey() string {
	return s.prefix + ":all"
}

func (s *Redis) labelKey(label, value string) string {
	return s.prefix + ":" + label + ":" + value
}

func score(r *keyrequest.Request) float64 {
	return float64(r.CreatedAt.UnixMicro())
}

func (s *Redis) encode(r *keyrequest.Request) (map[string]any, error) {
	rec := keyrequest.ToRecord(r)
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	if r.APIKey != "" {
		sealed, err := s.opts.seal(r.APIKey)
		if err != nil {
			return nil, fmt.Errorf("seal api key: %w", err)
		}
		out[keyrequest.FieldAPIKey] = sealed
	}
	return out, nil
}

func (s *Redis) decode(rec map[string]string) (*keyrequest.Request, error) {
	r, err := keyrequest.FromRecord(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUndecodable, err)
	}
	if r.APIKey, err = s.opts.open(r.APIKey); err != nil {
		return nil, fmt.Errorf("%w %s: open api key: %w", errUndecodable, r.ID, err)
	}
	return r, nil
}

func (s *Redis) Create(ctx context.Context, r *keyrequest.Request) error {
	key := s.recordKey(r.ID)
	fields, err := s.encode(r)
	if err != nil {
		return err
	}
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("key request %s already exists", r.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			s.addToIndexes(ctx, pipe, r)
			return nil
		})
		return err
	})
}

func (s *Redis) addToIndexes(ctx context.Context, pipe redis.Pipeliner, r *keyrequest.Request) {
	member := redis.Z{Score: score(r), Member: r.ID}
	pipe.ZAdd(ctx, s.allKey(), member)
	for label, value := range keyrequest.Labels(r) {
		pipe.ZAdd(ctx, s.labelKey(label, value), member)
	}
}

func (s *Redis) removeFromIndexes(ctx context.Context, pipe redis.Pipeliner, r *keyrequest.Request) {
	pipe.ZRem(ctx, s.allKey(), r.ID)
	for label, value := range keyrequest.Labels(r) {
		pipe.ZRem(ctx, s.labelKey(label, value), r.ID)
	}
}

func (s *Redis) Find(ctx context.Context, id string) (*keyrequest.Request, error) {
	return s.load(ctx, s.client, id)
}

type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *Redis) load(ctx context.Context, c hashGetter, id string) (*keyrequest.Request, error) {
	rec, err := c.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load key request %s: %w", id, err)
	}
	if len(rec) == 0 {
		return nil, fmt.Errorf("%w: %s", keyrequest.ErrNotFound, id)
	}
	return s.decode(rec)
}

func (s *Redis) FindByRequester(ctx context.Context, requester string) (*keyrequest.Request, error) {
	ids, err := s.client.ZRevRange(ctx, s.labelKey(keyrequest.LabelRequester, requester), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("scan requester %s: %w", requester, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: requester %s", keyrequest.ErrNotFound, requester)
	}
	return s.Find(ctx, ids[0])
}

func (s *Redis) ListByRequester(ctx context.Context, requester string) ([]*keyrequest.Request, error) {
	return s.scanIndex(ctx, s.labelKey(keyrequest.LabelRequester, requester))
}

func (s *Redis) FindByState(ctx context.Context, state keyrequest.State) ([]*keyrequest.Request, error) {
	return s.scanIndex(ctx, s.labelKey(keyrequest.LabelState, string(state)))
}

func (s *Redis) List(ctx context.Context) ([]*keyrequest.Request, error) {
	return s.scanIndex(ctx, s.allKey())
}

func (s *Redis) scanIndex(ctx context.Context, index string) ([]*keyrequest.Request, error) {
	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", index, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", index, err)
	}

	out := make([]*keyrequest.Request, 0, len(ids))
	for _, cmd := range cmds {
		rec := cmd.Val()
		if len(rec) == 0 {
			// deleted between the index read and the load
			continue
		}
		r, err := s.decode(rec)
		if err != nil {
			s.opts.skipped(ctx, err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Redis) Update(ctx context.Context, id string, changes keyrequest.Changes) (*keyrequest.Request, error) {
	key := s.recordKey(id)
	var updated *keyrequest.Request
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		r, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		before := r.Clone()
		changes.Apply(r, s.opts.now())
		fields, err := s.encode(r)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.removeFromIndexes(ctx, pipe, before)
			pipe.HSet(ctx, key, fields)
			if r.APIKey == "" {
				pipe.HDel(ctx, key, keyrequest.FieldAPIKey)
			}
			s.addToIndexes(ctx, pipe, r)
			return nil
		})
		if err == nil {
			updated = r
		}
		return err
	})
	return updated, err
}

func (s *Redis) Delete(ctx context.Context, id string) error {
	key := s.recordKey(id)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		r, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			s.removeFromIndexes(ctx, pipe, r)
			return nil
		})
		return err
	})
}

// watch runs fn in an optimistic transaction on key, retrying when another
// writer touched the key first.
func (s *Redis) watch(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 5 * time.Millisecond):
		}
	}
	return fmt.Errorf("update %s: too much contention", key)
}

func (s *Redis) Close() error { return s.client.Close() }
