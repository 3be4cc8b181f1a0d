package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"purepale-studio/internal/model"
	"purepale-studio/pkg/logger"

	"github.com/redis/go-redis/v9"
)

const (
	redisOpTimeout   = 5 * time.Second
	redisMaxRetries  = 10
	redisSessionsKey = "sessions"
)

// RedisStorage 每个会话一个 JSON 值，台账修改用 WATCH 乐观事务保证 resolve 只成功一次
type RedisStorage struct {
	client *redis.Client
	prefix string
}

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

func NewRedisStorage(opts RedisOptions) *RedisStorage {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "purepale"
	}
	return &RedisStorage{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		prefix: prefix,
	}
}

// NewRedisStorageWithClient 复用已有连接
func NewRedisStorageWithClient(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "purepale"
	}
	return &RedisStorage{client: client, prefix: prefix}
}

func (r *RedisStorage) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *RedisStorage) sessionKey(sessionID string) string {
	return r.key("session", sessionID)
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}

func (r *RedisStorage) Init() error {
	ctx, cancel := opContext()
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	logger.Infof("Redis storage initialized (prefix %s)", r.prefix)
	return nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}

// Backup 触发 BGSAVE
func (r *RedisStorage) Backup() error {
	ctx, cancel := opContext()
	defer cancel()

	if err := r.client.BgSave(ctx).Err(); err != nil {
		return fmt.Errorf("redis bgsave: %w", err)
	}
	return nil
}

func (r *RedisStorage) CreateSession(session *model.Session) error {
	ctx, cancel := opContext()
	defer cancel()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	ok, err := r.client.SetNX(ctx, r.sessionKey(session.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return ErrSessionExists
	}

	return r.client.SAdd(ctx, r.key(redisSessionsKey), session.ID).Err()
}

func (r *RedisStorage) load(ctx context.Context, getter redis.Cmdable, sessionID string) (*model.Session, error) {
	data, err := getter.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var session model.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return &session, nil
}

func (r *RedisStorage) GetSession(sessionID string) (*model.Session, error) {
	ctx, cancel := opContext()
	defer cancel()

	return r.load(ctx, r.client, sessionID)
}

// update 在 WATCH 事务中读取、修改并写回会话，冲突时重试
func (r *RedisStorage) update(sessionID string, fn func(*model.Session) error) error {
	ctx, cancel := opContext()
	defer cancel()

	key := r.sessionKey(sessionID)
	txf := func(tx *redis.Tx) error {
		session, err := r.load(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := fn(session); err != nil {
			return err
		}
		data, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidData, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis update %s: too many conflicts", sessionID)
}

func (r *RedisStorage) UpdateSession(session *model.Session) error {
	return r.update(session.ID, func(stored *model.Session) error {
		stored.Title = session.Title
		stored.UpdatedAt = session.UpdatedAt
		return nil
	})
}

func (r *RedisStorage) DeleteSession(sessionID string) error {
	ctx, cancel := opContext()
	defer cancel()

	n, err := r.client.Del(ctx, r.sessionKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	if err := r.client.SRem(ctx, r.key(redisSessionsKey), sessionID).Err(); err != nil {
		return fmt.Errorf("redis srem: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *RedisStorage) ListSessions() ([]*model.Session, error) {
	ctx, cancel := opContext()
	defer cancel()

	ids, err := r.client.SMembers(ctx, r.key(redisSessionsKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}

	sessions := make([]*model.Session, 0, len(ids))
	for _, id := range ids {
		session, err := r.load(ctx, r.client, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		sessions = append(sessions, &model.Session{
			ID:        session.ID,
			Title:     session.Title,
			CreatedAt: session.CreatedAt,
			UpdatedAt: session.UpdatedAt,
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

func (r *RedisStorage) PrependEntry(sessionID string, entry *model.ResultEntry) error {
	return r.update(sessionID, func(session *model.Session) error {
		prependEntry(session, entry)
		return nil
	})
}

func (r *RedisStorage) GetEntries(sessionID string) ([]model.ResultEntry, error) {
	session, err := r.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Entries == nil {
		return []model.ResultEntry{}, nil
	}
	return session.Entries, nil
}

func (r *RedisStorage) ResolveEntry(sessionID, entryID string, resolution model.Resolution) (*model.ResultEntry, error) {
	var resolved *model.ResultEntry
	err := r.update(sessionID, func(session *model.Session) error {
		e, err := resolveEntry(session, entryID, resolution)
		if err != nil {
			return err
		}
		resolved = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func (r *RedisStorage) GetPendingEntries(sessionID string) ([]model.ResultEntry, error) {
	session, err := r.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	return pendingEntries(session.Entries), nil
}
