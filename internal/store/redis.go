package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kindred-ai/kindred/internal/character"
	"github.com/kindred-ai/kindred/internal/episode"
	"github.com/kindred-ai/kindred/internal/memory"
	"github.com/kindred-ai/kindred/internal/relationship"
)

// RedisStore implements Store on Redis. Entities are JSON values under a
// shared key prefix; composite-key lookups go through index sets; counters
// use Redis atomic increments so concurrent exchanges never lose counts.
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all keys (default: "kindred:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisStore creates a Redis-backed store and verifies connectivity.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "kindred:"
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

// NewRedisStoreFromClient wraps an existing client. Useful for testing
// with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "kindred:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Key helpers
func (s *RedisStore) charKey(id string) string        { return s.prefix + "char:" + id }
func (s *RedisStore) charIndexKey() string            { return s.prefix + "chars" }
func (s *RedisStore) userKey(id string) string        { return s.prefix + "user:" + id }
func (s *RedisStore) sessKey(id string) string        { return s.prefix + "sess:" + id }
func (s *RedisStore) sessCountsKey(id string) string  { return s.prefix + "sess-counts:" + id }
func (s *RedisStore) activeKey(u, c string) string    { return s.prefix + "active:" + u + ":" + c }
func (s *RedisStore) pairSessKey(u, c string) string  { return s.prefix + "pair-sessions:" + u + ":" + c }
func (s *RedisStore) epseqKey(u, c string) string     { return s.prefix + "epseq:" + u + ":" + c }
func (s *RedisStore) msgsKey(sid string) string       { return s.prefix + "msgs:" + sid }
func (s *RedisStore) relKey(u, c string) string       { return s.prefix + "rel:" + u + ":" + c }
func (s *RedisStore) memKey(id string) string         { return s.prefix + "mem:" + id }
func (s *RedisStore) memIndexKey(u string) string     { return s.prefix + "mems:" + u }
func (s *RedisStore) hookKey(id string) string        { return s.prefix + "hook:" + id }
func (s *RedisStore) hookIndexKey(u, c string) string { return s.prefix + "hooks:" + u + ":" + c }
func (s *RedisStore) hookActiveKey() string           { return s.prefix + "hooks-active" }
func (s *RedisStore) tmplKey(id string) string        { return s.prefix + "tmpl:" + id }
func (s *RedisStore) evalKey(shareID string) string   { return s.prefix + "eval:" + shareID }
func (s *RedisStore) evalSharesKey(id string) string  { return s.prefix + "eval-shares:" + id }

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any, notFound error) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// SaveCharacter stores a character and indexes it for listing.
func (s *RedisStore) SaveCharacter(ctx context.Context, c *character.Character) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.setJSON(ctx, s.charKey(c.ID), c); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.charIndexKey(), c.ID).Err()
}

// GetCharacter retrieves a character by ID.
func (s *RedisStore) GetCharacter(ctx context.Context, id string) (*character.Character, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var c character.Character
	if err := s.getJSON(ctx, s.charKey(id), &c, ErrCharacterNotFound); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCharacters returns all characters sorted by name.
func (s *RedisStore) ListCharacters(ctx context.Context) ([]*character.Character, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := s.client.SMembers(ctx, s.charIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	out := make([]*character.Character, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetCharacter(ctx, id)
		if errors.Is(err, ErrCharacterNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpsertUser creates the user row if absent (SETNX).
func (s *RedisStore) UpsertUser(ctx context.Context, u *character.User) (*character.User, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	cp := *u
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("marshal user: %w", err)
	}
	set, err := s.client.SetNX(ctx, s.userKey(u.ID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	if set {
		return &cp, nil
	}
	return s.GetUser(ctx, u.ID)
}

// GetUser retrieves a user by ID.
func (s *RedisStore) GetUser(ctx context.Context, id string) (*character.User, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var u character.User
	if err := s.getJSON(ctx, s.userKey(id), &u, ErrUserNotFound); err != nil {
		return nil, err
	}
	return &u, nil
}

// SaveSession stores the session JSON and maintains the active-session
// pointer for its (user, character) pair. Counters live in a separate
// hash and are not written here.
func (s *RedisStore) SaveSession(ctx context.Context, sess *episode.Session) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	cp := *sess
	cp.MessageCount = 0
	cp.UserMessageCount = 0
	if err := s.setJSON(ctx, s.sessKey(sess.ID), &cp); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, s.pairSessKey(sess.UserID, sess.CharacterID), sess.ID).Err(); err != nil {
		return err
	}
	active := s.activeKey(sess.UserID, sess.CharacterID)
	if sess.State == episode.StateActive {
		return s.client.Set(ctx, active, sess.ID, 0).Err()
	}
	// Clear the pointer only if it still points at this session.
	current, err := s.client.Get(ctx, active).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if current == sess.ID {
		return s.client.Del(ctx, active).Err()
	}
	return nil
}

// GetSession retrieves a session and merges its live counters.
func (s *RedisStore) GetSession(ctx context.Context, id string) (*episode.Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var sess episode.Session
	if err := s.getJSON(ctx, s.sessKey(id), &sess, ErrSessionNotFound); err != nil {
		return nil, err
	}
	counts, err := s.client.HGetAll(ctx, s.sessCountsKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("session counts: %w", err)
	}
	if v, ok := counts["total"]; ok {
		sess.MessageCount, _ = strconv.Atoi(v)
	}
	if v, ok := counts["user"]; ok {
		sess.UserMessageCount, _ = strconv.Atoi(v)
	}
	return &sess, nil
}

// ActiveSession resolves the pair's active-session pointer.
func (s *RedisStore) ActiveSession(ctx context.Context, userID, characterID string) (*episode.Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	id, err := s.client.Get(ctx, s.activeKey(userID, characterID)).Result()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// NextEpisodeNumber reserves the next sequential episode number (INCR).
func (s *RedisStore) NextEpisodeNumber(ctx context.Context, userID, characterID string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n, err := s.client.Incr(ctx, s.epseqKey(userID, characterID)).Result()
	if err != nil {
		return 0, fmt.Errorf("episode number: %w", err)
	}
	return int(n), nil
}

// IncrementMessageCounts bumps the session counters atomically (HINCRBY).
func (s *RedisStore) IncrementMessageCounts(ctx context.Context, sessionID string, total, user int) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	key := s.sessCountsKey(sessionID)
	if total != 0 {
		if err := s.client.HIncrBy(ctx, key, "total", int64(total)).Err(); err != nil {
			return err
		}
	}
	if user != 0 {
		if err := s.client.HIncrBy(ctx, key, "user", int64(user)).Err(); err != nil {
			return err
		}
	}
	return nil
}

// DeleteSessions removes all sessions and messages for the pair.
func (s *RedisStore) DeleteSessions(ctx context.Context, userID, characterID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	pairKey := s.pairSessKey(userID, characterID)
	ids, err := s.client.SMembers(ctx, pairKey).Result()
	if err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	keys := make([]string, 0, len(ids)*3+2)
	for _, id := range ids {
		keys = append(keys, s.sessKey(id), s.sessCountsKey(id), s.msgsKey(id))
	}
	keys = append(keys, pairKey, s.activeKey(userID, characterID))
	return s.client.Del(ctx, keys...).Err()
}

// AppendMessage appends to the session's message list (RPUSH).
func (s *RedisStore) AppendMessage(ctx context.Context, m *episode.Message) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.client.RPush(ctx, s.msgsKey(m.SessionID), data).Err()
}

// RecentMessages returns up to limit of the newest messages, oldest-first.
func (s *RedisStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]*episode.Message, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.client.LRange(ctx, s.msgsKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	out := make([]*episode.Message, 0, len(raw))
	for _, item := range raw {
		var m episode.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		out = append(out, &m)
	}
	return out, nil
}

// Transcript returns the full message log, oldest-first.
func (s *RedisStore) Transcript(ctx context.Context, sessionID string) ([]*episode.Message, error) {
	return s.RecentMessages(ctx, sessionID, 0)
}

// UpsertRelationship creates the record if absent. SETNX is the upsert
// guard: concurrent creators converge on one row.
func (s *RedisStore) UpsertRelationship(ctx context.Context, userID, characterID string) (*relationship.Relationship, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	fresh := &relationship.Relationship{
		UserID:      userID,
		CharacterID: characterID,
		Dynamic:     relationship.DefaultDynamic(),
		FirstMetAt:  now,
		UpdatedAt:   now,
	}
	data, err := json.Marshal(fresh)
	if err != nil {
		return nil, fmt.Errorf("marshal relationship: %w", err)
	}
	set, err := s.client.SetNX(ctx, s.relKey(userID, characterID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("upsert relationship: %w", err)
	}
	if set {
		return fresh, nil
	}
	return s.GetRelationship(ctx, userID, characterID)
}

// GetRelationship retrieves the record for the pair.
func (s *RedisStore) GetRelationship(ctx context.Context, userID, characterID string) (*relationship.Relationship, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var r relationship.Relationship
	if err := s.getJSON(ctx, s.relKey(userID, characterID), &r, ErrRelationshipNotFound); err != nil {
		return nil, err
	}
	return &r, nil
}

// SaveRelationship overwrites the record. Last-write-wins on the dynamic.
func (s *RedisStore) SaveRelationship(ctx context.Context, r *relationship.Relationship) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	cp := *r
	cp.UpdatedAt = time.Now().UTC()
	return s.setJSON(ctx, s.relKey(r.UserID, r.CharacterID), &cp)
}

// AddMemory stores a memory event and indexes it by user.
func (s *RedisStore) AddMemory(ctx context.Context, e *memory.Event) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.setJSON(ctx, s.memKey(e.ID), e); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.memIndexKey(e.UserID), e.ID).Err()
}

// SaveMemory overwrites a memory event.
func (s *RedisStore) SaveMemory(ctx context.Context, e *memory.Event) error {
	return s.AddMemory(ctx, e)
}

// Memories returns the user's events scoped to the character or global.
func (s *RedisStore) Memories(ctx context.Context, userID, characterID string) ([]*memory.Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := s.client.SMembers(ctx, s.memIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("memories: %w", err)
	}
	out := make([]*memory.Event, 0, len(ids))
	for _, id := range ids {
		var e memory.Event
		err := s.getJSON(ctx, s.memKey(id), &e, nil)
		if err != nil {
			return nil, err
		}
		if e.ID == "" {
			continue
		}
		if e.CharacterID == "" || e.CharacterID == characterID {
			cp := e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// AddHook stores a hook and maintains the pair and active indexes.
func (s *RedisStore) AddHook(ctx context.Context, h *memory.Hook) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.setJSON(ctx, s.hookKey(h.ID), h); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, s.hookIndexKey(h.UserID, h.CharacterID), h.ID).Err(); err != nil {
		return err
	}
	if h.IsActive {
		return s.client.SAdd(ctx, s.hookActiveKey(), h.ID).Err()
	}
	return s.client.SRem(ctx, s.hookActiveKey(), h.ID).Err()
}

// SaveHook overwrites a hook, keeping the active index in sync.
func (s *RedisStore) SaveHook(ctx context.Context, h *memory.Hook) error {
	return s.AddHook(ctx, h)
}

// Hooks returns all hooks for the pair.
func (s *RedisStore) Hooks(ctx context.Context, userID, characterID string) ([]*memory.Hook, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := s.client.SMembers(ctx, s.hookIndexKey(userID, characterID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hooks: %w", err)
	}
	return s.loadHooks(ctx, ids)
}

// AllActiveHooks returns every active hook across users.
func (s *RedisStore) AllActiveHooks(ctx context.Context) ([]*memory.Hook, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := s.client.SMembers(ctx, s.hookActiveKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("active hooks: %w", err)
	}
	return s.loadHooks(ctx, ids)
}

func (s *RedisStore) loadHooks(ctx context.Context, ids []string) ([]*memory.Hook, error) {
	out := make([]*memory.Hook, 0, len(ids))
	for _, id := range ids {
		var h memory.Hook
		if err := s.getJSON(ctx, s.hookKey(id), &h, nil); err != nil {
			return nil, err
		}
		if h.ID == "" {
			continue
		}
		cp := h
		out = append(out, &cp)
	}
	return out, nil
}

// SaveTemplate stores an episode template.
func (s *RedisStore) SaveTemplate(ctx context.Context, t *episode.Template) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.setJSON(ctx, s.tmplKey(t.ID), t)
}

// GetTemplate retrieves an episode template by ID.
func (s *RedisStore) GetTemplate(ctx context.Context, id string) (*episode.Template, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var t episode.Template
	if err := s.getJSON(ctx, s.tmplKey(id), &t, ErrTemplateNotFound); err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveEvaluation stores an evaluation keyed by share ID.
func (s *RedisStore) SaveEvaluation(ctx context.Context, e *episode.Evaluation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	cp := *e
	cp.ShareCount = 0
	return s.setJSON(ctx, s.evalKey(e.ShareID), &cp)
}

// GetEvaluationByShareID serves the public share surface.
func (s *RedisStore) GetEvaluationByShareID(ctx context.Context, shareID string) (*episode.Evaluation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var e episode.Evaluation
	if err := s.getJSON(ctx, s.evalKey(shareID), &e, ErrEvaluationNotFound); err != nil {
		return nil, err
	}
	n, err := s.client.Get(ctx, s.evalSharesKey(shareID)).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("share count: %w", err)
	}
	e.ShareCount = n
	return &e, nil
}

// IncrementShareCount bumps the evaluation's share counter (INCR).
func (s *RedisStore) IncrementShareCount(ctx context.Context, shareID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	exists, err := s.client.Exists(ctx, s.evalKey(shareID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrEvaluationNotFound
	}
	return s.client.Incr(ctx, s.evalSharesKey(shareID)).Err()
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
