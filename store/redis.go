package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis.
//
// Layout (all keys carry the configured prefix):
//
//	session:<id>     hash with the session fields
//	identity:<id>    set of the identity's active session IDs
//	activity         sorted set of active session IDs scored by last activity (ms)
//
// Update uses optimistic WATCH/MULTI on the identity set: every status
// change and every create modifies that set, so two transactions on the
// same identity cannot both commit from the same snapshot. The hashes of
// the active sessions are watched too, so a heartbeat that lands after the
// snapshot also aborts the commit. A transaction that loses the race is
// re-run from a fresh read.
//
// The multi-key transactions need all keys on one node; Redis Cluster is
// not supported.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	retain     time.Duration
	maxRetries int
}

// RedisConfig contains configuration options for Redis.
type RedisConfig struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string

	// Password is the Redis password (empty for no auth)
	Password string

	// DB is the Redis database number (0-15)
	DB int

	// KeyPrefix is prepended to all keys (default: "turnstile:")
	// typically ends with a colon.
	KeyPrefix string

	// RetainTerminal is how long evicted and expired records are kept
	// before Redis deletes them. Zero keeps them forever.
	// A deleted record reads as not found, which is still invalid.
	RetainTerminal time.Duration

	// MaxRetries bounds how often a conflicting Update is re-run.
	// Default: 16.
	MaxRetries int
}

// ErrTooMuchContention is returned when an Update keeps losing the
// optimistic race for an identity.
var ErrTooMuchContention = errors.New("redis: too much contention on identity")

// touchScript is the compare-and-set behind Touch. It returns 1 on success,
// -1 when the record is missing, -2 when it is terminal, -3 when it lapsed.
var touchScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'active' then return -2 end
local last = tonumber(redis.call('HGET', KEYS[1], 'last_activity_ms'))
if last < tonumber(ARGV[2]) then return -3 end
if tonumber(ARGV[1]) > last then
	redis.call('HSET', KEYS[1], 'last_activity_ms', ARGV[1])
	redis.call('ZADD', KEYS[2], ARGV[1], ARGV[3])
end
return 1
`)

// NewRedis creates a Redis session store from a Redis client and a key prefix.
func NewRedis(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "turnstile:"
	}
	return &RedisStore{
		client:     client,
		prefix:     keyPrefix,
		maxRetries: 16,
	}
}

// NewRedisFromConfig connects to Redis and creates a session store.
func NewRedisFromConfig(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to connect: %w", err)
	}

	s := NewRedis(client, cfg.KeyPrefix)
	s.retain = cfg.RetainTerminal
	if cfg.MaxRetries > 0 {
		s.maxRetries = cfg.MaxRetries
	}
	return s, nil
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *RedisStore) identityKey(identityID string) string {
	return s.prefix + "identity:" + identityID
}

func (s *RedisStore) activityKey() string {
	return s.prefix + "activity"
}

// Get returns a session by ID.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	return s.get(ctx, s.client, sessionID)
}

// hashGetter is satisfied by both *redis.Client and *redis.Tx.
type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *RedisStore) get(ctx context.Context, c hashGetter, sessionID string) (*Session, error) {
	fields, err := c.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeRedisSession(fields)
}

// GetActive returns the active sessions of an identity, newest first.
func (s *RedisStore) GetActive(ctx context.Context, identityID string) ([]*Session, error) {
	key := s.identityKey(identityID)

	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to list sessions: %w", err)
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		// Re-read the set inside MULTI together with the hashes. If it moved
		// since the previous read, load again from the new membership.
		cmds, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SMembers(ctx, key)
			for _, id := range ids {
				pipe.HGetAll(ctx, s.sessionKey(id))
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("redis: failed to load sessions: %w", err)
		}

		current := cmds[0].(*redis.StringSliceCmd).Val()
		if !sameMembers(ids, current) {
			ids = current
			continue
		}

		sessions := []*Session{}
		for _, cmd := range cmds[1:] {
			fields := cmd.(*redis.MapStringStringCmd).Val()
			if len(fields) == 0 {
				continue
			}
			session, err := decodeRedisSession(fields)
			if err != nil {
				return nil, err
			}
			if session.Status == StatusActive {
				sessions = append(sessions, session)
			}
		}

		sortNewestFirst(sessions)
		return sessions, nil
	}
	return nil, ErrTooMuchContention
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}

// Update runs fn against a snapshot of the identity's active sessions and
// commits the staged writes in one MULTI/EXEC, guarded by WATCH.
func (s *RedisStore) Update(ctx context.Context, identityID string, fn func(tx Tx) error) error {
	key := s.identityKey(identityID)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			return s.update(ctx, rtx, identityID, fn)
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrTooMuchContention
}

func (s *RedisStore) update(ctx context.Context, rtx *redis.Tx, identityID string, fn func(tx Tx) error) error {
	key := s.identityKey(identityID)

	ids, err := rtx.SMembers(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis: failed to list sessions: %w", err)
	}

	if len(ids) > 0 {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.sessionKey(id)
		}
		if err := rtx.Watch(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis: failed to watch sessions: %w", err)
		}
	}

	var active []*Session
	for _, id := range ids {
		session, err := s.get(ctx, rtx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if session.Status == StatusActive {
			active = append(active, session)
		}
	}

	staged := newStagedTx(identityID, active, func(id string) (*Session, error) {
		return s.get(ctx, rtx, id)
	})
	if err := fn(staged); err != nil {
		return err
	}
	if staged.empty() {
		return nil
	}

	for _, c := range staged.creates {
		n, err := rtx.Exists(ctx, s.sessionKey(c.SessionID)).Result()
		if err != nil {
			return fmt.Errorf("redis: failed to check session: %w", err)
		}
		if n > 0 {
			return ErrDuplicateSession
		}
	}

	_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, change := range staged.statuses {
			sk := s.sessionKey(change.sessionID)
			pipe.HSet(ctx, sk,
				"status", string(change.status),
				"ended_at_ms", toMillis(change.at),
			)
			pipe.SRem(ctx, key, change.sessionID)
			pipe.ZRem(ctx, s.activityKey(), change.sessionID)
			if s.retain > 0 {
				pipe.Expire(ctx, sk, s.retain)
			}
		}
		for _, c := range staged.creates {
			pipe.HSet(ctx, s.sessionKey(c.SessionID), encodeRedisSession(c))
			pipe.SAdd(ctx, key, c.SessionID)
			pipe.ZAdd(ctx, s.activityKey(), redis.Z{
				Score:  float64(toMillis(c.LastActivityAt)),
				Member: c.SessionID,
			})
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("redis: failed to commit: %w", err)
	}
	return err
}

// Touch advances the last activity timestamp of an active session.
func (s *RedisStore) Touch(ctx context.Context, sessionID string, at, staleBefore time.Time) error {
	res, err := touchScript.Run(ctx, s.client,
		[]string{s.sessionKey(sessionID), s.activityKey()},
		toMillis(at), toMillis(staleBefore), sessionID,
	).Int()
	if err != nil {
		return fmt.Errorf("redis: failed to touch session: %w", err)
	}

	switch res {
	case 1:
		return nil
	case -1:
		return ErrNotFound
	case -2:
		return ErrAlreadyTerminal
	default:
		return ErrLapsed
	}
}

// StaleIdentities returns identities with an active session idle since before.
func (s *RedisStore) StaleIdentities(ctx context.Context, before time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.activityKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(toMillis(before), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to query stale sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.HGet(ctx, s.sessionKey(id), "identity_id")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: failed to resolve identities: %w", err)
	}

	seen := make(map[string]bool)
	var identities []string
	for _, cmd := range cmds {
		identityID, err := cmd.(*redis.StringCmd).Result()
		if err != nil || identityID == "" {
			continue
		}
		if !seen[identityID] {
			seen[identityID] = true
			identities = append(identities, identityID)
		}
	}
	return identities, nil
}

// Ping checks that Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func encodeRedisSession(session *Session) map[string]any {
	return map[string]any{
		"session_id":       session.SessionID,
		"identity_id":      session.IdentityID,
		"device_type":      session.DeviceType,
		"browser":          session.Browser,
		"os":               session.OS,
		"user_agent":       session.UserAgent,
		"ip_address":       session.IP,
		"loc_city":         session.LocCity,
		"loc_country":      session.LocCountry,
		"loc_lat":          strconv.FormatFloat(session.LocLat, 'f', -1, 64),
		"loc_lng":          strconv.FormatFloat(session.LocLng, 'f', -1, 64),
		"status":           string(StatusActive),
		"created_at_ms":    toMillis(session.CreatedAt),
		"last_activity_ms": toMillis(session.LastActivityAt),
	}
}

func decodeRedisSession(fields map[string]string) (*Session, error) {
	session := &Session{
		SessionID:  fields["session_id"],
		IdentityID: fields["identity_id"],
		DeviceType: fields["device_type"],
		Browser:    fields["browser"],
		OS:         fields["os"],
		UserAgent:  fields["user_agent"],
		IP:         fields["ip_address"],
		LocCity:    fields["loc_city"],
		LocCountry: fields["loc_country"],
		Status:     Status(fields["status"]),
	}

	var err error
	if session.LocLat, err = parseRedisFloat(fields["loc_lat"]); err != nil {
		return nil, err
	}
	if session.LocLng, err = parseRedisFloat(fields["loc_lng"]); err != nil {
		return nil, err
	}

	created, err := strconv.ParseInt(fields["created_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis: corrupt created_at_ms for %s: %w", session.SessionID, err)
	}
	last, err := strconv.ParseInt(fields["last_activity_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis: corrupt last_activity_ms for %s: %w", session.SessionID, err)
	}
	session.CreatedAt = fromMillis(created)
	session.LastActivityAt = fromMillis(last)

	if v := fields["ended_at_ms"]; v != "" {
		ended, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis: corrupt ended_at_ms for %s: %w", session.SessionID, err)
		}
		t := fromMillis(ended)
		session.EndedAt = &t
	}
	return session, nil
}

func parseRedisFloat(v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: corrupt coordinate %q: %w", v, err)
	}
	return f, nil
}
