package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Davincible/chat-gateway/internal/wire"
)

// DefaultKeyPrefix namespaces every key written by RedisStore.
const DefaultKeyPrefix = "cgw:"

// RedisConfig configures RedisStore.
type RedisConfig struct {
	// Addr is host:port. URL takes precedence when set.
	Addr     string
	URL      string
	Password string
	DB       int
	// KeyPrefix defaults to DefaultKeyPrefix.
	KeyPrefix  string
	TokenLimit int
	// TTL expires idle conversations; zero keeps them forever.
	TTL time.Duration
}

// RedisStore keeps each conversation as a list of msgpack encoded messages
// and its token usage in a counter key.
type RedisStore struct {
	client *goredis.Client
	cfg    RedisConfig
	now    func() time.Time
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	var opts *goredis.Options

	switch {
	case cfg.URL != "":
		parsed, err := goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis store: invalid URL: %w", err)
		}
		opts = parsed
	case cfg.Addr != "":
		opts = &goredis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	default:
		return nil, errors.New("redis store requires an address or URL")
	}

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}

	return &RedisStore{
		client: goredis.NewClient(opts),
		cfg:    cfg,
		now:    time.Now,
	}, nil
}

func (s *RedisStore) messagesKey(conversationID string) string {
	return s.cfg.KeyPrefix + "conv:" + conversationID
}

func (s *RedisStore) usageKey(conversationID string) string {
	return s.cfg.KeyPrefix + "usage:" + conversationID
}

func (s *RedisStore) Add(ctx context.Context, conversationID string, msg Message) (Message, error) {
	out, err := s.AddBatch(ctx, conversationID, []Message{msg})
	if err != nil {
		return Message{}, err
	}

	return out[0], nil
}

func (s *RedisStore) AddBatch(ctx context.Context, conversationID string, msgs []Message) ([]Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	out := make([]Message, 0, len(msgs))
	values := make([]any, 0, len(msgs))
	tokens := 0

	for _, m := range msgs {
		m = prepare(conversationID, m, s.now())

		data, err := msgpack.Marshal(&m)
		if err != nil {
			return nil, fmt.Errorf("redis store: encode message: %w", err)
		}

		out = append(out, m)
		values = append(values, data)
		tokens += tokensOf(m)
	}

	key := s.messagesKey(conversationID)

	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if tokens > 0 {
			pipe.IncrBy(ctx, s.usageKey(conversationID), int64(tokens))
		}
		if s.cfg.TTL > 0 {
			pipe.Expire(ctx, key, s.cfg.TTL)
			pipe.Expire(ctx, s.usageKey(conversationID), s.cfg.TTL)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis store: append to %s: %w", conversationID, err)
	}

	return out, nil
}

func (s *RedisStore) Update(ctx context.Context, conversationID string, msg Message) error {
	if msg.ID == "" {
		return ErrNoID
	}

	key := s.messagesKey(conversationID)

	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis store: read %s: %w", conversationID, err)
	}

	for i := len(raw) - 1; i >= 0; i-- {
		var stored Message
		if err := msgpack.Unmarshal([]byte(raw[i]), &stored); err != nil {
			return fmt.Errorf("redis store: decode message %d: %w", i, err)
		}
		if stored.ID != msg.ID {
			continue
		}

		msg.ConversationID = conversationID
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = stored.CreatedAt
		}

		data, err := msgpack.Marshal(&msg)
		if err != nil {
			return fmt.Errorf("redis store: encode message: %w", err)
		}

		if err := s.client.LSet(ctx, key, int64(i), data).Err(); err != nil {
			return fmt.Errorf("redis store: update %s: %w", msg.ID, err)
		}

		return nil
	}

	return fmt.Errorf("update %s in %s: %w", msg.ID, conversationID, ErrNotFound)
}

func (s *RedisStore) Get(ctx context.Context, conversationID string) ([]Message, error) {
	raw, err := s.client.LRange(ctx, s.messagesKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: read %s: %w", conversationID, err)
	}

	msgs := make([]Message, 0, len(raw))
	for i, r := range raw {
		var m Message
		if err := msgpack.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("redis store: decode message %d: %w", i, err)
		}
		msgs = append(msgs, m)
	}

	return msgs, nil
}

func (s *RedisStore) GetUsageLimits(ctx context.Context, conversationID string) (wire.UsageLimits, error) {
	used, err := s.client.Get(ctx, s.usageKey(conversationID)).Int()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return wire.UsageLimits{}, fmt.Errorf("redis store: usage of %s: %w", conversationID, err)
	}

	limits := limitsFor(used, s.cfg.TokenLimit)
	if s.cfg.TTL > 0 {
		if ttl, err := s.client.TTL(ctx, s.usageKey(conversationID)).Result(); err == nil && ttl > 0 {
			limits.ResetAt = s.now().Add(ttl).Unix()
		}
	}

	return limits, nil
}

// Close releases the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
