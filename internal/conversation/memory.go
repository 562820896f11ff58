package conversation

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/Davincible/chat-gateway/internal/wire"
)

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	convs      map[string][]Message
	used       map[string]int
	tokenLimit int
	now        func() time.Time
}

// NewMemoryStore creates an empty store. tokenLimit caps the tokens of one
// conversation; zero means unlimited.
func NewMemoryStore(tokenLimit int) *MemoryStore {
	return &MemoryStore{
		convs:      make(map[string][]Message),
		used:       make(map[string]int),
		tokenLimit: tokenLimit,
		now:        time.Now,
	}
}

func (s *MemoryStore) Add(ctx context.Context, conversationID string, msg Message) (Message, error) {
	out, err := s.AddBatch(ctx, conversationID, []Message{msg})
	if err != nil {
		return Message{}, err
	}

	return out[0], nil
}

func (s *MemoryStore) AddBatch(ctx context.Context, conversationID string, msgs []Message) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		m = prepare(conversationID, m, s.now())
		s.convs[conversationID] = append(s.convs[conversationID], detached(m))
		s.used[conversationID] += tokensOf(m)
		out = append(out, m)
	}

	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, conversationID string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ID == "" {
		return ErrNoID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.convs[conversationID]
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			msg.ConversationID = conversationID
			if msg.CreatedAt.IsZero() {
				msg.CreatedAt = msgs[i].CreatedAt
			}
			msgs[i] = detached(msg)

			return nil
		}
	}

	return fmt.Errorf("update %s in %s: %w", msg.ID, conversationID, ErrNotFound)
}

func (s *MemoryStore) Get(ctx context.Context, conversationID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.convs[conversationID]
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = detached(m)
	}

	return out, nil
}

func (s *MemoryStore) GetUsageLimits(ctx context.Context, conversationID string) (wire.UsageLimits, error) {
	if err := ctx.Err(); err != nil {
		return wire.UsageLimits{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return limitsFor(s.used[conversationID], s.tokenLimit), nil
}

// detached copies the metadata map so callers never share it with the store.
func detached(m Message) Message {
	m.Metadata = maps.Clone(m.Metadata)

	return m
}

var _ Store = (*MemoryStore)(nil)
