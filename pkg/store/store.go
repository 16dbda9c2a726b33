// Package store is the local mirror of every conversation a chat client
// knows about. It is the only writer of the persisted chat snapshot.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roboricindustries/raycon-chat/pkg/chat"
	"github.com/roboricindustries/raycon-chat/pkg/logging"
	"github.com/roboricindustries/raycon-chat/pkg/persist"
)

const flushTimeout = 5 * time.Second

// ErrPurged is returned by writes after Purge until the next Load.
var ErrPurged = errors.New("store: purged")

// Store holds conversations in arrival order. It is not safe for concurrent
// use; the session event loop owns it.
type Store struct {
	policy chat.Policy
	key    string
	kv     persist.KV
	log    *slog.Logger

	order  []string
	convs  map[string]*chat.Conversation
	purged bool
}

// KeyFor returns the snapshot key used for an identity under policy.
func KeyFor(policy chat.Policy, id chat.Identity) string {
	if policy.Multi {
		return persist.KeyAdminChats
	}
	return persist.ChatKey(id.ID)
}

// New builds an empty store. kv may be nil for a purely in-memory store.
func New(policy chat.Policy, key string, kv persist.KV, logger *slog.Logger) *Store {
	return &Store{
		policy: policy,
		key:    key,
		kv:     kv,
		log:    logging.OrDiscard(logger).With("component", "store", "policy", policy.String()),
		convs:  make(map[string]*chat.Conversation),
	}
}

func (s *Store) Policy() chat.Policy { return s.policy }

// Append adds msg to the conversation of participant, creating it when
// absent. Historical messages are never touched.
func (s *Store) Append(participant string, msg chat.Message) (chat.Conversation, error) {
	if s.purged {
		return chat.Conversation{}, ErrPurged
	}
	if err := msg.Validate(); err != nil {
		return chat.Conversation{}, err
	}
	c := s.ensure(s.policy.Key(participant))
	c.Messages = append(c.Messages, msg)
	s.flush()
	return c.Clone(), nil
}

func (s *Store) ensure(key string) *chat.Conversation {
	c, ok := s.convs[key]
	if !ok {
		c = &chat.Conversation{Name: key}
		s.convs[key] = c
		s.order = append(s.order, key)
	}
	return c
}

// MarkDelivery records the delivery status of the message with id. Only the
// status changes; content stays as appended.
func (s *Store) MarkDelivery(participant, id string, status chat.DeliveryStatus) bool {
	if id == "" {
		return false
	}
	c, ok := s.convs[s.policy.Key(participant)]
	if !ok {
		return false
	}
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].ID != id {
			continue
		}
		if c.Messages[i].Status == status {
			return false
		}
		c.Messages[i].Status = status
		s.flush()
		return true
	}
	return false
}

// Remove deletes a conversation entirely.
func (s *Store) Remove(participant string) bool {
	key := s.policy.Key(participant)
	if _, ok := s.convs[key]; !ok {
		return false
	}
	delete(s.convs, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	s.flush()
	return true
}

func (s *Store) Get(participant string) (chat.Conversation, bool) {
	c, ok := s.convs[s.policy.Key(participant)]
	if !ok {
		return chat.Conversation{}, false
	}
	return c.Clone(), true
}

func (s *Store) Has(participant string) bool {
	_, ok := s.convs[s.policy.Key(participant)]
	return ok
}

// Names lists conversation keys in insertion order.
func (s *Store) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Store) Conversations() []chat.Conversation {
	out := make([]chat.Conversation, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.convs[k].Clone())
	}
	return out
}

func (s *Store) Len() int { return len(s.order) }

// Reset clears memory without touching persisted data.
func (s *Store) Reset() {
	s.order = nil
	s.convs = make(map[string]*chat.Conversation)
}

// Load restores the persisted snapshot. A missing record yields an empty
// store; a corrupt one leaves the store empty and returns the error.
func (s *Store) Load(ctx context.Context) (RestoreReport, error) {
	s.Reset()
	s.purged = false
	if s.kv == nil {
		return RestoreReport{}, nil
	}
	raw, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, persist.ErrNotFound) {
		return RestoreReport{}, nil
	}
	if err != nil {
		return RestoreReport{}, fmt.Errorf("load %s: %w", s.key, err)
	}
	rep, err := s.Restore(raw)
	if err != nil {
		return rep, fmt.Errorf("load %s: %w", s.key, err)
	}
	if rep.SkippedMessages > 0 || rep.SkippedConversations > 0 {
		s.log.Warn("snapshot entries skipped",
			slog.String("key", s.key),
			slog.Int("skipped_messages", rep.SkippedMessages),
			slog.Int("skipped_conversations", rep.SkippedConversations),
		)
	}
	return rep, nil
}

// Flush writes the current snapshot.
func (s *Store) Flush(ctx context.Context) error {
	if s.purged {
		return ErrPurged
	}
	if s.kv == nil {
		return nil
	}
	data, err := s.Snapshot()
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, s.key, data)
}

func (s *Store) flush() {
	if s.purged {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		s.log.Error("snapshot flush failed", slog.String("key", s.key), slog.Any("error", err))
	}
}

// Purge deletes the persisted snapshot and clears memory. The store refuses
// writes afterwards so nothing recreates the snapshot.
func (s *Store) Purge(ctx context.Context) error {
	s.Reset()
	s.purged = true
	if s.kv == nil {
		return nil
	}
	return s.kv.Delete(ctx, s.key)
}
