// Package cachestore persists a per-conversation snapshot of the most
// recent message page so a reopened conversation renders instantly. A
// snapshot is only surfaced while younger than the validity window; expired
// or corrupt entries behave as absent.
package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lipeng1667/HomeAssistantPro-sub000/chattypes"
	"github.com/lipeng1667/HomeAssistantPro-sub000/libkvstore"
)

// DefaultValidity is the cache expiry window.
const DefaultValidity = 30 * time.Minute

const keyPrefix = "chat:conversation:"

// Store is the snapshot contract consumed by the sync engine.
type Store interface {
	// Read returns the cached page for the conversation. ok is false when
	// the entry is absent, expired, or corrupt; corrupt entries are purged.
	Read(ctx context.Context, conversationID int64) (messages []chattypes.Message, ok bool, err error)
	// Write replaces the cached page and stamps it with the current time.
	Write(ctx context.Context, conversationID int64, messages []chattypes.Message) error
	// IsValid reports whether a fresh snapshot exists for the conversation.
	// Only the write stamp is decoded, never the message list, and the
	// entry is left untouched.
	IsValid(ctx context.Context, conversationID int64) (bool, error)
	// Clear removes the given conversations' snapshots, or every snapshot
	// when called with no ids (the logout path).
	Clear(ctx context.Context, conversationIDs ...int64) error
}

type snapshot struct {
	Messages  []chattypes.Message `json:"messages"`
	WrittenAt time.Time           `json:"written_at"`
}

type store struct {
	kv       libkvstore.KV
	validity time.Duration
	now      func() time.Time
}

// New builds a Store over any KV backend with the default validity window.
func New(kv libkvstore.KV) Store {
	return NewWithClock(kv, DefaultValidity, time.Now)
}

// NewWithClock is New with an injectable validity window and clock.
func NewWithClock(kv libkvstore.KV, validity time.Duration, now func() time.Time) Store {
	return &store{kv: kv, validity: validity, now: now}
}

func cacheKey(conversationID int64) string {
	return fmt.Sprintf("%s%d", keyPrefix, conversationID)
}

func (s *store) Read(ctx context.Context, conversationID int64) ([]chattypes.Message, bool, error) {
	key := cacheKey(conversationID)
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, libkvstore.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		// A snapshot that no longer parses is useless; drop it so the
		// next write starts clean.
		if delErr := s.kv.Delete(ctx, key); delErr != nil {
			return nil, false, fmt.Errorf("failed to purge corrupt cache entry: %w", delErr)
		}
		return nil, false, nil
	}
	if s.now().Sub(snap.WrittenAt) >= s.validity {
		return nil, false, nil
	}
	return snap.Messages, true, nil
}

func (s *store) Write(ctx context.Context, conversationID int64, messages []chattypes.Message) error {
	snap := snapshot{Messages: messages, WrittenAt: s.now()}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := s.kv.SetWithTTL(ctx, cacheKey(conversationID), raw, s.validity); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

func (s *store) IsValid(ctx context.Context, conversationID int64) (bool, error) {
	raw, err := s.kv.Get(ctx, cacheKey(conversationID))
	if err != nil {
		if errors.Is(err, libkvstore.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	var stamp struct {
		WrittenAt time.Time `json:"written_at"`
	}
	if err := json.Unmarshal(raw, &stamp); err != nil {
		// Purging is Read's job; a validity probe stays side-effect free.
		return false, nil
	}
	return s.now().Sub(stamp.WrittenAt) < s.validity, nil
}

func (s *store) Clear(ctx context.Context, conversationIDs ...int64) error {
	if len(conversationIDs) == 0 {
		keys, err := s.kv.Keys(ctx, keyPrefix+"*")
		if err != nil {
			return fmt.Errorf("failed to list cache entries: %w", err)
		}
		for _, key := range keys {
			if err := s.kv.Delete(ctx, key); err != nil {
				return fmt.Errorf("failed to clear cache entry %s: %w", key, err)
			}
		}
		return nil
	}
	for _, conversationID := range conversationIDs {
		if err := s.kv.Delete(ctx, cacheKey(conversationID)); err != nil {
			return fmt.Errorf("failed to clear cache entry for conversation %d: %w", conversationID, err)
		}
	}
	return nil
}

var _ Store = (*store)(nil)
