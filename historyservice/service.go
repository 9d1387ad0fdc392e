// Package historyservice retrieves paginated chat history and is the
// authoritative write path for outgoing messages. It validates input before
// any network call and surfaces failures through the apiframework taxonomy.
package historyservice

import (
	"context"
	"strings"

	"github.com/lipeng1667/HomeAssistantPro-sub000/apiframework"
	"github.com/lipeng1667/HomeAssistantPro-sub000/chatapi"
	"github.com/lipeng1667/HomeAssistantPro-sub000/chattypes"
	"github.com/lipeng1667/HomeAssistantPro-sub000/libauth"
)

const (
	// MinPageSize and MaxPageSize bound one history fetch.
	MinPageSize = 1
	MaxPageSize = 50
	// MaxContentLength bounds one outgoing message body.
	MaxContentLength = 4000
)

// Service is the history fetcher contract consumed by the sync engine.
type Service interface {
	// FetchPage returns one page of history in server order, which is
	// newest-first. Callers reverse before merging.
	FetchPage(ctx context.Context, conversationID int64, page, pageSize int) ([]chattypes.Message, error)
	// SendMessage persists an outgoing text message and returns the
	// server-side record with its assigned id.
	SendMessage(ctx context.Context, conversationID int64, content string, messageType chattypes.MessageType) (chattypes.Message, error)
}

type service struct {
	client   *chatapi.Client
	identity libauth.Identity
}

// New builds the history service for one authenticated identity.
func New(client *chatapi.Client, identity libauth.Identity) Service {
	return &service{client: client, identity: identity}
}

func (s *service) FetchPage(ctx context.Context, conversationID int64, page, pageSize int) ([]chattypes.Message, error) {
	if !s.identity.Valid() {
		return nil, apiframework.Unauthenticated()
	}
	if conversationID <= 0 {
		return nil, apiframework.ValidationFailure("conversationId", "conversation id must be positive")
	}
	if page < 1 {
		return nil, apiframework.ValidationFailure("page", "page must be >= 1")
	}
	if pageSize < MinPageSize || pageSize > MaxPageSize {
		return nil, apiframework.ValidationFailure("pageSize", "page size must be between 1 and 50")
	}
	messages, _, err := s.client.FetchMessages(ctx, conversationID, page, pageSize)
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *service) SendMessage(ctx context.Context, conversationID int64, content string, messageType chattypes.MessageType) (chattypes.Message, error) {
	if !s.identity.Valid() {
		return chattypes.Message{}, apiframework.Unauthenticated()
	}
	if conversationID <= 0 {
		return chattypes.Message{}, apiframework.ValidationFailure("conversationId", "conversation id must be positive")
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return chattypes.Message{}, apiframework.ValidationFailure("content", "message content must not be empty")
	}
	if len(trimmed) > MaxContentLength {
		return chattypes.Message{}, apiframework.ValidationFailure("content", "message content exceeds maximum length")
	}
	if messageType == "" {
		messageType = chattypes.MessageText
	}
	return s.client.PostMessage(ctx, conversationID, s.identity.UserID, trimmed, messageType)
}

var _ Service = (*service)(nil)
