// Package realtimeservice maintains the live event connection of a chat
// session: authenticated handshake, per-conversation channel joins, and
// push delivery of new-message and typing events. Connection health is
// modeled as an explicit state machine so consumers can render a status
// indicator instead of guessing.
package realtimeservice

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lipeng1667/HomeAssistantPro-sub000/apiframework"
	"github.com/lipeng1667/HomeAssistantPro-sub000/chattypes"
	"github.com/lipeng1667/HomeAssistantPro-sub000/libauth"
	"github.com/lipeng1667/HomeAssistantPro-sub000/libbus"
	"github.com/lipeng1667/HomeAssistantPro-sub000/libroutine"
)

// SubjectAuth is the request-reply subject of the session handshake.
const SubjectAuth = "chat.session.auth"

// Subject helpers for the per-conversation channels.
func SubjectNewMessage(conversationID int64) string {
	return fmt.Sprintf("chat.conversation.%d.new_message", conversationID)
}

func SubjectTypingIndicator(conversationID int64) string {
	return fmt.Sprintf("chat.conversation.%d.typing_indicator", conversationID)
}

func SubjectJoin(conversationID int64) string {
	return fmt.Sprintf("chat.conversation.%d.join", conversationID)
}

func SubjectSendMessage(conversationID int64) string {
	return fmt.Sprintf("chat.conversation.%d.send_message", conversationID)
}

func SubjectTyping(conversationID int64) string {
	return fmt.Sprintf("chat.conversation.%d.typing", conversationID)
}

// JoinPayload is the client->server join_conversation event.
type JoinPayload struct {
	ConversationID int64  `json:"conversation_id"`
	Token          string `json:"token"`
}

// SendPayload is the client->server send_message event.
type SendPayload struct {
	ConversationID int64  `json:"conversation_id"`
	MessageType    string `json:"message_type"`
	Content        string `json:"content"`
}

// TypingPayload is the client->server typing_start/typing_stop event.
type TypingPayload struct {
	ConversationID int64 `json:"conversation_id"`
	Typing         bool  `json:"typing"`
}

// TypingEvent is the server->client typing indicator.
type TypingEvent struct {
	ConversationID int64                `json:"conversation_id"`
	SenderRole     chattypes.SenderRole `json:"sender_role"`
	Typing         bool                 `json:"typing"`
}

// Listener receives transport events. Delivery is serialized: no two
// callbacks run concurrently, and events for one conversation arrive in
// the order the transport saw them.
type Listener interface {
	OnMessage(message chattypes.Message)
	OnTyping(event TypingEvent)
	OnStateChange(state chattypes.ConnectionState, cause error)
}

// Service is the realtime transport contract consumed by the sync engine.
type Service interface {
	// Connect dials and authenticates. Bounded by the retry policy; on
	// exhaustion the state becomes StateError and an error is returned.
	Connect(ctx context.Context) error
	// Reconnect tears the current connection down and dials fresh,
	// resending the identity token and re-joining every joined channel.
	Reconnect(ctx context.Context) error
	// Disconnect closes the connection and forgets joined channels.
	Disconnect(ctx context.Context) error
	// JoinConversation subscribes to a conversation's events. Idempotent;
	// joins are replayed automatically after every reconnect.
	JoinConversation(ctx context.Context, conversationID int64) error
	// LeaveConversation drops the conversation's subscriptions and removes
	// it from the set replayed on reconnect. A no-op when not joined.
	LeaveConversation(ctx context.Context, conversationID int64) error
	// SendMessage emits a send_message event on the conversation channel.
	SendMessage(ctx context.Context, conversationID int64, messageType chattypes.MessageType, content string) error
	// SetTyping emits typing_start or typing_stop.
	SetTyping(ctx context.Context, conversationID int64, typing bool) error
	State() chattypes.ConnectionState
	Subscribe(listener Listener)
}

// Dialer opens a fresh Messenger connection.
type Dialer func(ctx context.Context) (libbus.Messenger, error)

// Config carries the transport settings.
type Config struct {
	Dialer      Dialer
	TokenSecret []byte
	Identity    libauth.Identity
	// TokenTTL bounds the handshake token's lifetime. Default 24h.
	TokenTTL time.Duration
	// RetryAttempts and RetryBackoff bound one Connect/Reconnect call.
	// Defaults: 5 attempts, 2s apart.
	RetryAttempts int
	RetryBackoff  time.Duration
	// AuthTimeout bounds the handshake request. Default 5s.
	AuthTimeout time.Duration
	// BreakerResetTimeout is how long an exhausted dial budget blocks new
	// attempts. Default 10s.
	BreakerResetTimeout time.Duration
}

type service struct {
	cfg     Config
	routine *libroutine.Routine

	mu       sync.Mutex
	state    chattypes.ConnectionState
	bus      libbus.Messenger
	busCtx   context.Context
	busStop  context.CancelFunc
	joined   map[int64]context.CancelFunc
	listener Listener

	// notifyMu serializes listener callbacks across all producers.
	notifyMu sync.Mutex
}

// New builds a disconnected transport. Call Subscribe before Connect so no
// state transition is missed.
func New(cfg Config) (Service, error) {
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("realtimeservice: dialer is required")
	}
	if len(cfg.TokenSecret) == 0 {
		return nil, fmt.Errorf("realtimeservice: token secret is required")
	}
	if !cfg.Identity.Valid() {
		return nil, libauth.ErrIdentityMissing
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 5 * time.Second
	}
	if cfg.BreakerResetTimeout <= 0 {
		cfg.BreakerResetTimeout = 10 * time.Second
	}
	return &service{
		cfg:     cfg,
		routine: libroutine.NewRoutine(cfg.RetryAttempts, cfg.BreakerResetTimeout),
		state:   chattypes.StateDisconnected,
		joined:  make(map[int64]context.CancelFunc),
	}, nil
}

func (s *service) Subscribe(listener Listener) {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
}

func (s *service) State() chattypes.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *service) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == chattypes.StateConnected || s.state == chattypes.StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = chattypes.StateConnecting
	s.mu.Unlock()
	s.notifyState(chattypes.StateConnecting, nil)

	return s.establish(ctx)
}

func (s *service) Reconnect(ctx context.Context) error {
	s.teardown()
	s.mu.Lock()
	s.state = chattypes.StateReconnecting
	s.mu.Unlock()
	s.notifyState(chattypes.StateReconnecting, nil)

	return s.establish(ctx)
}

// establish runs the bounded dial+handshake policy and, on success, replays
// every joined conversation on the fresh connection.
func (s *service) establish(ctx context.Context) error {
	err := s.routine.ExecuteWithRetry(ctx, s.cfg.RetryBackoff, s.cfg.RetryAttempts, func(ctx context.Context) error {
		return s.dialAndAuthenticate(ctx)
	})
	if err != nil {
		connErr := apiframework.ConnectionError(fmt.Sprintf("connection failed: %v", err))
		s.mu.Lock()
		s.state = chattypes.StateError
		s.mu.Unlock()
		s.notifyState(chattypes.StateError, connErr)
		return connErr
	}

	s.mu.Lock()
	s.state = chattypes.StateConnected
	conversationIDs := s.joinedIDsLocked()
	s.mu.Unlock()
	s.notifyState(chattypes.StateConnected, nil)

	for _, conversationID := range conversationIDs {
		if err := s.attachConversation(ctx, conversationID); err != nil {
			return err
		}
	}
	return nil
}

func (s *service) dialAndAuthenticate(ctx context.Context) error {
	bus, err := s.cfg.Dialer(ctx)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	if err := s.authenticate(ctx, bus); err != nil {
		_ = bus.Close()
		return err
	}

	busCtx, busStop := context.WithCancel(context.Background())
	s.mu.Lock()
	s.bus = bus
	s.busCtx = busCtx
	s.busStop = busStop
	s.mu.Unlock()

	s.watchConnection(busCtx, bus)
	return nil
}

// authenticate performs the identity handshake. It runs on first connect
// and again on every reconnect; the server forgets sessions on drop.
func (s *service) authenticate(ctx context.Context, bus libbus.Messenger) error {
	token, err := libauth.CreateToken(s.cfg.TokenSecret, s.cfg.Identity, s.cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("failed to mint handshake token: %w", err)
	}
	authCtx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()
	reply, err := bus.Request(authCtx, SubjectAuth, []byte(token))
	if err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}
	if string(reply) != "ok" {
		return fmt.Errorf("handshake rejected: %s", reply)
	}
	return nil
}

// watchConnection reacts to drops of the underlying connection. The bus
// reconnects on its own; this only resends the handshake and join events
// once it does, and flags the session as reconnecting in between.
func (s *service) watchConnection(busCtx context.Context, bus libbus.Messenger) {
	events := make(chan libbus.ConnEvent, 8)
	if err := bus.NotifyConnEvents(busCtx, events); err != nil {
		return
	}
	go func() {
		for {
			select {
			case <-busCtx.Done():
				return
			case event := <-events:
				switch event {
				case libbus.ConnDisconnected:
					s.mu.Lock()
					wasConnected := s.state == chattypes.StateConnected
					if wasConnected {
						s.state = chattypes.StateReconnecting
					}
					s.mu.Unlock()
					if wasConnected {
						s.notifyState(chattypes.StateReconnecting, nil)
					}
				case libbus.ConnReconnected:
					if err := s.resumeSession(busCtx, bus); err != nil {
						connErr := apiframework.ConnectionError(fmt.Sprintf("session resume failed: %v", err))
						s.mu.Lock()
						s.state = chattypes.StateError
						s.mu.Unlock()
						s.notifyState(chattypes.StateError, connErr)
					}
				}
			}
		}
	}()
}

func (s *service) resumeSession(ctx context.Context, bus libbus.Messenger) error {
	if err := s.authenticate(ctx, bus); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = chattypes.StateConnected
	conversationIDs := s.joinedIDsLocked()
	s.mu.Unlock()
	s.notifyState(chattypes.StateConnected, nil)

	for _, conversationID := range conversationIDs {
		if err := s.attachConversation(ctx, conversationID); err != nil {
			return err
		}
	}
	return nil
}

func (s *service) Disconnect(ctx context.Context) error {
	s.teardown()
	s.mu.Lock()
	changed := s.state != chattypes.StateDisconnected
	s.state = chattypes.StateDisconnected
	s.joined = make(map[int64]context.CancelFunc)
	s.mu.Unlock()
	if changed {
		s.notifyState(chattypes.StateDisconnected, nil)
	}
	return nil
}

// teardown cancels subscriptions and closes the current connection without
// touching the joined set, so a reconnect can replay it.
func (s *service) teardown() {
	s.mu.Lock()
	bus := s.bus
	busStop := s.busStop
	s.bus = nil
	s.busCtx = nil
	s.busStop = nil
	for conversationID, cancel := range s.joined {
		cancel()
		s.joined[conversationID] = func() {}
	}
	s.mu.Unlock()

	if busStop != nil {
		busStop()
	}
	if bus != nil {
		_ = bus.Close()
	}
}

func (s *service) JoinConversation(ctx context.Context, conversationID int64) error {
	s.mu.Lock()
	if s.state != chattypes.StateConnected {
		s.mu.Unlock()
		return apiframework.ConnectionError("cannot join a channel while disconnected")
	}
	if _, alreadyJoined := s.joined[conversationID]; alreadyJoined {
		s.mu.Unlock()
		return nil
	}
	s.joined[conversationID] = func() {}
	s.mu.Unlock()

	return s.attachConversation(ctx, conversationID)
}

func (s *service) LeaveConversation(ctx context.Context, conversationID int64) error {
	s.mu.Lock()
	cancel, joined := s.joined[conversationID]
	delete(s.joined, conversationID)
	s.mu.Unlock()
	if joined && cancel != nil {
		cancel()
	}
	return nil
}

// attachConversation subscribes the conversation's channels on the current
// connection and announces the join to the server.
func (s *service) attachConversation(ctx context.Context, conversationID int64) error {
	s.mu.Lock()
	bus := s.bus
	busCtx := s.busCtx
	if previous, ok := s.joined[conversationID]; ok && previous != nil {
		previous()
	}
	s.mu.Unlock()
	if bus == nil {
		return apiframework.ConnectionError("no active connection")
	}

	subCtx, cancel := context.WithCancel(busCtx)
	messageCh := make(chan []byte, 32)
	typingCh := make(chan []byte, 32)
	if _, err := bus.Stream(subCtx, SubjectNewMessage(conversationID), messageCh); err != nil {
		cancel()
		return apiframework.ConnectionError(fmt.Sprintf("failed to subscribe: %v", err))
	}
	if _, err := bus.Stream(subCtx, SubjectTypingIndicator(conversationID), typingCh); err != nil {
		cancel()
		return apiframework.ConnectionError(fmt.Sprintf("failed to subscribe: %v", err))
	}
	go s.pump(subCtx, conversationID, messageCh, typingCh)

	s.mu.Lock()
	s.joined[conversationID] = cancel
	s.mu.Unlock()

	token, err := libauth.CreateToken(s.cfg.TokenSecret, s.cfg.Identity, s.cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("failed to mint join token: %w", err)
	}
	payload, err := json.Marshal(JoinPayload{ConversationID: conversationID, Token: token})
	if err != nil {
		return fmt.Errorf("failed to encode join event: %w", err)
	}
	if err := bus.Publish(ctx, SubjectJoin(conversationID), payload); err != nil {
		return apiframework.ConnectionError(fmt.Sprintf("failed to announce join: %v", err))
	}
	return nil
}

// pump decodes inbound events for one conversation and hands them to the
// listener. Payloads that do not decode are dropped.
func (s *service) pump(ctx context.Context, conversationID int64, messageCh, typingCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-messageCh:
			var message chattypes.Message
			if err := json.Unmarshal(raw, &message); err != nil {
				continue
			}
			if message.ConversationID == 0 {
				message.ConversationID = conversationID
			}
			s.notifyMessage(message)
		case raw := <-typingCh:
			var event TypingEvent
			if err := json.Unmarshal(raw, &event); err != nil {
				continue
			}
			event.ConversationID = conversationID
			s.notifyTyping(event)
		}
	}
}

func (s *service) SendMessage(ctx context.Context, conversationID int64, messageType chattypes.MessageType, content string) error {
	payload, err := json.Marshal(SendPayload{
		ConversationID: conversationID,
		MessageType:    string(messageType),
		Content:        content,
	})
	if err != nil {
		return fmt.Errorf("failed to encode send event: %w", err)
	}
	return s.publish(ctx, SubjectSendMessage(conversationID), payload)
}

func (s *service) SetTyping(ctx context.Context, conversationID int64, typing bool) error {
	payload, err := json.Marshal(TypingPayload{ConversationID: conversationID, Typing: typing})
	if err != nil {
		return fmt.Errorf("failed to encode typing event: %w", err)
	}
	return s.publish(ctx, SubjectTyping(conversationID), payload)
}

func (s *service) publish(ctx context.Context, subject string, payload []byte) error {
	s.mu.Lock()
	bus := s.bus
	connected := s.state == chattypes.StateConnected
	s.mu.Unlock()
	if !connected || bus == nil {
		return apiframework.ConnectionError("not connected")
	}
	if err := bus.Publish(ctx, subject, payload); err != nil {
		return apiframework.ConnectionError(fmt.Sprintf("publish failed: %v", err))
	}
	return nil
}

func (s *service) joinedIDsLocked() []int64 {
	conversationIDs := make([]int64, 0, len(s.joined))
	for conversationID := range s.joined {
		conversationIDs = append(conversationIDs, conversationID)
	}
	return conversationIDs
}

func (s *service) currentListener() Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

func (s *service) notifyMessage(message chattypes.Message) {
	listener := s.currentListener()
	if listener == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	listener.OnMessage(message)
}

func (s *service) notifyTyping(event TypingEvent) {
	listener := s.currentListener()
	if listener == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	listener.OnTyping(event)
}

func (s *service) notifyState(state chattypes.ConnectionState, cause error) {
	listener := s.currentListener()
	if listener == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	listener.OnStateChange(state, cause)
}

var _ Service = (*service)(nil)
