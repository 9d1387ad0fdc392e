package realtimeservice_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lipeng1667/HomeAssistantPro-sub000/apiframework"
	"github.com/lipeng1667/HomeAssistantPro-sub000/chattypes"
	"github.com/lipeng1667/HomeAssistantPro-sub000/libauth"
	"github.com/lipeng1667/HomeAssistantPro-sub000/libbus"
	"github.com/lipeng1667/HomeAssistantPro-sub000/realtimeservice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSecret   = []byte("transport-secret")
	testIdentity = libauth.Identity{UserID: 3, DeviceID: "device-a"}
)

type recorder struct {
	mu       sync.Mutex
	messages []chattypes.Message
	typings  []realtimeservice.TypingEvent
	states   []chattypes.ConnectionState
	causes   []error
}

func (r *recorder) OnMessage(message chattypes.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
}

func (r *recorder) OnTyping(event realtimeservice.TypingEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typings = append(r.typings, event)
}

func (r *recorder) OnStateChange(state chattypes.ConnectionState, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	r.causes = append(r.causes, cause)
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) typingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.typings)
}

func (r *recorder) sawState(state chattypes.ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == state {
			return true
		}
	}
	return false
}

// newAuthedBus registers a handshake responder that accepts any token
// minted with testSecret and counts how often it is called.
func newAuthedBus(t *testing.T) (*libbus.InMem, *atomic.Int64) {
	t.Helper()
	bus := libbus.NewInMem()
	t.Cleanup(func() { bus.Close() })

	var handshakes atomic.Int64
	_, err := bus.Serve(context.Background(), realtimeservice.SubjectAuth, func(ctx context.Context, data []byte) ([]byte, error) {
		if _, err := libauth.VerifyToken(testSecret, string(data)); err != nil {
			return []byte("denied"), nil
		}
		handshakes.Add(1)
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	return bus, &handshakes
}

func newTransport(t *testing.T, bus *libbus.InMem) (realtimeservice.Service, *recorder) {
	t.Helper()
	service, err := realtimeservice.New(realtimeservice.Config{
		Dialer:       func(ctx context.Context) (libbus.Messenger, error) { return bus, nil },
		TokenSecret:  testSecret,
		Identity:     testIdentity,
		RetryBackoff: time.Millisecond,
		AuthTimeout:  time.Second,
	})
	require.NoError(t, err)

	rec := &recorder{}
	service.Subscribe(rec)
	return service, rec
}

func TestUnit_Transport_ConnectHandshake(t *testing.T) {
	bus, handshakes := newAuthedBus(t)
	service, rec := newTransport(t, bus)

	require.NoError(t, service.Connect(context.Background()))
	assert.Equal(t, chattypes.StateConnected, service.State())
	assert.Equal(t, int64(1), handshakes.Load())
	assert.True(t, rec.sawState(chattypes.StateConnecting))
	assert.True(t, rec.sawState(chattypes.StateConnected))
}

func TestUnit_Transport_ConnectIsIdempotent(t *testing.T) {
	bus, handshakes := newAuthedBus(t)
	service, _ := newTransport(t, bus)

	require.NoError(t, service.Connect(context.Background()))
	require.NoError(t, service.Connect(context.Background()))
	assert.Equal(t, int64(1), handshakes.Load())
}

func TestUnit_Transport_ConnectExhaustsRetries(t *testing.T) {
	dialErr := errors.New("refused")
	var attempts atomic.Int64
	service, err := realtimeservice.New(realtimeservice.Config{
		Dialer: func(ctx context.Context) (libbus.Messenger, error) {
			attempts.Add(1)
			return nil, dialErr
		},
		TokenSecret:   testSecret,
		Identity:      testIdentity,
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
	})
	require.NoError(t, err)
	rec := &recorder{}
	service.Subscribe(rec)

	err = service.Connect(context.Background())
	require.ErrorIs(t, err, apiframework.ErrConnectionError)
	assert.Equal(t, chattypes.StateError, service.State())
	assert.Equal(t, int64(3), attempts.Load())
	assert.True(t, rec.sawState(chattypes.StateError))
}

func TestUnit_Transport_RejectedHandshake(t *testing.T) {
	bus := libbus.NewInMem()
	t.Cleanup(func() { bus.Close() })
	_, err := bus.Serve(context.Background(), realtimeservice.SubjectAuth, func(ctx context.Context, data []byte) ([]byte, error) {
		return []byte("denied"), nil
	})
	require.NoError(t, err)

	service, err := realtimeservice.New(realtimeservice.Config{
		Dialer:        func(ctx context.Context) (libbus.Messenger, error) { return bus, nil },
		TokenSecret:   testSecret,
		Identity:      testIdentity,
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
	})
	require.NoError(t, err)

	err = service.Connect(context.Background())
	require.ErrorIs(t, err, apiframework.ErrConnectionError)
	assert.Equal(t, chattypes.StateError, service.State())
}

func TestUnit_Transport_JoinDeliversMessages(t *testing.T) {
	ctx := context.Background()
	bus, _ := newAuthedBus(t)
	service, rec := newTransport(t, bus)

	require.NoError(t, service.Connect(ctx))
	require.NoError(t, service.JoinConversation(ctx, 7))

	payload, err := json.Marshal(chattypes.Message{
		ID: 42, ConversationID: 7, SenderRole: chattypes.RoleAdmin,
		Content: "hello", Type: chattypes.MessageText, Timestamp: "2026-08-25T10:00:00Z",
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, realtimeservice.SubjectNewMessage(7), payload))

	require.Eventually(t, func() bool { return rec.messageCount() == 1 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, int64(42), rec.messages[0].ID)
	rec.mu.Unlock()
}

func TestUnit_Transport_JoinIsIdempotent(t *testing.T) {
	ctx := context.Background()
	bus, _ := newAuthedBus(t)
	service, rec := newTransport(t, bus)

	require.NoError(t, service.Connect(ctx))
	require.NoError(t, service.JoinConversation(ctx, 7))
	require.NoError(t, service.JoinConversation(ctx, 7))

	payload, _ := json.Marshal(chattypes.Message{ID: 1, ConversationID: 7, Content: "once"})
	require.NoError(t, bus.Publish(ctx, realtimeservice.SubjectNewMessage(7), payload))

	require.Eventually(t, func() bool { return rec.messageCount() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.messageCount(), "double join must not duplicate delivery")
}

func TestUnit_Transport_LeaveStopsDelivery(t *testing.T) {
	ctx := context.Background()
	bus, _ := newAuthedBus(t)
	service, rec := newTransport(t, bus)

	require.NoError(t, service.Connect(ctx))
	require.NoError(t, service.JoinConversation(ctx, 7))

	payload, _ := json.Marshal(chattypes.Message{ID: 1, ConversationID: 7, Content: "before"})
	require.NoError(t, bus.Publish(ctx, realtimeservice.SubjectNewMessage(7), payload))
	require.Eventually(t, func() bool { return rec.messageCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, service.LeaveConversation(ctx, 7))
	time.Sleep(20 * time.Millisecond)

	payload, _ = json.Marshal(chattypes.Message{ID: 2, ConversationID: 7, Content: "after"})
	require.NoError(t, bus.Publish(ctx, realtimeservice.SubjectNewMessage(7), payload))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.messageCount(), "left channel must not deliver")

	// Leaving a channel that was never joined is a no-op.
	require.NoError(t, service.LeaveConversation(ctx, 99))
}

func TestUnit_Transport_LeftChannelNotReplayedOnReconnect(t *testing.T) {
	ctx := context.Background()
	bus, _ := newAuthedBus(t)
	service, _ := newTransport(t, bus)

	joins := make(chan []byte, 4)
	_, err := bus.Stream(ctx, realtimeservice.SubjectJoin(7), joins)
	require.NoError(t, err)

	require.NoError(t, service.Connect(ctx))
	require.NoError(t, service.JoinConversation(ctx, 7))
	require.Eventually(t, func() bool { return len(joins) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, service.LeaveConversation(ctx, 7))

	bus.EmitConnEvent(libbus.ConnDisconnected)
	bus.EmitConnEvent(libbus.ConnReconnected)
	require.Eventually(t, func() bool { return service.State() == chattypes.StateConnected }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, joins, 1, "a left channel must not be re-joined")
}

func TestUnit_Transport_TypingIndicator(t *testing.T) {
	ctx := context.Background()
	bus, _ := newAuthedBus(t)
	service, rec := newTransport(t, bus)

	require.NoError(t, service.Connect(ctx))
	require.NoError(t, service.JoinConversation(ctx, 7))

	payload, _ := json.Marshal(map[string]any{"sender_role": "admin", "typing": true})
	require.NoError(t, bus.Publish(ctx, realtimeservice.SubjectTypingIndicator(7), payload))

	require.Eventually(t, func() bool { return rec.typingCount() == 1 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, chattypes.RoleAdmin, rec.typings[0].SenderRole)
	assert.True(t, rec.typings[0].Typing)
	assert.Equal(t, int64(7), rec.typings[0].ConversationID)
	rec.mu.Unlock()
}

func TestUnit_Transport_SendMessagePublishes(t *testing.T) {
	ctx := context.Background()
	bus, _ := newAuthedBus(t)
	service, _ := newTransport(t, bus)

	outbound := make(chan []byte, 1)
	_, err := bus.Stream(ctx, realtimeservice.SubjectSendMessage(7), outbound)
	require.NoError(t, err)

	require.NoError(t, service.Connect(ctx))
	require.NoError(t, service.SendMessage(ctx, 7, chattypes.MessageText, "hello"))

	select {
	case raw := <-outbound:
		var payload realtimeservice.SendPayload
		require.NoError(t, json.Unmarshal(raw, &payload))
		assert.Equal(t, "hello", payload.Content)
		assert.Equal(t, "text", payload.MessageType)
	case <-time.After(time.Second):
		t.Fatal("send_message event never published")
	}
}

func TestUnit_Transport_SendWhileDisconnected(t *testing.T) {
	bus, _ := newAuthedBus(t)
	service, _ := newTransport(t, bus)

	err := service.SendMessage(context.Background(), 7, chattypes.MessageText, "hello")
	require.ErrorIs(t, err, apiframework.ErrConnectionError)

	err = service.SetTyping(context.Background(), 7, true)
	require.ErrorIs(t, err, apiframework.ErrConnectionError)
}

func TestUnit_Transport_JoinRequiresConnection(t *testing.T) {
	bus, _ := newAuthedBus(t)
	service, _ := newTransport(t, bus)

	err := service.JoinConversation(context.Background(), 7)
	require.ErrorIs(t, err, apiframework.ErrConnectionError)
}

func TestUnit_Transport_RejoinAfterReconnect(t *testing.T) {
	ctx := context.Background()
	bus, handshakes := newAuthedBus(t)
	service, rec := newTransport(t, bus)

	joins := make(chan []byte, 4)
	_, err := bus.Stream(ctx, realtimeservice.SubjectJoin(7), joins)
	require.NoError(t, err)

	require.NoError(t, service.Connect(ctx))
	require.NoError(t, service.JoinConversation(ctx, 7))
	require.Eventually(t, func() bool { return len(joins) == 1 }, time.Second, 5*time.Millisecond)

	bus.EmitConnEvent(libbus.ConnDisconnected)
	require.Eventually(t, func() bool { return rec.sawState(chattypes.StateReconnecting) }, time.Second, 5*time.Millisecond)

	bus.EmitConnEvent(libbus.ConnReconnected)
	require.Eventually(t, func() bool { return service.State() == chattypes.StateConnected }, time.Second, 5*time.Millisecond)

	// The handshake token was resent and the channel join replayed.
	require.Eventually(t, func() bool { return handshakes.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(joins) == 2 }, time.Second, 5*time.Millisecond)

	// Events still flow after the drop.
	payload, _ := json.Marshal(chattypes.Message{ID: 43, ConversationID: 7, Content: "post-reconnect"})
	require.NoError(t, bus.Publish(ctx, realtimeservice.SubjectNewMessage(7), payload))
	require.Eventually(t, func() bool { return rec.messageCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestUnit_Transport_DisconnectResetsState(t *testing.T) {
	ctx := context.Background()
	bus, _ := newAuthedBus(t)
	service, rec := newTransport(t, bus)

	require.NoError(t, service.Connect(ctx))
	require.NoError(t, service.JoinConversation(ctx, 7))
	require.NoError(t, service.Disconnect(ctx))

	assert.Equal(t, chattypes.StateDisconnected, service.State())
	assert.True(t, rec.sawState(chattypes.StateDisconnected))
}

func TestUnit_Transport_ConfigValidation(t *testing.T) {
	_, err := realtimeservice.New(realtimeservice.Config{TokenSecret: testSecret, Identity: testIdentity})
	require.Error(t, err, "dialer is required")

	dialer := func(ctx context.Context) (libbus.Messenger, error) { return libbus.NewInMem(), nil }

	_, err = realtimeservice.New(realtimeservice.Config{Dialer: dialer, Identity: testIdentity})
	require.Error(t, err, "secret is required")

	_, err = realtimeservice.New(realtimeservice.Config{Dialer: dialer, TokenSecret: testSecret})
	require.ErrorIs(t, err, libauth.ErrIdentityMissing)
}
