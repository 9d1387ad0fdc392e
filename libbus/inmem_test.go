package libbus_test

import (
	"context"
	"testing"
	"time"

	libbus "github.com/lipeng1667/HomeAssistantPro-sub000/libbus"
	"github.com/stretchr/testify/require"
)

func TestUnit_InMem_PublishReachesStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus := libbus.NewInMem()
	defer bus.Close()

	subject := "chat.conversation.7.new_message"
	streamCh := make(chan []byte, 1)
	sub, err := bus.Stream(ctx, subject, streamCh)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(ctx, subject, []byte(`{"id":42}`)))

	select {
	case received := <-streamCh:
		require.Equal(t, []byte(`{"id":42}`), received)
	case <-ctx.Done():
		t.Fatal("timed out waiting for streamed message")
	}
}

func TestUnit_InMem_UnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	bus := libbus.NewInMem()
	defer bus.Close()

	subject := "chat.conversation.7.typing_indicator"
	streamCh := make(chan []byte, 1)
	sub, err := bus.Stream(ctx, subject, streamCh)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, bus.Publish(ctx, subject, []byte("typing")))

	select {
	case <-streamCh:
		t.Fatal("received message after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnit_InMem_ClosedConnection(t *testing.T) {
	ctx := context.Background()
	bus := libbus.NewInMem()
	require.NoError(t, bus.Close())

	err := bus.Publish(ctx, "chat.closed", []byte("data"))
	require.ErrorIs(t, err, libbus.ErrConnectionClosed)

	_, err = bus.Stream(ctx, "chat.closed", make(chan []byte, 1))
	require.ErrorIs(t, err, libbus.ErrConnectionClosed)

	_, err = bus.Serve(ctx, "chat.closed", func(ctx context.Context, data []byte) ([]byte, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, libbus.ErrConnectionClosed)
}

func TestUnit_InMem_RequestReply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus := libbus.NewInMem()
	defer bus.Close()

	subject := "chat.conversation.7.send_message"
	sub, err := bus.Serve(ctx, subject, func(ctx context.Context, data []byte) ([]byte, error) {
		require.Equal(t, []byte("ping"), data)
		return []byte("pong"), nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	reply, err := bus.Request(ctx, subject, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), reply)
}

func TestUnit_InMem_RequestWithoutResponder(t *testing.T) {
	bus := libbus.NewInMem()
	defer bus.Close()

	_, err := bus.Request(context.Background(), "chat.nobody.home", []byte("data"))
	require.ErrorIs(t, err, libbus.ErrRequestTimeout)
}

func TestUnit_InMem_ConnEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := libbus.NewInMem()
	defer bus.Close()

	events := make(chan libbus.ConnEvent, 4)
	require.NoError(t, bus.NotifyConnEvents(ctx, events))

	bus.EmitConnEvent(libbus.ConnDisconnected)
	bus.EmitConnEvent(libbus.ConnReconnected)

	require.Equal(t, libbus.ConnDisconnected, <-events)
	require.Equal(t, libbus.ConnReconnected, <-events)
}

func TestUnit_InMem_PublishContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bus := libbus.NewInMem()
	defer bus.Close()

	err := bus.Publish(ctx, "chat.canceled", []byte("data"))
	require.ErrorIs(t, err, context.Canceled)
}
