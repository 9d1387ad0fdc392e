package libbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Config carries the NATS connection settings.
type Config struct {
	NATSURL      string
	NATSUser     string
	NATSPassword string
}

type pubSub struct {
	nc *nats.Conn

	mu       sync.RWMutex
	connSubs []chan<- ConnEvent
}

// NewPubSub connects to the NATS server in cfg. The connection reconnects
// on its own and surfaces drops and recoveries through NotifyConnEvents.
func NewPubSub(ctx context.Context, cfg *Config) (Messenger, error) {
	p := &pubSub{}
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, _ error) {
			p.emit(ConnDisconnected)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			p.emit(ConnReconnected)
		}),
	}
	if cfg.NATSUser != "" {
		opts = append(opts, nats.UserInfo(cfg.NATSUser, cfg.NATSPassword))
	}
	nc, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.NATSURL, err)
	}
	p.nc = nc
	p.emit(ConnConnected)
	return p, nil
}

func (p *pubSub) Publish(ctx context.Context, subject string, data []byte) error {
	if p.nc.IsClosed() {
		return ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.nc.Publish(subject, data)
}

func (p *pubSub) Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error) {
	if p.nc.IsClosed() {
		return nil, ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgCh := make(chan *nats.Msg, 64)
	sub, err := p.nc.ChanSubscribe(subject, msgCh)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	wrapped := &natsStreamSub{sub: sub, done: done}
	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = wrapped.Unsubscribe()
				return
			case <-done:
				return
			case msg := <-msgCh:
				if msg == nil {
					return
				}
				select {
				case ch <- msg.Data:
				case <-ctx.Done():
					_ = wrapped.Unsubscribe()
					return
				case <-done:
					return
				}
			}
		}
	}()
	return wrapped, nil
}

type natsStreamSub struct {
	sub  *nats.Subscription
	done chan struct{}
	once sync.Once
}

func (s *natsStreamSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.sub.Unsubscribe()
	})
	return err
}

func (p *pubSub) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if p.nc.IsClosed() {
		return nil, ErrConnectionClosed
	}
	msg, err := p.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout):
			return nil, ErrRequestTimeout
		default:
			return nil, err
		}
	}
	return msg.Data, nil
}

func (p *pubSub) Serve(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	if p.nc.IsClosed() {
		return nil, ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := p.nc.Subscribe(subject, func(msg *nats.Msg) {
		reply := func() []byte {
			defer func() {
				if r := recover(); r != nil {
					_ = msg.Respond(fmt.Appendf(nil, "error: handler panic: %v", r))
				}
			}()
			data, err := handler(ctx, msg.Data)
			if err != nil {
				return fmt.Appendf(nil, "error: %s", err)
			}
			return data
		}()
		if reply != nil {
			_ = msg.Respond(reply)
		}
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}

func (p *pubSub) NotifyConnEvents(ctx context.Context, ch chan<- ConnEvent) error {
	if p.nc.IsClosed() {
		return ErrConnectionClosed
	}
	p.mu.Lock()
	p.connSubs = append(p.connSubs, ch)
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		for i, c := range p.connSubs {
			if c == ch {
				p.connSubs = append(p.connSubs[:i], p.connSubs[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
	}()
	return nil
}

func (p *pubSub) emit(event ConnEvent) {
	p.mu.RLock()
	subs := make([]chan<- ConnEvent, len(p.connSubs))
	copy(subs, p.connSubs)
	p.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (p *pubSub) Close() error {
	p.nc.Close()
	return nil
}

var _ Messenger = (*pubSub)(nil)
