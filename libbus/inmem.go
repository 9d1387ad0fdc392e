package libbus

import (
	"context"
	"sync"
)

// InMem is a single-process Messenger. Publish delivers to local Stream
// subscribers and Request/Serve work as same-process request-reply. Tests
// drive connection lifecycle transitions through EmitConnEvent.
type InMem struct {
	mu       sync.RWMutex
	closed   bool
	streams  map[string][]chan<- []byte
	handlers map[string]Handler
	connSubs []chan<- ConnEvent
}

// NewInMem returns an in-memory Messenger for single-process use.
func NewInMem() *InMem {
	return &InMem{
		streams:  make(map[string][]chan<- []byte),
		handlers: make(map[string]Handler),
	}
}

func (p *InMem) Publish(ctx context.Context, subject string, data []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrConnectionClosed
	}
	subs := make([]chan<- []byte, len(p.streams[subject]))
	copy(subs, p.streams[subject])
	p.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	for _, ch := range subs {
		select {
		case ch <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *InMem) Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	p.streams[subject] = append(p.streams[subject], ch)
	p.mu.Unlock()

	sub := &inmemStreamSub{subject: subject, ch: ch, bus: p}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}

func (p *InMem) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrConnectionClosed
	}
	handler := p.handlers[subject]
	p.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, ErrRequestTimeout
	}
	return handler(ctx, data)
}

func (p *InMem) Serve(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	p.handlers[subject] = handler
	p.mu.Unlock()

	sub := &inmemServeSub{subject: subject, bus: p}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}

func (p *InMem) NotifyConnEvents(ctx context.Context, ch chan<- ConnEvent) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrConnectionClosed
	}
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

// EmitConnEvent fans a connection event out to all NotifyConnEvents
// subscribers. Tests use it to simulate drops and recoveries.
func (p *InMem) EmitConnEvent(event ConnEvent) {
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

func (p *InMem) Close() error {
	p.mu.Lock()
	p.closed = true
	p.streams = make(map[string][]chan<- []byte)
	p.handlers = make(map[string]Handler)
	p.connSubs = nil
	p.mu.Unlock()
	return nil
}

type inmemStreamSub struct {
	subject string
	ch      chan<- []byte
	bus     *InMem
}

func (s *inmemStreamSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.streams[s.subject]
	for i, c := range subs {
		if c == s.ch {
			s.bus.streams[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

type inmemServeSub struct {
	subject string
	bus     *InMem
}

func (s *inmemServeSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.handlers, s.subject)
	s.bus.mu.Unlock()
	return nil
}

var _ Messenger = (*InMem)(nil)
