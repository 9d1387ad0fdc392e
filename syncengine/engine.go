// Package syncengine reconciles three sources of chat history into one
// canonical message list: the REST history pages, the persisted cache
// snapshot, and live push events. The engine owns that list exclusively;
// fetcher, cache, and transport only supply candidate batches which the
// engine merges by message id.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lipeng1667/HomeAssistantPro-sub000/apiframework"
	"github.com/lipeng1667/HomeAssistantPro-sub000/cachestore"
	"github.com/lipeng1667/HomeAssistantPro-sub000/chattypes"
	"github.com/lipeng1667/HomeAssistantPro-sub000/historyservice"
	"github.com/lipeng1667/HomeAssistantPro-sub000/libroutine"
	"github.com/lipeng1667/HomeAssistantPro-sub000/realtimeservice"
)

// DefaultPageSize is the history page size used by initial and backward
// loads.
const DefaultPageSize = 20

// ErrEngineClosed is returned by operations after Close.
var ErrEngineClosed = errors.New("syncengine: engine closed")

// Listener receives engine outputs. Callbacks are serialized.
type Listener interface {
	// OnMessagesChanged delivers the full canonical list after any change.
	// The slice is a copy; the receiver may keep it.
	OnMessagesChanged(messages []chattypes.Message)
	// OnTypingChanged reports the peer's typing indicator.
	OnTypingChanged(role chattypes.SenderRole, typing bool)
	// OnConnectionStateChanged mirrors the transport state machine. cause
	// is non-nil when the state is an error state.
	OnConnectionStateChanged(state chattypes.ConnectionState, cause error)
}

// Service is the chat sync engine.
type Service interface {
	// LoadInitial makes conversationID the active conversation: publishes
	// a valid cache snapshot immediately, fetches page 1 when the cache
	// cannot serve, and brings up the realtime channel.
	LoadInitial(ctx context.Context, conversationID int64) error
	// LoadOlder fetches the next older history page and prepends it. It
	// returns the id of the previously-oldest message so the consumer can
	// restore its scroll position, or 0 when nothing was loaded. A call
	// made while another is in flight supersedes it.
	LoadOlder(ctx context.Context, conversationID int64) (anchorID int64, err error)
	// Send persists an outgoing text message over REST and merges the
	// confirmed record into the canonical list.
	Send(ctx context.Context, content string) (chattypes.Message, error)
	// SetTyping forwards the local typing indicator, suppressing
	// redundant signals.
	SetTyping(ctx context.Context, typing bool) error
	// Reconnect forces a fresh transport connection.
	Reconnect(ctx context.Context) error
	// Messages returns a copy of the canonical list, oldest first.
	Messages() []chattypes.Message
	// HasMore reports whether older history pages remain.
	HasMore() bool
	// IsLoadingInitial reports whether a page-1 fetch is in flight. It
	// stays false when a valid cache snapshot serves the load.
	IsLoadingInitial() bool
	// IsLoadingOlder reports whether a backward page fetch is in flight.
	IsLoadingOlder() bool
	ConnectionState() chattypes.ConnectionState
	PeerTyping() bool
	Subscribe(listener Listener)
	Close(ctx context.Context) error
}

// Config wires the engine's collaborators.
type Config struct {
	History   historyservice.Service
	Cache     cachestore.Store
	Transport realtimeservice.Service
	// PageSize defaults to DefaultPageSize.
	PageSize int
	// HealthInterval is the cadence of the transport health check.
	// Default 30s.
	HealthInterval time.Duration
}

type engine struct {
	history   historyservice.Service
	cache     cachestore.Store
	transport realtimeservice.Service
	pageSize  int
	interval  time.Duration
	healthKey string

	mu             sync.Mutex
	conversationID int64
	messages       []chattypes.Message
	index          map[int64]struct{}
	currentPage    int
	hasMore        bool
	loadingInitial bool
	loadingOlder   bool
	olderToken     uint64
	olderCancel    context.CancelFunc
	peerTyping     bool
	typingSent     bool
	listener       Listener
	started        bool
	closed         bool
	healthStop     context.CancelFunc

	// notifyMu serializes listener callbacks.
	notifyMu sync.Mutex
}

// New builds the engine and registers it as the transport's listener. The
// transport must not be shared with another engine.
func New(cfg Config) (Service, error) {
	if cfg.History == nil {
		return nil, errors.New("syncengine: history service is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("syncengine: cache store is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("syncengine: transport is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	e := &engine{
		history:     cfg.History,
		cache:       cfg.Cache,
		transport:   cfg.Transport,
		pageSize:    cfg.PageSize,
		interval:    cfg.HealthInterval,
		healthKey:   fmt.Sprintf("syncengine-health-%s", uuid.NewString()),
		index:       make(map[int64]struct{}),
		hasMore:     true,
		currentPage: 1,
	}
	cfg.Transport.Subscribe(e)
	return e, nil
}

func (e *engine) Subscribe(listener Listener) {
	e.mu.Lock()
	e.listener = listener
	e.mu.Unlock()
}

func (e *engine) LoadInitial(ctx context.Context, conversationID int64) error {
	if conversationID <= 0 {
		return apiframework.ValidationFailure("conversationId", "conversation id must be positive")
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	previous := e.conversationID
	e.conversationID = conversationID
	e.currentPage = 1
	e.hasMore = true
	e.loadingInitial = false
	// A superseded older load never clears the flag itself; the reset
	// has to.
	e.loadingOlder = false
	e.olderToken++
	if e.olderCancel != nil {
		e.olderCancel()
		e.olderCancel = nil
	}
	e.messages = nil
	e.index = make(map[int64]struct{})
	e.peerTyping = false
	started := e.started
	e.mu.Unlock()

	// Drop the previous channel so live subscriptions do not accumulate
	// across conversation switches.
	if started && previous != 0 && previous != conversationID {
		_ = e.transport.LeaveConversation(ctx, previous)
	}

	cached, cacheValid, err := e.cache.Read(ctx, conversationID)
	if err != nil {
		// A broken cache never blocks the load; fall through to REST.
		cacheValid = false
	}
	if cacheValid {
		sort.Slice(cached, func(i, j int) bool { return cached[i].ID < cached[j].ID })
		snapshot := e.replaceList(conversationID, cached)
		if snapshot != nil {
			e.notifyMessages(snapshot)
		}
	} else {
		e.mu.Lock()
		e.loadingInitial = true
		e.mu.Unlock()
		batch, err := e.history.FetchPage(ctx, conversationID, 1, e.pageSize)
		e.mu.Lock()
		e.loadingInitial = false
		e.mu.Unlock()
		if err != nil {
			return err
		}
		hasMore := len(batch) == e.pageSize
		reverse(batch)
		snapshot := e.replaceList(conversationID, batch)
		if snapshot != nil {
			e.mu.Lock()
			e.hasMore = hasMore
			e.mu.Unlock()
			e.notifyMessages(snapshot)
			// Best effort: a failed cache write only costs the next cold
			// start a network fetch.
			_ = e.cache.Write(ctx, conversationID, snapshot)
		}
	}

	e.ensureTransport(ctx, conversationID)
	return nil
}

// replaceList swaps the canonical list for an oldest-first batch, unless
// the active conversation changed while the batch was being produced.
func (e *engine) replaceList(conversationID int64, batch []chattypes.Message) []chattypes.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conversationID != conversationID {
		return nil
	}
	e.messages = nil
	e.index = make(map[int64]struct{})
	for _, message := range batch {
		e.insertLocked(message)
	}
	return e.snapshotLocked()
}

func (e *engine) ensureTransport(ctx context.Context, conversationID int64) {
	e.mu.Lock()
	alreadyStarted := e.started
	e.started = true
	e.mu.Unlock()

	if !alreadyStarted {
		// Connection failures surface through the state machine, not
		// through LoadInitial: the list is already usable.
		_ = e.transport.Connect(ctx)

		healthCtx, cancel := context.WithCancel(context.Background())
		e.mu.Lock()
		e.healthStop = cancel
		e.mu.Unlock()
		libroutine.GetGroup().StartLoop(healthCtx, &libroutine.LoopConfig{
			Key:          e.healthKey,
			Threshold:    3,
			ResetTimeout: e.interval,
			Interval:     e.interval,
			Operation:    e.healthCheck,
		})
		return
	}
	if e.transport.State() == chattypes.StateConnected {
		_ = e.transport.JoinConversation(ctx, conversationID)
	}
}

// healthCheck nudges a transport stuck in the error state back to life.
func (e *engine) healthCheck(ctx context.Context) error {
	e.mu.Lock()
	active := e.started && !e.closed
	e.mu.Unlock()
	if !active {
		return nil
	}
	if e.transport.State() != chattypes.StateError {
		return nil
	}
	return e.transport.Reconnect(ctx)
}

func (e *engine) LoadOlder(ctx context.Context, conversationID int64) (int64, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrEngineClosed
	}
	if conversationID != e.conversationID {
		e.mu.Unlock()
		return 0, apiframework.ValidationFailure("conversationId", "conversation is not active")
	}
	if !e.hasMore {
		e.mu.Unlock()
		return 0, nil
	}
	// A newer call supersedes any in-flight one: cancel it and take over
	// the loading flag. The superseded call must neither apply its result
	// nor clear the flag.
	if e.olderCancel != nil {
		e.olderCancel()
	}
	e.olderToken++
	e.loadingOlder = true
	token := e.olderToken
	loadCtx, cancel := context.WithCancel(ctx)
	e.olderCancel = cancel
	page := e.currentPage + 1
	var anchorID int64
	if len(e.messages) > 0 {
		anchorID = e.messages[0].ID
	}
	e.mu.Unlock()

	batch, err := e.history.FetchPage(loadCtx, conversationID, page, e.pageSize)

	e.mu.Lock()
	if token != e.olderToken {
		// Superseded: the winning call owns the pagination flags.
		e.mu.Unlock()
		return 0, nil
	}
	e.olderCancel = nil
	e.loadingOlder = false
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}
	hasMore := len(batch) == e.pageSize
	reverse(batch)
	changed := false
	for _, message := range batch {
		if e.upsertLocked(message) {
			changed = true
		}
	}
	e.currentPage = page
	e.hasMore = hasMore
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	if changed {
		e.notifyMessages(snapshot)
	}
	if len(batch) == 0 {
		return 0, nil
	}
	return anchorID, nil
}

func (e *engine) Send(ctx context.Context, content string) (chattypes.Message, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return chattypes.Message{}, ErrEngineClosed
	}
	conversationID := e.conversationID
	e.mu.Unlock()
	if conversationID == 0 {
		return chattypes.Message{}, apiframework.ValidationFailure("conversationId", "no active conversation")
	}

	message, err := e.history.SendMessage(ctx, conversationID, content, chattypes.MessageText)
	if err != nil {
		return chattypes.Message{}, err
	}

	e.mu.Lock()
	inserted := e.insertLocked(message)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()
	if inserted {
		e.notifyMessages(snapshot)
	}
	return message, nil
}

func (e *engine) SetTyping(ctx context.Context, typing bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	conversationID := e.conversationID
	unchanged := e.typingSent == typing
	e.mu.Unlock()
	if conversationID == 0 {
		return apiframework.ValidationFailure("conversationId", "no active conversation")
	}
	if unchanged {
		return nil
	}
	if err := e.transport.SetTyping(ctx, conversationID, typing); err != nil {
		return err
	}
	e.mu.Lock()
	e.typingSent = typing
	e.mu.Unlock()
	return nil
}

func (e *engine) Reconnect(ctx context.Context) error {
	return e.transport.Reconnect(ctx)
}

func (e *engine) Messages() []chattypes.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *engine) HasMore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasMore
}

func (e *engine) IsLoadingInitial() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadingInitial
}

func (e *engine) IsLoadingOlder() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadingOlder
}

func (e *engine) ConnectionState() chattypes.ConnectionState {
	return e.transport.State()
}

func (e *engine) PeerTyping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerTyping
}

func (e *engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	healthStop := e.healthStop
	e.healthStop = nil
	if e.olderCancel != nil {
		e.olderCancel()
		e.olderCancel = nil
	}
	e.mu.Unlock()

	if healthStop != nil {
		healthStop()
	}
	return e.transport.Disconnect(ctx)
}

// OnMessage implements realtimeservice.Listener. Duplicate ids are
// discarded silently; this also absorbs the echo of a message the user
// just sent over REST.
func (e *engine) OnMessage(message chattypes.Message) {
	e.mu.Lock()
	if e.closed || message.ConversationID != e.conversationID {
		e.mu.Unlock()
		return
	}
	inserted := e.insertLocked(message)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()
	if inserted {
		e.notifyMessages(snapshot)
	}
}

// OnTyping implements realtimeservice.Listener.
func (e *engine) OnTyping(event realtimeservice.TypingEvent) {
	e.mu.Lock()
	if e.closed || event.ConversationID != e.conversationID {
		e.mu.Unlock()
		return
	}
	e.peerTyping = event.Typing
	e.mu.Unlock()
	e.notifyTyping(event.SenderRole, event.Typing)
}

// OnStateChange implements realtimeservice.Listener. Every transition into
// connected re-joins the active channel; a join missed here would silently
// drop live events after a reconnect.
func (e *engine) OnStateChange(state chattypes.ConnectionState, cause error) {
	e.mu.Lock()
	conversationID := e.conversationID
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	if state == chattypes.StateConnected && conversationID != 0 {
		_ = e.transport.JoinConversation(context.Background(), conversationID)
	}
	e.notifyConnState(state, cause)
}

// insertLocked merges one message into the canonical list, keeping ids
// strictly increasing. Returns false for duplicates.
func (e *engine) insertLocked(message chattypes.Message) bool {
	if _, exists := e.index[message.ID]; exists {
		return false
	}
	e.index[message.ID] = struct{}{}
	if n := len(e.messages); n == 0 || e.messages[n-1].ID < message.ID {
		e.messages = append(e.messages, message)
		return true
	}
	pos := sort.Search(len(e.messages), func(i int) bool { return e.messages[i].ID > message.ID })
	e.messages = append(e.messages, chattypes.Message{})
	copy(e.messages[pos+1:], e.messages[pos:])
	e.messages[pos] = message
	return true
}

// upsertLocked merges one message from a history batch. An id that is
// already present is replaced in place, so a re-fetched edit wins over
// the stored copy. Returns false when the list is unchanged.
func (e *engine) upsertLocked(message chattypes.Message) bool {
	if _, exists := e.index[message.ID]; !exists {
		return e.insertLocked(message)
	}
	pos := sort.Search(len(e.messages), func(i int) bool { return e.messages[i].ID >= message.ID })
	if pos == len(e.messages) || e.messages[pos].ID != message.ID || e.messages[pos] == message {
		return false
	}
	e.messages[pos] = message
	return true
}

func (e *engine) snapshotLocked() []chattypes.Message {
	snapshot := make([]chattypes.Message, len(e.messages))
	copy(snapshot, e.messages)
	return snapshot
}

func (e *engine) currentListener() Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listener
}

func (e *engine) notifyMessages(messages []chattypes.Message) {
	listener := e.currentListener()
	if listener == nil {
		return
	}
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	listener.OnMessagesChanged(messages)
}

func (e *engine) notifyTyping(role chattypes.SenderRole, typing bool) {
	listener := e.currentListener()
	if listener == nil {
		return
	}
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	listener.OnTypingChanged(role, typing)
}

func (e *engine) notifyConnState(state chattypes.ConnectionState, cause error) {
	listener := e.currentListener()
	if listener == nil {
		return
	}
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	listener.OnConnectionStateChanged(state, cause)
}

func reverse(messages []chattypes.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}

var (
	_ Service                  = (*engine)(nil)
	_ realtimeservice.Listener = (*engine)(nil)
)
