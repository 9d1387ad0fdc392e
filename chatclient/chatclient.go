// Package chatclient wires the chat stack together: signed REST client,
// history fetcher, conversation cache, realtime transport, and the sync
// engine, configured from the environment.
package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lipeng1667/HomeAssistantPro-sub000/cachestore"
	"github.com/lipeng1667/HomeAssistantPro-sub000/chatapi"
	"github.com/lipeng1667/HomeAssistantPro-sub000/historyservice"
	"github.com/lipeng1667/HomeAssistantPro-sub000/libauth"
	"github.com/lipeng1667/HomeAssistantPro-sub000/libbus"
	"github.com/lipeng1667/HomeAssistantPro-sub000/libkvstore"
	"github.com/lipeng1667/HomeAssistantPro-sub000/libtracker"
	"github.com/lipeng1667/HomeAssistantPro-sub000/realtimeservice"
	"github.com/lipeng1667/HomeAssistantPro-sub000/syncengine"
)

// Config holds every knob the client reads from the environment. Numeric
// fields stay strings so the env map unmarshals directly.
type Config struct {
	APIBaseURL   string `json:"api_base_url"`
	AppSecret    string `json:"app_secret"`
	TokenSecret  string `json:"token_secret"`
	UserID       string `json:"user_id"`
	DeviceID     string `json:"device_id"`
	NATSURL      string `json:"nats_url"`
	NATSUser     string `json:"nats_user"`
	NATSPassword string `json:"nats_password"`
	// CacheBackend selects the conversation cache: "memory", "sqlite", or
	// "valkey". Default memory.
	CacheBackend string `json:"cache_backend"`
	KVAddr       string `json:"kv_addr"`
	KVPassword   string `json:"kv_password"`
	SQLitePath   string `json:"sqlite_path"`
	PageSize     string `json:"page_size"`
}

// LoadConfig fills cfg from the process environment by lowercasing every
// variable name and unmarshalling the resulting map through cfg's json tags.
func LoadConfig[T any](cfg *T) error {
	if cfg == nil {
		return fmt.Errorf("config pointer is nil")
	}
	config := map[string]string{}
	for _, kvPair := range os.Environ() {
		ar := strings.SplitN(kvPair, "=", 2)
		if len(ar) < 2 {
			continue
		}
		key := strings.ToLower(ar[0])
		value := ar[1]
		config[key] = value
	}

	b, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal env vars: %w", err)
	}
	err = json.Unmarshal(b, cfg)
	if err != nil {
		return fmt.Errorf("failed to unmarshal into config struct: %w", err)
	}

	return nil
}

// Client bundles the wired services. Engine is the primary entry point;
// History and Transport are exposed for callers that need them directly.
type Client struct {
	Engine    syncengine.Service
	History   historyservice.Service
	Transport realtimeservice.Service

	kvManager libkvstore.Manager
}

const storeTimeout = 5 * time.Second

// New wires the full stack from cfg. The returned cleanup closes the engine
// and releases the cache backend.
func New(ctx context.Context, cfg *Config) (*Client, func() error, error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("config is required")
	}
	userID, err := strconv.ParseInt(cfg.UserID, 10, 64)
	if err != nil || userID <= 0 {
		return nil, nil, fmt.Errorf("user_id must be a positive integer: %q", cfg.UserID)
	}
	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	identity := libauth.Identity{UserID: userID, DeviceID: deviceID}

	tracker := libtracker.ChainedTracker{
		libtracker.NewLogActivityTracker(slog.Default()),
	}

	apiClient, err := chatapi.New(chatapi.Config{
		BaseURL:   cfg.APIBaseURL,
		AppSecret: cfg.AppSecret,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build api client: %w", err)
	}
	history := historyservice.New(apiClient, identity)
	history = historyservice.WithActivityTracker(history, tracker)

	kvManager, err := newKVManager(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache backend: %w", err)
	}
	kv, err := kvManager.Executor(ctx)
	if err != nil {
		kvManager.Close()
		return nil, nil, fmt.Errorf("failed to open cache backend: %w", err)
	}
	cache := cachestore.New(kv)

	transport, err := realtimeservice.New(realtimeservice.Config{
		Dialer: func(ctx context.Context) (libbus.Messenger, error) {
			return libbus.NewPubSub(ctx, &libbus.Config{
				NATSURL:      cfg.NATSURL,
				NATSUser:     cfg.NATSUser,
				NATSPassword: cfg.NATSPassword,
			})
		},
		TokenSecret: []byte(cfg.TokenSecret),
		Identity:    identity,
	})
	if err != nil {
		kvManager.Close()
		return nil, nil, fmt.Errorf("failed to build realtime transport: %w", err)
	}

	pageSize := 0
	if cfg.PageSize != "" {
		pageSize, err = strconv.Atoi(cfg.PageSize)
		if err != nil {
			kvManager.Close()
			return nil, nil, fmt.Errorf("page_size must be an integer: %q", cfg.PageSize)
		}
	}
	engine, err := syncengine.New(syncengine.Config{
		History:   history,
		Cache:     cache,
		Transport: transport,
		PageSize:  pageSize,
	})
	if err != nil {
		kvManager.Close()
		return nil, nil, fmt.Errorf("failed to build sync engine: %w", err)
	}
	engine = syncengine.WithActivityTracker(engine, tracker)

	client := &Client{
		Engine:    engine,
		History:   history,
		Transport: transport,
		kvManager: kvManager,
	}
	cleanup := func() error {
		err := engine.Close(context.Background())
		if closeErr := kvManager.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		return err
	}
	return client, cleanup, nil
}

func newKVManager(cfg *Config) (libkvstore.Manager, error) {
	switch cfg.CacheBackend {
	case "", "memory":
		return libkvstore.NewInMemoryManager(), nil
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite_path is required for the sqlite cache backend")
		}
		return libkvstore.NewSQLiteManager(cfg.SQLitePath, storeTimeout)
	case "valkey":
		return libkvstore.NewManager(libkvstore.Config{
			KVAddr:     cfg.KVAddr,
			KVPassword: cfg.KVPassword,
		}, storeTimeout)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}
