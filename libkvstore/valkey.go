package libkvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

type valkeyManager struct {
	client  valkey.Client
	timeout time.Duration
}

// NewManager connects to the Valkey server in cfg and verifies the
// connection with a ping bounded by timeout.
func NewManager(cfg Config, timeout time.Duration) (Manager, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{cfg.KVAddr},
		Password:     cfg.KVPassword,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to valkey at %s: %w", cfg.KVAddr, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping valkey at %s: %w", cfg.KVAddr, err)
	}
	return &valkeyManager{client: client, timeout: timeout}, nil
}

func (m *valkeyManager) Executor(ctx context.Context) (KV, error) {
	if m.client == nil {
		return nil, ErrManagerClosed
	}
	return &valkeyKV{client: m.client}, nil
}

func (m *valkeyManager) Close() error {
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	return nil
}

type valkeyKV struct {
	client valkey.Client
}

func (kv *valkeyKV) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := kv.client.Do(ctx, kv.client.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

func (kv *valkeyKV) Set(ctx context.Context, key string, value []byte) error {
	return kv.client.Do(ctx, kv.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Build()).Error()
}

func (kv *valkeyKV) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return kv.client.Do(ctx, kv.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Px(ttl).Build()).Error()
}

func (kv *valkeyKV) Exists(ctx context.Context, key string) (bool, error) {
	count, err := kv.client.Do(ctx, kv.client.B().Exists().Key(key).Build()).AsInt64()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (kv *valkeyKV) Delete(ctx context.Context, key string) error {
	return kv.client.Do(ctx, kv.client.B().Del().Key(key).Build()).Error()
}

func (kv *valkeyKV) Keys(ctx context.Context, pattern string) ([]string, error) {
	return kv.client.Do(ctx, kv.client.B().Keys().Pattern(pattern).Build()).AsStrSlice()
}
