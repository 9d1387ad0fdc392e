package libbus

import (
	"context"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcnats "github.com/testcontainers/testcontainers-go/modules/nats"
)

// SetupNatsInstance starts a disposable NATS server container and returns
// its client URL. The returned cleanup stops the container.
func SetupNatsInstance(ctx context.Context) (string, testcontainers.Container, func(), error) {
	cleanup := func() {}

	container, err := tcnats.Run(ctx, "nats:2.10-alpine")
	if err != nil {
		return "", nil, cleanup, err
	}

	cleanup = func() {
		timeout := time.Second
		err := container.Stop(ctx, &timeout)
		if err != nil {
			panic(err)
		}
	}

	url, err := container.ConnectionString(ctx)
	if err != nil {
		return "", container, cleanup, err
	}
	return url, container, cleanup, nil
}

// NewTestPubSub spins up a NATS container and connects a Messenger to it.
func NewTestPubSub() (Messenger, func(), error) {
	ctx := context.TODO()
	url, _, cleanup, err := SetupNatsInstance(ctx)
	if err != nil {
		return nil, cleanup, err
	}
	ps, err := NewPubSub(ctx, &Config{NATSURL: url})
	if err != nil {
		return nil, cleanup, err
	}
	teardown := func() {
		_ = ps.Close()
		cleanup()
	}
	return ps, teardown, nil
}
