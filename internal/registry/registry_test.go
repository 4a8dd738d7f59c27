package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// connect needs a live redis; set REDIS_ADDR to run these.
func connect(t *testing.T) *Registry {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := Connect(ctx, addr, zaptest.NewLogger(t))
	require.NoError(t, err)
	r.prefix = "racenet:test:" + r.id + ":"
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistry_AnnounceLookupWithdraw(t *testing.T) {
	r := connect(t)
	ctx := context.Background()

	require.NoError(t, r.Announce(ctx, Entry{Name: "harbour night", Address: "10.0.0.7:28960", Capacity: 16}))

	addr, err := r.Lookup(ctx, "harbour night")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7:28960", addr)

	_, err = r.Lookup(ctx, "dunes")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.Withdraw(ctx))
	_, err = r.Lookup(ctx, "harbour night")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_RunWithdrawsOnCancel(t *testing.T) {
	r := connect(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, func(context.Context) Entry {
			return Entry{Name: "heartbeat", Address: "10.0.0.8:28960"}
		})
	}()

	require.Eventually(t, func() bool {
		_, err := r.Lookup(context.Background(), "heartbeat")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	entries, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
