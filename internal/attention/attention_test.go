package attention

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shieldkey/walletcore/internal/messenger"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestPushDeduplicatesWithinTTL(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	q := New(messenger.New(nil), WithClock(clock), WithTTL(time.Minute))

	q.Push("unlock-required", "https://dapp.example", "eth_sendTransaction", "eip155:1", "eip155")
	q.Push("unlock-required", "https://dapp.example", "eth_sendTransaction", "eip155:1", "eip155")
	require.Len(t, q.Snapshot(), 1)
}

func TestPushAfterTTLExpiryIsNotDeduped(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	q := New(messenger.New(nil), WithClock(clock), WithTTL(time.Minute))

	q.Push("unlock-required", "https://dapp.example", "eth_sendTransaction", "eip155:1", "eip155")
	clock.now = clock.now.Add(2 * time.Minute)
	q.Push("unlock-required", "https://dapp.example", "eth_sendTransaction", "eip155:1", "eip155")

	snap := q.Snapshot()
	require.Len(t, snap, 1)
	require.True(t, snap[0].RequestedAt.Equal(clock.now))
}

func TestDifferentKeysAreNotDeduplicated(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	q := New(messenger.New(nil), WithClock(clock), WithTTL(time.Minute))

	q.Push("unlock-required", "https://dapp.example", "eth_sendTransaction", "eip155:1", "eip155")
	q.Push("unlock-required", "https://other.example", "eth_sendTransaction", "eip155:1", "eip155")
	require.Len(t, q.Snapshot(), 2)
}

func TestClearRemovesEntry(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	q := New(messenger.New(nil), WithClock(clock), WithTTL(time.Minute))

	q.Push("unlock-required", "https://dapp.example", "eth_sendTransaction", "eip155:1", "eip155")
	q.Clear("unlock-required", "https://dapp.example", "eth_sendTransaction", "eip155:1", "eip155")
	require.Empty(t, q.Snapshot())
}

func TestExpiredEntriesAreEvictedFromSnapshot(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	q := New(messenger.New(nil), WithClock(clock), WithTTL(time.Minute))

	q.Push("unlock-required", "https://dapp.example", "eth_sendTransaction", "eip155:1", "eip155")
	clock.now = clock.now.Add(2 * time.Minute)
	require.Empty(t, q.Snapshot())
}
