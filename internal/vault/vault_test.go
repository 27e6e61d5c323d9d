package vault

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shieldkey/walletcore/internal/messenger"
	"github.com/shieldkey/walletcore/internal/storage"
)

// memStore is a minimal in-memory VaultMetaStore for tests.
type memStore struct {
	mu   sync.Mutex
	snap *storage.VaultMetaSnapshot
}

func (m *memStore) Load(ctx context.Context) (*storage.VaultMetaSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}
func (m *memStore) Save(ctx context.Context, snap *storage.VaultMetaSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	return nil
}
func (m *memStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = nil
	return nil
}

// fakeClock lets tests fire auto-lock deterministically.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
}

type fakeTimer struct {
	fire func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	already := t.stopped
	t.stopped = true
	return !already
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Now()} }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{fire: f}
	c.pending = append(c.pending, t)
	return t
}

// fire invokes all non-stopped pending timers and clears the list.
func (c *fakeClock) fire() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, t := range pending {
		if !t.stopped {
			t.fire()
		}
	}
}

func newTestVault() (*Vault, *memStore) {
	st := &memStore{}
	m := messenger.New(nil)
	v := New(st, m, nil)
	return v, st
}

const strongPassword = "Hunter2!Strong"

func TestInitThenUnlockSucceeds(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()

	require.NoError(t, v.Init(ctx, strongPassword))
	require.NoError(t, v.Unlock(ctx, strongPassword))
	require.True(t, v.IsUnlocked())
}

func TestUnlockWithWrongPasswordFails(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()
	require.NoError(t, v.Init(ctx, strongPassword))

	err := v.Unlock(ctx, "totally-wrong-password-1")
	require.Error(t, err)
	require.False(t, v.IsUnlocked())
}

func TestInitTwiceFails(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()
	require.NoError(t, v.Init(ctx, strongPassword))
	err := v.Init(ctx, strongPassword)
	require.Error(t, err)
}

func TestAutoLockTimerFiresAfterTimeout(t *testing.T) {
	clock := newFakeClock()
	st := &memStore{}
	m := messenger.New(nil)
	v := New(st, m, nil, WithClock(clock))
	ctx := context.Background()

	require.NoError(t, v.Init(ctx, strongPassword))
	v.SetAutoLockDuration(ctx, (1 * time.Minute).Milliseconds())
	require.NoError(t, v.Unlock(ctx, strongPassword))
	require.True(t, v.IsUnlocked())

	clock.fire()
	require.False(t, v.IsUnlocked())
}

func TestUnlockCancelsPriorTimer(t *testing.T) {
	clock := newFakeClock()
	st := &memStore{}
	m := messenger.New(nil)
	v := New(st, m, nil, WithClock(clock))
	ctx := context.Background()
	require.NoError(t, v.Init(ctx, strongPassword))

	require.NoError(t, v.Unlock(ctx, strongPassword))
	v.Lock("manual")
	require.NoError(t, v.Unlock(ctx, strongPassword))

	// Only the second timer should still be live; firing all pending
	// timers must skip the stale (now-cancelled) first timer without
	// double-locking or panicking, while the live second timer locks.
	clock.fire()
	require.False(t, v.IsUnlocked()) // the still-live second timer fires too
}

func TestExplicitLockFiresNoFurtherCallback(t *testing.T) {
	clock := newFakeClock()
	st := &memStore{}
	m := messenger.New(nil)
	v := New(st, m, nil, WithClock(clock))
	ctx := context.Background()
	require.NoError(t, v.Init(ctx, strongPassword))
	require.NoError(t, v.Unlock(ctx, strongPassword))

	v.Lock("manual")
	require.False(t, v.IsUnlocked())

	// Firing whatever timer remains pending must not reactivate anything.
	clock.fire()
	require.False(t, v.IsUnlocked())
}

func TestLockIsIdempotent(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()
	require.NoError(t, v.Init(ctx, strongPassword))
	require.NoError(t, v.Unlock(ctx, strongPassword))

	v.Lock("first")
	require.NotPanics(t, func() { v.Lock("second") })
	require.False(t, v.IsUnlocked())
}

func TestSetAutoLockDurationClamps(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()

	require.Equal(t, minAutoLock.Milliseconds(), v.SetAutoLockDuration(ctx, 0))
	require.Equal(t, maxAutoLock.Milliseconds(), v.SetAutoLockDuration(ctx, (61*time.Minute).Milliseconds()))
	require.Equal(t, maxAutoLock.Milliseconds(), v.SetAutoLockDuration(ctx, int64((59.5*float64(time.Minute))/float64(time.Millisecond))))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()
	require.NoError(t, v.Init(ctx, strongPassword))
	require.NoError(t, v.Unlock(ctx, strongPassword))

	payload := []byte(`[{"id":"kr1","kind":"hd"}]`)
	require.NoError(t, v.EncryptAndStore(ctx, payload))

	got, err := v.Decrypt(ctx)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestEncryptDecryptWrongPasswordFailsAfterRelock(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()
	require.NoError(t, v.Init(ctx, strongPassword))
	require.NoError(t, v.Unlock(ctx, strongPassword))
	require.NoError(t, v.EncryptAndStore(ctx, []byte("secret-payload")))
	v.Lock("test")

	err := v.Unlock(ctx, "another-wrong-password-2")
	require.Error(t, err)
}

func TestDecryptFailsWhileLocked(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()
	require.NoError(t, v.Init(ctx, strongPassword))

	_, err := v.Decrypt(ctx)
	require.Error(t, err)
}

func TestVerifyPassword(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()
	require.NoError(t, v.Init(ctx, strongPassword))

	require.True(t, v.VerifyPassword(ctx, strongPassword))
	require.False(t, v.VerifyPassword(ctx, "definitely-wrong-pw-3"))
}

func TestInitRejectsWeakPassword(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()
	err := v.Init(ctx, "weak")
	require.Error(t, err)
}

func TestUnlockRateLimited(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()
	require.NoError(t, v.Init(ctx, strongPassword))

	for i := 0; i < 3; i++ {
		_ = v.Unlock(ctx, "wrong-password-attempt")
	}
	err := v.Unlock(ctx, strongPassword)
	require.Error(t, err)
}
