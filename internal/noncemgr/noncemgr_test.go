package noncemgr_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/near-examples/passkey-wallet-engine/internal/noncemgr"
	"github.com/near-examples/passkey-wallet-engine/pkg/nearrpc"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

func newManager(t *testing.T, nonce int) (*noncemgr.Manager, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":"wallet-engine","result":{"nonce":` + itoa(nonce) + `,"permission":"FullAccess","block_height":500,"block_hash":"hash500","header":{"height":500,"hash":"hash500"}}}`))
	}))
	client := nearrpc.New(srv.URL)
	return noncemgr.New(client), srv.Close
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestGetContextFetchesAndCaches(t *testing.T) {
	mgr, closeFn := newManager(t, 10)
	defer closeFn()

	ctx := context.Background()
	tc, err := mgr.GetContext(ctx, "alice.testnet", "ed25519:abc", false)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), tc.NextNonce)
	assert.Equal(t, uint64(500), tc.BlockHeight)
	assert.Equal(t, "hash500", tc.BlockHash)

	tc2, err := mgr.GetContext(ctx, "alice.testnet", "ed25519:abc", false)
	require.NoError(t, err)
	assert.Equal(t, tc, tc2)
}

func TestReserveNoncesContiguous(t *testing.T) {
	mgr, closeFn := newManager(t, 10)
	defer closeFn()

	ctx := context.Background()
	_, err := mgr.GetContext(ctx, "alice.testnet", "ed25519:abc", false)
	require.NoError(t, err)

	nonces, err := mgr.ReserveNonces(ctx, "alice.testnet", "ed25519:abc", 3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{11, 12, 13}, nonces)

	next, err := mgr.ReserveNonces(ctx, "alice.testnet", "ed25519:abc", 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{14}, next)
}

func TestReleaseNonceFreesReservation(t *testing.T) {
	mgr, closeFn := newManager(t, 0)
	defer closeFn()

	ctx := context.Background()
	_, err := mgr.GetContext(ctx, "alice.testnet", "ed25519:abc", false)
	require.NoError(t, err)

	nonces, err := mgr.ReserveNonces(ctx, "alice.testnet", "ed25519:abc", 2)
	require.NoError(t, err)
	require.NoError(t, mgr.ReleaseNonce(ctx, "alice.testnet", "ed25519:abc", nonces[0]))
	require.NoError(t, mgr.ReleaseAllNonces(ctx, "alice.testnet", "ed25519:abc"))

	fresh, err := mgr.ReserveNonces(ctx, "alice.testnet", "ed25519:abc", 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, fresh)
}

func TestUpdateNonceFromBlockchainAdvancesPastReserved(t *testing.T) {
	mgr, closeFn := newManager(t, 5)
	defer closeFn()

	ctx := context.Background()
	_, err := mgr.GetContext(ctx, "alice.testnet", "ed25519:abc", false)
	require.NoError(t, err)

	_, err = mgr.ReserveNonces(ctx, "alice.testnet", "ed25519:abc", 2)
	require.NoError(t, err)

	require.NoError(t, mgr.UpdateNonceFromBlockchain(ctx, "alice.testnet", "ed25519:abc"))

	fresh, err := mgr.ReserveNonces(ctx, "alice.testnet", "ed25519:abc", 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{8}, fresh)
}

func TestPrefetchIdleDebouncesToSingleFetch(t *testing.T) {
	var reqs int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&reqs, 1)
		w.Write([]byte(`{"jsonrpc":"2.0","id":"wallet-engine","result":{"nonce":10,"permission":"FullAccess","block_height":500,"block_hash":"hash500","header":{"height":500,"hash":"hash500"}}}`))
	}))
	defer srv.Close()

	mgr := noncemgr.New(nearrpc.New(srv.URL))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mgr.PrefetchIdle(ctx, "alice.testnet", "ed25519:abc")
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(300 * time.Millisecond)

	// Exactly one fetch cycle (view_access_key + view_block) should have
	// run, despite five overlapping PrefetchIdle calls each resetting the
	// debounce timer.
	assert.Equal(t, int32(2), atomic.LoadInt32(&reqs))

	tc, err := mgr.GetContext(ctx, "alice.testnet", "ed25519:abc", false)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), tc.NextNonce)
	// The cache hit above must not trigger another RPC round trip.
	assert.Equal(t, int32(2), atomic.LoadInt32(&reqs))
}

func TestStartBackgroundRefreshRefetchesStaleEntry(t *testing.T) {
	var reqs int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&reqs, 1)
		w.Write([]byte(`{"jsonrpc":"2.0","id":"wallet-engine","result":{"nonce":10,"permission":"FullAccess","block_height":500,"block_hash":"hash500","header":{"height":500,"hash":"hash500"}}}`))
	}))
	defer srv.Close()

	var mu sync.Mutex
	now := time.Now()
	mgr := noncemgr.New(nearrpc.New(srv.URL), noncemgr.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := mgr.GetContext(ctx, "alice.testnet", "ed25519:abc", false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&reqs))

	mgr.StartBackgroundRefresh(ctx)

	// Advance the clock past half of NonceFreshness so the cached entry
	// is due for a background refresh, then give the ticker time to fire.
	mu.Lock()
	now = now.Add(noncemgr.NonceFreshness/2 + time.Second)
	mu.Unlock()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&reqs) >= 4
	}, 2*time.Second, 20*time.Millisecond, "background refresh never refetched the stale entry")
}

type fakeStore struct {
	mu        sync.Mutex
	saved     map[uint64]struct{}
	saveCalls int
}

func (s *fakeStore) LoadReserved(ctx context.Context, accountID, publicKey string) (map[uint64]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]struct{}, len(s.saved))
	for k := range s.saved {
		out[k] = struct{}{}
	}
	return out, nil
}

func (s *fakeStore) SaveReserved(ctx context.Context, accountID, publicKey string, reserved map[uint64]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	s.saved = reserved
	return nil
}

func TestReserveNoncesPersistsToBackingStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":"wallet-engine","result":{"nonce":10,"permission":"FullAccess","block_height":500,"block_hash":"hash500"}}`))
	}))
	defer srv.Close()

	store := &fakeStore{}
	mgr := noncemgr.New(nearrpc.New(srv.URL), noncemgr.WithBackingStore(store))
	ctx := context.Background()

	_, err := mgr.GetContext(ctx, "alice.testnet", "ed25519:abc", false)
	require.NoError(t, err)

	nonces, err := mgr.ReserveNonces(ctx, "alice.testnet", "ed25519:abc", 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{11, 12}, nonces)
	assert.Equal(t, 1, store.saveCalls)

	require.NoError(t, mgr.ReleaseNonce(ctx, "alice.testnet", "ed25519:abc", nonces[0]))
	assert.Equal(t, 2, store.saveCalls)
	_, stillReserved := store.saved[nonces[0]]
	assert.False(t, stillReserved)
}

func TestGetContextFallsBackToStaleOnFetchFailure(t *testing.T) {
	// The first GetContext issues two concurrent requests (access key and
	// block); both succeed, and every later request fails.
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.Write([]byte(`{"jsonrpc":"2.0","id":"wallet-engine","result":{"nonce":1,"permission":"FullAccess","block_height":10,"block_hash":"h10"}}`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := nearrpc.New(srv.URL)
	fixed := time.Now()
	mgr := noncemgr.New(client, noncemgr.WithClock(func() time.Time { return fixed }))

	ctx := context.Background()
	_, err := mgr.GetContext(ctx, "alice.testnet", "ed25519:abc", false)
	require.NoError(t, err)

	tc, err := mgr.GetContext(ctx, "alice.testnet", "ed25519:abc", true)
	require.Error(t, err)
	assert.Equal(t, werrors.Stale, werrors.Classify(err))
	assert.Equal(t, uint64(2), tc.NextNonce)
}
