// Package noncemgr implements the per-account Nonce & Tx Context Manager
// described in spec.md §4.D: a freshness-windowed cache of
// {accessKeyInfo, nextNonce, txBlockHeight, txBlockHash} plus a set of
// in-flight nonce reservations, with coalesced background refresh and
// post-broadcast reconciliation against the chain.
//
// The teacher has no direct analog to this component; its shape is built
// from infrastructure/resilience/retry.go's backoff idiom and
// infrastructure/ratelimit's single-flight coalescing convention, composed
// around the invariants spec.md §4.D names.
package noncemgr

import (
	"context"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/near-examples/passkey-wallet-engine/pkg/logging"
	"github.com/near-examples/passkey-wallet-engine/pkg/nearrpc"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

const (
	// NonceFreshness is how long a cached access-key nonce may be reused
	// without a fresh viewAccessKey call.
	NonceFreshness = 20 * time.Second
	// BlockFreshness is how long a cached block height/hash may be reused.
	BlockFreshness = 10 * time.Second
	// IdlePrefetchDebounce is the UI hover/focus debounce window for
	// speculative prefetch, per spec.md §4.D.
	IdlePrefetchDebounce = 150 * time.Millisecond

	// backgroundRefreshPollInterval is how often StartBackgroundRefresh
	// scans the cache for entries past half their freshness window. It is
	// independent of NonceFreshness/BlockFreshness themselves: a shorter
	// poll just notices staleness sooner, it doesn't change what counts
	// as stale.
	backgroundRefreshPollInterval = 1 * time.Second

	defaultCacheSize = 4096
)

// TxContext is the snapshot GetContext returns: a nonce to build on and the
// block info needed for the transaction's block_hash field.
type TxContext struct {
	NextNonce   uint64
	BlockHeight uint64
	BlockHash   string
}

// accountKey identifies one (account, public key) nonce series.
type accountKey struct {
	accountID string
	publicKey string
}

type accountState struct {
	mu sync.Mutex

	nonceFetchedAt uint64 // unix nano; 0 means never fetched
	blockFetchedAt uint64

	nextNonce    uint64
	lastReserved uint64
	blockHeight  uint64
	blockHash    string

	reserved      map[uint64]struct{}
	storeHydrated bool

	inFlight bool
	waiters  []chan fetchOutcome

	prefetchTimer *time.Timer
}

type fetchOutcome struct {
	ctx TxContext
	err error
}

// BackingStore is an optional shared cache behind the in-memory per-process
// state, letting multiple relay worker processes observe the same reserved
// nonces. No implementation ships in this package; any shared store (for
// example one backed by Redis) can satisfy it.
type BackingStore interface {
	LoadReserved(ctx context.Context, accountID, publicKey string) (map[uint64]struct{}, error)
	SaveReserved(ctx context.Context, accountID, publicKey string, reserved map[uint64]struct{}) error
}

// Manager is the process-wide nonce manager; callers obtain one per relay
// worker or per wallet-engine instance and share it across requests for the
// same user.
type Manager struct {
	rpc    *nearrpc.Client
	cache  *lru.Cache[accountKey, *accountState]
	store  BackingStore
	logger *logging.Logger

	driftCounter prometheus.Counter
	staleCounter prometheus.Counter

	clock func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithBackingStore attaches an optional shared reservation store.
func WithBackingStore(s BackingStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithLogger overrides the default logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// New builds a Manager bound to an RPC client.
func New(rpc *nearrpc.Client, opts ...Option) *Manager {
	cache, _ := lru.New[accountKey, *accountState](defaultCacheSize)
	m := &Manager{
		rpc:    rpc,
		cache:  cache,
		logger: logging.Default(),
		clock:  time.Now,
		driftCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wallet_nonce_chain_drift_total",
			Help: "Count of updateNonceFromBlockchain calls where the chain nonce plus one fell below the cached next nonce.",
		}),
		staleCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wallet_nonce_context_stale_served_total",
			Help: "Count of GetContext calls served from a cache entry reported as Stale.",
		}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Collectors exposes the Manager's Prometheus collectors for registration.
func (m *Manager) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.driftCounter, m.staleCounter}
}

func (m *Manager) state(key accountKey) *accountState {
	if s, ok := m.cache.Get(key); ok {
		return s
	}
	s := &accountState{reserved: make(map[uint64]struct{})}
	m.cache.Add(key, s)
	return s
}

func (m *Manager) now() time.Time { return m.clock() }

// GetContext returns the current nonce/block context for (accountID,
// publicKey), refetching whichever half is stale. force bypasses both
// freshness windows. Per spec.md §4.D, a fetch failure degrades to Stale
// rather than blocking the caller when a known-good prior context exists.
func (m *Manager) GetContext(ctx context.Context, accountID, publicKey string, force bool) (TxContext, error) {
	key := accountKey{accountID: accountID, publicKey: publicKey}
	st := m.state(key)
	m.hydrateReservedFromStore(ctx, accountID, publicKey, st)

	st.mu.Lock()
	nonceFresh := !force && st.nonceFetchedAt != 0 && m.now().Sub(unixNano(st.nonceFetchedAt)) < NonceFreshness
	blockFresh := !force && st.blockFetchedAt != 0 && m.now().Sub(unixNano(st.blockFetchedAt)) < BlockFreshness
	if nonceFresh && blockFresh {
		out := TxContext{NextNonce: st.nextNonce, BlockHeight: st.blockHeight, BlockHash: st.blockHash}
		st.mu.Unlock()
		return out, nil
	}

	if st.inFlight {
		wait := make(chan fetchOutcome, 1)
		st.waiters = append(st.waiters, wait)
		st.mu.Unlock()
		select {
		case out := <-wait:
			return out.ctx, out.err
		case <-ctx.Done():
			return TxContext{}, werrors.Wrap(werrors.RpcTransient, "context cancelled awaiting nonce refresh", ctx.Err())
		}
	}
	st.inFlight = true
	st.mu.Unlock()

	out, err := m.fetch(ctx, key, st)

	st.mu.Lock()
	waiters := st.waiters
	st.waiters = nil
	st.inFlight = false
	st.mu.Unlock()
	for _, w := range waiters {
		w <- fetchOutcome{ctx: out, err: err}
	}

	if err != nil {
		// Degrade to a prior known-good context when one exists, per
		// spec.md §4.D: callers tolerating Stale can proceed.
		st.mu.Lock()
		hadPrior := st.nonceFetchedAt != 0 && st.blockFetchedAt != 0
		prior := TxContext{NextNonce: st.nextNonce, BlockHeight: st.blockHeight, BlockHash: st.blockHash}
		st.mu.Unlock()
		if hadPrior {
			m.staleCounter.Inc()
			m.logger.LogNonceReservation(ctx, accountID, nil, "stale-fallback")
			return prior, werrors.Wrap(werrors.Stale, "serving stale nonce context after refresh failure", err)
		}
		return TxContext{}, err
	}
	return out, nil
}

func (m *Manager) fetch(ctx context.Context, key accountKey, st *accountState) (TxContext, error) {
	type akResult struct {
		view nearrpc.AccessKeyView
		err  error
	}
	type blkResult struct {
		view nearrpc.BlockView
		err  error
	}
	akCh := make(chan akResult, 1)
	blkCh := make(chan blkResult, 1)

	go func() {
		v, err := m.rpc.ViewAccessKey(ctx, key.accountID, key.publicKey, nearrpc.FinalityOptimistic)
		akCh <- akResult{view: v, err: err}
	}()
	go func() {
		v, err := m.rpc.ViewBlock(ctx, nearrpc.FinalityFinal, "")
		blkCh <- blkResult{view: v, err: err}
	}()

	ak := <-akCh
	blk := <-blkCh
	if ak.err != nil {
		return TxContext{}, ak.err
	}
	if blk.err != nil {
		return TxContext{}, blk.err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	now := uint64(m.now().UnixNano())
	st.nonceFetchedAt = now
	st.blockFetchedAt = now
	if ak.view.Nonce+1 > st.nextNonce {
		st.nextNonce = ak.view.Nonce + 1
	}
	st.blockHeight = blk.view.Height
	st.blockHash = blk.view.Hash

	return TxContext{NextNonce: st.nextNonce, BlockHeight: st.blockHeight, BlockHash: st.blockHash}, nil
}

// PrefetchIdle debounces a speculative GetContext for (accountID, publicKey),
// per spec.md §4.D's UI hover/focus idle prefetch: repeated calls within
// IdlePrefetchDebounce of each other collapse into a single fetch fired
// after the quiet period elapses. The fetch runs in the background; its
// result simply lands in the cache for the next real GetContext to find, so
// failures are logged rather than returned.
func (m *Manager) PrefetchIdle(ctx context.Context, accountID, publicKey string) {
	key := accountKey{accountID: accountID, publicKey: publicKey}
	st := m.state(key)

	st.mu.Lock()
	if st.prefetchTimer != nil {
		st.prefetchTimer.Stop()
	}
	st.prefetchTimer = time.AfterFunc(IdlePrefetchDebounce, func() {
		if _, err := m.GetContext(ctx, accountID, publicKey, false); err != nil {
			m.logger.LogNonceReservation(ctx, accountID, nil, "idle-prefetch-failed")
		}
	})
	st.mu.Unlock()
}

// StartBackgroundRefresh runs until ctx is done, periodically refreshing any
// cached account whose nonce or block half-life has elapsed with no fetch
// already in flight, per spec.md §4.D's background refresh timer. Each
// cached entry's own fetch timestamps decide whether it's due; the poll
// cadence itself only bounds how quickly that gets noticed.
func (m *Manager) StartBackgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(backgroundRefreshPollInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshStaleEntries(ctx)
			}
		}
	}()
}

func (m *Manager) refreshStaleEntries(ctx context.Context) {
	for _, key := range m.cache.Keys() {
		st, ok := m.cache.Peek(key)
		if !ok {
			continue
		}
		st.mu.Lock()
		now := m.now()
		nonceStale := st.nonceFetchedAt != 0 && now.Sub(unixNano(st.nonceFetchedAt)) >= NonceFreshness/2
		blockStale := st.blockFetchedAt != 0 && now.Sub(unixNano(st.blockFetchedAt)) >= BlockFreshness/2
		due := (nonceStale || blockStale) && !st.inFlight
		st.mu.Unlock()
		if !due {
			continue
		}
		accountID, publicKey := key.accountID, key.publicKey
		go func() {
			if _, err := m.GetContext(ctx, accountID, publicKey, false); err != nil {
				m.logger.LogNonceReservation(ctx, accountID, nil, "background-refresh-failed")
			}
		}()
	}
}

// CurrentBlock returns the latest final block's height and hash with no
// account context, for flows (e.g. registration) that need a fresh block
// to bind a VRF challenge to but have no access key to look up yet.
func (m *Manager) CurrentBlock(ctx context.Context) (uint64, string, error) {
	view, err := m.rpc.ViewBlock(ctx, nearrpc.FinalityFinal, "")
	if err != nil {
		return 0, "", err
	}
	return view.Height, view.Hash, nil
}

// ReserveNonces atomically allocates n successive nonces starting at
// max(nextNonce, lastReserved+1), per spec.md §4.D. When a BackingStore
// is configured, the grown reservation set is persisted so a second relay
// worker process sharing the same account observes it.
func (m *Manager) ReserveNonces(ctx context.Context, accountID, publicKey string, n int) ([]uint64, error) {
	if n <= 0 {
		return nil, werrors.New(werrors.InvalidInput, "reserve count must be positive")
	}
	key := accountKey{accountID: accountID, publicKey: publicKey}
	st := m.state(key)

	st.mu.Lock()
	start := st.nextNonce
	if st.lastReserved+1 > start {
		start = st.lastReserved + 1
	}
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		candidate := start + uint64(i)
		if _, taken := st.reserved[candidate]; taken {
			st.mu.Unlock()
			return nil, werrors.New(werrors.NonceConflict, "nonce already reserved")
		}
		out[i] = candidate
	}
	for _, v := range out {
		st.reserved[v] = struct{}{}
	}
	st.lastReserved = out[n-1]
	snapshot := cloneReserved(st.reserved)
	st.mu.Unlock()

	if err := m.saveReserved(ctx, accountID, publicKey, snapshot); err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseNonce removes a single in-flight reservation, e.g. on user
// cancellation or a terminal error in the confirm flow.
func (m *Manager) ReleaseNonce(ctx context.Context, accountID, publicKey string, nonce uint64) error {
	key := accountKey{accountID: accountID, publicKey: publicKey}
	st := m.state(key)
	st.mu.Lock()
	delete(st.reserved, nonce)
	snapshot := cloneReserved(st.reserved)
	st.mu.Unlock()
	return m.saveReserved(ctx, accountID, publicKey, snapshot)
}

// ReleaseAllNonces clears every in-flight reservation for an account,
// e.g. when the confirm flow is cancelled or errors before signing.
func (m *Manager) ReleaseAllNonces(ctx context.Context, accountID, publicKey string) error {
	key := accountKey{accountID: accountID, publicKey: publicKey}
	st := m.state(key)
	st.mu.Lock()
	st.reserved = make(map[uint64]struct{})
	st.mu.Unlock()
	return m.saveReserved(ctx, accountID, publicKey, map[uint64]struct{}{})
}

func (m *Manager) saveReserved(ctx context.Context, accountID, publicKey string, reserved map[uint64]struct{}) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveReserved(ctx, accountID, publicKey, reserved); err != nil {
		return werrors.Wrap(werrors.RpcTransient, "persist reserved nonce set to backing store", err)
	}
	return nil
}

// hydrateReservedFromStore seeds st.reserved from the shared BackingStore
// the first time this process observes (accountID, publicKey), so a
// reservation made by a different relay worker process is honored here
// too. Best-effort: a load failure is logged, not propagated, since a
// cold cache falling back to chain-derived nonces is still correct, just
// more likely to collide under concurrent relay workers.
func (m *Manager) hydrateReservedFromStore(ctx context.Context, accountID, publicKey string, st *accountState) {
	if m.store == nil {
		return
	}
	st.mu.Lock()
	hydrated := st.storeHydrated
	st.mu.Unlock()
	if hydrated {
		return
	}
	loaded, err := m.store.LoadReserved(ctx, accountID, publicKey)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.storeHydrated = true
	if err != nil {
		m.logger.LogNonceReservation(ctx, accountID, nil, "backing-store-load-failed")
		return
	}
	for nonce := range loaded {
		st.reserved[nonce] = struct{}{}
		if nonce+1 > st.lastReserved {
			st.lastReserved = nonce
		}
	}
}

func cloneReserved(reserved map[uint64]struct{}) map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(reserved))
	for k := range reserved {
		out[k] = struct{}{}
	}
	return out
}

// UpdateNonceFromBlockchain reconciles local state with the chain after a
// broadcast, per spec.md §4.D: rereads the access key, advances nextNonce
// past both the chain and any still-reserved values, and prunes
// reservations the chain has already consumed. A chain nonce trailing the
// locally observed value is tolerated (logged, counted) rather than
// treated as an error, since the RPC node may be behind.
func (m *Manager) UpdateNonceFromBlockchain(ctx context.Context, accountID, publicKey string) error {
	key := accountKey{accountID: accountID, publicKey: publicKey}
	st := m.state(key)

	view, err := m.rpc.ViewAccessKey(ctx, accountID, publicKey, nearrpc.FinalityOptimistic)
	if err != nil {
		return err
	}
	chainNonce := view.Nonce

	st.mu.Lock()

	if chainNonce+1 < st.nextNonce {
		m.driftCounter.Inc()
		m.logger.LogNonceReservation(ctx, accountID, []string{formatUint64(chainNonce)}, "chain-behind")
	}

	next := chainNonce + 1
	if st.nextNonce > next {
		next = st.nextNonce
	}
	if st.lastReserved+1 > next {
		next = st.lastReserved + 1
	}
	st.nextNonce = next

	for reserved := range st.reserved {
		if reserved <= chainNonce {
			delete(st.reserved, reserved)
		}
	}
	snapshot := cloneReserved(st.reserved)
	st.mu.Unlock()

	return m.saveReserved(ctx, accountID, publicKey, snapshot)
}

func unixNano(n uint64) time.Time {
	return time.Unix(0, int64(n))
}

func formatUint64(v uint64) string {
	return strconv.FormatUint(v, 10)
}
