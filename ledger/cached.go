package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// CacheConfig controls the refresh cadence of Cached.
type CacheConfig struct {
	RefreshInterval time.Duration // background refresh cadence
	MaxStaleness    time.Duration // oldest TakenAt still served
	FetchTimeout    time.Duration // upper bound on one upstream call
}

// DefaultCacheConfig refreshes every 5s and serves data up to 30s old.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		RefreshInterval: 5 * time.Second,
		MaxStaleness:    30 * time.Second,
		FetchTimeout:    2 * time.Second,
	}
}

// Cached wraps a Provider with a snapshot cache refreshed on a fixed cadence
// and a circuit breaker. Validation reads the cache; it only goes upstream
// when the cached snapshot is missing or stale.
type Cached struct {
	src     Provider
	cfg     CacheConfig
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	snaps    map[string]Snapshot
	accounts map[string]struct{}
}

func NewCached(src Provider, cfg CacheConfig, log zerolog.Logger) *Cached {
	def := DefaultCacheConfig()
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = def.MaxStaleness
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}

	st := gobreaker.Settings{Name: "ledger"}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("ledger breaker state change")
	}

	return &Cached{
		src:      src,
		cfg:      cfg,
		breaker:  gobreaker.NewCircuitBreaker(st),
		log:      log,
		now:      time.Now,
		snaps:    make(map[string]Snapshot),
		accounts: make(map[string]struct{}),
	}
}

// Watch registers accounts for background refresh. An account read
// through Snapshot is added once a fetch for it succeeds, so unknown
// accounts never join the refresh loop.
func (c *Cached) Watch(accounts ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range accounts {
		c.accounts[a] = struct{}{}
	}
}

// Accounts lists watched accounts in sorted order.
func (c *Cached) Accounts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.accounts))
	for a := range c.accounts {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns the cached snapshot if fresh, otherwise fetches one.
func (c *Cached) Snapshot(ctx context.Context, account string) (Snapshot, error) {
	c.mu.RLock()
	sn, ok := c.snaps[account]
	c.mu.RUnlock()
	if ok && c.fresh(sn) {
		return sn, nil
	}
	return c.fetch(ctx, account)
}

// Refresh re-fetches every watched account. The first error is returned
// after all accounts were attempted.
func (c *Cached) Refresh(ctx context.Context) error {
	var first error
	for _, a := range c.Accounts() {
		if _, err := c.fetch(ctx, a); err != nil {
			c.log.Warn().Err(err).Str("account", a).Msg("ledger refresh failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Run refreshes on the configured cadence until ctx is done.
func (c *Cached) Run(ctx context.Context) error {
	t := time.NewTicker(c.cfg.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			_ = c.Refresh(ctx)
		}
	}
}

func (c *Cached) fresh(sn Snapshot) bool {
	return c.now().Sub(sn.TakenAt) <= c.cfg.MaxStaleness
}

type fetchResult struct {
	sn  Snapshot
	err error
}

func (c *Cached) fetch(ctx context.Context, account string) (Snapshot, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
		defer cancel()

		// The upstream may ignore ctx; never wait past the timeout.
		ch := make(chan fetchResult, 1)
		go func() {
			sn, err := c.src.Snapshot(cctx, account)
			ch <- fetchResult{sn, err}
		}()

		select {
		case <-cctx.Done():
			return nil, cctx.Err()
		case r := <-ch:
			if r.err != nil {
				return nil, r.err
			}
			if err := r.sn.Validate(); err != nil {
				return nil, err
			}
			return r.sn, nil
		}
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("account %q: %w: %v", account, ErrDataUnavailable, err)
	}

	sn := v.(Snapshot)
	if !c.fresh(sn) {
		return Snapshot{}, fmt.Errorf("account %q: %w: snapshot taken %s is stale", account, ErrDataUnavailable, sn.TakenAt.Format(time.RFC3339))
	}

	c.mu.Lock()
	c.snaps[account] = sn
	c.accounts[account] = struct{}{}
	c.mu.Unlock()
	return sn, nil
}

// BreakerState exposes the breaker state for health reporting.
func (c *Cached) BreakerState() string {
	return c.breaker.State().String()
}
