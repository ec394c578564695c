package provider

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/improdead/esprit/credential"
)

// refreshLeadTime is how far ahead of expiry a credential is refreshed.
const refreshLeadTime = 2 * time.Minute

// Refresher periodically scans the credential store and account pool for
// OAuth credentials nearing expiry and refreshes them proactively.
type Refresher struct {
	registry *Registry
	store    *credential.Store
	pool     *credential.AccountPool
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRefresher builds a Refresher. pool may be nil when account pooling
// isn't configured for any family.
func NewRefresher(registry *Registry, store *credential.Store, pool *credential.AccountPool, interval time.Duration, logger zerolog.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{
		registry: registry,
		store:    store,
		pool:     pool,
		interval: interval,
		logger:   logger.With().Str("component", "provider.refresher").Logger(),
	}
}

// Start launches the poll loop in a background goroutine. Calling Start
// twice without an intervening Stop is a no-op.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.sweep(runCtx)
			}
		}
	}()
}

// Stop cancels the poll loop and waits for it to exit.
func (r *Refresher) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Refresher) sweep(ctx context.Context) {
	for _, family := range r.registry.List() {
		adapter, ok := r.registry.Get(family)
		if !ok {
			continue
		}
		r.sweepStore(ctx, family, adapter)
		r.sweepPool(ctx, family, adapter)
	}
}

func (r *Refresher) sweepStore(ctx context.Context, family Family, adapter Adapter) {
	creds, ok := r.store.Get(string(family))
	if !ok || creds.Type != credential.TypeOAuth || creds.RefreshToken == "" {
		return
	}
	if !nearExpiry(creds.ExpiresAtMs) {
		return
	}
	refreshed, err := adapter.RefreshToken(ctx, creds)
	if err != nil {
		r.logger.Warn().Err(err).Str("family", string(family)).Msg("proactive token refresh failed")
		return
	}
	if err := r.store.Set(string(family), refreshed); err != nil {
		r.logger.Warn().Err(err).Str("family", string(family)).Msg("persisting refreshed credential failed")
		return
	}
	r.logger.Info().Str("family", string(family)).Msg("refreshed credential ahead of expiry")
}

func (r *Refresher) sweepPool(ctx context.Context, family Family, adapter Adapter) {
	if r.pool == nil {
		return
	}
	for _, acct := range r.pool.ListAccounts(string(family)) {
		if acct.Credentials.Type != credential.TypeOAuth || acct.Credentials.RefreshToken == "" {
			continue
		}
		if !nearExpiry(acct.Credentials.ExpiresAtMs) {
			continue
		}
		refreshed, err := adapter.RefreshToken(ctx, acct.Credentials)
		if err != nil {
			r.logger.Warn().Err(err).Str("family", string(family)).Str("account", acct.Email).Msg("proactive pooled token refresh failed")
			continue
		}
		if err := r.pool.UpdateCredentials(string(family), acct.Email, refreshed); err != nil {
			r.logger.Warn().Err(err).Str("family", string(family)).Str("account", acct.Email).Msg("persisting refreshed pooled credential failed")
			continue
		}
		r.logger.Info().Str("family", string(family)).Str("account", acct.Email).Msg("refreshed pooled credential ahead of expiry")
	}
}

func nearExpiry(expiresAtMs int64) bool {
	if expiresAtMs == 0 {
		return false
	}
	deadline := time.UnixMilli(expiresAtMs)
	return time.Until(deadline) <= refreshLeadTime
}
