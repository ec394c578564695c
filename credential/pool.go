package credential

import (
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Strategy selects how the pool picks among viable accounts.
type Strategy string

const (
	StrategySticky     Strategy = "sticky"
	StrategyRoundRobin Strategy = "round-robin"
)

// BackoffTiers is the escalating cooldown ladder (seconds) applied on
// consecutive 429s within BackoffResetWindow of each other.
var BackoffTiers = []int{60, 300, 1800, 7200}

// BackoffResetWindow: no 429 within this window resets the streak.
const BackoffResetWindow = 120 * time.Second

// AccountEntry is one account within a provider's pool.
type AccountEntry struct {
	Email           string
	Credentials     Credential
	AccountID       string
	Enabled         bool
	AddedAtMs       int64
	LastUsedMs      int64 // 0 = never
	RateLimits      map[string]int64 // model -> reset_at_ms
	CoolingUntilMs  int64            // 0 = not cooling
	Consecutive429s int
	Last429AtMs     int64 // 0 = none
}

type accountJSON struct {
	Email           string            `json:"email"`
	Credentials     credentialJSON    `json:"credentials"`
	AccountID       string            `json:"account_id,omitempty"`
	Enabled         bool              `json:"enabled"`
	AddedAt         int64             `json:"added_at"`
	LastUsed        int64             `json:"last_used,omitempty"`
	RateLimits      map[string]int64  `json:"rate_limits,omitempty"`
	CoolingUntil    int64             `json:"cooling_until,omitempty"`
	Consecutive429s int               `json:"consecutive_429s"`
	Last429At       int64             `json:"last_429_at,omitempty"`
}

func (a AccountEntry) toJSON() accountJSON {
	return accountJSON{
		Email: a.Email, Credentials: a.Credentials.toJSON(), AccountID: a.AccountID,
		Enabled: a.Enabled, AddedAt: a.AddedAtMs, LastUsed: a.LastUsedMs,
		RateLimits: a.RateLimits, CoolingUntil: a.CoolingUntilMs,
		Consecutive429s: a.Consecutive429s, Last429At: a.Last429AtMs,
	}
}

func accountFromJSON(d accountJSON) AccountEntry {
	rl := d.RateLimits
	if rl == nil {
		rl = make(map[string]int64)
	}
	return AccountEntry{
		Email: d.Email, Credentials: credentialFromJSON(d.Credentials), AccountID: d.AccountID,
		Enabled: d.Enabled, AddedAtMs: d.AddedAt, LastUsedMs: d.LastUsed,
		RateLimits: rl, CoolingUntilMs: d.CoolingUntil,
		Consecutive429s: d.Consecutive429s, Last429AtMs: d.Last429At,
	}
}

type providerPool struct {
	Accounts    []accountJSON `json:"accounts"`
	ActiveIndex int           `json:"active_index"`
	Strategy    string        `json:"strategy"`
}

type poolFile struct {
	Version int                     `json:"version"`
	Pools   map[string]providerPool `json:"pools"`
}

// AccountPool is the multi-account credential pool.
type AccountPool struct {
	mu   sync.Mutex
	path string
	now  func() time.Time // overridable for tests
}

// NewAccountPool returns an AccountPool rooted at <espritHome>/accounts.json.
func NewAccountPool(espritHome string) *AccountPool {
	return &AccountPool{path: filepath.Join(espritHome, "accounts.json"), now: time.Now}
}

func (p *AccountPool) nowMs() int64 {
	return p.now().UnixMilli()
}

func (p *AccountPool) load() poolFile {
	f := poolFile{Version: 1, Pools: make(map[string]providerPool)}
	readJSON(p.path, &f)
	if f.Pools == nil {
		f.Pools = make(map[string]providerPool)
	}
	return f
}

func (p *AccountPool) save(f poolFile) error {
	if f.Version == 0 {
		f.Version = 1
	}
	return writeAtomic(p.path, f)
}

func getPool(f poolFile, providerID string) providerPool {
	pool, ok := f.Pools[providerID]
	if !ok {
		pool = providerPool{Strategy: string(StrategySticky)}
	}
	if pool.Strategy == "" {
		pool.Strategy = string(StrategySticky)
	}
	return pool
}

// HasAccounts reports whether a provider has any enabled account.
func (p *AccountPool) HasAccounts(providerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pool := getPool(p.load(), providerID)
	for _, a := range pool.Accounts {
		if a.Enabled {
			return true
		}
	}
	return false
}

// AddAccount appends an account, replacing any existing entry with the
// same email.
func (p *AccountPool) AddAccount(providerID string, creds Credential, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f := p.load()
	pool := getPool(f, providerID)

	filtered := pool.Accounts[:0:0]
	for _, a := range pool.Accounts {
		if a.Email != email {
			filtered = append(filtered, a)
		}
	}
	entry := AccountEntry{
		Email: email, Credentials: creds, AccountID: creds.AccountID,
		Enabled: true, AddedAtMs: p.nowMs(), RateLimits: make(map[string]int64),
	}
	pool.Accounts = append(filtered, entry.toJSON())
	f.Pools[providerID] = pool
	return p.save(f)
}

// RemoveAccount deletes an account by email. Returns whether anything
// changed.
func (p *AccountPool) RemoveAccount(providerID, email string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f := p.load()
	pool := getPool(f, providerID)
	before := len(pool.Accounts)
	filtered := pool.Accounts[:0:0]
	for _, a := range pool.Accounts {
		if a.Email != email {
			filtered = append(filtered, a)
		}
	}
	if len(filtered) == before {
		return false, nil
	}
	pool.Accounts = filtered
	f.Pools[providerID] = pool
	return true, p.save(f)
}

// ListAccounts returns all accounts in a provider's pool.
func (p *AccountPool) ListAccounts(providerID string) []AccountEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	pool := getPool(p.load(), providerID)
	out := make([]AccountEntry, len(pool.Accounts))
	for i, a := range pool.Accounts {
		out[i] = accountFromJSON(a)
	}
	return out
}

// AccountCount returns the number of enabled accounts for a provider.
func (p *AccountPool) AccountCount(providerID string) int {
	n := 0
	for _, a := range p.ListAccounts(providerID) {
		if a.Enabled {
			n++
		}
	}
	return n
}

// clearExpiredLimits expires transient rate-limit/cooldown state in
// place. Called at the top of every read.
func clearExpiredLimits(accounts []accountJSON, nowMs int64) {
	for i := range accounts {
		a := &accounts[i]
		for model, resetAt := range a.RateLimits {
			if resetAt <= nowMs {
				delete(a.RateLimits, model)
			}
		}
		if a.CoolingUntil != 0 && a.CoolingUntil <= nowMs {
			a.CoolingUntil = 0
		}
		if a.Last429At != 0 && nowMs-a.Last429At > BackoffResetWindow.Milliseconds() {
			a.Consecutive429s = 0
		}
	}
}

type candidate struct {
	index int
	entry accountJSON
}

func selectCandidate(accounts []accountJSON, strategy Strategy, activeIndex int, model string, nowMs int64) (candidate, bool) {
	var available []candidate
	for i, a := range accounts {
		if a.Enabled && (a.CoolingUntil == 0 || a.CoolingUntil <= nowMs) {
			available = append(available, candidate{i, a})
		}
	}
	if len(available) == 0 {
		for i, a := range accounts {
			if a.Enabled {
				available = append(available, candidate{i, a})
			}
		}
		if len(available) == 0 {
			return candidate{}, false
		}
	}

	if model != "" {
		var notLimited []candidate
		for _, c := range available {
			if _, limited := c.entry.RateLimits[model]; !limited {
				notLimited = append(notLimited, c)
			}
		}
		if len(notLimited) > 0 {
			available = notLimited
		}
	}

	if strategy == StrategyRoundRobin {
		sort.SliceStable(available, func(i, j int) bool {
			iWraps := available[i].index <= activeIndex
			jWraps := available[j].index <= activeIndex
			if iWraps != jWraps {
				return !iWraps
			}
			return available[i].index < available[j].index
		})
		return available[0], true
	}

	for _, c := range available {
		if c.index == activeIndex {
			return c, true
		}
	}
	return available[0], true
}

// PeekBestAccount returns the best available account without mutating
// state (no disk write).
func (p *AccountPool) PeekBestAccount(providerID, model string) (AccountEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f := p.load()
	pool := getPool(f, providerID)
	if len(pool.Accounts) == 0 {
		return AccountEntry{}, false
	}
	nowMs := p.nowMs()
	clearExpiredLimits(pool.Accounts, nowMs)

	c, ok := selectCandidate(pool.Accounts, Strategy(pool.Strategy), pool.ActiveIndex, model, nowMs)
	if !ok {
		return AccountEntry{}, false
	}
	return accountFromJSON(c.entry), true
}

// GetBestAccount is PeekBestAccount plus: updates last_used, persists
// active_index, and writes.
func (p *AccountPool) GetBestAccount(providerID, model string) (AccountEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f := p.load()
	pool := getPool(f, providerID)
	if len(pool.Accounts) == 0 {
		return AccountEntry{}, false
	}
	nowMs := p.nowMs()
	clearExpiredLimits(pool.Accounts, nowMs)

	c, ok := selectCandidate(pool.Accounts, Strategy(pool.Strategy), pool.ActiveIndex, model, nowMs)
	if !ok {
		return AccountEntry{}, false
	}

	pool.Accounts[c.index].LastUsed = nowMs
	pool.ActiveIndex = c.index
	f.Pools[providerID] = pool
	_ = p.save(f)

	return accountFromJSON(pool.Accounts[c.index]), true
}

// MarkRateLimited records a 429 for an account/model pair and applies
// the escalating cooldown ladder.
func (p *AccountPool) MarkRateLimited(providerID, email, model string, resetSeconds float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f := p.load()
	pool := getPool(f, providerID)
	nowMs := p.nowMs()

	for i := range pool.Accounts {
		a := &pool.Accounts[i]
		if a.Email != email {
			continue
		}
		if a.RateLimits == nil {
			a.RateLimits = make(map[string]int64)
		}
		a.RateLimits[model] = nowMs + int64(resetSeconds*1000)

		if a.Last429At != 0 && nowMs-a.Last429At < BackoffResetWindow.Milliseconds() {
			a.Consecutive429s++
		} else {
			a.Consecutive429s = 1
		}
		a.Last429At = nowMs

		tier := a.Consecutive429s - 1
		if tier > len(BackoffTiers)-1 {
			tier = len(BackoffTiers) - 1
		}
		if tier < 0 {
			tier = 0
		}
		cooldown := BackoffTiers[tier]
		a.CoolingUntil = nowMs + int64(cooldown)*1000
		break
	}

	f.Pools[providerID] = pool
	return p.save(f)
}

// Rotate advances active_index to the next enabled, non-cooling,
// non-rate-limited account different from the current one. Never
// returns the currently active account.
func (p *AccountPool) Rotate(providerID, model string) (AccountEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f := p.load()
	pool := getPool(f, providerID)
	if len(pool.Accounts) <= 1 {
		return AccountEntry{}, false
	}

	current := pool.ActiveIndex
	nowMs := p.nowMs()
	clearExpiredLimits(pool.Accounts, nowMs)

	n := len(pool.Accounts)
	for offset := 1; offset < n; offset++ {
		idx := (current + offset) % n
		a := &pool.Accounts[idx]
		if !a.Enabled {
			continue
		}
		if a.CoolingUntil != 0 && a.CoolingUntil > nowMs {
			continue
		}
		if model != "" {
			if _, limited := a.RateLimits[model]; limited {
				continue
			}
		}
		pool.ActiveIndex = idx
		a.LastUsed = nowMs
		f.Pools[providerID] = pool
		_ = p.save(f)
		return accountFromJSON(*a), true
	}
	return AccountEntry{}, false
}

// UpdateCredentials replaces an account's credentials in place (e.g.
// after a token refresh).
func (p *AccountPool) UpdateCredentials(providerID, email string, creds Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f := p.load()
	pool := getPool(f, providerID)
	for i := range pool.Accounts {
		if pool.Accounts[i].Email == email {
			pool.Accounts[i].Credentials = creds.toJSON()
			break
		}
	}
	f.Pools[providerID] = pool
	return p.save(f)
}

// SetStrategy sets a provider pool's rotation strategy.
func (p *AccountPool) SetStrategy(providerID string, strategy Strategy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.load()
	pool := getPool(f, providerID)
	pool.Strategy = string(strategy)
	f.Pools[providerID] = pool
	return p.save(f)
}
