package credential

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func apiCred(key string) Credential {
	return Credential{Type: TypeAPI, AccessToken: key}
}

func newTestPool(t *testing.T) (*AccountPool, *time.Time) {
	t.Helper()
	dir := t.TempDir()
	p := NewAccountPool(dir)
	clock := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return clock }
	return p, &clock
}

func TestAddListRemoveAccount(t *testing.T) {
	p, _ := newTestPool(t)

	if err := p.AddAccount("openai", apiCred("k1"), "a@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := p.AddAccount("openai", apiCred("k2"), "b@example.com"); err != nil {
		t.Fatal(err)
	}
	if n := p.AccountCount("openai"); n != 2 {
		t.Fatalf("AccountCount = %d, want 2", n)
	}

	// Re-adding the same email replaces, not appends.
	if err := p.AddAccount("openai", apiCred("k1-new"), "a@example.com"); err != nil {
		t.Fatal(err)
	}
	if n := p.AccountCount("openai"); n != 2 {
		t.Fatalf("AccountCount after replace = %d, want 2", n)
	}

	removed, err := p.RemoveAccount("openai", "a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Error("expected RemoveAccount to report a change")
	}
	if n := p.AccountCount("openai"); n != 1 {
		t.Fatalf("AccountCount after remove = %d, want 1", n)
	}
}

func TestGetBestAccountStickyDefault(t *testing.T) {
	p, _ := newTestPool(t)
	_ = p.AddAccount("openai", apiCred("k1"), "a@example.com")
	_ = p.AddAccount("openai", apiCred("k2"), "b@example.com")

	first, ok := p.GetBestAccount("openai", "gpt-5")
	if !ok {
		t.Fatal("expected an account")
	}
	second, ok := p.GetBestAccount("openai", "gpt-5")
	if !ok {
		t.Fatal("expected an account")
	}
	if first.Email != second.Email {
		t.Errorf("sticky strategy should repeat the same account: got %s then %s", first.Email, second.Email)
	}
}

func TestMarkRateLimitedRotatesAwayFromAccount(t *testing.T) {
	p, _ := newTestPool(t)
	_ = p.AddAccount("openai", apiCred("k1"), "a@example.com")
	_ = p.AddAccount("openai", apiCred("k2"), "b@example.com")

	best, _ := p.GetBestAccount("openai", "gpt-5")
	if err := p.MarkRateLimited("openai", best.Email, "gpt-5", 60); err != nil {
		t.Fatal(err)
	}

	next, ok := p.GetBestAccount("openai", "gpt-5")
	if !ok {
		t.Fatal("expected an account still available")
	}
	if next.Email == best.Email {
		t.Errorf("expected GetBestAccount to avoid the rate-limited account, got %s again", best.Email)
	}
}

func TestEscalatingBackoffTiers(t *testing.T) {
	p, clock := newTestPool(t)
	_ = p.AddAccount("openai", apiCred("k1"), "a@example.com")

	for i, wantCooldown := range BackoffTiers {
		if err := p.MarkRateLimited("openai", "a@example.com", "gpt-5", 1); err != nil {
			t.Fatal(err)
		}
		accs := p.ListAccounts("openai")
		got := accs[0].CoolingUntilMs - clock.UnixMilli()
		wantMs := int64(wantCooldown) * 1000
		if got != wantMs {
			t.Errorf("tier %d: cooldown = %dms, want %dms", i, got, wantMs)
		}
	}

	// A 5th consecutive 429 stays on the last (highest) tier, it does
	// not escalate further or wrap around.
	if err := p.MarkRateLimited("openai", "a@example.com", "gpt-5", 1); err != nil {
		t.Fatal(err)
	}
	accs := p.ListAccounts("openai")
	got := accs[0].CoolingUntilMs - clock.UnixMilli()
	wantMs := int64(BackoffTiers[len(BackoffTiers)-1]) * 1000
	if got != wantMs {
		t.Errorf("tier overflow: cooldown = %dms, want capped at %dms", got, wantMs)
	}
}

func TestBackoffResetsAfterQuietWindow(t *testing.T) {
	p, clock := newTestPool(t)
	_ = p.AddAccount("openai", apiCred("k1"), "a@example.com")

	_ = p.MarkRateLimited("openai", "a@example.com", "gpt-5", 1)
	_ = p.MarkRateLimited("openai", "a@example.com", "gpt-5", 1)
	accs := p.ListAccounts("openai")
	if accs[0].Consecutive429s != 2 {
		t.Fatalf("Consecutive429s = %d, want 2", accs[0].Consecutive429s)
	}

	*clock = clock.Add(BackoffResetWindow + time.Second)
	if err := p.MarkRateLimited("openai", "a@example.com", "gpt-5", 1); err != nil {
		t.Fatal(err)
	}
	accs = p.ListAccounts("openai")
	if accs[0].Consecutive429s != 1 {
		t.Errorf("Consecutive429s after quiet window = %d, want reset to 1", accs[0].Consecutive429s)
	}
	wantMs := int64(BackoffTiers[0]) * 1000
	if got := accs[0].CoolingUntilMs - clock.UnixMilli(); got != wantMs {
		t.Errorf("cooldown after reset = %dms, want tier-0 %dms", got, wantMs)
	}
}

func TestRotateAlwaysProgressesAndSkipsCoolingAccounts(t *testing.T) {
	p, _ := newTestPool(t)
	_ = p.AddAccount("openai", apiCred("k1"), "a@example.com")
	_ = p.AddAccount("openai", apiCred("k2"), "b@example.com")
	_ = p.AddAccount("openai", apiCred("k3"), "c@example.com")

	first, _ := p.GetBestAccount("openai", "")
	rotated, ok := p.Rotate("openai", "")
	if !ok {
		t.Fatal("expected Rotate to find another account")
	}
	if rotated.Email == first.Email {
		t.Error("Rotate must never return the currently active account")
	}

	if err := p.MarkRateLimited("openai", rotated.Email, "", 600); err != nil {
		t.Fatal(err)
	}
	next, ok := p.Rotate("openai", "")
	if !ok {
		t.Fatal("expected Rotate to skip the cooling account and find a third")
	}
	if next.Email == rotated.Email {
		t.Error("Rotate must skip an account that is still cooling down")
	}
}

func TestRotateSingleAccountPoolFails(t *testing.T) {
	p, _ := newTestPool(t)
	_ = p.AddAccount("openai", apiCred("only"), "solo@example.com")
	if _, ok := p.Rotate("openai", ""); ok {
		t.Error("Rotate on a single-account pool should report no alternative")
	}
}

func TestUpdateCredentialsPersists(t *testing.T) {
	p, _ := newTestPool(t)
	_ = p.AddAccount("openai", apiCred("old"), "a@example.com")

	refreshed := Credential{Type: TypeOAuth, AccessToken: "new-access", RefreshToken: "r1", ExpiresAtMs: 123}
	if err := p.UpdateCredentials("openai", "a@example.com", refreshed); err != nil {
		t.Fatal(err)
	}

	accs := p.ListAccounts("openai")
	if accs[0].Credentials.AccessToken != "new-access" {
		t.Errorf("UpdateCredentials did not persist new access token: got %+v", accs[0].Credentials)
	}
}

func TestPeekBestAccountDoesNotMutateLastUsed(t *testing.T) {
	p, _ := newTestPool(t)
	_ = p.AddAccount("openai", apiCred("k1"), "a@example.com")

	peeked, ok := p.PeekBestAccount("openai", "")
	if !ok {
		t.Fatal("expected an account")
	}
	if peeked.LastUsedMs != 0 {
		t.Errorf("PeekBestAccount should not touch last_used, got %d", peeked.LastUsedMs)
	}
	accs := p.ListAccounts("openai")
	if accs[0].LastUsedMs != 0 {
		t.Errorf("PeekBestAccount must not persist any mutation, LastUsedMs = %d", accs[0].LastUsedMs)
	}
}

func TestAccountPoolFilePermissions(t *testing.T) {
	dir := t.TempDir()
	p := NewAccountPool(dir)
	if err := p.AddAccount("openai", apiCred("k1"), "a@example.com"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(dir, "accounts.json"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		t.Errorf("accounts.json permissions = %v, want no group/other bits", info.Mode().Perm())
	}
	// Reload from a fresh instance to confirm the write round-trips.
	p2 := NewAccountPool(dir)
	if n := p2.AccountCount("openai"); n != 1 {
		t.Errorf("reloaded AccountCount = %d, want 1", n)
	}
}
