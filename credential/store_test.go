package credential

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStoreGetSetDelete(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	if _, ok := s.Get("anthropic"); ok {
		t.Fatal("expected no credential before Set")
	}
	if s.HasCredentials("anthropic") {
		t.Fatal("HasCredentials should be false before Set")
	}

	cred := Credential{Type: TypeOAuth, AccessToken: "a1", RefreshToken: "r1", ExpiresAtMs: 999}
	if err := s.Set("anthropic", cred); err != nil {
		t.Fatal(err)
	}

	got, ok := s.Get("anthropic")
	if !ok {
		t.Fatal("expected a credential after Set")
	}
	if got.Type != cred.Type || got.AccessToken != cred.AccessToken ||
		got.RefreshToken != cred.RefreshToken || got.ExpiresAtMs != cred.ExpiresAtMs {
		t.Errorf("Get = %+v, want %+v", got, cred)
	}
	if !s.HasCredentials("anthropic") {
		t.Error("HasCredentials should be true after Set")
	}

	if err := s.Delete("anthropic"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get("anthropic"); ok {
		t.Error("expected no credential after Delete")
	}
}

func TestStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	s1 := NewStore(dir)
	cred := Credential{Type: TypeAPI, AccessToken: "sk-test-key"}
	if err := s1.Set("openai", cred); err != nil {
		t.Fatal(err)
	}

	s2 := NewStore(dir)
	got, ok := s2.Get("openai")
	if !ok {
		t.Fatal("expected credential to survive across Store instances")
	}
	if got.Type != cred.Type || got.AccessToken != cred.AccessToken {
		t.Errorf("reloaded credential = %+v, want %+v", got, cred)
	}
}

func TestStoreFilePermissions(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := s.Set("openai", Credential{Type: TypeAPI, AccessToken: "k"}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(dir, "credentials.json"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		t.Errorf("credentials.json perms = %v, want no group/other bits", info.Mode().Perm())
	}
}

func TestStoreDeleteMissingIsNoop(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := s.Delete("nonexistent"); err != nil {
		t.Errorf("Delete on missing provider should be a no-op, got err: %v", err)
	}
}
