package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNew_EmptyTokenIsInvalid(t *testing.T) {
	s := New("")
	if s.Valid() {
		t.Error("session without token should be invalid")
	}

	s = New("abc")
	if !s.Valid() {
		t.Error("session with token should be valid")
	}
}

func TestToken_BearerPrefix(t *testing.T) {
	s := New("jwt-value")
	token, gen := s.Token()
	if token != "Bearer jwt-value" {
		t.Errorf("token = %q, want Bearer prefix added", token)
	}
	if gen != 1 {
		t.Errorf("gen = %d, want 1", gen)
	}

	// Existing prefix is kept as-is
	s = New("Bearer already")
	token, _ = s.Token()
	if token != "Bearer already" {
		t.Errorf("token = %q, prefix should not be doubled", token)
	}
}

func TestMarkExpired_FirstEscalatorWins(t *testing.T) {
	s := New("t1")
	_, gen := s.Token()

	if !s.MarkExpired(gen) {
		t.Fatal("first 401 should report the valid->expired transition")
	}
	if s.MarkExpired(gen) {
		t.Error("second 401 with the same gen should be a no-op")
	}
	if s.Valid() {
		t.Error("session should be invalid after MarkExpired")
	}
}

func TestMarkExpired_StaleGenerationIgnored(t *testing.T) {
	s := New("t1")
	_, staleGen := s.Token()

	// Токен обновился, пока старый вызов висел в полёте.
	s.Refresh("t2")

	// 401 от старого поколения не должен инвалидировать свежий токен
	if s.MarkExpired(staleGen) {
		t.Error("stale 401 must not invalidate a fresh token")
	}
	if !s.Valid() {
		t.Error("session should still be valid")
	}
}

func TestRefresh_BumpsGeneration(t *testing.T) {
	s := New("t1")
	_, gen1 := s.Token()

	s.Refresh("t2")
	token, gen2 := s.Token()

	if token != "Bearer t2" {
		t.Errorf("token = %q, want refreshed token", token)
	}
	if gen2 <= gen1 {
		t.Errorf("generation did not increase: %d -> %d", gen1, gen2)
	}
}

func TestWaitValid_WakesOnRefresh(t *testing.T) {
	s := New("t1")
	_, gen := s.Token()
	s.MarkExpired(gen)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- s.WaitValid(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	s.Refresh("t2")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitValid: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitValid did not wake after Refresh")
	}
}

func TestWaitValid_ContextCancel(t *testing.T) {
	s := New("t1")
	_, gen := s.Token()
	s.MarkExpired(gen)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.WaitValid(ctx); err == nil {
		t.Error("expected context error")
	}
}

// --- ReloadFromFile Tests ---

func TestReloadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.env")
	if err := os.WriteFile(path, []byte(TokenKey+"=new-jwt\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := New("old-jwt")
	refreshed, err := s.ReloadFromFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !refreshed {
		t.Fatal("expected refresh for a changed token")
	}

	token, _ := s.Token()
	if token != "Bearer new-jwt" {
		t.Errorf("token = %q, want reloaded token", token)
	}

	// Same token again is a no-op
	refreshed, err = s.ReloadFromFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if refreshed {
		t.Error("unchanged token should not refresh")
	}
}

func TestReloadFromFile_StaleTokenStaysExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.env")
	if err := os.WriteFile(path, []byte(TokenKey+"=same-jwt\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := New("same-jwt")
	_, gen := s.Token()
	s.MarkExpired(gen)

	// The helper has not logged in again: the file still holds the
	// token the portal just rejected. Accepting it would send the
	// worker back to submitting with a dead credential.
	refreshed, err := s.ReloadFromFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if refreshed {
		t.Fatal("unchanged token after expiry must not count as a refresh")
	}
	if s.Valid() {
		t.Fatal("session must stay expired until a new token arrives")
	}

	// A genuinely new token revalidates the session.
	if err := os.WriteFile(path, []byte(TokenKey+"=fresh-jwt\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	refreshed, err = s.ReloadFromFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !refreshed {
		t.Fatal("expected refresh for a new token")
	}
	if !s.Valid() {
		t.Error("session should be valid after reloading a new token")
	}
}

func TestReloadFromFile_MissingFile(t *testing.T) {
	s := New("t1")
	refreshed, err := s.ReloadFromFile(filepath.Join(t.TempDir(), "absent.env"))
	if err != nil {
		t.Fatalf("missing file should not be an error, got %v", err)
	}
	if refreshed {
		t.Error("missing file should not refresh")
	}
}
