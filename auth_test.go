package main

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIdentityTokenRoundTrip(t *testing.T) {
	a := NewAuth(openTestDB(t), "")

	token, err := a.IssueIdentityToken("player-1")
	if err != nil {
		t.Fatal(err)
	}
	id, err := a.ValidateIdentityToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if id != "player-1" {
		t.Errorf("identity = %q, want player-1", id)
	}
	if _, err := a.ValidateIdentityToken(token + "x"); err == nil {
		t.Error("tampered token should fail")
	}
}

func TestSecretPersists(t *testing.T) {
	db := openTestDB(t)
	token, _ := NewAuth(db, "").IssueIdentityToken("p")
	if _, err := NewAuth(db, "").ValidateIdentityToken(token); err != nil {
		t.Errorf("token should survive a restart: %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	a := NewAuth(openTestDB(t), "")

	key, err := a.IssueKey("alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.ValidateKey("alice", key); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
	if err := a.ValidateKey("bob", key); err == nil {
		t.Error("key for another subject should fail")
	}
	identityToken, _ := a.IssueIdentityToken("alice")
	if err := a.ValidateKey("alice", identityToken); err == nil {
		t.Error("identity token must not pass as a key")
	}
}

func TestValidateKeyAudienceAndIssuer(t *testing.T) {
	db := openTestDB(t)
	ours := NewAuth(db, "game")
	otherAudience := NewAuth(db, "other-game")
	otherIssuer := NewAuth(db, "game", "https://elsewhere.example")

	key, _ := ours.IssueKey("alice")
	if err := otherAudience.ValidateKey("alice", key); err == nil {
		t.Error("key for another audience should fail")
	}
	if err := otherIssuer.ValidateKey("alice", key); err == nil {
		t.Error("key from an unaccepted issuer should fail")
	}
	multi := NewAuth(db, "game", "https://elsewhere.example", DefaultIssuer)
	if err := multi.ValidateKey("alice", key); err != nil {
		t.Errorf("any accepted issuer should pass: %v", err)
	}
}

func TestValidateKeyExpired(t *testing.T) {
	a := NewAuth(openTestDB(t), "")
	claims := jwt.MapClaims{
		"iss": DefaultIssuer,
		"aud": []string{DefaultClientID},
		"sub": "alice",
		"typ": tokenTypeKey,
		"exp": time.Now().Add(-time.Minute).Unix(),
	}
	key, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
	if err := a.ValidateKey("alice", key); err == nil {
		t.Error("expired key should fail")
	}

	delete(claims, "exp")
	key, _ = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
	if err := a.ValidateKey("alice", key); err == nil {
		t.Error("key without expiry should fail")
	}
}

func TestServiceKey(t *testing.T) {
	a := NewAuth(openTestDB(t), "")

	if a.CheckServiceKey("anything") {
		t.Error("no service key set, nothing should match")
	}
	if err := a.SetServiceKey("short"); err == nil {
		t.Error("short service key should be rejected")
	}
	if err := a.SetServiceKey("operator-secret"); err != nil {
		t.Fatal(err)
	}
	if !a.CheckServiceKey("operator-secret") {
		t.Error("correct service key rejected")
	}
	if a.CheckServiceKey("operator-secreT") || a.CheckServiceKey("") {
		t.Error("wrong service key accepted")
	}
}

func TestCheckRate(t *testing.T) {
	a := NewAuth(openTestDB(t), "")
	for i := 0; i < maxAuthAttempts; i++ {
		if !a.checkRate("x") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if a.checkRate("x") {
		t.Error("attempt past the limit should be rejected")
	}
	if !a.checkRate("y") {
		t.Error("limits are per key")
	}
}

func TestCheckRateForgetsExpiredKeys(t *testing.T) {
	a := NewAuth(openTestDB(t), "")
	past := time.Now().Add(-time.Second)
	for i := 0; i < 100; i++ {
		a.rateMap[strings.Repeat("k", i+1)] = &rateEntry{Count: 1, ResetAt: past}
	}
	a.rateMap["live"] = &rateEntry{Count: maxAuthAttempts, ResetAt: time.Now().Add(time.Minute)}
	a.rateSweepAt = past

	a.checkRate("fresh")
	if len(a.rateMap) != 2 {
		t.Errorf("expected only live and fresh entries, got %d", len(a.rateMap))
	}
	if a.checkRate("live") {
		t.Error("unexpired limit must survive the sweep")
	}
}

func TestGenerateDefaultName(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		name := GenerateDefaultName()
		if !strings.HasPrefix(name, "Player_") || len(name) != 13 {
			t.Errorf("unexpected name %q", name)
		}
		seen[name] = true
	}
	if len(seen) < 2 {
		t.Error("names should vary")
	}
}
