package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	keyExpiry       = time.Hour
	bcryptCost      = 12
	authRateWindow  = 60 * time.Second
	maxAuthAttempts = 10

	// DefaultIssuer is the issuer of keys minted by this server
	DefaultIssuer = "https://auth.worldsync.local"
	// DefaultClientID is the audience keys must carry unless configured
	DefaultClientID = "worldsync"

	settingSecret      = "jwt_secret"
	settingServiceHash = "service_key_hash"

	tokenTypeIdentity = "identity"
	tokenTypeKey      = "key"
)

// Auth issues and validates connection identity tokens and private
// authentication keys
type Auth struct {
	db        *DB
	jwtSecret []byte
	clientID  string
	issuers   []string

	// Rate limiting for authentication attempts (identity -> attempts)
	rateMu      sync.Mutex
	rateMap     map[string]*rateEntry
	rateSweepAt time.Time
}

type rateEntry struct {
	Count   int
	ResetAt time.Time
}

// NewAuth creates a new Auth handler. Keys must name clientID in their
// audience and one of issuers (DefaultIssuer when empty) as issuer.
func NewAuth(db *DB, clientID string, issuers ...string) *Auth {
	if clientID == "" {
		clientID = DefaultClientID
	}
	if len(issuers) == 0 {
		issuers = []string{DefaultIssuer}
	}
	return &Auth{
		db:        db,
		jwtSecret: loadOrCreateSecret(db),
		clientID:  clientID,
		issuers:   issuers,
		rateMap:   make(map[string]*rateEntry),
	}
}

// loadOrCreateSecret loads the JWT secret from the database, or generates
// and persists a new one if none exists.
func loadOrCreateSecret(db *DB) []byte {
	if db != nil {
		if h := db.GetSetting(settingSecret); h != "" {
			if b, err := hex.DecodeString(h); err == nil && len(b) == 32 {
				return b
			}
		}
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic("failed to generate JWT secret: " + err.Error())
	}
	if db != nil {
		if err := db.SetSetting(settingSecret, hex.EncodeToString(secret)); err != nil {
			log.Printf("warning: could not persist JWT secret: %v", err)
		}
	}
	return secret
}

// IssueIdentityToken returns a token a client presents on reconnect to keep
// its identity
func (a *Auth) IssueIdentityToken(identity Identity) (string, error) {
	claims := jwt.MapClaims{
		"sub": string(identity),
		"typ": tokenTypeIdentity,
		"iat": time.Now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
}

// ValidateIdentityToken returns the identity a token was issued for
func (a *Auth) ValidateIdentityToken(tokenStr string) (Identity, error) {
	claims, err := a.parse(tokenStr)
	if err != nil {
		return "", err
	}
	if typ, _ := claims["typ"].(string); typ != tokenTypeIdentity {
		return "", fmt.Errorf("not an identity token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("invalid token claims")
	}
	return Identity(sub), nil
}

// IssueKey mints a private authentication key for identity
func (a *Auth) IssueKey(identity Identity) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": a.issuers[0],
		"aud": []string{a.clientID},
		"sub": string(identity),
		"typ": tokenTypeKey,
		"exp": now.Add(keyExpiry).Unix(),
		"iat": now.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
}

// ValidateKey checks that key is an unexpired private key for identity,
// from an accepted issuer and for this server's audience
func (a *Auth) ValidateKey(identity Identity, key string) error {
	claims, err := a.parse(key,
		jwt.WithAudience(a.clientID),
		jwt.WithSubject(string(identity)),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return err
	}
	if typ, _ := claims["typ"].(string); typ != tokenTypeKey {
		return fmt.Errorf("not an authentication key")
	}
	iss, err := claims.GetIssuer()
	if err != nil || !slices.Contains(a.issuers, iss) {
		return fmt.Errorf("invalid issuer %q", iss)
	}
	return nil
}

func (a *Auth) parse(tokenStr string, opts ...jwt.ParserOption) (jwt.MapClaims, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.jwtSecret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// SetServiceKey stores the bcrypt hash of the operator key that guards key
// issuing
func (a *Auth) SetServiceKey(key string) error {
	if len(key) < 8 {
		return fmt.Errorf("service key must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcryptCost)
	if err != nil {
		return err
	}
	return a.db.SetSetting(settingServiceHash, string(hash))
}

// CheckServiceKey reports whether key matches the stored service key. It is
// false when no service key was ever set.
func (a *Auth) CheckServiceKey(key string) bool {
	hash := a.db.GetSetting(settingServiceHash)
	if hash == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// checkRate counts an attempt for key and reports whether it is allowed
func (a *Auth) checkRate(key string) bool {
	a.rateMu.Lock()
	defer a.rateMu.Unlock()

	now := time.Now()
	if now.After(a.rateSweepAt) {
		a.sweepRates(now)
	}
	entry, ok := a.rateMap[key]
	if !ok || now.After(entry.ResetAt) {
		a.rateMap[key] = &rateEntry{Count: 1, ResetAt: now.Add(authRateWindow)}
		return true
	}
	entry.Count++
	return entry.Count <= maxAuthAttempts
}

// sweepRates drops expired entries. Callers hold rateMu.
func (a *Auth) sweepRates(now time.Time) {
	for key, entry := range a.rateMap {
		if now.After(entry.ResetAt) {
			delete(a.rateMap, key)
		}
	}
	a.rateSweepAt = now.Add(authRateWindow)
}

// GenerateDefaultName creates a default account name like "Player_a3f2c1"
func GenerateDefaultName() string {
	b := make([]byte, 3)
	rand.Read(b)
	return "Player_" + hex.EncodeToString(b)
}
