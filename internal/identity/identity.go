// Package identity issues and verifies player identities. Anonymous
// sign-in creates a fresh identity; claiming a username with a password
// lets the player log back in to it later.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"harvest-exchange/internal/docstore"
	"harvest-exchange/internal/model"
	"harvest-exchange/internal/schema"
)

const TokenTTL = 72 * time.Hour

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrInvalidUsername    = errors.New("username must be 3-20 letters, digits, _ or -")
	ErrPasswordTooShort   = errors.New("password must be at least 6 characters")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// Change is delivered to OnIdentityChange callbacks.
type Change struct {
	Identity Identity
	SignedIn bool
}

type Provider struct {
	store  docstore.Store
	secret []byte
	now    func() time.Time
	cost   int

	mu        sync.RWMutex
	listeners []func(Change)
}

func NewProvider(store docstore.Store, secret string) *Provider {
	return &Provider{store: store, secret: []byte(secret), now: time.Now, cost: bcrypt.DefaultCost}
}

// OnIdentityChange registers fn for sign-in, login and sign-out events.
func (p *Provider) OnIdentityChange(fn func(Change)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

func (p *Provider) emit(c Change) {
	p.mu.RLock()
	ls := append([]func(Change){}, p.listeners...)
	p.mu.RUnlock()
	for _, fn := range ls {
		fn(c)
	}
}

// ── Tokens ───────────────────────────────────────────

func (p *Provider) makeToken(id Identity) (string, error) {
	now := p.now()
	claims := jwt.MapClaims{
		"sub": id.ID,
		"jti": uuid.New().String(),
		"iat": now.Unix(),
		"exp": now.Add(TokenTTL).Unix(),
	}
	if id.Username != "" {
		claims["name"] = id.Username
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

func (p *Provider) parse(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return p.secret, nil
	}, jwt.WithTimeFunc(p.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if sub, _ := claims["sub"].(string); sub == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// CurrentIdentity verifies the token and returns its identity.
func (p *Provider) CurrentIdentity(ctx context.Context, tokenStr string) (Identity, error) {
	claims, err := p.parse(tokenStr)
	if err != nil {
		return Identity{}, err
	}
	if jti, _ := claims["jti"].(string); jti != "" {
		doc, err := p.store.Get(ctx, model.CollectionRevokedTokens, jti)
		if err != nil {
			return Identity{}, fmt.Errorf("check revocation: %w", err)
		}
		if doc != nil {
			return Identity{}, ErrTokenRevoked
		}
	}
	sub, _ := claims["sub"].(string)
	name, _ := claims["name"].(string)
	return Identity{ID: sub, Username: name}, nil
}

// ── Flows ────────────────────────────────────────────

func (p *Provider) SignInAnonymously(ctx context.Context) (Identity, string, error) {
	id := Identity{ID: uuid.New().String()}
	token, err := p.makeToken(id)
	if err != nil {
		return Identity{}, "", err
	}
	log.Printf("[identity] anonymous sign-in %s", id.ID)
	p.emit(Change{Identity: id, SignedIn: true})
	return id, token, nil
}

// NormalizeUsername trims and validates a username. The second return
// value is the case-folded key it is reserved under.
func NormalizeUsername(username string) (string, string, error) {
	name := strings.TrimSpace(username)
	n := len([]rune(name))
	if n < 3 || n > 20 {
		return "", "", ErrInvalidUsername
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' {
			return "", "", ErrInvalidUsername
		}
	}
	return name, strings.ToLower(name), nil
}

// ClaimUsername reserves username for id and records it as the player's
// display name. Claiming a name id already owns updates its password.
func (p *Provider) ClaimUsername(ctx context.Context, id, username, password string) (Identity, error) {
	name, key, err := NormalizeUsername(username)
	if err != nil {
		return Identity{}, err
	}
	if len(password) < 6 {
		return Identity{}, ErrPasswordTooShort
	}

	doc, err := p.store.Get(ctx, model.CollectionUsernames, key)
	if err != nil {
		return Identity{}, fmt.Errorf("lookup username: %w", err)
	}
	if doc != nil {
		var owner model.UsernameDoc
		if err := doc.Decode(&owner); err != nil {
			return Identity{}, err
		}
		if owner.UserID != id {
			return Identity{}, ErrUsernameTaken
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return Identity{}, fmt.Errorf("hash password: %w", err)
	}
	fields, err := docstore.Encode(model.UsernameDoc{UserID: id, PasswordHash: string(hash)})
	if err != nil {
		return Identity{}, err
	}
	if err := p.store.Set(ctx, model.CollectionUsernames, key, fields, false); err != nil {
		return Identity{}, fmt.Errorf("reserve username: %w", err)
	}

	patch := struct {
		DisplayName string `json:"displayName"`
		UserID      string `json:"userId"`
		CreatedAt   int64  `json:"createdAt"`
	}{name, id, p.now().UnixMilli()}
	if err := schema.ValidatePlayer(patch); err != nil {
		return Identity{}, err
	}
	if fields, err = docstore.Encode(patch); err != nil {
		return Identity{}, err
	}
	if err := p.store.Set(ctx, model.CollectionPlayers, id, fields, true); err != nil {
		return Identity{}, fmt.Errorf("save display name: %w", err)
	}
	log.Printf("[identity] %s claimed %q", id, name)
	return Identity{ID: id, Username: name}, nil
}

// Login restores the identity that owns username.
func (p *Provider) Login(ctx context.Context, username, password string) (Identity, string, error) {
	name, key, err := NormalizeUsername(username)
	if err != nil {
		return Identity{}, "", ErrInvalidCredentials
	}
	doc, err := p.store.Get(ctx, model.CollectionUsernames, key)
	if err != nil {
		return Identity{}, "", fmt.Errorf("lookup username: %w", err)
	}
	if doc == nil {
		return Identity{}, "", ErrInvalidCredentials
	}
	var owner model.UsernameDoc
	if err := doc.Decode(&owner); err != nil {
		return Identity{}, "", err
	}
	if owner.PasswordHash == "" {
		return Identity{}, "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(owner.PasswordHash), []byte(password)); err != nil {
		return Identity{}, "", ErrInvalidCredentials
	}

	id := Identity{ID: owner.UserID, Username: name}
	token, err := p.makeToken(id)
	if err != nil {
		return Identity{}, "", err
	}
	log.Printf("[identity] login %s as %q", id.ID, name)
	p.emit(Change{Identity: id, SignedIn: true})
	return id, token, nil
}

// SignOut revokes the token.
func (p *Provider) SignOut(ctx context.Context, tokenStr string) error {
	claims, err := p.parse(tokenStr)
	if err != nil {
		return err
	}
	sub, _ := claims["sub"].(string)
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return ErrInvalidToken
	}
	exp, _ := claims.GetExpirationTime()
	rec := map[string]any{"userId": sub}
	if exp != nil {
		rec["expiresAt"] = exp.Unix()
	}
	fields, err := docstore.Encode(rec)
	if err != nil {
		return err
	}
	if err := p.store.Set(ctx, model.CollectionRevokedTokens, jti, fields, false); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	log.Printf("[identity] sign-out %s", sub)
	p.emit(Change{Identity: Identity{ID: sub}, SignedIn: false})
	return nil
}
