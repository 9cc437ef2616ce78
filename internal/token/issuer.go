// Package token mints opaque bearer tokens bound to an email. Each product
// namespace keeps a token→record key and an email→latest-token pointer.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ecoffie/market-assassin-sub003/internal/counterstore"
	"github.com/ecoffie/market-assassin-sub003/internal/logger"
	"github.com/ecoffie/market-assassin-sub003/internal/models"
)

// Length of issued tokens; 32 symbols of a 32-symbol alphabet is 160 bits.
const Length = 32

const maxAttempts = 3

type Namespace struct {
	Name        string
	TokenPrefix string
	EmailPrefix string
}

var (
	MarketAssassin = Namespace{Name: "ma", TokenPrefix: "matoken:", EmailPrefix: "maaccess:"}
	Database       = Namespace{Name: "db", TokenPrefix: "dbtoken:", EmailPrefix: "dbaccess:"}
)

// LookupNamespace resolves a namespace by its short name.
func LookupNamespace(name string) (Namespace, error) {
	switch name {
	case MarketAssassin.Name:
		return MarketAssassin, nil
	case Database.Name:
		return Database, nil
	}
	return Namespace{}, fmt.Errorf("%w: %q", ErrUnknownNamespace, name)
}

type Issuer struct {
	store counterstore.Store
	ns    Namespace
	now   func() time.Time
}

func NewIssuer(store counterstore.Store, ns Namespace) *Issuer {
	return &Issuer{store: store, ns: ns, now: time.Now}
}

func (i *Issuer) Namespace() Namespace {
	return i.ns
}

// Issue mints a new token for email and repoints the email's reverse index at
// it. Earlier tokens stay valid until revoked.
func (i *Issuer) Issue(ctx context.Context, email, customerName string) (models.AccessToken, error) {
	email = models.NormalizeEmail(email)
	if !models.ValidEmail(email) {
		return models.AccessToken{}, ErrInvalidEmail
	}

	rec := models.AccessToken{
		Email:        email,
		CustomerName: strings.TrimSpace(customerName),
		Namespace:    i.ns.Name,
		CreatedAt:    i.now().UTC(),
	}

	for attempt := 0; ; attempt++ {
		if attempt == maxAttempts {
			return models.AccessToken{}, ErrTokenCollision
		}

		tok, err := Random(Length)
		if err != nil {
			return models.AccessToken{}, err
		}
		rec.Token = tok

		data, err := json.Marshal(rec)
		if err != nil {
			return models.AccessToken{}, fmt.Errorf("encode token: %w", err)
		}
		ok, err := i.store.SetIfAbsent(ctx, i.ns.TokenPrefix+tok, string(data), 0)
		if err != nil {
			return models.AccessToken{}, fmt.Errorf("store token: %w", err)
		}
		if ok {
			break
		}
	}

	ptr, err := json.Marshal(models.TokenPointer{Token: rec.Token, CreatedAt: rec.CreatedAt})
	if err != nil {
		return models.AccessToken{}, fmt.Errorf("encode token pointer: %w", err)
	}
	if err := i.store.Set(ctx, i.ns.EmailPrefix+email, string(ptr), 0); err != nil {
		return models.AccessToken{}, fmt.Errorf("store token pointer: %w", err)
	}

	logger.Info("Access token issued", map[string]interface{}{
		"namespace": i.ns.Name,
		"email":     logger.MaskEmail(email),
	})
	return rec, nil
}

// Resolve returns ok=false for unknown or revoked tokens.
func (i *Issuer) Resolve(ctx context.Context, tok string) (models.AccessToken, bool, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return models.AccessToken{}, false, nil
	}

	raw, ok, err := i.store.Get(ctx, i.ns.TokenPrefix+tok)
	if err != nil || !ok {
		return models.AccessToken{}, false, err
	}

	var rec models.AccessToken
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return models.AccessToken{}, false, fmt.Errorf("decode token: %w", err)
	}
	return rec, true, nil
}

// LatestForEmail returns the most recently issued token pointer for email.
func (i *Issuer) LatestForEmail(ctx context.Context, email string) (models.TokenPointer, bool, error) {
	raw, ok, err := i.store.Get(ctx, i.ns.EmailPrefix+models.NormalizeEmail(email))
	if err != nil || !ok {
		return models.TokenPointer{}, false, err
	}

	var ptr models.TokenPointer
	if err := json.Unmarshal([]byte(raw), &ptr); err != nil {
		return models.TokenPointer{}, false, fmt.Errorf("decode token pointer: %w", err)
	}
	return ptr, true, nil
}

// Revoke deletes tok. The email pointer is dropped only if it still points at tok.
func (i *Issuer) Revoke(ctx context.Context, tok string) (bool, error) {
	rec, ok, err := i.Resolve(ctx, tok)
	if err != nil || !ok {
		return false, err
	}

	if _, err := i.store.Delete(ctx, i.ns.TokenPrefix+rec.Token); err != nil {
		return false, fmt.Errorf("delete token: %w", err)
	}

	ptr, ok, err := i.LatestForEmail(ctx, rec.Email)
	if err != nil {
		return true, err
	}
	if ok && ptr.Token == rec.Token {
		if _, err := i.store.Delete(ctx, i.ns.EmailPrefix+rec.Email); err != nil {
			return true, fmt.Errorf("delete token pointer: %w", err)
		}
	}

	logger.Info("Access token revoked", map[string]interface{}{
		"namespace": i.ns.Name,
		"email":     logger.MaskEmail(rec.Email),
	})
	return true, nil
}
