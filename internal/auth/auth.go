// Package auth issues anonymous per-tenant session handles that gate store
// access. A session carries no application identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/livechat/internal/errs"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// Session is an opaque handle authorizing store access for one tenant.
type Session struct {
	Tenant    string
	Subject   string
	Token     string
	ExpiresAt time.Time
}

// Provider signs anonymous sessions with an HMAC key.
type Provider struct {
	signKey []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewProvider constructs a Provider. Sessions expire after ttl.
func NewProvider(signKey []byte, ttl time.Duration) *Provider {
	return &Provider{signKey: signKey, ttl: ttl, now: time.Now}
}

// SignIn returns a fresh anonymous session for tenant.
func (p *Provider) SignIn(_ context.Context, tenant string) (Session, error) {
	if tenant == "" {
		return Session{}, fmt.Errorf("tenant: %w", errs.ErrInvalidInput)
	}
	if len(p.signKey) == 0 {
		return Session{}, errors.New("auth: empty signing key")
	}
	sub, err := uuid.NewV4()
	if err != nil {
		return Session{}, err
	}
	now := p.now()
	exp := now.Add(p.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   sub.String(),
		Audience:  jwt.ClaimStrings{tenant},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.signKey)
	if err != nil {
		return Session{}, err
	}
	return Session{Tenant: tenant, Subject: sub.String(), Token: signed, ExpiresAt: exp}, nil
}

// Verify checks token and that it was issued for tenant.
func (p *Provider) Verify(token, tenant string) (Session, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.signKey, nil
	}, jwt.WithAudience(tenant), jwt.WithTimeFunc(p.now), jwt.WithExpirationRequired())
	if err != nil {
		return Session{}, fmt.Errorf("session: %w: %w", errs.ErrUnauthorized, err)
	}
	s := Session{Tenant: tenant, Subject: claims.Subject, Token: token}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}
