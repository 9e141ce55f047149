// Package usertoken verifies RS256 access tokens issued by the auth service
// against its published JWKS.
package usertoken

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "datamarket-auth"
	defaultAudience = "datamarket-api"
	defaultLeeway   = 30 * time.Second
)

// Config configures user access-token verification.
type Config struct {
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
	// Now overrides the clock used for key expiry and claim validation.
	Now func() time.Time
}

// Claims are the verified claims of an access token.
type Claims struct {
	Subject   string
	TokenID   string
	ExpiresAt time.Time
}

// Verifier validates access tokens and extracts their subject.
type Verifier struct {
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
	keys     *keySet
}

// NewVerifier creates a verifier and loads the initial key set.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	v := &Verifier{
		issuer:   cmp.Or(strings.TrimSpace(cfg.Issuer), defaultIssuer),
		audience: cmp.Or(strings.TrimSpace(cfg.Audience), defaultAudience),
		leeway:   cfg.Leeway,
		now:      cfg.Now,
	}
	if v.leeway <= 0 {
		v.leeway = defaultLeeway
	}
	if v.now == nil {
		v.now = time.Now
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	v.keys = &keySet{url: jwksURL, client: client, now: v.now}

	ctx, cancel := context.WithTimeout(ctx, client.Timeout+time.Second)
	defer cancel()
	if err := v.keys.refresh(ctx); err != nil {
		return nil, fmt.Errorf("load jwks: %w", err)
	}
	return v, nil
}

// Verify checks signature, issuer, audience and time claims. Tokens signed
// by an unseen key trigger one throttled key refresh.
func (v *Verifier) Verify(ctx context.Context, token string) (Claims, error) {
	if v.keys.stale() {
		if err := v.keys.refresh(ctx); err != nil {
			return Claims{}, err
		}
	}
	claims, err := v.parse(token)
	if errors.Is(err, errUnknownKey) && v.keys.refreshAllowed() {
		if err := v.keys.refresh(ctx); err != nil {
			return Claims{}, err
		}
		claims, err = v.parse(token)
	}
	if err != nil {
		return Claims{}, err
	}
	return claims, nil
}

// VerifySubject returns the subject user ID of a valid token.
func (v *Verifier) VerifySubject(ctx context.Context, token string) (string, error) {
	claims, err := v.Verify(ctx, token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (v *Verifier) parse(token string) (Claims, error) {
	var rc jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &rc, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := v.keys.lookup(strings.TrimSpace(kid))
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Claims{}, err
	}
	subject := strings.TrimSpace(rc.Subject)
	if subject == "" {
		return Claims{}, errors.New("token subject missing")
	}
	claims := Claims{Subject: subject, TokenID: rc.ID}
	if rc.ExpiresAt != nil {
		claims.ExpiresAt = rc.ExpiresAt.Time
	}
	return claims, nil
}
