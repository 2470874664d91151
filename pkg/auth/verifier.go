// Package auth verifies the basic-auth credentials of websocket clients:
// the username carries a permission token as JSON, the password carries the
// same claim signed as an HS256 JWT with the organization's secret.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/transitive-robotics/broker-auth/pkg/accounts"
	"github.com/transitive-robotics/broker-auth/pkg/permission"
)

// ErrAuthFailed is the only error Verify returns. The cause is logged, not
// surfaced, so nothing leaks across the broker boundary.
var ErrAuthFailed = errors.New("authentication failed")

// Verifier checks websocket client credentials against the account cache.
type Verifier struct {
	accounts *accounts.Cache
	log      *slog.Logger
	now      func() time.Time
}

// NewVerifier creates a Verifier backed by the account cache.
func NewVerifier(accts *accounts.Cache, log *slog.Logger) *Verifier {
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{accounts: accts, log: log, now: time.Now}
}

// Verify authenticates one username/password pair. Every failure mode maps
// to ErrAuthFailed.
func (v *Verifier) Verify(ctx context.Context, username, password string) error {
	err := v.verify(ctx, username, password)
	if err != nil {
		v.log.Warn("basic auth rejected", "error", err)
		return ErrAuthFailed
	}
	return nil
}

func (v *Verifier) verify(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return errors.New("missing username or password")
	}

	tok, err := permission.ParseToken(username)
	if err != nil {
		return fmt.Errorf("parsing username: %w", err)
	}

	secret, ok := v.accounts.SecretFor(ctx, tok.ID)
	if !ok {
		return fmt.Errorf("no JWT secret for %q", tok.ID)
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(password, claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("verifying JWT: %w", err)
	}

	// the signed claim must be exactly what the username asserts
	if tok.Payload == nil || !reflect.DeepEqual(map[string]any(claims), tok.Payload) {
		return errors.New("username payload and JWT payload don't match")
	}

	expiry, ok := tok.ExpiresAfter()
	if !ok {
		return errors.New("token has no iat/validity")
	}
	if expiry <= v.now().Unix() {
		return errors.New("token is expired")
	}

	v.log.Debug("verified websocket client", "org", tok.ID)
	return nil
}
