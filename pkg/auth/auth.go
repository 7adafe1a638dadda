// Package auth verifies bearer tokens and derives caller identities.
//
// Tokens are HS256 JWTs validated against a shared secret with strict issuer
// and audience checks. Every non-registered claim on the token is carried
// into the identity so runbooks can gate on arbitrary claim names.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/stage0-ops/runbook-api/pkg/config"
	"github.com/stage0-ops/runbook-api/pkg/types"
)

// registeredClaims are JWT claims that describe the token itself rather than
// the caller; they never participate in runbook claim matching.
var registeredClaims = map[string]struct{}{
	"iss": {},
	"aud": {},
	"exp": {},
	"nbf": {},
	"iat": {},
	"jti": {},
}

// Verifier validates tokens and mints development tokens.
type Verifier struct {
	log logrus.FieldLogger
	cfg config.AuthConfig
}

// NewVerifier creates a Verifier from the auth configuration.
func NewVerifier(log logrus.FieldLogger, cfg config.AuthConfig) *Verifier {
	return &Verifier{
		log: log.WithField("component", "auth"),
		cfg: cfg,
	}
}

// Verify parses and validates a token string and returns the caller identity.
func (v *Verifier) Verify(tokenString string) (types.Identity, error) {
	claims := jwt.MapClaims{}

	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(_ *jwt.Token) (interface{}, error) { return []byte(v.cfg.SecretKey), nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return types.Identity{}, fmt.Errorf("parsing token: %w", err)
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return types.Identity{}, fmt.Errorf("token has no subject claim")
	}

	identity := types.Identity{
		UserID: sub,
		Claims: make(map[string]types.ClaimValue, len(claims)),
	}

	for name, raw := range claims {
		if _, registered := registeredClaims[name]; registered || name == "sub" {
			continue
		}

		identity.Claims[name] = claimValue(raw)
	}

	return identity, nil
}

// MintDevToken issues a short-lived token for local development. The custom
// claims are embedded verbatim alongside the registered set.
func (v *Verifier) MintDevToken(subject string, customClaims map[string]interface{}) (string, error) {
	if !v.cfg.EnableLogin {
		return "", fmt.Errorf("dev login is disabled")
	}

	now := time.Now()

	claims := jwt.MapClaims{
		"sub": subject,
		"iss": v.cfg.Issuer,
		"aud": v.cfg.Audience,
		"iat": now.Unix(),
		"exp": now.Add(time.Duration(v.cfg.TTLMinutes) * time.Minute).Unix(),
	}

	for name, value := range customClaims {
		if _, registered := registeredClaims[name]; registered || name == "sub" {
			continue
		}

		claims[name] = value
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString([]byte(v.cfg.SecretKey))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	v.log.WithField("subject", subject).Debug("Minted development token")

	return signed, nil
}

// claimValue normalizes a decoded JSON claim into the canonical string-set
// form used by runbook authorization.
func claimValue(raw interface{}) types.ClaimValue {
	switch val := raw.(type) {
	case string:
		return types.ClaimValue{val}
	case []interface{}:
		out := make(types.ClaimValue, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprintf("%v", item))
		}

		return out
	default:
		return types.ClaimValue{fmt.Sprintf("%v", val)}
	}
}
