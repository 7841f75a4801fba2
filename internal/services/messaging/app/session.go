package server

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/SharadaShehan/Project-Management-App-Monolithic/internal/platform/errors"
)

// SessionCookieName is the cookie the gateway reads the session token from.
const SessionCookieName = "pm_session"

// SessionVerifier validates session tokens into user identities.
type SessionVerifier struct {
	issuer   string
	audience string
	key      ed25519.PublicKey
	now      func() time.Time
}

type sessionClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// NewSessionVerifier builds a verifier for EdDSA session tokens. publicKey
// is the base64 form of the 32-byte ed25519 public key.
func NewSessionVerifier(issuer, audience, publicKey string, now func() time.Time) (*SessionVerifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	publicKey = strings.TrimSpace(publicKey)
	if issuer == "" {
		return nil, fmt.Errorf("session issuer is required")
	}
	if audience == "" {
		return nil, fmt.Errorf("session audience is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return nil, fmt.Errorf("decode session public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("session public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return &SessionVerifier{
		issuer:   issuer,
		audience: audience,
		key:      ed25519.PublicKey(keyBytes),
		now:      now,
	}, nil
}

// Verify validates a session token and returns the user id it carries.
func (v *SessionVerifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperrors.New(apperrors.CodeSessionTokenInvalid, "session token is required")
	}
	if v == nil || len(v.key) != ed25519.PublicKeySize {
		return "", errors.New("session verifier is not configured")
	}

	var parsed sessionClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(t *jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return "", mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != v.issuer {
		return "", apperrors.New(apperrors.CodeSessionTokenInvalid, "session token issuer mismatch")
	}
	if !audienceContains(parsed.Audience, v.audience) {
		return "", apperrors.New(apperrors.CodeSessionTokenInvalid, "session token audience mismatch")
	}
	if parsed.ExpiresAt == nil {
		return "", apperrors.New(apperrors.CodeSessionTokenInvalid, "session token exp is required")
	}

	now := v.now().UTC()
	if !parsed.ExpiresAt.Time.UTC().After(now) {
		return "", apperrors.New(apperrors.CodeSessionTokenExpired, "session token is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return "", apperrors.New(apperrors.CodeSessionTokenInvalid, "session token not active yet")
	}

	userID := strings.TrimSpace(parsed.UserID)
	if userID == "" {
		userID = strings.TrimSpace(parsed.Subject)
	}
	if userID == "" {
		return "", apperrors.New(apperrors.CodeSessionTokenInvalid, "session token carries no user id")
	}
	return userID, nil
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeSessionTokenInvalid, "session token signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeSessionTokenInvalid, "session token alg is invalid")
	}
	return apperrors.New(apperrors.CodeSessionTokenInvalid, "session token is invalid")
}

func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	decoded, stdErr := base64.StdEncoding.DecodeString(value)
	if stdErr == nil {
		return decoded, nil
	}
	return nil, err
}
